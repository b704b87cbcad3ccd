package platformauth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyUserRef holds the resolved user reference on the gin context.
const ContextKeyUserRef = "platform_user_ref"

// PrincipalResolver maps an inbound request to the host application's user reference.
type PrincipalResolver interface {
	ResolveUserRef(request *http.Request) (string, error)
}

// RequirePrincipal rejects requests without a resolvable caller and injects the user reference.
func RequirePrincipal(resolver PrincipalResolver) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		userRef, err := resolver.ResolveUserRef(contextGin.Request)
		if err != nil || strings.TrimSpace(userRef) == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		contextGin.Set(ContextKeyUserRef, userRef)
		contextGin.Next()
	}
}

// UserRefFromContext returns the user reference set by RequirePrincipal.
func UserRefFromContext(contextGin *gin.Context) (string, bool) {
	value, found := contextGin.Get(ContextKeyUserRef)
	if !found {
		return "", false
	}
	userRef, ok := value.(string)
	return userRef, ok && userRef != ""
}
