package platformauth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccessTokenProvider is the read path used by every platform-proxying route.
type AccessTokenProvider interface {
	EnsureAccessToken(ctx context.Context, userRef string) (string, error)
}

// MountSessionRoutes registers /oauth/callback and /session/*. The callback does not require a
// principal, but when one resolves it must match the user that started the flow.
func MountSessionRoutes(router gin.IRouter, flow *AuthorizationFlow, tokens *TokenLifecycleManager, resolver PrincipalResolver, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router.GET(CallbackPath, func(contextGin *gin.Context) {
		if upstreamError := contextGin.Query("error"); upstreamError != "" {
			logger.Warn("authorization denied upstream",
				zap.String("code", "oauth.callback.denied"),
				zap.String("upstream_error", upstreamError))
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "authorization_denied", "detail": upstreamError})
			return
		}
		sessionUserRef := ""
		if resolved, resolveErr := resolver.ResolveUserRef(contextGin.Request); resolveErr == nil {
			sessionUserRef = strings.TrimSpace(resolved)
		}
		target, err := flow.CompleteCallbackForSession(contextGin.Request.Context(), contextGin.Query("code"), contextGin.Query("state"), sessionUserRef)
		if err != nil {
			status, code := callbackErrorStatus(err)
			if status >= http.StatusInternalServerError {
				logger.Error("oauth callback failed",
					zap.String("code", "oauth.callback.error"),
					zap.Error(err))
			}
			contextGin.AbortWithStatusJSON(status, gin.H{"error": code})
			return
		}
		contextGin.Redirect(http.StatusFound, target)
	})

	session := router.Group("/session")
	session.Use(RequirePrincipal(resolver))

	session.GET("/me", func(contextGin *gin.Context) {
		userRef, _ := UserRefFromContext(contextGin)
		token, err := tokens.EnsureAccessToken(contextGin.Request.Context(), userRef)
		if err != nil {
			WriteTokenError(contextGin, logger, err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"token":     token,
			"connected": true,
			"user":      userRef,
			"subject":   userRef,
		})
	})

	session.GET("/status", func(contextGin *gin.Context) {
		userRef, _ := UserRefFromContext(contextGin)
		connected, err := tokens.IsConnected(contextGin.Request.Context(), userRef)
		if err != nil {
			WriteTokenError(contextGin, logger, err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"connected": connected, "user": userRef})
	})

	session.POST("/connect", func(contextGin *gin.Context) {
		userRef, _ := UserRefFromContext(contextGin)
		var inbound struct {
			RedirectURL string `json:"redirectUrl"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil && !errors.Is(err, io.EOF) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		authorizeURL, err := flow.BeginAuthorize(contextGin.Request.Context(), userRef, inbound.RedirectURL)
		if err != nil {
			logger.Error("authorize url build failed",
				zap.String("code", "session.connect.error"),
				zap.String("user_ref", userRef),
				zap.Error(err))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "connect_unavailable"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"url": authorizeURL})
	})

	session.POST("/logout", func(contextGin *gin.Context) {
		userRef, _ := UserRefFromContext(contextGin)
		if err := tokens.Logout(contextGin.Request.Context(), userRef); err != nil {
			logger.Error("logout failed",
				zap.String("code", "session.logout.error"),
				zap.String("user_ref", userRef),
				zap.Error(err))
			contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "logout_incomplete"})
			return
		}
		contextGin.Status(http.StatusNoContent)
	})
}

// WriteTokenError maps EnsureAccessToken failures to HTTP responses.
func WriteTokenError(contextGin *gin.Context, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, ErrNotConnected):
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Not connected"})
	case errors.Is(err, ErrStorageUnavailable):
		logger.Error("token store unavailable", zap.String("code", "token.store.unavailable"), zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"})
	case errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, context.DeadlineExceeded):
		logger.Warn("platform token endpoint unavailable", zap.String("code", "token.upstream.unavailable"), zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "platform_unavailable"})
	default:
		logger.Error("token lookup failed", zap.String("code", "token.lookup.error"), zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token_unavailable"})
	}
}

func callbackErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidState):
		return http.StatusBadRequest, "invalid_state"
	case errors.Is(err, ErrSessionMismatch):
		return http.StatusForbidden, "session_mismatch"
	case errors.Is(err, ErrMissingCode):
		return http.StatusBadRequest, "missing_code"
	case errors.Is(err, ErrExchangeFailed):
		return http.StatusBadGateway, "exchange_failed"
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	case errors.Is(err, ErrTokenEndpointNotConfigured):
		return http.StatusInternalServerError, "token_endpoint_not_configured"
	default:
		return http.StatusInternalServerError, "callback_error"
	}
}
