package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// MountHealthRoute registers the unauthenticated liveness probe.
func MountHealthRoute(router gin.IRouter) {
	router.GET("/health", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"msg": "OK"})
	})
}
