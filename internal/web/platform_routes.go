package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/platformlink/internal/platformauth"
	"go.uber.org/zap"
)

// MountPlatformRoutes registers the platform pass-through endpoints.
// The router must already run platformauth.RequirePrincipal.
func MountPlatformRoutes(router gin.IRouter, tokens platformauth.AccessTokenProvider, client *PlatformClient, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router.GET("/workspaces", func(contextGin *gin.Context) {
		accessToken, ok := resolveAccessToken(contextGin, tokens, logger)
		if !ok {
			return
		}
		workspaces, err := client.ListWorkspaces(contextGin.Request.Context(), accessToken)
		if err != nil {
			logger.Warn("platform workspaces request failed",
				zap.String("code", "platform.workspaces.failed"),
				zap.Error(err))
			contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "Failed to fetch workspaces from platform"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"ok": true, "workspaces": workspaces})
	})

	router.GET("/user_info", func(contextGin *gin.Context) {
		accessToken, ok := resolveAccessToken(contextGin, tokens, logger)
		if !ok {
			return
		}
		document, err := client.UserInfo(contextGin.Request.Context(), accessToken)
		if err != nil {
			logger.Warn("platform user info request failed",
				zap.String("code", "platform.user_info.failed"),
				zap.Error(err))
			contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "Failed to fetch user info"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"ok": true, "data": document})
	})

	router.POST("/update_state", func(contextGin *gin.Context) {
		accessToken, ok := resolveAccessToken(contextGin, tokens, logger)
		if !ok {
			return
		}
		var inbound struct {
			ProjectID   string          `json:"projectId"`
			WorkspaceID string          `json:"workspaceId"`
			State       json.RawMessage `json:"state"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.ProjectID) == "" || strings.TrimSpace(inbound.WorkspaceID) == "" || isEmptyJSON(inbound.State) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Missing projectId or workspaceId or state"})
			return
		}
		if err := client.UpdateWorkspaceState(contextGin.Request.Context(), accessToken, inbound.ProjectID, inbound.WorkspaceID, inbound.State); err != nil {
			logger.Warn("platform workspace state update failed",
				zap.String("code", "platform.update_state.failed"),
				zap.String("project_id", inbound.ProjectID),
				zap.String("workspace_id", inbound.WorkspaceID),
				zap.Error(err))
			contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "Failed to update workspace state"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"ok": true})
	})
}

func resolveAccessToken(contextGin *gin.Context, tokens platformauth.AccessTokenProvider, logger *zap.Logger) (string, bool) {
	userRef, found := platformauth.UserRefFromContext(contextGin)
	if !found {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return "", false
	}
	accessToken, err := tokens.EnsureAccessToken(contextGin.Request.Context(), userRef)
	if err != nil {
		platformauth.WriteTokenError(contextGin, logger, err)
		return "", false
	}
	return accessToken, true
}

func isEmptyJSON(value json.RawMessage) bool {
	trimmed := bytes.TrimSpace(value)
	switch string(trimmed) {
	case "", "null", `""`, "false", "0":
		return true
	default:
		return false
	}
}
