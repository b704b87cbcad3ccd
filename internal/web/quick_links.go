package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/platformlink/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrQuickLinkStorage wraps failures of the quick-link table.
var ErrQuickLinkStorage = errors.New("quick_link_store.unavailable")

// QuickLinkConfiguration is the per-entity quick template link.
type QuickLinkConfiguration struct {
	ID                uint      `gorm:"primaryKey" json:"-"`
	EntityID          string    `gorm:"column:entity_id;not null;uniqueIndex:platform_quick_links_entity_idx" json:"entityId"`
	ProjectID         string    `gorm:"column:project_id;not null" json:"projectId"`
	QuickTemplateLink string    `gorm:"column:quick_template_link;not null" json:"quickTemplateLink"`
	UpdatedAt         time.Time `gorm:"column:updated_at;not null" json:"updatedAt"`
}

func (QuickLinkConfiguration) TableName() string {
	return "platform_quick_links"
}

// QuickLinkStore persists quick-link configurations with GORM.
type QuickLinkStore struct {
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
}

// NewQuickLinkStore migrates the quick-link table on the handle.
func NewQuickLinkStore(ctx context.Context, handle *database.Handle) (*QuickLinkStore, error) {
	if handle == nil || handle.DB == nil {
		return nil, fmt.Errorf("quick_link_store.open: %w", ErrQuickLinkStorage)
	}
	if err := handle.Migrate(ctx, &QuickLinkConfiguration{}); err != nil {
		return nil, fmt.Errorf("quick_link_store.open: %w", err)
	}
	return &QuickLinkStore{db: handle.DB, driverLabel: handle.DriverLabel, now: time.Now}, nil
}

// Get returns the configuration for entityID; found is false when none was saved.
func (store *QuickLinkStore) Get(ctx context.Context, entityID string) (QuickLinkConfiguration, bool, error) {
	var configuration QuickLinkConfiguration
	err := store.db.WithContext(ctx).Where("entity_id = ?", entityID).Take(&configuration).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return QuickLinkConfiguration{}, false, nil
		}
		return QuickLinkConfiguration{}, false, fmt.Errorf("quick_link_store.get.%s: %w: %w", store.driverLabel, ErrQuickLinkStorage, err)
	}
	return configuration, true, nil
}

// Save upserts the link and project for entityID.
func (store *QuickLinkStore) Save(ctx context.Context, entityID string, projectID string, link string) error {
	row := QuickLinkConfiguration{
		EntityID:          entityID,
		ProjectID:         projectID,
		QuickTemplateLink: link,
		UpdatedAt:         store.now().UTC(),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"project_id", "quick_template_link", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("quick_link_store.save.%s: %w: %w", store.driverLabel, ErrQuickLinkStorage, err)
	}
	return nil
}

// MountQuickLinkRoutes registers /save_quick_link and /configuration.
func MountQuickLinkRoutes(router gin.IRouter, store *QuickLinkStore, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router.POST("/save_quick_link", func(contextGin *gin.Context) {
		var inbound struct {
			Link      *string `json:"link"`
			EntityID  *string `json:"entityId"`
			ProjectID *string `json:"projectId"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || inbound.Link == nil || inbound.EntityID == nil || inbound.ProjectID == nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Missing link"})
			return
		}
		if err := store.Save(contextGin.Request.Context(), *inbound.EntityID, *inbound.ProjectID, *inbound.Link); err != nil {
			logger.Error("quick link save failed",
				zap.String("code", "quick_link.save_failed"),
				zap.String("entity_id", *inbound.EntityID),
				zap.Error(err))
			contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"ok": true})
	})

	router.GET("/configuration", func(contextGin *gin.Context) {
		configuration, found, err := store.Get(contextGin.Request.Context(), contextGin.Query("entityId"))
		if err != nil {
			logger.Error("quick link lookup failed",
				zap.String("code", "quick_link.get_failed"),
				zap.Error(err))
			contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"})
			return
		}
		if !found {
			contextGin.JSON(http.StatusOK, gin.H{"ok": true, "config": gin.H{}})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"ok": true, "config": configuration})
	})
}
