package platformauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tyemirov/platformlink/internal/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseTokenStore persists platform token records using GORM.
type DatabaseTokenStore struct {
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
}

type platformTokenRecord struct {
	UserRef        string    `gorm:"column:user_ref;primaryKey"`
	TokensetCipher string    `gorm:"column:tokenset_cipher;not null"`
	ExpiresAt      int64     `gorm:"column:expires_at;not null;index:platform_tokens_expires_idx"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null"`
}

func (platformTokenRecord) TableName() string {
	return "platform_tokens"
}

// NewDatabaseTokenStore migrates the token table on the handle and returns a store over it.
func NewDatabaseTokenStore(ctx context.Context, handle *database.Handle) (*DatabaseTokenStore, error) {
	if handle == nil || handle.DB == nil {
		return nil, fmt.Errorf("token_store.open: %w", ErrStorageUnavailable)
	}
	if err := handle.Migrate(ctx, &platformTokenRecord{}); err != nil {
		return nil, fmt.Errorf("token_store.open: %w", err)
	}
	return &DatabaseTokenStore{
		db:          handle.DB,
		driverLabel: handle.DriverLabel,
		now:         time.Now,
	}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseTokenStore) Driver() string {
	return store.driverLabel
}

// Get loads and decodes the record for userRef.
func (store *DatabaseTokenStore) Get(ctx context.Context, userRef string) (TokenRecord, error) {
	var row platformTokenRecord
	err := store.db.WithContext(ctx).Where("user_ref = ?", userRef).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return TokenRecord{}, fmt.Errorf("token_store.get.%s: %w", store.driverLabel, ErrTokenRecordNotFound)
		}
		return TokenRecord{}, fmt.Errorf("token_store.get.%s: %w: %w", store.driverLabel, ErrStorageUnavailable, err)
	}
	record, decodeErr := DecodeTokenRecord(row.TokensetCipher)
	if decodeErr != nil {
		return TokenRecord{}, fmt.Errorf("token_store.get.%s: %w", store.driverLabel, decodeErr)
	}
	return record, nil
}

// Set upserts the record in a single INSERT ... ON CONFLICT statement.
func (store *DatabaseTokenStore) Set(ctx context.Context, userRef string, record TokenRecord) error {
	cipher, encodeErr := EncodeTokenRecord(record)
	if encodeErr != nil {
		return fmt.Errorf("token_store.set.%s: %w", store.driverLabel, encodeErr)
	}
	row := platformTokenRecord{
		UserRef:        userRef,
		TokensetCipher: cipher,
		ExpiresAt:      record.ExpiresAt,
		UpdatedAt:      store.now().UTC(),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_ref"}},
		DoUpdates: clause.AssignmentColumns([]string{"tokenset_cipher", "expires_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("token_store.set.%s: %w: %w", store.driverLabel, ErrStorageUnavailable, err)
	}
	return nil
}

// Delete removes the record for userRef if present.
func (store *DatabaseTokenStore) Delete(ctx context.Context, userRef string) error {
	err := store.db.WithContext(ctx).Where("user_ref = ?", userRef).Delete(&platformTokenRecord{}).Error
	if err != nil {
		return fmt.Errorf("token_store.delete.%s: %w: %w", store.driverLabel, ErrStorageUnavailable, err)
	}
	return nil
}

// IsValid checks the clear expires_at column only.
func (store *DatabaseTokenStore) IsValid(ctx context.Context, userRef string, skew time.Duration) (bool, error) {
	threshold := store.now().Add(skew).Unix()
	var count int64
	err := store.db.WithContext(ctx).Model(&platformTokenRecord{}).
		Where("user_ref = ? AND expires_at > ?", userRef, threshold).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("token_store.is_valid.%s: %w: %w", store.driverLabel, ErrStorageUnavailable, err)
	}
	return count > 0, nil
}
