package ledger

import (
	"context"
	"errors"
	"time"

	extErrors "github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProcessedEvent marks a billing event as applied. Rows are never deleted.
type ProcessedEvent struct {
	EventID     string    `gorm:"primaryKey"`
	Type        string    `gorm:"not null"`
	SchoolID    string    `gorm:"index"`
	ProcessedAt time.Time `gorm:"not null"`
}

// Migrate creates the ledger table
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ProcessedEvent{}); err != nil {
		return extErrors.Wrap(err, "Cannot initilize ledger")
	}
	return nil
}

// Seen reports whether eventID was already recorded. Pass the transaction
// handle to read the ledger in the same transaction as the mutation.
func Seen(ctx context.Context, db *gorm.DB, eventID string) (bool, error) {
	var row ProcessedEvent
	result := db.WithContext(ctx).Select("event_id").First(&row, "event_id = ?", eventID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot read processed events")
	}
	return true, nil
}

// Record stores eventID as processed. It returns false when another writer recorded it first.
func Record(ctx context.Context, db *gorm.DB, eventID, eventType, schoolID string) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ProcessedEvent{
			EventID:     eventID,
			Type:        eventType,
			SchoolID:    schoolID,
			ProcessedAt: time.Now(),
		})
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot record processed event")
	}
	return result.RowsAffected == 1, nil
}
