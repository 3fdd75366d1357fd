package plan

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Version is an immutable snapshot of a Plan as it existed at some point.
// Subscriptions reference (PlanID, Version) so later edits never change their entitlements.
type Version struct {
	PlanID      string    `gorm:"primaryKey"`
	Version     int       `gorm:"primaryKey;autoIncrement:false"`
	Seq         int       `gorm:"not null"` // Insertion order of the plan id in the catalog
	ContentHash string    `gorm:"not null"`
	Data        Document  `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

// TableName overrides the default "versions"
func (Version) TableName() string {
	return "plan_versions"
}

// Document stores a Plan as a JSON(B) column
type Document Plan

func (d *Document) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("Failed to unmarshal json value: %v", value)
	}
	return json.Unmarshal(bytes, (*Plan)(d))
}

func (d Document) Value() (driver.Value, error) {
	b, err := json.Marshal(Plan(d))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (Document) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "sqlite":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}

// contentHash fingerprints everything that affects entitlements or pricing.
// Version is excluded so re-saving identical content is a no-op.
func contentHash(p Plan) (string, error) {
	p.Version = 0
	p.Features = p.Features.normalize()
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
