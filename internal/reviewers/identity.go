package reviewers

import (
	"strings"
	"time"
)

// Identity captures the locally cached profile of a verified reviewer.
type Identity struct {
	ReviewerID  string    `gorm:"column:reviewer_id;primaryKey;size:190;not null"`
	Email       string    `gorm:"column:email;size:320"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing reviewer identities.
func (Identity) TableName() string {
	return "reviewer_identities"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
