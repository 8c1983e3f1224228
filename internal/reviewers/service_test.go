package reviewers

import (
	"errors"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/qaops/ccqa-backend/internal/upstream"
)

func openReviewerDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	return db
}

func TestUpsertCreatesAndRefreshesIdentity(t *testing.T) {
	db := openReviewerDatabase(t)
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	profile := upstream.ReviewerProfile{
		ID:          " qr-12345 ",
		Email:       "reviewer@example.com",
		DisplayName: "Quality Reviewer",
	}
	reviewerID, err := service.Upsert(profile)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if reviewerID != "qr-12345" {
		t.Fatalf("expected trimmed reviewer id, got %q", reviewerID)
	}

	// second call should refresh, not create a duplicate record.
	profile.DisplayName = "Quality Reviewer Sr."
	if _, err := service.Upsert(profile); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single identity row, got %d", count)
	}

	var identity Identity
	if err := db.Where("reviewer_id = ?", "qr-12345").First(&identity).Error; err != nil {
		t.Fatalf("identity lookup failed: %v", err)
	}
	if identity.DisplayName != "Quality Reviewer Sr." {
		t.Fatalf("expected refreshed display name, got %q", identity.DisplayName)
	}
}

func TestUpsertRejectsEmptyIdentifier(t *testing.T) {
	db := openReviewerDatabase(t)
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	if _, err := service.Upsert(upstream.ReviewerProfile{ID: "  "}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestDisplayNameServedFromCache(t *testing.T) {
	db := openReviewerDatabase(t)
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	if _, err := service.Upsert(upstream.ReviewerProfile{ID: "qr-7", DisplayName: "Casey"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	// drop the row; the cache must still answer.
	if err := db.Where("reviewer_id = ?", "qr-7").Delete(&Identity{}).Error; err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	name, err := service.DisplayName("qr-7")
	if err != nil {
		t.Fatalf("display name lookup failed: %v", err)
	}
	if name != "Casey" {
		t.Fatalf("expected cached display name, got %q", name)
	}
}
