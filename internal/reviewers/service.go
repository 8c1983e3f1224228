// Package reviewers maintains the local registry of verified reviewer
// identities. Profiles arrive from the upstream verification endpoint and are
// kept for attribution on submissions and reports.
package reviewers

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/qaops/ccqa-backend/internal/upstream"
)

// ErrInvalidIdentity indicates the profile did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("reviewers: invalid identity")

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages reviewer identities with a process-local cache.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("reviewers: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Upsert records a verified profile, creating the identity on first sight and
// refreshing the cached fields otherwise. It returns the reviewer identifier.
func (s *Service) Upsert(profile upstream.ReviewerProfile) (string, error) {
	reviewerID := normalize(profile.ID)
	if reviewerID == "" {
		return "", ErrInvalidIdentity
	}

	var identity Identity
	err := s.db.
		Where("reviewer_id = ?", reviewerID).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			ReviewerID:  reviewerID,
			Email:       normalize(profile.Email),
			DisplayName: normalize(profile.DisplayName),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]interface{}{}
		if email := normalize(profile.Email); email != "" && email != identity.Email {
			updates["email"] = email
		}
		if display := normalize(profile.DisplayName); display != "" && display != identity.DisplayName {
			updates["display_name"] = display
		}
		updates["last_seen_at"] = s.now()
		if len(updates) > 0 {
			_ = s.db.Model(&Identity{}).
				Where("reviewer_id = ?", reviewerID).
				Updates(updates).
				Error
		}
	}

	s.cache.Store(reviewerID, identity.DisplayName)
	return reviewerID, nil
}

// DisplayName resolves the display name for a reviewer, preferring the cache.
func (s *Service) DisplayName(reviewerID string) (string, error) {
	reviewerID = normalize(reviewerID)
	if reviewerID == "" {
		return "", ErrInvalidIdentity
	}

	if cached, ok := s.cache.Load(reviewerID); ok {
		if name, ok := cached.(string); ok && name != "" {
			return name, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("reviewer_id = ?", reviewerID).
		First(&identity).
		Error
	if err != nil {
		return "", err
	}

	s.cache.Store(reviewerID, identity.DisplayName)
	return identity.DisplayName, nil
}
