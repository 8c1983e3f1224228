// Package lookup loads and caches the reference data a form session depends
// on. Each dependency carries an explicit fetch status; readiness is a status
// join, never an emptiness check, so a legitimately empty roster is
// distinguishable from one that has not loaded.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qaops/ccqa-backend/internal/forms"
	"github.com/qaops/ccqa-backend/internal/upstream"
)

// FetchStatus is the explicit per-dependency loading state.
type FetchStatus string

const (
	StatusIdle    FetchStatus = "idle"
	StatusLoading FetchStatus = "loading"
	StatusSuccess FetchStatus = "success"
	StatusError   FetchStatus = "error"
	// StatusNoData marks a successful fetch that returned an empty list.
	StatusNoData FetchStatus = "no-data"
)

// Dependency names one reference dataset.
type Dependency string

const (
	DependencyApplications  Dependency = "applications"
	DependencyFormFields    Dependency = "form_fields"
	DependencyAuditReasons  Dependency = "audit_reasons"
	DependencyRIRoster      Dependency = "ri_roster"
	DependencyCallTypes     Dependency = "call_types"
	DependencySiteNames     Dependency = "site_names"
	DependencyFrameCodes    Dependency = "frame_codes"
	DependencyMCACategories Dependency = "mca_categories"
	DependencySkipRules     Dependency = "skip_rules"
)

var (
	errMissingSource = errors.New("lookup: source is required")
	// ErrNotReady indicates at least one dependency failed to load.
	ErrNotReady = errors.New("lookup: reference data not ready")
)

// Source is the subset of the upstream client the service consumes.
type Source interface {
	GetApplications(ctx context.Context) ([]upstream.Application, error)
	GetFormFields(ctx context.Context, appID int) ([]forms.FormField, error)
	GetAuditReasons(ctx context.Context) ([]upstream.LookupItem, error)
	GetRIRoster(ctx context.Context) ([]upstream.LookupItem, error)
	GetCallTypes(ctx context.Context) ([]upstream.LookupItem, error)
	GetSiteNames(ctx context.Context) ([]upstream.LookupItem, error)
	GetFrameCodes(ctx context.Context) ([]upstream.LookupItem, error)
	GetMCACategories(ctx context.Context) ([]upstream.LookupItem, error)
	GetSkipRules(ctx context.Context, appID int) ([]upstream.SkipRule, error)
}

// Cache stores fetched datasets with a lazy expiry window.
type Cache interface {
	SetCache(key string, value any, ttl time.Duration) error
	GetCache(key string, out any) (bool, error)
}

// ReferenceData is the joined result of one load, with per-dependency status.
type ReferenceData struct {
	Applications  []upstream.Application     `json:"applications"`
	FormFields    []forms.FormField          `json:"form_fields"`
	AuditReasons  []upstream.LookupItem      `json:"audit_reasons"`
	RIRoster      []upstream.LookupItem      `json:"ri_roster"`
	CallTypes     []upstream.LookupItem      `json:"call_types"`
	SiteNames     []upstream.LookupItem      `json:"site_names"`
	FrameCodes    []upstream.LookupItem      `json:"frame_codes"`
	MCACategories []upstream.LookupItem      `json:"mca_categories"`
	SkipRules     []upstream.SkipRule        `json:"skip_rules"`
	Statuses      map[Dependency]FetchStatus `json:"statuses"`
}

// Ready reports whether every dependency resolved (empty results included).
func (d ReferenceData) Ready() bool {
	for _, status := range d.Statuses {
		if status != StatusSuccess && status != StatusNoData {
			return false
		}
	}
	return len(d.Statuses) > 0
}

// ServiceConfig wires the lookup service.
type ServiceConfig struct {
	Source   Source
	Cache    Cache
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// Service loads reference data through the cache.
type Service struct {
	source   Source
	cache    Cache
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewService validates the configuration and returns a lookup service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		source:   cfg.Source,
		cache:    cfg.Cache,
		cacheTTL: cfg.CacheTTL,
		logger:   logger,
	}, nil
}

// LoadAll fetches every dependency for an application concurrently and joins
// them behind an explicit barrier. Individual failures are recorded in the
// status map; the returned error wraps ErrNotReady when any dependency
// failed.
func (s *Service) LoadAll(ctx context.Context, appID forms.AppID) (ReferenceData, error) {
	data := ReferenceData{Statuses: make(map[Dependency]FetchStatus)}
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)

	run := func(dependency Dependency, fetch func(context.Context) (int, error)) {
		mu.Lock()
		data.Statuses[dependency] = StatusLoading
		mu.Unlock()

		group.Go(func() error {
			count, err := fetch(groupCtx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				data.Statuses[dependency] = StatusError
				s.logger.Warn("reference data fetch failed",
					zap.String("dependency", string(dependency)),
					zap.Error(err))
				return fmt.Errorf("lookup: %s: %w", dependency, err)
			}
			if count == 0 {
				data.Statuses[dependency] = StatusNoData
			} else {
				data.Statuses[dependency] = StatusSuccess
			}
			return nil
		})
	}

	run(DependencyApplications, func(ctx context.Context) (int, error) {
		items, err := loadThroughCache(s, ctx, cacheKey(DependencyApplications, 0), func(ctx context.Context) ([]upstream.Application, error) {
			return s.source.GetApplications(ctx)
		})
		data.Applications = items
		return len(items), err
	})
	run(DependencyFormFields, func(ctx context.Context) (int, error) {
		items, err := loadThroughCache(s, ctx, cacheKey(DependencyFormFields, appID.Int()), func(ctx context.Context) ([]forms.FormField, error) {
			return s.source.GetFormFields(ctx, appID.Int())
		})
		data.FormFields = items
		return len(items), err
	})
	run(DependencyAuditReasons, func(ctx context.Context) (int, error) {
		items, err := loadThroughCache(s, ctx, cacheKey(DependencyAuditReasons, 0), func(ctx context.Context) ([]upstream.LookupItem, error) {
			return s.source.GetAuditReasons(ctx)
		})
		data.AuditReasons = items
		return len(items), err
	})
	run(DependencyRIRoster, func(ctx context.Context) (int, error) {
		items, err := loadThroughCache(s, ctx, cacheKey(DependencyRIRoster, 0), func(ctx context.Context) ([]upstream.LookupItem, error) {
			return s.source.GetRIRoster(ctx)
		})
		data.RIRoster = items
		return len(items), err
	})
	run(DependencyCallTypes, func(ctx context.Context) (int, error) {
		items, err := loadThroughCache(s, ctx, cacheKey(DependencyCallTypes, 0), func(ctx context.Context) ([]upstream.LookupItem, error) {
			return s.source.GetCallTypes(ctx)
		})
		data.CallTypes = items
		return len(items), err
	})
	run(DependencySiteNames, func(ctx context.Context) (int, error) {
		items, err := loadThroughCache(s, ctx, cacheKey(DependencySiteNames, 0), func(ctx context.Context) ([]upstream.LookupItem, error) {
			return s.source.GetSiteNames(ctx)
		})
		data.SiteNames = items
		return len(items), err
	})
	run(DependencyFrameCodes, func(ctx context.Context) (int, error) {
		items, err := loadThroughCache(s, ctx, cacheKey(DependencyFrameCodes, 0), func(ctx context.Context) ([]upstream.LookupItem, error) {
			return s.source.GetFrameCodes(ctx)
		})
		data.FrameCodes = items
		return len(items), err
	})
	run(DependencyMCACategories, func(ctx context.Context) (int, error) {
		items, err := loadThroughCache(s, ctx, cacheKey(DependencyMCACategories, 0), func(ctx context.Context) ([]upstream.LookupItem, error) {
			return s.source.GetMCACategories(ctx)
		})
		data.MCACategories = items
		return len(items), err
	})
	run(DependencySkipRules, func(ctx context.Context) (int, error) {
		items, err := loadThroughCache(s, ctx, cacheKey(DependencySkipRules, appID.Int()), func(ctx context.Context) ([]upstream.SkipRule, error) {
			return s.source.GetSkipRules(ctx, appID.Int())
		})
		data.SkipRules = items
		return len(items), err
	})

	if err := group.Wait(); err != nil {
		return data, fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	return data, nil
}

// FormTemplate returns the field template for an application, via the cache.
func (s *Service) FormTemplate(ctx context.Context, appID forms.AppID) ([]forms.FormField, error) {
	return loadThroughCache(s, ctx, cacheKey(DependencyFormFields, appID.Int()), func(ctx context.Context) ([]forms.FormField, error) {
		return s.source.GetFormFields(ctx, appID.Int())
	})
}

// SkipRulesFor returns the skip-logic rules for an application, via the cache.
func (s *Service) SkipRulesFor(ctx context.Context, appID forms.AppID) ([]upstream.SkipRule, error) {
	return loadThroughCache(s, ctx, cacheKey(DependencySkipRules, appID.Int()), func(ctx context.Context) ([]upstream.SkipRule, error) {
		return s.source.GetSkipRules(ctx, appID.Int())
	})
}

func cacheKey(dependency Dependency, appID int) string {
	if appID > 0 {
		return fmt.Sprintf("lookup:%s:%d", dependency, appID)
	}
	return fmt.Sprintf("lookup:%s", dependency)
}

// loadThroughCache serves a dataset from the cache when a live entry exists,
// fetching and caching it otherwise. Cache failures degrade to a direct
// fetch.
func loadThroughCache[T any](s *Service, ctx context.Context, key string, fetch func(context.Context) ([]T, error)) ([]T, error) {
	if s.cache != nil {
		var cached []T
		found, err := s.cache.GetCache(key, &cached)
		if err != nil {
			s.logger.Warn("lookup cache read failed", zap.String("key", key), zap.Error(err))
		} else if found {
			return cached, nil
		}
	}

	fetched, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetCache(key, fetched, s.cacheTTL); err != nil {
			s.logger.Warn("lookup cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return fetched, nil
}
