// Package sessions keeps the live form sessions of signed-in reviewers and
// mirrors every mutation to persistent storage, so a restart (of the process
// or the reviewer's day) resumes where the audit left off.
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qaops/ccqa-backend/internal/forms"
	"github.com/qaops/ccqa-backend/internal/store"
)

var (
	errMissingPersistence = errors.New("sessions: persistence is required")
	errMissingTemplates   = errors.New("sessions: template source is required")
	// ErrNoSession indicates no live or persisted session exists for the key.
	ErrNoSession = errors.New("sessions: no session")
)

// Persistence is the subset of the store the registry consumes.
type Persistence interface {
	SaveSession(namespace string, value any) error
	LoadSession(namespace string, out any) (bool, error)
	ClearSession(namespace string) error
}

// TemplateSource resolves the field template for an application.
type TemplateSource interface {
	FormTemplate(ctx context.Context, appID forms.AppID) ([]forms.FormField, error)
}

// Config wires the session registry.
type Config struct {
	Persistence Persistence
	Templates   TemplateSource
	Environment string
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Registry owns the live sessions, keyed by reviewer, application and mode.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*forms.Session
	persistence Persistence
	templates   TemplateSource
	environment string
	clock       func() time.Time
	logger      *zap.Logger
}

// NewRegistry validates the configuration and returns an empty registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Persistence == nil {
		return nil, errMissingPersistence
	}
	if cfg.Templates == nil {
		return nil, errMissingTemplates
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions:    make(map[string]*forms.Session),
		persistence: cfg.Persistence,
		templates:   cfg.Templates,
		environment: cfg.Environment,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Open returns the live session for the key, restoring a persisted snapshot
// when one exists and starting a fresh session otherwise.
func (r *Registry) Open(ctx context.Context, reviewerID string, appID forms.AppID, mode forms.Mode) (*forms.Session, error) {
	namespace := r.namespace(reviewerID, appID, mode)
	key := r.liveKey(reviewerID, appID, mode)

	r.mu.Lock()
	if session, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		return session, nil
	}
	r.mu.Unlock()

	template, err := r.templates.FormTemplate(ctx, appID)
	if err != nil {
		return nil, err
	}

	var state forms.SessionState
	found, err := r.persistence.LoadSession(namespace, &state)
	if err != nil {
		r.logger.Warn("session snapshot load failed, starting fresh",
			zap.String("namespace", namespace), zap.Error(err))
		found = false
	}

	var session *forms.Session
	if found {
		session, err = forms.RestoreSession(state, template, r.clock)
	} else {
		session, err = forms.NewSession(forms.SessionConfig{
			AppID:    appID,
			Mode:     mode,
			Template: template,
			Clock:    r.clock,
		})
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another request may have opened the same key concurrently; keep the
	// registered one.
	if existing, ok := r.sessions[key]; ok {
		return existing, nil
	}
	r.sessions[key] = session
	return session, nil
}

// Peek returns the live session for the key without creating one.
func (r *Registry) Peek(reviewerID string, appID forms.AppID, mode forms.Mode) (*forms.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[r.liveKey(reviewerID, appID, mode)]
	if !ok {
		return nil, ErrNoSession
	}
	return session, nil
}

// Mirror persists the current snapshot of a session. Handlers call it after
// every mutation.
func (r *Registry) Mirror(reviewerID string, session *forms.Session) error {
	namespace := r.namespace(reviewerID, session.AppID(), session.Mode())
	return r.persistence.SaveSession(namespace, session.Snapshot())
}

// Clear tears a session down: the live entry is dropped and the persisted
// snapshot removed. Clearing an absent session is a no-op.
func (r *Registry) Clear(reviewerID string, appID forms.AppID, mode forms.Mode) error {
	r.mu.Lock()
	delete(r.sessions, r.liveKey(reviewerID, appID, mode))
	r.mu.Unlock()

	return r.persistence.ClearSession(r.namespace(reviewerID, appID, mode))
}

// namespace is the persisted-snapshot key; it only splits AI from non-AI,
// matching the storage container scheme.
func (r *Registry) namespace(reviewerID string, appID forms.AppID, mode forms.Mode) string {
	return store.SessionNamespace(r.environment, appID.Int(), mode == forms.ModeAI, reviewerID)
}

// liveKey keys the in-memory map on the full mode, so the new, edit and
// readonly workflows never alias one live session.
func (r *Registry) liveKey(reviewerID string, appID forms.AppID, mode forms.Mode) string {
	return r.namespace(reviewerID, appID, mode) + "|" + string(mode)
}
