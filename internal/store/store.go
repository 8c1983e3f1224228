// Package store is the local persistence adapter: form session containers
// are mirrored here after every mutation, and lookup data is cached with a
// lazy expiry window. Backed by an embedded badger database.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	sessionKeyPrefix = "session:"
	cacheKeyPrefix   = "cache:"

	// DefaultCacheTTL is the expiry window applied when a caller passes a
	// non-positive TTL.
	DefaultCacheTTL = 30 * time.Minute
)

var errMissingPath = errors.New("store: database path is required")

// Config describes how to open the session store.
type Config struct {
	// Path is the directory for the badger files. Ignored when InMemory is set.
	Path string
	// InMemory keeps all data in RAM; used by tests.
	InMemory bool
	Logger   *zap.Logger
}

// Store wraps the badger handle.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open creates the store, creating the directory when needed.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var options badger.Options
	if cfg.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errMissingPath
		}
		options = badger.DefaultOptions(cfg.Path)
	}
	options = options.WithLogger(badgerZapLogger{logger: logger.Sugar()})

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession serializes the value under the namespace key. No expiry.
func (s *Store) SaveSession(namespace string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode session: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sessionKeyPrefix+namespace), encoded)
	})
}

// LoadSession deserializes the stored value into out. The boolean reports
// whether the namespace existed.
func (s *Store) LoadSession(namespace string, out any) (bool, error) {
	return s.load(sessionKeyPrefix+namespace, out)
}

// ClearSession removes the namespace. Clearing an absent namespace is a no-op.
func (s *Store) ClearSession(namespace string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(sessionKeyPrefix + namespace))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// SetCache stores a lookup payload with an expiry window. Expired entries
// are evaluated lazily: they simply stop being returned by GetCache.
func (s *Store) SetCache(key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode cache entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(cacheKeyPrefix+key), encoded).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
}

// GetCache deserializes a cached payload into out. The boolean reports
// whether a live (unexpired) entry existed.
func (s *Store) GetCache(key string, out any) (bool, error) {
	return s.load(cacheKeyPrefix+key, out)
}

func (s *Store) load(key string, out any) (bool, error) {
	var encoded []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		encoded, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: load %s: %w", key, err)
	}
	if err := json.Unmarshal(encoded, out); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}

// SessionNamespace derives the deterministic storage key for a session
// container: ccqa-{appID} in prod, ccqa(DEV)-{appID} elsewhere, with the AI
// workflow under its own ccqaAI prefix. The reviewer segment scopes the key
// to its owner.
func SessionNamespace(environment string, appID int, ai bool, reviewerID string) string {
	prefix := "ccqa"
	if ai {
		prefix = "ccqaAI"
	}
	if environment != "prod" {
		prefix += "(DEV)"
	}
	return fmt.Sprintf("%s-%d:%s", prefix, appID, reviewerID)
}

// badgerZapLogger adapts zap to badger's logger interface.
type badgerZapLogger struct {
	logger *zap.SugaredLogger
}

func (l badgerZapLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l badgerZapLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l badgerZapLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l badgerZapLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}
