// Package submit implements the batched audit-transaction submitter: fixed
// size batches sent strictly sequentially, paced between batches, with
// exponential backoff on retryable upstream failures and cumulative progress
// reporting.
package submit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/qaops/ccqa-backend/internal/forms"
)

const (
	defaultBatchSize      = 2
	defaultPaceInterval   = 500 * time.Millisecond
	defaultMaxAttempts    = 4
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

var errMissingSender = errors.New("submit: sender is required")

// Sender delivers one batch to the platform. Implemented by the upstream
// client adapter.
type Sender interface {
	SubmitBatch(ctx context.Context, batch []forms.AuditTransaction) error
}

// retryableError is satisfied by upstream API errors that report whether a
// retry is worthwhile (429/5xx). Transport errors carry no status and are
// treated as transient.
type retryableError interface {
	error
	Retryable() bool
}

// FailureKind categorizes a submission failure for reviewer-facing messages.
type FailureKind string

const (
	// FailureAPI is a structured platform error (status and message).
	FailureAPI FailureKind = "api"
	// FailureNetwork covers transport-level and unknown failures.
	FailureNetwork FailureKind = "network"
)

// Failure wraps the terminal error of a submission attempt.
type Failure struct {
	Kind             FailureKind
	BatchesCompleted int
	Err              error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("submit: %s failure after %d completed batches: %v", f.Kind, f.BatchesCompleted, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Result summarizes a completed submission.
type Result struct {
	Submitted    int
	BatchesTotal int
}

// Config tunes the submitter.
type Config struct {
	// BatchSize is the number of transactions per network call. Edit flows
	// use 2, bulk new-form flows 5.
	BatchSize int
	// PaceInterval spaces consecutive batch calls.
	PaceInterval time.Duration
	// MaxAttempts bounds delivery attempts per batch (first try included).
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Sender         Sender
	Logger         *zap.Logger
}

// Submitter sends transaction batches.
type Submitter struct {
	batchSize      int
	paceInterval   time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	sender         Sender
	logger         *zap.Logger
}

// NewSubmitter validates the configuration and applies defaults.
func NewSubmitter(cfg Config) (*Submitter, error) {
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	submitter := &Submitter{
		batchSize:      cfg.BatchSize,
		paceInterval:   cfg.PaceInterval,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		sender:         cfg.Sender,
		logger:         cfg.Logger,
	}
	if submitter.batchSize <= 0 {
		submitter.batchSize = defaultBatchSize
	}
	if submitter.paceInterval < 0 {
		submitter.paceInterval = defaultPaceInterval
	}
	if submitter.maxAttempts <= 0 {
		submitter.maxAttempts = defaultMaxAttempts
	}
	if submitter.initialBackoff <= 0 {
		submitter.initialBackoff = defaultInitialBackoff
	}
	if submitter.maxBackoff <= 0 {
		submitter.maxBackoff = defaultMaxBackoff
	}
	if submitter.logger == nil {
		submitter.logger = zap.NewNop()
	}
	return submitter, nil
}

// WithBatchSize returns a submitter splitting into batches of the given size,
// sharing every other setting. Non-positive sizes keep the configured size.
func (s *Submitter) WithBatchSize(size int) *Submitter {
	if size <= 0 || size == s.batchSize {
		return s
	}
	resized := *s
	resized.batchSize = size
	return &resized
}

// BatchCount reports how many network calls a payload of the given length
// will take.
func (s *Submitter) BatchCount(itemCount int) int {
	if itemCount <= 0 {
		return 0
	}
	return (itemCount + s.batchSize - 1) / s.batchSize
}

// Submit sends every transaction exactly once, in order, in ceil(N/B)
// batches. Progress is reported with the cumulative item count after each
// batch. The first failed batch (after retries are exhausted) aborts the
// loop; remaining items are not attempted.
func (s *Submitter) Submit(ctx context.Context, items []forms.AuditTransaction, report func(submitted, total int)) (Result, error) {
	total := len(items)
	result := Result{BatchesTotal: s.BatchCount(total)}
	if total == 0 {
		return result, nil
	}
	if report == nil {
		report = func(int, int) {}
	}

	// Burst 1 makes the first batch immediate and every following batch
	// paced, so N batches incur N-1 waits.
	var limiter *rate.Limiter
	if s.paceInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(s.paceInterval), 1)
	}

	batchesCompleted := 0
	for start := 0; start < total; start += s.batchSize {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return result, &Failure{Kind: FailureNetwork, BatchesCompleted: batchesCompleted, Err: err}
			}
		}

		end := start + s.batchSize
		if end > total {
			end = total
		}
		batch := items[start:end]

		if err := s.sendWithRetry(ctx, batch); err != nil {
			failure := &Failure{Kind: classifyFailure(err), BatchesCompleted: batchesCompleted, Err: err}
			s.logger.Error("batch submission aborted",
				zap.Int("batches_completed", batchesCompleted),
				zap.Int("batch_size", len(batch)),
				zap.String("failure_kind", string(failure.Kind)),
				zap.Error(err))
			return result, failure
		}

		batchesCompleted++
		result.Submitted += len(batch)
		report(result.Submitted, total)
	}

	return result, nil
}

// sendWithRetry delivers one batch, backing off exponentially with jitter on
// retryable failures. Non-retryable platform errors abort immediately.
func (s *Submitter) sendWithRetry(ctx context.Context, batch []forms.AuditTransaction) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := s.sender.SubmitBatch(ctx, batch)
		if err == nil {
			return nil
		}

		var categorized retryableError
		if errors.As(err, &categorized) && !categorized.Retryable() {
			return backoff.Permanent(err)
		}

		s.logger.Warn("batch delivery failed, will retry",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.maxAttempts),
			zap.Error(err))
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initialBackoff
	policy.MaxInterval = s.maxBackoff
	policy.MaxElapsedTime = 0

	bounded := backoff.WithMaxRetries(policy, uint64(s.maxAttempts-1))
	return backoff.Retry(operation, backoff.WithContext(bounded, ctx))
}

func classifyFailure(err error) FailureKind {
	var categorized retryableError
	if errors.As(err, &categorized) {
		return FailureAPI
	}
	return FailureNetwork
}
