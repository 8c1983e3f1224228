package submit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qaops/ccqa-backend/internal/forms"
)

// State enumerates the submission lifecycle. A failed attempt is recoverable
// by starting a fresh submission; a succeeded attempt is terminal and tears
// the session down.
type State string

const (
	StateIdle             State = "idle"
	StateValidating       State = "validating"
	StateValidationFailed State = "validation_failed"
	StateSubmitting       State = "submitting"
	StateSucceeded        State = "submit_succeeded"
	StateFailed           State = "submit_failed"
)

var (
	errMissingSubmitter    = errors.New("submit: submitter is required")
	errMissingTransactions = errors.New("submit: no transactions to submit")
)

// Status is the observable snapshot of one submission run.
type Status struct {
	RunID            string            `json:"run_id"`
	State            State             `json:"state"`
	Submitted        int               `json:"submitted"`
	Total            int               `json:"total"`
	BatchesTotal     int               `json:"batches_total"`
	Percent          int               `json:"percent"`
	Message          string            `json:"message,omitempty"`
	FailureKind      FailureKind       `json:"failure_kind,omitempty"`
	ValidationErrors []forms.FormError `json:"validation_errors,omitempty"`
}

// ErrorReporter delivers the side-channel failure notification. Its own
// failure is logged, never surfaced.
type ErrorReporter interface {
	ReportFailure(ctx context.Context, subject, detail string) error
}

// IDProvider issues run identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Request describes one submission attempt.
type Request struct {
	Transactions []forms.AuditTransaction
	// BatchSize overrides the submitter's batch size for this run. Zero keeps
	// the configured size. Edit flows use 2, bulk new-form flows 5.
	BatchSize int
	// Validate recomputes the validation error list immediately before any
	// network call. A non-empty result fails the attempt without wasting
	// requests.
	Validate func() []forms.FormError
	// OnSucceeded runs session teardown (clear persistence) after the final
	// batch lands.
	OnSucceeded func(ctx context.Context) error
	// OnFinished receives the terminal status of the run, whatever it is.
	OnFinished func(ctx context.Context, status Status)
	// Subject line for the side-channel error report.
	ErrorSubject string
}

// RunnerConfig wires the runner dependencies.
type RunnerConfig struct {
	Submitter  *Submitter
	Reporter   ErrorReporter
	IDProvider IDProvider
	Logger     *zap.Logger
	// Publish, when set, receives every status transition.
	Publish func(Status)
	// ReportTimeout bounds the fire-and-forget error email.
	ReportTimeout time.Duration
}

// Runner executes submissions asynchronously and tracks their lifecycle.
// In-flight runs are not cancellable by the client; they stop only when the
// runner context is done.
type Runner struct {
	mu            sync.RWMutex
	runs          map[string]*Status
	submitter     *Submitter
	reporter      ErrorReporter
	idProvider    IDProvider
	logger        *zap.Logger
	publish       func(Status)
	reportTimeout time.Duration
}

// NewRunner validates the configuration and returns a runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Submitter == nil {
		return nil, errMissingSubmitter
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reportTimeout := cfg.ReportTimeout
	if reportTimeout <= 0 {
		reportTimeout = 15 * time.Second
	}
	return &Runner{
		runs:          make(map[string]*Status),
		submitter:     cfg.Submitter,
		reporter:      cfg.Reporter,
		idProvider:    idProvider,
		logger:        logger,
		publish:       cfg.Publish,
		reportTimeout: reportTimeout,
	}, nil
}

// Start registers a run and executes it on its own goroutine. The context
// should outlive the HTTP request that triggered the submission.
func (r *Runner) Start(ctx context.Context, request Request) (string, error) {
	if len(request.Transactions) == 0 {
		return "", errMissingTransactions
	}
	runID, err := r.idProvider.NewID()
	if err != nil {
		return "", fmt.Errorf("submit: run id: %w", err)
	}

	r.setStatus(Status{RunID: runID, State: StateIdle, Total: len(request.Transactions)})
	go r.execute(ctx, runID, request)
	return runID, nil
}

// Status returns the current snapshot of a run.
func (r *Runner) Status(runID string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status, ok := r.runs[runID]
	if !ok {
		return Status{}, false
	}
	return *status, true
}

func (r *Runner) execute(ctx context.Context, runID string, request Request) {
	total := len(request.Transactions)

	r.setStatus(Status{RunID: runID, State: StateValidating, Total: total})
	if request.Validate != nil {
		if validationErrors := request.Validate(); len(validationErrors) > 0 {
			r.finish(ctx, request, Status{
				RunID:            runID,
				State:            StateValidationFailed,
				Total:            total,
				Message:          "validation failed",
				ValidationErrors: validationErrors,
			})
			return
		}
	}

	submitter := r.submitter.WithBatchSize(request.BatchSize)
	batchesTotal := submitter.BatchCount(total)

	r.setStatus(Status{RunID: runID, State: StateSubmitting, Total: total, BatchesTotal: batchesTotal})
	result, err := submitter.Submit(ctx, request.Transactions, func(submitted, total int) {
		r.setStatus(Status{
			RunID:        runID,
			State:        StateSubmitting,
			Submitted:    submitted,
			Total:        total,
			BatchesTotal: batchesTotal,
			Percent:      percent(submitted, total),
		})
	})
	if err != nil {
		failureKind := FailureNetwork
		var failure *Failure
		if errors.As(err, &failure) {
			failureKind = failure.Kind
		}
		r.finish(ctx, request, Status{
			RunID:        runID,
			State:        StateFailed,
			Submitted:    result.Submitted,
			Total:        total,
			BatchesTotal: batchesTotal,
			Percent:      percent(result.Submitted, total),
			Message:      err.Error(),
			FailureKind:  failureKind,
		})
		r.reportFailure(request.ErrorSubject, err)
		return
	}

	if request.OnSucceeded != nil {
		if err := request.OnSucceeded(ctx); err != nil {
			r.logger.Warn("session teardown after submission failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
	r.finish(ctx, request, Status{
		RunID:        runID,
		State:        StateSucceeded,
		Submitted:    result.Submitted,
		Total:        total,
		BatchesTotal: batchesTotal,
		Percent:      100,
	})
}

func (r *Runner) finish(ctx context.Context, request Request, status Status) {
	r.setStatus(status)
	if request.OnFinished != nil {
		request.OnFinished(ctx, status)
	}
}

// reportFailure sends the error email without blocking the lifecycle; a
// failed report is only logged.
func (r *Runner) reportFailure(subject string, cause error) {
	if r.reporter == nil {
		return
	}
	if subject == "" {
		subject = "CCQA submission failure"
	}
	go func() {
		reportCtx, cancel := context.WithTimeout(context.Background(), r.reportTimeout)
		defer cancel()
		if err := r.reporter.ReportFailure(reportCtx, subject, cause.Error()); err != nil {
			r.logger.Warn("error report email failed", zap.Error(err))
		}
	}()
}

func (r *Runner) setStatus(status Status) {
	r.mu.Lock()
	r.runs[status.RunID] = &status
	r.mu.Unlock()
	if r.publish != nil {
		r.publish(status)
	}
}

func percent(submitted, total int) int {
	if total <= 0 {
		return 0
	}
	return submitted * 100 / total
}
