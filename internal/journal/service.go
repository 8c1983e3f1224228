// Package journal persists an append-only record of submission runs and the
// field edits they carried. Records survive process restarts and back the
// submission history endpoint.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/qaops/ccqa-backend/internal/forms"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "journal.service.new"
	opRecordRun       = "journal.record_run"
	opListSubmissions = "journal.list_submissions"
	opListChanges     = "journal.list_changes"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers for
// change records.
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

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// RunEntry describes one finished submission run to record.
type RunEntry struct {
	RunID        RunID
	ReviewerID   ReviewerID
	AppID        forms.AppID
	Mode         forms.Mode
	State        string
	Submitted    int
	BatchesTotal int
	FailureKind  string
	Message      string
	Transactions []forms.AuditTransaction
}

// RecordRun writes the run outcome and its field-change trail in one
// transaction. Old and new values are stored as JSON so mixed-type field
// values round-trip.
func (s *Service) RecordRun(ctx context.Context, entry RunEntry) error {
	recordedAt := s.clock().UTC().Unix()
	record := SubmissionRecord{
		RunID:             entry.RunID.String(),
		ReviewerID:        entry.ReviewerID.String(),
		AppID:             entry.AppID.Int(),
		Mode:              string(entry.Mode),
		State:             entry.State,
		Submitted:         entry.Submitted,
		BatchesTotal:      entry.BatchesTotal,
		FailureKind:       entry.FailureKind,
		Message:           entry.Message,
		RecordedAtSeconds: recordedAt,
	}

	changeRecords := make([]FieldChangeRecord, 0, len(entry.Transactions))
	for _, transaction := range entry.Transactions {
		changeID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opRecordRun, "id_generation_failed", err, zap.String("run_id", entry.RunID.String()))
			return newServiceError(opRecordRun, "id_generation_failed", err)
		}
		oldJSON, err := encodeValue(transaction.OldValue)
		if err != nil {
			return newServiceError(opRecordRun, "old_value_encode_failed", err)
		}
		newJSON, err := encodeValue(transaction.NewValue)
		if err != nil {
			return newServiceError(opRecordRun, "new_value_encode_failed", err)
		}
		recordNumber := transaction.RecordNumber
		if recordNumber == "" {
			recordNumber = transaction.AIRecordNumber
		}
		changeRecords = append(changeRecords, FieldChangeRecord{
			ChangeID:          changeID,
			RunID:             entry.RunID.String(),
			ReviewerID:        entry.ReviewerID.String(),
			AppID:             entry.AppID.Int(),
			RecordNumber:      recordNumber,
			FieldName:         transaction.FieldName,
			OldValueJSON:      oldJSON,
			NewValueJSON:      newJSON,
			RecordedAtSeconds: recordedAt,
		})
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opRecordRun, "submission_insert_failed", err, zap.String("run_id", entry.RunID.String()))
			return newServiceError(opRecordRun, "submission_insert_failed", err)
		}
		if len(changeRecords) > 0 {
			if err := tx.Create(&changeRecords).Error; err != nil {
				s.logError(opRecordRun, "changes_insert_failed", err, zap.String("run_id", entry.RunID.String()))
				return newServiceError(opRecordRun, "changes_insert_failed", err)
			}
		}
		return nil
	})
	return txErr
}

// ListSubmissions returns the most recent runs for a reviewer, newest first.
func (s *Service) ListSubmissions(ctx context.Context, reviewerID ReviewerID, limit int) ([]SubmissionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []SubmissionRecord
	err := s.db.WithContext(ctx).
		Where("reviewer_id = ?", reviewerID.String()).
		Order("recorded_at_s DESC, run_id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		s.logError(opListSubmissions, "query_failed", err, zap.String("reviewer_id", reviewerID.String()))
		return nil, newServiceError(opListSubmissions, "query_failed", err)
	}
	return records, nil
}

// ListChanges returns the field-change trail of one run in insertion order.
func (s *Service) ListChanges(ctx context.Context, runID RunID) ([]FieldChangeRecord, error) {
	var records []FieldChangeRecord
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID.String()).
		Order("record_number ASC, field_name ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opListChanges, "query_failed", err, zap.String("run_id", runID.String()))
		return nil, newServiceError(opListChanges, "query_failed", err)
	}
	return records, nil
}

func (s *Service) logError(operation, reason string, cause error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(cause),
	}, fields...)
	s.logger.Error("journal operation failed", allFields...)
}

func encodeValue(value any) (string, error) {
	if value == nil {
		return "", nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
