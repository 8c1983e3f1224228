// Package report computes the monitoring reports from the upstream datasets:
// the Call Monitoring Report (CMR) summary, the Monitored Call Alert (MCA)
// listing, and the All-Calls-Monitored / Last-Call-Monitored projections.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/qaops/ccqa-backend/internal/forms"
	"github.com/qaops/ccqa-backend/internal/upstream"
)

// Kind names one report type.
type Kind string

const (
	KindCMR Kind = "cmr"
	KindMCA Kind = "mca"
	KindACM Kind = "acm"
	KindLCM Kind = "lcm"
)

var (
	errMissingSource = errors.New("report: source is required")
	// ErrUnknownKind indicates a report type outside the supported set.
	ErrUnknownKind = errors.New("report: unknown report kind")
)

// ParseKind validates a raw report-type string.
func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindCMR, KindMCA, KindACM, KindLCM:
		return Kind(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// Source is the subset of the upstream client the report service consumes.
type Source interface {
	GetMonitoredCalls(ctx context.Context, appID int, query upstream.ReportQuery) ([]upstream.MonitoredCall, error)
	GetMCAAlerts(ctx context.Context, appID int, query upstream.ReportQuery) ([]upstream.MCAAlert, error)
}

// Mailer delivers a rendered report as an email attachment.
type Mailer interface {
	EmailReport(ctx context.Context, recipients []string, subject, body, filename string, attachment []byte) error
}

// CMRRow is one per-interviewer line of the Call Monitoring Report summary.
type CMRRow struct {
	RIID           string  `json:"ri_id"`
	RIName         string  `json:"ri_name"`
	CallsMonitored int     `json:"calls_monitored"`
	AverageScore   float64 `json:"average_score"`
	MCACount       int     `json:"mca_count"`
}

// ServiceConfig wires the report service.
type ServiceConfig struct {
	Source Source
	Mailer Mailer
	Logger *zap.Logger
}

// Service fetches report datasets and derives the report projections.
type Service struct {
	source Source
	mailer Mailer
	logger *zap.Logger
}

// NewService validates the configuration and returns a report service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{source: cfg.Source, mailer: cfg.Mailer, logger: logger}, nil
}

// CallMonitoringSummary aggregates monitored calls per interviewer: call
// totals, average score and alert counts, sorted by interviewer name.
func (s *Service) CallMonitoringSummary(ctx context.Context, appID forms.AppID, query upstream.ReportQuery) ([]CMRRow, error) {
	calls, err := s.source.GetMonitoredCalls(ctx, appID.Int(), query)
	if err != nil {
		return nil, err
	}
	return summarizeCalls(calls), nil
}

// Alerts returns the MCA listing sorted by interviewer then call date.
func (s *Service) Alerts(ctx context.Context, appID forms.AppID, query upstream.ReportQuery) ([]upstream.MCAAlert, error) {
	alerts, err := s.source.GetMCAAlerts(ctx, appID.Int(), query)
	if err != nil {
		return nil, err
	}
	sorted := make([]upstream.MCAAlert, len(alerts))
	copy(sorted, alerts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].RIName != sorted[j].RIName {
			return sorted[i].RIName < sorted[j].RIName
		}
		return sorted[i].CallDate < sorted[j].CallDate
	})
	return sorted, nil
}

// AllCallsMonitored returns the full monitored-call dataset sorted by
// interviewer then call date.
func (s *Service) AllCallsMonitored(ctx context.Context, appID forms.AppID, query upstream.ReportQuery) ([]upstream.MonitoredCall, error) {
	calls, err := s.source.GetMonitoredCalls(ctx, appID.Int(), query)
	if err != nil {
		return nil, err
	}
	sorted := make([]upstream.MonitoredCall, len(calls))
	copy(sorted, calls)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].RIName != sorted[j].RIName {
			return sorted[i].RIName < sorted[j].RIName
		}
		return sorted[i].CallDate < sorted[j].CallDate
	})
	return sorted, nil
}

// LastCallMonitored keeps the most recent monitored call per interviewer.
// Call dates compare lexically; the upstream emits them in RFC 3339 date form.
func (s *Service) LastCallMonitored(ctx context.Context, appID forms.AppID, query upstream.ReportQuery) ([]upstream.MonitoredCall, error) {
	calls, err := s.source.GetMonitoredCalls(ctx, appID.Int(), query)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]upstream.MonitoredCall)
	for _, call := range calls {
		existing, seen := latest[call.RIID]
		if !seen || call.CallDate > existing.CallDate {
			latest[call.RIID] = call
		}
	}

	rows := make([]upstream.MonitoredCall, 0, len(latest))
	for _, call := range latest {
		rows = append(rows, call)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].RIName < rows[j].RIName
	})
	return rows, nil
}

func summarizeCalls(calls []upstream.MonitoredCall) []CMRRow {
	type accumulator struct {
		row        CMRRow
		scoreTotal float64
	}

	perRI := make(map[string]*accumulator)
	for _, call := range calls {
		entry, ok := perRI[call.RIID]
		if !ok {
			entry = &accumulator{row: CMRRow{RIID: call.RIID, RIName: call.RIName}}
			perRI[call.RIID] = entry
		}
		entry.row.CallsMonitored++
		entry.scoreTotal += call.Score
		if call.MCA {
			entry.row.MCACount++
		}
	}

	rows := make([]CMRRow, 0, len(perRI))
	for _, entry := range perRI {
		if entry.row.CallsMonitored > 0 {
			entry.row.AverageScore = entry.scoreTotal / float64(entry.row.CallsMonitored)
		}
		rows = append(rows, entry.row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].RIName != rows[j].RIName {
			return rows[i].RIName < rows[j].RIName
		}
		return rows[i].RIID < rows[j].RIID
	})
	return rows
}
