package report

import (
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/qaops/ccqa-backend/internal/forms"
	"github.com/qaops/ccqa-backend/internal/upstream"
)

var errMissingMailer = fmt.Errorf("report: mailer is required")

// Dataset is a rendered report: a header row plus data rows, ready for export.
type Dataset struct {
	Kind    Kind     `json:"kind"`
	Sheet   string   `json:"sheet"`
	Headers []string `json:"headers"`
	Rows    [][]any  `json:"rows"`
}

// Build fetches and shapes the requested report as an exportable dataset.
func (s *Service) Build(ctx context.Context, kind Kind, appID forms.AppID, query upstream.ReportQuery) (Dataset, error) {
	switch kind {
	case KindCMR:
		rows, err := s.CallMonitoringSummary(ctx, appID, query)
		if err != nil {
			return Dataset{}, err
		}
		dataset := Dataset{
			Kind:    kind,
			Sheet:   "Call Monitoring Report",
			Headers: []string{"RI ID", "RI Name", "Calls Monitored", "Average Score", "MCA Count"},
		}
		for _, row := range rows {
			dataset.Rows = append(dataset.Rows, []any{row.RIID, row.RIName, row.CallsMonitored, row.AverageScore, row.MCACount})
		}
		return dataset, nil
	case KindMCA:
		alerts, err := s.Alerts(ctx, appID, query)
		if err != nil {
			return Dataset{}, err
		}
		dataset := Dataset{
			Kind:    kind,
			Sheet:   "MCA Report",
			Headers: []string{"Record Number", "RI ID", "RI Name", "Category", "Reason", "Call Date"},
		}
		for _, alert := range alerts {
			dataset.Rows = append(dataset.Rows, []any{alert.RecordNumber, alert.RIID, alert.RIName, alert.Category, alert.Reason, alert.CallDate})
		}
		return dataset, nil
	case KindACM, KindLCM:
		var calls []upstream.MonitoredCall
		var err error
		sheet := "All Calls Monitored"
		if kind == KindLCM {
			sheet = "Last Call Monitored"
			calls, err = s.LastCallMonitored(ctx, appID, query)
		} else {
			calls, err = s.AllCallsMonitored(ctx, appID, query)
		}
		if err != nil {
			return Dataset{}, err
		}
		dataset := Dataset{
			Kind:    kind,
			Sheet:   sheet,
			Headers: []string{"Record Number", "RI ID", "RI Name", "Site", "Call Date", "Call Type", "Frame Code", "Audio/SMP", "Score", "MCA"},
		}
		for _, call := range calls {
			dataset.Rows = append(dataset.Rows, []any{
				call.RecordNumber, call.RIID, call.RIName, call.SiteName, call.CallDate,
				call.CallType, call.FrameCode, call.AudioSMP, call.Score, call.MCA,
			})
		}
		return dataset, nil
	default:
		return Dataset{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// ExportXLSX renders a dataset as a single-sheet workbook.
func ExportXLSX(dataset Dataset) ([]byte, error) {
	workbook := excelize.NewFile()
	defer workbook.Close()

	sheet := workbook.GetSheetName(workbook.GetActiveSheetIndex())
	if err := workbook.SetSheetName(sheet, dataset.Sheet); err != nil {
		return nil, err
	}
	sheet = dataset.Sheet

	for column, header := range dataset.Headers {
		cell, err := excelize.CoordinatesToCellName(column+1, 1)
		if err != nil {
			return nil, err
		}
		if err := workbook.SetCellValue(sheet, cell, header); err != nil {
			return nil, err
		}
	}
	for rowIndex, row := range dataset.Rows {
		for column, value := range row {
			cell, err := excelize.CoordinatesToCellName(column+1, rowIndex+2)
			if err != nil {
				return nil, err
			}
			if err := workbook.SetCellValue(sheet, cell, value); err != nil {
				return nil, err
			}
		}
	}

	buffer, err := workbook.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// Email renders the requested report and mails it as an xlsx attachment.
func (s *Service) Email(ctx context.Context, kind Kind, appID forms.AppID, query upstream.ReportQuery, recipients []string, subject, body string) error {
	if s.mailer == nil {
		return errMissingMailer
	}

	dataset, err := s.Build(ctx, kind, appID, query)
	if err != nil {
		return err
	}
	attachment, err := ExportXLSX(dataset)
	if err != nil {
		return err
	}

	filename := fmt.Sprintf("%s-report.xlsx", kind)
	return s.mailer.EmailReport(ctx, recipients, subject, body, filename, attachment)
}

// EmailRendered mails pre-rendered report bytes without touching the builder.
// PDF rendering happens outside this service.
func (s *Service) EmailRendered(ctx context.Context, recipients []string, subject, body, filename string, attachment []byte) error {
	if s.mailer == nil {
		return errMissingMailer
	}
	return s.mailer.EmailReport(ctx, recipients, subject, body, filename, attachment)
}
