// Package export produces XLSX reports over the job store.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/swiftai/cv-pipeline/internal/repository"
)

// Service is a tiny façade over the job repository that produces XLSX
// bytes for operator reports.
type Service struct {
	jobs   repository.JobRepository
	logger *slog.Logger
}

func NewService(jobs repository.JobRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, logger: logger}
}

// JobsReportXLSX returns a workbook of jobs created in the given window.
// If only from is provided -> from..now (inclusive).
// If only to is provided   -> beginning..to (inclusive).
// If neither is provided   -> everything.
func (s *Service) JobsReportXLSX(ctx context.Context, from, to *time.Time) ([]byte, error) {
	start := time.Now()

	fromT := time.UnixMilli(0).UTC()
	toT := time.Now().UTC()
	if from != nil {
		fromT = time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	}
	if to != nil {
		toT = time.Date(to.Year(), to.Month(), to.Day(), 23, 59, 59, 0, time.UTC)
	}

	jobs, err := s.jobs.ListWindow(ctx, fromT, toT)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "Jobs"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	if defIdx, _ := f.GetSheetIndex("Sheet1"); defIdx != -1 {
		_ = f.DeleteSheet("Sheet1")
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Job ID",
		"Document Hash",
		"Template",
		"State",
		"Attempts",
		"Last Stage",
		"Error Code",
		"Error Summary",
		"Created",
		"Updated",
		"PDF Checksum",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	byState := map[string]int{}
	row := 2
	for _, j := range jobs {
		byState[string(j.State)]++

		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		write(1, j.ID.String())
		write(2, j.DocumentHash)
		write(3, j.TemplateID)
		write(4, string(j.State))
		write(5, j.Attempts)
		write(6, j.LastStage)
		write(7, j.ErrorCode)
		write(8, truncate(j.ErrorSummary, 140))
		write(9, j.CreatedAt.Format(time.RFC3339))
		write(10, j.UpdatedAt.Format(time.RFC3339))
		write(11, shortChecksum(j.RenderedChecksum))
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 38) // job id
	_ = f.SetColWidth(sheet, "B", "B", 66) // document hash
	_ = f.SetColWidth(sheet, "C", "D", 16)
	_ = f.SetColWidth(sheet, "F", "G", 18)
	_ = f.SetColWidth(sheet, "H", "H", 48) // error summary
	_ = f.SetColWidth(sheet, "I", "J", 22) // timestamps

	if err := s.writeSummary(f, byState, len(jobs)); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"rows", len(jobs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func (s *Service) writeSummary(f *excelize.File, byState map[string]int, total int) error {
	const sheet = "Summary"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	_ = f.SetCellValue(sheet, "A1", "State")
	_ = f.SetCellValue(sheet, "B1", "Jobs")

	// stable row order
	order := []string{
		"QUEUED", "CLASSIFYING", "EXTRACTING", "NORMALIZING", "RENDERING",
		"RETRY_SCHEDULED", "SUCCEEDED", "FAILED", "CANCELED",
	}
	row := 2
	for _, state := range order {
		if n, ok := byState[state]; ok {
			cellA, _ := excelize.CoordinatesToCellName(1, row)
			cellB, _ := excelize.CoordinatesToCellName(2, row)
			_ = f.SetCellValue(sheet, cellA, state)
			_ = f.SetCellValue(sheet, cellB, n)
			row++
		}
	}
	cellA, _ := excelize.CoordinatesToCellName(1, row)
	cellB, _ := excelize.CoordinatesToCellName(2, row)
	_ = f.SetCellValue(sheet, cellA, "TOTAL")
	_ = f.SetCellValue(sheet, cellB, total)
	_ = f.SetColWidth(sheet, "A", "A", 20)
	return nil
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
