package report

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/swingkiddo/boosty-queue/internal/models"
	"github.com/xuri/excelize/v2"
)

const timeLayout = "2006-01-02 15:04:05"

// ExcelExporter renders a report as an xlsx workbook on disk.
type ExcelExporter struct {
	dir string
}

func NewExcelExporter(dir string) *ExcelExporter {
	return &ExcelExporter{dir: dir}
}

// Export writes the workbook and returns its path. Each artifact gets a
// unique name so concurrent exports of the same session never clash.
func (e *ExcelExporter) Export(report *Report) (string, error) {
	file := excelize.NewFile()
	defer func() {
		if err := file.Close(); err != nil {
			logrus.Warnf("closing workbook: %v", err)
		}
	}()

	if err := e.writeSessionSheet(file, report); err != nil {
		return "", err
	}
	if err := e.writeReviewsSheet(file, report); err != nil {
		return "", err
	}
	if err := e.writeParticipantsSheet(file, report); err != nil {
		return "", err
	}
	if err := e.writeVoiceTimeSheet(file, report); err != nil {
		return "", err
	}
	if err := file.DeleteSheet("Sheet1"); err != nil {
		return "", fmt.Errorf("removing default sheet: %w", err)
	}

	name := fmt.Sprintf("session-%d-report-%s.xlsx", report.Session.SessionID, uuid.NewString())
	path := filepath.Join(e.dir, name)
	if err := file.SaveAs(path); err != nil {
		return "", fmt.Errorf("saving workbook: %w", err)
	}
	logrus.Infof("report for session %d written to %s", report.Session.SessionID, path)
	return path, nil
}

func (e *ExcelExporter) writeSessionSheet(file *excelize.File, report *Report) error {
	const sheet = "Session"
	if _, err := file.NewSheet(sheet); err != nil {
		return fmt.Errorf("creating sheet %s: %w", sheet, err)
	}
	rows := [][]any{
		{"Session", report.Session.SessionID},
		{"Type", string(report.Session.Type)},
		{"Coach", report.Session.CoachName},
		{"Date", report.Session.Date.Format(timeLayout)},
		{"Started", formatOptionalTime(report.Session.StartTime)},
		{"Ended", formatOptionalTime(report.Session.EndTime)},
		{"Max slots", report.Session.MaxSlots},
		{"Participants", report.Session.Participants},
		{"Likes", report.Session.Likes},
		{"Dislikes", report.Session.Dislikes},
	}
	return writeRows(file, sheet, rows)
}

func (e *ExcelExporter) writeReviewsSheet(file *excelize.File, report *Report) error {
	const sheet = "Reviews"
	if _, err := file.NewSheet(sheet); err != nil {
		return fmt.Errorf("creating sheet %s: %w", sheet, err)
	}
	rows := [][]any{{"User", "Liked", "Disliked"}}
	for _, review := range report.Reviews {
		rows = append(rows, []any{review.Name, boolMark(review.Liked), boolMark(!review.Liked)})
	}
	return writeRows(file, sheet, rows)
}

func (e *ExcelExporter) writeParticipantsSheet(file *excelize.File, report *Report) error {
	const sheet = "Participants"
	if _, err := file.NewSheet(sheet); err != nil {
		return fmt.Errorf("creating sheet %s: %w", sheet, err)
	}
	rows := [][]any{{"User", "Status", "Slot", "Reviewed", "Skipped"}}
	for _, participant := range report.Participants {
		slot := ""
		if participant.Slot != nil {
			slot = fmt.Sprintf("%d", *participant.Slot)
		}
		rows = append(rows, []any{
			participant.Name,
			string(participant.Status),
			slot,
			boolMark(participant.Reviewed),
			boolMark(participant.Status == models.RequestStatusSkipped),
		})
	}
	return writeRows(file, sheet, rows)
}

func (e *ExcelExporter) writeVoiceTimeSheet(file *excelize.File, report *Report) error {
	const sheet = "Voice Time"
	if _, err := file.NewSheet(sheet); err != nil {
		return fmt.Errorf("creating sheet %s: %w", sheet, err)
	}
	rows := [][]any{{"User", "Time in voice"}}
	for _, participant := range report.Participants {
		rows = append(rows, []any{participant.Name, formatDuration(participant.VoiceTime)})
	}
	return writeRows(file, sheet, rows)
}

func writeRows(file *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("addressing row %d: %w", i+1, err)
		}
		if err := file.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("writing row %d of %s: %w", i+1, sheet, err)
		}
	}
	return nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(timeLayout)
}

func boolMark(v bool) string {
	if v {
		return "+"
	}
	return ""
}
