// Package export writes analysis sessions to spreadsheet workbooks.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/medvision/internal/models"
)

// SheetName is the worksheet that holds the session rows.
const SheetName = "Sessions"

// Columns are the header cells of the sessions sheet.
var Columns = []string{
	"Session ID", "Created", "Patient", "Age", "Gender", "Exam Type", "Language",
	"Template", "Status", "Images", "Vision Context", "Report", "Error",
}

// maxCellChars is the cell length limit imposed by the xlsx format.
const maxCellChars = 32767

// WriteSessionsXLSX writes one row per session to w as an xlsx workbook.
func WriteSessionsXLSX(w io.Writer, sessions []*models.Session) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	header := make([]interface{}, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(Columns))
	if err := f.SetCellStyle(SheetName, "A1", lastCol+"1", bold); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}

	for i, s := range sessions {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := sessionRow(s)
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("failed to write session %s: %w", s.ID, err)
		}
	}

	_ = f.SetColWidth(SheetName, "A", "A", 38)
	_ = f.SetColWidth(SheetName, "B", "I", 16)
	_ = f.SetColWidth(SheetName, "K", "L", 60)
	if err := f.SetPanes(SheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return fmt.Errorf("failed to freeze header: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func sessionRow(s *models.Session) []interface{} {
	return []interface{}{
		s.ID,
		s.CreatedAt.UTC().Format(time.RFC3339),
		s.Patient.Name,
		s.Patient.Age,
		s.Patient.Gender,
		s.ExamType,
		s.Language,
		s.PromptTemplate,
		s.Status,
		len(s.ImagePaths),
		clip(s.VisionContext),
		clip(s.Report),
		clip(s.Error),
	}
}

func clip(s string) string {
	if len(s) > maxCellChars {
		return s[:maxCellChars]
	}
	return s
}
