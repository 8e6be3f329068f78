package reconcile

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

var violationHeader = []string{
	"Kind", "Severity", "Ward", "Bed", "Patient ID", "Admission ID", "Message",
}

// WriteXLSX renders a report as a workbook with a summary sheet and one row
// per violation.
func WriteXLSX(w io.Writer, r *Report) error {
	f := excelize.NewFile()
	defer f.Close()

	const summary = "Summary"
	const detail = "Violations"
	if err := f.SetSheetName("Sheet1", summary); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(detail); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("create style: %w", err)
	}

	rows := [][]interface{}{
		{"Tenant", r.TenantID},
		{"Generated at", r.GeneratedAt.Format("2006-01-02 15:04:05 MST")},
		{"Wards checked", r.Wards},
		{"Admissions checked", r.Admissions},
		{},
		{"Violation kind", "Count"},
	}
	for _, k := range Kinds {
		rows = append(rows, []interface{}{k, r.Counts[k]})
	}
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summary, cell, &row); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	if err := f.SetCellStyle(summary, "A6", "B6", bold); err != nil {
		return fmt.Errorf("style summary: %w", err)
	}
	if err := f.SetColWidth(summary, "A", "A", 32); err != nil {
		return fmt.Errorf("size summary: %w", err)
	}

	if err := f.SetSheetRow(detail, "A1", &violationHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(violationHeader), 1)
	if err := f.SetCellStyle(detail, "A1", last, bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	for i, v := range r.Violations {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []interface{}{v.Kind, v.Severity, v.WardNumber, v.BedNumber, v.PatientID, v.AdmissionID, v.Message}
		if err := f.SetSheetRow(detail, cell, &row); err != nil {
			return fmt.Errorf("write violation row: %w", err)
		}
	}
	if err := f.SetColWidth(detail, "A", "A", 28); err != nil {
		return fmt.Errorf("size columns: %w", err)
	}
	if err := f.SetColWidth(detail, "F", "G", 40); err != nil {
		return fmt.Errorf("size columns: %w", err)
	}

	_, err = f.WriteTo(w)
	return err
}
