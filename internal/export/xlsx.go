// Package export writes result tables to spreadsheets.
package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/studyfed/internal/models"
	"github.com/hyperjump/studyfed/internal/results"
	"github.com/xuri/excelize/v2"
)

// SourceColumn is appended to every header row.
const SourceColumn = "Source"

const maxSheetName = 31

// WriteXLSX writes the rows of result to w as a single-sheet workbook named after
// the result title. columns defaults to models.DefaultRequiredFields.
func WriteXLSX(w io.Writer, result *results.SearchResult, columns []string) error {
	if len(columns) == 0 {
		columns = models.DefaultRequiredFields
	}
	f := excelize.NewFile()
	defer f.Close()

	sheet := SheetName(result.Title)
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	header := make([]interface{}, 0, len(columns)+1)
	for _, c := range columns {
		header = append(header, c)
	}
	header = append(header, SourceColumn)
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	lastCol, err := excelize.ColumnNumberToName(len(header))
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", lastCol+"1", bold); err != nil {
		return fmt.Errorf("header style: %w", err)
	}

	for i, study := range result.Rows() {
		row := make([]interface{}, 0, len(header))
		for _, c := range columns {
			row = append(row, study.Field(c))
		}
		row = append(row, study.Source)
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	if err := f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// SheetName makes title usable as a worksheet name.
func SheetName(title string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			return '_'
		}
		return r
	}, strings.TrimSpace(title))
	name = strings.Trim(name, "'")
	if name == "" {
		return "Studies"
	}
	if r := []rune(name); len(r) > maxSheetName {
		name = string(r[:maxSheetName])
	}
	return name
}
