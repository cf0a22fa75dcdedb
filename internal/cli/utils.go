// Package cli provides CLI output helpers for studyfed.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/hyperjump/studyfed/internal/models"
	"github.com/hyperjump/studyfed/pkg/utils"
)

// SearchOutputFormat is the format for search result output.
type SearchOutputFormat string

const (
	// OutputText is a human-readable table (default).
	OutputText SearchOutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON SearchOutputFormat = "json"
)

// DefaultColumns are shown when the caller does not choose any.
var DefaultColumns = []string{
	models.FieldPatientName,
	models.FieldPatientID,
	models.FieldStudyDate,
	models.FieldModalitiesInStudy,
	models.FieldStudyDescription,
	models.FieldStudyInstanceUID,
}

const maxCellWidth = 40

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("160"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

// ParseFormat maps a flag value to a format; unknown values fall back to text.
func ParseFormat(s string) SearchOutputFormat {
	if strings.EqualFold(s, string(OutputJSON)) {
		return OutputJSON
	}
	return OutputText
}

// WriteSearchResults writes a result table to w in the given format.
// Use OutputJSON for parseable output consumable by other apps.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format SearchOutputFormat, columns []string) error {
	switch format {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(response)
	default:
		writeSearchResultsText(w, response, columns)
		return nil
	}
}

func writeSearchResultsText(w io.Writer, response *models.SearchResponse, columns []string) {
	if len(columns) == 0 {
		columns = DefaultColumns
	}
	header := fmt.Sprintf("%s: %d studies", response.Title, len(response.Rows))
	if response.ElapsedMS > 0 {
		header += fmt.Sprintf(" in %dms", response.ElapsedMS)
	}
	fmt.Fprintln(w, titleStyle.Render(header))
	if response.Stale {
		fmt.Fprintln(w, mutedStyle.Render("(results may be out of date; refresh to reload)"))
	}
	if response.Message != "" {
		fmt.Fprintln(w, failureStyle.Render(response.Message))
	}
	if len(response.Rows) == 0 {
		return
	}
	fmt.Fprintln(w, RenderTable(response.Rows, columns))
}

// RenderTable renders studies as a bordered table with a trailing Source column.
func RenderTable(rows []*models.Study, columns []string) string {
	headers := append(append([]string(nil), columns...), "Source")
	data := make([][]string, 0, len(rows))
	for _, s := range rows {
		row := make([]string, 0, len(headers))
		for _, c := range columns {
			row = append(row, utils.Truncate(s.Field(c), maxCellWidth))
		}
		row = append(row, s.Source)
		data = append(data, row)
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(data...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String()
}

// WritePage writes one browse page.
func WritePage(w io.Writer, page *models.PageResponse, columns []string) {
	if len(columns) == 0 {
		columns = DefaultColumns
	}
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Page %d (rows %d-%d)",
		page.Page+1, page.FirstRow+1, page.FirstRow+len(page.Rows))))
	if len(page.Rows) > 0 {
		fmt.Fprintln(w, RenderTable(page.Rows, columns))
	}
	var nav []string
	if page.HasPrevious {
		nav = append(nav, fmt.Sprintf("--page %d for previous", page.Page-1))
	}
	if page.HasNext {
		nav = append(nav, fmt.Sprintf("--page %d for next", page.Page+1))
	}
	if len(nav) > 0 {
		fmt.Fprintln(w, mutedStyle.Render(strings.Join(nav, ", ")))
	}
}

// WriteStatus writes a status summary.
func WriteStatus(w io.Writer, st *models.StatusResponse) {
	fmt.Fprintln(w, titleStyle.Render("studyfed status"))
	fmt.Fprintf(w, "Studies:          %d\n", st.Studies)
	fmt.Fprintf(w, "Instances:        %d\n", st.Instances)
	fmt.Fprintf(w, "Active group:     %s\n", strings.Join(st.ActiveGroup, ", "))
	fmt.Fprintf(w, "Pending sync:     %d arrived, %d deleted\n", st.PendingArrived, st.PendingDeleted)
	if st.DiskUsageBytes > 0 {
		fmt.Fprintf(w, "Disk usage:       %s\n", FormatBytes(st.DiskUsageBytes))
	}
	if st.DatabasePath != "" {
		fmt.Fprintf(w, "Database:         %s\n", st.DatabasePath)
	}
	if st.BleveIndexPath != "" {
		fmt.Fprintf(w, "Study index:      %s\n", st.BleveIndexPath)
	}
	for _, d := range st.WatchDirectories {
		fmt.Fprintf(w, "Watching:         %s\n", d)
	}
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// PrintSearchResults prints results to stdout as a text table.
func PrintSearchResults(response *models.SearchResponse) {
	_ = WriteSearchResults(os.Stdout, response, OutputText, nil)
}
