package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hyperjump/studyfed/internal/models"
)

func sampleResponse() *models.SearchResponse {
	a := models.NewStudy("1.1", map[string]string{models.FieldPatientID: "A100", models.FieldPatientName: "DOE^JOHN"})
	a.Source = "local"
	b := models.NewStudy("1.2", map[string]string{models.FieldPatientID: "B200"})
	b.Source = "remote-x"
	return &models.SearchResponse{
		Title:     "local, remote-x, remote-y",
		Sources:   []string{"local", "remote-x", "remote-y"},
		Rows:      []*models.Study{a, b},
		Failures:  []models.FailureInfo{{Source: "remote-y", Error: "timeout"}},
		Message:   "query failed for remote-y: timeout",
		ElapsedMS: 42,
	}
}

func TestWriteSearchResults_JSON(t *testing.T) {
	response := sampleResponse()
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, response, OutputJSON, nil); err != nil {
		t.Fatalf("WriteSearchResults(json): %v", err)
	}
	var decoded models.SearchResponse
	if err := json.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Title != response.Title || len(decoded.Rows) != 2 || decoded.Rows[1].Source != "remote-x" {
		t.Errorf("decoded = %+v", decoded)
	}
	if len(decoded.Failures) != 1 || decoded.Failures[0].Source != "remote-y" {
		t.Errorf("failures = %+v", decoded.Failures)
	}
}

func TestWriteSearchResults_Text(t *testing.T) {
	var buf bytes.Buffer
	cols := []string{models.FieldPatientID, models.FieldPatientName}
	if err := WriteSearchResults(&buf, sampleResponse(), OutputText, cols); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"local, remote-x, remote-y: 2 studies in 42ms",
		"query failed for remote-y: timeout",
		"PatientID", "PatientName", "Source",
		"A100", "DOE^JOHN", "B200", "remote-x",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteSearchResults_TextEmpty(t *testing.T) {
	var buf bytes.Buffer
	resp := &models.SearchResponse{Title: "Local datastore", Stale: true}
	if err := WriteSearchResults(&buf, resp, OutputText, nil); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "Local datastore: 0 studies") || !strings.Contains(out, "out of date") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "Source") {
		t.Errorf("empty result should not render a table: %q", out)
	}
}

func TestWritePage(t *testing.T) {
	var buf bytes.Buffer
	page := &models.PageResponse{Page: 1, PageSize: 2, FirstRow: 2, Rows: sampleResponse().Rows, HasNext: true, HasPrevious: true}
	WritePage(&buf, page, nil)
	out := buf.String()
	for _, want := range []string{"Page 2 (rows 3-4)", "--page 0 for previous", "--page 2 for next", "1.2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteStatus(t *testing.T) {
	var buf bytes.Buffer
	WriteStatus(&buf, &models.StatusResponse{
		Studies: 3, Instances: 7, ActiveGroup: []string{"local"},
		PendingArrived: 1, DiskUsageBytes: 2048, WatchDirectories: []string{"/inbox"},
	})
	out := buf.String()
	for _, want := range []string{"Studies:          3", "Instances:        7", "1 arrived, 0 deleted", "2.0 KiB", "/inbox"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want SearchOutputFormat
	}{
		{"json", OutputJSON},
		{"JSON", OutputJSON},
		{"text", OutputText},
		{"", OutputText},
		{"yaml", OutputText},
	}
	for _, tt := range tests {
		if got := ParseFormat(tt.in); got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
