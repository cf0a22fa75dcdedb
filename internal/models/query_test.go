package models

import (
	"encoding/json"
	"testing"
)

func TestQueryParameters_MergeOver(t *testing.T) {
	tmpl := Template([]string{FieldPatientName, FieldPatientID, FieldStudyDate})
	caller := NewQueryParameters(FieldPatientID, "A*", "Custom", "x")

	merged := caller.MergeOver(tmpl)
	wantKeys := []string{FieldPatientName, FieldPatientID, FieldStudyDate, "Custom"}
	keys := merged.Keys()
	if len(keys) != len(wantKeys) {
		t.Fatalf("keys = %v, want %v", keys, wantKeys)
	}
	for i := range wantKeys {
		if keys[i] != wantKeys[i] {
			t.Errorf("keys[%d] = %s, want %s", i, keys[i], wantKeys[i])
		}
	}
	if merged.Value(FieldPatientID) != "A*" {
		t.Errorf("caller value should win, got %q", merged.Value(FieldPatientID))
	}
	if v, ok := merged.Get(FieldPatientName); !ok || v != "" {
		t.Errorf("template key should be present and empty, got %q %v", v, ok)
	}
	if tmpl.Value(FieldPatientID) != "" {
		t.Error("template must not be mutated")
	}
}

func TestQueryParameters_IsOpen(t *testing.T) {
	tests := []struct {
		name   string
		params *QueryParameters
		want   bool
	}{
		{"nil", nil, true},
		{"empty", NewQueryParameters(), true},
		{"template only", Template(DefaultRequiredFields), true},
		{"whitespace", NewQueryParameters(FieldPatientID, "  "), true},
		{"constrained", NewQueryParameters(FieldPatientID, "A*"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.params.IsOpen(); got != tt.want {
				t.Errorf("IsOpen() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueryParameters_JSONKeepsOrder(t *testing.T) {
	p := NewQueryParameters("Z", "1", "A", "2", "M", "")
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"Z":"1","A":"2","M":""}` {
		t.Errorf("marshal = %s", data)
	}
	var back QueryParameters
	if err := json.Unmarshal([]byte(`{"b":"x","a":"y"}`), &back); err != nil {
		t.Fatal(err)
	}
	keys := back.Keys()
	if len(keys) != 2 || keys[0] != "b" || keys[1] != "a" {
		t.Errorf("unmarshal keys = %v", keys)
	}
	if err := json.Unmarshal([]byte(`["a"]`), &back); err == nil {
		t.Error("expected error for non-object")
	}
}

func TestQueryParameters_SetKeepsPosition(t *testing.T) {
	p := NewQueryParameters("a", "1", "b", "2")
	p.Set("a", "3")
	p.Delete("b")
	p.Set("b", "4")
	if got := p.String(); got != "a=3 b=4" {
		t.Errorf("String() = %q", got)
	}
}
