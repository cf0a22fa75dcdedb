package models

import "time"

// Study is one logical result unit returned by a query.
// UID identifies it for duplicate detection; Source names the endpoint that returned it.
type Study struct {
	UID       string            `json:"uid"`
	Source    string            `json:"source,omitempty"`
	Fields    map[string]string `json:"fields"`
	UpdatedAt time.Time         `json:"updated_at,omitempty"`
}

// NewStudy returns a study with fields copied from the given map.
func NewStudy(uid string, fields map[string]string) *Study {
	s := &Study{UID: uid, Fields: make(map[string]string, len(fields)+1)}
	for k, v := range fields {
		s.Fields[k] = v
	}
	s.Fields[FieldStudyInstanceUID] = uid
	return s
}

// Field returns a descriptive field value or "".
func (s *Study) Field(key string) string {
	if s == nil || s.Fields == nil {
		return ""
	}
	return s.Fields[key]
}

// Clone returns a deep copy.
func (s *Study) Clone() *Study {
	c := *s
	c.Fields = make(map[string]string, len(s.Fields))
	for k, v := range s.Fields {
		c.Fields[k] = v
	}
	return &c
}

// QueryOutcome is the result of fanning a query out to a source group.
// A failing source contributes no items and never suppresses others.
type QueryOutcome struct {
	Items    []*Study        `json:"items"`
	Failures []SourceFailure `json:"failures,omitempty"`
	Elapsed  time.Duration   `json:"elapsed"`
}

// SourceFailure pairs a source with the error its query produced.
type SourceFailure struct {
	Source Source `json:"source"`
	Err    error  `json:"-"`
}

// Message returns the failure's error text.
func (f SourceFailure) Message() string {
	if f.Err == nil {
		return ""
	}
	return f.Err.Error()
}
