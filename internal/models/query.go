package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// MultiValueSeparator joins several values into one predicate string.
const MultiValueSeparator = `\`

// RangeSeparator splits a range predicate into from and to bounds.
const RangeSeparator = "-"

// Field keys used across the rendering layer, the local index, and the archive API.
const (
	FieldStudyInstanceUID   = "StudyInstanceUID"
	FieldPatientName        = "PatientName"
	FieldPatientID          = "PatientID"
	FieldPatientBirthDate   = "PatientBirthDate"
	FieldPatientSex         = "PatientSex"
	FieldStudyDate          = "StudyDate"
	FieldStudyTime          = "StudyTime"
	FieldStudyID            = "StudyID"
	FieldStudyDescription   = "StudyDescription"
	FieldAccessionNumber    = "AccessionNumber"
	FieldReferringPhysician = "ReferringPhysicianName"
	FieldModalitiesInStudy  = "ModalitiesInStudy"
	FieldInstitutionName    = "InstitutionName"
	FieldNumberOfSeries     = "NumberOfStudyRelatedSeries"
	FieldNumberOfInstances  = "NumberOfStudyRelatedInstances"
)

// DefaultRequiredFields is the base template every query is normalized against.
var DefaultRequiredFields = []string{
	FieldPatientName,
	FieldPatientID,
	FieldPatientBirthDate,
	FieldPatientSex,
	FieldStudyDate,
	FieldStudyTime,
	FieldStudyID,
	FieldStudyDescription,
	FieldAccessionNumber,
	FieldReferringPhysician,
	FieldModalitiesInStudy,
	FieldInstitutionName,
	FieldNumberOfSeries,
	FieldNumberOfInstances,
	FieldStudyInstanceUID,
}

// QueryParameters is an ordered mapping from field name to a string-encoded predicate.
type QueryParameters struct {
	keys   []string
	values map[string]string
}

// NewQueryParameters returns parameters built from alternating key, value pairs.
func NewQueryParameters(kv ...string) *QueryParameters {
	p := &QueryParameters{values: make(map[string]string)}
	for i := 0; i+1 < len(kv); i += 2 {
		p.Set(kv[i], kv[i+1])
	}
	return p
}

// Template returns parameters with every key present and empty.
func Template(keys []string) *QueryParameters {
	p := NewQueryParameters()
	for _, k := range keys {
		p.Set(k, "")
	}
	return p
}

// Set assigns value to key, keeping the key's original position if it already exists.
func (p *QueryParameters) Set(key, value string) {
	if p.values == nil {
		p.values = make(map[string]string)
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the predicate for key and whether the key is present.
func (p *QueryParameters) Get(key string) (string, bool) {
	if p == nil || p.values == nil {
		return "", false
	}
	v, ok := p.values[key]
	return v, ok
}

// Value returns the predicate for key or "" if absent.
func (p *QueryParameters) Value(key string) string {
	v, _ := p.Get(key)
	return v
}

// Delete removes key.
func (p *QueryParameters) Delete(key string) {
	if p == nil || p.values == nil {
		return
	}
	if _, ok := p.values[key]; !ok {
		return
	}
	delete(p.values, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (p *QueryParameters) Keys() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.keys...)
}

// Len returns the number of keys.
func (p *QueryParameters) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Clone returns an independent copy.
func (p *QueryParameters) Clone() *QueryParameters {
	c := NewQueryParameters()
	if p == nil {
		return c
	}
	for _, k := range p.keys {
		c.Set(k, p.values[k])
	}
	return c
}

// MergeOver returns template keys in template order followed by extra caller keys.
// Caller values win; the template fills gaps.
func (p *QueryParameters) MergeOver(template *QueryParameters) *QueryParameters {
	out := template.Clone()
	if p == nil {
		return out
	}
	for _, k := range p.keys {
		out.Set(k, p.values[k])
	}
	return out
}

// IsOpen reports whether every predicate is empty (an open search).
func (p *QueryParameters) IsOpen() bool {
	if p == nil {
		return true
	}
	for _, k := range p.keys {
		if strings.TrimSpace(p.values[k]) != "" {
			return false
		}
	}
	return true
}

// Constrained returns the keys with a non-empty predicate, in order.
func (p *QueryParameters) Constrained() []string {
	if p == nil {
		return nil
	}
	var out []string
	for _, k := range p.keys {
		if strings.TrimSpace(p.values[k]) != "" {
			out = append(out, k)
		}
	}
	return out
}

// String renders the parameters as "k=v k=v" for logs.
func (p *QueryParameters) String() string {
	if p == nil {
		return ""
	}
	parts := make([]string, 0, len(p.keys))
	for _, k := range p.keys {
		if v := p.values[k]; v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, " ")
}

// MarshalJSON encodes the parameters as a JSON object preserving key order.
func (p *QueryParameters) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if p != nil {
		for i, k := range p.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := json.Marshal(p.values[k])
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			buf.Write(vb)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object of strings, keeping the document's key order.
func (p *QueryParameters) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("query parameters: expected object")
	}
	*p = QueryParameters{values: make(map[string]string)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("query parameters: expected string key")
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("query parameters: value for %q: %w", key, err)
		}
		p.Set(key, value)
	}
	_, err = dec.Token()
	return err
}
