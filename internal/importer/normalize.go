package importer

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/hyperjump/studyfed/internal/models"
)

// Instance-level descriptor keys; everything else describes the study.
const (
	keySeriesInstanceUID = "SeriesInstanceUID"
	keySOPInstanceUID    = "SOPInstanceUID"
	keyModality          = "Modality"
)

var instanceKeys = map[string]bool{
	keySeriesInstanceUID: true,
	keySOPInstanceUID:    true,
	keyModality:          true,
	"SOPClassUID":        true,
	"SeriesNumber":       true,
	"SeriesDescription":  true,
	"InstanceNumber":     true,
}

// derivedKeys are recomputed from stored instances and never taken from a descriptor.
var derivedKeys = map[string]bool{
	models.FieldNumberOfSeries:    true,
	models.FieldNumberOfInstances: true,
	models.FieldModalitiesInStudy: true,
}

// normalizeValue trims and collapses internal whitespace.
func normalizeValue(text string) string {
	text = strings.TrimSpace(text)
	var b strings.Builder
	wasSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !wasSpace {
				b.WriteRune(' ')
				wasSpace = true
			}
		} else {
			b.WriteRune(r)
			wasSpace = false
		}
	}
	return b.String()
}

// stringify renders a decoded descriptor value; lists become multi-valued strings.
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return normalizeValue(x)
	case []any:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			if s := stringify(e); s != "" {
				parts = append(parts, s)
			}
		}
		return models.JoinValues(parts)
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprint(x)
	default:
		return normalizeValue(fmt.Sprint(x))
	}
}
