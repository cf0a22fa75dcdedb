package search

import (
	"strings"

	"github.com/hyperjump/studyfed/internal/models"
)

// ProcessParamSets trims predicate whitespace and drops nil sets.
// An empty input yields one empty set, which the executor turns into a template-only query.
func ProcessParamSets(sets []*models.QueryParameters) []*models.QueryParameters {
	out := make([]*models.QueryParameters, 0, len(sets))
	for _, s := range sets {
		if s == nil {
			continue
		}
		c := models.NewQueryParameters()
		for _, k := range s.Keys() {
			c.Set(k, strings.TrimSpace(s.Value(k)))
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		out = append(out, models.NewQueryParameters())
	}
	return out
}

// AllOpen reports whether every parameter set is open.
func AllOpen(sets []*models.QueryParameters) bool {
	for _, s := range sets {
		if !s.IsOpen() {
			return false
		}
	}
	return true
}
