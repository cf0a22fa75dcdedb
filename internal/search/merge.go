package search

import "github.com/hyperjump/studyfed/internal/models"

type sourceSlot struct {
	items []*models.Study
	err   error
}

// mergeSlots concatenates per-source results in group order and lists failures in the same order.
func mergeSlots(sources []models.Source, slots []sourceSlot) *models.QueryOutcome {
	out := &models.QueryOutcome{}
	for i, slot := range slots {
		if slot.err != nil {
			out.Failures = append(out.Failures, models.SourceFailure{Source: sources[i], Err: slot.err})
			continue
		}
		out.Items = append(out.Items, slot.items...)
	}
	return out
}
