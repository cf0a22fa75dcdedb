package results

import "github.com/hyperjump/studyfed/internal/models"

// Dedup keeps one representative per UID regardless of source. The representative
// comes from the local source if present, otherwise from the source earliest in
// group order; it takes the position of the UID's first occurrence.
func Dedup(items []*models.Study, group *models.SourceGroup) []*models.Study {
	rank := sourceRanks(group)
	pos := make(map[string]int, len(items))
	out := make([]*models.Study, 0, len(items))
	for _, it := range items {
		if it == nil {
			continue
		}
		i, seen := pos[it.UID]
		if !seen {
			pos[it.UID] = len(out)
			out = append(out, it)
			continue
		}
		if rankOf(rank, it.Source) < rankOf(rank, out[i].Source) {
			out[i] = it
		}
	}
	return out
}

// sourceRanks orders sources: the local one first, the rest by position in the group.
func sourceRanks(group *models.SourceGroup) map[string]int {
	rank := make(map[string]int)
	if group == nil {
		return rank
	}
	for i, s := range group.Sources {
		if s.Local {
			rank[s.Name] = -1
		} else {
			rank[s.Name] = i
		}
	}
	return rank
}

func rankOf(rank map[string]int, source string) int {
	if r, ok := rank[source]; ok {
		return r
	}
	return len(rank) + 1
}
