// Package keyword provides Bleve implementation of StudyIndex.
package keyword

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	kwanalyzer "github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
	"github.com/hyperjump/studyfed/internal/models"
)

const (
	studyType     = "study"
	clearBatchMax = 500
)

// BleveIndex implements StudyIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

// NewBleveIndex creates or opens a Bleve index at path.
// Every attribute is indexed unanalyzed so predicates match whole values.
// If you change the index mapping in code, remove the index directory to force a full re-index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = kwanalyzer.Name

	docMapping := bleve.NewDocumentMapping()
	for _, f := range models.DefaultRequiredFields {
		fm := bleve.NewKeywordFieldMapping()
		fm.IncludeInAll = false
		docMapping.AddFieldMappingsAt(f, fm)
	}
	im.AddDocumentMapping(studyType, docMapping)
	im.DefaultType = studyType
	im.DefaultMapping = docMapping // so custom attributes are indexed as keywords too

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// studyDoc flattens study fields; multi-valued attributes become term lists.
func studyDoc(study *models.Study) map[string]interface{} {
	doc := make(map[string]interface{}, len(study.Fields)+1)
	for k, v := range study.Fields {
		if v == "" {
			continue
		}
		if strings.Contains(v, models.MultiValueSeparator) {
			doc[k] = models.SplitValues(v)
			continue
		}
		doc[k] = v
	}
	doc[models.FieldStudyInstanceUID] = study.UID
	return doc
}

// Index indexes a study under its UID.
func (b *BleveIndex) Index(ctx context.Context, study *models.Study) error {
	return b.index.Index(study.UID, studyDoc(study))
}

// buildQuery translates parameters into a conjunction of field queries; open parameters match everything.
func buildQuery(params *models.QueryParameters) blevequery.Query {
	var clauses []blevequery.Query
	for _, field := range params.Constrained() {
		if q := predicateQuery(field, models.ParsePredicate(field, params.Value(field))); q != nil {
			clauses = append(clauses, q)
		}
	}
	if len(clauses) == 0 {
		return bleve.NewMatchAllQuery()
	}
	if len(clauses) == 1 {
		return clauses[0]
	}
	return bleve.NewConjunctionQuery(clauses...)
}

func predicateQuery(field string, p models.Predicate) blevequery.Query {
	switch p.Kind {
	case models.PredicateExact:
		q := bleve.NewTermQuery(p.Value)
		q.SetField(field)
		return q
	case models.PredicateWildcard:
		q := bleve.NewWildcardQuery(p.Value)
		q.SetField(field)
		return q
	case models.PredicateRange:
		inclusive := true
		q := bleve.NewTermRangeInclusiveQuery(p.From, p.To, &inclusive, &inclusive)
		q.SetField(field)
		return q
	case models.PredicateMulti:
		terms := make([]blevequery.Query, 0, len(p.Terms))
		for _, t := range p.Terms {
			if q := predicateQuery(field, t); q != nil {
				terms = append(terms, q)
			}
		}
		return bleve.NewDisjunctionQuery(terms...)
	}
	return nil
}

// Match runs the predicate query and returns one window of UIDs.
func (b *BleveIndex) Match(ctx context.Context, params *models.QueryParameters, from, size int) (*MatchResult, error) {
	if from < 0 {
		from = 0
	}
	if size <= 0 {
		count, err := b.index.DocCount()
		if err != nil {
			return nil, fmt.Errorf("failed to get doc count: %w", err)
		}
		size = int(count)
		if size == 0 {
			size = 1
		}
	}
	req := bleve.NewSearchRequestOptions(buildQuery(params), size, from, false)
	req.SortBy([]string{"-" + models.FieldStudyDate, "-" + models.FieldStudyTime, "_id"})
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := &MatchResult{UIDs: make([]string, len(results.Hits)), Total: results.Total}
	for i, hit := range results.Hits {
		out.UIDs[i] = hit.ID
	}
	return out, nil
}

// Delete removes a study from the index.
func (b *BleveIndex) Delete(ctx context.Context, uid string) error {
	return b.index.Delete(uid)
}

// Clear deletes every indexed study in batches.
func (b *BleveIndex) Clear(ctx context.Context) error {
	for {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), clearBatchMax, 0, false)
		results, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return fmt.Errorf("Bleve search failed: %w", err)
		}
		if len(results.Hits) == 0 {
			return nil
		}
		batch := b.index.NewBatch()
		for _, hit := range results.Hits {
			batch.Delete(hit.ID)
		}
		if err := b.index.Batch(batch); err != nil {
			return fmt.Errorf("Bleve batch delete failed: %w", err)
		}
	}
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

// DocCount returns the total number of studies in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}
