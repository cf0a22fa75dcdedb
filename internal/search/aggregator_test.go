package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/studyfed/internal/models"
)

// scriptedExecutor returns two studies per call, or an error for sources listed in fail.
// failOnSet makes a source fail only on the parameter set whose PatientID equals the value.
type scriptedExecutor struct {
	mu        sync.Mutex
	fail      map[string]bool
	failOnSet map[string]string
	delay     map[string]time.Duration
	calls     map[string]int
}

func (s *scriptedExecutor) Execute(_ context.Context, src models.Source, params *models.QueryParameters) ([]*models.Study, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[src.Name]++
	s.mu.Unlock()
	if d := s.delay[src.Name]; d > 0 {
		time.Sleep(d)
	}
	if s.fail[src.Name] {
		return nil, &models.SourceError{Source: src.Name, Err: errors.New("association rejected")}
	}
	pid := params.Value(models.FieldPatientID)
	if v, ok := s.failOnSet[src.Name]; ok && v == pid {
		return nil, &models.SourceError{Source: src.Name, Err: errors.New("timeout")}
	}
	return []*models.Study{
		{UID: src.Name + "/" + pid + "/1", Source: src.Name},
		{UID: src.Name + "/" + pid + "/2", Source: src.Name},
	}, nil
}

func group(names ...string) *models.SourceGroup {
	var srcs []models.Source
	for _, n := range names {
		srcs = append(srcs, models.Source{Name: n})
	}
	return models.NewSourceGroup(srcs...)
}

func TestAggregator_PartialFailureIsolation(t *testing.T) {
	names := []string{"a", "b", "c", "d"}
	// every subset of failing sources
	for mask := 0; mask < 1<<len(names); mask++ {
		fail := map[string]bool{}
		for i, n := range names {
			if mask&(1<<i) != 0 {
				fail[n] = true
			}
		}
		t.Run(fmt.Sprintf("mask%02d", mask), func(t *testing.T) {
			agg := NewAggregator(&scriptedExecutor{fail: fail}, WithMaxConcurrent(2))
			out := agg.Query(context.Background(), group(names...), nil)

			var wantFailures []string
			wantItems := 0
			for _, n := range names {
				if fail[n] {
					wantFailures = append(wantFailures, n)
				} else {
					wantItems += 2
				}
			}
			if len(out.Items) != wantItems {
				t.Errorf("items = %d, want %d", len(out.Items), wantItems)
			}
			if len(out.Failures) != len(wantFailures) {
				t.Fatalf("failures = %v, want %v", out.Failures, wantFailures)
			}
			for i, f := range out.Failures {
				if f.Source.Name != wantFailures[i] {
					t.Errorf("failure %d = %s, want %s", i, f.Source.Name, wantFailures[i])
				}
				if f.Message() == "" {
					t.Error("failure message is empty")
				}
			}
			for _, it := range out.Items {
				if fail[it.Source] {
					t.Errorf("item %s from failing source", it.UID)
				}
			}
		})
	}
}

func TestAggregator_AllOrNothingPerSource(t *testing.T) {
	exec := &scriptedExecutor{failOnSet: map[string]string{"b": "P2"}}
	agg := NewAggregator(exec)
	sets := []*models.QueryParameters{
		models.NewQueryParameters(models.FieldPatientID, "P1"),
		models.NewQueryParameters(models.FieldPatientID, "P2"),
	}
	out := agg.Query(context.Background(), group("a", "b"), sets)
	if len(out.Items) != 4 {
		t.Fatalf("items = %d, want 4 (only source a)", len(out.Items))
	}
	for _, it := range out.Items {
		if it.Source != "a" {
			t.Errorf("unexpected item from %s", it.Source)
		}
	}
	if len(out.Failures) != 1 || out.Failures[0].Source.Name != "b" {
		t.Errorf("failures = %+v", out.Failures)
	}
}

func TestAggregator_GroupOrderDespiteTiming(t *testing.T) {
	exec := &scriptedExecutor{delay: map[string]time.Duration{"first": 20 * time.Millisecond}}
	out := NewAggregator(exec).Query(context.Background(), group("first", "second"), nil)
	if len(out.Items) != 4 {
		t.Fatalf("items = %d", len(out.Items))
	}
	if out.Items[0].Source != "first" || out.Items[3].Source != "second" {
		t.Errorf("order = %s..%s", out.Items[0].Source, out.Items[3].Source)
	}
}

func TestAggregator_EmptyParamSetsRunsOnce(t *testing.T) {
	exec := &scriptedExecutor{}
	NewAggregator(exec).Query(context.Background(), group("a", "b"), nil)
	for _, n := range []string{"a", "b"} {
		if exec.calls[n] != 1 {
			t.Errorf("calls[%s] = %d, want 1", n, exec.calls[n])
		}
	}
}

func TestAggregator_EmptyGroup(t *testing.T) {
	out := NewAggregator(&scriptedExecutor{}).Query(context.Background(), models.NewSourceGroup(), nil)
	if len(out.Items) != 0 || len(out.Failures) != 0 {
		t.Errorf("outcome = %+v", out)
	}
}

func TestProcessParamSets(t *testing.T) {
	sets := ProcessParamSets([]*models.QueryParameters{nil, models.NewQueryParameters(models.FieldPatientID, "  A1 ")})
	if len(sets) != 1 || sets[0].Value(models.FieldPatientID) != "A1" {
		t.Errorf("sets = %v", sets)
	}
	if got := ProcessParamSets(nil); len(got) != 1 || !got[0].IsOpen() {
		t.Errorf("empty input = %v", got)
	}
	if !AllOpen([]*models.QueryParameters{models.NewQueryParameters(models.FieldPatientID, "")}) {
		t.Error("AllOpen should be true")
	}
}
