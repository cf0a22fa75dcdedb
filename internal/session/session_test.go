package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/studyfed/internal/models"
	"github.com/hyperjump/studyfed/internal/results"
)

var (
	localSrc = models.Source{Name: "local", Local: true}
	remoteX  = models.Source{Name: "remote-x", Host: "x.example", AETitle: "X", Port: 104}
	remoteY  = models.Source{Name: "remote-y", Host: "y.example", AETitle: "Y", Port: 104}
)

// fakeExecutor serves a fixed study set for the local source and scripted answers for remotes.
type fakeExecutor struct {
	mu        sync.Mutex
	local     map[string]map[string]string
	remote    map[string][]*models.Study
	fail      map[string]error
	targeted  int
	allCalls  int
	lastLocal *models.QueryParameters
	// gate, when set, holds every call until it is closed.
	gate chan struct{}
}

func (f *fakeExecutor) Validate(models.Source) error { return nil }

func (f *fakeExecutor) Execute(_ context.Context, src models.Source, params *models.QueryParameters) ([]*models.Study, error) {
	f.mu.Lock()
	f.allCalls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[src.Name]; err != nil {
		return nil, &models.SourceError{Source: src.Name, Err: err}
	}
	if !src.Local {
		var out []*models.Study
		for _, s := range f.remote[src.Name] {
			c := s.Clone()
			c.Source = src.Name
			out = append(out, c)
		}
		return out, nil
	}
	f.lastLocal = params
	if params.Value(models.FieldStudyInstanceUID) != "" {
		f.targeted++
	}
	var out []*models.Study
	for uid, fields := range f.local {
		s := models.NewStudy(uid, fields)
		if !models.MatchAll(params, s.Fields) {
			continue
		}
		s.Source = src.Name
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeExecutor) setLocal(uid string, fields map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.local == nil {
		f.local = make(map[string]map[string]string)
	}
	f.local[uid] = fields
}

func (f *fakeExecutor) targetedCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targeted
}

func newSession(t *testing.T, exec *fakeExecutor, cfg Config) *Session {
	t.Helper()
	if cfg.Sources == nil {
		cfg.Sources = []models.Source{localSrc, remoteX, remoteY}
	}
	s, err := New(cfg, exec)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSearch_PartialFailureReported(t *testing.T) {
	exec := &fakeExecutor{fail: map[string]error{"remote-x": errors.New("timeout")}}
	exec.setLocal("1.1", map[string]string{models.FieldPatientID: "A100"})
	exec.setLocal("1.2", map[string]string{models.FieldPatientID: "A200"})
	exec.setLocal("1.3", map[string]string{models.FieldPatientID: "B300"})
	s := newSession(t, exec, Config{FilterDuplicates: true})
	ctx := context.Background()

	if _, err := s.ChangeSourceGroup(ctx, []string{"local", "remote-x"}); err != nil {
		t.Fatal(err)
	}
	rep, err := s.Search(ctx, []*models.QueryParameters{models.NewQueryParameters(models.FieldPatientID, "A*")}, SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Result.Len() != 2 {
		t.Errorf("rows = %d, want 2", rep.Result.Len())
	}
	msg := rep.Message()
	if !strings.Contains(msg, "remote-x") || !strings.Contains(msg, "timeout") {
		t.Errorf("message = %q", msg)
	}
	if strings.Contains(msg, "local") {
		t.Errorf("message should not name successful sources: %q", msg)
	}
}

func TestSearch_OverlappingSearchesQueryOnce(t *testing.T) {
	exec := &fakeExecutor{gate: make(chan struct{})}
	exec.setLocal("1.1", map[string]string{models.FieldPatientID: "A100"})
	s := newSession(t, exec, Config{})
	ctx := context.Background()
	if _, err := s.ChangeSourceGroup(ctx, []string{"local"}); err != nil {
		t.Fatal(err)
	}
	sets := []*models.QueryParameters{models.NewQueryParameters(models.FieldPatientID, "A*")}

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := s.Search(ctx, sets, SearchOptions{})
			errs <- err
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, models.ErrSearchInProgress) {
				t.Fatalf("overlapping search error = %v, want ErrSearchInProgress", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("overlapping search did not return")
		}
	}
	if !s.Result().Busy() {
		t.Error("result should be busy while the first search runs")
	}
	close(exec.gate)
	if err := <-errs; err != nil {
		t.Fatalf("first search: %v", err)
	}
	exec.mu.Lock()
	calls := exec.allCalls
	exec.mu.Unlock()
	if calls != 1 {
		t.Errorf("source queries = %d, want 1", calls)
	}
	if s.Result().Busy() {
		t.Error("result should be idle after the search")
	}

	rep, err := s.Search(ctx, sets, SearchOptions{})
	if err != nil {
		t.Fatalf("search after release: %v", err)
	}
	if rep.Result.Len() != 1 {
		t.Errorf("rows = %d, want 1", rep.Result.Len())
	}
}

func TestSearch_CombinesFailuresOnce(t *testing.T) {
	exec := &fakeExecutor{fail: map[string]error{
		"remote-x": errors.New("timeout"),
		"remote-y": errors.New("association rejected"),
	}}
	s := newSession(t, exec, Config{})
	ctx := context.Background()
	if _, err := s.ChangeSourceGroup(ctx, []string{"remote-x", "remote-y"}); err != nil {
		t.Fatal(err)
	}
	rep, err := s.Search(ctx, []*models.QueryParameters{models.NewQueryParameters(models.FieldPatientID, "A*")}, SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := "query failed for remote-x: timeout; remote-y: association rejected"
	if rep.Message() != want {
		t.Errorf("message = %q, want %q", rep.Message(), want)
	}
}

func TestSearch_OpenSearchNeedsConfirmation(t *testing.T) {
	exec := &fakeExecutor{}
	exec.setLocal("1.1", nil)
	s := newSession(t, exec, Config{})
	ctx := context.Background()

	if _, err := s.Search(ctx, nil, SearchOptions{}); err != nil {
		t.Fatalf("open search on local datastore: %v", err)
	}
	if _, err := s.ChangeSourceGroup(ctx, []string{"local", "remote-x"}); err != nil {
		t.Fatal(err)
	}
	calls := exec.allCalls
	if _, err := s.Search(ctx, []*models.QueryParameters{models.NewQueryParameters(models.FieldPatientID, " ")}, SearchOptions{}); !errors.Is(err, models.ErrOpenSearchNotConfirmed) {
		t.Fatalf("err = %v, want ErrOpenSearchNotConfirmed", err)
	}
	if exec.allCalls != calls {
		t.Error("unconfirmed open search must not query any source")
	}
	if _, err := s.Search(ctx, nil, SearchOptions{ConfirmOpenSearch: true}); err != nil {
		t.Fatal(err)
	}
}

func TestSearch_DuplicateFilteringFlag(t *testing.T) {
	for _, filter := range []bool{true, false} {
		exec := &fakeExecutor{remote: map[string][]*models.Study{
			"remote-x": {models.NewStudy("1.9", nil)},
			"remote-y": {models.NewStudy("1.9", nil)},
		}}
		s := newSession(t, exec, Config{FilterDuplicates: filter})
		ctx := context.Background()
		if _, err := s.ChangeSourceGroup(ctx, []string{"remote-x", "remote-y"}); err != nil {
			t.Fatal(err)
		}
		rep, err := s.Search(ctx, []*models.QueryParameters{models.NewQueryParameters(models.FieldStudyInstanceUID, "1.9")}, SearchOptions{})
		if err != nil {
			t.Fatal(err)
		}
		want := 2
		if filter {
			want = 1
		}
		if rep.Result.Len() != want {
			t.Errorf("filter=%v: rows = %d, want %d", filter, rep.Result.Len(), want)
		}
	}
}

func TestChangeSourceGroup_Errors(t *testing.T) {
	s := newSession(t, &fakeExecutor{}, Config{})
	ctx := context.Background()
	before := s.ActiveGroup()
	for _, names := range [][]string{nil, {"nope"}, {"local", "local"}} {
		if _, err := s.ChangeSourceGroup(ctx, names); !models.IsConfigurationError(err) {
			t.Errorf("names %v: err = %v, want ConfigurationError", names, err)
		}
	}
	if s.ActiveGroup() != before {
		t.Error("failed selection must not change the active group")
	}
}

func TestNew_RejectsBadSources(t *testing.T) {
	tests := [][]models.Source{
		{localSrc, localSrc},
		{localSrc, {Name: "other", Local: true}},
		{{Name: ""}},
	}
	for _, srcs := range tests {
		if _, err := New(Config{Sources: srcs}, &fakeExecutor{}); !models.IsConfigurationError(err) {
			t.Errorf("sources %v: err = %v", srcs, err)
		}
	}
	if _, err := New(Config{Sources: []models.Source{localSrc}, DefaultGroup: []string{"missing"}}, &fakeExecutor{}); !models.IsConfigurationError(err) {
		t.Errorf("unknown default group: err = %v", err)
	}
}

func TestChangeSourceGroup_CachesPerGroup(t *testing.T) {
	s := newSession(t, &fakeExecutor{}, Config{})
	ctx := context.Background()
	local := s.Result()
	var notified []*models.SourceGroup
	s.OnGroupChanged(func(g *models.SourceGroup, _ *results.SearchResult) { notified = append(notified, g) })

	both, err := s.ChangeSourceGroup(ctx, []string{"local", "remote-x"})
	if err != nil {
		t.Fatal(err)
	}
	if both == local {
		t.Error("different group should get its own table")
	}
	again, err := s.ChangeSourceGroup(ctx, []string{"local"})
	if err != nil {
		t.Fatal(err)
	}
	if again != local {
		t.Error("reselecting a group should reuse its cached table")
	}
	if len(notified) != 2 || notified[0].ID == notified[1].ID {
		t.Errorf("notifications = %v", notified)
	}
}

func TestSession_ImportBurstReconcilesOnce(t *testing.T) {
	exec := &fakeExecutor{}
	s := newSession(t, exec, Config{DebounceDelay: 300 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	exec.setLocal("U1", map[string]string{models.FieldPatientID: "P1"})
	for i := 0; i < 5; i++ {
		s.Post(models.ImportEvent{Kind: models.InstanceImported, UID: "U1", Level: models.LevelInstance})
		time.Sleep(10 * time.Millisecond)
	}
	waitFor(t, 2*time.Second, func() bool { return s.Result().Len() == 1 })
	time.Sleep(400 * time.Millisecond)

	if got := exec.targetedCalls(); got != 1 {
		t.Errorf("reconciliation passes = %d, want 1", got)
	}
	rows := s.Result().Rows()
	if len(rows) != 1 || rows[0].UID != "U1" {
		t.Errorf("rows = %v", rows)
	}
}

func TestSession_DeleteAndClearEvents(t *testing.T) {
	exec := &fakeExecutor{}
	exec.setLocal("S1", nil)
	exec.setLocal("S2", nil)
	s := newSession(t, exec, Config{DebounceDelay: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	if _, err := s.Search(ctx, nil, SearchOptions{}); err != nil {
		t.Fatal(err)
	}
	if s.Result().Len() != 2 {
		t.Fatalf("rows = %d", s.Result().Len())
	}
	s.Post(models.ImportEvent{Kind: models.InstanceDeleted, UID: "S1", Level: models.LevelStudy})
	waitFor(t, time.Second, func() bool { return !s.Result().Contains("S1") })

	s.Post(models.ImportEvent{Kind: models.InstanceImported, UID: "S3"})
	s.Post(models.ImportEvent{Kind: models.StoreCleared})
	waitFor(t, time.Second, func() bool { return s.Result().Len() == 0 })
	time.Sleep(60 * time.Millisecond)
	if exec.targetedCalls() != 0 {
		t.Errorf("cleared events were re-queried %d times", exec.targetedCalls())
	}
	if s.Result().Len() != 0 {
		t.Error("table should stay empty after clear")
	}
}

func TestSession_PendingAppliedWhenLocalReselected(t *testing.T) {
	exec := &fakeExecutor{}
	s := newSession(t, exec, Config{DebounceDelay: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	if _, err := s.ChangeSourceGroup(ctx, []string{"remote-x"}); err != nil {
		t.Fatal(err)
	}
	exec.setLocal("N1", nil)
	s.Post(models.ImportEvent{Kind: models.InstanceImported, UID: "N1"})
	waitFor(t, time.Second, func() bool { a, _ := s.Pending(); return a == 1 })
	time.Sleep(50 * time.Millisecond)
	if a, _ := s.Pending(); a != 1 {
		t.Fatal("changes must stay pending while a remote group is active")
	}

	result, err := s.ChangeSourceGroup(ctx, []string{"local"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Contains("N1") {
		t.Error("pending arrival should be applied on reselecting the local datastore")
	}
	if a, d := s.Pending(); a != 0 || d != 0 {
		t.Errorf("pending = %d, %d", a, d)
	}
}

func TestSession_FailedReconcileMarksStaleAndResyncs(t *testing.T) {
	exec := &fakeExecutor{}
	exec.setLocal("S1", nil)
	s := newSession(t, exec, Config{DebounceDelay: 10 * time.Millisecond, ResyncOnFailure: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := s.Search(ctx, nil, SearchOptions{}); err != nil {
		t.Fatal(err)
	}

	exec.mu.Lock()
	exec.fail = map[string]error{"local": errors.New("database locked")}
	exec.mu.Unlock()
	exec.setLocal("S2", nil)

	s.Start(ctx)
	s.Post(models.ImportEvent{Kind: models.InstanceImported, UID: "S2"})
	waitFor(t, time.Second, func() bool { return s.Result().Stale() })

	exec.mu.Lock()
	exec.fail = nil
	exec.mu.Unlock()
	s.Post(models.ImportEvent{Kind: models.InstanceImported, UID: "S2"})
	waitFor(t, time.Second, func() bool { return s.Result().Len() == 2 && !s.Result().Stale() })
}

func TestRefresh_RerunsLastSearch(t *testing.T) {
	exec := &fakeExecutor{}
	exec.setLocal("1.1", map[string]string{models.FieldPatientID: "A1"})
	exec.setLocal("1.2", map[string]string{models.FieldPatientID: "B1"})
	s := newSession(t, exec, Config{})
	ctx := context.Background()

	if _, err := s.Search(ctx, []*models.QueryParameters{models.NewQueryParameters(models.FieldPatientID, "A*")}, SearchOptions{}); err != nil {
		t.Fatal(err)
	}
	exec.setLocal("1.3", map[string]string{models.FieldPatientID: "A2"})
	rep, err := s.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Result.Len() != 2 {
		t.Errorf("rows = %d, want 2", rep.Result.Len())
	}
	if exec.lastLocal.Value(models.FieldPatientID) != "A*" {
		t.Errorf("refresh params = %s", exec.lastLocal)
	}
}

func TestClose_Idempotent(t *testing.T) {
	s := newSession(t, &fakeExecutor{}, Config{})
	s.Start(context.Background())
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	s.Post(models.ImportEvent{Kind: models.InstanceImported, UID: "late"})
}
