package local

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/hyperjump/studyfed/internal/keyword"
	"github.com/hyperjump/studyfed/internal/models"
	"github.com/hyperjump/studyfed/internal/paging"
	"github.com/hyperjump/studyfed/internal/query"
	"github.com/hyperjump/studyfed/internal/storage"
)

func newProvider(t *testing.T, n int) *Provider {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	idx, err := keyword.NewBleveIndex(filepath.Join(t.TempDir(), "bleve"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })

	ctx := context.Background()
	for i := 0; i < n; i++ {
		s := models.NewStudy(fmt.Sprintf("1.%02d", i), map[string]string{
			models.FieldPatientID: fmt.Sprintf("P%02d", i%3),
			models.FieldStudyDate: fmt.Sprintf("202401%02d", i+1),
		})
		if err := store.UpsertStudy(ctx, s); err != nil {
			t.Fatal(err)
		}
		if err := idx.Index(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	return NewProvider(store, idx)
}

func TestProvider_Find(t *testing.T) {
	p := newProvider(t, 9)
	got, err := p.Find(context.Background(), models.NewQueryParameters(models.FieldPatientID, "P01"))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"1.07", "1.04", "1.01"}
	if len(got) != len(want) {
		t.Fatalf("got %d studies, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].UID != want[i] {
			t.Errorf("row %d = %s, want %s", i, got[i].UID, want[i])
		}
	}
}

func TestProvider_ThroughExecutorAndCursor(t *testing.T) {
	p := newProvider(t, 7)
	exec := query.NewExecutor(nil)
	exec.RegisterLocal(query.DefaultLocalProvider, p)
	ctx := context.Background()

	var pages [][]*models.Study
	cursor := paging.New(3, func(ctx context.Context, first, max int) ([]*models.Study, error) {
		return exec.Page(ctx, nil, first, max)
	}, paging.OnPageChanged(func(pg paging.Page) { pages = append(pages, pg.Items) }))

	if err := cursor.First(ctx); err != nil {
		t.Fatal(err)
	}
	for cursor.HasNext() {
		if err := cursor.Next(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if len(pages) != 3 {
		t.Fatalf("pages = %d, want 3", len(pages))
	}
	if len(pages[2]) != 1 || pages[2][0].UID != "1.00" {
		t.Errorf("last page = %v", pages[2])
	}

	items, err := exec.Execute(ctx, models.Source{Name: "local", Local: true}, models.NewQueryParameters(models.FieldStudyDate, "20240105-"))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 || items[0].Source != "local" {
		t.Errorf("items = %v", items)
	}
}
