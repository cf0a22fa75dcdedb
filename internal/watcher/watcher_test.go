package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeHandler struct {
	mu       sync.Mutex
	imported []string
	removed  []string
}

func (h *fakeHandler) ImportFile(_ context.Context, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.imported = append(h.imported, path)
	return nil
}

func (h *fakeHandler) RemoveFile(_ context.Context, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, path)
	return nil
}

func (h *fakeHandler) snapshot() (imported, removed []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.imported...), append([]string(nil), h.removed...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func countSuffix(paths []string, suffix string) int {
	n := 0
	for _, p := range paths {
		if strings.HasSuffix(p, suffix) {
			n++
		}
	}
	return n
}

func startWatcher(t *testing.T, roots []string, h Handler, opts ...Option) *Watcher {
	t.Helper()
	w := New(roots, []string{".json", ".yaml"}, h, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		w.Stop()
		cancel()
	})
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	return w
}

func TestWatcher_AddRemoveDirectories(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, nil, &fakeHandler{})

	if err := w.AddDirectory(dir, false); err != nil {
		t.Fatal(err)
	}
	if err := w.AddDirectory(dir, false); err != nil {
		t.Fatal(err)
	}
	dirs := w.Directories()
	if len(dirs) != 1 || dirs[0] != filepath.Clean(dir) {
		t.Errorf("Directories() = %v", dirs)
	}
	if err := w.RemoveDirectory(dir); err != nil {
		t.Fatal(err)
	}
	if len(w.Directories()) != 0 {
		t.Errorf("after remove: %v", w.Directories())
	}
}

func TestWatcher_DebouncesBurstOfWrites(t *testing.T) {
	dir := t.TempDir()
	h := &fakeHandler{}
	startWatcher(t, []string{dir}, h, WithDebounce(150*time.Millisecond))

	path := filepath.Join(dir, "a.json")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte(`{"n":`+string(rune('0'+i))+`}`), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		imported, _ := h.snapshot()
		return len(imported) > 0
	})
	time.Sleep(300 * time.Millisecond)
	imported, _ := h.snapshot()
	if countSuffix(imported, "a.json") != 1 {
		t.Errorf("burst should import once, got %v", imported)
	}
	if countSuffix(imported, "notes.txt") != 0 {
		t.Errorf("filtered extension imported: %v", imported)
	}
}

func TestWatcher_RemoveFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.yaml")
	if err := os.WriteFile(path, []byte("a: 1"), 0644); err != nil {
		t.Fatal(err)
	}
	h := &fakeHandler{}
	startWatcher(t, []string{dir}, h)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, removed := h.snapshot()
		return countSuffix(removed, "a.yaml") == 1
	})
}

func TestWatcher_NewDirectoryIsImported(t *testing.T) {
	dir := t.TempDir()
	h := &fakeHandler{}
	startWatcher(t, []string{dir}, h)

	nested := filepath.Join(dir, "level1", "level2")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(nested, "deep.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		imported, _ := h.snapshot()
		return countSuffix(imported, "deep.json") >= 1
	})
}

func TestWatcher_SyncExistingFiles(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{"a.json": "{}", "sub/b.yaml": "a: 1", "ignore.xyz": "x"} {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name      string
		recursive bool
		want      int
	}{
		{"recursive", true, 2},
		{"top level only", false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &fakeHandler{}
			w := startWatcher(t, []string{dir}, h, WithRecursive(tt.recursive))
			w.SyncExistingFiles()
			imported, _ := h.snapshot()
			if len(imported) != tt.want {
				t.Errorf("imported %v, want %d files", imported, tt.want)
			}
		})
	}
}

func TestWatcher_StartCreatesMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "inbox", "incoming")
	startWatcher(t, []string{root}, nil)
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root directory should exist after Start: %v", err)
	}
}

func TestMatchExtension(t *testing.T) {
	tests := []struct {
		path       string
		extensions []string
		want       bool
	}{
		{"/a/b.json", []string{".json"}, true},
		{"/a/b.JSON", []string{"json"}, true},
		{"/a/b.md", []string{".json"}, false},
		{"/a/b", nil, true},
		{"/a/b", []string{}, true},
	}
	for _, tt := range tests {
		if got := matchExtension(tt.path, tt.extensions); got != tt.want {
			t.Errorf("matchExtension(%q, %v) = %v, want %v", tt.path, tt.extensions, got, tt.want)
		}
	}
}

func TestInDir(t *testing.T) {
	tests := []struct {
		dir  string
		path string
		want bool
	}{
		{"/tmp/a", "/tmp/a", true},
		{"/tmp/a", "/tmp/a/b.json", true},
		{"/tmp/a", "/tmp/b", false},
		{"/tmp/a", "/tmp/a/../b", false},
	}
	for _, tt := range tests {
		if got := inDir(tt.dir, tt.path); got != tt.want {
			t.Errorf("inDir(%q, %q) = %v, want %v", tt.dir, tt.path, got, tt.want)
		}
	}
}
