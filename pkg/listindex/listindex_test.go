package listindex

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestSetIsInAny(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.txt")
	second := filepath.Join(dir, "second.txt")
	writeFile(t, first, "10.0.0.0/8\n")
	writeFile(t, second, "192.168.1.0/24\n")

	set := New([]string{first, second}, zaptest.NewLogger(t))

	tests := []struct {
		ip   string
		want bool
	}{
		{"10.20.30.40", true},
		{"192.168.1.200", true},
		{"192.168.2.1", false},
		{"8.8.8.8", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := set.IsInAny(tt.ip); got != tt.want {
				t.Fatalf("IsInAny(%q) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}

	if got := set.Matching("10.0.0.1"); len(got) != 1 || got[0] != first {
		t.Fatalf("unexpected matching lists: %v", got)
	}
}

func TestSetToleratesBrokenLists(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.txt")
	broken := filepath.Join(dir, "broken.txt")
	missing := filepath.Join(dir, "missing.txt")
	writeFile(t, good, "1.1.1.1\n")
	writeFile(t, broken, "1.2.3.4/99\n")

	var mu sync.Mutex
	failures := 0
	set := New([]string{good, broken, missing}, zaptest.NewLogger(t), WithReloadObserver(func(_ string, _ int, err error) {
		if err != nil {
			mu.Lock()
			failures++
			mu.Unlock()
		}
	}))

	if set.Len() != 3 {
		t.Fatalf("expected 3 member lists, got %d", set.Len())
	}
	if set.Loaded() != 1 {
		t.Fatalf("expected 1 loaded list, got %d", set.Loaded())
	}
	if failures != 2 {
		t.Fatalf("expected 2 failed loads to be observed, got %d", failures)
	}
	if !set.IsInAny("1.1.1.1") {
		t.Fatal("healthy list should still match")
	}

	// A list that appears later is admitted by a reload.
	writeFile(t, missing, "9.9.9.9\n")
	if err := set.Reload(missing); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !set.IsInAny("9.9.9.9") {
		t.Fatal("reloaded list should match")
	}

	if err := set.Reload(filepath.Join(dir, "unknown.txt")); err == nil {
		t.Fatal("expected error for a path outside the set")
	}
}

func TestSetDeduplicatesPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "list.txt")
	writeFile(t, path, "1.1.1.1\n")

	set := New([]string{path, path, filepath.Join(dir, ".", "list.txt")}, zaptest.NewLogger(t))
	if set.Len() != 1 {
		t.Fatalf("expected duplicate paths to collapse, got %d", set.Len())
	}
}

func TestSetWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "list.txt")
	writeFile(t, path, "1.1.1.1\n")

	set := New([]string{path}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- set.Watch(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	tmp := filepath.Join(dir, "list.txt.tmp")
	writeFile(t, tmp, "2.2.2.2\n")
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for !set.IsInAny("2.2.2.2") {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not reload the replaced list")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if set.IsInAny("1.1.1.1") {
		t.Fatal("old entries should be gone after reload")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancellation")
	}
}
