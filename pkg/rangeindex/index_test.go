package rangeindex

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func writeList(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write list: %v", err)
	}
	return path
}

func TestIndexReload(t *testing.T) {
	t.Run("redundant entries merge into one range", func(t *testing.T) {
		path := writeList(t, t.TempDir(), "list.txt", "# corporate\n10.0.0.0/8\n\n10.1.2.3\n")
		idx := New(path)
		if err := idx.Reload(); err != nil {
			t.Fatalf("reload: %v", err)
		}
		ranges := idx.Ranges()
		if len(ranges) != 1 || ranges[0].String() != "10.0.0.0-10.255.255.255" {
			t.Fatalf("unexpected ranges: %v", ranges)
		}
		if !idx.Contains("10.1.2.3") {
			t.Error("expected 10.1.2.3 to be contained")
		}
		if idx.Contains("11.0.0.0") {
			t.Error("expected 11.0.0.0 not to be contained")
		}
	})

	t.Run("boundaries are inclusive", func(t *testing.T) {
		path := writeList(t, t.TempDir(), "list.txt", "1.2.3.0/24\n1.2.4.0/24\n")
		idx := New(path)
		if err := idx.Reload(); err != nil {
			t.Fatalf("reload: %v", err)
		}
		for _, ip := range []string{"1.2.3.0", "1.2.3.255", "1.2.4.0", "1.2.4.255", "1.2.4.17"} {
			if !idx.Contains(ip) {
				t.Errorf("expected %s to be contained", ip)
			}
		}
		for _, ip := range []string{"1.2.2.255", "1.2.5.0", "0.0.0.0", "255.255.255.255"} {
			if idx.Contains(ip) {
				t.Errorf("expected %s not to be contained", ip)
			}
		}
		if idx.Len() != 1 {
			t.Errorf("expected adjacent ranges to merge, got %d ranges", idx.Len())
		}
	})

	t.Run("malformed input never matches", func(t *testing.T) {
		path := writeList(t, t.TempDir(), "list.txt", "0.0.0.0/0\n")
		idx := New(path)
		if err := idx.Reload(); err != nil {
			t.Fatalf("reload: %v", err)
		}
		for _, ip := range []string{"", "1.2.3", "999.1.1.1", "not-an-ip", "::1"} {
			if idx.Contains(ip) {
				t.Errorf("expected %q not to be contained", ip)
			}
		}
	})

	t.Run("parse failure keeps the previous snapshot", func(t *testing.T) {
		dir := t.TempDir()
		path := writeList(t, dir, "list.txt", "192.168.0.0/16\n")
		idx := New(path)
		if err := idx.Reload(); err != nil {
			t.Fatalf("reload: %v", err)
		}

		writeList(t, dir, "list.txt", "10.0.0.0/8\n10.0.0.0/40\n")
		err := idx.Reload()
		var parseErr *ParseError
		if !errors.As(err, &parseErr) {
			t.Fatalf("expected ParseError, got %v", err)
		}
		if parseErr.Line != 2 || parseErr.Path != path {
			t.Fatalf("unexpected error location: %+v", parseErr)
		}
		if !idx.Contains("192.168.1.1") {
			t.Error("previous snapshot should remain active")
		}
		if idx.Contains("10.0.0.1") {
			t.Error("failed reload must not publish partial results")
		}
	})

	t.Run("missing file reports an error and leaves index empty", func(t *testing.T) {
		idx := New(filepath.Join(t.TempDir(), "missing.txt"))
		err := idx.Reload()
		if err == nil || !strings.Contains(err.Error(), "could not open list") {
			t.Fatalf("expected open error, got %v", err)
		}
		if idx.Loaded() {
			t.Error("index should not be loaded")
		}
		if idx.Contains("1.2.3.4") {
			t.Error("empty index should not match")
		}
	})
}

func TestParse(t *testing.T) {
	ranges, err := Parse(strings.NewReader("  # comment\n\n  8.8.8.8  \n# 1.1.1.1\n9.9.9.0/24\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ranges) != 2 {
		t.Fatalf("expected 2 ranges, got %v", ranges)
	}

	_, err = Parse(strings.NewReader("8.8.8.8\n8.8.8\n"))
	var parseErr *ParseError
	if !errors.As(err, &parseErr) || parseErr.Line != 2 || parseErr.Text != "8.8.8" {
		t.Fatalf("expected ParseError on line 2, got %v", err)
	}
}

// TestIndexConcurrentReload exercises readers racing a writer; run with -race.
func TestIndexConcurrentReload(t *testing.T) {
	dir := t.TempDir()
	path := writeList(t, dir, "list.txt", "10.0.0.0/8\n")
	idx := New(path)
	if err := idx.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					if !idx.Contains("10.20.30.40") {
						t.Error("address covered by every snapshot was not found")
						return
					}
				}
			}
		}()
	}

	for i := range 50 {
		content := "10.0.0.0/8\n"
		if i%2 == 0 {
			content += "172.16.0.0/12\n"
		}
		writeList(t, dir, "list.txt", content)
		if err := idx.Reload(); err != nil {
			t.Errorf("reload %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()
}
