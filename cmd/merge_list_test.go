package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMergeList(t *testing.T) {
	input := "# feed\n192.168.1.1\n10.0.0.128/25\n\n10.0.0.0/25\n192.168.1.1/32\n10.0.1.0/31\n10.0.1.2\n"

	output, before, after, err := mergeList([]byte(input))
	if err != nil {
		t.Fatal(err)
	}
	want := "10.0.0.0/24\n10.0.1.0/31\n10.0.1.2/32\n192.168.1.1/32\n"
	if output != want {
		t.Fatalf("got\n%s\nwant\n%s", output, want)
	}
	if before != 6 || after != 4 {
		t.Fatalf("counts = %d -> %d", before, after)
	}

	if _, _, _, err := mergeList([]byte("10.0.0.0/33\n")); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestMergeListOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feed.txt")
	if err := os.WriteFile(path, []byte("10.0.0.128/25\n10.0.0.0/25\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	before, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	mergeListFile, mergeListOverwrite = path, true
	t.Cleanup(func() { mergeListFile, mergeListOverwrite = "", false })
	var stderr strings.Builder
	mergeListCmd.SetErr(&stderr)
	t.Cleanup(func() { mergeListCmd.SetErr(nil) })

	if err := mergeListCmd.RunE(mergeListCmd, nil); err != nil {
		t.Fatalf("merge-list: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "10.0.0.0/24\n" {
		t.Fatalf("unexpected content %q", got)
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if after.Mode().Perm() != 0o640 {
		t.Fatalf("mode = %v, want 0640", after.Mode().Perm())
	}
	if os.SameFile(before, after) {
		t.Fatal("the list must be replaced by rename, not rewritten in place")
	}
	if stderr.String() != "2 entries merged into 1 CIDRs\n" {
		t.Fatalf("unexpected summary %q", stderr.String())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}
