package rangeindex

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync/atomic"
)

// Index answers membership queries against the merged ranges of one list file.
// Reload replaces the snapshot wholesale; readers holding the previous snapshot are
// never affected.
type Index struct {
	path     string
	snapshot atomic.Pointer[[]Range]
}

// New returns an empty index backed by the list file at path. Call Reload to populate it.
func New(path string) *Index {
	return &Index{path: path}
}

// Path returns the backing list file.
func (i *Index) Path() string {
	return i.path
}

// Loaded reports whether at least one reload succeeded.
func (i *Index) Loaded() bool {
	return i.snapshot.Load() != nil
}

// Reload parses the backing file and publishes a new merged snapshot. On any error the
// previous snapshot stays active.
func (i *Index) Reload() error {
	f, err := os.Open(i.path)
	if err != nil {
		return fmt.Errorf("could not open list %s: %w", i.path, err)
	}
	defer f.Close()

	ranges, err := Parse(f)
	if err != nil {
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			parseErr.Path = i.path
			return parseErr
		}
		return fmt.Errorf("could not read list %s: %w", i.path, err)
	}

	merged := Merge(ranges)
	i.snapshot.Store(&merged)
	return nil
}

// Contains reports whether ip falls inside any range of the current snapshot.
// Malformed input reports false.
func (i *Index) Contains(ip string) bool {
	v, ok := ParseIPv4(ip)
	if !ok {
		return false
	}
	return i.containsValue(v)
}

func (i *Index) containsValue(v uint32) bool {
	snap := i.snapshot.Load()
	if snap == nil {
		return false
	}
	ranges := *snap
	idx := sort.Search(len(ranges), func(k int) bool { return ranges[k].End >= v })
	return idx < len(ranges) && ranges[idx].Start <= v
}

// Ranges returns a copy of the current merged snapshot.
func (i *Index) Ranges() []Range {
	snap := i.snapshot.Load()
	if snap == nil {
		return nil
	}
	out := make([]Range, len(*snap))
	copy(out, *snap)
	return out
}

// Len returns the number of merged ranges in the current snapshot.
func (i *Index) Len() int {
	snap := i.snapshot.Load()
	if snap == nil {
		return 0
	}
	return len(*snap)
}

// Parse reads a list in the line-oriented CIDR format. Blank lines and lines starting
// with '#' are skipped. The first malformed entry aborts parsing with a *ParseError.
func Parse(r io.Reader) ([]Range, error) {
	var ranges []Range
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rng, err := ParseCIDR(line)
		if err != nil {
			return nil, &ParseError{Line: lineNo, Text: line, Err: err}
		}
		ranges = append(ranges, rng)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ranges, nil
}
