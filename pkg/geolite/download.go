package geolite

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

var gzipMagic = []byte{0x1f, 0x8b, 0x08}

type archiveKind int

const (
	archiveSniff archiveKind = iota
	archiveMMDB
	archiveTarGz
)

// kindForURL classifies a download by its suffix. Query strings are part of the match so
// MaxMind permalinks ending in "suffix=tar.gz" are recognized.
func kindForURL(url string) archiveKind {
	lower := strings.ToLower(url)
	switch {
	case strings.HasSuffix(lower, ".mmdb"):
		return archiveMMDB
	case strings.HasSuffix(lower, "tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return archiveTarGz
	default:
		return archiveSniff
	}
}

// needsDownload reports whether path is absent or older than maxAge.
func needsDownload(path string, maxAge time.Duration, now time.Time) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return info.ModTime().Before(now.Add(-maxAge)), nil
}

// download fetches url and installs the database named by its base name at dest.
func download(ctx context.Context, client *http.Client, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	return install(resp.Body, kindForURL(url), dest)
}

// install writes the database contained in r at dest, extracting it from a tar.gz
// archive when needed.
func install(r io.Reader, kind archiveKind, dest string) error {
	if kind == archiveSniff {
		br := bufio.NewReader(r)
		head, err := br.Peek(len(gzipMagic))
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		kind = archiveMMDB
		if bytes.Equal(head, gzipMagic) {
			kind = archiveTarGz
		}
		r = br
	}

	if kind == archiveTarGz {
		return installFromTarGz(r, dest)
	}
	return writeAtomically(r, dest, nil)
}

// installFromTarGz extracts the member named after dest. The whole gzip stream is read
// before the file is published so a truncated or corrupt archive fails its checksum.
func installFromTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("could not open gzip stream: %w", err)
	}
	defer gz.Close()

	member, err := findTarMember(tar.NewReader(gz), filepath.Base(dest))
	if err != nil {
		return err
	}
	return writeAtomically(member, dest, func() error {
		if _, err := io.Copy(io.Discard, gz); err != nil {
			return fmt.Errorf("could not verify archive: %w", err)
		}
		return gz.Close()
	})
}

// findTarMember advances tr to the regular file whose base name is name.
func findTarMember(tr *tar.Reader, name string) (io.Reader, error) {
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s not found in archive", name)
		}
		if err != nil {
			return nil, fmt.Errorf("could not read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if filepath.Base(hdr.Name) == name {
			return tr, nil
		}
	}
}

// writeAtomically streams r into a temporary file next to dest and renames it into place.
// verify, when set, runs after the copy and can veto the rename.
func writeAtomically(r io.Reader, dest string, verify func() error) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if verify != nil {
		if err := verify(); err != nil {
			return err
		}
	}
	return os.Rename(tmpName, dest)
}
