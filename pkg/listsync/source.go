package listsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotModified is returned by a Source when the remote list did not change.
var ErrNotModified = errors.New("list not modified")

// Source produces the content of a list.
type Source interface {
	// Download writes the list to w and returns the remote modification time, zero when
	// the source does not report one. since is the remote modification time of the
	// current local copy, zero when unknown.
	Download(ctx context.Context, w io.Writer, since time.Time) (time.Time, error)
	String() string
}

// HTTPSource downloads a list from a URL.
type HTTPSource struct {
	url       string
	client    *http.Client
	userAgent string
}

// NewHTTPSource returns a source for url. client may be nil.
func NewHTTPSource(url string, client *http.Client, userAgent string) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	return &HTTPSource{url: url, client: client, userAgent: userAgent}
}

// String implements Source.
func (s *HTTPSource) String() string {
	return s.url
}

// Download implements Source.
func (s *HTTPSource) Download(ctx context.Context, w io.Writer, since time.Time) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return time.Time{}, err
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	if !since.IsZero() {
		req.Header.Set("If-Modified-Since", since.UTC().Format(http.TimeFormat))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return since, ErrNotModified
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return time.Time{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return time.Time{}, err
	}

	// A missing or malformed header leaves the zero time, which disables conditional requests.
	modified, _ := http.ParseTime(resp.Header.Get("Last-Modified"))
	return modified, nil
}
