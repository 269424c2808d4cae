package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"calview/internal/atomicfile"
	"calview/internal/config"
	appLog "calview/internal/log"
)

// MaxFeedBytes caps a single feed body.
const MaxFeedBytes = 16 << 20

// ErrFeedTooLarge is returned when a feed exceeds MaxFeedBytes.
var ErrFeedTooLarge = errors.New("feed exceeds size limit")

const (
	feedFile = "feed.ics"
	metaFile = "feed.yaml"
)

// Fetched is the body of one calendar source.
type Fetched struct {
	CalendarID string
	Body       []byte
	// Cached is set when the body came from the on-disk copy, either
	// because the server answered 304 or because it could not be reached.
	Cached bool
	// Stale is set when Cached was a fallback after a failed request.
	Stale bool
}

// feedMeta is what the cache remembers about the last good response of a
// calendar's feed.
type feedMeta struct {
	URL          string    `yaml:"url"`
	ETag         string    `yaml:"etag,omitempty"`
	LastModified string    `yaml:"last_modified,omitempty"`
	FetchedAt    time.Time `yaml:"fetched_at"`
	Bytes        int       `yaml:"bytes"`
}

// Fetcher reads calendar sources. Remote feeds are revalidated with
// If-None-Match and If-Modified-Since against a per-calendar cache that also
// stands in while the server is failing. Local files are read directly.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher returns a Fetcher caching under cacheDir. An empty cacheDir
// disables the cache.
func NewFetcher(cacheDir string) *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: 15 * time.Second},
		cacheDir: cacheDir,
	}
}

// Fetch loads the body of src.
func (f *Fetcher) Fetch(ctx context.Context, src config.CalendarSource) (Fetched, error) {
	if src.URL == "" {
		return Fetched{}, fmt.Errorf("calendar %s: no url", src.ID)
	}
	if !isRemote(src.URL) {
		body, err := readFeedFile(src.URL)
		if err != nil {
			return Fetched{}, fmt.Errorf("calendar %s: %w", src.ID, err)
		}
		appLog.Debug("ics feed read", "id", src.ID, "url", redactURL(src.URL), "bytes", len(body))
		return Fetched{CalendarID: src.ID, Body: body}, nil
	}

	dir := f.calendarDir(src.ID)
	meta, cached := f.loadCache(dir, src.URL)

	body, fresh, err := f.get(ctx, src.URL, meta)
	switch {
	case err == nil && fresh != nil:
		if dir != "" {
			if serr := saveCache(dir, *fresh, body); serr != nil {
				appLog.Error("ics cache save failed", serr, "id", src.ID)
			}
		}
		appLog.Info("ics feed fetched", "id", src.ID, "url", redactURL(src.URL), "bytes", len(body))
		return Fetched{CalendarID: src.ID, Body: body}, nil
	case err == nil:
		if cached == nil {
			return Fetched{}, fmt.Errorf("calendar %s: not modified but nothing cached", src.ID)
		}
		appLog.Debug("ics feed not modified", "id", src.ID, "url", redactURL(src.URL))
		return Fetched{CalendarID: src.ID, Body: cached, Cached: true}, nil
	case cached != nil && !errors.Is(err, context.Canceled):
		appLog.Warn("ics feed unavailable, serving cached copy",
			"id", src.ID, "url", redactURL(src.URL), "error", err.Error(), "fetched_at", meta.FetchedAt)
		return Fetched{CalendarID: src.ID, Body: cached, Cached: true, Stale: true}, nil
	default:
		return Fetched{}, fmt.Errorf("calendar %s: %w", src.ID, err)
	}
}

// get issues a conditional GET. A nil meta result with a nil error means
// the server answered 304.
func (f *Fetcher) get(ctx context.Context, rawURL string, prev feedMeta) ([]byte, *feedMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	req.Header.Set("User-Agent", "calview")
	if prev.ETag != "" {
		req.Header.Set("If-None-Match", prev.ETag)
	}
	if prev.LastModified != "" {
		req.Header.Set("If-Modified-Since", prev.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxFeedBytes+1))
	if err != nil {
		return nil, nil, err
	}
	if len(body) > MaxFeedBytes {
		return nil, nil, ErrFeedTooLarge
	}
	return body, &feedMeta{
		URL:          rawURL,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		FetchedAt:    time.Now().UTC(),
		Bytes:        len(body),
	}, nil
}

func (f *Fetcher) calendarDir(id string) string {
	if f.cacheDir == "" {
		return ""
	}
	return filepath.Join(f.cacheDir, url.PathEscape(id))
}

// loadCache returns the cached body for rawURL. A cache written for another
// URL is ignored.
func (f *Fetcher) loadCache(dir, rawURL string) (feedMeta, []byte) {
	if dir == "" {
		return feedMeta{}, nil
	}
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return feedMeta{}, nil
	}
	var meta feedMeta
	if err := yaml.Unmarshal(data, &meta); err != nil || meta.URL != rawURL {
		return feedMeta{}, nil
	}
	body, err := os.ReadFile(filepath.Join(dir, feedFile))
	if err != nil || len(body) != meta.Bytes {
		return feedMeta{}, nil
	}
	return meta, body
}

// saveCache writes the body before the metadata so metadata never describes
// a body that is not there.
func saveCache(dir string, meta feedMeta, body []byte) error {
	if err := atomicfile.Write(filepath.Join(dir, feedFile), body, 0o600); err != nil {
		return err
	}
	data, err := yaml.Marshal(&meta)
	if err != nil {
		return err
	}
	return atomicfile.Write(filepath.Join(dir, metaFile), data, 0o600)
}

func isRemote(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

func readFeedFile(rawURL string) ([]byte, error) {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Scheme == "file" {
		path = u.Path
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	body, err := io.ReadAll(io.LimitReader(fh, MaxFeedBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > MaxFeedBytes {
		return nil, ErrFeedTooLarge
	}
	return body, nil
}

// redactURL keeps only what is safe to log: scheme and host for remote
// feeds, the base name for files. Feed URLs often embed access tokens.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "(unparseable url)"
	}
	switch u.Scheme {
	case "http", "https", "webcal":
		return u.Scheme + "://" + u.Host + "/…"
	case "file":
		return "file:" + filepath.Base(u.Path)
	default:
		return "file:" + filepath.Base(strings.TrimSpace(rawURL))
	}
}
