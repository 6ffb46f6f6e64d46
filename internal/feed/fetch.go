package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/htaguchi/bidwatch/internal/config"
	"github.com/htaguchi/bidwatch/internal/normalize"
)

const defaultUserAgent = "bidwatch/0.1 (+https://github.com/htaguchi/bidwatch)"

// maxFeedBody bounds how much of a feed document is read into memory.
const maxFeedBody = 8 << 20 // 8 MiB

// defaultSourceTimeout applies when a source carries no positive timeout.
const defaultSourceTimeout = 20 * time.Second

// HTTPFetcher fetches and parses feed sources over HTTP.
//
// Each source gets retries+1 attempts with linear backoff. gofeed does not
// accept a custom http.Client directly, so the document is fetched first and
// the bytes handed to the parser.
type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string

	// Sleep is called between retry attempts. Injectable so tests run
	// without real waiting.
	Sleep func(time.Duration)

	// Now supplies FetchedAt timestamps. Defaults to time.Now.
	Now func() time.Time
}

// NewHTTPFetcher returns a fetcher with production defaults.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		Client:    &http.Client{},
		UserAgent: defaultUserAgent,
		Sleep:     time.Sleep,
		Now:       time.Now,
	}
}

// FetchAll fetches every enabled source and aggregates results.
// An individual source failure never surfaces as an error; it is recorded
// and the remaining sources still contribute items.
func (f *HTTPFetcher) FetchAll(ctx context.Context, sources []config.Source) ([]Item, []SourceFailure) {
	var items []Item
	var failures []SourceFailure
	for i := range sources {
		src := &sources[i]
		if !src.Enabled {
			continue
		}
		fetched, failure := f.fetchSource(ctx, src)
		items = append(items, fetched...)
		if failure != nil {
			failures = append(failures, *failure)
		}
	}
	return items, failures
}

// fetchSource runs the bounded retry loop for one source.
func (f *HTTPFetcher) fetchSource(ctx context.Context, src *config.Source) ([]Item, *SourceFailure) {
	attempts := src.Retries + 1
	var lastErr string
	for attempt := 1; attempt <= attempts; attempt++ {
		items, err := f.fetchOnce(ctx, src)
		if err == nil {
			return items, nil
		}
		lastErr = fmt.Sprintf("attempt %d/%d: %v", attempt, attempts, err)
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			f.sleep(time.Duration(attempt) * 300 * time.Millisecond)
		}
	}
	if lastErr == "" {
		lastErr = "unknown error"
	}
	return nil, &SourceFailure{SourceID: src.ID, SourceURL: src.URL, Error: lastErr}
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, src *config.Source) ([]Item, error) {
	timeout := time.Duration(src.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultSourceTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent())

	resp, err := f.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	fetchedAt := f.now()
	items := make([]Item, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		item, ok := f.entryToItem(src, entry, fetchedAt)
		if !ok {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// entryToItem converts one feed entry; entries without a title or link carry
// nothing deliverable and are dropped.
func (f *HTTPFetcher) entryToItem(src *config.Source, entry *gofeed.Item, fetchedAt time.Time) (Item, bool) {
	title := strings.TrimSpace(entry.Title)
	link := strings.TrimSpace(entry.Link)
	if link == "" {
		link = strings.TrimSpace(entry.GUID)
	}
	if title == "" || link == "" {
		return Item{}, false
	}
	description := strings.TrimSpace(entry.Description)
	if description == "" {
		description = strings.TrimSpace(entry.Content)
	}
	deadline, _ := normalize.ExtractDeadline(title + " " + description)
	return Item{
		SourceID:     src.ID,
		Organization: src.Organization,
		Title:        title,
		URL:          link,
		PublishedAt:  publishedAt(entry),
		FetchedAt:    fetchedAt,
		Description:  description,
		DeadlineAt:   deadline,
	}, true
}

// publishedAt picks the entry timestamp, preferring published over updated,
// and converts it to UTC.
func publishedAt(entry *gofeed.Item) *time.Time {
	for _, ts := range []*time.Time{entry.PublishedParsed, entry.UpdatedParsed} {
		if ts != nil {
			utc := ts.UTC()
			return &utc
		}
	}
	return nil
}

func (f *HTTPFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *HTTPFetcher) userAgent() string {
	if f.UserAgent != "" {
		return f.UserAgent
	}
	return defaultUserAgent
}

func (f *HTTPFetcher) sleep(d time.Duration) {
	if f.Sleep != nil {
		f.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (f *HTTPFetcher) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}
