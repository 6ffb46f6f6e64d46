package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htaguchi/bidwatch/internal/config"
)

const rssDoc = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
<title>Tender feed</title>
<item>
  <title>入札公告 システム保守業務（締切 2026年9月20日）</title>
  <link>https://city.example.jp/bid/100?utm_source=rss</link>
  <description>保守業務の一般競争入札です。</description>
  <pubDate>Mon, 31 Aug 2026 01:00:00 GMT</pubDate>
</item>
<item>
  <title>  </title>
  <link>https://city.example.jp/bid/101</link>
</item>
<item>
  <title>補助金公募のお知らせ</title>
  <guid>https://city.example.jp/grant/7</guid>
</item>
</channel></rss>`

func testFetcher(now time.Time) (*HTTPFetcher, *[]time.Duration) {
	var sleeps []time.Duration
	f := NewHTTPFetcher()
	f.Sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	f.Now = func() time.Time { return now }
	return f, &sleeps
}

func testSource(id, url string, retries int) config.Source {
	return config.Source{
		ID:           id,
		Name:         id,
		Organization: "City of Example",
		URL:          url,
		Enabled:      true,
		TimeoutSec:   5,
		Retries:      retries,
	}
}

func TestFetchAllParsesEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "bidwatch")
		fmt.Fprint(w, rssDoc)
	}))
	defer srv.Close()

	now := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	f, _ := testFetcher(now)

	items, failures := f.FetchAll(context.Background(), []config.Source{testSource("city", srv.URL, 0)})
	require.Empty(t, failures)
	require.Len(t, items, 2, "entry without a title is dropped")

	first := items[0]
	assert.Equal(t, "city", first.SourceID)
	assert.Equal(t, "City of Example", first.Organization)
	assert.Equal(t, "https://city.example.jp/bid/100?utm_source=rss", first.URL)
	assert.Equal(t, "2026-09-20", first.DeadlineAt, "deadline parsed from the title")
	require.NotNil(t, first.PublishedAt)
	assert.Equal(t, time.Date(2026, 8, 31, 1, 0, 0, 0, time.UTC), *first.PublishedAt)
	assert.Equal(t, now, first.FetchedAt)

	second := items[1]
	assert.Equal(t, "https://city.example.jp/grant/7", second.URL, "GUID used when link is absent")
	assert.Nil(t, second.PublishedAt)
	assert.Empty(t, second.DeadlineAt)
}

func TestFetchAllSkipsDisabledSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("disabled source must not be fetched")
	}))
	defer srv.Close()

	f, _ := testFetcher(time.Now())
	src := testSource("off", srv.URL, 0)
	src.Enabled = false

	items, failures := f.FetchAll(context.Background(), []config.Source{src})
	assert.Empty(t, items)
	assert.Empty(t, failures)
}

func TestFetchSourceRetriesWithBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, rssDoc)
	}))
	defer srv.Close()

	f, sleeps := testFetcher(time.Now())
	items, failures := f.FetchAll(context.Background(), []config.Source{testSource("flaky", srv.URL, 2)})

	assert.Empty(t, failures)
	assert.Len(t, items, 2)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{300 * time.Millisecond, 600 * time.Millisecond}, *sleeps)
}

func TestFetchAllAggregatesFailures(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssDoc)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()

	f, sleeps := testFetcher(time.Now())
	items, failures := f.FetchAll(context.Background(), []config.Source{
		testSource("bad", bad.URL, 1),
		testSource("good", good.URL, 0),
	})

	assert.Len(t, items, 2, "healthy source still delivers after a broken one")
	require.Len(t, failures, 1)
	assert.Equal(t, "bad", failures[0].SourceID)
	assert.Equal(t, bad.URL, failures[0].SourceURL)
	assert.Contains(t, failures[0].Error, "attempt 2/2")
	assert.Contains(t, failures[0].Error, "404")
	assert.Len(t, *sleeps, 1, "one backoff between the two attempts")
}

func TestFetchSourceRejectsUnparsableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>not a feed</body></html>")
	}))
	defer srv.Close()

	f, _ := testFetcher(time.Now())
	items, failures := f.FetchAll(context.Background(), []config.Source{testSource("html", srv.URL, 0)})
	assert.Empty(t, items)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Error, "parse feed")
}

func TestFetchSourceAppliesDefaultTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssDoc)
	}))
	defer srv.Close()

	f, _ := testFetcher(time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC))
	src := testSource("city", srv.URL, 0)
	src.TimeoutSec = 0

	items, failures := f.FetchAll(context.Background(), []config.Source{src})
	require.Empty(t, failures, "a source without a timeout gets the default, not an instant deadline")
	assert.Len(t, items, 2)
}
