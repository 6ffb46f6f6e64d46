package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htaguchi/bidwatch/internal/config"
	"github.com/htaguchi/bidwatch/internal/feed"
	"github.com/htaguchi/bidwatch/internal/store"
	"github.com/htaguchi/bidwatch/internal/testutil"
)

type fakeFetcher struct {
	items    []feed.Item
	failures []feed.SourceFailure
}

func (f *fakeFetcher) FetchAll(ctx context.Context, sources []config.Source) ([]feed.Item, []feed.SourceFailure) {
	return f.items, f.failures
}

type sentMail struct {
	to      string
	subject string
	body    string
}

type fakeSender struct {
	sent    []sentMail
	failTo  string
	failErr error
}

func (f *fakeSender) Send(ctx context.Context, to, subject, body string) error {
	if f.failTo != "" && to == f.failTo {
		return f.failErr
	}
	f.sent = append(f.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func tenderItem(n int, fetched time.Time) feed.Item {
	return feed.Item{
		SourceID:     "city",
		Organization: "堺市",
		Title:        fmt.Sprintf("入札公告 清掃業務 第%d号", n),
		URL:          fmt.Sprintf("https://city.example.jp/bid/%d", n),
		FetchedAt:    fetched,
	}
}

func itSet(topN int) config.KeywordSet {
	return config.KeywordSet{
		ID:                 "it",
		Name:               "IT調達",
		Enabled:            true,
		MinRequiredMatches: 1,
		Required:           []string{"入札"},
		Boost:              []string{"清掃"},
		TopN:               topN,
	}
}

func testDeps(t *testing.T, st *store.Store, fetch Fetcher, mail *fakeSender, now time.Time) Deps {
	t.Helper()
	clock := testutil.NewClock(now)
	deps := Deps{
		Store:    st,
		Fetch:    fetch,
		Now:      clock.Now,
		NewRunID: func(now time.Time) string { return "run-test" },
	}
	if mail != nil {
		deps.Mail = mail
	}
	return deps
}

func TestRunDeliversOnceAndRecords(t *testing.T) {
	st := openTestStore(t)
	now := time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC)
	fetch := &fakeFetcher{items: []feed.Item{tenderItem(1, now), tenderItem(2, now)}}
	mail := &fakeSender{}

	opts := Options{
		Sources:            []config.Source{},
		Sets:               []config.KeywordSet{itSet(10)},
		AdminEmail:         "admin@example.com",
		SendAdminCopy:      true,
		UnsubscribeContact: "admin@example.com",
	}
	result, err := Run(context.Background(), testDeps(t, st, fetch, mail, now), opts)
	require.NoError(t, err)

	assert.Equal(t, "run-test", result.RunID)
	assert.Equal(t, 2, result.FetchedCount)
	assert.True(t, result.DigestSent)
	assert.Equal(t, []string{"admin@example.com"}, result.Recipients)
	require.Len(t, result.SelectedBySet["it"], 2)
	assert.Equal(t, 13, result.SelectedBySet["it"][0].Scored.Score)

	require.Len(t, mail.sent, 1)
	assert.Contains(t, mail.sent[0].subject, "入札/公募サマリ")
	assert.Contains(t, mail.sent[0].body, "入札公告 清掃業務 第1号")

	// A second run over the same feed content finds nothing new.
	mail.sent = nil
	result, err = Run(context.Background(), testDeps(t, st, fetch, mail, now.Add(time.Hour)), opts)
	require.NoError(t, err)
	assert.Empty(t, result.SelectedBySet["it"])
	require.Len(t, mail.sent, 1, "digest still goes out, reporting zero new items")
	assert.Contains(t, mail.sent[0].body, "- 0件")
}

func TestRunDryRunSendsNothingAndRecordsNothing(t *testing.T) {
	st := openTestStore(t)
	now := time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC)
	fetch := &fakeFetcher{items: []feed.Item{tenderItem(1, now)}}
	mail := &fakeSender{}

	opts := Options{
		Sets:          []config.KeywordSet{itSet(10)},
		AdminEmail:    "admin@example.com",
		SendAdminCopy: true,
		DryRun:        true,
	}
	result, err := Run(context.Background(), testDeps(t, st, fetch, mail, now), opts)
	require.NoError(t, err)
	assert.False(t, result.DigestSent)
	assert.Len(t, result.SelectedBySet["it"], 1)
	assert.Empty(t, mail.sent)

	// The dry run recorded no deliveries, so a live run still sees the item.
	result, err = Run(context.Background(), testDeps(t, st, fetch, mail, now.Add(time.Hour)), Options{
		Sets:          opts.Sets,
		AdminEmail:    opts.AdminEmail,
		SendAdminCopy: true,
	})
	require.NoError(t, err)
	assert.Len(t, result.SelectedBySet["it"], 1)
	assert.True(t, result.DigestSent)
}

func TestRunFailedSendWithholdsLedger(t *testing.T) {
	st := openTestStore(t)
	now := time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC)
	fetch := &fakeFetcher{items: []feed.Item{tenderItem(1, now)}}
	mail := &fakeSender{failTo: "admin@example.com", failErr: errors.New("smtp refused")}

	opts := Options{
		Sets:          []config.KeywordSet{itSet(10)},
		AdminEmail:    "admin@example.com",
		SendAdminCopy: true,
	}
	_, err := Run(context.Background(), testDeps(t, st, fetch, mail, now), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send digest")

	// The item stays eligible: a working send next run delivers it.
	mail.failTo = ""
	result, err := Run(context.Background(), testDeps(t, st, fetch, mail, now.Add(time.Hour)), opts)
	require.NoError(t, err)
	assert.Len(t, result.SelectedBySet["it"], 1)
}

func TestRunGlobalCapSpendsBudgetInDeclaredOrder(t *testing.T) {
	st := openTestStore(t)
	now := time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC)

	var items []feed.Item
	for n := 1; n <= 6; n++ {
		items = append(items, tenderItem(n, now))
	}
	fetch := &fakeFetcher{items: items}

	second := itSet(10)
	second.ID = "cleaning"
	second.Name = "清掃"

	opts := Options{
		Sets:          []config.KeywordSet{itSet(10), second},
		AdminEmail:    "admin@example.com",
		SendAdminCopy: true,
		MaxTotalItems: 8,
		DryRun:        true,
	}
	result, err := Run(context.Background(), testDeps(t, st, fetch, nil, now), opts)
	require.NoError(t, err)

	// Both sets match all six items. The first set takes its six; the second
	// set gets only the remaining two.
	assert.Len(t, result.SelectedBySet["it"], 6)
	assert.Len(t, result.SelectedBySet["cleaning"], 2)
}

func TestRunTopNTruncatesPerSet(t *testing.T) {
	st := openTestStore(t)
	now := time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC)
	var items []feed.Item
	for n := 1; n <= 5; n++ {
		items = append(items, tenderItem(n, now))
	}
	opts := Options{
		Sets:          []config.KeywordSet{itSet(3)},
		AdminEmail:    "admin@example.com",
		SendAdminCopy: true,
		DryRun:        true,
	}
	result, err := Run(context.Background(), testDeps(t, st, &fakeFetcher{items: items}, nil, now), opts)
	require.NoError(t, err)
	assert.Len(t, result.SelectedBySet["it"], 3)
}

func TestRunCollapsesDuplicateURLs(t *testing.T) {
	st := openTestStore(t)
	now := time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC)

	a := tenderItem(1, now)
	b := tenderItem(1, now)
	b.URL = a.URL + "?utm_source=rss"

	opts := Options{
		Sets:          []config.KeywordSet{itSet(10)},
		AdminEmail:    "admin@example.com",
		SendAdminCopy: true,
		DryRun:        true,
	}
	result, err := Run(context.Background(), testDeps(t, st, &fakeFetcher{items: []feed.Item{a, b}}, nil, now), opts)
	require.NoError(t, err)
	assert.Len(t, result.SelectedBySet["it"], 1, "tracking-noise variant maps to the same item")
}

func TestRunRecipientsIncludeActiveSubscribers(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC)

	for _, email := range []string{"a@example.com", "b@example.com"} {
		require.NoError(t, st.UpsertSubscriber(ctx, store.Subscriber{
			Email: email, EmailNorm: email, Status: "active", Plan: "standard",
			KeywordSets: `["all"]`, CreatedAt: now, UpdatedAt: now,
		}))
	}
	require.NoError(t, st.UpsertSubscriber(ctx, store.Subscriber{
		Email: "gone@example.com", EmailNorm: "gone@example.com", Status: "stopped",
		Plan: "standard", KeywordSets: `["all"]`, CreatedAt: now, UpdatedAt: now,
	}))

	mail := &fakeSender{}
	opts := Options{
		Sets:          []config.KeywordSet{itSet(10)},
		AdminEmail:    "admin@example.com",
		SendAdminCopy: true,
	}
	result, err := Run(ctx, testDeps(t, st, &fakeFetcher{}, mail, now), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com", "admin@example.com"}, result.Recipients)
	assert.Len(t, mail.sent, 3)

	// Without the admin copy the admin is left out while others subscribe.
	opts.SendAdminCopy = false
	result, err = Run(ctx, testDeps(t, st, &fakeFetcher{}, mail, now), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, result.Recipients)
}

func TestRunAdminFallbackWhenNoActives(t *testing.T) {
	st := openTestStore(t)
	now := time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC)
	mail := &fakeSender{}

	opts := Options{
		Sets:          []config.KeywordSet{itSet(10)},
		AdminEmail:    "admin@example.com",
		SendAdminCopy: false,
	}
	result, err := Run(context.Background(), testDeps(t, st, &fakeFetcher{}, mail, now), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin@example.com"}, result.Recipients,
		"admin receives the digest when nobody else would")
}

func TestRunSourceFailuresAppearInDigest(t *testing.T) {
	st := openTestStore(t)
	now := time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC)
	fetch := &fakeFetcher{
		failures: []feed.SourceFailure{{SourceID: "pref", SourceURL: "https://pref.example.jp/rss", Error: "attempt 3/3: http status 503"}},
	}
	mail := &fakeSender{}
	opts := Options{
		Sets:          []config.KeywordSet{itSet(10)},
		AdminEmail:    "admin@example.com",
		SendAdminCopy: true,
	}
	result, err := Run(context.Background(), testDeps(t, st, fetch, mail, now), opts)
	require.NoError(t, err)
	assert.Len(t, result.Failures, 1)
	require.Len(t, mail.sent, 1)
	assert.Contains(t, mail.sent[0].body, "取得失敗ソース")
	assert.Contains(t, mail.sent[0].body, "pref")
}
