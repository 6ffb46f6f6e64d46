// Package pipeline orchestrates one batch run: fetch, rank, dedupe against
// the delivery ledger, cap, send the digest, and record what was sent.
//
// The delivery ledger is only written after every recipient accepted the
// digest. A failed send therefore leaves the items eligible for the next
// run instead of silently dropping them.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/htaguchi/bidwatch/internal/config"
	"github.com/htaguchi/bidwatch/internal/feed"
	"github.com/htaguchi/bidwatch/internal/mailer"
	"github.com/htaguchi/bidwatch/internal/score"
	"github.com/htaguchi/bidwatch/internal/store"
	"github.com/htaguchi/bidwatch/internal/subscribers"
)

// RetentionDays is how long items and deliveries are kept.
const RetentionDays = 30

const defaultMaxTotalItems = 30

// Fetcher acquires items from the configured sources.
type Fetcher interface {
	FetchAll(ctx context.Context, sources []config.Source) ([]feed.Item, []feed.SourceFailure)
}

// Deps are the pipeline's collaborators. Mail may be nil for dry runs.
type Deps struct {
	Store *store.Store
	Fetch Fetcher
	Mail  mailer.Sender
	Log   *slog.Logger

	// Now and NewRunID are injectable for tests; nil means production
	// defaults.
	Now      func() time.Time
	NewRunID func(now time.Time) string
}

// Options control one run.
type Options struct {
	Sources            []config.Source
	Sets               []config.KeywordSet
	AdminEmail         string
	MaxTotalItems      int // 0 means the default of 30
	SendAdminCopy      bool
	UnsubscribeContact string
	DryRun             bool
}

// Selected is one item chosen for delivery, carrying its store row id.
type Selected struct {
	ItemID int64
	Scored score.Scored
}

// Result summarizes one run.
type Result struct {
	RunID         string
	FetchedCount  int
	SelectedBySet map[string][]Selected
	Failures      []feed.SourceFailure
	Recipients    []string
	DigestSent    bool
}

// NewRunID builds a sortable run identifier: UTC timestamp plus a short
// random suffix.
func NewRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return now.UTC().Format("20060102T150405Z") + "-" + suffix
}

// Run executes the pipeline once.
func Run(ctx context.Context, deps Deps, opts Options) (*Result, error) {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	now := time.Now
	if deps.Now != nil {
		now = deps.Now
	}
	newRunID := NewRunID
	if deps.NewRunID != nil {
		newRunID = deps.NewRunID
	}

	items, failures := deps.Fetch.FetchAll(ctx, opts.Sources)
	log.Info("fetch complete", "items", len(items), "failed_sources", len(failures))

	ranked := score.Rank(items, opts.Sets)

	// Items are upserted even on dry runs so repeated dry runs observe the
	// same merge behavior a live run would.
	idByURL := make(map[string]int64, len(items))
	for _, item := range items {
		id, err := deps.Store.UpsertItem(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("upsert items: %w", err)
		}
		idByURL[item.URL] = id
	}

	selected := make(map[string][]Selected, len(opts.Sets))
	for i := range opts.Sets {
		set := &opts.Sets[i]
		if !set.Enabled {
			continue
		}
		records, err := selectForSet(ctx, deps.Store, set, ranked[set.ID], idByURL)
		if err != nil {
			return nil, fmt.Errorf("select for set %s: %w", set.ID, err)
		}
		selected[set.ID] = records
	}
	applyGlobalCap(opts.Sets, selected, opts.MaxTotalItems)

	recipients, err := resolveRecipients(ctx, deps.Store, opts)
	if err != nil {
		return nil, err
	}

	runID := newRunID(now())
	result := &Result{
		RunID:         runID,
		FetchedCount:  len(items),
		SelectedBySet: selected,
		Failures:      failures,
		Recipients:    recipients,
	}

	if opts.DryRun {
		if err := deps.Store.PurgeOlderThan(ctx, RetentionDays, now()); err != nil {
			return result, fmt.Errorf("purge: %w", err)
		}
		log.Info("dry run complete", "run_id", runID, "selected", countSelected(selected))
		return result, nil
	}

	if deps.Mail == nil {
		return result, fmt.Errorf("mail sender is required for a live run")
	}

	nowJST := now().In(mailer.JST)
	subject := mailer.DigestSubject(nowJST)
	body := mailer.DigestBody(nowJST, opts.Sets, scoredBySet(selected), failures, opts.UnsubscribeContact)

	for _, recipient := range recipients {
		if err := deps.Mail.Send(ctx, recipient, subject, body); err != nil {
			return result, fmt.Errorf("send digest: %w", err)
		}
	}
	result.DigestSent = true

	deliveredAt := now()
	for setID, records := range selected {
		rows := make([]store.Delivery, 0, len(records))
		for _, rec := range records {
			rows = append(rows, store.Delivery{ItemID: rec.ItemID, Score: rec.Scored.Score})
		}
		if err := deps.Store.RecordDeliveries(ctx, runID, setID, rows, deliveredAt); err != nil {
			return result, fmt.Errorf("record deliveries: %w", err)
		}
	}
	if err := deps.Store.PurgeOlderThan(ctx, RetentionDays, now()); err != nil {
		return result, fmt.Errorf("purge: %w", err)
	}

	log.Info("run complete",
		"run_id", runID,
		"fetched", len(items),
		"selected", countSelected(selected),
		"failures", len(failures),
		"recipients", len(recipients),
	)
	return result, nil
}

// selectForSet maps ranked items to store ids, drops anything already in the
// delivery ledger for this set, collapses duplicate ids (two entries can
// canonicalize to the same URL), and truncates to the set's TopN.
func selectForSet(ctx context.Context, st *store.Store, set *config.KeywordSet, ranked []score.Scored, idByURL map[string]int64) ([]Selected, error) {
	stored := make([]Selected, 0, len(ranked))
	ids := make([]int64, 0, len(ranked))
	for _, rec := range ranked {
		id, ok := idByURL[rec.Item.URL]
		if !ok {
			continue
		}
		stored = append(stored, Selected{ItemID: id, Scored: rec})
		ids = append(ids, id)
	}
	if len(stored) == 0 {
		return nil, nil
	}

	delivered, err := st.DeliveredItemIDs(ctx, set.ID, ids)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(stored))
	out := make([]Selected, 0, len(stored))
	for _, rec := range stored {
		if delivered[rec.ItemID] || seen[rec.ItemID] {
			continue
		}
		seen[rec.ItemID] = true
		out = append(out, rec)
		if set.TopN > 0 && len(out) >= set.TopN {
			break
		}
	}
	return out, nil
}

// applyGlobalCap spends the run-wide item budget across sets in declared
// order. Later sets get whatever remains, possibly nothing.
func applyGlobalCap(sets []config.KeywordSet, selected map[string][]Selected, maxTotal int) {
	budget := maxTotal
	if budget <= 0 {
		budget = defaultMaxTotalItems
	}
	for i := range sets {
		set := &sets[i]
		records := selected[set.ID]
		if len(records) > budget {
			records = records[:budget]
			selected[set.ID] = records
		}
		budget -= len(records)
	}
}

// resolveRecipients returns active subscribers plus the admin when the admin
// copy is enabled or nobody else would receive the digest.
func resolveRecipients(ctx context.Context, st *store.Store, opts Options) ([]string, error) {
	actives, err := st.ActiveSubscriberEmails(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	recipients := actives
	if opts.AdminEmail != "" && (opts.SendAdminCopy || len(actives) == 0) {
		adminNorm := subscribers.NormalizeEmail(opts.AdminEmail)
		duplicate := false
		for _, email := range actives {
			if subscribers.NormalizeEmail(email) == adminNorm {
				duplicate = true
				break
			}
		}
		if !duplicate {
			recipients = append(recipients, opts.AdminEmail)
		}
	}
	return recipients, nil
}

func scoredBySet(selected map[string][]Selected) map[string][]score.Scored {
	out := make(map[string][]score.Scored, len(selected))
	for setID, records := range selected {
		scored := make([]score.Scored, 0, len(records))
		for _, rec := range records {
			scored = append(scored, rec.Scored)
		}
		out[setID] = scored
	}
	return out
}

func countSelected(selected map[string][]Selected) int {
	total := 0
	for _, records := range selected {
		total += len(records)
	}
	return total
}
