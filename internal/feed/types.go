// Package feed acquires tender/grant announcements from RSS/Atom sources.
//
// Fetching is deliberately forgiving: a broken source degrades to a recorded
// SourceFailure and zero items, never to a failed batch. The pipeline treats
// the returned slice as one batch regardless of how many sources contributed.
package feed

import "time"

// Item is one feed entry normalized into the pipeline's shape. Identity is
// not stored here; the store derives it from the URL via normalize.ContentKey.
type Item struct {
	SourceID     string
	Organization string
	Title        string
	URL          string
	PublishedAt  *time.Time // nil when the feed carries no usable date
	FetchedAt    time.Time
	Description  string
	DeadlineAt   string // ISO date extracted from title/description, "" if none
}

// SourceFailure records one source that could not be fetched or parsed.
// Failures are data, not errors: they flow into the digest body and the
// operator alert instead of aborting the run.
type SourceFailure struct {
	SourceID  string
	SourceURL string
	Error     string
}
