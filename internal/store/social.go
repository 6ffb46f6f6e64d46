package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Draft is one generated social post, keyed by JST calendar date.
type Draft struct {
	PostDate    string // "2026-09-01" in JST
	GeneratedAt time.Time
	TopN        int
	ItemCount   int
	LPURL       string
	Content     string
}

// Post records one publish attempt's terminal state, keyed by JST calendar
// date. At most one non-overwritten row exists per date; this is the social
// channel's idempotency boundary, independent of the delivery ledger.
type Post struct {
	PostDate      string
	PostedAt      time.Time
	Mode          string
	Route         string
	Status        string
	ResponseID    string
	ResponseBody  string
	FailureReason string
}

// DraftForDate returns the draft for a JST date, or nil when none exists.
func (s *Store) DraftForDate(ctx context.Context, postDate string) (*Draft, error) {
	var d Draft
	var generatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT post_date, generated_at, top_n, item_count, lp_url, content
		FROM drafts WHERE post_date = ?
	`, postDate).Scan(&d.PostDate, &generatedAt, &d.TopN, &d.ItemCount, &d.LPURL, &d.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query draft %s: %w", postDate, err)
	}
	if ts, err := parseTime(generatedAt); err == nil {
		d.GeneratedAt = ts
	}
	return &d, nil
}

// RecordDraft writes a draft row. Without overwrite an existing row for the
// date is a constraint violation; with overwrite the row is replaced (forced
// regeneration).
func (s *Store) RecordDraft(ctx context.Context, d Draft, overwrite bool) error {
	query := `
		INSERT INTO drafts (post_date, generated_at, top_n, item_count, lp_url, content)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if overwrite {
		query += `
		ON CONFLICT(post_date) DO UPDATE SET
			generated_at = excluded.generated_at,
			top_n = excluded.top_n,
			item_count = excluded.item_count,
			lp_url = excluded.lp_url,
			content = excluded.content
		`
	}
	_, err := s.db.ExecContext(ctx, query,
		d.PostDate, formatTime(d.GeneratedAt), d.TopN, d.ItemCount, d.LPURL, d.Content)
	if err != nil {
		return fmt.Errorf("record draft %s: %w", d.PostDate, err)
	}
	return nil
}

// PostForDate returns the post row for a JST date, or nil when none exists.
func (s *Store) PostForDate(ctx context.Context, postDate string) (*Post, error) {
	var p Post
	var postedAt string
	var responseID, responseBody, failureReason sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT post_date, posted_at, mode, route, status, response_id, response_body, failure_reason
		FROM posts WHERE post_date = ?
	`, postDate).Scan(&p.PostDate, &postedAt, &p.Mode, &p.Route, &p.Status, &responseID, &responseBody, &failureReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query post %s: %w", postDate, err)
	}
	if ts, err := parseTime(postedAt); err == nil {
		p.PostedAt = ts
	}
	p.ResponseID = responseID.String
	p.ResponseBody = responseBody.String
	p.FailureReason = failureReason.String
	return &p, nil
}

// RecordPost writes a post row. Semantics mirror RecordDraft: plain insert
// unless overwrite (forced re-run) upserts by date.
func (s *Store) RecordPost(ctx context.Context, p Post, overwrite bool) error {
	query := `
		INSERT INTO posts (post_date, posted_at, mode, route, status, response_id, response_body, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if overwrite {
		query += `
		ON CONFLICT(post_date) DO UPDATE SET
			posted_at = excluded.posted_at,
			mode = excluded.mode,
			route = excluded.route,
			status = excluded.status,
			response_id = excluded.response_id,
			response_body = excluded.response_body,
			failure_reason = excluded.failure_reason
		`
	}
	_, err := s.db.ExecContext(ctx, query,
		p.PostDate, formatTime(p.PostedAt), p.Mode, p.Route, p.Status,
		nullable(p.ResponseID), nullable(p.ResponseBody), nullable(p.FailureReason))
	if err != nil {
		return fmt.Errorf("record post %s: %w", p.PostDate, err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
