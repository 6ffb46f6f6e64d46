package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Delivery is one row to record in the delivery ledger.
type Delivery struct {
	ItemID int64
	Score  int
}

// DeliveredItem is one candidate row for the social draft, sourced from the
// delivery ledger joined back to items.
type DeliveredItem struct {
	ItemID       int64
	Title        string
	Organization string
	URL          string
	PublishedAt  *time.Time
	FetchedAt    time.Time
	Score        int
}

// RecordDeliveries writes delivery rows for one keyword set in a single
// transaction. Conflicts on (keyword_set_id, item_id) are ignored: writing
// the same pair twice leaves exactly one row, and a racing run's duplicate
// insert is a no-op rather than an error.
func (s *Store) RecordDeliveries(ctx context.Context, runID, keywordSetID string, records []Delivery, deliveredAt time.Time) error {
	if len(records) == 0 {
		return nil
	}
	timestamp := formatTime(deliveredAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record deliveries: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO deliveries (run_id, keyword_set_id, item_id, score, delivered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(keyword_set_id, item_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("record deliveries: prepare: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, runID, keywordSetID, rec.ItemID, rec.Score, timestamp); err != nil {
			return fmt.Errorf("record delivery item=%d: %w", rec.ItemID, err)
		}
	}
	return tx.Commit()
}

// TopDeliveredItems returns up to limit items delivered inside the half-open
// window [from, to), ordered by best score desc, recency desc, id desc.
// An item delivered to several keyword sets counts once with its best score.
func (s *Store) TopDeliveredItems(ctx context.Context, from, to time.Time, limit int) ([]DeliveredItem, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0, got %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			i.id, i.title, i.organization, i.url, i.published_at, i.fetched_at,
			MAX(d.score) AS score
		FROM deliveries d
		INNER JOIN items i ON i.id = d.item_id
		WHERE d.delivered_at >= ? AND d.delivered_at < ?
		GROUP BY i.id, i.title, i.organization, i.url, i.published_at, i.fetched_at
		ORDER BY score DESC, COALESCE(i.published_at, i.fetched_at) DESC, i.id DESC
		LIMIT ?
	`, formatTime(from), formatTime(to), limit)
	if err != nil {
		return nil, fmt.Errorf("query top delivered: %w", err)
	}
	defer rows.Close()

	var out []DeliveredItem
	for rows.Next() {
		var item DeliveredItem
		var published sql.NullString
		var fetched string
		if err := rows.Scan(&item.ItemID, &item.Title, &item.Organization, &item.URL, &published, &fetched, &item.Score); err != nil {
			return nil, fmt.Errorf("scan top delivered: %w", err)
		}
		if published.Valid {
			if ts, err := parseTime(published.String); err == nil {
				item.PublishedAt = &ts
			}
		}
		if ts, err := parseTime(fetched); err == nil {
			item.FetchedAt = ts
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate top delivered: %w", err)
	}
	return out, nil
}
