package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/htaguchi/bidwatch/internal/feed"
	"github.com/htaguchi/bidwatch/internal/normalize"
)

// UpsertItem inserts an item keyed by its canonical URL, or merges it into
// the existing row. Merging never clobbers a stored non-null published or
// deadline date with null, and always refreshes source/title/organization/
// url/fetched. Returns the item's row id.
func (s *Store) UpsertItem(ctx context.Context, item feed.Item) (int64, error) {
	urlKey := normalize.ContentKey(item.URL)
	published := sql.NullString{}
	if item.PublishedAt != nil {
		published = sql.NullString{String: formatTime(*item.PublishedAt), Valid: true}
	}
	deadline := sql.NullString{}
	if item.DeadlineAt != "" {
		deadline = sql.NullString{String: item.DeadlineAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items
		(source_id, organization, title, url, url_key, published_at, deadline_at, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url_key) DO UPDATE SET
			source_id = excluded.source_id,
			organization = excluded.organization,
			title = excluded.title,
			url = excluded.url,
			published_at = COALESCE(excluded.published_at, items.published_at),
			deadline_at = COALESCE(excluded.deadline_at, items.deadline_at),
			fetched_at = excluded.fetched_at
	`,
		item.SourceID,
		item.Organization,
		item.Title,
		item.URL,
		urlKey,
		published,
		deadline,
		formatTime(item.FetchedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("upsert item %s: %w", item.URL, err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM items WHERE url_key = ?`, urlKey).Scan(&id); err != nil {
		return 0, fmt.Errorf("load item id for %s: %w", item.URL, err)
	}
	return id, nil
}

// DeliveredItemIDs reports which of the candidate item ids already have a
// delivery row for the given keyword set.
func (s *Store) DeliveredItemIDs(ctx context.Context, keywordSetID string, itemIDs []int64) (map[int64]bool, error) {
	delivered := make(map[int64]bool)
	if len(itemIDs) == 0 {
		return delivered, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(itemIDs)), ",")
	args := make([]any, 0, len(itemIDs)+1)
	args = append(args, keywordSetID)
	for _, id := range itemIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id FROM deliveries
		WHERE keyword_set_id = ? AND item_id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query delivered ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan delivered id: %w", err)
		}
		delivered[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivered ids: %w", err)
	}
	return delivered, nil
}

// PurgeOlderThan removes delivery rows older than the retention window and
// then items below the age threshold that no delivery row references. Runs
// in one transaction; an item referenced by any remaining delivery row is
// never purged.
func (s *Store) PurgeOlderThan(ctx context.Context, days int, now time.Time) error {
	if days <= 0 {
		return fmt.Errorf("purge days must be > 0, got %d", days)
	}
	cutoff := formatTime(now.AddDate(0, 0, -days))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("purge: begin tx: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	if _, err := tx.ExecContext(ctx, `DELETE FROM deliveries WHERE delivered_at < ?`, cutoff); err != nil {
		return fmt.Errorf("purge deliveries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM items
		WHERE fetched_at < ?
		AND id NOT IN (SELECT item_id FROM deliveries)
	`, cutoff); err != nil {
		return fmt.Errorf("purge items: %w", err)
	}
	return tx.Commit()
}
