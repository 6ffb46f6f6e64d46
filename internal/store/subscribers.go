package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Subscriber is one mailing-list member. EmailNorm is the lowercased,
// trimmed form and is the uniqueness key; Email preserves what was entered.
type Subscriber struct {
	Email       string
	EmailNorm   string
	Status      string // active, paused, stopped
	Plan        string
	KeywordSets string // JSON array of set IDs, or "all"
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UpsertSubscriber inserts or reactivates a subscriber by normalized email.
// An existing row keeps its created_at; status, plan and keyword set
// selection are replaced.
func (s *Store) UpsertSubscriber(ctx context.Context, sub Subscriber) error {
	now := formatTime(sub.UpdatedAt)
	created := formatTime(sub.CreatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscribers (email, email_norm, status, plan, keyword_sets, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email_norm) DO UPDATE SET
			email = excluded.email,
			status = excluded.status,
			plan = excluded.plan,
			keyword_sets = excluded.keyword_sets,
			updated_at = excluded.updated_at
	`, sub.Email, sub.EmailNorm, sub.Status, sub.Plan, sub.KeywordSets, created, now)
	if err != nil {
		return fmt.Errorf("upsert subscriber %s: %w", sub.EmailNorm, err)
	}
	return nil
}

// UpdateSubscriberStatus sets the status for a normalized email. It reports
// whether a matching subscriber existed.
func (s *Store) UpdateSubscriberStatus(ctx context.Context, emailNorm, status string, updatedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscribers SET status = ?, updated_at = ? WHERE email_norm = ?
	`, status, formatTime(updatedAt), emailNorm)
	if err != nil {
		return false, fmt.Errorf("update subscriber %s: %w", emailNorm, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update subscriber %s: %w", emailNorm, err)
	}
	return n > 0, nil
}

// SubscriberByEmail returns the subscriber for a normalized email, or nil.
func (s *Store) SubscriberByEmail(ctx context.Context, emailNorm string) (*Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT email, email_norm, status, plan, keyword_sets, created_at, updated_at
		FROM subscribers WHERE email_norm = ?
	`, emailNorm)
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query subscriber %s: %w", emailNorm, err)
	}
	return sub, nil
}

// ListSubscribers returns all subscribers ordered by creation time.
func (s *Store) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, email_norm, status, plan, keyword_sets, created_at, updated_at
		FROM subscribers ORDER BY created_at, email_norm
	`)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var subs []Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("list subscribers: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	return subs, nil
}

// ActiveSubscriberEmails returns the stored email addresses of all active
// subscribers, ordered deterministically.
func (s *Store) ActiveSubscriberEmails(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email FROM subscribers WHERE status = 'active' ORDER BY email_norm
	`)
	if err != nil {
		return nil, fmt.Errorf("active subscribers: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("active subscribers: %w", err)
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("active subscribers: %w", err)
	}
	return emails, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row rowScanner) (*Subscriber, error) {
	var sub Subscriber
	var created, updated string
	err := row.Scan(&sub.Email, &sub.EmailNorm, &sub.Status, &sub.Plan, &sub.KeywordSets, &created, &updated)
	if err != nil {
		return nil, err
	}
	if ts, err := parseTime(created); err == nil {
		sub.CreatedAt = ts
	}
	if ts, err := parseTime(updated); err == nil {
		sub.UpdatedAt = ts
	}
	return &sub, nil
}

// UpsertBillingCustomer maps a payment-provider customer ID to a normalized
// email so later webhook events can be resolved without an email field.
func (s *Store) UpsertBillingCustomer(ctx context.Context, customerID, emailNorm string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_customers (customer_id, email_norm, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(customer_id) DO UPDATE SET
			email_norm = excluded.email_norm,
			updated_at = excluded.updated_at
	`, customerID, emailNorm, formatTime(now))
	if err != nil {
		return fmt.Errorf("upsert billing customer %s: %w", customerID, err)
	}
	return nil
}

// EmailByBillingCustomer resolves a customer ID to its normalized email.
// Returns empty string when the customer is unknown.
func (s *Store) EmailByBillingCustomer(ctx context.Context, customerID string) (string, error) {
	var emailNorm string
	err := s.db.QueryRowContext(ctx, `
		SELECT email_norm FROM billing_customers WHERE customer_id = ?
	`, customerID).Scan(&emailNorm)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query billing customer %s: %w", customerID, err)
	}
	return emailNorm, nil
}
