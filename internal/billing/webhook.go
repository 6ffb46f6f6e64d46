package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/htaguchi/bidwatch/internal/store"
	"github.com/htaguchi/bidwatch/internal/subscribers"
)

// Event types that always stop a subscription.
var stopEventTypes = map[string]bool{
	"invoice.payment_failed":        true,
	"customer.subscription.deleted": true,
}

// Subscription statuses on customer.subscription.updated that stop delivery.
var stopSubscriptionStatuses = map[string]bool{
	"canceled":           true,
	"paused":             true,
	"past_due":           true,
	"unpaid":             true,
	"incomplete_expired": true,
}

// SubscriberStore is the slice of the store the webhook handler needs.
type SubscriberStore interface {
	UpsertSubscriber(ctx context.Context, sub store.Subscriber) error
	UpdateSubscriberStatus(ctx context.Context, emailNorm, status string, updatedAt time.Time) (bool, error)
	UpsertBillingCustomer(ctx context.Context, customerID, emailNorm string, now time.Time) error
	EmailByBillingCustomer(ctx context.Context, customerID string) (string, error)
}

// WebhookOptions configures one webhook application.
type WebhookOptions struct {
	SignatureHeader string
	Secret          string
	VerifySignature bool
	DefaultPlan     string
	DefaultKeywords []string
	Now             time.Time
}

// ApplyResult reports what a webhook event did.
type ApplyResult struct {
	EventID    string
	EventType  string
	Action     string // activated, stopped, ignored
	EmailNorm  string
	Status     string
	CustomerID string
}

type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object map[string]any `json:"object"`
	} `json:"data"`
}

// ApplyWebhook verifies (when enabled) and applies one raw webhook payload.
// checkout.session.completed activates the subscriber; payment failures and
// subscription cancellations stop them; everything else is ignored.
func ApplyWebhook(ctx context.Context, st SubscriberStore, payload []byte, opts WebhookOptions) (*ApplyResult, error) {
	if opts.VerifySignature {
		if opts.SignatureHeader == "" {
			return nil, fmt.Errorf("signature header is required")
		}
		if opts.Secret == "" {
			return nil, fmt.Errorf("webhook secret is required")
		}
		if err := VerifySignature(payload, opts.SignatureHeader, opts.Secret, DefaultTolerance, opts.Now); err != nil {
			return nil, err
		}
	}

	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	eventType := strings.TrimSpace(event.Type)
	if eventType == "" {
		return nil, fmt.Errorf("webhook payload is missing event type")
	}
	if event.Data.Object == nil {
		return nil, fmt.Errorf("webhook payload is missing data.object")
	}
	obj := event.Data.Object

	customerID := stringField(obj, "customer")
	email := extractEmail(obj)
	if email == "" && customerID != "" {
		mapped, err := st.EmailByBillingCustomer(ctx, customerID)
		if err != nil {
			return nil, err
		}
		email = mapped
	}

	plan := opts.DefaultPlan
	keywordsRaw := strings.Join(opts.DefaultKeywords, ",")
	if metadata, ok := obj["metadata"].(map[string]any); ok {
		if v := strings.TrimSpace(anyString(metadata["plan"])); v != "" {
			plan = v
		}
		if v := strings.TrimSpace(anyString(metadata["keyword_sets"])); v != "" {
			keywordsRaw = v
		}
	}
	result := &ApplyResult{
		EventID:    strings.TrimSpace(event.ID),
		EventType:  eventType,
		CustomerID: customerID,
	}

	if eventType == "checkout.session.completed" {
		if email == "" {
			return nil, fmt.Errorf("checkout.session.completed is missing customer email")
		}
		input, err := subscribers.BuildInput(email, subscribers.StatusActive, plan, keywordsRaw)
		if err != nil {
			return nil, err
		}
		if err := upsertFromInput(ctx, st, input, opts.Now); err != nil {
			return nil, err
		}
		if customerID != "" {
			if err := st.UpsertBillingCustomer(ctx, customerID, input.EmailNorm, opts.Now); err != nil {
				return nil, err
			}
		}
		result.Action = "activated"
		result.EmailNorm = input.EmailNorm
		result.Status = subscribers.StatusActive
		return result, nil
	}

	shouldStop := stopEventTypes[eventType]
	if eventType == "customer.subscription.updated" {
		status := strings.ToLower(strings.TrimSpace(stringField(obj, "status")))
		shouldStop = stopSubscriptionStatuses[status]
	}

	if shouldStop {
		if email == "" {
			return nil, fmt.Errorf("%s is missing email and customer mapping", eventType)
		}
		emailNorm, err := subscribers.ValidateEmail(email)
		if err != nil {
			return nil, err
		}
		updated, err := st.UpdateSubscriberStatus(ctx, emailNorm, subscribers.StatusStopped, opts.Now)
		if err != nil {
			return nil, err
		}
		if !updated {
			// Unknown subscriber: record the stop so a later re-activation
			// has the history.
			input, err := subscribers.BuildInput(emailNorm, subscribers.StatusStopped, plan, keywordsRaw)
			if err != nil {
				return nil, err
			}
			if err := upsertFromInput(ctx, st, input, opts.Now); err != nil {
				return nil, err
			}
		}
		if customerID != "" {
			if err := st.UpsertBillingCustomer(ctx, customerID, emailNorm, opts.Now); err != nil {
				return nil, err
			}
		}
		result.Action = "stopped"
		result.EmailNorm = emailNorm
		result.Status = subscribers.StatusStopped
		return result, nil
	}

	result.Action = "ignored"
	if email != "" {
		if emailNorm, err := subscribers.ValidateEmail(email); err == nil {
			result.EmailNorm = emailNorm
		}
	}
	return result, nil
}

func upsertFromInput(ctx context.Context, st SubscriberStore, input subscribers.Input, now time.Time) error {
	return st.UpsertSubscriber(ctx, store.Subscriber{
		Email:       input.Email,
		EmailNorm:   input.EmailNorm,
		Status:      input.Status,
		Plan:        input.Plan,
		KeywordSets: subscribers.KeywordSetsToJSON(input.KeywordSets),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// extractEmail tries the fields the provider puts addresses in, in order of
// reliability.
func extractEmail(obj map[string]any) string {
	for _, key := range []string{"customer_email", "receipt_email", "email"} {
		if v := stringField(obj, key); v != "" {
			return v
		}
	}
	for _, key := range []string{"customer_details", "billing_details"} {
		if nested, ok := obj[key].(map[string]any); ok {
			if v := stringField(nested, "email"); v != "" {
				return v
			}
		}
	}
	return ""
}

func stringField(obj map[string]any, key string) string {
	return strings.TrimSpace(anyString(obj[key]))
}

func anyString(v any) string {
	s, _ := v.(string)
	return s
}
