package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htaguchi/bidwatch/internal/store"
)

const webhookSecret = "whsec_test"

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Unix(1_790_000_000, 0)

	header := TestSignatureHeader(payload, webhookSecret, now)
	assert.NoError(t, VerifySignature(payload, header, webhookSecret, DefaultTolerance, now))

	// Drift inside tolerance passes, outside fails.
	assert.NoError(t, VerifySignature(payload, header, webhookSecret, DefaultTolerance, now.Add(299*time.Second)))
	assert.Error(t, VerifySignature(payload, header, webhookSecret, DefaultTolerance, now.Add(301*time.Second)))

	// Wrong secret and tampered payload fail.
	assert.Error(t, VerifySignature(payload, header, "whsec_other", DefaultTolerance, now))
	assert.Error(t, VerifySignature([]byte(`{"id":"evt_2"}`), header, webhookSecret, DefaultTolerance, now))

	// Malformed headers.
	assert.Error(t, VerifySignature(payload, "v1=deadbeef", webhookSecret, DefaultTolerance, now))
	assert.Error(t, VerifySignature(payload, "t=123", webhookSecret, DefaultTolerance, now))
	assert.Error(t, VerifySignature(payload, "t=abc,v1=deadbeef", webhookSecret, DefaultTolerance, now))
}

func checkoutCompletedPayload(email, customerID string) []byte {
	payload := map[string]any{
		"id":   "evt_checkout",
		"type": "checkout.session.completed",
		"data": map[string]any{
			"object": map[string]any{
				"customer":         customerID,
				"customer_details": map[string]any{"email": email},
				"metadata": map[string]any{
					"plan":         "premium",
					"keyword_sets": "it,grants",
				},
			},
		},
	}
	data, _ := json.Marshal(payload)
	return data
}

func TestApplyWebhookCheckoutCompleted(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	payload := checkoutCompletedPayload("Taro@Example.com", "cus_123")

	opts := WebhookOptions{
		SignatureHeader: TestSignatureHeader(payload, webhookSecret, now),
		Secret:          webhookSecret,
		VerifySignature: true,
		DefaultPlan:     "standard",
		DefaultKeywords: []string{"all"},
		Now:             now,
	}
	result, err := ApplyWebhook(ctx, st, payload, opts)
	require.NoError(t, err)
	assert.Equal(t, "activated", result.Action)
	assert.Equal(t, "taro@example.com", result.EmailNorm)
	assert.Equal(t, "cus_123", result.CustomerID)

	sub, err := st.SubscriberByEmail(ctx, "taro@example.com")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "active", sub.Status)
	assert.Equal(t, "premium", sub.Plan, "metadata plan wins over default")
	assert.Equal(t, `["it","grants"]`, sub.KeywordSets)

	mapped, err := st.EmailByBillingCustomer(ctx, "cus_123")
	require.NoError(t, err)
	assert.Equal(t, "taro@example.com", mapped)
}

func TestApplyWebhookRejectsBadSignature(t *testing.T) {
	st := openTestStore(t)
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	payload := checkoutCompletedPayload("taro@example.com", "")

	_, err := ApplyWebhook(context.Background(), st, payload, WebhookOptions{
		SignatureHeader: TestSignatureHeader(payload, "whsec_other", now),
		Secret:          webhookSecret,
		VerifySignature: true,
		Now:             now,
	})
	assert.Error(t, err)

	_, err = ApplyWebhook(context.Background(), st, payload, WebhookOptions{
		VerifySignature: true,
		Secret:          webhookSecret,
		Now:             now,
	})
	assert.Error(t, err, "missing signature header")
}

func TestApplyWebhookStopEventsResolveCustomerMapping(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	// Activation records the customer mapping.
	payload := checkoutCompletedPayload("taro@example.com", "cus_123")
	_, err := ApplyWebhook(ctx, st, payload, WebhookOptions{Now: now, DefaultPlan: "standard"})
	require.NoError(t, err)

	// The stop event carries only the customer id.
	stopPayload := []byte(`{
		"id": "evt_stop",
		"type": "customer.subscription.deleted",
		"data": {"object": {"customer": "cus_123"}}
	}`)
	result, err := ApplyWebhook(ctx, st, stopPayload, WebhookOptions{Now: now.Add(time.Hour), DefaultPlan: "standard"})
	require.NoError(t, err)
	assert.Equal(t, "stopped", result.Action)
	assert.Equal(t, "taro@example.com", result.EmailNorm)

	sub, err := st.SubscriberByEmail(ctx, "taro@example.com")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "stopped", sub.Status)
}

func TestApplyWebhookSubscriptionUpdatedStatuses(t *testing.T) {
	tests := []struct {
		status     string
		wantAction string
	}{
		{status: "past_due", wantAction: "stopped"},
		{status: "canceled", wantAction: "stopped"},
		{status: "active", wantAction: "ignored"},
		{status: "trialing", wantAction: "ignored"},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			st := openTestStore(t)
			now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
			payload := []byte(fmt.Sprintf(`{
				"id": "evt_upd",
				"type": "customer.subscription.updated",
				"data": {"object": {"status": %q, "customer_email": "taro@example.com"}}
			}`, tt.status))

			result, err := ApplyWebhook(context.Background(), st, payload, WebhookOptions{Now: now, DefaultPlan: "standard"})
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, result.Action)
		})
	}
}

func TestApplyWebhookStopForUnknownSubscriberCreatesStoppedRow(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	payload := []byte(`{
		"id": "evt_fail",
		"type": "invoice.payment_failed",
		"data": {"object": {"customer_email": "new@example.com"}}
	}`)
	result, err := ApplyWebhook(ctx, st, payload, WebhookOptions{Now: now, DefaultPlan: "standard"})
	require.NoError(t, err)
	assert.Equal(t, "stopped", result.Action)

	sub, err := st.SubscriberByEmail(ctx, "new@example.com")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "stopped", sub.Status)
}

func TestApplyWebhookMalformedPayload(t *testing.T) {
	st := openTestStore(t)
	now := time.Now()

	_, err := ApplyWebhook(context.Background(), st, []byte("not json"), WebhookOptions{Now: now})
	assert.Error(t, err)
	_, err = ApplyWebhook(context.Background(), st, []byte(`{"id":"e"}`), WebhookOptions{Now: now})
	assert.Error(t, err, "missing type")
	_, err = ApplyWebhook(context.Background(), st, []byte(`{"id":"e","type":"x"}`), WebhookOptions{Now: now})
	assert.Error(t, err, "missing data.object")
}

func TestCreateSessionMockMode(t *testing.T) {
	c := &CheckoutClient{Mock: true}
	result, err := c.CreateSession(context.Background(), CheckoutParams{CustomerEmail: "taro@example.com"})
	require.NoError(t, err)
	assert.True(t, result.MockMode)
	assert.True(t, strings.HasPrefix(result.SessionID, "cs_test_mock_"))
	assert.Contains(t, result.CheckoutURL, result.SessionID)
}

func TestCreateSessionPostsForm(t *testing.T) {
	var gotAuth string
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{}
		for key := range r.PostForm {
			gotForm[key] = r.PostForm.Get(key)
		}
		fmt.Fprint(w, `{"id":"cs_live_1","url":"https://checkout.example/pay/cs_live_1"}`)
	}))
	defer srv.Close()

	c := &CheckoutClient{
		SecretKey: "sk_test_1",
		PriceID:   "price_1",
		Endpoint:  srv.URL,
	}
	result, err := c.CreateSession(context.Background(), CheckoutParams{
		CustomerEmail: "taro@example.com",
		SuccessURL:    "https://lp.example/success",
		CancelURL:     "https://lp.example/cancel",
		Plan:          "standard",
		KeywordSets:   []string{"it", "grants"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_live_1", result.SessionID)
	assert.False(t, result.MockMode)

	assert.Equal(t, "Bearer sk_test_1", gotAuth)
	assert.Equal(t, "subscription", gotForm["mode"])
	assert.Equal(t, "price_1", gotForm["line_items[0][price]"])
	assert.Equal(t, "it,grants", gotForm["metadata[keyword_sets]"])
}

func TestCreateSessionSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"No such price: price_x"}}`)
	}))
	defer srv.Close()

	c := &CheckoutClient{SecretKey: "sk", PriceID: "price_x", Endpoint: srv.URL}
	_, err := c.CreateSession(context.Background(), CheckoutParams{CustomerEmail: "taro@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=400")
	assert.Contains(t, err.Error(), "No such price")
}

func TestCheckoutClientTimeout(t *testing.T) {
	// The fallback client must carry a timeout so a stalled provider cannot
	// hang the command.
	assert.Equal(t, 30*time.Second, (&CheckoutClient{}).httpClient().Timeout)

	custom := &http.Client{Timeout: time.Second}
	c := &CheckoutClient{HTTPClient: custom}
	assert.Same(t, custom, c.httpClient())
}
