package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultCheckoutEndpoint = "https://api.stripe.com/v1/checkout/sessions"

const defaultCheckoutTimeout = 30 * time.Second

// CheckoutClient creates hosted checkout sessions. In mock mode no HTTP
// call happens and a synthetic session is returned, which keeps local
// onboarding flows testable without provider credentials.
type CheckoutClient struct {
	HTTPClient *http.Client
	SecretKey  string
	PriceID    string
	Endpoint   string // defaults to the provider API
	Mock       bool
}

// CheckoutParams describes one session to create.
type CheckoutParams struct {
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
	Plan          string
	KeywordSets   []string
}

// CheckoutResult is the created session.
type CheckoutResult struct {
	SessionID   string
	CheckoutURL string
	MockMode    bool
}

// CreateSession creates a subscription checkout session for the customer.
func (c *CheckoutClient) CreateSession(ctx context.Context, params CheckoutParams) (*CheckoutResult, error) {
	if c.Mock {
		sessionID := "cs_test_mock_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
		return &CheckoutResult{
			SessionID:   sessionID,
			CheckoutURL: "https://checkout.stripe.mock/c/pay/" + sessionID,
			MockMode:    true,
		}, nil
	}
	if c.SecretKey == "" {
		return nil, fmt.Errorf("billing secret key is required")
	}
	if c.PriceID == "" {
		return nil, fmt.Errorf("billing price id is required")
	}

	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("customer_email", params.CustomerEmail)
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("line_items[0][price]", c.PriceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("metadata[plan]", params.Plan)
	form.Set("metadata[keyword_sets]", strings.Join(params.KeywordSets, ","))

	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = defaultCheckoutEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build checkout request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("checkout create: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read checkout response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("checkout create failed status=%d detail=%s",
			resp.StatusCode, extractErrorMessage(body))
	}

	var payload struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode checkout response: %w", err)
	}
	sessionID := strings.TrimSpace(payload.ID)
	checkoutURL := strings.TrimSpace(payload.URL)
	if sessionID == "" || checkoutURL == "" {
		return nil, fmt.Errorf("checkout response is missing id/url")
	}
	return &CheckoutResult{SessionID: sessionID, CheckoutURL: checkoutURL}, nil
}

// httpClient returns the configured client, or one with a bounded timeout so
// a stalled provider cannot hang the command.
func (c *CheckoutClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: defaultCheckoutTimeout}
}

func extractErrorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return msg
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 240 {
		text = text[:240]
	}
	return text
}
