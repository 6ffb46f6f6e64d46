package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultAPIEndpoint = "https://api.twitter.com/2/tweets"

// HTTPPoster performs live publishes. Each call is a single attempt; retries
// would risk double-posting, so failures surface to the caller instead.
type HTTPPoster struct {
	Client      *http.Client
	APIEndpoint string // defaults to the platform API
}

// NewHTTPPoster returns a poster with a 20-second request timeout.
func NewHTTPPoster() *HTTPPoster {
	return &HTTPPoster{Client: &http.Client{Timeout: 20 * time.Second}}
}

// PostWebhook delivers the text to the configured webhook as JSON. The
// response id is taken from `id` or `tweet_id` when the body parses.
func (p *HTTPPoster) PostWebhook(ctx context.Context, url, text, postDate string) (string, string, error) {
	if strings.TrimSpace(url) == "" {
		return "", "", fmt.Errorf("webhook url is required")
	}
	body, err := p.postJSON(ctx, url, "", map[string]string{
		"text":          text,
		"post_date_jst": postDate,
	})
	if err != nil {
		return "", "", err
	}
	var payload map[string]any
	responseID := ""
	if err := json.Unmarshal([]byte(body), &payload); err == nil {
		for _, key := range []string{"id", "tweet_id"} {
			if v, ok := payload[key]; ok {
				responseID = fmt.Sprintf("%v", v)
				break
			}
		}
	}
	return responseID, body, nil
}

// PostAPI posts the text to the platform API with a bearer token. The
// response id comes from `data.id` when present.
func (p *HTTPPoster) PostAPI(ctx context.Context, token, text string) (string, string, error) {
	if strings.TrimSpace(token) == "" {
		return "", "", fmt.Errorf("api token is required")
	}
	endpoint := p.APIEndpoint
	if endpoint == "" {
		endpoint = defaultAPIEndpoint
	}
	body, err := p.postJSON(ctx, endpoint, token, map[string]string{"text": text})
	if err != nil {
		return "", "", err
	}
	var payload struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	responseID := ""
	if err := json.Unmarshal([]byte(body), &payload); err == nil {
		responseID = payload.Data.ID
	}
	return responseID, body, nil
}

func (p *HTTPPoster) postJSON(ctx context.Context, url, token string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	text := strings.TrimSpace(string(body))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("http status %s: %s", resp.Status, truncate(text, 200))
	}
	return text, nil
}
