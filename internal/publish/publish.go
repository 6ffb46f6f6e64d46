package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/htaguchi/bidwatch/internal/normalize"
	"github.com/htaguchi/bidwatch/internal/store"
)

// Publish modes.
const (
	ModeAuto    = "auto"
	ModeManual  = "manual"
	ModeWebhook = "webhook"
	ModeAPI     = "api"
)

// Policies for a live run without any configured route.
const (
	PolicyFail          = "fail"
	PolicyDryRunSuccess = "dry-run-success"
)

// Terminal statuses.
const (
	StatusPosted        = "posted"
	StatusFailed        = "failed"
	StatusSkipped       = "skipped"
	StatusManualReady   = "manual_ready"
	StatusDryRun        = "dry_run"
	StatusDryRunInvalid = "dry_run_invalid"
	StatusDryRunNoRoute = "dry_run_no_route"
)

var urlPattern = regexp.MustCompile(`https?://\S+`)

// RouteError is a live run that cannot proceed because no publish route is
// configured. It is a configuration failure, not an execution failure.
type RouteError struct {
	Detail  string
	Missing []string
}

func (e *RouteError) Error() string { return e.Detail }

// Options configure one publish attempt.
type Options struct {
	Mode           string
	DryRun         bool
	Force          bool
	DraftDir       string
	ReceiptDir     string
	WebhookURL     string
	UserToken      string
	AppToken       string
	LPURL          string
	OnMissingRoute string // defaults to PolicyFail
	Now            time.Time
}

// Result reports the terminal outcome of one publish attempt.
type Result struct {
	PostDate       string
	Mode           string
	Route          string
	DryRun         bool
	Status         string
	ResponseID     string
	ResponseBody   string
	DraftPath      string
	TextHash       string
	PlannedText    string
	Reason         string
	DuplicateCheck string
	Missing        []string
	ReceiptPath    string
	Skipped        bool
}

// Poster executes the single external call of a live publish.
type Poster interface {
	PostWebhook(ctx context.Context, url, text, postDate string) (responseID, responseBody string, err error)
	PostAPI(ctx context.Context, token, text string) (responseID, responseBody string, err error)
}

// receipt is the JSON audit record written for every terminal outcome.
type receipt struct {
	PostDate       string   `json:"post_date_jst"`
	Mode           string   `json:"mode"`
	Route          string   `json:"route"`
	Status         string   `json:"status"`
	Reason         string   `json:"reason,omitempty"`
	PostedAt       string   `json:"posted_at"`
	DraftPath      string   `json:"draft_path"`
	TextHash       string   `json:"text_hash,omitempty"`
	DuplicateCheck string   `json:"duplicate_check_result"`
	Selection      string   `json:"selection_reason,omitempty"`
	PlannedText    string   `json:"planned_text,omitempty"`
	Missing        []string `json:"missing_requirements,omitempty"`
	SafetyErrors   []string `json:"safety_errors,omitempty"`
	URLs           []string `json:"urls,omitempty"`
	ResponseID     string   `json:"response_id,omitempty"`
	ResponseBody   string   `json:"response_body,omitempty"`
	FailureReason  string   `json:"failure_reason,omitempty"`
}

// Run drives the publish state machine: duplicate check, route resolution,
// safety validation, then at most one external call.
func Run(ctx context.Context, st *store.Store, poster Poster, opts Options) (*Result, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeAuto
	}
	switch mode {
	case ModeAuto, ModeManual, ModeWebhook, ModeAPI:
	default:
		return nil, fmt.Errorf("unsupported mode: %q", opts.Mode)
	}
	policy := opts.OnMissingRoute
	if policy == "" {
		policy = PolicyFail
	}
	if policy != PolicyFail && policy != PolicyDryRunSuccess {
		return nil, fmt.Errorf("unsupported on-missing-route policy: %q", opts.OnMissingRoute)
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	postDate, _, _ := DayRangeUTC(now)
	postedAt := now.UTC().Format(time.RFC3339)
	draftPath := filepath.Join(opts.DraftDir, postDate+".txt")

	text, loadErr := loadDraftText(draftPath)
	textHash := ""
	if text != "" {
		sum := sha256.Sum256([]byte(text))
		textHash = hex.EncodeToString(sum[:])
	}

	existing, err := st.PostForDate(ctx, postDate)
	if err != nil {
		return nil, err
	}
	duplicateCheck := "no_existing_post_for_jst_date"
	if existing != nil {
		duplicateCheck = fmt.Sprintf("existing_post_found status=%s mode=%s", existing.Status, existing.Mode)
	}

	result := &Result{
		PostDate:       postDate,
		Mode:           mode,
		DryRun:         opts.DryRun,
		DraftPath:      draftPath,
		TextHash:       textHash,
		PlannedText:    text,
		DuplicateCheck: duplicateCheck,
	}

	// A post row for today means the work already happened. No external
	// call, no new row; just a receipt explaining the skip.
	if existing != nil && !opts.Force {
		result.Route = existing.Route
		result.Status = StatusSkipped
		result.ResponseBody = "already posted"
		result.Reason = "skip: already posted for JST date"
		result.Skipped = true
		receiptPath, err := writeReceipt(opts.ReceiptDir, postDate+"-"+mode+"-skipped.json", receipt{
			PostDate:       postDate,
			Mode:           mode,
			Route:          existing.Route,
			Status:         StatusSkipped,
			Reason:         "already posted",
			PostedAt:       postedAt,
			DraftPath:      draftPath,
			DuplicateCheck: duplicateCheck,
		})
		if err != nil {
			return nil, err
		}
		result.ReceiptPath = receiptPath
		return result, nil
	}

	route, reason, missing, token := resolveRoute(mode, opts)
	safetyErrors, urls := validateText(text, opts.LPURL)
	if loadErr != "" {
		safetyErrors = append(safetyErrors, loadErr)
	}
	result.Route = route
	result.Reason = reason
	result.Missing = missing

	if opts.DryRun {
		status := StatusDryRun
		if len(safetyErrors) > 0 {
			status = StatusDryRunInvalid
		}
		if route == "" && mode != ModeManual {
			status = StatusDryRunNoRoute
		}
		result.Status = status
		result.DryRun = true
		if route == "" {
			result.Route = "none"
		}
		receiptPath, err := writeReceipt(opts.ReceiptDir, postDate+"-"+mode+"-dry-run.json", receipt{
			PostDate:       postDate,
			Mode:           mode,
			Route:          result.Route,
			Status:         status,
			PostedAt:       postedAt,
			DraftPath:      draftPath,
			TextHash:       textHash,
			DuplicateCheck: duplicateCheck,
			Selection:      reason,
			PlannedText:    text,
			Missing:        missing,
			SafetyErrors:   safetyErrors,
			URLs:           urls,
		})
		if err != nil {
			return nil, err
		}
		result.ReceiptPath = receiptPath
		return result, nil
	}

	if route == "" && mode != ModeManual {
		if policy == PolicyDryRunSuccess {
			result.Status = StatusDryRunNoRoute
			result.Route = "none"
			result.DryRun = true
			receiptPath, err := writeReceipt(opts.ReceiptDir, postDate+"-"+mode+"-fallback-dry-run.json", receipt{
				PostDate:       postDate,
				Mode:           mode,
				Route:          "none",
				Status:         StatusDryRunNoRoute,
				PostedAt:       postedAt,
				DraftPath:      draftPath,
				TextHash:       textHash,
				DuplicateCheck: duplicateCheck,
				Selection:      reason,
				PlannedText:    text,
				Missing:        missing,
				SafetyErrors:   safetyErrors,
				URLs:           urls,
			})
			if err != nil {
				return nil, err
			}
			result.ReceiptPath = receiptPath
			return result, nil
		}
		return nil, &RouteError{Detail: reason, Missing: missing}
	}

	if len(safetyErrors) > 0 {
		return nil, fmt.Errorf("publish safety checks failed: %s", strings.Join(safetyErrors, "; "))
	}

	var status, responseID, responseBody string
	var postErr error
	switch {
	case mode == ModeManual || route == ModeManual:
		route = ModeManual
		result.Route = route
		status = StatusManualReady
		responseBody = "manual mode: no external post executed"
	case route == ModeWebhook:
		responseID, responseBody, postErr = poster.PostWebhook(ctx, opts.WebhookURL, text, postDate)
		status = StatusPosted
	default:
		responseID, responseBody, postErr = poster.PostAPI(ctx, token, text)
		status = StatusPosted
	}

	if postErr != nil {
		failureReason := truncate(postErr.Error(), 400)
		// Best effort: the failed row documents the attempt, but a storage
		// hiccup must not mask the publish error.
		_ = st.RecordPost(ctx, store.Post{
			PostDate:      postDate,
			PostedAt:      now,
			Mode:          mode,
			Route:         route,
			Status:        StatusFailed,
			ResponseBody:  failureReason,
			FailureReason: failureReason,
		}, opts.Force)
		return nil, fmt.Errorf("publish via %s: %w", route, postErr)
	}

	responseBody = truncate(responseBody, 2000)
	if err := st.RecordPost(ctx, store.Post{
		PostDate:     postDate,
		PostedAt:     now,
		Mode:         mode,
		Route:        route,
		Status:       status,
		ResponseID:   responseID,
		ResponseBody: responseBody,
	}, opts.Force); err != nil {
		return nil, err
	}

	result.Status = status
	result.ResponseID = responseID
	result.ResponseBody = responseBody
	receiptPath, err := writeReceipt(opts.ReceiptDir, postDate+"-"+mode+"-"+route+".json", receipt{
		PostDate:       postDate,
		Mode:           mode,
		Route:          route,
		Status:         status,
		PostedAt:       postedAt,
		DraftPath:      draftPath,
		TextHash:       textHash,
		DuplicateCheck: duplicateCheck,
		Selection:      reason,
		PlannedText:    text,
		Missing:        missing,
		ResponseID:     responseID,
		ResponseBody:   responseBody,
	})
	if err != nil {
		return nil, err
	}
	result.ReceiptPath = receiptPath
	return result, nil
}

// resolveRoute picks the delivery route for a mode. Auto prefers webhook,
// then the user token, then the app token. The api route prefers the user
// token over the app token.
func resolveRoute(mode string, opts Options) (route, reason string, missing []string, token string) {
	webhook := strings.TrimSpace(opts.WebhookURL)
	userToken := strings.TrimSpace(opts.UserToken)
	appToken := strings.TrimSpace(opts.AppToken)

	switch mode {
	case ModeManual:
		return ModeManual, "mode=manual: external post disabled", nil, ""
	case ModeWebhook:
		if webhook != "" {
			return ModeWebhook, "mode=webhook: using POST_WEBHOOK_URL", nil, ""
		}
		return "", "mode=webhook: POST_WEBHOOK_URL is missing", []string{"POST_WEBHOOK_URL"}, ""
	case ModeAPI:
		if userToken != "" {
			return ModeAPI, "mode=api: using POST_USER_ACCESS_TOKEN", nil, userToken
		}
		if appToken != "" {
			return ModeAPI, "mode=api: using POST_APP_BEARER_TOKEN", nil, appToken
		}
		return "", "mode=api: token is missing (POST_USER_ACCESS_TOKEN or POST_APP_BEARER_TOKEN)",
			[]string{"POST_USER_ACCESS_TOKEN", "POST_APP_BEARER_TOKEN"}, ""
	}

	if webhook != "" {
		return ModeWebhook, "mode=auto: selected webhook route", nil, ""
	}
	if userToken != "" {
		return ModeAPI, "mode=auto: selected direct API route (POST_USER_ACCESS_TOKEN)", nil, userToken
	}
	if appToken != "" {
		return ModeAPI, "mode=auto: selected direct API route (POST_APP_BEARER_TOKEN)", nil, appToken
	}
	return "", "mode=auto: no publish route is configured (POST_WEBHOOK_URL or token env)",
		[]string{"POST_WEBHOOK_URL", "POST_USER_ACCESS_TOKEN", "POST_APP_BEARER_TOKEN"}, ""
}

// validateText runs the live-post safety checks: non-empty, within the
// character ceiling, at most one URL, and that URL canonically equal to the
// configured LP URL.
func validateText(text, lpURL string) ([]string, []string) {
	var errors []string
	payload := strings.TrimSpace(text)
	if payload == "" {
		errors = append(errors, "post text is empty")
	}
	if n := utf8.RuneCountInString(payload); n > MaxPostLength {
		errors = append(errors, fmt.Sprintf("post text exceeds %d characters: len=%d", MaxPostLength, n))
	}
	urls := extractURLs(payload)
	if len(urls) > 1 {
		errors = append(errors, "post text has multiple URLs; keep only LP link")
	}
	if strings.TrimSpace(lpURL) != "" && len(urls) > 0 {
		if normalize.CanonicalURL(lpURL) != normalize.CanonicalURL(urls[0]) {
			errors = append(errors, "post URL does not match LP URL")
		}
	}
	return errors, urls
}

func extractURLs(text string) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, matched := range urlPattern.FindAllString(text, -1) {
		candidate := strings.TrimRight(matched, ".,;)")
		if candidate == "" || seen[candidate] {
			continue
		}
		seen[candidate] = true
		urls = append(urls, candidate)
	}
	return urls
}

func loadDraftText(path string) (string, string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Sprintf("draft file not found: %s", path)
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", fmt.Sprintf("draft file is empty: %s", path)
	}
	return content, ""
}

// truncate cuts to limit runes, never splitting a multi-byte character.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
