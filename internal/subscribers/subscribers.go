// Package subscribers validates and normalizes mailing-list input before it
// reaches the store.
package subscribers

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Subscriber statuses. Only active subscribers receive the digest; paused
// and stopped are distinguished so billing events can pause without losing
// the selection.
const (
	StatusActive  = "active"
	StatusPaused  = "paused"
	StatusStopped = "stopped"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Input is a validated subscriber ready for the store.
type Input struct {
	Email       string
	EmailNorm   string
	Status      string
	Plan        string
	KeywordSets []string
}

// NormalizeEmail lowercases and trims an address. It does not validate.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail normalizes and validates an address, returning the
// normalized form.
func ValidateEmail(email string) (string, error) {
	normalized := NormalizeEmail(email)
	if normalized == "" || !emailPattern.MatchString(normalized) {
		return "", fmt.Errorf("invalid email: %q", email)
	}
	return normalized, nil
}

// ValidateStatus normalizes and checks a status value.
func ValidateStatus(status string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(status))
	switch normalized {
	case StatusActive, StatusPaused, StatusStopped:
		return normalized, nil
	}
	return "", fmt.Errorf("invalid subscriber status: %q", status)
}

// ParseKeywordSets splits a comma-separated selection into a deduplicated
// list, preserving first-seen order. Empty input means "all".
func ParseKeywordSets(raw string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	if len(out) == 0 {
		return []string{"all"}
	}
	return out
}

// KeywordSetsToJSON encodes a selection for storage.
func KeywordSetsToJSON(sets []string) string {
	data, err := json.Marshal(sets)
	if err != nil {
		// A []string cannot fail to marshal.
		return `["all"]`
	}
	return string(data)
}

// KeywordSetsFromJSON decodes a stored selection. Malformed or empty data
// degrades to "all" rather than dropping the subscriber.
func KeywordSetsFromJSON(raw string) []string {
	var payload []string
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return []string{"all"}
	}
	var out []string
	for _, item := range payload {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return []string{"all"}
	}
	return out
}

// BuildInput validates raw subscriber fields into an Input. Plan defaults to
// "manual"; keywordSets is the comma-separated CLI form.
func BuildInput(email, status, plan, keywordSets string) (Input, error) {
	emailNorm, err := ValidateEmail(email)
	if err != nil {
		return Input{}, err
	}
	normStatus, err := ValidateStatus(status)
	if err != nil {
		return Input{}, err
	}
	plan = strings.TrimSpace(plan)
	if plan == "" {
		plan = "manual"
	}
	return Input{
		Email:       strings.TrimSpace(email),
		EmailNorm:   emailNorm,
		Status:      normStatus,
		Plan:        plan,
		KeywordSets: ParseKeywordSets(keywordSets),
	}, nil
}
