package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// trackingQueryKeys are query parameters that carry no identity: two URLs
// differing only in these keys refer to the same resource.
var trackingQueryKeys = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"gclid":        true,
	"fbclid":       true,
}

var spaceRun = regexp.MustCompile(`\s+`)

// Deadline date patterns, tried in order; the first calendar-valid match wins.
// Text is NFKC-folded before matching, so full-width digits are already ASCII
// but the 年/月/日 markers survive folding and must be matched explicitly.
var deadlinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:^|[^0-9])(\d{4})[./\-年]\s*(1[0-2]|0?[1-9])[./\-月]\s*(3[01]|[12][0-9]|0?[1-9])\s*日?`),
	regexp.MustCompile(`(?:^|[^0-9])(\d{4})年\s*(1[0-2]|0?[1-9])月\s*(3[01]|[12][0-9]|0?[1-9])日`),
}

// Text folds a string into the canonical form used for all term matching:
// NFKC compatibility normalization, lower case, whitespace runs collapsed to
// single spaces, trimmed.
func Text(s string) string {
	folded := strings.ToLower(norm.NFKC.String(s))
	return strings.TrimSpace(spaceRun.ReplaceAllString(folded, " "))
}

// ContainsTerm reports whether the normalized form of term occurs in
// normalizedText. The caller is expected to have normalized the haystack with
// Text already; the term is normalized here.
func ContainsTerm(normalizedText, term string) bool {
	return strings.Contains(normalizedText, Text(term))
}

// CanonicalURL rewrites a raw URL into its canonical string form:
// scheme defaults to https and is lower-cased along with the host, the path
// defaults to "/" and loses one trailing slash (unless it is the root),
// tracking query parameters are dropped, the remaining pairs are re-encoded
// sorted by key then value, and any fragment is discarded.
func CanonicalURL(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		scheme = "https"
	}
	host := strings.ToLower(parsed.Host)
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	if path != "/" && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}

	out := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     path,
		RawQuery: canonicalQuery(parsed.RawQuery),
	}
	return out.String()
}

// canonicalQuery drops tracking keys and re-encodes the remaining pairs in
// (key, value) order. Blank values are kept: "?a=" and "?a" both survive.
func canonicalQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	type pair struct{ key, value string }
	var pairs []pair
	for _, chunk := range strings.Split(rawQuery, "&") {
		if chunk == "" {
			continue
		}
		key, value, _ := strings.Cut(chunk, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		if trackingQueryKeys[strings.ToLower(key)] {
			continue
		}
		pairs = append(pairs, pair{key: key, value: value})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

// ContentKey returns the stable item identity for a URL: the SHA-256 hex
// digest of its canonical form.
func ContentKey(raw string) string {
	sum := sha256.Sum256([]byte(CanonicalURL(raw)))
	return hex.EncodeToString(sum[:])
}

// ExtractDeadline scans text for a YYYY-MM-DD style date (separators may be
// ".", "/", "-" or the 年/月/日 markers) and returns the first calendar-valid
// match as an ISO date string. Each pattern contributes only its first match;
// an invalid date (e.g. 2025-02-30) falls through to the next pattern.
func ExtractDeadline(text string) (string, bool) {
	normalized := Text(text)
	for _, pattern := range deadlinePatterns {
		m := pattern.FindStringSubmatch(normalized)
		if m == nil {
			continue
		}
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		if !validDate(year, month, day) {
			continue
		}
		return fmt.Sprintf("%04d-%02d-%02d", year, month, day), true
	}
	return "", false
}

// validDate reports whether (year, month, day) names a real calendar date.
// time.Date normalizes overflow (Feb 30 becomes Mar 2), so a round-trip
// comparison detects invalid combinations.
func validDate(year, month, day int) bool {
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return t.Year() == year && int(t.Month()) == month && t.Day() == day
}
