// Package publish generates the daily social draft and runs the publish
// state machine that posts it.
//
// Both sides key on the JST calendar date. The drafts and posts tables give
// each date at most one row, so re-running either command is safe.
package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/htaguchi/bidwatch/internal/store"
)

// MaxPostLength is the hard character ceiling for a social post.
const MaxPostLength = 280

var jst = time.FixedZone("JST", 9*60*60)

// DraftResult reports one draft generation.
type DraftResult struct {
	PostDate   string
	OutputPath string
	Content    string
	ItemCount  int
	Skipped    bool
}

// trim cuts a string to limit runes, marking the cut with a single ellipsis
// rune that counts against the limit.
func trim(value string, limit int) string {
	text := strings.TrimSpace(value)
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	if limit <= 1 {
		return string(runes[:limit])
	}
	return string(runes[:limit-1]) + "…"
}

// BuildPostContent assembles the draft text: fixed header, numbered item
// lines added only while the whole post stays within MaxPostLength, and a
// fixed footer. Returns the text and how many items made it in.
func BuildPostContent(postDate string, candidates []store.DeliveredItem, topN int, lpURL string) (string, int, error) {
	lpURL = strings.TrimSpace(lpURL)
	if lpURL == "" {
		return "", 0, fmt.Errorf("lp url is required")
	}
	if topN <= 0 {
		return "", 0, fmt.Errorf("top_n must be > 0, got %d", topN)
	}

	lines := []string{
		fmt.Sprintf("【本日の注目公告 / 無料版】%s JST", postDate),
		"上位案件（ルールベース抽出）",
	}
	footer := []string{
		"詳細（有料版）: " + lpURL,
		"#入札 #公募 #官公庁",
	}

	itemCount := 0
	if len(candidates) > topN {
		candidates = candidates[:topN]
	}
	for _, candidate := range candidates {
		line := fmt.Sprintf("%d. %s（%s）",
			itemCount+1, trim(candidate.Title, 36), trim(candidate.Organization, 14))
		withLine := strings.Join(append(append(append([]string{}, lines...), line), footer...), "\n")
		if utf8.RuneCountInString(withLine) > MaxPostLength {
			break
		}
		lines = append(lines, line)
		itemCount++
	}
	if itemCount == 0 {
		lines = append(lines, "本日は無料版に掲載する新規案件がありません。")
	}

	content := strings.Join(append(lines, footer...), "\n")
	if utf8.RuneCountInString(content) > MaxPostLength {
		return "", 0, fmt.Errorf("draft content exceeds %d characters: len=%d",
			MaxPostLength, utf8.RuneCountInString(content))
	}
	return content, itemCount, nil
}

// DayRangeUTC returns the JST calendar date for now plus the UTC instants
// bounding that JST day, half-open.
func DayRangeUTC(now time.Time) (string, time.Time, time.Time) {
	nowJST := now.In(jst)
	postDate := nowJST.Format("2006-01-02")
	start := time.Date(nowJST.Year(), nowJST.Month(), nowJST.Day(), 0, 0, 0, 0, jst)
	return postDate, start.UTC(), start.AddDate(0, 0, 1).UTC()
}

// GenerateDraft builds today's draft from the delivery ledger. If a draft
// row already exists for the date and force is false, the existing file
// content is returned with Skipped set and nothing is written.
func GenerateDraft(ctx context.Context, st *store.Store, outputDir, lpURL string, topN int, now time.Time, force bool) (*DraftResult, error) {
	if topN <= 0 {
		return nil, fmt.Errorf("top_n must be > 0, got %d", topN)
	}
	postDate, from, to := DayRangeUTC(now)
	outputPath := filepath.Join(outputDir, postDate+".txt")

	existing, err := st.DraftForDate(ctx, postDate)
	if err != nil {
		return nil, err
	}
	if existing != nil && !force {
		content := ""
		if data, err := os.ReadFile(outputPath); err == nil {
			content = string(data)
		}
		return &DraftResult{
			PostDate:   postDate,
			OutputPath: outputPath,
			Content:    content,
			Skipped:    true,
		}, nil
	}

	candidates, err := st.TopDeliveredItems(ctx, from, to, topN*3)
	if err != nil {
		return nil, err
	}
	content, itemCount, err := BuildPostContent(postDate, candidates, topN, lpURL)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create draft dir: %w", err)
	}
	if err := os.WriteFile(outputPath, []byte(content+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write draft file: %w", err)
	}

	if err := st.RecordDraft(ctx, store.Draft{
		PostDate:    postDate,
		GeneratedAt: now,
		TopN:        topN,
		ItemCount:   itemCount,
		LPURL:       lpURL,
		Content:     content,
	}, force); err != nil {
		return nil, err
	}

	return &DraftResult{
		PostDate:   postDate,
		OutputPath: outputPath,
		Content:    content,
		ItemCount:  itemCount,
	}, nil
}
