// Package mailer builds and sends the plain-text digest and operator alerts.
//
// Bodies are assembled as plain UTF-8 text. The digest lists every keyword
// set in declared order, including empty ones, so a reader can tell "no
// matches" apart from "set missing from the run".
package mailer

import (
	"fmt"
	"strings"
	"time"

	"github.com/htaguchi/bidwatch/internal/config"
	"github.com/htaguchi/bidwatch/internal/feed"
	"github.com/htaguchi/bidwatch/internal/score"
)

// JST is the display timezone for digest timestamps and dates.
var JST = time.FixedZone("JST", 9*60*60)

// DigestSubject returns the digest subject for the given JST instant.
func DigestSubject(nowJST time.Time) string {
	return fmt.Sprintf("[bidwatch] %s JST 入札/公募サマリ", nowJST.Format("2006-01-02"))
}

// DigestBody renders the digest. Keyword sets appear in slice order; selected
// holds the chosen scored items per set id.
func DigestBody(
	nowJST time.Time,
	keywordSets []config.KeywordSet,
	selected map[string][]score.Scored,
	failures []feed.SourceFailure,
	unsubscribeContact string,
) string {
	var b strings.Builder
	fmt.Fprintf(&b, "実行時刻(JST): %s\n\n", nowJST.Format("2006-01-02 15:04:05"))

	for _, set := range keywordSets {
		fmt.Fprintf(&b, "[%s]\n", set.Name)
		records := selected[set.ID]
		if len(records) == 0 {
			b.WriteString("- 0件\n")
		}
		for _, rec := range records {
			b.WriteString(itemLine(rec))
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}

	if len(failures) > 0 {
		b.WriteString("取得失敗ソース:\n")
		for _, failure := range failures {
			fmt.Fprintf(&b, "- %s (%s): %s\n", failure.SourceID, failure.SourceURL, failure.Error)
		}
		b.WriteByte('\n')
	}

	b.WriteString("免責:\n")
	b.WriteString("- 本メールは公式情報へのリンク参照を補助するものです。\n")
	b.WriteString("- 応募可否・要件・締切は必ず公式ページで最終確認してください。\n")
	fmt.Fprintf(&b, "- 配信停止: %s へ連絡してください。\n", unsubscribeContact)

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func itemLine(rec score.Scored) string {
	item := rec.Item
	datePart := "-"
	if item.PublishedAt != nil {
		datePart = item.PublishedAt.In(JST).Format("2006-01-02")
	}
	deadlinePart := ""
	if item.DeadlineAt != "" {
		deadlinePart = ", deadline=" + item.DeadlineAt
	}
	return fmt.Sprintf("- %d | %s | %s | %s%s | %s",
		rec.Score, item.Title, item.Organization, datePart, deadlinePart, item.URL)
}

// FailureSubject returns the operator alert subject.
func FailureSubject(nowJST time.Time) string {
	return fmt.Sprintf("[bidwatch][ERROR] %s JST", nowJST.Format("2006-01-02 15:04"))
}

// FailureBody renders the operator alert with the failure context.
func FailureBody(nowJST time.Time, contextMessage string) string {
	return fmt.Sprintf("実行時刻(JST): %s\n障害内容:\n%s\n",
		nowJST.Format("2006-01-02 15:04:05"), contextMessage)
}
