package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/htaguchi/bidwatch/internal/config"
	"github.com/htaguchi/bidwatch/internal/feed"
	"github.com/htaguchi/bidwatch/internal/mailer"
	"github.com/htaguchi/bidwatch/internal/pipeline"
	"github.com/htaguchi/bidwatch/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Sources  string
	Keywords string
	Database string
	DryRun   bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch feeds, score items and send the digest",
		Long: `Run one batch cycle: fetch every enabled source, score entries against
the keyword sets, drop already-delivered items, and send the digest mail
to active subscribers. With --dry-run the digest is composed but nothing
is sent and no delivery is recorded.

Example:
  bidwatch run --db data/app.db
  bidwatch run --sources data/sources.yaml --dry-run --verbose`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Sources, "sources", "data/sources.yaml", "path to source definitions")
	cmd.Flags().StringVar(&opts.Keywords, "keywords", "data/keyword_sets.yaml", "path to keyword set definitions")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (defaults to DB_PATH)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "compose but do not send or record")

	return cmd
}

func runBatch(cmd *cobra.Command, opts *RunOptions) error {
	sources, err := config.LoadSources(opts.Sources)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load sources", err)
	}
	sets, err := config.LoadKeywordSets(opts.Keywords)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load keyword sets", err)
	}
	runtime, err := config.LoadRuntime(os.Getenv, opts.Database, config.Requirements{
		SMTP:  !opts.DryRun,
		Admin: true,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid runtime configuration", err)
	}

	slog.Info("opening database", "path", runtime.DBPath)
	st, err := store.Open(runtime.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	deps := pipeline.Deps{
		Store: st,
		Fetch: feed.NewHTTPFetcher(),
		Log:   slog.Default(),
	}
	var sender mailer.Sender
	if runtime.SMTP != nil {
		sender = mailer.NewSMTPSender(*runtime.SMTP)
		deps.Mail = sender
	}

	result, err := pipeline.Run(cmd.Context(), deps, pipeline.Options{
		Sources:            sources,
		Sets:               sets,
		AdminEmail:         runtime.AdminEmail,
		MaxTotalItems:      runtime.MaxTotalItems,
		SendAdminCopy:      runtime.SendAdminCopy,
		UnsubscribeContact: runtime.UnsubscribeContact,
		DryRun:             opts.DryRun,
	})
	if err != nil {
		notifyRunFailure(cmd.Context(), sender, runtime, err)
		return WrapExitError(ExitFailure, "run failed", err)
	}

	selectedCount := 0
	for _, records := range result.SelectedBySet {
		selectedCount += len(records)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: fetched=%d selected=%d recipients=%d sent=%t dry_run=%t\n",
		result.RunID, result.FetchedCount, selectedCount, len(result.Recipients), result.DigestSent, opts.DryRun)

	// A run with failed sources, or one that fetched nothing at all, still
	// succeeds; the operator gets a warning mail instead of a failed cron job.
	if !opts.DryRun && sender != nil {
		sendFetchAlert(cmd.Context(), sender, runtime, result)
	}

	return nil
}

// sendFetchAlert mails the operator when sources failed or the whole run
// came back empty. Alert delivery problems are logged, never fatal.
func sendFetchAlert(ctx context.Context, sender mailer.Sender, runtime *config.Runtime, result *pipeline.Result) {
	if len(result.Failures) == 0 && result.FetchedCount > 0 {
		return
	}
	nowJST := time.Now().In(mailer.JST)
	subject := fmt.Sprintf("[bidwatch][WARN] %s JST feed fetch failures", nowJST.Format("2006-01-02"))
	body := fetchAlertBody(nowJST, result)
	if err := sender.Send(ctx, runtime.AdminEmail, subject, body); err != nil {
		slog.Error("failed to send fetch alert", "error", err)
	}
}

func fetchAlertBody(nowJST time.Time, result *pipeline.Result) string {
	var b strings.Builder
	if result.FetchedCount == 0 {
		b.WriteString("取得結果が0件です（全ソース失敗または全件欠損の可能性）。\n")
	} else {
		b.WriteString("RSS取得失敗ソースが発生しました。\n")
	}
	b.WriteString(fmt.Sprintf("\n実行時刻: %s JST\n取得件数: %d\n", nowJST.Format("2006-01-02 15:04"), result.FetchedCount))
	if len(result.Failures) > 0 {
		b.WriteString("\n失敗ソース:\n")
		for _, f := range result.Failures {
			b.WriteString(fmt.Sprintf("- %s (%s): %s\n", f.SourceID, f.SourceURL, f.Error))
		}
	}
	return b.String()
}

// notifyRunFailure mails the admin about a failed run. Best effort: when
// SMTP itself is the problem the error is only logged.
func notifyRunFailure(ctx context.Context, sender mailer.Sender, runtime *config.Runtime, runErr error) {
	if sender == nil || runtime.AdminEmail == "" {
		return
	}
	nowJST := time.Now().In(mailer.JST)
	subject := mailer.FailureSubject(nowJST)
	body := mailer.FailureBody(nowJST, runErr.Error())
	if err := sender.Send(ctx, runtime.AdminEmail, subject, body); err != nil {
		slog.Error("failed to send failure notification", "error", err)
	}
}
