package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/htaguchi/bidwatch/internal/config"
	"github.com/htaguchi/bidwatch/internal/publish"
	"github.com/htaguchi/bidwatch/internal/store"
)

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	*RootOptions
	Database       string
	DraftDir       string
	ReceiptDir     string
	Mode           string
	DryRun         bool
	Live           bool
	OnMissingRoute string
	Force          bool
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish today's draft as a social post",
		Long: `Publish today's generated draft through the configured route (webhook or
API), at most once per JST day. Exactly one of --dry-run and --live must
be given; a dry run validates the draft and writes a receipt without any
network call.

Example:
  bidwatch publish --db data/app.db --dry-run
  bidwatch publish --db data/app.db --live --mode webhook`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (defaults to DB_PATH)")
	cmd.Flags().StringVar(&opts.DraftDir, "draft-dir", "out/drafts", "directory holding draft text files")
	cmd.Flags().StringVar(&opts.ReceiptDir, "receipt-dir", "out/receipts", "directory for publish receipts")
	cmd.Flags().StringVar(&opts.Mode, "mode", publish.ModeAuto, "publish mode (auto|manual|webhook|api)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "validate without posting")
	cmd.Flags().BoolVar(&opts.Live, "live", false, "actually post")
	cmd.Flags().StringVar(&opts.OnMissingRoute, "on-missing-route", "", "live policy when no route is configured (fail|dry-run-success)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "republish even if today already has a post record")

	return cmd
}

func runPublish(cmd *cobra.Command, opts *PublishOptions) error {
	if opts.DryRun == opts.Live {
		return NewExitError(ExitCommandError, "exactly one of --dry-run and --live is required")
	}

	runtime, err := config.LoadRuntime(os.Getenv, opts.Database, config.Requirements{})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid runtime configuration", err)
	}
	onMissing := opts.OnMissingRoute
	if onMissing == "" {
		onMissing = runtime.OnMissingRoute
	}

	st, err := store.Open(runtime.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	result, err := publish.Run(cmd.Context(), st, publish.NewHTTPPoster(), publish.Options{
		Mode:           opts.Mode,
		DryRun:         opts.DryRun,
		Force:          opts.Force,
		DraftDir:       opts.DraftDir,
		ReceiptDir:     opts.ReceiptDir,
		WebhookURL:     runtime.WebhookURL,
		UserToken:      runtime.UserAccessToken,
		AppToken:       runtime.AppBearerToken,
		LPURL:          runtime.LPURL,
		OnMissingRoute: onMissing,
		Now:            time.Now(),
	})
	if err != nil {
		var routeErr *publish.RouteError
		if errors.As(err, &routeErr) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "no publish route: %s\n", routeErr.Detail)
			if len(routeErr.Missing) > 0 {
				fmt.Fprintf(out, "missing requirements: %s\n", strings.Join(routeErr.Missing, ", "))
			}
			return WrapExitError(ExitCommandError, "publish route not configured", err)
		}
		return WrapExitError(ExitFailure, "publish failed", err)
	}

	printPublishResult(cmd, result)
	return nil
}

func printPublishResult(cmd *cobra.Command, result *publish.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "publish %s: status=%s mode=%s route=%s\n",
		result.PostDate, result.Status, result.Mode, result.Route)
	if result.Reason != "" {
		fmt.Fprintf(out, "reason: %s\n", result.Reason)
	}
	fmt.Fprintf(out, "duplicate_check: %s\n", result.DuplicateCheck)
	if result.DraftPath != "" {
		fmt.Fprintf(out, "draft: %s\n", result.DraftPath)
	}
	if result.PlannedText != "" {
		fmt.Fprintln(out, "planned_text_begin")
		fmt.Fprintln(out, result.PlannedText)
		fmt.Fprintln(out, "planned_text_end")
	}
	if len(result.Missing) > 0 {
		fmt.Fprintf(out, "missing_requirements: %s\n", strings.Join(result.Missing, ", "))
	}
	if result.ResponseID != "" {
		fmt.Fprintf(out, "response_id: %s\n", result.ResponseID)
	}
	if result.ReceiptPath != "" {
		fmt.Fprintf(out, "receipt: %s\n", result.ReceiptPath)
	}
}
