package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/htaguchi/bidwatch/internal/config"
	"github.com/htaguchi/bidwatch/internal/publish"
	"github.com/htaguchi/bidwatch/internal/store"
)

// DraftOptions holds flags for the draft command.
type DraftOptions struct {
	*RootOptions
	Database  string
	OutputDir string
	TopN      int
	LPURL     string
	Force     bool
}

// NewDraftCommand creates the draft command.
func NewDraftCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DraftOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Generate today's social post draft",
		Long: `Build today's post text from items delivered during the current JST day,
write it under the output directory, and record the generation. A second
run on the same date reuses the existing draft unless --force is given.

Example:
  bidwatch draft --db data/app.db --lp-url https://example.com/lp
  bidwatch draft --top-n 3 --force`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDraft(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (defaults to DB_PATH)")
	cmd.Flags().StringVar(&opts.OutputDir, "output-dir", "out/drafts", "directory for draft text files")
	cmd.Flags().IntVar(&opts.TopN, "top-n", 5, "maximum items in the post")
	cmd.Flags().StringVar(&opts.LPURL, "lp-url", "", "landing page URL (defaults to LP_PUBLIC_URL)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "regenerate even if today's draft exists")

	return cmd
}

func runDraft(cmd *cobra.Command, opts *DraftOptions) error {
	runtime, err := config.LoadRuntime(os.Getenv, opts.Database, config.Requirements{})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid runtime configuration", err)
	}
	lpURL := opts.LPURL
	if lpURL == "" {
		lpURL = runtime.LPURL
	}
	if lpURL == "" {
		return NewExitError(ExitCommandError, "landing page URL is required (--lp-url or LP_PUBLIC_URL)")
	}

	st, err := store.Open(runtime.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	result, err := publish.GenerateDraft(cmd.Context(), st, opts.OutputDir, lpURL, opts.TopN, time.Now(), opts.Force)
	if err != nil {
		return WrapExitError(ExitFailure, "draft generation failed", err)
	}

	if result.Skipped {
		fmt.Fprintf(cmd.OutOrStdout(), "draft for %s already exists: %s\n", result.PostDate, result.OutputPath)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "draft for %s written: %s (%d items)\n",
		result.PostDate, result.OutputPath, result.ItemCount)
	return nil
}
