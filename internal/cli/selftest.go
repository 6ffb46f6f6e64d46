package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/htaguchi/bidwatch/internal/config"
	"github.com/htaguchi/bidwatch/internal/store"
)

// SelfTestOptions holds flags for the self-test command.
type SelfTestOptions struct {
	*RootOptions
	Sources  string
	Keywords string
	Database string
	SkipSMTP bool
}

// NewSelfTestCommand creates the self-test command. It validates every
// deployment prerequisite without fetching or sending anything.
func NewSelfTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SelfTestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "self-test",
		Short: "Validate configuration, environment and database",
		Long: `Check that the source and keyword configs parse, required environment
variables are present, and the database can be opened and migrated.
--skip-smtp relaxes the SMTP and admin-address requirements so the check
can run outside the production environment.

Example:
  bidwatch self-test --db data/app.db
  bidwatch self-test --skip-smtp`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelfTest(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Sources, "sources", "data/sources.yaml", "path to source definitions")
	cmd.Flags().StringVar(&opts.Keywords, "keywords", "data/keyword_sets.yaml", "path to keyword set definitions")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (defaults to DB_PATH)")
	cmd.Flags().BoolVar(&opts.SkipSMTP, "skip-smtp", false, "do not require SMTP and admin settings")

	return cmd
}

func runSelfTest(cmd *cobra.Command, opts *SelfTestOptions) error {
	sources, err := config.LoadSources(opts.Sources)
	if err != nil {
		return WrapExitError(ExitCommandError, "sources config", err)
	}
	sets, err := config.LoadKeywordSets(opts.Keywords)
	if err != nil {
		return WrapExitError(ExitCommandError, "keyword sets config", err)
	}
	runtime, err := config.LoadRuntime(os.Getenv, opts.Database, config.Requirements{
		SMTP:  !opts.SkipSMTP,
		Admin: !opts.SkipSMTP,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "runtime environment", err)
	}

	st, err := store.Open(runtime.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "database", err)
	}
	if err := st.Close(); err != nil {
		return WrapExitError(ExitCommandError, "database close", err)
	}

	slog.Debug("self-test passed",
		"sources", len(sources),
		"keyword_sets", len(sets),
		"db", runtime.DBPath,
		"smtp_configured", runtime.SMTP != nil)
	fmt.Fprintln(cmd.OutOrStdout(), "self-test: ok")
	return nil
}
