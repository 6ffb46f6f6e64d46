package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/htaguchi/bidwatch/internal/config"
	"github.com/htaguchi/bidwatch/internal/store"
	"github.com/htaguchi/bidwatch/internal/subscribers"
)

// SubscriberOptions holds shared flags for the subscriber subcommands.
type SubscriberOptions struct {
	*RootOptions
	Database string
}

// NewSubscriberCommand creates the subscriber command group.
func NewSubscriberCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubscriberOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "subscriber",
		Short: "Manage digest subscribers",
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (defaults to DB_PATH)")

	cmd.AddCommand(newSubscriberAddCommand(opts))
	cmd.AddCommand(newSubscriberStopCommand(opts))
	cmd.AddCommand(newSubscriberListCommand(opts))

	return cmd
}

func openSubscriberStore(opts *SubscriberOptions) (*store.Store, error) {
	runtime, err := config.LoadRuntime(os.Getenv, opts.Database, config.Requirements{})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid runtime configuration", err)
	}
	st, err := store.Open(runtime.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func newSubscriberAddCommand(opts *SubscriberOptions) *cobra.Command {
	var email, status, plan, keywordSets string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update a subscriber",
		Long: `Register a subscriber, or update an existing one matched by normalized
email. Keyword sets are a comma-separated list of set IDs; an empty list
means every set.

Example:
  bidwatch subscriber add --email taro@example.com
  bidwatch subscriber add --email taro@example.com --plan manual --keyword-sets it,grants`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := subscribers.BuildInput(email, status, plan, keywordSets)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid subscriber", err)
			}
			st, err := openSubscriberStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			now := time.Now()
			if err := st.UpsertSubscriber(cmd.Context(), store.Subscriber{
				Email:       input.Email,
				EmailNorm:   input.EmailNorm,
				Status:      input.Status,
				Plan:        input.Plan,
				KeywordSets: subscribers.KeywordSetsToJSON(input.KeywordSets),
				CreatedAt:   now,
				UpdatedAt:   now,
			}); err != nil {
				return WrapExitError(ExitFailure, "failed to save subscriber", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "subscriber %s: %s\n", input.EmailNorm, input.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "subscriber email address")
	cmd.Flags().StringVar(&status, "status", subscribers.StatusActive, "subscriber status (active|paused|stopped)")
	cmd.Flags().StringVar(&plan, "plan", "", "billing plan label (defaults to manual)")
	cmd.Flags().StringVar(&keywordSets, "keyword-sets", "", "comma-separated keyword set IDs")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newSubscriberStopCommand(opts *SubscriberOptions) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:           "stop",
		Short:         "Stop a subscriber's delivery",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			emailNorm, err := subscribers.ValidateEmail(email)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid subscriber", err)
			}
			st, err := openSubscriberStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			found, err := st.UpdateSubscriberStatus(cmd.Context(), emailNorm, subscribers.StatusStopped, time.Now())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to update subscriber", err)
			}
			if !found {
				return NewExitError(ExitFailure, fmt.Sprintf("subscriber not found: %s", emailNorm))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "subscriber %s: stopped\n", emailNorm)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "subscriber email address")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

// subscriberRow is the JSON shape for one listed subscriber.
type subscriberRow struct {
	Email       string   `json:"email"`
	Status      string   `json:"status"`
	Plan        string   `json:"plan"`
	KeywordSets []string `json:"keyword_sets"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

func newSubscriberListCommand(opts *SubscriberOptions) *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List subscribers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if statusFilter != "" {
				if _, err := subscribers.ValidateStatus(statusFilter); err != nil {
					return WrapExitError(ExitCommandError, "invalid status filter", err)
				}
			}
			st, err := openSubscriberStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			all, err := st.ListSubscribers(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list subscribers", err)
			}

			rows := make([]subscriberRow, 0, len(all))
			for _, sub := range all {
				if statusFilter != "" && sub.Status != statusFilter {
					continue
				}
				rows = append(rows, subscriberRow{
					Email:       sub.Email,
					Status:      sub.Status,
					Plan:        sub.Plan,
					KeywordSets: subscribers.KeywordSetsFromJSON(sub.KeywordSets),
					CreatedAt:   sub.CreatedAt.UTC().Format(time.RFC3339),
					UpdatedAt:   sub.UpdatedAt.UTC().Format(time.RFC3339),
				})
			}

			formatter := &OutputFormatter{
				Format:  opts.Format,
				Writer:  cmd.OutOrStdout(),
				Verbose: opts.Verbose,
			}
			if formatter.Format == "json" {
				return formatter.Success(rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no subscribers")
				return nil
			}
			for _, row := range rows {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
					row.Email, row.Status, row.Plan, strings.Join(row.KeywordSets, ","))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "only show subscribers with this status")

	return cmd
}
