package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/htaguchi/bidwatch/internal/billing"
	"github.com/htaguchi/bidwatch/internal/config"
	"github.com/htaguchi/bidwatch/internal/store"
	"github.com/htaguchi/bidwatch/internal/subscribers"
)

const defaultBillingPlan = "stripe-monthly"

// NewBillingCommand creates the billing command group.
func NewBillingCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "billing",
		Short: "Billing provider integration",
	}

	cmd.AddCommand(newBillingCheckoutCommand(rootOpts))
	cmd.AddCommand(newBillingWebhookCommand(rootOpts))

	return cmd
}

func newBillingCheckoutCommand(rootOpts *RootOptions) *cobra.Command {
	var email, plan, keywordSets string

	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Create a hosted checkout session",
		Long: `Create a subscription checkout session for a customer and print its URL.
Reads BILLING_SECRET_KEY, BILLING_PRICE_ID, BILLING_SUCCESS_URL and
BILLING_CANCEL_URL from the environment. With BILLING_MOCK_MODE=1 no
provider call is made and a synthetic session is returned.

Example:
  bidwatch billing checkout --email taro@example.com`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			emailNorm, err := subscribers.ValidateEmail(email)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid customer email", err)
			}

			mock := config.BoolEnv(os.Getenv, "BILLING_MOCK_MODE", false)
			successURL := strings.TrimSpace(os.Getenv("BILLING_SUCCESS_URL"))
			cancelURL := strings.TrimSpace(os.Getenv("BILLING_CANCEL_URL"))
			if !mock && (successURL == "" || cancelURL == "") {
				return NewExitError(ExitCommandError, "BILLING_SUCCESS_URL and BILLING_CANCEL_URL are required")
			}
			if plan == "" {
				plan = strings.TrimSpace(os.Getenv("BILLING_DEFAULT_PLAN"))
			}
			if plan == "" {
				plan = defaultBillingPlan
			}

			client := &billing.CheckoutClient{
				SecretKey: strings.TrimSpace(os.Getenv("BILLING_SECRET_KEY")),
				PriceID:   strings.TrimSpace(os.Getenv("BILLING_PRICE_ID")),
				Mock:      mock,
			}
			result, err := client.CreateSession(cmd.Context(), billing.CheckoutParams{
				CustomerEmail: emailNorm,
				SuccessURL:    successURL,
				CancelURL:     cancelURL,
				Plan:          plan,
				KeywordSets:   subscribers.ParseKeywordSets(keywordSets),
			})
			if err != nil {
				return WrapExitError(ExitFailure, "checkout session failed", err)
			}

			out := cmd.OutOrStdout()
			if result.MockMode {
				fmt.Fprintln(out, "mock mode: no provider call was made")
			}
			fmt.Fprintf(out, "session: %s\n", result.SessionID)
			fmt.Fprintf(out, "checkout_url: %s\n", result.CheckoutURL)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "customer email address")
	cmd.Flags().StringVar(&plan, "plan", "", "plan label (defaults to BILLING_DEFAULT_PLAN)")
	cmd.Flags().StringVar(&keywordSets, "keyword-sets", "", "comma-separated keyword set IDs")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newBillingWebhookCommand(rootOpts *RootOptions) *cobra.Command {
	var database, payloadPath, signature string
	var skipSignatureCheck bool

	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Apply a billing webhook payload",
		Long: `Verify and apply one provider webhook payload from a file. Checkout
completion activates the subscriber; payment failures and subscription
cancellations stop delivery. Signature verification uses
BILLING_WEBHOOK_SECRET and is on unless BILLING_VERIFY_SIGNATURE or
--skip-signature-check disables it.

Example:
  bidwatch billing webhook --db data/app.db --payload event.json --signature "t=...,v1=..."`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := os.ReadFile(payloadPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read payload", err)
			}
			verify := config.BoolEnv(os.Getenv, "BILLING_VERIFY_SIGNATURE", true) && !skipSignatureCheck

			defaultPlan := strings.TrimSpace(os.Getenv("BILLING_DEFAULT_PLAN"))
			if defaultPlan == "" {
				defaultPlan = defaultBillingPlan
			}

			runtime, err := config.LoadRuntime(os.Getenv, database, config.Requirements{})
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid runtime configuration", err)
			}
			st, err := store.Open(runtime.DBPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open database", err)
			}
			defer st.Close()

			result, err := billing.ApplyWebhook(cmd.Context(), st, payload, billing.WebhookOptions{
				SignatureHeader: signature,
				Secret:          strings.TrimSpace(os.Getenv("BILLING_WEBHOOK_SECRET")),
				VerifySignature: verify,
				DefaultPlan:     defaultPlan,
				DefaultKeywords: subscribers.ParseKeywordSets(os.Getenv("BILLING_DEFAULT_KEYWORD_SETS")),
				Now:             time.Now(),
			})
			if err != nil {
				return WrapExitError(ExitFailure, "webhook rejected", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "event %s (%s): %s", result.EventID, result.EventType, result.Action)
			if result.EmailNorm != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " subscriber=%s status=%s", result.EmailNorm, result.Status)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().StringVar(&database, "db", "", "path to SQLite database (defaults to DB_PATH)")
	cmd.Flags().StringVar(&payloadPath, "payload", "", "path to the raw webhook payload file")
	cmd.Flags().StringVar(&signature, "signature", "", "signature header value (t=...,v1=...)")
	cmd.Flags().BoolVar(&skipSignatureCheck, "skip-signature-check", false, "apply without verifying the signature")
	_ = cmd.MarkFlagRequired("payload")

	return cmd
}
