package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/paywall/pkg/gateway"
	"github.com/mihaimyh/paywall/pkg/gateway/manualtest"
	pwzerolog "github.com/mihaimyh/paywall/pkg/paywall/logger/zerolog"
)

type signOptions struct {
	eventType     string
	objectID      string
	paymentIntent string
	transactionID string
	amountMinor   int64
	currency      string
	secret        string
	url           string
}

func signWebhookCmd(flags *globalFlags) *cobra.Command {
	opts := &signOptions{}

	cmd := &cobra.Command{
		Use:   "sign-webhook",
		Short: "Build a signed manual test webhook for local development",
		Long: `Build a manual test webhook body and its signature header.

The secret defaults to manual_test.webhook_secret from the config file.
With --url the webhook is POSTed and the response status printed.

Examples:
  paywallctl sign-webhook --object-id pi_123 --transaction 3f2a...
  paywallctl sign-webhook --type charge.refunded --object-id ch_1 --payment-intent pi_123 \
    --url http://localhost:8080/webhooks/manual_test`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSign(cmd, flags, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.eventType, "type", "t", gateway.EventPaymentSucceeded, "event type")
	cmd.Flags().StringVar(&opts.objectID, "object-id", "", "processor object ID (intent, session or charge)")
	cmd.Flags().StringVar(&opts.paymentIntent, "payment-intent", "", "payment intent a charge or session belongs to")
	cmd.Flags().StringVar(&opts.transactionID, "transaction", "", "transaction ID carried in metadata")
	cmd.Flags().Int64Var(&opts.amountMinor, "amount", 0, "amount in minor units")
	cmd.Flags().StringVar(&opts.currency, "currency", "usd", "ISO 4217 currency")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "signing secret (overrides the config file)")
	cmd.Flags().StringVar(&opts.url, "url", "", "POST the signed webhook to this URL")
	_ = cmd.MarkFlagRequired("object-id")

	return cmd
}

func runSign(cmd *cobra.Command, flags *globalFlags, opts *signOptions) error {
	secret := opts.secret
	if secret == "" {
		provider, err := loadSettings(flags, pwzerolog.New(io.Discard, "error"), false)
		if err != nil {
			return err
		}
		secret = provider.ManualTestCredentials().WebhookSecret()
	}
	if secret == "" {
		return fmt.Errorf("no signing secret: set manual_test.webhook_secret or pass --secret")
	}

	payload := manualtest.Payload{
		Type:            opts.eventType,
		ObjectID:        opts.objectID,
		PaymentIntentID: opts.paymentIntent,
		AmountMinor:     opts.amountMinor,
		Currency:        opts.currency,
	}
	if opts.transactionID != "" {
		payload.Metadata = map[string]string{gateway.MetaTransactionID: opts.transactionID}
	}

	body, header, err := manualtest.Sign(payload, secret, nowUTC())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.url == "" {
		fmt.Fprintf(out, "%s: %s\n%s\n", manualtest.HeaderSignature, header, body)
		return nil
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, opts.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(manualtest.HeaderSignature, header)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	fmt.Fprintf(out, "%s\n%s\n", resp.Status, bytes.TrimSpace(respBody))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook rejected with %s", resp.Status)
	}
	return nil
}
