package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/paywall/pkg/paywall"
)

func retryCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Inspect and run queued entitlement side effects",
	}

	var (
		maxPasses int
		limit     int
	)
	drain := &cobra.Command{
		Use:   "drain",
		Short: "Run every due retry once",
		Long: `Run due grant and revoke retries against the configured storage.

Each pass processes one batch. Passes repeat until a pass completes nothing
or --max-passes is reached.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), flags, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			manager, _, err := a.newManager(nil)
			if err != nil {
				return err
			}
			defer manager.Wait()

			total := 0
			for pass := 0; pass < maxPasses; pass++ {
				n, err := manager.Reconciler().ProcessRetries(cmd.Context())
				total += n
				if err != nil {
					return fmt.Errorf("retry pass %d: %w", pass+1, err)
				}
				if n == 0 {
					break
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "completed %d retries\n", total)
			return nil
		},
	}
	drain.Flags().IntVar(&maxPasses, "max-passes", 10, "upper bound on batches processed")

	list := &cobra.Command{
		Use:   "list",
		Short: "List retries that are due now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), flags, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			due, err := a.storage.DueFailures(cmd.Context(), nowUTC(), paywall.DefaultConfig().MaxRetryAttempts, limit)
			if err != nil {
				return err
			}
			return printFailures(cmd.OutOrStdout(), due)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows")

	cmd.AddCommand(drain, list)
	return cmd
}
