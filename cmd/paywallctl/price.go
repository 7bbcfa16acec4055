package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/paywall/pkg/paywall"
	pwzerolog "github.com/mihaimyh/paywall/pkg/paywall/logger/zerolog"
)

func priceCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "price",
		Short: "Print the price table purchases will be charged from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			provider, err := loadSettings(flags, pwzerolog.New(io.Discard, "error"), false)
			if err != nil {
				return err
			}
			return printPrices(cmd.Context(), cmd.OutOrStdout(), paywall.NewPricingResolver(provider))
		},
	}
}
