package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/mihaimyh/paywall/pkg/gateway"
	"github.com/mihaimyh/paywall/pkg/paywall"
)

var nowUTC = func() time.Time { return time.Now().UTC() }

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// printPrices renders the resolved price table. Unset purposes are listed
// so a missing price is visible before a purchase fails on it.
func printPrices(ctx context.Context, w io.Writer, resolver *paywall.PricingResolver) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "PURPOSE\tAMOUNT\tCURRENCY\tMINOR UNITS")
	for _, purpose := range paywall.Purposes {
		amount, currency, err := resolver.ResolvePrice(ctx, purpose, paywall.PriceContext{})
		if err != nil {
			fmt.Fprintf(tw, "%s\t-\t-\tnot configured\n", purpose)
			continue
		}
		exp, err := gateway.CurrencyExponent(currency)
		if err != nil {
			return err
		}
		minor, err := gateway.ToMinorUnits(amount, currency)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", purpose, amount.StringFixed(exp), currency, minor)
	}
	fmt.Fprintf(tw, "\nfeature window: %d days\n", resolver.FeatureDays())
	return tw.Flush()
}

func printFailures(w io.Writer, failures []*paywall.ReconcileFailure) error {
	if len(failures) == 0 {
		_, err := fmt.Fprintln(w, "no retries due")
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tTRANSACTION\tACTION\tATTEMPTS\tNEXT ATTEMPT\tLAST ERROR")
	for _, f := range failures {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			f.ID, f.TransactionID, f.Action, f.Attempts, f.NextAttemptAt.Format(time.RFC3339), f.LastError)
	}
	return tw.Flush()
}
