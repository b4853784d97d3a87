package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints recent escalation records.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show escalations")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentEscalations(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no escalations found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tChannel\tQuote\tQuoted\tMarket\tDev (bps)\tReprices\tQuote Age")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.ChannelID,
			shortID(rec.QuoteID),
			formatDecimal(rec.QuotedPrice, 4),
			formatDecimal(rec.CurrentPrice, 4),
			formatDecimal(rec.DeviationBps, 1),
			rec.RepriceCount,
			rec.CreatedAt.Sub(rec.QuotedAt).Truncate(time.Second),
		)
	}

	writer.Flush()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
