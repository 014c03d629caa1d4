package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
)

// Status prints the most recent journal events and the total event count.
func (a *App) Status(ctx context.Context, opts StatusOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("database.dsn is not configured; the status command needs the journal")
	}
	defer closeStore()

	total, err := store.CountEvents(ctx)
	if err != nil {
		return fmt.Errorf("counting events: %w", err)
	}
	records, err := store.ListRecentEvents(ctx, opts.Limit)
	if err != nil {
		return fmt.Errorf("listing events: %w", err)
	}

	fmt.Printf("Journal events: %d total, showing %d most recent\n\n", total, len(records))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tSENDER\tBIDDER\tBID")
	for _, rec := range records {
		bidID := rec.BidID
		if len(bidID) > 10 {
			bidID = bidID[:10] + "…"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.OccurredAt.Format("2006-01-02 15:04:05"),
			rec.Kind,
			rec.Sender,
			rec.Bidder,
			bidID,
		)
	}
	return w.Flush()
}
