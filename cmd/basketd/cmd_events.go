package main

import (
	"encoding/json"
	"fmt"
	"time"

	"basketbatch/internal/events"

	"github.com/spf13/cobra"
)

var (
	eventsAfter uint64
	eventsLimit int
	eventsJSON  bool
)

// eventsCmd dumps the journal
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print journaled events",
	Long: `Reads events from the configured store, oldest first.

Example:
  basketd events --after 120 --limit 20
  basketd events --json | jq 'select(.kind == "claimed")'`,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().Uint64Var(&eventsAfter, "after", 0, "Only events with seq above this")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 100, "Maximum events to print")
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "Print one JSON object per line")
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	evs, err := st.Events(ctx, eventsAfter, eventsLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if eventsJSON {
		enc := json.NewEncoder(out)
		for _, ev := range evs {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}
	fmt.Fprint(out, eventTable(evs).render(defaultStyles()))
	return nil
}

func eventTable(evs []events.Event) *table {
	t := newTable("Events", "seq", "kind", "batch", "account", "amount", "shares", "at")
	for _, ev := range evs {
		b := ""
		if ev.Batch != 0 {
			b = fmt.Sprint(ev.Batch)
		}
		t.add(fmt.Sprint(ev.Seq), string(ev.Kind), b, ev.Account.Hex(),
			ev.Amount.Format(), ev.Shares.Format(), ev.At.Format(time.RFC3339))
	}
	return t
}
