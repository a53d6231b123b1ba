package main

import (
	"context"
	"fmt"
	"time"

	"basketbatch/internal/batch"
	"basketbatch/internal/engine"

	"github.com/spf13/cobra"
)

// statusCmd shows the restored engine state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show open batches, cooldowns and the share vault",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	n, err := buildNode(ctx, cfg, st, nil)
	if err != nil {
		_ = st.Close()
		return err
	}
	defer n.engine.Close()

	out, err := renderStatus(ctx, n.engine)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

func renderStatus(ctx context.Context, e *engine.Engine) (string, error) {
	s := defaultStyles()

	times := e.BatchTimes()
	cooldowns := e.BatchCooldowns()
	params := e.BatchParams()
	batches := newTable(fmt.Sprintf("Open batches (seq %d)", e.Seq()),
		"kind", "id", "supplied", "threshold", "ready", "cooldown ends", "elapsed")
	for _, kind := range batch.Kinds {
		b := e.CurrentBatch(kind)
		ready := "no"
		if e.Ready(kind) == nil {
			ready = "yes"
		}
		bt, threshold, ends := times.Mint, params.MintThreshold, cooldowns.Mint
		if kind == batch.Redeem {
			bt, threshold, ends = times.Redeem, params.RedeemThreshold, cooldowns.Redeem
		}
		batches.add(kind.String(), fmt.Sprint(b.ID), b.SuppliedTotal.Format(), threshold.Format(),
			ready, ends.Format(time.RFC3339), fmt.Sprintf("%.0f%%", bt.PercentElapsed))
	}

	view, err := e.VaultState(ctx)
	if err != nil {
		return "", err
	}
	vault := kv(s,
		[2]string{"total shares", view.TotalShares.Format()},
		[2]string{"total value", view.TotalValue.Format()},
		[2]string{"share price", view.SharePrice.Format()},
		[2]string{"fees (bps)", fmt.Sprintf("mgmt %d, perf %d, withdrawal %d",
			view.Rates.ManagementBps, view.Rates.PerformanceBps, view.Rates.WithdrawalBps)},
		[2]string{"last report", view.LastReportTimestamp.Format(time.RFC3339)},
		[2]string{"governor", view.Governor.Hex()},
		[2]string{"fee recipient", view.FeeRecipient.Hex()},
	)

	return batches.render(s) + s.Title.Render("Share vault") + "\n" + vault + "\n", nil
}
