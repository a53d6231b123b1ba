package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"basketbatch/internal/batch"
	"basketbatch/internal/config"
	"basketbatch/internal/engine"
	"basketbatch/internal/events"
	"basketbatch/internal/fixedpoint"
	"basketbatch/internal/store"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

var (
	simDeposit  string
	simYieldBps uint32
)

// simulateCmd runs a scripted cycle against an in-memory engine
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a scripted mint, redeem, zap and vault cycle in memory",
	Long: `Builds an engine over the configured market with an in-memory store and
a simulated clock, then:
  1. Three depositors fund a mint batch, which settles and is claimed
  2. Each redeems half of their basket tokens; one zaps the payout to USDC
  3. A fourth account zaps stablecoins into the next mint batch and back out
  4. Two accounts use the share vault across a year of yield

Nothing is written to the configured store.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simDeposit, "deposit", "100", "Reserve each depositor puts into the mint batch")
	simulateCmd.Flags().Uint32Var(&simYieldBps, "yield-bps", 500, "Yield the vault position earns over the simulated year, in bps")
}

type simClock struct{ t time.Time }

func (c *simClock) now() time.Time          { return c.t }
func (c *simClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type simAccount struct {
	name string
	addr common.Address
}

var (
	simAlice = simAccount{"alice", common.HexToAddress("0x00000000000000000000000000000000000000a1")}
	simBob   = simAccount{"bob", common.HexToAddress("0x00000000000000000000000000000000000000b2")}
	simCarol = simAccount{"carol", common.HexToAddress("0x00000000000000000000000000000000000000c3")}
	simDave  = simAccount{"dave", common.HexToAddress("0x00000000000000000000000000000000000000d4")}
)

func runSimulate(cmd *cobra.Command, args []string) error {
	amount, err := fixedpoint.Parse(simDeposit)
	if err != nil {
		return fmt.Errorf("--deposit: %w", err)
	}
	if amount.IsZero() {
		return fmt.Errorf("--deposit must be positive")
	}

	sim := *cfg
	sim.Store = config.StoreConfig{Driver: "memory"}
	clock := &simClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	n, err := buildNode(cmd.Context(), &sim, store.NewMemoryStore(), clock.now)
	if err != nil {
		return err
	}
	defer n.engine.Close()

	report, err := simulate(cmd.Context(), n, clock, amount, sim.Engine.SlippageBps, simYieldBps)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), report)
	return nil
}

// simulate runs the script and renders what happened.
func simulate(ctx context.Context, n *node, clock *simClock, amount fixedpoint.Amount, slippageBps, yieldBps uint32) (string, error) {
	s := defaultStyles()
	e := n.engine
	var out strings.Builder
	opts := batch.ExecuteOptions{SlippageBps: slippageBps}
	depositors := []simAccount{simAlice, simBob, simCarol}

	// Mint
	for _, a := range depositors {
		if _, err := e.DepositForMint(ctx, a.addr, amount); err != nil {
			return "", fmt.Errorf("%s mint deposit: %w", a.name, err)
		}
	}
	clock.advance(e.BatchParams().Cooldown)
	minted, err := e.Execute(ctx, batch.Mint, opts)
	if err != nil {
		return "", fmt.Errorf("execute mint: %w", err)
	}
	mintTable := newTable(fmt.Sprintf("Mint batch %d", minted.Batch.ID), "account", "deposited", "basket received")
	basket := make(map[common.Address]fixedpoint.Amount)
	for _, a := range depositors {
		c, err := e.Claim(ctx, minted.Batch.ID, a.addr)
		if err != nil {
			return "", fmt.Errorf("%s claim: %w", a.name, err)
		}
		basket[a.addr] = c.Payout
		mintTable.add(a.name, amount.Format(), c.Payout.Format())
	}
	out.WriteString(mintTable.render(s))

	// Redeem half; carol takes her payout in USDC.
	redeemID := e.CurrentBatch(batch.Redeem).ID
	for _, a := range depositors {
		half, err := fixedpoint.DivFixed(basket[a.addr], fixedpoint.Units(2), fixedpoint.Floor)
		if err != nil {
			return "", err
		}
		if _, err := e.DepositForRedeem(ctx, a.addr, half); err != nil {
			return "", fmt.Errorf("%s redeem deposit: %w", a.name, err)
		}
	}
	clock.advance(e.BatchParams().Cooldown)
	if _, err := e.Execute(ctx, batch.Redeem, opts); err != nil {
		return "", fmt.Errorf("execute redeem: %w", err)
	}
	redeemTable := newTable(fmt.Sprintf("Redeem batch %d", redeemID), "account", "received", "asset")
	for _, a := range depositors[:2] {
		c, err := e.Claim(ctx, redeemID, a.addr)
		if err != nil {
			return "", fmt.Errorf("%s claim: %w", a.name, err)
		}
		redeemTable.add(a.name, c.Payout.Format(), string(c.OutputAsset))
	}
	zapped, err := e.ClaimAndSwapToStable(ctx, redeemID, "USDC", fixedpoint.Zero(), simCarol.addr)
	if err != nil {
		return "", fmt.Errorf("carol claim into USDC: %w", err)
	}
	redeemTable.add(simCarol.name, zapped.Received.Format(), string(zapped.Stable))
	out.WriteString(redeemTable.render(s))

	// Zap stables in, then a tenth back out.
	zapIn := map[batch.Asset]fixedpoint.Amount{"DAI": amount, "USDC": amount}
	total, err := amount.Add(amount)
	if err != nil {
		return "", err
	}
	minReserve, err := fixedpoint.Bps(total, fixedpoint.BpsDenominator-slippageBps)
	if err != nil {
		return "", err
	}
	in, err := e.ZapIntoQueue(ctx, simDave.addr, zapIn, minReserve)
	if err != nil {
		return "", fmt.Errorf("dave zap in: %w", err)
	}
	tenth, err := fixedpoint.DivFixed(in.Reserve, fixedpoint.Units(10), fixedpoint.Floor)
	if err != nil {
		return "", err
	}
	zapOut, err := e.ZapOutOfQueue(ctx, in.BatchID, tenth, "DAI", fixedpoint.Zero(), simDave.addr)
	if err != nil {
		return "", fmt.Errorf("dave zap out: %w", err)
	}
	queued, err := e.Batch(in.BatchID)
	if err != nil {
		return "", err
	}
	zapTable := newTable("Zapper", "step", "in", "out")
	zapTable.add("zap in (DAI+USDC)", total.Format(), in.Reserve.Format()+" reserve")
	zapTable.add("zap out", zapOut.Reserve.Format()+" reserve", zapOut.Received.Format()+" DAI")
	zapTable.add(fmt.Sprintf("mint batch %d", in.BatchID), "", queued.SuppliedTotal.Format()+" queued")
	out.WriteString(zapTable.render(s))

	// Vault
	aliceIn, err := fixedpoint.MulFixed(amount, fixedpoint.Units(10), fixedpoint.Floor)
	if err != nil {
		return "", err
	}
	bobIn, err := fixedpoint.MulFixed(amount, fixedpoint.Units(5), fixedpoint.Floor)
	if err != nil {
		return "", err
	}
	if _, err := e.VaultDeposit(ctx, simAlice.addr, aliceIn); err != nil {
		return "", fmt.Errorf("alice vault deposit: %w", err)
	}
	if _, err := e.VaultDeposit(ctx, simBob.addr, bobIn); err != nil {
		return "", fmt.Errorf("bob vault deposit: %w", err)
	}
	clock.advance(365 * 24 * time.Hour)
	yield, err := n.source.Accrue(yieldBps)
	if err != nil {
		return "", err
	}
	rep, err := e.VaultReport(ctx)
	if err != nil {
		return "", fmt.Errorf("vault report: %w", err)
	}
	shares, _, err := e.VaultBalance(ctx, simAlice.addr)
	if err != nil {
		return "", err
	}
	w, err := e.VaultWithdraw(ctx, simAlice.addr, shares)
	if err != nil {
		return "", fmt.Errorf("alice vault withdraw: %w", err)
	}
	view, err := e.VaultState(ctx)
	if err != nil {
		return "", err
	}
	out.WriteString(s.Title.Render("Share vault after one year") + "\n")
	out.WriteString(kv(s,
		[2]string{"yield earned", yield.Format()},
		[2]string{"management fee", rep.ManagementFee.Format()},
		[2]string{"performance fee", rep.PerformanceFee.Format()},
		[2]string{"fee shares minted", rep.FeeShares.Format()},
		[2]string{"alice deposited", aliceIn.Format()},
		[2]string{"alice withdrew", w.Net.Format() + " (fee " + w.Fee.Format() + ")"},
		[2]string{"shares outstanding", view.TotalShares.Format()},
		[2]string{"share price", view.SharePrice.Format()},
	))
	out.WriteString("\n")

	journal, err := allEvents(ctx, e)
	if err != nil {
		return "", err
	}
	out.WriteString(eventSummary(journal).render(s))
	return out.String(), nil
}

func allEvents(ctx context.Context, e *engine.Engine) ([]events.Event, error) {
	var all []events.Event
	var after uint64
	for {
		page, err := e.Events(ctx, after, store.DefaultEventLimit)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return all, nil
		}
		all = append(all, page...)
		after = page[len(page)-1].Seq
	}
}

// eventSummary counts events by kind in first-seen order.
func eventSummary(evs []events.Event) *table {
	var order []events.Kind
	counts := make(map[events.Kind]int)
	for _, ev := range evs {
		if counts[ev.Kind] == 0 {
			order = append(order, ev.Kind)
		}
		counts[ev.Kind]++
	}
	t := newTable(fmt.Sprintf("Journal (%d events)", len(evs)), "kind", "count")
	for _, k := range order {
		t.add(string(k), fmt.Sprint(counts[k]))
	}
	return t
}
