package main

import (
	"context"
	"fmt"
	"time"

	"basketbatch/internal/batch"
	"basketbatch/internal/config"
	"basketbatch/internal/engine"
	"basketbatch/internal/events"
	"basketbatch/internal/logging"
	"basketbatch/internal/market"
	"basketbatch/internal/store"
)

// node is an engine wired to the simulated market.
type node struct {
	engine *engine.Engine
	market *market.Market
	source *market.YieldSource
}

// openStore opens the configured journal backend.
func openStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case "sqlite":
		s, err := store.NewSQLiteStore(sc.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := store.OpenPGStore(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
}

// buildNode restores an engine from st. The simulated market keeps no state
// across restarts; the yield source resumes at the vault's last reported
// value. now may be nil for wall-clock time.
func buildNode(ctx context.Context, c *config.Config, st store.Store, now func() time.Time) (*node, error) {
	mc, err := c.MarketOptions()
	if err != nil {
		return nil, err
	}
	m, err := market.New(mc)
	if err != nil {
		return nil, fmt.Errorf("market: %w", err)
	}
	supply, err := c.InitialBasketSupply()
	if err != nil {
		return nil, err
	}
	if !supply.IsZero() {
		if err := m.SeedBasketSupply(supply); err != nil {
			return nil, fmt.Errorf("market: %w", err)
		}
	}
	params, err := c.BatchParams()
	if err != nil {
		return nil, err
	}
	vc, err := c.VaultOptions()
	if err != nil {
		return nil, err
	}

	source := market.NewYieldSource()
	e, err := engine.New(ctx, engine.Options{
		Reserve:       batch.Asset(c.Engine.Reserve),
		Basket:        batch.Asset(c.Engine.Basket),
		Components:    m.Components(),
		Collaborators: m.Collaborators(),
		Params:        params,
		YieldSource:   source,
		Vault:         vc,
		Store:         st,
		Bus:           events.NewBus(c.Server.EventBuffer),
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	view, err := e.VaultState(ctx)
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	if !view.LastReportValue.IsZero() {
		source.SetValue(view.LastReportValue)
		logging.Boot("yield source resumed at %s", view.LastReportValue.Format())
	}
	return &node{engine: e, market: m, source: source}, nil
}

// reconcile brings the engine's governed settings in line with c, acting
// as the governor c names. Settings that already match are left alone, so
// nothing is journaled when c is unchanged.
func reconcile(ctx context.Context, e *engine.Engine, c *config.Config) error {
	governor := c.GovernorAddress()
	view, err := e.VaultState(ctx)
	if err != nil {
		return err
	}

	if view.Rates != c.Vault.Fees {
		if err := e.SetFeeRates(ctx, governor, c.Vault.Fees); err != nil {
			return fmt.Errorf("apply fee rates: %w", err)
		}
		logging.ConfigLog("fee rates now %d/%d/%d bps",
			c.Vault.Fees.ManagementBps, c.Vault.Fees.PerformanceBps, c.Vault.Fees.WithdrawalBps)
	}

	vc, err := c.VaultOptions()
	if err != nil {
		return err
	}
	if view.FeeRecipient != vc.FeeRecipient {
		if err := e.SetFeeRecipient(ctx, governor, vc.FeeRecipient); err != nil {
			return fmt.Errorf("apply fee recipient: %w", err)
		}
		logging.ConfigLog("fee recipient now %s", vc.FeeRecipient.Hex())
	}

	params, err := c.BatchParams()
	if err != nil {
		return err
	}
	cur := e.BatchParams()
	if cur.Cooldown != params.Cooldown || !cur.MintThreshold.Equal(params.MintThreshold) || !cur.RedeemThreshold.Equal(params.RedeemThreshold) {
		if err := e.SetBatchParams(ctx, governor, params); err != nil {
			return fmt.Errorf("apply batch params: %w", err)
		}
		logging.ConfigLog("batch params now cooldown=%s mint=%s redeem=%s",
			params.Cooldown, params.MintThreshold.Format(), params.RedeemThreshold.Format())
	}
	return nil
}
