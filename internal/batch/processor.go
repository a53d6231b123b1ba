package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"basketbatch/internal/fixedpoint"
	"basketbatch/internal/logging"
)

// Params gate batch execution: a batch may settle once Cooldown has passed
// since the previous settlement of its kind, or earlier when its supplied
// total reaches the threshold of its kind.
type Params struct {
	Cooldown        time.Duration     `json:"cooldown"`
	MintThreshold   fixedpoint.Amount `json:"mint_threshold"`
	RedeemThreshold fixedpoint.Amount `json:"redeem_threshold"`
}

// DefaultParams returns a 1500 s cooldown, a 100 unit mint threshold and a
// 10 unit redeem threshold.
func DefaultParams() Params {
	return Params{
		Cooldown:        1500 * time.Second,
		MintThreshold:   fixedpoint.Units(100),
		RedeemThreshold: fixedpoint.Units(10),
	}
}

func (p Params) threshold(kind Kind) fixedpoint.Amount {
	if kind == Mint {
		return p.MintThreshold
	}
	return p.RedeemThreshold
}

// Validate rejects a negative cooldown.
func (p Params) Validate() error {
	if p.Cooldown < 0 {
		return fmt.Errorf("cooldown must be non-negative, got %s", p.Cooldown)
	}
	return nil
}

// ExecuteOptions are the caller's slippage bounds for one settlement.
type ExecuteOptions struct {
	// SlippageBps is the per-leg tolerance below the oracle-implied output.
	SlippageBps uint32
	// MinOutput is the minimum total output of the batch.
	MinOutput fixedpoint.Amount
}

// Result describes a settled batch.
type Result struct {
	Batch       Batch                 `json:"batch"`
	NextBatchID uint64                `json:"next_batch_id"`
	Allocations []ComponentAllocation `json:"allocations"`
}

// Processor gates and settles batches against the external collaborators.
// Like Queue it relies on the caller for serialization.
type Processor struct {
	queue      *Queue
	deps       Collaborators
	atomic     Atomic
	components []Component
	params     Params

	lastProcessedAt [2]time.Time
}

// NewProcessor returns a processor for the queue's batches. components lists
// the basket composition in settlement order; the last component absorbs
// allocation remainders. Both cooldowns start now.
func NewProcessor(q *Queue, deps Collaborators, components []Component, params Params) (*Processor, error) {
	if len(components) == 0 {
		return nil, errors.New("processor: basket has no components")
	}
	seen := make(map[Asset]bool, len(components))
	for _, c := range components {
		if c.YieldToken == "" || c.PoolToken == "" {
			return nil, fmt.Errorf("processor: incomplete component %+v", c)
		}
		if seen[c.YieldToken] {
			return nil, fmt.Errorf("processor: duplicate component %s", c.YieldToken)
		}
		seen[c.YieldToken] = true
	}
	if deps.Oracle == nil || deps.Venue == nil || deps.Issuance == nil || deps.Vaults == nil {
		return nil, errors.New("processor: missing collaborator")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("processor: %w", err)
	}
	now := q.now()
	return &Processor{
		queue:           q,
		deps:            deps,
		atomic:          deps.Atomicity(),
		components:      append([]Component(nil), components...),
		params:          params,
		lastProcessedAt: [2]time.Time{now, now},
	}, nil
}

// Params returns the current gate parameters.
func (p *Processor) Params() Params { return p.params }

// SetParams replaces the gate parameters.
func (p *Processor) SetParams(params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	p.params = params
	return nil
}

// Components returns the basket composition.
func (p *Processor) Components() []Component {
	return append([]Component(nil), p.components...)
}

// Ready returns nil when the open batch of kind may be executed now.
func (p *Processor) Ready(kind Kind) error {
	if !kind.valid() {
		return fmt.Errorf("invalid batch kind %d", int(kind))
	}
	elapsed := p.queue.now().Sub(p.lastProcessedAt[kind])
	if elapsed >= p.params.Cooldown {
		return nil
	}
	b := p.queue.Current(kind)
	if threshold := p.params.threshold(kind); b.SuppliedTotal.Gte(threshold) {
		return nil
	}
	return fmt.Errorf("%w: %s batch %d has %s of %s supplied, cooldown ends in %s",
		ErrBatchNotReady, kind, b.ID, b.SuppliedTotal.Format(), p.params.threshold(kind).Format(),
		(p.params.Cooldown - elapsed).Round(time.Second))
}

// Execute settles the open batch of kind. External calls all complete before
// any batch state changes; on error the queue is untouched, and when the
// collaborators are Atomic their side is rolled back too. An empty batch
// settles with zero output without calling out.
func (p *Processor) Execute(ctx context.Context, kind Kind, opts ExecuteOptions) (Result, error) {
	if err := p.Ready(kind); err != nil {
		return Result{}, err
	}
	if opts.SlippageBps > fixedpoint.BpsDenominator {
		return Result{}, fmt.Errorf("execute: %w: slippage %d bps", ErrInvalidAmount, opts.SlippageBps)
	}
	b := p.queue.Current(kind)

	var (
		output fixedpoint.Amount
		allocs []ComponentAllocation
	)
	if !b.SuppliedTotal.IsZero() {
		settle := func(ctx context.Context) error {
			var err error
			if kind == Mint {
				output, allocs, err = p.mint(ctx, b.SuppliedTotal, opts.SlippageBps)
			} else {
				output, allocs, err = p.redeem(ctx, b.SuppliedTotal, opts.SlippageBps)
			}
			if err != nil {
				return err
			}
			if output.Lt(opts.MinOutput) {
				return fmt.Errorf("%w: output %s below minimum %s", ErrSlippageExceeded, output.Format(), opts.MinOutput.Format())
			}
			return nil
		}
		var err error
		if p.atomic != nil {
			err = p.atomic.Atomically(ctx, settle)
		} else {
			err = settle(ctx)
		}
		if err != nil {
			logging.Get(logging.CategoryBatch).Warn("%s batch %d execution aborted: %v", kind, b.ID, err)
			return Result{}, fmt.Errorf("execute %s batch %d: %w", kind, b.ID, err)
		}
	}

	now := p.queue.now()
	settled := p.queue.finalize(kind, output, now)
	p.lastProcessedAt[kind] = now
	return Result{Batch: settled, NextBatchID: p.queue.CurrentID(kind), Allocations: allocs}, nil
}

// =============================================================================
// SETTLEMENT LEGS
// =============================================================================

func (p *Processor) mint(ctx context.Context, supplied fixedpoint.Amount, slippageBps uint32) (fixedpoint.Amount, []ComponentAllocation, error) {
	units, err := p.deps.Issuance.RequiredComponentUnits(ctx, fixedpoint.One)
	if err != nil {
		return fixedpoint.Amount{}, nil, quoteFailure(err, "required component units")
	}
	quotes, total, err := p.quote(ctx, units)
	if err != nil {
		return fixedpoint.Amount{}, nil, err
	}
	allocs, err := allocate(supplied, quotes, total)
	if err != nil {
		return fixedpoint.Amount{}, nil, err
	}

	balances := make([]ComponentUnits, len(allocs))
	for i, a := range allocs {
		balances[i] = ComponentUnits{YieldToken: a.PositionID, Units: fixedpoint.Zero()}
		if a.TargetAmount.IsZero() {
			continue
		}
		expected, err := fixedpoint.DivFixed(a.TargetAmount, quotes[i].virtualPrice, fixedpoint.Floor)
		if err != nil {
			return fixedpoint.Amount{}, nil, err
		}
		minOut, err := lessTolerance(expected, slippageBps)
		if err != nil {
			return fixedpoint.Amount{}, nil, err
		}
		poolOut, err := p.deps.Venue.Convert(ctx, a.TargetAmount, p.queue.reserve, a.PoolToken, minOut)
		if err != nil {
			return fixedpoint.Amount{}, nil, quoteFailure(err, "convert %s %s to %s", a.TargetAmount.Format(), p.queue.reserve, a.PoolToken)
		}
		if poolOut.Lt(minOut) {
			return fixedpoint.Amount{}, nil, fmt.Errorf("%w: %s leg returned %s, minimum %s", ErrSlippageExceeded, a.PoolToken, poolOut.Format(), minOut.Format())
		}
		shares, err := p.deps.Vaults.Deposit(ctx, a.PositionID, poolOut)
		if err != nil {
			return fixedpoint.Amount{}, nil, quoteFailure(err, "deposit %s into %s", poolOut.Format(), a.PositionID)
		}
		balances[i].Units = shares
	}

	minted, err := p.deps.Issuance.Issue(ctx, balances)
	if err != nil {
		return fixedpoint.Amount{}, nil, quoteFailure(err, "issue basket")
	}
	return minted, allocs, nil
}

func (p *Processor) redeem(ctx context.Context, supplied fixedpoint.Amount, slippageBps uint32) (fixedpoint.Amount, []ComponentAllocation, error) {
	redeemed, err := p.deps.Issuance.Redeem(ctx, supplied)
	if err != nil {
		return fixedpoint.Amount{}, nil, quoteFailure(err, "redeem basket")
	}
	legs, err := p.match(redeemed)
	if err != nil {
		return fixedpoint.Amount{}, nil, err
	}

	var total fixedpoint.Amount
	allocs := make([]ComponentAllocation, 0, len(legs))
	for i, leg := range legs {
		c := p.components[i]
		if leg.Units.IsZero() {
			allocs = append(allocs, ComponentAllocation{PositionID: c.YieldToken, PoolToken: c.PoolToken})
			continue
		}
		lp, err := p.deps.Vaults.Withdraw(ctx, c.YieldToken, leg.Units)
		if err != nil {
			return fixedpoint.Amount{}, nil, quoteFailure(err, "withdraw %s from %s", leg.Units.Format(), c.YieldToken)
		}
		vp, err := p.deps.Oracle.VirtualPrice(ctx, c.PoolToken)
		if err != nil {
			return fixedpoint.Amount{}, nil, quoteFailure(err, "virtual price of %s", c.PoolToken)
		}
		if vp.IsZero() {
			return fixedpoint.Amount{}, nil, fmt.Errorf("%w: zero virtual price for %s", ErrExternalQuoteFailure, c.PoolToken)
		}
		expected, err := fixedpoint.MulFixed(lp, vp, fixedpoint.Floor)
		if err != nil {
			return fixedpoint.Amount{}, nil, err
		}
		minOut, err := lessTolerance(expected, slippageBps)
		if err != nil {
			return fixedpoint.Amount{}, nil, err
		}
		out, err := p.deps.Venue.Convert(ctx, lp, c.PoolToken, p.queue.reserve, minOut)
		if err != nil {
			return fixedpoint.Amount{}, nil, quoteFailure(err, "convert %s %s to %s", lp.Format(), c.PoolToken, p.queue.reserve)
		}
		if out.Lt(minOut) {
			return fixedpoint.Amount{}, nil, fmt.Errorf("%w: %s leg returned %s, minimum %s", ErrSlippageExceeded, c.PoolToken, out.Format(), minOut.Format())
		}
		if total, err = total.Add(out); err != nil {
			return fixedpoint.Amount{}, nil, err
		}
		allocs = append(allocs, ComponentAllocation{PositionID: c.YieldToken, PoolToken: c.PoolToken, Price: vp, TargetAmount: expected})
	}
	return total, allocs, nil
}

// =============================================================================
// QUOTES
// =============================================================================

type componentQuote struct {
	Component
	units        fixedpoint.Amount
	virtualPrice fixedpoint.Amount
	price        fixedpoint.Amount
	value        fixedpoint.Amount
}

// match orders issuance output by the configured components and rejects
// unknown, duplicate or missing entries.
func (p *Processor) match(units []ComponentUnits) ([]ComponentUnits, error) {
	if len(units) != len(p.components) {
		return nil, fmt.Errorf("%w: issuance returned %d components, basket has %d", ErrExternalQuoteFailure, len(units), len(p.components))
	}
	byToken := make(map[Asset]fixedpoint.Amount, len(units))
	for _, u := range units {
		if _, dup := byToken[u.YieldToken]; dup {
			return nil, fmt.Errorf("%w: issuance returned %s twice", ErrExternalQuoteFailure, u.YieldToken)
		}
		byToken[u.YieldToken] = u.Units
	}
	ordered := make([]ComponentUnits, len(p.components))
	for i, c := range p.components {
		n, ok := byToken[c.YieldToken]
		if !ok {
			return nil, fmt.Errorf("%w: issuance omitted %s", ErrExternalQuoteFailure, c.YieldToken)
		}
		ordered[i] = ComponentUnits{YieldToken: c.YieldToken, Units: n}
	}
	return ordered, nil
}

// quote prices each component: price = pricePerShare * virtualPrice and
// value = units * price, all in reserve currency at 1e18 scale.
func (p *Processor) quote(ctx context.Context, units []ComponentUnits) ([]componentQuote, fixedpoint.Amount, error) {
	ordered, err := p.match(units)
	if err != nil {
		return nil, fixedpoint.Amount{}, err
	}
	quotes := make([]componentQuote, len(ordered))
	var total fixedpoint.Amount
	for i, u := range ordered {
		c := p.components[i]
		pps, err := p.deps.Oracle.PricePerShare(ctx, c.YieldToken)
		if err != nil {
			return nil, fixedpoint.Amount{}, quoteFailure(err, "price per share of %s", c.YieldToken)
		}
		vp, err := p.deps.Oracle.VirtualPrice(ctx, c.PoolToken)
		if err != nil {
			return nil, fixedpoint.Amount{}, quoteFailure(err, "virtual price of %s", c.PoolToken)
		}
		price, err := fixedpoint.MulFixed(pps, vp, fixedpoint.Floor)
		if err != nil {
			return nil, fixedpoint.Amount{}, err
		}
		if price.IsZero() {
			return nil, fixedpoint.Amount{}, fmt.Errorf("%w: zero price for %s", ErrExternalQuoteFailure, c.YieldToken)
		}
		value, err := fixedpoint.MulFixed(u.Units, price, fixedpoint.Floor)
		if err != nil {
			return nil, fixedpoint.Amount{}, err
		}
		if total, err = total.Add(value); err != nil {
			return nil, fixedpoint.Amount{}, err
		}
		quotes[i] = componentQuote{Component: c, units: u.Units, virtualPrice: vp, price: price, value: value}
		logging.BatchDebug("quote %s: pps=%s vp=%s value=%s", c.YieldToken, pps.Format(), vp.Format(), value.Format())
	}
	if total.IsZero() {
		return nil, fixedpoint.Amount{}, fmt.Errorf("%w: basket has zero total value", ErrExternalQuoteFailure)
	}
	return quotes, total, nil
}

// allocate splits supplied across the quotes by value. Every component but
// the last gets its floored share; the last gets the remainder, so the
// allocations sum to supplied exactly.
func allocate(supplied fixedpoint.Amount, quotes []componentQuote, total fixedpoint.Amount) ([]ComponentAllocation, error) {
	allocs := make([]ComponentAllocation, len(quotes))
	remaining := supplied
	for i, q := range quotes {
		target := remaining
		if i < len(quotes)-1 {
			var err error
			if target, err = fixedpoint.MulDiv(supplied, q.value, total, fixedpoint.Floor); err != nil {
				return nil, err
			}
			if remaining, err = remaining.Sub(target); err != nil {
				return nil, err
			}
		}
		allocs[i] = ComponentAllocation{
			PositionID:   q.YieldToken,
			PoolToken:    q.PoolToken,
			Price:        q.price,
			TargetAmount: target,
		}
	}
	return allocs, nil
}

func lessTolerance(expected fixedpoint.Amount, slippageBps uint32) (fixedpoint.Amount, error) {
	return fixedpoint.MulDiv(expected,
		fixedpoint.FromUint64(uint64(fixedpoint.BpsDenominator-slippageBps)),
		fixedpoint.FromUint64(fixedpoint.BpsDenominator), fixedpoint.Floor)
}

// quoteFailure wraps a collaborator error as ErrExternalQuoteFailure unless
// it already carries a batch error kind.
func quoteFailure(err error, format string, args ...any) error {
	if errors.Is(err, ErrSlippageExceeded) || errors.Is(err, ErrExternalQuoteFailure) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
	return fmt.Errorf("%w: %s: %w", ErrExternalQuoteFailure, fmt.Sprintf(format, args...), err)
}

// =============================================================================
// READ-ONLY QUERIES
// =============================================================================

// Preview returns the allocation the open batch of kind would settle with at
// current prices. No conversion is performed.
func (p *Processor) Preview(ctx context.Context, kind Kind) ([]ComponentAllocation, error) {
	b := p.queue.Current(kind)
	if kind == Mint {
		units, err := p.deps.Issuance.RequiredComponentUnits(ctx, fixedpoint.One)
		if err != nil {
			return nil, quoteFailure(err, "required component units")
		}
		quotes, total, err := p.quote(ctx, units)
		if err != nil {
			return nil, err
		}
		return allocate(b.SuppliedTotal, quotes, total)
	}

	if b.SuppliedTotal.IsZero() {
		return []ComponentAllocation{}, nil
	}
	units, err := p.deps.Issuance.RequiredComponentUnits(ctx, b.SuppliedTotal)
	if err != nil {
		return nil, quoteFailure(err, "required component units")
	}
	quotes, _, err := p.quote(ctx, units)
	if err != nil {
		return nil, err
	}
	allocs := make([]ComponentAllocation, len(quotes))
	for i, q := range quotes {
		allocs[i] = ComponentAllocation{PositionID: q.YieldToken, PoolToken: q.PoolToken, Price: q.price, TargetAmount: q.value}
	}
	return allocs, nil
}

// BasketPrice returns the reserve value of one basket unit.
func (p *Processor) BasketPrice(ctx context.Context) (fixedpoint.Amount, error) {
	units, err := p.deps.Issuance.RequiredComponentUnits(ctx, fixedpoint.One)
	if err != nil {
		return fixedpoint.Amount{}, quoteFailure(err, "required component units")
	}
	_, total, err := p.quote(ctx, units)
	return total, err
}

// MinOutput returns the oracle-implied output of the open batch of kind less
// slippageBps; a suitable ExecuteOptions.MinOutput.
func (p *Processor) MinOutput(ctx context.Context, kind Kind, slippageBps uint32) (fixedpoint.Amount, error) {
	if slippageBps > fixedpoint.BpsDenominator {
		return fixedpoint.Amount{}, fmt.Errorf("%w: slippage %d bps", ErrInvalidAmount, slippageBps)
	}
	b := p.queue.Current(kind)
	if b.SuppliedTotal.IsZero() {
		return fixedpoint.Zero(), nil
	}
	price, err := p.BasketPrice(ctx)
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	var expected fixedpoint.Amount
	if kind == Mint {
		expected, err = fixedpoint.DivFixed(b.SuppliedTotal, price, fixedpoint.Floor)
	} else {
		expected, err = fixedpoint.MulFixed(b.SuppliedTotal, price, fixedpoint.Floor)
	}
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	return lessTolerance(expected, slippageBps)
}

// Cooldowns holds the earliest time-gated execution per direction.
type Cooldowns struct {
	Mint   time.Time `json:"mint"`
	Redeem time.Time `json:"redeem"`
}

// Cooldowns returns when each direction's cooldown ends. A batch may still
// settle earlier through its threshold.
func (p *Processor) Cooldowns() Cooldowns {
	return Cooldowns{
		Mint:   p.lastProcessedAt[Mint].Add(p.params.Cooldown),
		Redeem: p.lastProcessedAt[Redeem].Add(p.params.Cooldown),
	}
}

// BatchTime is a display-only view of a direction's cooldown progress.
type BatchTime struct {
	RemainingSeconds int64   `json:"remaining_seconds"`
	PercentElapsed   float64 `json:"percent_elapsed"`
}

// Times holds the cooldown progress per direction.
type Times struct {
	Mint   BatchTime `json:"mint"`
	Redeem BatchTime `json:"redeem"`
}

// Times reports time left until each cooldown ends and the share of the
// cooldown elapsed (capped at 100). It is not used for gating.
func (p *Processor) Times() Times {
	now := p.queue.now()
	at := func(kind Kind) BatchTime {
		elapsed := now.Sub(p.lastProcessedAt[kind])
		if p.params.Cooldown <= 0 || elapsed >= p.params.Cooldown {
			return BatchTime{PercentElapsed: 100}
		}
		if elapsed < 0 {
			elapsed = 0
		}
		return BatchTime{
			RemainingSeconds: int64((p.params.Cooldown - elapsed) / time.Second),
			PercentElapsed:   float64(elapsed) / float64(p.params.Cooldown) * 100,
		}
	}
	return Times{Mint: at(Mint), Redeem: at(Redeem)}
}

// ProcessorState is the serializable form of a Processor.
type ProcessorState struct {
	Params       Params    `json:"params"`
	LastMintAt   time.Time `json:"last_mint_at"`
	LastRedeemAt time.Time `json:"last_redeem_at"`
}

// State returns the processor's mutable state.
func (p *Processor) State() ProcessorState {
	return ProcessorState{
		Params:       p.params,
		LastMintAt:   p.lastProcessedAt[Mint],
		LastRedeemAt: p.lastProcessedAt[Redeem],
	}
}

// Restore replaces the processor's mutable state.
func (p *Processor) Restore(st ProcessorState) error {
	if err := st.Params.Validate(); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	p.params = st.Params
	p.lastProcessedAt = [2]time.Time{Mint: st.LastMintAt, Redeem: st.LastRedeemAt}
	return nil
}
