// Package market is an in-memory stand-in for the external venues a basket
// engine settles against: a price oracle, a conversion venue, the basket
// issuance module and the yield vaults wrapping each component's pool token.
// Prices are set explicitly, conversions charge a flat fee, and Atomically
// rolls back every effect of a failed settlement.
package market

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"basketbatch/internal/batch"
	"basketbatch/internal/fixedpoint"
	"basketbatch/internal/logging"
)

var (
	// ErrUnknownAsset is returned for assets the market does not list.
	ErrUnknownAsset = errors.New("unknown asset")

	// ErrOutage is returned by every call while an outage is simulated.
	ErrOutage = errors.New("market unavailable")

	// ErrInsufficientLiquidity is returned when redeeming or withdrawing more
	// than the market has issued.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
)

// Component configures one basket component.
type Component struct {
	YieldToken    batch.Asset       `yaml:"yield_token" json:"yield_token"`
	PoolToken     batch.Asset       `yaml:"pool_token" json:"pool_token"`
	Units         fixedpoint.Amount `yaml:"-" json:"units"`
	VirtualPrice  fixedpoint.Amount `yaml:"-" json:"virtual_price"`
	PricePerShare fixedpoint.Amount `yaml:"-" json:"price_per_share"`
}

// Config configures a Market.
type Config struct {
	Reserve    batch.Asset
	Basket     batch.Asset
	Components []Component
	// Stables maps stablecoins the zapper accepts to their reserve price.
	Stables    map[batch.Asset]fixedpoint.Amount
	SwapFeeBps uint32
}

// Stats summarizes market activity.
type Stats struct {
	Issued     fixedpoint.Amount                 `json:"issued"`
	Redeemed   fixedpoint.Amount                 `json:"redeemed"`
	Volume     map[batch.Asset]fixedpoint.Amount `json:"volume"`
	FeesEarned fixedpoint.Amount                 `json:"fees_earned"`
	Rollbacks  int                               `json:"rollbacks"`
}

type state struct {
	virtualPrice  map[batch.Asset]fixedpoint.Amount
	pricePerShare map[batch.Asset]fixedpoint.Amount
	stables       map[batch.Asset]fixedpoint.Amount
	yieldSupply   map[batch.Asset]fixedpoint.Amount
	basketSupply  fixedpoint.Amount
	issued        fixedpoint.Amount
	redeemed      fixedpoint.Amount
	volume        map[batch.Asset]fixedpoint.Amount
	feesEarned    fixedpoint.Amount
	feeBps        uint32
}

func (s state) clone() state {
	s.virtualPrice = maps.Clone(s.virtualPrice)
	s.pricePerShare = maps.Clone(s.pricePerShare)
	s.stables = maps.Clone(s.stables)
	s.yieldSupply = maps.Clone(s.yieldSupply)
	s.volume = maps.Clone(s.volume)
	return s
}

// Market implements batch.PriceOracle, batch.ConversionVenue,
// batch.IssuanceModule, batch.YieldVaults and batch.Atomic.
type Market struct {
	mu         sync.Mutex
	reserve    batch.Asset
	basket     batch.Asset
	components []Component
	units      map[batch.Asset]fixedpoint.Amount
	st         state
	outage     error
	rollbacks  int
}

// New returns a market listing cfg's assets.
func New(cfg Config) (*Market, error) {
	if cfg.Reserve == "" || cfg.Basket == "" {
		return nil, errors.New("market: reserve and basket assets are required")
	}
	if len(cfg.Components) == 0 {
		return nil, errors.New("market: basket has no components")
	}
	if cfg.SwapFeeBps > fixedpoint.BpsDenominator {
		return nil, fmt.Errorf("market: swap fee %d bps", cfg.SwapFeeBps)
	}
	m := &Market{
		reserve: cfg.Reserve,
		basket:  cfg.Basket,
		units:   make(map[batch.Asset]fixedpoint.Amount),
		st: state{
			virtualPrice:  make(map[batch.Asset]fixedpoint.Amount),
			pricePerShare: make(map[batch.Asset]fixedpoint.Amount),
			stables:       make(map[batch.Asset]fixedpoint.Amount),
			yieldSupply:   make(map[batch.Asset]fixedpoint.Amount),
			volume:        make(map[batch.Asset]fixedpoint.Amount),
			feeBps:        cfg.SwapFeeBps,
		},
	}
	for _, c := range cfg.Components {
		if c.Units.IsZero() || c.VirtualPrice.IsZero() || c.PricePerShare.IsZero() {
			return nil, fmt.Errorf("market: component %s needs units and prices", c.YieldToken)
		}
		if _, dup := m.units[c.YieldToken]; dup {
			return nil, fmt.Errorf("market: duplicate component %s", c.YieldToken)
		}
		m.components = append(m.components, c)
		m.units[c.YieldToken] = c.Units
		m.st.virtualPrice[c.PoolToken] = c.VirtualPrice
		m.st.pricePerShare[c.YieldToken] = c.PricePerShare
	}
	for asset, price := range cfg.Stables {
		if price.IsZero() {
			return nil, fmt.Errorf("market: stable %s has zero price", asset)
		}
		m.st.stables[asset] = price
	}
	return m, nil
}

// Components returns the basket composition as the batch processor expects it.
func (m *Market) Components() []batch.Component {
	out := make([]batch.Component, len(m.components))
	for i, c := range m.components {
		out[i] = batch.Component{YieldToken: c.YieldToken, PoolToken: c.PoolToken}
	}
	return out
}

// Collaborators returns m in every collaborator role.
func (m *Market) Collaborators() batch.Collaborators {
	return batch.Collaborators{Oracle: m, Venue: m, Issuance: m, Vaults: m, Atomic: m}
}

// SetOutage makes every call fail with err (nil restores service).
func (m *Market) SetOutage(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outage = err
}

func (m *Market) available() error {
	if m.outage != nil {
		return fmt.Errorf("%w: %w", ErrOutage, m.outage)
	}
	return nil
}

// =============================================================================
// PRICE ORACLE
// =============================================================================

// VirtualPrice implements batch.PriceOracle.
func (m *Market) VirtualPrice(_ context.Context, poolToken batch.Asset) (fixedpoint.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return fixedpoint.Amount{}, err
	}
	vp, ok := m.st.virtualPrice[poolToken]
	if !ok {
		return fixedpoint.Amount{}, fmt.Errorf("%w: pool %s", ErrUnknownAsset, poolToken)
	}
	return vp, nil
}

// PricePerShare implements batch.PriceOracle.
func (m *Market) PricePerShare(_ context.Context, yieldToken batch.Asset) (fixedpoint.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return fixedpoint.Amount{}, err
	}
	pps, ok := m.st.pricePerShare[yieldToken]
	if !ok {
		return fixedpoint.Amount{}, fmt.Errorf("%w: yield token %s", ErrUnknownAsset, yieldToken)
	}
	return pps, nil
}

// SetVirtualPrice moves a pool token's price.
func (m *Market) SetVirtualPrice(poolToken batch.Asset, price fixedpoint.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.virtualPrice[poolToken]; !ok {
		return fmt.Errorf("%w: pool %s", ErrUnknownAsset, poolToken)
	}
	m.st.virtualPrice[poolToken] = price
	return nil
}

// SetPricePerShare moves a yield token's exchange rate.
func (m *Market) SetPricePerShare(yieldToken batch.Asset, price fixedpoint.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.pricePerShare[yieldToken]; !ok {
		return fmt.Errorf("%w: yield token %s", ErrUnknownAsset, yieldToken)
	}
	m.st.pricePerShare[yieldToken] = price
	return nil
}

// SetSwapFee changes the conversion fee.
func (m *Market) SetSwapFee(bps uint32) error {
	if bps > fixedpoint.BpsDenominator {
		return fmt.Errorf("market: swap fee %d bps", bps)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.feeBps = bps
	return nil
}

// reservePrice returns the reserve value of one unit of asset.
func (m *Market) reservePrice(asset batch.Asset) (fixedpoint.Amount, error) {
	if asset == m.reserve {
		return fixedpoint.One, nil
	}
	if vp, ok := m.st.virtualPrice[asset]; ok {
		return vp, nil
	}
	if p, ok := m.st.stables[asset]; ok {
		return p, nil
	}
	return fixedpoint.Amount{}, fmt.Errorf("%w: %s is not convertible", ErrUnknownAsset, asset)
}

// =============================================================================
// CONVERSION VENUE
// =============================================================================

// Convert implements batch.ConversionVenue. Output is priced through the
// reserve currency and reduced by the swap fee.
func (m *Market) Convert(_ context.Context, amountIn fixedpoint.Amount, assetIn, assetOut batch.Asset, minOut fixedpoint.Amount) (fixedpoint.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return fixedpoint.Amount{}, err
	}
	if assetIn == assetOut {
		return fixedpoint.Amount{}, fmt.Errorf("market: cannot convert %s to itself", assetIn)
	}
	priceIn, err := m.reservePrice(assetIn)
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	priceOut, err := m.reservePrice(assetOut)
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	gross, err := fixedpoint.MulDiv(amountIn, priceIn, priceOut, fixedpoint.Floor)
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	fee, err := fixedpoint.Bps(gross, m.st.feeBps)
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	out, err := gross.Sub(fee)
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	if out.Lt(minOut) {
		return fixedpoint.Amount{}, fmt.Errorf("%w: %s %s -> %s %s, minimum %s",
			batch.ErrSlippageExceeded, amountIn.Format(), assetIn, out.Format(), assetOut, minOut.Format())
	}

	feeValue, err := fixedpoint.MulFixed(fee, priceOut, fixedpoint.Floor)
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	if m.st.feesEarned, err = m.st.feesEarned.Add(feeValue); err != nil {
		return fixedpoint.Amount{}, err
	}
	if m.st.volume[assetIn], err = m.st.volume[assetIn].Add(amountIn); err != nil {
		return fixedpoint.Amount{}, err
	}
	logging.MarketDebug("convert %s %s -> %s %s", amountIn.Format(), assetIn, out.Format(), assetOut)
	return out, nil
}

// =============================================================================
// ISSUANCE MODULE
// =============================================================================

// RequiredComponentUnits implements batch.IssuanceModule.
func (m *Market) RequiredComponentUnits(_ context.Context, basketAmount fixedpoint.Amount) ([]batch.ComponentUnits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return nil, err
	}
	return m.requiredUnits(basketAmount)
}

func (m *Market) requiredUnits(basketAmount fixedpoint.Amount) ([]batch.ComponentUnits, error) {
	out := make([]batch.ComponentUnits, len(m.components))
	for i, c := range m.components {
		u, err := fixedpoint.MulFixed(c.Units, basketAmount, fixedpoint.Floor)
		if err != nil {
			return nil, err
		}
		out[i] = batch.ComponentUnits{YieldToken: c.YieldToken, Units: u}
	}
	return out, nil
}

// Issue implements batch.IssuanceModule. It mints as many basket units as the
// scarcest component allows; leftovers stay with the market.
func (m *Market) Issue(_ context.Context, balances []batch.ComponentUnits) (fixedpoint.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return fixedpoint.Amount{}, err
	}
	held := make(map[batch.Asset]fixedpoint.Amount, len(balances))
	for _, b := range balances {
		if _, ok := m.units[b.YieldToken]; !ok {
			return fixedpoint.Amount{}, fmt.Errorf("%w: yield token %s", ErrUnknownAsset, b.YieldToken)
		}
		var err error
		if held[b.YieldToken], err = held[b.YieldToken].Add(b.Units); err != nil {
			return fixedpoint.Amount{}, err
		}
	}
	var minted fixedpoint.Amount
	for i, c := range m.components {
		n, err := fixedpoint.DivFixed(held[c.YieldToken], c.Units, fixedpoint.Floor)
		if err != nil {
			return fixedpoint.Amount{}, err
		}
		if i == 0 || n.Lt(minted) {
			minted = n
		}
	}
	var err error
	if m.st.basketSupply, err = m.st.basketSupply.Add(minted); err != nil {
		return fixedpoint.Amount{}, err
	}
	if m.st.issued, err = m.st.issued.Add(minted); err != nil {
		return fixedpoint.Amount{}, err
	}
	logging.MarketDebug("issued %s %s", minted.Format(), m.basket)
	return minted, nil
}

// Redeem implements batch.IssuanceModule. The market only redeems basket
// units it issued.
func (m *Market) Redeem(_ context.Context, basketAmount fixedpoint.Amount) ([]batch.ComponentUnits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return nil, err
	}
	supply, err := m.st.basketSupply.Sub(basketAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: redeeming %s of %s issued %s", ErrInsufficientLiquidity,
			basketAmount.Format(), m.st.basketSupply.Format(), m.basket)
	}
	out, err := m.requiredUnits(basketAmount)
	if err != nil {
		return nil, err
	}
	redeemed, err := m.st.redeemed.Add(basketAmount)
	if err != nil {
		return nil, err
	}
	m.st.basketSupply = supply
	m.st.redeemed = redeemed
	return out, nil
}

// SeedBasketSupply records basket units issued outside the market, so that
// holders of pre-existing basket tokens can redeem.
func (m *Market) SeedBasketSupply(amount fixedpoint.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	supply, err := m.st.basketSupply.Add(amount)
	if err != nil {
		return err
	}
	m.st.basketSupply = supply
	return nil
}

// =============================================================================
// YIELD VAULTS
// =============================================================================

// Deposit implements batch.YieldVaults: pool tokens become yield shares at
// the current price per share.
func (m *Market) Deposit(_ context.Context, yieldToken batch.Asset, poolAmount fixedpoint.Amount) (fixedpoint.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return fixedpoint.Amount{}, err
	}
	pps, ok := m.st.pricePerShare[yieldToken]
	if !ok {
		return fixedpoint.Amount{}, fmt.Errorf("%w: yield token %s", ErrUnknownAsset, yieldToken)
	}
	shares, err := fixedpoint.DivFixed(poolAmount, pps, fixedpoint.Floor)
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	if m.st.yieldSupply[yieldToken], err = m.st.yieldSupply[yieldToken].Add(shares); err != nil {
		return fixedpoint.Amount{}, err
	}
	return shares, nil
}

// Withdraw implements batch.YieldVaults.
func (m *Market) Withdraw(_ context.Context, yieldToken batch.Asset, shares fixedpoint.Amount) (fixedpoint.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return fixedpoint.Amount{}, err
	}
	pps, ok := m.st.pricePerShare[yieldToken]
	if !ok {
		return fixedpoint.Amount{}, fmt.Errorf("%w: yield token %s", ErrUnknownAsset, yieldToken)
	}
	// Shares released by Redeem were never deposited through the market when
	// the basket supply was seeded, so the supply saturates at zero.
	remaining, err := m.st.yieldSupply[yieldToken].Sub(shares)
	if err != nil {
		remaining = fixedpoint.Zero()
	}
	out, err := fixedpoint.MulFixed(shares, pps, fixedpoint.Floor)
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	m.st.yieldSupply[yieldToken] = remaining
	return out, nil
}

// =============================================================================
// ATOMICITY
// =============================================================================

// Atomically implements batch.Atomic: if fn fails, every market change made
// since the call is undone. Callers must not run two Atomically blocks
// concurrently.
func (m *Market) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	saved := m.st.clone()
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.st = saved
		m.rollbacks++
		m.mu.Unlock()
		logging.MarketDebug("rolled back: %v", err)
		return err
	}
	return nil
}

// Stats returns a copy of the activity counters.
func (m *Market) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Issued:     m.st.issued,
		Redeemed:   m.st.redeemed,
		Volume:     maps.Clone(m.st.volume),
		FeesEarned: m.st.feesEarned,
		Rollbacks:  m.rollbacks,
	}
}
