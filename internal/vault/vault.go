// Package vault implements the single-asset share vault: depositors receive
// shares proportional to the vault's value, fees are charged by minting
// shares to a fee recipient, and the underlying asset sits in an external
// yield source.
//
// Every operation computes its result on a copy of the state and commits only
// after the yield source call succeeds.
package vault

import (
	"context"
	"fmt"
	"maps"
	"time"

	"basketbatch/internal/fixedpoint"
	"basketbatch/internal/logging"

	"github.com/ethereum/go-ethereum/common"
)

// YieldSource is the external position holding the vault's assets.
type YieldSource interface {
	// Value returns the current value of the vault's position.
	Value(ctx context.Context) (fixedpoint.Amount, error)
	Deposit(ctx context.Context, amount fixedpoint.Amount) error
	// Withdraw releases amount to the vault and returns what was received.
	Withdraw(ctx context.Context, amount fixedpoint.Amount) (fixedpoint.Amount, error)
}

// Config configures a new Vault.
type Config struct {
	Governor     common.Address
	FeeRecipient common.Address
	Rates        FeeRates
	// SlippageEstimateBps is deducted from the yield source value to
	// approximate the cost of unwinding the position.
	SlippageEstimateBps uint32
	Now                 func() time.Time
}

// State is the vault's full mutable state.
type State struct {
	TotalShares         fixedpoint.Amount                    `json:"total_shares"`
	Balances            map[common.Address]fixedpoint.Amount `json:"balances"`
	LastReportValue     fixedpoint.Amount                    `json:"last_report_value"`
	PreviousReportValue fixedpoint.Amount                    `json:"previous_report_value"`
	LastReportTimestamp time.Time                            `json:"last_report_timestamp"`
	DeployedAt          time.Time                            `json:"deployed_at"`
	Rates               FeeRates                             `json:"rates"`
	SlippageEstimateBps uint32                               `json:"slippage_estimate_bps"`
	FeeRecipient        common.Address                       `json:"fee_recipient"`
	Governor            common.Address                       `json:"governor"`
}

func (st State) clone() State {
	st.Balances = maps.Clone(st.Balances)
	if st.Balances == nil {
		st.Balances = make(map[common.Address]fixedpoint.Amount)
	}
	return st
}

func (st *State) mint(account common.Address, shares fixedpoint.Amount) error {
	if shares.IsZero() {
		return nil
	}
	total, err := st.TotalShares.Add(shares)
	if err != nil {
		return err
	}
	balance, err := st.Balances[account].Add(shares)
	if err != nil {
		return err
	}
	st.TotalShares = total
	st.Balances[account] = balance
	return nil
}

func (st *State) burn(account common.Address, shares fixedpoint.Amount) error {
	balance, err := st.Balances[account].Sub(shares)
	if err != nil {
		return err
	}
	total, err := st.TotalShares.Sub(shares)
	if err != nil {
		return err
	}
	st.TotalShares = total
	if balance.IsZero() {
		delete(st.Balances, account)
	} else {
		st.Balances[account] = balance
	}
	return nil
}

// Vault is the share vault. It is not safe for concurrent use.
type Vault struct {
	source YieldSource
	now    func() time.Time
	state  State
}

// New returns an empty vault over source.
func New(source YieldSource, cfg Config) (*Vault, error) {
	if err := cfg.Rates.Validate(); err != nil {
		return nil, err
	}
	if cfg.SlippageEstimateBps > fixedpoint.BpsDenominator {
		return nil, fmt.Errorf("%w: slippage estimate %d bps", ErrInvalidFeeRate, cfg.SlippageEstimateBps)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	deployed := now().UTC()
	return &Vault{
		source: source,
		now:    now,
		state: State{
			Balances:            make(map[common.Address]fixedpoint.Amount),
			LastReportTimestamp: deployed,
			DeployedAt:          deployed,
			Rates:               cfg.Rates,
			SlippageEstimateBps: cfg.SlippageEstimateBps,
			FeeRecipient:        cfg.FeeRecipient,
			Governor:            cfg.Governor,
		},
	}, nil
}

// TotalValue returns the yield source value less the slippage estimate.
func (v *Vault) TotalValue(ctx context.Context) (fixedpoint.Amount, error) {
	raw, err := v.source.Value(ctx)
	if err != nil {
		return fixedpoint.Amount{}, fmt.Errorf("%w: value: %w", ErrYieldSourceFailure, err)
	}
	haircut, err := fixedpoint.Bps(raw, v.state.SlippageEstimateBps)
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	return raw.Sub(haircut)
}

// ValueFor returns shares * totalValue / totalShares, rounded down, or zero
// for an empty vault.
func (v *Vault) ValueFor(ctx context.Context, shares fixedpoint.Amount) (fixedpoint.Amount, error) {
	if v.state.TotalShares.IsZero() {
		return fixedpoint.Zero(), nil
	}
	value, err := v.TotalValue(ctx)
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	return valueFor(shares, value, v.state.TotalShares)
}

func valueFor(shares, value, totalShares fixedpoint.Amount) (fixedpoint.Amount, error) {
	if totalShares.IsZero() {
		return fixedpoint.Zero(), nil
	}
	return fixedpoint.MulDiv(shares, value, totalShares, fixedpoint.Floor)
}

// PoolTokenValue returns the value of one whole share.
func (v *Vault) PoolTokenValue(ctx context.Context) (fixedpoint.Amount, error) {
	return v.ValueFor(ctx, fixedpoint.One)
}

// BalanceOf returns the account's shares.
func (v *Vault) BalanceOf(account common.Address) fixedpoint.Amount {
	return v.state.Balances[account]
}

// DepositResult describes one deposit.
type DepositResult struct {
	Account common.Address    `json:"account"`
	Amount  fixedpoint.Amount `json:"amount"`
	Shares  fixedpoint.Amount `json:"shares"`
	Report  ReportResult      `json:"report"`
}

// Deposit accrues fees, mints shares for amount at the resulting price and
// moves amount into the yield source.
func (v *Vault) Deposit(ctx context.Context, account common.Address, amount fixedpoint.Amount) (DepositResult, error) {
	if amount.IsZero() {
		return DepositResult{}, fmt.Errorf("deposit: %w: zero amount", ErrInvalidAmount)
	}
	value, err := v.TotalValue(ctx)
	if err != nil {
		return DepositResult{}, fmt.Errorf("deposit: %w", err)
	}
	st := v.state.clone()
	report, err := st.accrue(value, v.now())
	if err != nil {
		return DepositResult{}, fmt.Errorf("deposit: %w", err)
	}

	shares := amount
	if !st.TotalShares.IsZero() {
		if shares, err = fixedpoint.MulDiv(amount, st.TotalShares, value, fixedpoint.Floor); err != nil {
			return DepositResult{}, fmt.Errorf("deposit: %w", err)
		}
	}
	if shares.IsZero() {
		return DepositResult{}, fmt.Errorf("deposit: %w: %s mints no shares", ErrInvalidAmount, amount.Format())
	}
	if err := st.mint(account, shares); err != nil {
		return DepositResult{}, fmt.Errorf("deposit: %w", err)
	}

	if err := v.source.Deposit(ctx, amount); err != nil {
		return DepositResult{}, fmt.Errorf("deposit: %w: %w", ErrYieldSourceFailure, err)
	}
	st.LastReportValue = v.resnapshot(ctx, value, amount, true)
	v.state = st

	logging.Vault("deposit %s by %s for %s shares", amount.Format(), account.Hex(), shares.Format())
	return DepositResult{Account: account, Amount: amount, Shares: shares, Report: report}, nil
}

// WithdrawResult describes one withdrawal.
type WithdrawResult struct {
	Account      common.Address    `json:"account"`
	Shares       fixedpoint.Amount `json:"shares"`
	Gross        fixedpoint.Amount `json:"gross"`
	Fee          fixedpoint.Amount `json:"fee"`
	FeeShares    fixedpoint.Amount `json:"fee_shares"`
	FeeRecipient common.Address    `json:"fee_recipient"`
	Net          fixedpoint.Amount `json:"net"`
	Received     fixedpoint.Amount `json:"received"`
	Report       ReportResult      `json:"report"`
}

// Withdraw accrues fees, burns shares and pays their value less the
// withdrawal fee. The fee stays in the vault as shares minted to the fee
// recipient at the pre-withdrawal price.
func (v *Vault) Withdraw(ctx context.Context, account common.Address, shares fixedpoint.Amount) (WithdrawResult, error) {
	if shares.IsZero() {
		return WithdrawResult{}, fmt.Errorf("withdraw: %w: zero shares", ErrInvalidAmount)
	}
	if balance := v.state.Balances[account]; shares.Gt(balance) {
		return WithdrawResult{}, fmt.Errorf("withdraw: %w: %s shares requested, %s held", ErrInvalidAmount, shares.Format(), balance.Format())
	}
	value, err := v.TotalValue(ctx)
	if err != nil {
		return WithdrawResult{}, fmt.Errorf("withdraw: %w", err)
	}
	st := v.state.clone()
	report, err := st.accrue(value, v.now())
	if err != nil {
		return WithdrawResult{}, fmt.Errorf("withdraw: %w", err)
	}

	res := WithdrawResult{Account: account, Shares: shares, FeeRecipient: st.FeeRecipient, Report: report}
	if res.Gross, err = valueFor(shares, value, st.TotalShares); err != nil {
		return WithdrawResult{}, fmt.Errorf("withdraw: %w", err)
	}
	if res.Fee, err = fixedpoint.Bps(res.Gross, st.Rates.WithdrawalBps); err != nil {
		return WithdrawResult{}, fmt.Errorf("withdraw: %w", err)
	}
	if res.Net, err = res.Gross.Sub(res.Fee); err != nil {
		return WithdrawResult{}, fmt.Errorf("withdraw: %w", err)
	}
	if !res.Fee.IsZero() {
		if res.FeeShares, err = fixedpoint.MulDiv(res.Fee, st.TotalShares, value, fixedpoint.Floor); err != nil {
			return WithdrawResult{}, fmt.Errorf("withdraw: %w", err)
		}
	}
	if err := st.burn(account, shares); err != nil {
		return WithdrawResult{}, fmt.Errorf("withdraw: %w", err)
	}
	if err := st.mint(st.FeeRecipient, res.FeeShares); err != nil {
		return WithdrawResult{}, fmt.Errorf("withdraw: %w", err)
	}

	if !res.Net.IsZero() {
		if res.Received, err = v.source.Withdraw(ctx, res.Net); err != nil {
			return WithdrawResult{}, fmt.Errorf("withdraw: %w: %w", ErrYieldSourceFailure, err)
		}
	}
	st.LastReportValue = v.resnapshot(ctx, value, res.Net, false)
	v.state = st

	logging.Vault("withdraw %s shares by %s: gross %s fee %s net %s",
		shares.Format(), account.Hex(), res.Gross.Format(), res.Fee.Format(), res.Net.Format())
	return res, nil
}

// resnapshot returns the post-operation value used as the next report's
// baseline. It re-reads the source; if that fails the value is derived from
// the pre-operation value and the amount moved.
func (v *Vault) resnapshot(ctx context.Context, before, moved fixedpoint.Amount, in bool) fixedpoint.Amount {
	after, err := v.TotalValue(ctx)
	if err == nil {
		return after
	}
	logging.Get(logging.CategoryVault).Warn("re-reading value after transfer failed, estimating: %v", err)
	if in {
		if est, err := before.Add(moved); err == nil {
			return est
		}
		return before
	}
	if est, err := before.Sub(moved); err == nil {
		return est
	}
	return fixedpoint.Zero()
}

// Report accrues management and performance fees. A second report at the
// same instant with unchanged value is a no-op.
func (v *Vault) Report(ctx context.Context) (ReportResult, error) {
	value, err := v.TotalValue(ctx)
	if err != nil {
		return ReportResult{}, fmt.Errorf("report: %w", err)
	}
	st := v.state.clone()
	res, err := st.accrue(value, v.now())
	if err != nil {
		return ReportResult{}, fmt.Errorf("report: %w", err)
	}
	if res.Changed {
		v.state = st
		logging.VaultDebug("report: value %s, fee %s (%s shares) over %s",
			value.Format(), res.Fee.Format(), res.FeeShares.Format(), res.Elapsed)
	}
	return res, nil
}

// TakeFees is the public trigger for Report.
func (v *Vault) TakeFees(ctx context.Context) (ReportResult, error) {
	return v.Report(ctx)
}

// =============================================================================
// GOVERNANCE
// =============================================================================

func (v *Vault) authorize(caller common.Address) error {
	if caller != v.state.Governor {
		return fmt.Errorf("%w: %s is not the governor", ErrUnauthorized, caller.Hex())
	}
	return nil
}

// SetFeeRates replaces the fee rates. Fees already accrued are unaffected;
// callers wanting old rates applied to elapsed time report first.
func (v *Vault) SetFeeRates(caller common.Address, rates FeeRates) error {
	if err := v.authorize(caller); err != nil {
		return err
	}
	if err := rates.Validate(); err != nil {
		return err
	}
	v.state.Rates = rates
	logging.Vault("fee rates set to %d/%d/%d bps", rates.ManagementBps, rates.PerformanceBps, rates.WithdrawalBps)
	return nil
}

// SetFeeRecipient changes who receives fee shares.
func (v *Vault) SetFeeRecipient(caller, recipient common.Address) error {
	if err := v.authorize(caller); err != nil {
		return err
	}
	v.state.FeeRecipient = recipient
	return nil
}

// SetSlippageEstimate changes the haircut applied to the source value.
func (v *Vault) SetSlippageEstimate(caller common.Address, bps uint32) error {
	if err := v.authorize(caller); err != nil {
		return err
	}
	if bps > fixedpoint.BpsDenominator {
		return fmt.Errorf("%w: slippage estimate %d bps", ErrInvalidFeeRate, bps)
	}
	v.state.SlippageEstimateBps = bps
	return nil
}

// Rates returns the current fee rates.
func (v *Vault) Rates() FeeRates { return v.state.Rates }

// Governor returns the governance address.
func (v *Vault) Governor() common.Address { return v.state.Governor }

// State returns a deep copy of the vault state.
func (v *Vault) State() State { return v.state.clone() }

// Restore replaces the vault state.
func (v *Vault) Restore(st State) error {
	if err := st.Rates.Validate(); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	var sum fixedpoint.Amount
	for _, b := range st.Balances {
		var err error
		if sum, err = sum.Add(b); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	if sum != st.TotalShares {
		return fmt.Errorf("restore: balances sum to %s, total shares %s", sum, st.TotalShares)
	}
	v.state = st.clone()
	return nil
}
