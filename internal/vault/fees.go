package vault

import (
	"fmt"
	"time"

	"basketbatch/internal/fixedpoint"

	"github.com/ethereum/go-ethereum/common"
)

// SecondsPerYear prorates the management fee.
const SecondsPerYear = 365 * 24 * 60 * 60

// FeeRates are the vault's fee parameters in basis points.
type FeeRates struct {
	ManagementBps  uint32 `json:"management_bps" yaml:"management_bps"`
	PerformanceBps uint32 `json:"performance_bps" yaml:"performance_bps"`
	WithdrawalBps  uint32 `json:"withdrawal_bps" yaml:"withdrawal_bps"`
}

// DefaultFeeRates returns 2% management, 20% performance and 0.5%
// withdrawal fees.
func DefaultFeeRates() FeeRates {
	return FeeRates{ManagementBps: 200, PerformanceBps: 2000, WithdrawalBps: 50}
}

// Validate rejects rates above 100%.
func (r FeeRates) Validate() error {
	for name, bps := range map[string]uint32{
		"management":  r.ManagementBps,
		"performance": r.PerformanceBps,
		"withdrawal":  r.WithdrawalBps,
	} {
		if bps > fixedpoint.BpsDenominator {
			return fmt.Errorf("%w: %s fee %d bps", ErrInvalidFeeRate, name, bps)
		}
	}
	return nil
}

// ReportResult describes one fee accrual.
type ReportResult struct {
	Value          fixedpoint.Amount `json:"value"`
	Elapsed        time.Duration     `json:"elapsed"`
	ManagementFee  fixedpoint.Amount `json:"management_fee"`
	PerformanceFee fixedpoint.Amount `json:"performance_fee"`
	// Fee is the value actually charged: the sum of both fees, capped at the
	// vault value.
	Fee          fixedpoint.Amount `json:"fee"`
	FeeShares    fixedpoint.Amount `json:"fee_shares"`
	FeeRecipient common.Address    `json:"fee_recipient"`
	Changed      bool              `json:"changed"`
}

// accrue charges fees on st at total value v and time now. The management
// fee is prorated on v over the elapsed time whether or not the vault grew;
// the performance fee applies only to growth since the last report. Fees are
// minted to the fee recipient as fee*totalShares/v shares, so they dilute
// every other holder.
func (st *State) accrue(v fixedpoint.Amount, now time.Time) (ReportResult, error) {
	res := ReportResult{Value: v}

	elapsed := now.Sub(st.LastReportTimestamp)
	if elapsed < 0 {
		elapsed = 0
	}
	var growth fixedpoint.Amount
	if v.Gt(st.LastReportValue) {
		growth, _ = v.Sub(st.LastReportValue)
	}
	seconds := uint64(elapsed / time.Second)
	if seconds == 0 && growth.IsZero() {
		return res, nil
	}
	res.Elapsed = time.Duration(seconds) * time.Second
	res.Changed = true

	if !st.TotalShares.IsZero() {
		rate, err := fixedpoint.FromUint64(uint64(st.Rates.ManagementBps)).Mul(fixedpoint.FromUint64(seconds))
		if err != nil {
			return ReportResult{}, err
		}
		if res.ManagementFee, err = fixedpoint.MulDiv(v, rate,
			fixedpoint.FromUint64(fixedpoint.BpsDenominator*SecondsPerYear), fixedpoint.Floor); err != nil {
			return ReportResult{}, err
		}
		if res.PerformanceFee, err = fixedpoint.Bps(growth, st.Rates.PerformanceBps); err != nil {
			return ReportResult{}, err
		}
		total, err := res.ManagementFee.Add(res.PerformanceFee)
		if err != nil {
			return ReportResult{}, err
		}
		res.Fee = fixedpoint.Min(total, v)
		if !res.Fee.IsZero() {
			if res.FeeShares, err = fixedpoint.MulDiv(res.Fee, st.TotalShares, v, fixedpoint.Floor); err != nil {
				return ReportResult{}, err
			}
			if err := st.mint(st.FeeRecipient, res.FeeShares); err != nil {
				return ReportResult{}, err
			}
			res.FeeRecipient = st.FeeRecipient
		}
	}

	st.PreviousReportValue = st.LastReportValue
	st.LastReportValue = v
	// Whole seconds only; the fraction carries into the next report.
	st.LastReportTimestamp = st.LastReportTimestamp.Add(res.Elapsed)
	return res, nil
}
