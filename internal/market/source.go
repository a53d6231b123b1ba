package market

import (
	"context"
	"fmt"
	"sync"

	"basketbatch/internal/fixedpoint"
)

// YieldSource is a simulated yield-bearing position for the share vault.
// Its value moves only through deposits, withdrawals and Accrue.
type YieldSource struct {
	mu     sync.Mutex
	value  fixedpoint.Amount
	outage error
}

// NewYieldSource returns an empty position.
func NewYieldSource() *YieldSource {
	return &YieldSource{}
}

// Value implements vault.YieldSource.
func (s *YieldSource) Value(context.Context) (fixedpoint.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outage != nil {
		return fixedpoint.Amount{}, fmt.Errorf("%w: %w", ErrOutage, s.outage)
	}
	return s.value, nil
}

// Deposit implements vault.YieldSource.
func (s *YieldSource) Deposit(_ context.Context, amount fixedpoint.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outage != nil {
		return fmt.Errorf("%w: %w", ErrOutage, s.outage)
	}
	v, err := s.value.Add(amount)
	if err != nil {
		return err
	}
	s.value = v
	return nil
}

// Withdraw implements vault.YieldSource.
func (s *YieldSource) Withdraw(_ context.Context, amount fixedpoint.Amount) (fixedpoint.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outage != nil {
		return fixedpoint.Amount{}, fmt.Errorf("%w: %w", ErrOutage, s.outage)
	}
	v, err := s.value.Sub(amount)
	if err != nil {
		return fixedpoint.Amount{}, fmt.Errorf("%w: withdrawing %s of %s", ErrInsufficientLiquidity, amount.Format(), s.value.Format())
	}
	s.value = v
	return amount, nil
}

// Accrue grows the position by bps of its value and returns the yield.
func (s *YieldSource) Accrue(bps uint32) (fixedpoint.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	yield, err := fixedpoint.Bps(s.value, bps)
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	v, err := s.value.Add(yield)
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	s.value = v
	return yield, nil
}

// SetValue overrides the position value, e.g. to simulate a loss.
func (s *YieldSource) SetValue(v fixedpoint.Amount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = v
}

// SetOutage makes every call fail with err (nil restores service).
func (s *YieldSource) SetOutage(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outage = err
}
