package batch

import (
	"context"

	"basketbatch/internal/fixedpoint"
)

// PriceOracle quotes liquidity-pool and yield-position prices (1e18 scale).
type PriceOracle interface {
	VirtualPrice(ctx context.Context, poolToken Asset) (fixedpoint.Amount, error)
	PricePerShare(ctx context.Context, yieldToken Asset) (fixedpoint.Amount, error)
}

// ConversionVenue swaps assetIn for assetOut. It must return an error
// wrapping ErrSlippageExceeded, and move nothing, when the output would be
// below minOut.
type ConversionVenue interface {
	Convert(ctx context.Context, amountIn fixedpoint.Amount, assetIn, assetOut Asset, minOut fixedpoint.Amount) (fixedpoint.Amount, error)
}

// IssuanceModule mints and redeems the basket token against its components.
type IssuanceModule interface {
	RequiredComponentUnits(ctx context.Context, basketAmount fixedpoint.Amount) ([]ComponentUnits, error)
	Issue(ctx context.Context, balances []ComponentUnits) (fixedpoint.Amount, error)
	Redeem(ctx context.Context, basketAmount fixedpoint.Amount) ([]ComponentUnits, error)
}

// YieldVaults wraps pool tokens into yield-position tokens and back.
type YieldVaults interface {
	Deposit(ctx context.Context, yieldToken Asset, poolAmount fixedpoint.Amount) (fixedpoint.Amount, error)
	Withdraw(ctx context.Context, yieldToken Asset, shares fixedpoint.Amount) (fixedpoint.Amount, error)
}

// Atomic is implemented by collaborators that can roll back every external
// effect of fn when it returns an error.
type Atomic interface {
	Atomically(ctx context.Context, fn func(ctx context.Context) error) error
}

// Collaborators bundles the external services a Processor settles against.
// Atomic is optional; when nil, NewProcessor uses the first collaborator that
// implements it.
type Collaborators struct {
	Oracle   PriceOracle
	Venue    ConversionVenue
	Issuance IssuanceModule
	Vaults   YieldVaults
	Atomic   Atomic
}

// Atomicity returns the explicit Atomic or the first collaborator implementing
// it, or nil.
func (c Collaborators) Atomicity() Atomic {
	if c.Atomic != nil {
		return c.Atomic
	}
	for _, dep := range []any{c.Venue, c.Issuance, c.Vaults, c.Oracle} {
		if a, ok := dep.(Atomic); ok {
			return a
		}
	}
	return nil
}
