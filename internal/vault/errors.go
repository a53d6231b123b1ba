package vault

import (
	"errors"
	"fmt"

	"basketbatch/internal/batch"
)

// Vault errors. A failed operation leaves the vault unchanged.
var (
	// ErrInvalidAmount is returned for zero amounts, deposits too small to
	// mint a share and withdrawals above the caller's balance.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrUnauthorized is returned when a governance setter is called by
	// anyone but the governor.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidFeeRate is returned for fee rates above 10000 bps.
	ErrInvalidFeeRate = errors.New("invalid fee rate")

	// ErrYieldSourceFailure is returned when the underlying position cannot
	// be valued or moved. It is an external quote failure.
	ErrYieldSourceFailure = fmt.Errorf("yield source failure: %w", batch.ErrExternalQuoteFailure)
)
