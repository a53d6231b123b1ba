package batch

import "errors"

// Queue, processor and claim errors. Every operation that returns one of
// these leaves batch state unchanged.
var (
	// ErrInvalidAmount is returned for zero amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrUnknownBatch is returned when a batch ID was never issued.
	ErrUnknownBatch = errors.New("unknown batch")

	// ErrBatchNotReady is returned when neither the cooldown nor the
	// threshold allows execution.
	ErrBatchNotReady = errors.New("batch not ready")

	// ErrBatchAlreadyProcessed is returned when mutating a settled batch.
	ErrBatchAlreadyProcessed = errors.New("batch already processed")

	// ErrInsufficientPosition is returned when withdrawing more than deposited.
	ErrInsufficientPosition = errors.New("insufficient position")

	// ErrNotYetClaimable is returned when claiming from an open batch.
	ErrNotYetClaimable = errors.New("batch not yet claimable")

	// ErrNothingToClaim is returned when the account holds no position.
	ErrNothingToClaim = errors.New("nothing to claim")

	// ErrSlippageExceeded is returned when a conversion or the batch total
	// falls below its minimum output.
	ErrSlippageExceeded = errors.New("slippage exceeded")

	// ErrExternalQuoteFailure is returned when an oracle, venue or issuance
	// call fails or returns inconsistent data.
	ErrExternalQuoteFailure = errors.New("external quote failure")
)
