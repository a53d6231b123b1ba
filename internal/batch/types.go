// Package batch implements the batched mint/redeem queue for the basket token:
// the open batches and per-account positions (Queue), the readiness gate and
// external settlement (Processor), and pro-rata payout of settled batches
// (Claimer).
//
// Batches and positions live in two independent tables keyed by batch ID and by
// (account, batch ID). Mint and redeem batches draw IDs from one counter, so a
// bare ID always identifies a single batch.
package batch

import (
	"fmt"
	"time"

	"basketbatch/internal/fixedpoint"

	"github.com/ethereum/go-ethereum/common"
)

// Kind is the direction of a batch.
type Kind int

const (
	// Mint batches collect reserve currency and settle into basket tokens.
	Mint Kind = iota
	// Redeem batches collect basket tokens and settle into reserve currency.
	Redeem
)

// Kinds lists both directions in processing order.
var Kinds = []Kind{Mint, Redeem}

func (k Kind) String() string {
	switch k {
	case Mint:
		return "mint"
	case Redeem:
		return "redeem"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses "mint" or "redeem".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "mint":
		return Mint, nil
	case "redeem":
		return Redeem, nil
	}
	return 0, fmt.Errorf("unknown batch kind %q", s)
}

func (k Kind) valid() bool { return k == Mint || k == Redeem }

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.valid() {
		return nil, fmt.Errorf("invalid batch kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Asset identifies a token: the reserve currency, the basket token, a
// liquidity-pool token or a yield-position token.
type Asset string

// Batch is one mint or redeem cycle.
type Batch struct {
	Kind            Kind              `json:"kind"`
	ID              uint64            `json:"id"`
	SuppliedTotal   fixedpoint.Amount `json:"supplied_total"`
	UnclaimedShares fixedpoint.Amount `json:"unclaimed_shares"`
	ClaimableTotal  fixedpoint.Amount `json:"claimable_total"`
	Claimable       bool              `json:"claimable"`
	InputAsset      Asset             `json:"input_asset"`
	OutputAsset     Asset             `json:"output_asset"`
	OpenedAt        time.Time         `json:"opened_at"`
	ProcessedAt     time.Time         `json:"processed_at,omitempty"`

	// FinalShares and FinalClaimable record the exchange rate at settlement.
	// They never change after finalize.
	FinalShares    fixedpoint.Amount `json:"final_shares"`
	FinalClaimable fixedpoint.Amount `json:"final_claimable"`
}

// Position is one account's contribution to one batch.
type Position struct {
	Account common.Address    `json:"account"`
	BatchID uint64            `json:"batch_id"`
	Shares  fixedpoint.Amount `json:"shares"`
}

type positionKey struct {
	account common.Address
	batchID uint64
}

// Component pairs a basket component's yield-position token with the
// liquidity-pool token it wraps.
type Component struct {
	YieldToken Asset `json:"yield_token" yaml:"yield_token"`
	PoolToken  Asset `json:"pool_token" yaml:"pool_token"`
}

// ComponentUnits is an amount of one yield-position token.
type ComponentUnits struct {
	YieldToken Asset             `json:"yield_token"`
	Units      fixedpoint.Amount `json:"units"`
}

// ComponentAllocation is the share of a batch routed through one component.
// For mint batches TargetAmount is reserve currency; for redeem batches it is
// the expected reserve value of the component leg.
type ComponentAllocation struct {
	PositionID   Asset             `json:"position_id"`
	PoolToken    Asset             `json:"pool_token"`
	Price        fixedpoint.Amount `json:"price"`
	TargetAmount fixedpoint.Amount `json:"target_amount"`
}
