package batch

import (
	"fmt"

	"basketbatch/internal/fixedpoint"
	"basketbatch/internal/logging"

	"github.com/ethereum/go-ethereum/common"
)

// Claimer pays out settled batches.
type Claimer struct {
	queue *Queue
}

// NewClaimer returns a Claimer over q.
func NewClaimer(q *Queue) *Claimer {
	return &Claimer{queue: q}
}

// ClaimResult describes one claim.
type ClaimResult struct {
	BatchID     uint64            `json:"batch_id"`
	Kind        Kind              `json:"kind"`
	Account     common.Address    `json:"account"`
	Shares      fixedpoint.Amount `json:"shares"`
	Payout      fixedpoint.Amount `json:"payout"`
	OutputAsset Asset             `json:"output_asset"`
}

// Claim burns the account's position in a settled batch and returns its
// payout, shares * ClaimableTotal / UnclaimedShares rounded down. The batch
// totals drop by exactly the shares and payout removed, so the last claimant
// takes whatever remains and both totals reach zero together.
func (c *Claimer) Claim(batchID uint64, account common.Address) (ClaimResult, error) {
	b, shares, payout, err := c.quote(batchID, account)
	if err != nil {
		return ClaimResult{}, err
	}
	if _, err := c.queue.burn(account, batchID, shares, payout); err != nil {
		return ClaimResult{}, fmt.Errorf("claim: %w", err)
	}
	logging.Claim("%s claimed %s %s from %s batch %d for %s shares",
		account.Hex(), payout.Format(), b.OutputAsset, b.Kind, batchID, shares.Format())
	return ClaimResult{
		BatchID:     batchID,
		Kind:        b.Kind,
		Account:     account,
		Shares:      shares,
		Payout:      payout,
		OutputAsset: b.OutputAsset,
	}, nil
}

// ClaimableAmount returns what Claim would pay now without changing state.
func (c *Claimer) ClaimableAmount(batchID uint64, account common.Address) (fixedpoint.Amount, error) {
	_, _, payout, err := c.quote(batchID, account)
	return payout, err
}

func (c *Claimer) quote(batchID uint64, account common.Address) (Batch, fixedpoint.Amount, fixedpoint.Amount, error) {
	b, err := c.queue.Batch(batchID)
	if err != nil {
		return Batch{}, fixedpoint.Amount{}, fixedpoint.Amount{}, fmt.Errorf("claim: %w", err)
	}
	if !b.Claimable {
		return Batch{}, fixedpoint.Amount{}, fixedpoint.Amount{}, fmt.Errorf("claim: %w: batch %d", ErrNotYetClaimable, batchID)
	}
	shares := c.queue.Position(account, batchID)
	if shares.IsZero() {
		return Batch{}, fixedpoint.Amount{}, fixedpoint.Amount{}, fmt.Errorf("claim: %w: %s in batch %d", ErrNothingToClaim, account.Hex(), batchID)
	}
	payout, err := fixedpoint.MulDiv(shares, b.ClaimableTotal, b.UnclaimedShares, fixedpoint.Floor)
	if err != nil {
		return Batch{}, fixedpoint.Amount{}, fixedpoint.Amount{}, fmt.Errorf("claim: %w", err)
	}
	return b, shares, payout, nil
}
