package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"basketbatch/internal/batch"
	"basketbatch/internal/engine"
	"basketbatch/internal/fixedpoint"
	"basketbatch/internal/vault"

	"github.com/ethereum/go-ethereum/common"
)

// Amounts on the wire are strings of base units (1e18 per whole unit).

// DepositRequest is the body of POST /mint, /redeem and /vault/deposit.
type DepositRequest struct {
	Account common.Address    `json:"account"`
	Amount  fixedpoint.Amount `json:"amount"`
}

// DepositResponse names the batch a deposit landed in.
type DepositResponse struct {
	BatchID uint64 `json:"batch_id"`
}

// WithdrawRequest is the body of POST /withdraw.
type WithdrawRequest struct {
	BatchID uint64            `json:"batch_id"`
	Account common.Address    `json:"account"`
	Amount  fixedpoint.Amount `json:"amount"`
}

// ExecuteRequest is the optional body of POST /execute/{kind}.
type ExecuteRequest struct {
	SlippageBps uint32            `json:"slippage_bps"`
	MinOutput   fixedpoint.Amount `json:"min_output"`
}

// ClaimRequest is the body of POST /claim.
type ClaimRequest struct {
	BatchID uint64         `json:"batch_id"`
	Account common.Address `json:"account"`
}

// VaultWithdrawRequest is the body of POST /vault/withdraw.
type VaultWithdrawRequest struct {
	Account common.Address    `json:"account"`
	Shares  fixedpoint.Amount `json:"shares"`
}

// ZapInRequest is the body of POST /zap/in.
type ZapInRequest struct {
	Account    common.Address                    `json:"account"`
	Amounts    map[batch.Asset]fixedpoint.Amount `json:"amounts"`
	MinReserve fixedpoint.Amount                 `json:"min_reserve"`
}

// ZapOutRequest is the body of POST /zap/out and /zap/claim. Amount is
// ignored by /zap/claim.
type ZapOutRequest struct {
	BatchID uint64            `json:"batch_id"`
	Account common.Address    `json:"account"`
	Amount  fixedpoint.Amount `json:"amount"`
	Stable  batch.Asset       `json:"stable"`
	MinOut  fixedpoint.Amount `json:"min_out"`
}

// FeeRatesRequest is the body of POST /governance/fees.
type FeeRatesRequest struct {
	Caller common.Address `json:"caller"`
	Rates  vault.FeeRates `json:"rates"`
}

// BatchParamsRequest is the body of POST /governance/batch-params.
type BatchParamsRequest struct {
	Caller          common.Address    `json:"caller"`
	Cooldown        string            `json:"cooldown"`
	MintThreshold   fixedpoint.Amount `json:"mint_threshold"`
	RedeemThreshold fixedpoint.Amount `json:"redeem_threshold"`
}

// AccountVaultResponse is an account's vault balance.
type AccountVaultResponse struct {
	Account common.Address    `json:"account"`
	Shares  fixedpoint.Amount `json:"shares"`
	Value   fixedpoint.Amount `json:"value"`
}

// PreviewResponse shows how the open batch of a direction would settle now.
type PreviewResponse struct {
	Kind        batch.Kind                  `json:"kind"`
	Batch       batch.Batch                 `json:"batch"`
	BasketPrice fixedpoint.Amount           `json:"basket_price"`
	MinOutput   fixedpoint.Amount           `json:"min_output"`
	Ready       bool                        `json:"ready"`
	Allocations []batch.ComponentAllocation `json:"allocations"`
}

// =============================================================================
// BATCH QUEUE
// =============================================================================

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	s.deposit(w, r, batch.Mint)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	s.deposit(w, r, batch.Redeem)
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request, kind batch.Kind) {
	var req DepositRequest
	if err := decode(r, &req, false); err != nil {
		s.sendError(w, err)
		return
	}
	deposit := s.engine.DepositForMint
	if kind == batch.Redeem {
		deposit = s.engine.DepositForRedeem
	}
	id, err := deposit(r.Context(), req.Account, req.Amount)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, DepositResponse{BatchID: id})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := decode(r, &req, false); err != nil {
		s.sendError(w, err)
		return
	}
	b, err := s.engine.WithdrawFromBatch(r.Context(), req.BatchID, req.Amount, req.Account)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, b)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	kind, err := pathKind(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	var req ExecuteRequest
	if err := decode(r, &req, true); err != nil {
		s.sendError(w, err)
		return
	}
	res, err := s.engine.Execute(r.Context(), kind, batch.ExecuteOptions{
		SlippageBps: req.SlippageBps,
		MinOutput:   req.MinOutput,
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := decode(r, &req, false); err != nil {
		s.sendError(w, err)
		return
	}
	res, err := s.engine.Claim(r.Context(), req.BatchID, req.Account)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

// =============================================================================
// SHARE VAULT
// =============================================================================

func (s *Server) handleVaultDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := decode(r, &req, false); err != nil {
		s.sendError(w, err)
		return
	}
	res, err := s.engine.VaultDeposit(r.Context(), req.Account, req.Amount)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleVaultWithdraw(w http.ResponseWriter, r *http.Request) {
	var req VaultWithdrawRequest
	if err := decode(r, &req, false); err != nil {
		s.sendError(w, err)
		return
	}
	res, err := s.engine.VaultWithdraw(r.Context(), req.Account, req.Shares)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleVaultReport(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.VaultReport(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

// =============================================================================
// ZAPPER
// =============================================================================

func (s *Server) handleZapIn(w http.ResponseWriter, r *http.Request) {
	var req ZapInRequest
	if err := decode(r, &req, false); err != nil {
		s.sendError(w, err)
		return
	}
	res, err := s.engine.ZapIntoQueue(r.Context(), req.Account, req.Amounts, req.MinReserve)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleZapOut(w http.ResponseWriter, r *http.Request) {
	var req ZapOutRequest
	if err := decode(r, &req, false); err != nil {
		s.sendError(w, err)
		return
	}
	res, err := s.engine.ZapOutOfQueue(r.Context(), req.BatchID, req.Amount, req.Stable, req.MinOut, req.Account)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleZapClaim(w http.ResponseWriter, r *http.Request) {
	var req ZapOutRequest
	if err := decode(r, &req, false); err != nil {
		s.sendError(w, err)
		return
	}
	res, err := s.engine.ClaimAndSwapToStable(r.Context(), req.BatchID, req.Stable, req.MinOut, req.Account)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

// =============================================================================
// GOVERNANCE
// =============================================================================

func (s *Server) handleSetFeeRates(w http.ResponseWriter, r *http.Request) {
	var req FeeRatesRequest
	if err := decode(r, &req, false); err != nil {
		s.sendError(w, err)
		return
	}
	if err := s.engine.SetFeeRates(r.Context(), req.Caller, req.Rates); err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, req.Rates)
}

func (s *Server) handleSetBatchParams(w http.ResponseWriter, r *http.Request) {
	var req BatchParamsRequest
	if err := decode(r, &req, false); err != nil {
		s.sendError(w, err)
		return
	}
	cooldown, err := time.ParseDuration(req.Cooldown)
	if err != nil {
		s.sendError(w, fmt.Errorf("%w: cooldown: %v", errBadRequest, err))
		return
	}
	params := batch.Params{Cooldown: cooldown, MintThreshold: req.MintThreshold, RedeemThreshold: req.RedeemThreshold}
	if err := s.engine.SetBatchParams(r.Context(), req.Caller, params); err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, s.engine.BatchParams())
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.sendError(w, fmt.Errorf("%w: batch id %q", errBadRequest, r.PathValue("id")))
		return
	}
	b, err := s.engine.Batch(id)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, b)
}

func (s *Server) handleAccountBatches(w http.ResponseWriter, r *http.Request) {
	account, err := pathAccount(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	views, err := s.engine.AccountBatchViews(account)
	if err != nil {
		s.sendError(w, err)
		return
	}
	if views == nil {
		views = []engine.BatchView{}
	}
	s.sendJSON(w, http.StatusOK, views)
}

func (s *Server) handleAccountVault(w http.ResponseWriter, r *http.Request) {
	account, err := pathAccount(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	shares, value, err := s.engine.VaultBalance(r.Context(), account)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, AccountVaultResponse{Account: account, Shares: shares, Value: value})
}

func (s *Server) handleCooldowns(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.engine.BatchCooldowns())
}

func (s *Server) handleTimes(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.engine.BatchTimes())
}

func (s *Server) handleVault(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.VaultState(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, view)
}

// handlePreview takes an optional slippage_bps query parameter for the
// minimum-output estimate.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	kind, err := pathKind(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	var slippage uint64
	if raw := r.URL.Query().Get("slippage_bps"); raw != "" {
		if slippage, err = strconv.ParseUint(raw, 10, 32); err != nil {
			s.sendError(w, fmt.Errorf("%w: slippage_bps %q", errBadRequest, raw))
			return
		}
	}

	resp := PreviewResponse{
		Kind:  kind,
		Batch: s.engine.CurrentBatch(kind),
		Ready: s.engine.Ready(kind) == nil,
	}
	if resp.BasketPrice, err = s.engine.BasketPrice(r.Context()); err != nil {
		s.sendError(w, err)
		return
	}
	if resp.MinOutput, err = s.engine.MinOutput(r.Context(), kind, uint32(slippage)); err != nil {
		s.sendError(w, err)
		return
	}
	if resp.Allocations, err = s.engine.Preview(r.Context(), kind); err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleEvents pages through the journal with after and limit.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, limit, err := pageParams(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	evs, err := s.engine.Events(r.Context(), after, limit)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, evs)
}

// =============================================================================
// PARAMETERS
// =============================================================================

func pathKind(r *http.Request) (batch.Kind, error) {
	kind, err := batch.ParseKind(r.PathValue("kind"))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return kind, nil
}

func pathAccount(r *http.Request) (common.Address, error) {
	raw := r.PathValue("addr")
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %q is not a hex address", errBadRequest, raw)
	}
	return common.HexToAddress(raw), nil
}

func pageParams(r *http.Request) (after uint64, limit int, err error) {
	q := r.URL.Query()
	if raw := q.Get("after"); raw != "" {
		if after, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("%w: after %q", errBadRequest, raw)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("%w: limit %q", errBadRequest, raw)
		}
	}
	return after, limit, nil
}
