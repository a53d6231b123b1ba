package api

import (
	"errors"
	"net/http"

	"basketbatch/internal/batch"
	"basketbatch/internal/engine"
	"basketbatch/internal/fixedpoint"
	"basketbatch/internal/market"
	"basketbatch/internal/vault"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// errBadRequest marks malformed input caught before the engine is called.
var errBadRequest = errors.New("bad request")

// errorKinds maps sentinel errors to a status and a stable kind string.
// The first match wins.
var errorKinds = []struct {
	err    error
	status int
	kind   string
}{
	{engine.ErrPersistence, http.StatusInternalServerError, "persistence"},
	{errBadRequest, http.StatusBadRequest, "bad_request"},
	{batch.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{vault.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{vault.ErrInvalidFeeRate, http.StatusBadRequest, "invalid_fee_rate"},
	{fixedpoint.ErrInvalidDecimal, http.StatusBadRequest, "invalid_amount"},
	{vault.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{batch.ErrUnknownBatch, http.StatusNotFound, "unknown_batch"},
	{batch.ErrBatchNotReady, http.StatusConflict, "batch_not_ready"},
	{batch.ErrBatchAlreadyProcessed, http.StatusConflict, "batch_already_processed"},
	{batch.ErrNotYetClaimable, http.StatusConflict, "not_yet_claimable"},
	{batch.ErrNothingToClaim, http.StatusConflict, "nothing_to_claim"},
	{engine.ErrWrongBatchKind, http.StatusConflict, "wrong_batch_kind"},
	{batch.ErrInsufficientPosition, http.StatusUnprocessableEntity, "insufficient_position"},
	{batch.ErrSlippageExceeded, http.StatusUnprocessableEntity, "slippage_exceeded"},
	{fixedpoint.ErrArithmeticOverflow, http.StatusUnprocessableEntity, "arithmetic_overflow"},
	{fixedpoint.ErrDivisionByZero, http.StatusUnprocessableEntity, "division_by_zero"},
	{batch.ErrExternalQuoteFailure, http.StatusBadGateway, "external_quote_failure"},
	{market.ErrOutage, http.StatusBadGateway, "external_quote_failure"},
}

// classify returns the HTTP status and kind for err.
func classify(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.kind
		}
	}
	return http.StatusInternalServerError, "internal"
}
