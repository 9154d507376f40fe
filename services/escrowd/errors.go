package escrowd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"givechain/native/ledger"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// Wrapped sentinels precede the sentinels they wrap.
var errorMappings = []errorMapping{
	{ledger.ErrMilestoneFrozenOrTerminal, http.StatusConflict, "milestone_frozen_or_terminal"},
	{ledger.ErrMilestoneNotAwaitingApproval, http.StatusConflict, "milestone_not_awaiting_approval"},
	{ledger.ErrAlertNotActive, http.StatusConflict, "alert_not_active"},
	{ledger.ErrNotFound, http.StatusNotFound, "not_found"},
	{ledger.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{ledger.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{ledger.ErrConflict, http.StatusConflict, "conflict"},
	{ledger.ErrExceedsTarget, http.StatusUnprocessableEntity, "exceeds_target"},
	{ledger.ErrUnderfundedMilestone, http.StatusUnprocessableEntity, "underfunded_milestone"},
	{ledger.ErrDeadlineNotReached, http.StatusUnprocessableEntity, "deadline_not_reached"},
	{ledger.ErrUnknownValidator, http.StatusForbidden, "unknown_validator"},
	{ledger.ErrActiveAlertsRemain, http.StatusConflict, "active_alerts_remain"},
	{ledger.ErrAlertTargetMismatch, http.StatusUnprocessableEntity, "alert_target_mismatch"},
	{ledger.ErrAlreadyTerminal, http.StatusConflict, "already_terminal"},
	{ledger.ErrAlreadyRefunded, http.StatusConflict, "already_refunded"},
	{ledger.ErrNotRefundable, http.StatusConflict, "not_refundable"},
	{ledger.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{ledger.ErrExpenseExceedsFunds, http.StatusUnprocessableEntity, "expense_exceeds_funds"},
	{ledger.ErrNGONotVerified, http.StatusForbidden, "ngo_not_verified"},
	{ledger.ErrInvariantViolation, http.StatusInternalServerError, "invariant_violation"},
	{context.DeadlineExceeded, http.StatusServiceUnavailable, "timeout"},
	{context.Canceled, http.StatusServiceUnavailable, "cancelled"},
}

// statusFor maps an engine error to an HTTP status and a stable reason code.
func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}
