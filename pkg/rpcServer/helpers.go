package rpcServer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/yieldledger/yieldledger/pkg/balances"
	"github.com/yieldledger/yieldledger/pkg/epochRewards"
	"github.com/yieldledger/yieldledger/pkg/ledger"
	"go.uber.org/zap"
)

var (
	ErrHistoryUnavailable = errors.New("transition history requires a database")
	ErrTransitionNotFound = errors.New("transition not found")
)

type errorResponse struct {
	Error string `json:"error"`
}

type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string { return e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return &badRequestError{err: err}
}

func parseEpochIndex(s string) (uint64, error) {
	index, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, badRequest(fmt.Errorf("invalid epoch index '%s'", s))
	}
	return index, nil
}

func statusForError(err error) int {
	var br *badRequestError
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.Is(err, balances.ErrUnknownAsset),
		errors.Is(err, ledger.ErrUnknownAsset),
		errors.Is(err, epochRewards.ErrEpochNotFound),
		errors.Is(err, ErrHistoryUnavailable),
		errors.Is(err, ErrTransitionNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (rpc *RpcServer) writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		rpc.Logger.Error("Failed to handle request", zap.Error(err))
	}
	rpc.writeJSON(w, status, &errorResponse{Error: err.Error()})
}

func (rpc *RpcServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		rpc.Logger.Error("Failed to write response", zap.Error(err))
	}
}
