package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"settlechain/core"
	"settlechain/core/events"
	"settlechain/core/types"
	"settlechain/crypto"
	"settlechain/native/escrow"
)

type escrowIDParams struct {
	ID uint64 `json:"id"`
}

type escrowAmountParams struct {
	Amount string `json:"amount"`
}

type escrowStatusParams struct {
	Status uint8 `json:"status"`
}

type escrowEventsParams struct {
	Type     string `json:"type,omitempty"`
	EscrowID uint64 `json:"escrowId,omitempty"`
	After    uint64 `json:"after,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Forward  bool   `json:"forward,omitempty"`
}

type escrowJSON struct {
	ID            uint64 `json:"id"`
	Buyer         string `json:"buyer"`
	Seller        string `json:"seller"`
	Amount        string `json:"amount"`
	Fee           string `json:"fee"`
	Total         string `json:"total"`
	TimeoutHeight uint64 `json:"timeoutHeight"`
	CreatedHeight uint64 `json:"createdHeight"`
	Description   string `json:"description"`
	Status        string `json:"status"`
	StatusCode    uint8  `json:"statusCode"`
	Expired       bool   `json:"expired"`
}

type feeQuoteJSON struct {
	Amount  string `json:"amount"`
	Fee     string `json:"fee"`
	Total   string `json:"total"`
	RateBps uint32 `json:"rateBps"`
}

type feeRateJSON struct {
	RateBps    uint32 `json:"rateBps"`
	MaxRateBps uint32 `json:"maxRateBps"`
}

type vaultJSON struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func formatEscrowJSON(esc *escrow.Escrow, height uint64) escrowJSON {
	return escrowJSON{
		ID:            esc.ID,
		Buyer:         crypto.FormatAddress(esc.Buyer),
		Seller:        crypto.FormatAddress(esc.Seller),
		Amount:        esc.Amount.String(),
		Fee:           esc.Fee.String(),
		Total:         esc.Total().String(),
		TimeoutHeight: esc.TimeoutHeight,
		CreatedHeight: esc.CreatedHeight,
		Description:   esc.Description,
		Status:        esc.Status.String(),
		StatusCode:    uint8(esc.Status),
		Expired:       esc.ExpiredAt(height),
	}
}

// writeEscrowError maps engine and transaction errors onto HTTP statuses and
// JSON-RPC codes.
func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		writeError(w, http.StatusNotFound, id, codeEscrowNotFound, "not_found", err.Error())
	case errors.Is(err, escrow.ErrUnauthorized):
		writeError(w, http.StatusForbidden, id, codeEscrowForbidden, "forbidden", err.Error())
	case errors.Is(err, escrow.ErrInvalidStatus), errors.Is(err, escrow.ErrExpired):
		writeError(w, http.StatusConflict, id, codeEscrowConflict, "conflict", err.Error())
	case errors.Is(err, escrow.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, id, codeEscrowInsufficientFunds, "insufficient_funds", err.Error())
	case escrow.Kind(err) == "invalid_request", core.IsRejection(err):
		writeError(w, http.StatusBadRequest, id, codeEscrowInvalidParams, "invalid_params", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeEscrowInternal, "internal_error", err.Error())
	}
}

func writeParamsError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	writeError(w, http.StatusBadRequest, id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
}

func (s *Server) handleSendTransaction(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "transaction parameter required", nil)
		return
	}
	var tx types.Transaction
	if err := json.Unmarshal(req.Params[0], &tx); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid transaction format", err.Error())
		return
	}
	if !tx.Type.Valid() {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", fmt.Sprintf("unknown transaction type %d", byte(tx.Type)))
		return
	}
	receipt, err := s.node.ApplyTransaction(r.Context(), &tx)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, receipt)
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeParamsError(w, req.ID, rpcErr)
		return
	}
	esc, err := s.node.EscrowGet(params.ID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEscrowJSON(esc, s.node.Height()))
}

func (s *Server) handleEscrowGetCounter(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	counter, err := s.node.EscrowCounter()
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, counter)
}

func (s *Server) handleEscrowGetFeeRate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	rate, err := s.node.EscrowFeeRate()
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, feeRateJSON{RateBps: rate, MaxRateBps: escrow.MaxFeeRateBps})
}

func (s *Server) handleEscrowCalculateFee(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowAmountParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeParamsError(w, req.ID, rpcErr)
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(params.Amount), 10)
	if !ok || amount.Sign() < 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "amount must be a non-negative base-10 integer")
		return
	}
	rate, err := s.node.EscrowFeeRate()
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	fee, total, err := escrow.Quote(amount, rate)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, feeQuoteJSON{Amount: amount.String(), Fee: fee.String(), Total: total.String(), RateBps: rate})
}

func (s *Server) handleEscrowIsExpired(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeParamsError(w, req.ID, rpcErr)
		return
	}
	expired, err := s.node.EscrowIsExpired(params.ID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, expired)
}

func (s *Server) handleEscrowStatusString(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowStatusParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeParamsError(w, req.ID, rpcErr)
		return
	}
	writeResult(w, req.ID, escrow.StatusString(params.Status))
}

func (s *Server) handleEscrowGetVault(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	vault := s.node.EscrowVaultAddress()
	balance, err := s.node.Balance(vault)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, vaultJSON{Address: crypto.FormatAddress(vault), Balance: balance.String()})
}

func (s *Server) handleEscrowListEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowEventsParams
	if len(req.Params) > 0 {
		if rpcErr := decodeParams(req, &params); rpcErr != nil {
			writeParamsError(w, req.ID, rpcErr)
			return
		}
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	} else if limit > maxEventLimit {
		limit = maxEventLimit
	}
	records, err := s.events.Query(r.Context(), events.Query{
		TypePrefix:    strings.TrimSpace(params.Type),
		EscrowID:      params.EscrowID,
		AfterSequence: params.After,
		Limit:         limit,
		Forward:       params.Forward,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to list events", err.Error())
		return
	}
	if records == nil {
		records = []events.Record{}
	}
	writeResult(w, req.ID, records)
}
