package rpc

import (
	"net/http"
	"strings"

	"settlechain/crypto"
)

type addressParams struct {
	Address string `json:"address"`
}

type balanceJSON struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

func (s *Server) parseAddressParam(w http.ResponseWriter, req *RPCRequest) ([20]byte, bool) {
	var params addressParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeParamsError(w, req.ID, rpcErr)
		return [20]byte{}, false
	}
	addr, err := crypto.ParseAddress(strings.TrimSpace(params.Address))
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return [20]byte{}, false
	}
	return addr, true
}

func (s *Server) handleChainGetHeight(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, s.node.Height())
}

func (s *Server) handleChainGetChainID(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, s.node.ChainID())
}

func (s *Server) handleChainGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, ok := s.parseAddressParam(w, req)
	if !ok {
		return
	}
	balance, err := s.node.Balance(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load balance", err.Error())
		return
	}
	nonce, err := s.node.Nonce(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load nonce", err.Error())
		return
	}
	writeResult(w, req.ID, balanceJSON{Address: crypto.FormatAddress(addr), Balance: balance.String(), Nonce: nonce})
}

func (s *Server) handleChainGetNonce(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, ok := s.parseAddressParam(w, req)
	if !ok {
		return
	}
	nonce, err := s.node.Nonce(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load nonce", err.Error())
		return
	}
	writeResult(w, req.ID, nonce)
}
