package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// HandleJSONRPC handles JSON-RPC 2.0 requests
func (h *Handler) HandleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var req JSONRPCRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		h.sendJSONRPCError(w, nil, JSONRPCParseError, "Parse error", err.Error())
		return
	}

	if req.JSONRPC != "2.0" {
		h.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, "Invalid Request", "jsonrpc must be '2.0'")
		return
	}

	var (
		result interface{}
		err    error
	)
	switch req.Method {
	case "cup_listMarkets":
		result = h.marketsSvc.List()
	case "cup_getMarket":
		var p MarketParams
		if err = decodeParams(req.Params, &p); err == nil {
			result, err = h.marketsSvc.Get(p.MarketID)
		}
	case "cup_rebalance":
		var p MarketParams
		if err = decodeParams(req.Params, &p); err == nil {
			res, rerr := h.marketsSvc.Rebalance(r.Context(), p.MarketID)
			result, err = rebalanceDTO(p.MarketID, res), rerr
		}
	case "cup_deposit":
		var p DepositParams
		if err = decodeParams(req.Params, &p); err == nil {
			result, err = h.deposit(r.Context(), p.MarketID, p.DepositRequest)
		}
	case "cup_withdraw":
		var p WithdrawParams
		if err = decodeParams(req.Params, &p); err == nil {
			result, err = h.withdraw(r.Context(), p.MarketID, p.WithdrawRequest)
		}
	case "cup_value":
		var p ValueParams
		if err = decodeParams(req.Params, &p); err == nil {
			result, err = h.value(p.MarketID, p.Long, p.Short)
		}
	default:
		h.sendJSONRPCError(w, req.ID, JSONRPCMethodNotFound, "Method not found", fmt.Sprintf("Method '%s' not found", req.Method))
		return
	}

	if err != nil {
		code, message := rpcCode(err)
		h.sendJSONRPCError(w, req.ID, code, message, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  result,
	})
}

func decodeParams(raw json.RawMessage, dest interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: params are required", errInvalidInput)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%w: %v", errInvalidInput, err)
	}
	return nil
}

func rpcCode(err error) (int, string) {
	status, _ := classify(err)
	switch status {
	case http.StatusBadRequest:
		return JSONRPCInvalidParams, "Invalid params"
	case http.StatusNotFound:
		return JSONRPCNotFound, "Not found"
	case http.StatusConflict:
		return JSONRPCConflict, "Conflict"
	case http.StatusUnprocessableEntity:
		return JSONRPCUnprocessable, "Unprocessable"
	default:
		return JSONRPCInternalError, "Internal error"
	}
}

// Errors are reported in the body with HTTP 200, as JSON-RPC clients expect.
func (h *Handler) sendJSONRPCError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	h.logger.Debugw("JSON-RPC error", "id", id, "code", code, "message", message, "data", data)

	h.writeJSON(w, http.StatusOK, JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	})
}
