package api

import "encoding/json"

// JSON-RPC 2.0 request structure
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// JSON-RPC 2.0 response structure
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSON-RPC 2.0 error structure
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// MarketParams addresses one market.
type MarketParams struct {
	MarketID string `json:"marketId"`
}

type DepositParams struct {
	MarketID string `json:"marketId"`
	DepositRequest
}

type WithdrawParams struct {
	MarketID string `json:"marketId"`
	WithdrawRequest
}

type ValueParams struct {
	MarketID string `json:"marketId"`
	Long     string `json:"long"`
	Short    string `json:"short"`
}

// JSON-RPC error codes (following standard)
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603

	// Application errors
	JSONRPCNotFound      = -32004
	JSONRPCConflict      = -32009
	JSONRPCUnprocessable = -32022
)
