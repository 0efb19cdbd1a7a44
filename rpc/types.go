// Package rpc exposes chain state via a JSON-RPC 2.0 HTTP endpoint and
// provides the matching Go client.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes plus the server-defined range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeUnauthorized   = -32000
	CodeNotFound       = -32001
	CodeTxRejected     = -32002
)

func errResponse(id any, code int, msg string) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: msg},
	}
}

func okResponse(id, result any) Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return errResponse(id, CodeInternalError, "encode result: "+err.Error())
	}
	return Response{JSONRPC: "2.0", ID: id, Result: raw}
}

// TokenBalance is the result of getTokenBalance.
type TokenBalance struct {
	Token  string `json:"token"`
	Owner  string `json:"owner"`
	Amount string `json:"amount"` // base units, decimal
}

// PlayerRewards is the result of getPlayerRewards.
type PlayerRewards struct {
	Player string `json:"player"`
	Amount string `json:"amount"`
}

// Pools is the result of getPrizePool.
type Pools struct {
	PrizePool     string `json:"prize_pool"`
	ProtocolFees  string `json:"protocol_fees"`
	TotalComputed string `json:"total_computed"`
	TotalClaimed  string `json:"total_claimed"`
}

// SendTxResult is the result of sendTx.
type SendTxResult struct {
	TxID string `json:"tx_id"`
}
