// Copyright (c) 2024 The kaspa-stratum-bridge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package stratum implements the downstream side of the bridge: a
// TCP acceptor speaking line-delimited JSON-RPC to miner workers. The
// wire shapes here are grounded directly on spec.md §6; the retrieved
// teacher corpus did not include its own protocol.go, only the
// session-handling idiom in pool/client.go, which this package's
// Session design follows instead.
package stratum

import (
	"encoding/json"
	"fmt"
)

// Id is a JSON-RPC request/response id: a number, a string, or null.
// It round-trips through JSON verbatim, since the server never
// interprets its value, only echoes it.
type Id struct {
	raw json.RawMessage
}

// NewIdFromUint64 builds an Id carrying a server-assigned numeric id.
func NewIdFromUint64(v uint64) Id {
	b, _ := json.Marshal(v)
	return Id{raw: b}
}

func (id Id) MarshalJSON() ([]byte, error) {
	if id.raw == nil {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *Id) UnmarshalJSON(b []byte) error {
	id.raw = append(json.RawMessage(nil), b...)
	return nil
}

// IsNull reports whether the id was JSON null (or absent).
func (id Id) IsNull() bool {
	return id.raw == nil || string(id.raw) == "null"
}

// Request is an inbound or outbound JSON-RPC request frame.
type Request struct {
	Id     Id              `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is an outbound JSON-RPC response frame: exactly one of
// Result or Error is set.
type Response struct {
	Id     Id          `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *RPCError   `json:"error,omitempty"`
}

// RPCError is the three-element `[code, message, null]` error shape
// stratum servers conventionally emit.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{e.Code, e.Message, nil})
}

// errCodeUnableToSubmit is the stratum error code for every failed
// mining.submit. unableToSubmitError pairs it with the message sent
// when a submit cannot be queued (unparseable job id or nonce, or a
// job id the cache does not know); node rejections carry the node's
// own message instead.
const errCodeUnableToSubmit = 20

func unableToSubmitError() *RPCError {
	return &RPCError{Code: errCodeUnableToSubmit, Message: "Unable to submit block"}
}

func okResult(id Id, ok bool) Response {
	return Response{Id: id, Result: ok}
}

func errorResult(id Id, err *RPCError) Response {
	return Response{Id: id, Error: err}
}

func newNotify(method string, params interface{}) Request {
	b, err := json.Marshal(params)
	if err != nil {
		panic(fmt.Sprintf("stratum: marshal %s params: %v", method, err))
	}
	return Request{Method: method, Params: b}
}

// submitParams is the decoded shape of mining.submit's params array.
type submitParams struct {
	WorkerName string
	JobIDHex   string
	NonceHex   string
}

func decodeSubmitParams(raw json.RawMessage) (submitParams, error) {
	var tuple [3]string
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return submitParams{}, fmt.Errorf("stratum: decode mining.submit params: %w", err)
	}
	return submitParams{WorkerName: tuple[0], JobIDHex: tuple[1], NonceHex: tuple[2]}, nil
}
