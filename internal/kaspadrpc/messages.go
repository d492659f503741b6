// Copyright (c) 2024 The kaspa-stratum-bridge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package kaspadrpc defines the node's gRPC message envelope as plain
// Go types. The wire codec itself — the generated protobuf types and
// the length-prefixed framing gRPC applies on top of them — is out of
// scope for this bridge (spec.md §1); this package only models the
// shapes internal/upstream needs to classify and construct messages.
package kaspadrpc

import "google.golang.org/protobuf/types/known/timestamppb"

// RpcError mirrors the node's generic {message} error payload.
type RpcError struct {
	Message string
}

// RpcBlockHeader mirrors the node's block header RPC message. Hash
// fields are hex-encoded the way the node's JSON/gRPC surface presents
// them; see internal/pow for the byte-level digest this feeds.
type RpcBlockHeader struct {
	Version              uint32
	Parents              []RpcBlockLevelParents
	HashMerkleRoot       string
	AcceptedIDMerkleRoot string
	UTXOCommitment       string
	Timestamp            int64
	Bits                 uint32
	Nonce                uint64
	DAAScore             uint64
	BlueScore            uint64
	BlueWork             string
	PruningPoint         string
}

// RpcBlockLevelParents is one level of a block's parent DAG reference.
type RpcBlockLevelParents struct {
	ParentHashes []string
}

// RpcTransaction is an opaque transaction payload; this bridge never
// inspects transaction contents, only carries them between the node
// and the miners.
type RpcTransaction struct {
	Payload []byte
}

// RpcBlock is a candidate block: a header plus its opaque transaction
// payload.
type RpcBlock struct {
	Header       *RpcBlockHeader
	Transactions []RpcTransaction
}

// Clone returns a deep-enough copy of the block for safe nonce
// mutation: the header is duplicated (including its parent-level
// slices), but the nil-or-not transaction payload is shared since it
// is never mutated after a template is produced.
func (b *RpcBlock) Clone() *RpcBlock {
	if b == nil {
		return nil
	}
	clone := &RpcBlock{Transactions: b.Transactions}
	if b.Header != nil {
		h := *b.Header
		h.Parents = append([]RpcBlockLevelParents(nil), b.Header.Parents...)
		clone.Header = &h
	}
	return clone
}

// GetInfoRequest/Response

type GetInfoRequest struct{}

type GetInfoResponse struct {
	ServerVersion string
	IsSynced      bool
}

// GetBlockTemplateRequest/Response

type GetBlockTemplateRequest struct {
	PayAddress string
	ExtraData  string
}

type GetBlockTemplateResponse struct {
	Block    *RpcBlock
	IsSynced bool
	Error    *RpcError
}

// SubmitBlockRequest/Response

type SubmitBlockRejectReason int32

const (
	SubmitBlockRejectNone SubmitBlockRejectReason = iota
	SubmitBlockRejectBlockInvalid
	SubmitBlockRejectIsInIBD
)

type SubmitBlockRequest struct {
	Block             *RpcBlock
	AllowNonDAABlocks bool
}

type SubmitBlockResponse struct {
	RejectReason SubmitBlockRejectReason
	Error        *RpcError
}

// NotifyNewBlockTemplateRequest/Response and the push notification.

type NotifyNewBlockTemplateRequest struct{}

type NotifyNewBlockTemplateResponse struct {
	Error *RpcError
}

type NewBlockTemplateNotification struct {
	Timestamp *timestamppb.Timestamp
}

// Payload is the tagged union carried by every KaspadMessage, modeled
// as a marker interface over the concrete request/response/notification
// types above — the Go analogue of the node's protobuf `oneof`.
type Payload interface {
	isPayload()
}

func (*GetInfoRequest) isPayload()                {}
func (*GetInfoResponse) isPayload()               {}
func (*GetBlockTemplateRequest) isPayload()       {}
func (*GetBlockTemplateResponse) isPayload()      {}
func (*SubmitBlockRequest) isPayload()            {}
func (*SubmitBlockResponse) isPayload()           {}
func (*NotifyNewBlockTemplateRequest) isPayload() {}
func (*NotifyNewBlockTemplateResponse) isPayload() {}
func (*NewBlockTemplateNotification) isPayload()  {}

// KaspadMessage is the envelope exchanged over the bidirectional
// stream in both directions.
type KaspadMessage struct {
	Payload Payload
}
