// Copyright (c) 2024 The kaspa-stratum-bridge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package kaspadrpc

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// RPCClient is the abstract "send one message / receive stream of
// messages" duplex spec.md §1 describes: the core never touches a
// *grpc.ClientConn or the generated stream type directly, only this
// interface, so internal/upstream can be driven against an in-process
// fake in tests (spec.md §8.6).
type RPCClient interface {
	Send(Payload) error
	Recv() (Payload, error)
	Close() error
}

// messageStreamClient is the minimal surface of the generated
// bidirectional-streaming gRPC client this bridge needs. Dial satisfies
// it with rawMessageStream over a plain grpc.ClientStream; a generated
// stream client has the same shape. The wire codec and generated stub
// themselves are out of scope for this module (spec.md §1).
type messageStreamClient interface {
	Send(*KaspadMessage) error
	Recv() (*KaspadMessage, error)
	grpc.ClientStream
}

// grpcRPCClient adapts a generated bidi-stream client to RPCClient.
type grpcRPCClient struct {
	stream messageStreamClient
	conn   *grpc.ClientConn
}

// NewGRPCClient wraps an already-established message stream and its
// owning connection.
func NewGRPCClient(conn *grpc.ClientConn, stream messageStreamClient) RPCClient {
	return &grpcRPCClient{stream: stream, conn: conn}
}

func (c *grpcRPCClient) Send(p Payload) error {
	if err := c.stream.Send(&KaspadMessage{Payload: p}); err != nil {
		return fmt.Errorf("kaspadrpc: send: %w", err)
	}
	return nil
}

func (c *grpcRPCClient) Recv() (Payload, error) {
	msg, err := c.stream.Recv()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("kaspadrpc: recv: %w", err)
	}
	return msg.Payload, nil
}

func (c *grpcRPCClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// DialContext is a thin convenience wrapper around grpc.DialContext
// using the options a production deployment would want (insecure
// transport is the node's own default for local RPC; callers needing
// TLS pass their own grpc.DialOption set).
func DialContext(ctx context.Context, target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, fmt.Errorf("kaspadrpc: dial %s: %w", target, err)
	}
	return conn, nil
}

// rawMessageStream adapts the raw grpc.ClientStream opened by Dial to
// the messageStreamClient shape, since this module carries no
// generated protobuf stub for the node's RPC service (see the package
// doc comment).
type rawMessageStream struct {
	grpc.ClientStream
}

func (s *rawMessageStream) Send(m *KaspadMessage) error {
	return s.ClientStream.SendMsg(m)
}

func (s *rawMessageStream) Recv() (*KaspadMessage, error) {
	m := new(KaspadMessage)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// messageStreamMethod is the node's bidirectional-streaming RPC
// endpoint this bridge speaks against.
const messageStreamMethod = "/protowire.RPC/MessageStream"

// Dial opens a gRPC connection to target and establishes the bidi
// message stream, returning a ready-to-use RPCClient. Closing the
// returned RPCClient also closes the underlying connection.
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (RPCClient, error) {
	conn, err := DialContext(ctx, target, opts...)
	if err != nil {
		return nil, err
	}
	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{
		StreamName:    "MessageStream",
		ServerStreams: true,
		ClientStreams: true,
	}, messageStreamMethod)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("kaspadrpc: open message stream: %w", err)
	}
	return NewGRPCClient(conn, &rawMessageStream{stream}), nil
}
