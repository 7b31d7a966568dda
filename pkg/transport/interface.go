package transport

import (
	"context"
	"errors"

	"github.com/sp80808/EchoChain/pkg/protocol"
)

// ErrPeerUnreachable wraps every dial or connection-level failure talking to
// a specific peer. It is recoverable by trying another peer.
var ErrPeerUnreachable = errors.New("peer unreachable")

// Handler answers one inbound envelope. The returned envelope is always
// written back on the same connection.
type Handler func(ctx context.Context, from string, req protocol.Envelope) protocol.Envelope

// Transport handles the network layer: one listener per node, and
// request/response exchanges on a fresh connection per call.
type Transport interface {
	ListenAndAccept() error
	// Request sends req to addr and waits for exactly one response.
	Request(ctx context.Context, addr string, req protocol.Envelope) (protocol.Envelope, error)
	// Send delivers req to addr and fails if the peer answers with an error
	// envelope.
	Send(ctx context.Context, addr string, req protocol.Envelope) error
	SetHandler(Handler)
	Close() error
	Addr() string
}
