package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sp80808/EchoChain/pkg/logger"
	"github.com/sp80808/EchoChain/pkg/protocol"
	"github.com/sp80808/EchoChain/pkg/transport"
)

const (
	DefaultDialTimeout = 5 * time.Second
	DefaultIOTimeout   = 30 * time.Second
)

var _ transport.Transport = (*TCPTransport)(nil)

// TCPTransport implements transport.Transport. Every exchange uses its own
// connection: the dialer writes one request frame, the listener writes one
// response frame, and both sides close.
type TCPTransport struct {
	listenAddr string
	listener   net.Listener

	DialTimeout time.Duration
	IOTimeout   time.Duration

	mu      sync.RWMutex
	handler transport.Handler
	conns   map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

func NewTCPTransport(addr string) *TCPTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPTransport{
		listenAddr:  addr,
		DialTimeout: DefaultDialTimeout,
		IOTimeout:   DefaultIOTimeout,
		conns:       make(map[net.Conn]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (t *TCPTransport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *TCPTransport) ListenAndAccept() error {
	lc := net.ListenConfig{Control: setSocketReuseAddr}
	ln, err := lc.Listen(t.ctx, "tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.listenAddr, err)
	}
	t.listener = ln

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Errorf("[TCPTransport] accept error: listen=%s err=%v", t.Addr(), err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !t.track(conn) {
			conn.Close()
			return
		}
		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

func (t *TCPTransport) track(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return false
	}
	t.conns[conn] = struct{}{}
	return true
}

func (t *TCPTransport) untrack(conn net.Conn) {
	t.mu.Lock()
	delete(t.conns, conn)
	t.mu.Unlock()
}

func (t *TCPTransport) handleConn(conn net.Conn) {
	defer t.wg.Done()
	defer t.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	_ = conn.SetDeadline(time.Now().Add(t.IOTimeout))

	frameType, payload, err := readFrame(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) && !t.closed.Load() {
			logger.Sugar.Warnf("[TCPTransport] read error: remote=%s err=%v", remote, err)
		}
		return
	}

	resp := t.dispatch(remote, frameType, payload)
	if err := writeEnvelope(conn, FrameTypeResponse, resp); err != nil && !t.closed.Load() {
		logger.Sugar.Warnf("[TCPTransport] write response error: remote=%s type=%s err=%v", remote, resp.Type, err)
	}
}

func (t *TCPTransport) dispatch(remote string, frameType uint8, payload []byte) protocol.Envelope {
	if frameType != FrameTypeRequest {
		return protocol.ErrorEnvelope(protocol.CodeBadRequest, fmt.Errorf("unexpected frame type 0x%02x", frameType))
	}
	req, err := decodeEnvelope(payload)
	if err != nil {
		logger.Sugar.Warnf("[TCPTransport] %v: remote=%s", err, remote)
		return protocol.ErrorEnvelope(protocol.CodeBadRequest, err)
	}

	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil {
		return protocol.ErrorEnvelope(protocol.CodeInternal, errors.New("no handler registered"))
	}
	return h(t.ctx, remote, req)
}

// Request dials addr, writes req and waits for the single response. Dial and
// I/O failures are wrapped in transport.ErrPeerUnreachable; a cancelled ctx
// surfaces as ctx.Err().
func (t *TCPTransport) Request(ctx context.Context, addr string, req protocol.Envelope) (protocol.Envelope, error) {
	dialer := net.Dialer{Timeout: t.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Envelope{}, ctx.Err()
		}
		return protocol.Envelope{}, fmt.Errorf("%w: dial %s: %v", transport.ErrPeerUnreachable, addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	deadline := time.Now().Add(t.IOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if err := writeEnvelope(conn, FrameTypeRequest, req); err != nil {
		return protocol.Envelope{}, t.ioError(ctx, addr, "write", err)
	}
	frameType, payload, err := readFrame(conn)
	if err != nil {
		return protocol.Envelope{}, t.ioError(ctx, addr, "read", err)
	}
	if frameType != FrameTypeResponse {
		return protocol.Envelope{}, fmt.Errorf("%w: %s sent frame type 0x%02x", transport.ErrPeerUnreachable, addr, frameType)
	}
	resp, err := decodeEnvelope(payload)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("%w: %s: %v", transport.ErrPeerUnreachable, addr, err)
	}
	return resp, nil
}

func (t *TCPTransport) ioError(ctx context.Context, addr, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// The conn deadline can fire a moment before the ctx timer does.
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}
	return fmt.Errorf("%w: %s %s: %v", transport.ErrPeerUnreachable, op, addr, err)
}

// Send performs a full exchange and only reports failures. Announcements and
// peer-list pushes use it; the ack carries nothing the caller needs.
func (t *TCPTransport) Send(ctx context.Context, addr string, req protocol.Envelope) error {
	resp, err := t.Request(ctx, addr, req)
	if err != nil {
		return err
	}
	return protocol.AsError(resp)
}

func (t *TCPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}

	t.mu.Lock()
	for conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return err
}

// Addr returns the bound address once listening, so ":0" resolves to the
// real port.
func (t *TCPTransport) Addr() string {
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.listenAddr
}
