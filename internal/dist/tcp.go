package dist

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/pipeprop/internal/parallel"
	"github.com/born-ml/pipeprop/internal/tensor"
)

// TCPConfig configures one rank of a TCP pipeline.
type TCPConfig struct {
	Rank      int
	WorldSize int
	// Addresses holds the listen address of every rank. Rank r listens on
	// Addresses[r] and dials Addresses[r+1].
	Addresses []string
	// Session must be identical on every rank of a run.
	Session uuid.UUID
	// DialTimeout bounds how long a rank keeps retrying to reach rank+1.
	DialTimeout time.Duration
	// Listener replaces listening on Addresses[Rank] when set.
	Listener net.Listener
}

// DefaultTCPConfig returns a config with a 30s dial timeout.
func DefaultTCPConfig(rank int, addresses []string, session uuid.UUID) TCPConfig {
	return TCPConfig{
		Rank:        rank,
		WorldSize:   len(addresses),
		Addresses:   addresses,
		Session:     session,
		DialTimeout: 30 * time.Second,
	}
}

// peer is one established neighbour connection.
type peer struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	rmu  sync.Mutex
	wmu  sync.Mutex
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
}

// TCPTransport is one rank of a pipeline whose neighbours are TCP peers.
type TCPTransport struct {
	cfg      TCPConfig
	listener net.Listener
	prev     *peer // rank-1, accepted
	next     *peer // rank+1, dialed

	mu     sync.Mutex
	closed bool
}

// DialTCP joins the pipeline: it accepts the connection of rank-1 and dials
// rank+1 concurrently, and returns once both handshakes have succeeded.
func DialTCP(ctx context.Context, cfg TCPConfig) (*TCPTransport, error) {
	if cfg.WorldSize < 1 || cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return nil, errors.Errorf("dist: rank %d outside world of %d", cfg.Rank, cfg.WorldSize)
	}
	if len(cfg.Addresses) != cfg.WorldSize {
		return nil, errors.Errorf("dist: %d addresses for world size %d", len(cfg.Addresses), cfg.WorldSize)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	t := &TCPTransport{cfg: cfg, listener: cfg.Listener}
	if cfg.Rank > 0 && t.listener == nil {
		var lc net.ListenConfig
		l, err := lc.Listen(ctx, "tcp", cfg.Addresses[cfg.Rank])
		if err != nil {
			return nil, errors.Wrapf(err, "listen on %s", cfg.Addresses[cfg.Rank])
		}
		t.listener = l
	}

	type result struct {
		p   *peer
		err error
	}
	var a, d result
	parallel.Do(parallel.Config{Enabled: true},
		func() {
			if cfg.Rank > 0 {
				a.p, a.err = t.accept(ctx)
			}
		},
		func() {
			if cfg.Rank < cfg.WorldSize-1 {
				d.p, d.err = t.dial(ctx)
			}
		},
	)
	t.prev, t.next = a.p, d.p
	if err := errors.Wrap(a.err, "accept"); err != nil {
		_ = t.Close()
		return nil, err
	}
	if err := errors.Wrap(d.err, "dial"); err != nil {
		_ = t.Close()
		return nil, err
	}
	klog.V(1).Infof("rank %d/%d joined session %s", cfg.Rank, cfg.WorldSize, cfg.Session)
	return t, nil
}

func (t *TCPTransport) me() hello {
	return hello{Session: t.cfg.Session, Rank: uint32(t.cfg.Rank), World: uint32(t.cfg.WorldSize)}
}

// verify checks a peer's hello against the expected rank.
func (t *TCPTransport) verify(h hello, wantRank int) error {
	switch {
	case h.Session != t.cfg.Session:
		return errors.Wrapf(ErrBadHandshake, "session %s, want %s", h.Session, t.cfg.Session)
	case int(h.World) != t.cfg.WorldSize:
		return errors.Wrapf(ErrBadHandshake, "world size %d, want %d", h.World, t.cfg.WorldSize)
	case int(h.Rank) != wantRank:
		return errors.Wrapf(ErrBadHandshake, "peer rank %d, want %d", h.Rank, wantRank)
	}
	return nil
}

// accept waits for rank-1. Connections that fail the handshake are dropped
// and the listener keeps waiting.
func (t *TCPTransport) accept(ctx context.Context) (*peer, error) {
	stop := context.AfterFunc(ctx, func() { _ = t.listener.Close() })
	defer stop()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		p := newPeer(conn)
		_ = conn.SetDeadline(time.Now().Add(t.cfg.DialTimeout))
		h, err := readHello(p.r)
		if err == nil {
			err = t.verify(h, t.cfg.Rank-1)
		}
		if err == nil {
			err = writeHello(p.w, t.me())
		}
		if err != nil {
			klog.V(1).Infof("rank %d rejected connection from %s: %v", t.cfg.Rank, conn.RemoteAddr(), err)
			_ = conn.Close()
			continue
		}
		_ = conn.SetDeadline(time.Time{})
		klog.V(1).Infof("rank %d accepted rank %d from %s", t.cfg.Rank, h.Rank, conn.RemoteAddr())
		return p, nil
	}
}

// dial connects to rank+1, retrying while it is not listening yet.
func (t *TCPTransport) dial(ctx context.Context) (*peer, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	addr := t.cfg.Addresses[t.cfg.Rank+1]

	var d net.Dialer
	backoff := 10 * time.Millisecond
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			p := newPeer(conn)
			if err := t.handshake(ctx, p); err != nil {
				_ = conn.Close()
				return nil, err
			}
			klog.V(1).Infof("rank %d connected to rank %d at %s", t.cfg.Rank, t.cfg.Rank+1, addr)
			return p, nil
		}
		klog.V(2).Infof("rank %d dial %s: %v", t.cfg.Rank, addr, err)
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "dial %s", addr)
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, time.Second)
	}
}

func (t *TCPTransport) handshake(ctx context.Context, p *peer) error {
	return withContext(ctx, p.conn, func() error {
		if err := writeHello(p.w, t.me()); err != nil {
			return err
		}
		h, err := readHello(p.r)
		if err != nil {
			return err
		}
		return t.verify(h, t.cfg.Rank+1)
	})
}

// withContext runs op with the connection deadline tied to ctx. A
// cancelled operation leaves the stream in an unknown state; the transport
// should be closed afterwards.
func withContext(ctx context.Context, conn net.Conn, op func() error) error {
	deadline, _ := ctx.Deadline() // zero clears any earlier deadline
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	err := op()
	stop()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Rank returns this rank.
func (t *TCPTransport) Rank() int { return t.cfg.Rank }

// WorldSize returns the number of ranks.
func (t *TCPTransport) WorldSize() int { return t.cfg.WorldSize }

func (t *TCPTransport) peerFor(other int) (*peer, error) {
	if err := checkPeer(t.cfg.Rank, t.cfg.WorldSize, other); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if other == t.cfg.Rank-1 {
		return t.prev, nil
	}
	return t.next, nil
}

func (t *TCPTransport) write(ctx context.Context, kind byte, x *tensor.Tensor, dst int) error {
	p, err := t.peerFor(dst)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return withContext(ctx, p.conn, func() error { return writeFrame(p.w, kind, x) })
}

func (t *TCPTransport) read(ctx context.Context, kind byte, buf *tensor.Tensor, src int) error {
	p, err := t.peerFor(src)
	if err != nil {
		return err
	}
	p.rmu.Lock()
	defer p.rmu.Unlock()
	return withContext(ctx, p.conn, func() error { return readFrame(p.r, kind, buf) })
}

// Send writes t to dst. It returns once the frame is handed to the kernel.
func (t *TCPTransport) Send(ctx context.Context, x *tensor.Tensor, dst int) error {
	if err := t.write(ctx, frameTensor, x, dst); err != nil {
		return errors.Wrapf(t.closedOr(err), "send %d -> %d", t.cfg.Rank, dst)
	}
	klog.V(2).Infof("rank %d sent %v to %d", t.cfg.Rank, x.Shape(), dst)
	return nil
}

// Recv reads the next tensor frame from src into buf.
func (t *TCPTransport) Recv(ctx context.Context, buf *tensor.Tensor, src int) error {
	if err := t.read(ctx, frameTensor, buf, src); err != nil {
		return errors.Wrapf(t.closedOr(err), "recv %d <- %d", t.cfg.Rank, src)
	}
	klog.V(2).Infof("rank %d received %v from %d", t.cfg.Rank, buf.Shape(), src)
	return nil
}

// Barrier passes a barrier frame up the chain and back.
func (t *TCPTransport) Barrier(ctx context.Context) error {
	send := func(ctx context.Context, dst int) error { return t.write(ctx, frameBarrier, nil, dst) }
	recv := func(ctx context.Context, src int) error { return t.read(ctx, frameBarrier, nil, src) }
	if err := chainBarrier(ctx, t.cfg.Rank, t.cfg.WorldSize, send, recv); err != nil {
		return errors.Wrapf(t.closedOr(err), "barrier on rank %d", t.cfg.Rank)
	}
	return nil
}

// closedOr maps I/O errors after Close to ErrClosed.
func (t *TCPTransport) closedOr(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed && !errors.Is(err, ErrClosed) {
		return ErrClosed
	}
	return err
}

// Close closes both neighbour connections and the listener.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	var closers []io.Closer
	if t.listener != nil {
		closers = append(closers, t.listener)
	}
	for _, p := range []*peer{t.prev, t.next} {
		if p != nil {
			closers = append(closers, p.conn)
		}
	}

	var first error
	for _, c := range closers {
		if err := c.Close(); err != nil && first == nil && !errors.Is(err, net.ErrClosed) {
			first = err
		}
	}
	return first
}

var _ Transport = (*TCPTransport)(nil)
