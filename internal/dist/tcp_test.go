package dist

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// tcpConfigs binds one loopback listener per rank.
func tcpConfigs(t *testing.T, world int) []TCPConfig {
	t.Helper()
	session := uuid.New()
	listeners := make([]net.Listener, world)
	addrs := make([]string, world)
	for i := range listeners {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = l
		addrs[i] = l.Addr().String()
	}
	cfgs := make([]TCPConfig, world)
	for i := range cfgs {
		cfgs[i] = DefaultTCPConfig(i, addrs, session)
		cfgs[i].DialTimeout = 5 * time.Second
		cfgs[i].Listener = listeners[i]
	}
	return cfgs
}

func dialAll(t *testing.T, cfgs []TCPConfig) []Transport {
	t.Helper()
	ts := make([]Transport, len(cfgs))
	errs := make([]error, len(cfgs))
	done := make(chan int)
	for i, cfg := range cfgs {
		go func() {
			var tr *TCPTransport
			tr, errs[i] = DialTCP(context.Background(), cfg)
			if tr != nil {
				ts[i] = tr
			}
			done <- i
		}()
	}
	for range cfgs {
		<-done
	}
	for i, err := range errs {
		require.NoError(t, err, "rank %d", i)
	}
	t.Cleanup(func() {
		for _, tr := range ts {
			_ = tr.Close()
		}
	})
	return ts
}

func TestTCP_Relay(t *testing.T) {
	for _, world := range []int{1, 3} {
		ts := dialAll(t, tcpConfigs(t, world))
		errs := runRanks(ts, func(tr Transport) error { return relay(context.Background(), tr) })
		for r, err := range errs {
			assert.NoError(t, err, "world %d rank %d", world, r)
		}
	}
}

func TestTCP_ShapesAndBarrier(t *testing.T) {
	ts := dialAll(t, tcpConfigs(t, 2))
	x := tensor.Wrap([]float64{1, -2, 3.5, 4, 5, 6}, tensor.Shape{2, 3}, tensor.CPU)
	got := tensor.Wrap(make([]float64, 6), tensor.Shape{2, 3}, tensor.CPU)

	errs := runRanks(ts, func(tr Transport) error {
		ctx := context.Background()
		if tr.Rank() == 0 {
			if err := SendShape(ctx, tr, x.Shape(), 1); err != nil {
				return err
			}
			if err := tr.Send(ctx, x, 1); err != nil {
				return err
			}
		} else {
			shape, err := RecvShape(ctx, tr, 0)
			if err != nil {
				return err
			}
			if !shape.Equal(got.Shape()) {
				return assert.AnError
			}
			if err := tr.Recv(ctx, got, 0); err != nil {
				return err
			}
		}
		return tr.Barrier(ctx)
	})
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, x.Data(), got.Data())
}

func TestTCP_Errors(t *testing.T) {
	ts := dialAll(t, tcpConfigs(t, 2))
	ctx := context.Background()

	assert.ErrorIs(t, ts[0].Send(ctx, vec(1), 0), ErrNotAdjacent)

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ts[1].Recv(timeout, vec(0), 0), context.DeadlineExceeded)

	require.NoError(t, ts[0].Close())
	assert.ErrorIs(t, ts[0].Send(ctx, vec(1), 1), ErrClosed)
	assert.NoError(t, ts[0].Close())
}

func TestTCP_SessionMismatch(t *testing.T) {
	cfgs := tcpConfigs(t, 2)
	cfgs[0].Session = uuid.New()
	cfgs[0].DialTimeout = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	acceptErr := make(chan error, 1)
	go func() {
		_, err := DialTCP(ctx, cfgs[1])
		acceptErr <- err
	}()

	_, err := DialTCP(context.Background(), cfgs[0])
	assert.Error(t, err)
	assert.ErrorIs(t, <-acceptErr, context.DeadlineExceeded)
}

func TestDialTCP_InvalidConfig(t *testing.T) {
	_, err := DialTCP(context.Background(), TCPConfig{Rank: 2, WorldSize: 2, Addresses: []string{"a", "b"}})
	assert.Error(t, err)
	_, err = DialTCP(context.Background(), TCPConfig{Rank: 0, WorldSize: 2, Addresses: []string{"a"}})
	assert.Error(t, err)
}

func TestHandshake_Verify(t *testing.T) {
	session := uuid.New()
	tr := &TCPTransport{cfg: TCPConfig{Rank: 1, WorldSize: 3, Session: session}}

	assert.NoError(t, tr.verify(hello{Session: session, Rank: 0, World: 3}, 0))
	assert.ErrorIs(t, tr.verify(hello{Session: uuid.New(), Rank: 0, World: 3}, 0), ErrBadHandshake)
	assert.ErrorIs(t, tr.verify(hello{Session: session, Rank: 2, World: 3}, 0), ErrBadHandshake)
	assert.ErrorIs(t, tr.verify(hello{Session: session, Rank: 0, World: 4}, 0), ErrBadHandshake)

	var buf bytes.Buffer
	require.NoError(t, writeHello(bufio.NewWriter(&buf), hello{Session: session, Rank: 0, World: 3}))
	h, err := readHello(bufio.NewReader(bytes.NewReader(buf.Bytes())))
	require.NoError(t, err)
	assert.Equal(t, hello{Session: session, Rank: 0, World: 3}, h)

	_, err = readHello(bufio.NewReader(bytes.NewReader([]byte("HTTP/1.1 200 OK......................"))))
	assert.ErrorIs(t, err, ErrBadHandshake)
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	x := tensor.Wrap([]float64{1, 2, 3, 4}, tensor.Shape{2, 2}, tensor.CPU)
	require.NoError(t, writeFrame(w, frameTensor, x))
	require.NoError(t, writeFrame(w, frameBarrier, nil))
	require.NoError(t, writeFrame(w, frameTensor, x))
	require.NoError(t, writeFrame(w, frameTensor, x))

	r := bufio.NewReader(&buf)
	got := tensor.Wrap(make([]float64, 4), tensor.Shape{2, 2}, tensor.CPU)
	require.NoError(t, readFrame(r, frameTensor, got))
	assert.Equal(t, x.Data(), got.Data())
	require.NoError(t, readFrame(r, frameBarrier, nil))

	assert.ErrorIs(t, readFrame(r, frameBarrier, nil), ErrUnexpectedFrame)

	// the type byte of the previous frame was consumed, so write a fresh one
	buf.Reset()
	require.NoError(t, writeFrame(w, frameTensor, x))
	wrong := tensor.Wrap(make([]float64, 4), tensor.Shape{4}, tensor.CPU)
	assert.ErrorIs(t, readFrame(bufio.NewReader(&buf), frameTensor, wrong), tensor.ErrShapeMismatch)
}
