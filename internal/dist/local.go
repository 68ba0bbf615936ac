package dist

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/pipeprop/internal/tensor"
)

type link struct {
	src, dst int
}

// LocalGroup connects world goroutine ranks of one process. Each ordered
// pair of adjacent ranks has an unbuffered data channel and an unbuffered
// barrier channel, so a send completes only when the receiver takes it.
type LocalGroup struct {
	world   int
	data    map[link]chan *tensor.Tensor
	barrier map[link]chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewLocalGroup creates a group of world ranks. Panics if world < 1.
func NewLocalGroup(world int) *LocalGroup {
	if world < 1 {
		panic(errors.Errorf("dist: world size %d < 1", world))
	}
	g := &LocalGroup{
		world:   world,
		data:    make(map[link]chan *tensor.Tensor),
		barrier: make(map[link]chan struct{}),
		done:    make(chan struct{}),
	}
	for r := 0; r+1 < world; r++ {
		for _, l := range []link{{r, r + 1}, {r + 1, r}} {
			g.data[l] = make(chan *tensor.Tensor)
			g.barrier[l] = make(chan struct{})
		}
	}
	klog.V(1).Infof("local group of %d ranks created", world)
	return g
}

// WorldSize returns the number of ranks.
func (g *LocalGroup) WorldSize() int {
	return g.world
}

// Transport returns the endpoint of rank. Panics on an out-of-range rank.
func (g *LocalGroup) Transport(rank int) Transport {
	if rank < 0 || rank >= g.world {
		panic(errors.Errorf("dist: rank %d outside world of %d", rank, g.world))
	}
	return &localTransport{group: g, rank: rank, closed: make(chan struct{})}
}

// Close shuts the group down. Every blocked and future call on any
// endpoint returns ErrClosed.
func (g *LocalGroup) Close() error {
	g.once.Do(func() { close(g.done) })
	return nil
}

type localTransport struct {
	group  *LocalGroup
	rank   int
	closed chan struct{}
	once   sync.Once
}

func (t *localTransport) Rank() int      { return t.rank }
func (t *localTransport) WorldSize() int { return t.group.world }

// check returns ErrClosed once the endpoint or the group is closed.
func (t *localTransport) check(ctx context.Context) error {
	select {
	case <-t.closed:
		return ErrClosed
	case <-t.group.done:
		return ErrClosed
	default:
		return ctx.Err()
	}
}

// put blocks until v is taken from ch.
func put[T any](ctx context.Context, t *localTransport, ch chan<- T, v T) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return ErrClosed
	case <-t.group.done:
		return ErrClosed
	}
}

// take blocks until a value arrives on ch.
func take[T any](ctx context.Context, t *localTransport, ch <-chan T) (T, error) {
	var zero T
	if err := t.check(ctx); err != nil {
		return zero, err
	}
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-t.closed:
		return zero, ErrClosed
	case <-t.group.done:
		return zero, ErrClosed
	}
}

func (t *localTransport) Send(ctx context.Context, x *tensor.Tensor, dst int) error {
	if err := checkPeer(t.rank, t.group.world, dst); err != nil {
		return err
	}
	if err := put(ctx, t, t.group.data[link{t.rank, dst}], x.Clone()); err != nil {
		return errors.Wrapf(err, "send %d -> %d", t.rank, dst)
	}
	klog.V(2).Infof("rank %d sent %v to %d", t.rank, x.Shape(), dst)
	return nil
}

func (t *localTransport) Recv(ctx context.Context, buf *tensor.Tensor, src int) error {
	if err := checkPeer(t.rank, t.group.world, src); err != nil {
		return err
	}
	msg, err := take(ctx, t, t.group.data[link{src, t.rank}])
	if err != nil {
		return errors.Wrapf(err, "recv %d <- %d", t.rank, src)
	}
	if !msg.Shape().Equal(buf.Shape()) {
		return errors.WithStack(&tensor.ShapeError{Op: "recv", Want: buf.Shape().Clone(), Got: msg.Shape().Clone()})
	}
	copy(buf.Data(), msg.Data())
	klog.V(2).Infof("rank %d received %v from %d", t.rank, buf.Shape(), src)
	return nil
}

func (t *localTransport) Barrier(ctx context.Context) error {
	send := func(ctx context.Context, dst int) error {
		return put(ctx, t, t.group.barrier[link{t.rank, dst}], struct{}{})
	}
	recv := func(ctx context.Context, src int) error {
		_, err := take(ctx, t, t.group.barrier[link{src, t.rank}])
		return err
	}
	return errors.Wrapf(chainBarrier(ctx, t.rank, t.group.world, send, recv), "barrier on rank %d", t.rank)
}

func (t *localTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}
