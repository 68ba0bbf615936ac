// Package dist provides the point-to-point transports that connect the
// ranks of a linear pipeline.
//
// A rank only ever talks to its neighbours: Send and Recv reject any peer
// other than rank-1 and rank+1. Both block until the transfer is complete
// (the peer has taken the tensor, or the buffer has been filled) or until
// the context is cancelled. There is no built-in timeout.
//
// Two implementations exist:
//   - LocalGroup: every rank is a goroutine in one process, tensors travel
//     over unbuffered channels.
//   - TCPTransport: every rank is a process, neighbours are joined by one
//     TCP connection after a session handshake.
package dist

import (
	"context"

	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// Transport errors.
var (
	ErrNotAdjacent     = errors.New("peer is not an adjacent rank")
	ErrBadHandshake    = errors.New("bad handshake")
	ErrUnexpectedFrame = errors.New("unexpected frame")
	ErrClosed          = errors.New("transport closed")
)

// Transport is the blocking point-to-point collaborator of the pipeline.
type Transport interface {
	// Rank returns the rank of this end, in [0, WorldSize).
	Rank() int
	// WorldSize returns the number of ranks in the chain.
	WorldSize() int
	// Send transfers a copy of t to dst and blocks until dst has taken it.
	Send(ctx context.Context, t *tensor.Tensor, dst int) error
	// Recv fills buf with the next tensor from src. The incoming shape must
	// equal buf's shape.
	Recv(ctx context.Context, buf *tensor.Tensor, src int) error
	// Barrier returns once every rank has entered it.
	Barrier(ctx context.Context) error
	// Close releases the transport. Blocked calls return ErrClosed.
	Close() error
}

// checkPeer validates that peer is adjacent to rank in a chain of world ranks.
func checkPeer(rank, world, peer int) error {
	if peer < 0 || peer >= world || (peer != rank-1 && peer != rank+1) {
		return errors.Wrapf(ErrNotAdjacent, "rank %d -> %d (world %d)", rank, peer, world)
	}
	return nil
}

// SendShape transmits shape to dst as two tensors: the rank, then the
// dimensions. The receiver uses it to allocate buffers for later Recv calls.
func SendShape(ctx context.Context, tr Transport, shape tensor.Shape, dst int) error {
	rank := tensor.Wrap([]float64{float64(len(shape))}, tensor.Shape{1}, tensor.CPU)
	if err := tr.Send(ctx, rank, dst); err != nil {
		return errors.Wrap(err, "send shape rank")
	}
	if len(shape) == 0 {
		return nil
	}
	dims := make([]float64, len(shape))
	for i, d := range shape {
		dims[i] = float64(d)
	}
	return errors.Wrap(tr.Send(ctx, tensor.Wrap(dims, tensor.Shape{len(dims)}, tensor.CPU), dst), "send shape dims")
}

// RecvShape receives a shape sent with SendShape.
func RecvShape(ctx context.Context, tr Transport, src int) (tensor.Shape, error) {
	rank := tensor.Wrap(make([]float64, 1), tensor.Shape{1}, tensor.CPU)
	if err := tr.Recv(ctx, rank, src); err != nil {
		return nil, errors.Wrap(err, "recv shape rank")
	}
	n := int(rank.Data()[0])
	if n < 0 || n > 16 {
		return nil, errors.Wrapf(ErrUnexpectedFrame, "shape rank %d", n)
	}
	shape := make(tensor.Shape, n)
	if n == 0 {
		return shape, nil
	}
	dims := tensor.Wrap(make([]float64, n), tensor.Shape{n}, tensor.CPU)
	if err := tr.Recv(ctx, dims, src); err != nil {
		return nil, errors.Wrap(err, "recv shape dims")
	}
	for i, d := range dims.Data() {
		shape[i] = int(d)
	}
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrapf(ErrUnexpectedFrame, "shape %v: %v", shape, err)
	}
	return shape, nil
}

// chainBarrier passes a token from rank 0 to the last rank and back. A rank
// leaves once the token has returned, which can only happen after every
// rank has entered.
func chainBarrier(ctx context.Context, rank, world int, send func(context.Context, int) error, recv func(context.Context, int) error) error {
	if world == 1 {
		return nil
	}
	if rank > 0 {
		if err := recv(ctx, rank-1); err != nil {
			return err
		}
	}
	if rank < world-1 {
		if err := send(ctx, rank+1); err != nil {
			return err
		}
		if err := recv(ctx, rank+1); err != nil {
			return err
		}
	}
	if rank > 0 {
		return send(ctx, rank-1)
	}
	return nil
}
