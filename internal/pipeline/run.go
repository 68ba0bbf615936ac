package pipeline

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/born-ml/pipeprop/internal/dist"
	"github.com/born-ml/pipeprop/internal/layers"
)

// Split cuts ls into consecutive stages of the given sizes.
func Split(ls []layers.Layer, sizes []int) ([][]layers.Layer, error) {
	total := 0
	for _, s := range sizes {
		if s < 1 {
			return nil, errors.Errorf("pipeline: stage size %d < 1", s)
		}
		total += s
	}
	if total != len(ls) {
		return nil, errors.Errorf("pipeline: stages cover %d layers, have %d", total, len(ls))
	}
	stages := make([][]layers.Layer, len(sizes))
	start := 0
	for i, s := range sizes {
		stages[i] = ls[start : start+s]
		start += s
	}
	return stages, nil
}

// RunLocal runs fn once per rank of a LocalGroup of world goroutines and
// waits for all of them. The first failure closes the group so that ranks
// blocked on the failed one return ErrClosed instead of hanging; that
// first error is returned.
func RunLocal(ctx context.Context, world int, fn func(ctx context.Context, tr dist.Transport) error) error {
	group := dist.NewLocalGroup(world)
	defer func() { _ = group.Close() }()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr := group.Transport(rank)
			defer func() { _ = tr.Close() }()
			if err := fn(ctx, tr); err != nil {
				once.Do(func() {
					firstErr = errors.Wrapf(err, "rank %d", rank)
					_ = group.Close()
				})
			}
		}()
	}
	wg.Wait()
	return firstErr
}
