package cpu

import (
	"sync"

	"github.com/born-ml/pipeprop/internal/tensor"
)

// stream is a goroutine draining an unbounded FIFO of closures.
// Submissions from inside a running closure (nested fan-out) are allowed.
type stream struct {
	owner *CPUBackend

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	busy   bool
	closed bool
	idle   *sync.Cond
}

// syncStream runs work inline; handed out on the synchronous CPU device.
type syncStream struct{}

func (syncStream) Submit(fn func()) { fn() }
func (syncStream) Synchronize()     {}

// NewStream returns a new execution stream. On tensor.CPU the stream executes
// work inline on the submitting goroutine.
func (cpu *CPUBackend) NewStream() tensor.Stream {
	if !cpu.device.Accelerated() {
		return syncStream{}
	}
	s := &stream{owner: cpu}
	s.cond = sync.NewCond(&s.mu)
	s.idle = sync.NewCond(&s.mu)

	cpu.mu.Lock()
	cpu.streams = append(cpu.streams, s)
	cpu.mu.Unlock()

	go s.loop()
	return s
}

// Synchronize blocks until every closure submitted to any stream of this
// backend, including closures submitted while waiting, has finished.
func (cpu *CPUBackend) Synchronize() {
	cpu.pending.Wait()
}

// Close stops every stream goroutine after its queue drains.
func (cpu *CPUBackend) Close() {
	cpu.Synchronize()
	cpu.mu.Lock()
	streams := cpu.streams
	cpu.streams = nil
	cpu.mu.Unlock()
	for _, s := range streams {
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// Submit enqueues fn. The backend's pending counter is raised before the
// closure becomes visible so Synchronize cannot miss it.
func (s *stream) Submit(fn func()) {
	s.owner.pending.Add(1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		defer s.owner.pending.Done()
		fn()
		return
	}
	s.queue = append(s.queue, fn)
	s.cond.Signal()
	s.mu.Unlock()
}

// Synchronize waits until this stream's queue is empty and idle.
func (s *stream) Synchronize() {
	s.mu.Lock()
	for len(s.queue) > 0 || s.busy {
		s.idle.Wait()
	}
	s.mu.Unlock()
}

func (s *stream) loop() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.busy = true
		s.mu.Unlock()

		fn()
		s.owner.pending.Done()

		s.mu.Lock()
		s.busy = false
		if len(s.queue) == 0 {
			s.idle.Broadcast()
		}
		s.mu.Unlock()
	}
}
