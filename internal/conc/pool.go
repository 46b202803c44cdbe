package conc

import (
	"context"
	"math/bits"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// MaxThreads caps the pool size. The free list is a fixed bitset of this
// many bits.
const MaxThreads = 256

// Pool is a fixed set of devices coordinated by an idle semaphore and a
// free-list bitset. Async blocks while every device is busy, which gives
// natural back-pressure to submitters.
//
// The pool offers limited forward-progress guarantees: a submitted task
// must not itself block on the future of another submitted task, or the
// pool can deadlock.
type Pool struct {
	idle    *semaphore.Weighted
	mu      sync.Mutex // guards free only; never held during user work
	free    [MaxThreads / 64]uint64
	devices []*Device
}

// NewPool creates a pool of numThreads devices. The count is clamped to
// [1, GOMAXPROCS] and to MaxThreads.
func NewPool(numThreads int) *Pool {
	n := min(max(numThreads, 1), runtime.GOMAXPROCS(0), MaxThreads)
	p := &Pool{
		idle:    semaphore.NewWeighted(int64(n)),
		devices: make([]*Device, n),
	}
	for i := range p.devices {
		p.devices[i] = NewDevice(2) // one work + one release task
		p.free[i>>6] |= 1 << (i & 63)
	}
	return p
}

// NumThreads returns the number of devices.
func (p *Pool) NumThreads() int { return len(p.devices) }

// Idle returns the number of idle devices.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.free {
		n += bits.OnesCount64(w)
	}
	return n
}

// Busy returns the number of devices currently executing a task.
func (p *Pool) Busy() int { return p.NumThreads() - p.Idle() }

// Close drains and stops all devices.
func (p *Pool) Close() {
	for _, d := range p.devices {
		d.Close()
	}
}

// Async submits fn to the lowest-index idle device and returns a Future
// for its result. Blocks while all devices are busy.
//
// A detached follow-up task re-publishes the device as idle, so idleness
// is announced only once fn has fully completed.
func Async[T any](p *Pool, fn func() (T, error)) *Future[T] {
	_ = p.idle.Acquire(context.Background(), 1)
	p.mu.Lock()
	w := 0
	for p.free[w] == 0 {
		w++
	}
	bit := bits.TrailingZeros64(p.free[w])
	p.free[w] &^= 1 << bit
	p.mu.Unlock()

	dev := p.devices[w<<6|bit]
	fut := Run(dev, fn)
	dev.Enqueue(func() {
		p.mu.Lock()
		p.free[w] |= 1 << bit
		p.mu.Unlock()
		p.idle.Release(1)
	})
	return fut
}
