// Package pdpool implements a fixed-capacity message pool. Handles move
// along the pipeline PRL-RX -> PE -> PRL-TX; the pool never grows and never
// double-frees a slot.
package pdpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gotypec/pdsink/pdmsg"
)

// Handle is a move-only reference to a slot in the pool. None (-1) never
// refers to a real slot; the zero value refers to slot 0.
type Handle int

// None represents "no message".
const None Handle = -1

// ErrExhausted is a fatal invariant violation: given the pipeline's
// at-most-one-in-flight invariants, allocation from a correctly sized pool
// must always succeed.
var ErrExhausted = errors.New("pdpool: pool exhausted")

// Pool is a fixed-capacity set of message slots with free/busy state.
type Pool struct {
	mu   sync.Mutex
	msgs []pdmsg.Message
	busy []bool
}

// New creates a pool with n slots, typically 4-8.
func New(n int) *Pool {
	if n <= 0 {
		panic("pdpool: pool size must be positive")
	}
	return &Pool{
		msgs: make([]pdmsg.Message, n),
		busy: make([]bool, n),
	}
}

// Size returns the pool's capacity.
func (p *Pool) Size() int {
	return len(p.msgs)
}

// Alloc reserves a free slot and returns its handle. A failure here means
// the pool is too small for the pipeline's invariants. The protocol-layer
// callers do not stop on it: PRL-RX logs the error and drops the received
// frame, and PE logs it and falls back to a hard reset.
func (p *Pool) Alloc() (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, b := range p.busy {
		if !b {
			p.busy[i] = true
			p.msgs[i] = pdmsg.Message{}
			return Handle(i), nil
		}
	}
	return None, fmt.Errorf("%w: size=%d", ErrExhausted, len(p.msgs))
}

// Get returns a pointer to the message stored at h. The returned pointer is
// only valid while h remains owned by the caller.
func (p *Pool) Get(h Handle) *pdmsg.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h < 0 || int(h) >= len(p.msgs) || !p.busy[h] {
		panic(fmt.Sprintf("pdpool: Get on invalid handle %d", h))
	}
	return &p.msgs[h]
}

// Free returns the slot to the pool. Freeing None is a no-op so call sites
// that track "no message yet" with None don't need a guard. Double-freeing a
// real handle panics -- the pool never double-frees a slot.
func (p *Pool) Free(h Handle) {
	if h == None {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if h < 0 || int(h) >= len(p.busy) {
		panic(fmt.Sprintf("pdpool: Free on out-of-range handle %d", h))
	}
	if !p.busy[h] {
		panic(fmt.Sprintf("pdpool: double free of handle %d", h))
	}
	p.busy[h] = false
}

// InUse reports how many slots are currently allocated, for diagnostics and
// tests.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.busy {
		if b {
			n++
		}
	}
	return n
}
