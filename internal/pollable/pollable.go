// Package pollable provides a wake signal that can be observed either
// as an idiomatic Go channel or, for callers that need a raw file
// descriptor (spec.md §4.6 "get select fd"), as an os.Pipe read end.
package pollable

import (
	"os"
	"sync"
)

// Pollable is signalled whenever the state or the read queue changes
// in a way that could unblock a waiting reader. It is safe for
// concurrent use by one signaller and any number of waiters.
type Pollable struct {
	mu      sync.Mutex
	ch      chan struct{}
	r, w    *os.File
	pending bool
	closed  bool
}

// New creates a Pollable in the reset (not signalled) state.
func New() *Pollable {
	return &Pollable{ch: make(chan struct{})}
}

// Signal wakes any current and future waiters until the next Reset.
// It is idempotent: signalling an already-signalled Pollable is a
// no-op.
func (p *Pollable) Signal() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.ch:
		// already signalled
	default:
		close(p.ch)
	}
	if p.w != nil && !p.pending {
		p.pending = true
		p.w.Write([]byte{0})
	}
}

// Reset clears the signalled state. The backing pipe (if Fd was ever
// called) carries at most one pending byte per signal, written exactly
// once in Signal, so draining it here never blocks.
func (p *Pollable) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.ch:
		p.ch = make(chan struct{})
	default:
	}
	if p.r != nil && p.pending {
		var b [1]byte
		p.r.Read(b[:])
		p.pending = false
	}
}

// Chan returns a channel that is closed while the pollable is
// signalled. Re-fetch it after each Reset.
func (p *Pollable) Chan() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch
}

// Fd lazily creates and returns the read end of a pipe that becomes
// readable whenever Signal is called, matching the SANE
// get_select_fd contract. The caller must not close it; call Close on
// the Pollable instead.
func (p *Pollable) Fd() (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.r == nil {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		p.r, p.w = r, w
	}
	return p.r, nil
}

// Close releases the pipe backing Fd, if one was ever created.
func (p *Pollable) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.w != nil {
		p.w.Close()
	}
	if p.r != nil {
		p.r.Close()
	}
	return nil
}
