// Package mux turns raw poller events into dispatchable work for the
// relay loop.
package mux

import (
	"sync/atomic"

	relayerr "chatrelay/internal/errors"
	"chatrelay/internal/poller"
	"chatrelay/internal/registry"
)

// Kind says what a ready entry is ready for.
type Kind int

const (
	Acceptable Kind = iota + 1
	Readable
)

func (k Kind) String() string {
	switch k {
	case Acceptable:
		return "acceptable"
	case Readable:
		return "readable"
	default:
		return "unknown"
	}
}

// Ready is one entry with pending work.
type Ready struct {
	Entry *registry.Entry
	Kind  Kind
}

// Multiplexer blocks on the registry's interest set.
type Multiplexer struct {
	poller   poller.Poller
	reg      *registry.Registry
	events   []poller.Event
	ready    []Ready
	shutdown atomic.Bool
}

// New returns a multiplexer over p.  reg must be the registry that
// adds and removes fds on p.
func New(p poller.Poller, reg *registry.Registry) *Multiplexer {
	return &Multiplexer{poller: p, reg: reg}
}

// Wait blocks until at least one live entry is ready and returns the
// ready set.  Events for entries cancelled since they were reported are
// dropped, and a wait that ends with nothing to do goes back to
// waiting.  After Shutdown it returns ErrShutdown.
//
// The returned slice is reused by the next call.
func (m *Multiplexer) Wait() ([]Ready, error) {
	for {
		if m.shutdown.Load() {
			return nil, relayerr.ErrShutdown
		}

		var err error
		m.events, err = m.poller.Wait(m.events[:0])
		if err != nil {
			if m.shutdown.Load() {
				return nil, relayerr.ErrShutdown
			}
			return nil, relayerr.Wrap(relayerr.KindMultiplexer, "", err)
		}

		m.ready = m.ready[:0]
		for _, ev := range m.events {
			e, ok := m.reg.Lookup(ev.Fd)
			if !ok {
				continue
			}
			kind := Readable
			if e.Interest == registry.Accept {
				kind = Acceptable
			}
			m.ready = append(m.ready, Ready{Entry: e, Kind: kind})
		}
		if len(m.ready) > 0 {
			return m.ready, nil
		}
	}
}

// Shutdown makes the current and every later Wait return ErrShutdown.
// It may be called from any goroutine.
func (m *Multiplexer) Shutdown() {
	if m.shutdown.Swap(true) {
		return
	}
	m.poller.Wake() //nolint:errcheck
}

// ShuttingDown reports whether Shutdown has been called.
func (m *Multiplexer) ShuttingDown() bool { return m.shutdown.Load() }

// Close releases the poller.  Call it only after the loop has stopped
// waiting.
func (m *Multiplexer) Close() error {
	return m.poller.Close()
}
