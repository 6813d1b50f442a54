// Package registry tracks every socket the relay loop owns.
//
// Entries are keyed by file descriptor.  Cancel only marks an entry
// dead and stops readiness notifications for it; the socket is closed
// and the key released by Sweep, which the loop runs after each
// dispatch pass.  Deferring the close means an fd number cannot be
// handed out again by the kernel while a stale entry still claims it,
// and an iteration in progress never sees the map shrink under it.
//
// A Registry is owned by one goroutine and does no locking.
package registry

import (
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	relayerr "chatrelay/internal/errors"
	"chatrelay/internal/poller"
)

// Interest is the readiness kind an entry is registered for.
type Interest int

const (
	Accept Interest = iota + 1 // listening socket
	Read                       // client connection
)

func (i Interest) String() string {
	switch i {
	case Accept:
		return "accept"
	case Read:
		return "read"
	default:
		return "none"
	}
}

// Handle is a socket the registry can watch and close.
type Handle interface {
	Fd() int
	Close() error
}

// Entry is one registered socket.
type Entry struct {
	Handle     Handle
	Interest   Interest
	ID         uuid.UUID // log correlation only
	Registered time.Time

	live bool
}

// Live reports whether the entry has not been cancelled.
func (e *Entry) Live() bool { return e != nil && e.live }

// Registry maps descriptors to entries.
type Registry struct {
	poller  poller.Poller
	entries map[int]*Entry
	dead    []*Entry
	closed  bool
}

// New returns an empty registry feeding p.  A nil poller gives a
// registry that only does bookkeeping.
func New(p poller.Poller) *Registry {
	return &Registry{poller: p, entries: make(map[int]*Entry)}
}

// Register adds h with the given interest.  Registering an fd that
// already has an entry, live or awaiting sweep, fails with
// ErrDuplicate.
func (r *Registry) Register(h Handle, interest Interest) (*Entry, error) {
	if r.closed {
		return nil, relayerr.ErrClosed
	}
	fd := h.Fd()
	if _, ok := r.entries[fd]; ok {
		return nil, fmt.Errorf("register fd %d: %w", fd, relayerr.ErrDuplicate)
	}
	if r.poller != nil {
		if err := r.poller.Add(fd); err != nil {
			return nil, fmt.Errorf("register fd %d: %w", fd, err)
		}
	}

	e := &Entry{
		Handle:     h,
		Interest:   interest,
		ID:         uuid.New(),
		Registered: time.Now(),
		live:       true,
	}
	r.entries[fd] = e
	return e, nil
}

// Cancel marks e dead and stops watching its fd.  It reports whether
// this call did the cancelling; cancelling twice is harmless.
func (r *Registry) Cancel(e *Entry) bool {
	if !e.Live() {
		return false
	}
	e.live = false
	if r.poller != nil {
		r.poller.Remove(e.Handle.Fd()) //nolint:errcheck
	}
	r.dead = append(r.dead, e)
	return true
}

// Lookup returns the live entry for fd.
func (r *Registry) Lookup(fd int) (*Entry, bool) {
	e, ok := r.entries[fd]
	if !ok || !e.live {
		return nil, false
	}
	return e, true
}

// All yields every live entry.  Entries cancelled before or during the
// iteration are skipped, and the sequence can be ranged over again.
func (r *Registry) All() iter.Seq[*Entry] {
	return func(yield func(*Entry) bool) {
		for _, e := range r.entries {
			if !e.live {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	n := 0
	for _, e := range r.entries {
		if e.live {
			n++
		}
	}
	return n
}

// Sweep closes every cancelled entry and forgets it, returning how many
// were removed.  It must not be called from inside All.
func (r *Registry) Sweep() int {
	n := len(r.dead)
	for _, e := range r.dead {
		e.Handle.Close() //nolint:errcheck
		fd := e.Handle.Fd()
		if r.entries[fd] == e {
			delete(r.entries, fd)
		}
	}
	clear(r.dead)
	r.dead = r.dead[:0]
	return n
}

// Close cancels and sweeps everything, then refuses further
// registrations.  The poller is not closed.
func (r *Registry) Close() error {
	if r.closed {
		return nil
	}
	for _, e := range r.entries {
		r.Cancel(e)
	}
	r.Sweep()
	r.closed = true
	return nil
}
