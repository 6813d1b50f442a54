// Package poller wraps the operating system's readiness primitive.
//
// A Poller watches a set of file descriptors for read readiness (which
// on a listening socket means a pending connection) and blocks until
// at least one of them is ready or Wake is called from another
// goroutine.  Linux uses epoll with an eventfd for wake-ups; darwin and
// the BSDs use poll(2) with a self-pipe.
//
// Add, Remove and Wait must be called from a single goroutine.  Wake is
// the only method that may be called concurrently.
package poller

// Event is one readiness notification.
type Event struct {
	Fd       int
	Readable bool // data (or a pending connection) is available
	Hangup   bool // the peer closed its side
	Error    bool // the socket reported an error condition
}

// Poller is a level-triggered readiness selector.
type Poller interface {
	// Add starts watching fd for read readiness.
	Add(fd int) error

	// Remove stops watching fd.  Removing an unknown or already
	// closed fd is not an error.
	Remove(fd int) error

	// Wait blocks until at least one watched fd is ready or Wake is
	// called, appends the ready set to dst and returns it.  An
	// interrupted or woken wait returns dst unchanged.
	Wait(dst []Event) ([]Event, error)

	// Wake interrupts a blocked Wait.
	Wake() error

	// Close releases the primitive.  Watched fds are not closed.
	Close() error
}
