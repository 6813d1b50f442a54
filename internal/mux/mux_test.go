package mux

import (
	"sync"
	"testing"
	"time"

	relayerr "chatrelay/internal/errors"
	"chatrelay/internal/poller"
	"chatrelay/internal/registry"
)

// scriptedPoller hands out one prepared batch per Wait.  When the
// script runs dry Wait blocks until Wake.
type scriptedPoller struct {
	mu      sync.Mutex
	batches [][]poller.Event
	errs    []error
	wake    chan struct{}
	closed  bool
}

func newScripted(batches ...[]poller.Event) *scriptedPoller {
	return &scriptedPoller{batches: batches, wake: make(chan struct{}, 1)}
}

func (p *scriptedPoller) Add(int) error { return nil }
func (p *scriptedPoller) Remove(int) error { return nil }

func (p *scriptedPoller) Wait(dst []poller.Event) ([]poller.Event, error) {
	p.mu.Lock()
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		p.mu.Unlock()
		return dst, err
	}
	if len(p.batches) > 0 {
		b := p.batches[0]
		p.batches = p.batches[1:]
		p.mu.Unlock()
		return append(dst, b...), nil
	}
	p.mu.Unlock()
	<-p.wake
	return dst, nil
}

func (p *scriptedPoller) Wake() error {
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *scriptedPoller) Close() error { p.closed = true; return nil }

type fd int

func (h fd) Fd() int { return int(h) }
func (h fd) Close() error { return nil }

func TestWait_ClassifiesByInterest(t *testing.T) {
	p := newScripted([]poller.Event{{Fd: 3, Readable: true}, {Fd: 5, Readable: true}})
	reg := registry.New(p)
	ln, _ := reg.Register(fd(3), registry.Accept)
	cl, _ := reg.Register(fd(5), registry.Read)

	m := New(p, reg)
	ready, err := m.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("got %d ready, want 2", len(ready))
	}
	want := map[*registry.Entry]Kind{ln: Acceptable, cl: Readable}
	for _, r := range ready {
		if want[r.Entry] != r.Kind {
			t.Errorf("entry fd %d kind %v", r.Entry.Handle.Fd(), r.Kind)
		}
	}
}

func TestWait_DropsStaleAndEmpty(t *testing.T) {
	p := newScripted(
		nil,                      // spurious wake-up
		[]poller.Event{{Fd: 8}},  // cancelled entry
		[]poller.Event{{Fd: 99}}, // never registered
		[]poller.Event{{Fd: 9}},  // the real one
	)
	reg := registry.New(p)
	gone, _ := reg.Register(fd(8), registry.Read)
	live, _ := reg.Register(fd(9), registry.Read)
	reg.Cancel(gone)

	m := New(p, reg)
	ready, err := m.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(ready) != 1 || ready[0].Entry != live {
		t.Fatalf("ready = %+v, want only fd 9", ready)
	}
}

func TestWait_PollerFailureIsFatal(t *testing.T) {
	p := newScripted()
	p.errs = []error{relayerr.New("epoll_wait: bad file descriptor")}
	m := New(p, registry.New(p))

	_, err := m.Wait()
	if relayerr.KindOf(err) != relayerr.KindMultiplexer {
		t.Fatalf("err = %v, want multiplexer error", err)
	}
	if !relayerr.IsFatal(err) {
		t.Error("multiplexer failure must be fatal")
	}
}

func TestShutdown_InterruptsWait(t *testing.T) {
	p := newScripted()
	m := New(p, registry.New(p))

	errc := make(chan error, 1)
	go func() {
		_, err := m.Wait()
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	m.Shutdown()

	select {
	case err := <-errc:
		if !relayerr.Is(err, relayerr.ErrShutdown) {
			t.Fatalf("err = %v, want ErrShutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait not interrupted")
	}

	// Every later call is terminal too.
	if _, err := m.Wait(); !relayerr.Is(err, relayerr.ErrShutdown) {
		t.Errorf("later Wait = %v", err)
	}
	if !m.ShuttingDown() {
		t.Error("ShuttingDown = false")
	}
	m.Shutdown()
}

func TestClose(t *testing.T) {
	p := newScripted()
	m := New(p, registry.New(p))
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if !p.closed {
		t.Error("poller not closed")
	}
}

func TestKindString(t *testing.T) {
	if Acceptable.String() != "acceptable" || Readable.String() != "readable" || Kind(0).String() != "unknown" {
		t.Error("unexpected Kind strings")
	}
}
