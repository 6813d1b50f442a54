package registry

import (
	"testing"

	relayerr "chatrelay/internal/errors"
	"chatrelay/internal/poller"
)

type fakeHandle struct {
	fd     int
	closed int
}

func (h *fakeHandle) Fd() int { return h.fd }
func (h *fakeHandle) Close() error { h.closed++; return nil }

// recordingPoller tracks Add and Remove so tests can check that the
// registry keeps the interest set in step with its entries.
type recordingPoller struct {
	watched map[int]bool
	addErr  error
}

func newRecordingPoller() *recordingPoller {
	return &recordingPoller{watched: make(map[int]bool)}
}

func (p *recordingPoller) Add(fd int) error {
	if p.addErr != nil {
		return p.addErr
	}
	p.watched[fd] = true
	return nil
}

func (p *recordingPoller) Remove(fd int) error {
	delete(p.watched, fd)
	return nil
}

func (p *recordingPoller) Wait(dst []poller.Event) ([]poller.Event, error) { return dst, nil }
func (p *recordingPoller) Wake() error { return nil }
func (p *recordingPoller) Close() error { return nil }

func collect(r *Registry) map[int]*Entry {
	out := make(map[int]*Entry)
	for e := range r.All() {
		out[e.Handle.Fd()] = e
	}
	return out
}

func TestRegister(t *testing.T) {
	p := newRecordingPoller()
	r := New(p)

	e, err := r.Register(&fakeHandle{fd: 7}, Read)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !e.Live() || e.Interest != Read {
		t.Errorf("entry = %+v", e)
	}
	if !p.watched[7] {
		t.Error("fd not added to poller")
	}
	if got, ok := r.Lookup(7); !ok || got != e {
		t.Error("Lookup did not return the entry")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := New(nil)
	if _, err := r.Register(&fakeHandle{fd: 3}, Accept); err != nil {
		t.Fatal(err)
	}
	_, err := r.Register(&fakeHandle{fd: 3}, Read)
	if !relayerr.Is(err, relayerr.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestRegister_PollerFailure(t *testing.T) {
	p := newRecordingPoller()
	p.addErr = relayerr.New("epoll add failed")
	r := New(p)

	if _, err := r.Register(&fakeHandle{fd: 4}, Read); err == nil {
		t.Fatal("expected error")
	}
	if r.Len() != 0 {
		t.Error("failed registration must not leave an entry")
	}
}

func TestCancel_Idempotent(t *testing.T) {
	p := newRecordingPoller()
	r := New(p)
	h := &fakeHandle{fd: 9}
	e, _ := r.Register(h, Read)

	if !r.Cancel(e) {
		t.Fatal("first Cancel should report true")
	}
	if r.Cancel(e) {
		t.Fatal("second Cancel should report false")
	}
	if e.Live() {
		t.Error("entry still live")
	}
	if p.watched[9] {
		t.Error("fd still watched after Cancel")
	}
	if h.closed != 0 {
		t.Error("Cancel must not close; Sweep does")
	}
	if _, ok := r.Lookup(9); ok {
		t.Error("Lookup returned a cancelled entry")
	}
}

func TestAll_SkipsCancelledDuringIteration(t *testing.T) {
	r := New(nil)
	entries := make([]*Entry, 0, 4)
	for fd := 10; fd < 14; fd++ {
		e, _ := r.Register(&fakeHandle{fd: fd}, Read)
		entries = append(entries, e)
	}

	// Cancel everything else on the first visit: no other entry may be
	// yielded afterwards.
	var seen []*Entry
	for e := range r.All() {
		seen = append(seen, e)
		if len(seen) == 1 {
			for _, other := range entries {
				if other != e {
					r.Cancel(other)
				}
			}
		}
	}
	if len(seen) != 1 {
		t.Fatalf("yielded %d entries, want 1", len(seen))
	}
}

func TestCancel_AllButOneInAnyOrder(t *testing.T) {
	tests := []struct {
		name     string
		order    []int // indexes into the registered entries
		survivor int
	}{
		{"ascending", []int{0, 1, 2, 3}, 4},
		{"descending", []int{4, 3, 2, 1}, 0},
		{"interleaved", []int{1, 3, 0, 4}, 2},
		{"outside in", []int{0, 4, 1, 3}, 2},
		{"last survives", []int{2, 0, 3, 1}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newRecordingPoller()
			r := New(p)
			entries := make([]*Entry, 5)
			for i := range entries {
				e, err := r.Register(&fakeHandle{fd: 20 + i}, Read)
				if err != nil {
					t.Fatal(err)
				}
				entries[i] = e
			}

			for _, i := range tt.order {
				if !r.Cancel(entries[i]) {
					t.Fatalf("Cancel(%d) reported already cancelled", i)
				}
			}
			want := entries[tt.survivor]

			check := func(stage string) {
				t.Helper()
				if n := r.Len(); n != 1 {
					t.Fatalf("%s: Len = %d, want 1", stage, n)
				}
				var seen []*Entry
				for e := range r.All() {
					seen = append(seen, e)
				}
				if len(seen) != 1 || seen[0] != want {
					t.Fatalf("%s: All yielded %d entries, want only fd %d", stage, len(seen), want.Handle.Fd())
				}
			}
			check("before sweep")

			if n := r.Sweep(); n != 4 {
				t.Errorf("Sweep closed %d, want 4", n)
			}
			check("after sweep")
			if len(p.watched) != 1 || !p.watched[want.Handle.Fd()] {
				t.Errorf("poller still watching %v", p.watched)
			}
		})
	}
}

func TestAll_Restartable(t *testing.T) {
	r := New(nil)
	for fd := 20; fd < 23; fd++ {
		r.Register(&fakeHandle{fd: fd}, Read) //nolint:errcheck
	}
	seq := r.All()

	count := func() int {
		n := 0
		for range seq {
			n++
		}
		return n
	}
	if a, b := count(), count(); a != 3 || b != 3 {
		t.Errorf("counts = %d, %d; want 3, 3", a, b)
	}

	// Early break.
	n := 0
	for range seq {
		n++
		break
	}
	if n != 1 {
		t.Errorf("break yielded %d", n)
	}
}

func TestSweep(t *testing.T) {
	r := New(nil)
	h1 := &fakeHandle{fd: 30}
	h2 := &fakeHandle{fd: 31}
	e1, _ := r.Register(h1, Read)
	r.Register(h2, Read) //nolint:errcheck

	r.Cancel(e1)
	if got := collect(r); len(got) != 1 || got[31] == nil {
		t.Fatalf("All = %v", got)
	}

	if n := r.Sweep(); n != 1 {
		t.Errorf("Sweep = %d, want 1", n)
	}
	if h1.closed != 1 {
		t.Errorf("closed %d times, want 1", h1.closed)
	}
	if h2.closed != 0 {
		t.Error("live handle closed")
	}
	if n := r.Sweep(); n != 0 {
		t.Errorf("second Sweep = %d, want 0", n)
	}

	// The fd is free for reuse once swept.
	if _, err := r.Register(&fakeHandle{fd: 30}, Read); err != nil {
		t.Errorf("re-register after sweep: %v", err)
	}
}

func TestRegister_BeforeSweepIsDuplicate(t *testing.T) {
	r := New(nil)
	e, _ := r.Register(&fakeHandle{fd: 40}, Read)
	r.Cancel(e)

	if _, err := r.Register(&fakeHandle{fd: 40}, Read); !relayerr.Is(err, relayerr.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestClose(t *testing.T) {
	r := New(nil)
	handles := []*fakeHandle{{fd: 50}, {fd: 51}, {fd: 52}}
	for i, h := range handles {
		interest := Read
		if i == 0 {
			interest = Accept
		}
		r.Register(h, interest) //nolint:errcheck
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, h := range handles {
		if h.closed != 1 {
			t.Errorf("fd %d closed %d times", h.fd, h.closed)
		}
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after Close", r.Len())
	}
	if _, err := r.Register(&fakeHandle{fd: 53}, Read); !relayerr.Is(err, relayerr.ErrClosed) {
		t.Errorf("Register after Close = %v, want ErrClosed", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestInterestString(t *testing.T) {
	if Accept.String() != "accept" || Read.String() != "read" || Interest(0).String() != "none" {
		t.Error("unexpected Interest strings")
	}
}
