//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package poller

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	relayerr "chatrelay/internal/errors"
)

type pollPoller struct {
	fds          map[int]struct{}
	pfds         []unix.PollFd
	wakeR, wakeW int
	closed       atomic.Bool
}

// New returns a poll(2)-backed Poller.
func New() (Poller, error) {
	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	for _, fd := range pipe {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(pipe[0])
			unix.Close(pipe[1])
			return nil, fmt.Errorf("pipe nonblock: %w", err)
		}
	}
	return &pollPoller{
		fds:   make(map[int]struct{}),
		wakeR: pipe[0],
		wakeW: pipe[1],
	}, nil
}

func (p *pollPoller) Add(fd int) error {
	if p.closed.Load() {
		return relayerr.ErrClosed
	}
	if _, ok := p.fds[fd]; ok {
		return fmt.Errorf("poll add fd %d: %w", fd, relayerr.ErrDuplicate)
	}
	p.fds[fd] = struct{}{}
	return nil
}

func (p *pollPoller) Remove(fd int) error {
	delete(p.fds, fd)
	return nil
}

func (p *pollPoller) Wait(dst []Event) ([]Event, error) {
	if p.closed.Load() {
		return dst, relayerr.ErrClosed
	}

	p.pfds = append(p.pfds[:0], unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN})
	for fd := range p.fds {
		p.pfds = append(p.pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	_, err := unix.Poll(p.pfds, -1)
	if err == unix.EINTR {
		return dst, nil
	}
	if err != nil {
		return dst, fmt.Errorf("poll: %w", err)
	}

	for _, pfd := range p.pfds {
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)
		if fd == p.wakeR {
			p.drainWake()
			continue
		}
		dst = append(dst, Event{
			Fd:       fd,
			Readable: pfd.Revents&unix.POLLIN != 0,
			Hangup:   pfd.Revents&unix.POLLHUP != 0,
			Error:    pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0,
		})
	}
	return dst, nil
}

func (p *pollPoller) drainWake() {
	var b [64]byte
	for {
		if _, err := unix.Read(p.wakeR, b[:]); err != nil {
			return
		}
	}
}

func (p *pollPoller) Wake() error {
	if p.closed.Load() {
		return relayerr.ErrClosed
	}
	_, err := unix.Write(p.wakeW, []byte{1})
	if err == unix.EAGAIN {
		return nil // pipe full, a wake-up is already pending
	}
	return err
}

func (p *pollPoller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return relayerr.Join(unix.Close(p.wakeR), unix.Close(p.wakeW))
}
