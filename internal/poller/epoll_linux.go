//go:build linux

package poller

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	relayerr "chatrelay/internal/errors"
)

const initialEvents = 128

type epoll struct {
	fd     int
	wakeFd int
	buf    []unix.EpollEvent
	closed atomic.Bool
}

// New returns an epoll-backed Poller.
func New() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	p := &epoll{fd: fd, wakeFd: wfd, buf: make([]unix.EpollEvent, initialEvents)}
	if err := p.ctl(unix.EPOLL_CTL_ADD, wfd); err != nil {
		p.Close()
		return nil, fmt.Errorf("epoll add eventfd: %w", err)
	}
	return p, nil
}

func (p *epoll) ctl(op, fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP, Fd: int32(fd)}
	return unix.EpollCtl(p.fd, op, fd, &ev)
}

func (p *epoll) Add(fd int) error {
	if p.closed.Load() {
		return relayerr.ErrClosed
	}
	if err := p.ctl(unix.EPOLL_CTL_ADD, fd); err != nil {
		return fmt.Errorf("epoll add fd %d: %w", fd, err)
	}
	return nil
}

func (p *epoll) Remove(fd int) error {
	if p.closed.Load() {
		return nil
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	switch err {
	case nil, unix.ENOENT, unix.EBADF:
		return nil
	}
	return fmt.Errorf("epoll del fd %d: %w", fd, err)
}

func (p *epoll) Wait(dst []Event) ([]Event, error) {
	if p.closed.Load() {
		return dst, relayerr.ErrClosed
	}

	n, err := unix.EpollWait(p.fd, p.buf, -1)
	if err == unix.EINTR {
		return dst, nil
	}
	if err != nil {
		if p.closed.Load() {
			return dst, relayerr.ErrClosed
		}
		return dst, fmt.Errorf("epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := p.buf[i]
		fd := int(ev.Fd)
		if fd == p.wakeFd {
			p.drainWake()
			continue
		}
		dst = append(dst, Event{
			Fd:       fd,
			Readable: ev.Events&unix.EPOLLIN != 0,
			Hangup:   ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Error:    ev.Events&unix.EPOLLERR != 0,
		})
	}

	// A full buffer means more fds may be ready than we could take in
	// one call; grow so the next wait sees them all at once.
	if n == len(p.buf) {
		p.buf = make([]unix.EpollEvent, 2*len(p.buf))
	}
	return dst, nil
}

func (p *epoll) drainWake() {
	var b [8]byte
	for {
		if _, err := unix.Read(p.wakeFd, b[:]); err != nil {
			return
		}
	}
}

func (p *epoll) Wake() error {
	if p.closed.Load() {
		return relayerr.ErrClosed
	}
	b := [8]byte{1}
	_, err := unix.Write(p.wakeFd, b[:])
	if err == unix.EAGAIN {
		return nil // counter saturated, a wake-up is already pending
	}
	return err
}

func (p *epoll) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return relayerr.Join(unix.Close(p.wakeFd), unix.Close(p.fd))
}
