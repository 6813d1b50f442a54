// Package router fans chat lines out to every connected client.
package router

import (
	"fmt"
	"strings"

	"chatrelay/internal/metrics"
	"chatrelay/internal/registry"
	"chatrelay/internal/session"
	"chatrelay/util"
)

// WriteFunc delivers p to one recipient in full.
type WriteFunc func(h registry.Handle, p []byte) error

// Result counts the outcome of one fan-out.
type Result struct {
	Delivered int
	Failed    int
}

// Router broadcasts through a registry.  Like the registry it belongs
// to the loop goroutine.
type Router struct {
	reg     *registry.Registry
	write   WriteFunc
	log     *util.Logger
	metrics *metrics.Collector
	out     []byte
}

// New returns a router over reg.  log and m may be nil.
func New(reg *registry.Registry, write WriteFunc, log *util.Logger, m *metrics.Collector) *Router {
	if log == nil {
		log = util.NewLogger(0)
	}
	return &Router{
		reg:     reg,
		write:   write,
		log:     log,
		metrics: m,
		out:     make([]byte, 0, 1024),
	}
}

// Broadcast sends "<senderID>: <line>" to every live client except
// sender.  A recipient whose write fails is cancelled and the others
// still get the message.
func (r *Router) Broadcast(sender *registry.Entry, senderID, line string) Result {
	r.out = append(r.out[:0], senderID...)
	r.out = append(r.out, ": "...)
	r.stage(line)
	res := r.deliver(sender)
	r.metrics.Broadcast(res.Delivered, res.Failed)
	return res
}

// Announce sends text as-is to every live client except the given
// entry, which may be nil.
func (r *Router) Announce(except *registry.Entry, text string) Result {
	r.out = r.out[:0]
	r.stage(text)
	return r.deliver(except)
}

func (r *Router) stage(line string) {
	r.out = append(r.out, line...)
	if !strings.HasSuffix(line, "\n") {
		r.out = append(r.out, '\n')
	}
}

func (r *Router) deliver(except *registry.Entry) Result {
	var res Result
	for e := range r.reg.All() {
		if e == except || e.Interest != registry.Read {
			continue
		}
		if err := r.write(e.Handle, r.out); err != nil {
			res.Failed++
			r.log.Warn("recipient %s failed: %v", name(e.Handle), err)
			r.metrics.RecordError(err.Error())
			r.reg.Cancel(e)
			continue
		}
		res.Delivered++
		r.metrics.BytesSent(int64(len(r.out)))
	}
	return res
}

func name(h registry.Handle) string {
	if p, ok := h.(session.Peer); ok {
		return session.Identify(p)
	}
	return fmt.Sprintf("fd %d", h.Fd())
}
