//go:build linux

// Package reactor implements a single-threaded, edge-triggered readiness
// multiplexer. It owns the listening socket, runs the accept loop, and
// dispatches readiness events to a protocol-specific Handler without ever
// blocking on I/O itself.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

// Interest describes which directions of readiness a descriptor is armed for.
type Interest uint32

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

func (i Interest) epollEvents() uint32 {
	var ev uint32 = unix.EPOLLET
	if i&InterestRead != 0 {
		ev |= unix.EPOLLIN
	}
	if i&InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Handler is driven by the Reactor. OnAccept is invoked once per accepted
// connection on the listening descriptor; OnReady is invoked whenever a
// registered, non-listening descriptor becomes readable or writable.
//
// Both methods return an error to request the descriptor (and whatever
// session it belongs to) be torn down; Reactor.Close handles the actual
// deregistration. A nil error means "continue" — the normal "would block"
// exit from a handler's inner progress loop is represented by simply
// returning nil having made partial progress.
type Handler interface {
	OnAccept(fd int) error
	OnReady(fd int, readable, writable bool) error
}

// Option configures a Reactor.
type Option func(*Reactor)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reactor) { r.log = l }
}

// WithCapacity bounds the number of concurrently registered non-listening
// descriptors. Accepts beyond the limit are closed immediately (§4.1).
func WithCapacity(n int) Option {
	return func(r *Reactor) { r.capacity = n }
}

// Reactor is the event loop described in spec §4.1. It is not safe for
// concurrent use — it is meant to be driven from a single goroutine via Run.
type Reactor struct {
	epfd     int
	listenFD int
	handler  Handler
	log      *slog.Logger
	capacity int
	fds      map[int]struct{} // registered non-listening descriptors

	registered prometheus.Gauge
	accepted   prometheus.Counter
	rejected   prometheus.Counter
}

// New wraps an already-bound, listening, non-blocking fd.
func New(listenFD int, h Handler, opts ...Option) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	r := &Reactor{
		epfd:     epfd,
		listenFD: listenFD,
		handler:  h,
		log:      slog.Default(),
		capacity: 100,
		fds:      make(map[int]struct{}),

		registered: metricSessionsRegistered,
		accepted:   metricAccepts,
		rejected:   metricRejects,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, listenFD, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(listenFD),
	}); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: register listener: %w", err)
	}
	return r, nil
}

// Register arms fd for the given interest and attaches it to the loop. The
// caller must already have set fd non-blocking.
func (r *Reactor) Register(fd int, interest Interest) error {
	if len(r.fds) >= r.capacity {
		return fmt.Errorf("reactor: at capacity (%d)", r.capacity)
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: interest.epollEvents(),
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("reactor: register fd %d: %w", fd, err)
	}
	r.fds[fd] = struct{}{}
	r.registered.Set(float64(len(r.fds)))
	return nil
}

// Modify switches a registered descriptor's arming (read<->write).
func (r *Reactor) Modify(fd int, interest Interest) error {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: interest.epollEvents(),
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("reactor: modify fd %d: %w", fd, err)
	}
	return nil
}

// Close deregisters fd and closes it. It is idempotent for fds the reactor
// no longer tracks.
func (r *Reactor) Close(fd int) error {
	if _, ok := r.fds[fd]; ok {
		delete(r.fds, fd)
		r.registered.Set(float64(len(r.fds)))
		_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	return unix.Close(fd)
}

const maxEpollEvents = 128

// epollWaitTimeoutMS bounds how long a single EpollWait blocks so Run can
// observe ctx cancellation between waits without a dedicated wakeup fd.
const epollWaitTimeoutMS = 200

// Run repeatedly waits for readiness and dispatches to the handler until ctx
// is done or an unrecoverable error occurs.
func (r *Reactor) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := unix.EpollWait(r.epfd, events, epollWaitTimeoutMS)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.listenFD {
				r.acceptLoop()
				continue
			}
			readable := events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0
			writable := events[i].Events&unix.EPOLLOUT != 0
			if err := r.handler.OnReady(fd, readable, writable); err != nil {
				r.log.Debug("reactor: session terminated", "fd", fd, "error", err)
				_ = r.Close(fd)
			}
		}
	}
}

// acceptLoop drains the listening descriptor until it would block, per the
// edge-triggered discipline in §4.1.
func (r *Reactor) acceptLoop() {
	for {
		connFD, _, err := unix.Accept4(r.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			r.log.Error("reactor: accept", "error", err)
			return
		}
		if len(r.fds) >= r.capacity {
			r.rejected.Inc()
			unix.Close(connFD)
			continue
		}
		r.accepted.Inc()
		if err := r.handler.OnAccept(connFD); err != nil {
			r.log.Debug("reactor: reject accepted connection", "fd", connFD, "error", err)
			unix.Close(connFD)
		}
	}
}
