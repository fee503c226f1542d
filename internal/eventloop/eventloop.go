// Package eventloop ties every fd source together into the single
// poll loop spec.md §4.5 describes: one readiness-poll call multiplexing
// the signal self-pipe, listening socket, kernel adapter fds, supervisor
// bridge fd, and subscriber fds, with compaction at the end of each
// iteration. All state mutation happens inside Run's single goroutine;
// nothing here requires a mutex.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frobware/devmon/internal/domain"
	"github.com/frobware/devmon/internal/kernel"
	"github.com/frobware/devmon/internal/kernel/uevent"
	"github.com/frobware/devmon/internal/reconcile"
	"github.com/frobware/devmon/internal/subscriber"
	"github.com/frobware/devmon/internal/supervisor"
	"github.com/frobware/devmon/internal/table"
	"github.com/frobware/devmon/internal/wire"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// connFD adapts a raw non-blocking fd to subscriber.Conn.
type connFD int

func (fd connFD) Read(p []byte) (int, error) {
	n, err := unix.Read(int(fd), p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("eventloop: peer closed")
	}
	return n, nil
}

func (fd connFD) Write(p []byte) (int, error) {
	return unix.Write(int(fd), p)
}

func (fd connFD) Close() error {
	return unix.Close(int(fd))
}

type trackedSubscriber struct {
	fd  connFD
	sub *subscriber.Subscriber
}

// Loop is the monitor's single-threaded event loop.
type Loop struct {
	logger *slog.Logger

	listenFD int
	kernelSrc kernel.Source
	bridge    supervisor.Bridge
	table     *table.Table
	subs      *subscriber.Table
	reconciler *reconcile.Reconciler

	sigR, sigW int

	// forwarder supervises the goroutine that turns signal.Notify's
	// channel delivery into a self-pipe byte; cancel stops it on Close.
	forwarder *errgroup.Group
	cancel    context.CancelFunc

	conns []trackedSubscriber
}

// New constructs a Loop. listenFD must already be bound and listening
// (see internal/wire.NewListener).
func New(logger *slog.Logger, listenFD int, src kernel.Source, bridge supervisor.Bridge, tab *table.Table, subs *subscriber.Table, reconciler *reconcile.Reconciler) (*Loop, error) {
	r, w, group, cancel, err := selfPipe()
	if err != nil {
		return nil, err
	}
	return &Loop{
		logger:     logger,
		listenFD:   listenFD,
		kernelSrc:  src,
		bridge:     bridge,
		table:      tab,
		subs:       subs,
		reconciler: reconciler,
		sigR:       r,
		sigW:       w,
		forwarder:  group,
		cancel:     cancel,
	}, nil
}

// selfPipe opens a non-blocking pipe and starts the tiny forwarder
// that turns Go's channel-based signal.Notify into a byte written to
// the read end the poll loop watches — the self-pipe trick, adapted to
// Go's signal model. The forwarder does nothing but relay; all actual
// state transitions still happen inside Run's single goroutine, per
// spec.md §9's instruction to preserve the self-pipe pattern unchanged.
// An errgroup supervises the forwarder so Close can stop it
// deterministically instead of leaking a goroutine blocked on signal.Notify's
// channel.
func selfPipe() (r, w int, group *errgroup.Group, cancel context.CancelFunc, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, nil, nil, fmt.Errorf("eventloop: self-pipe: %w", err)
	}
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	ctx, cancel := context.WithCancel(context.Background())
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(sigCh)
				return nil
			case sig := <-sigCh:
				n, _ := sig.(syscall.Signal)
				unix.Write(fds[1], []byte{byte(n)})
			}
		}
	})
	return fds[0], fds[1], g, cancel, nil
}

// Enumerate performs the kernel source's initial snapshot and applies
// it to the device table before the loop starts accepting subscribers,
// per spec.md §4.1.
func (l *Loop) Enumerate() error {
	events, err := l.kernelSrc.Enumerate()
	if err != nil {
		return fmt.Errorf("eventloop: enumerate: %w", err)
	}
	for _, event := range events {
		l.applyEvent(event)
	}
	return nil
}

// DrainSupervisor dispatches the supervisor bridge until its write
// queue is empty and every in-flight call has completed, so that any
// reconciliation the initial enumeration queued is flushed before the
// poll loop starts, per spec.md §4.5's initial-drain step. Without
// this, a device tagged at startup would sit unflushed until the first
// unrelated wakeup of Run's poll call.
func (l *Loop) DrainSupervisor() error {
	for !l.bridge.QueueEmpty() {
		if _, err := l.bridge.Dispatch(time.Second); err != nil {
			return fmt.Errorf("eventloop: drain supervisor: %w", err)
		}
		if err := l.bridge.Err(); err != nil {
			return fmt.Errorf("eventloop: supervisor bridge aborted during drain: %w", err)
		}
	}
	return nil
}

// Run blocks until SIGTERM/SIGINT or a fatal error, per spec.md §4.5.
func (l *Loop) Run() error {
	for {
		fds := l.buildPollSet()
		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("eventloop: poll: %w", err)
		}
		if n == 0 {
			continue
		}

		if fds[0].Revents != 0 {
			if l.drainSignalPipe() {
				return nil
			}
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			if err := wire.AcceptAll(l.listenFD, l.onAccept); err != nil {
				return fmt.Errorf("eventloop: accept: %w", err)
			}
		}

		unfilteredFD, taggedFD := l.kernelSrc.FD()
		if fds[2].Revents&unix.POLLIN != 0 {
			l.drainKernelFD(unfilteredFD)
		}
		if fds[3].Revents&unix.POLLIN != 0 {
			l.drainKernelFD(taggedFD)
		}

		// Unconditional dispatch, per spec.md §4.5 step 5.
		if _, err := l.bridge.Dispatch(0); err != nil {
			return fmt.Errorf("eventloop: bridge dispatch: %w", err)
		}
		if err := l.bridge.Err(); err != nil {
			return fmt.Errorf("eventloop: supervisor bridge aborted: %w", err)
		}

		l.serviceSubscribers(fds[numFixedFDs:])
		l.compact()
	}
}

const numFixedFDs = 5 // sig, listener, kernel-unfiltered, kernel-tagged, bridge

func (l *Loop) buildPollSet() []unix.PollFd {
	unfilteredFD, taggedFD := l.kernelSrc.FD()
	fds := make([]unix.PollFd, 0, numFixedFDs+len(l.conns))
	fds = append(fds,
		unix.PollFd{Fd: int32(l.sigR), Events: unix.POLLIN},
		unix.PollFd{Fd: int32(l.listenFD), Events: unix.POLLIN},
		unix.PollFd{Fd: int32(unfilteredFD), Events: unix.POLLIN},
		unix.PollFd{Fd: int32(taggedFD), Events: unix.POLLIN},
		unix.PollFd{Fd: int32(l.bridge.FD()), Events: unix.POLLIN},
	)
	for _, c := range l.conns {
		fds = append(fds, unix.PollFd{Fd: int32(c.fd), Events: unix.POLLIN})
	}
	return fds
}

func (l *Loop) drainSignalPipe() (shouldStop bool) {
	buf := make([]byte, 16)
	n, err := unix.Read(l.sigR, buf)
	if err != nil || n == 0 {
		return false
	}
	for _, b := range buf[:n] {
		sig := syscall.Signal(b)
		if sig == syscall.SIGTERM || sig == syscall.SIGINT {
			shouldStop = true
		}
	}
	return shouldStop
}

func (l *Loop) onAccept(fd int) {
	sub := subscriber.New(connFD(fd))
	l.conns = append(l.conns, trackedSubscriber{fd: connFD(fd), sub: sub})
	l.subs.Add(sub)
}

func (l *Loop) drainKernelFD(fd int) {
	for {
		event, err := l.kernelSrc.Receive(fd)
		if err != nil {
			if uevent.ErrSkip(err) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			l.logger.Warn("kernel source read failed", "error", err)
			return
		}
		l.applyEvent(event)
	}
}

func (l *Loop) applyEvent(event domain.Event) {
	var dev *domain.Device
	var err error

	switch event.Kind {
	case domain.EventAdd:
		dev, err = l.table.ObserveAdd(event)
	case domain.EventChange:
		dev, err = l.table.ObserveChange(event)
	case domain.EventRemove:
		key := event.SysPath
		if event.Subsystem == "usb" {
			key = event.Properties["DEVNUM"]
		}
		dev, err = l.table.ObserveRemove(event.Subsystem, key)
	}
	if err != nil {
		l.logger.Warn("dropping malformed kernel event", "syspath", event.SysPath, "error", err)
		return
	}

	if dev.HasTag {
		l.reconciler.Observe(dev, event)
		return
	}
	subscriber.PublishForDevice(l.subs, dev, dev.Present())
}

func (l *Loop) serviceSubscribers(subFDs []unix.PollFd) {
	for i, pf := range subFDs {
		c := l.conns[i]
		if pf.Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			c.sub.MarkRemoved()
			continue
		}
		if pf.Revents&unix.POLLIN != 0 {
			c.sub.FeedReadable(l.table, l.logger)
		}
	}
}

func (l *Loop) compact() {
	live := l.conns[:0]
	for _, c := range l.conns {
		if !c.sub.Removed() {
			live = append(live, c)
		}
	}
	l.conns = live
	l.subs.Compact()
}

// Close releases the loop's own fds (listener and self-pipe) and stops
// the signal-forwarding goroutine; the kernel source and bridge are
// owned by the caller.
func (l *Loop) Close() error {
	if l.cancel != nil {
		l.cancel()
		l.forwarder.Wait()
	}
	unix.Close(l.sigR)
	unix.Close(l.sigW)
	return unix.Close(l.listenFD)
}
