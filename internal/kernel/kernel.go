// Package kernel defines the Source interface the event loop drives:
// an initial synchronous enumeration followed by a stream of
// add/change/remove events, per spec.md §4.1. internal/kernel/uevent
// implements it against a real NETLINK_KOBJECT_UEVENT socket;
// internal/kernel/dummy implements it as a permanently-empty no-op,
// selected per the dummy-mode rule in spec.md §4.1/§6.
package kernel

import "github.com/frobware/devmon/internal/domain"

// Source produces kernel device events on two logical streams: the
// unconditionally-watched subsystems (block/net/tty/usb) and a tagged
// stream that excludes them, per spec.md §4.1's rationale for two
// streams.
type Source interface {
	// Enumerate performs the initial synchronous snapshot, delivered
	// as Add events, before the monitor publishes any presence to
	// subscribers.
	Enumerate() ([]domain.Event, error)

	// FD returns the file descriptor(s) the event loop should poll
	// for this source's readiness: one for the unfiltered stream, one
	// for the tagged stream.
	FD() (unfiltered, tagged int)

	// Receive reads and decodes exactly one pending event from
	// whichever of the two fds is ready. readyFD must be one of the
	// two values FD() returned.
	Receive(readyFD int) (domain.Event, error)

	// Close releases the underlying netlink sockets.
	Close() error
}
