// Package subscriber implements the subscriber table: driving each
// connection's handshake to completion, answering the initial presence
// byte, and fanning out transitions. Grounded on the teacher's
// interpreter-package convention of keeping I/O (reads/writes on fds)
// behind a narrow interface (Conn) so the fan-out logic itself is
// testable against an in-memory double.
package subscriber

import (
	"log/slog"

	"github.com/frobware/devmon/internal/domain"
	"github.com/frobware/devmon/internal/table"
	"github.com/frobware/devmon/internal/wire"
)

// Conn is the minimal fd-shaped surface subscriber needs; satisfied
// by a raw non-blocking socket fd wrapper in the event loop and by an
// in-memory fake in tests.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Subscriber is one live protocol session.
type Subscriber struct {
	conn      Conn
	handshake *wire.Handshake

	kind    domain.QueryKind
	query   string
	sentAny bool
	lastVal byte

	removed bool
}

// New wraps conn in a fresh Subscriber awaiting its handshake.
func New(conn Conn) *Subscriber {
	return &Subscriber{conn: conn, handshake: wire.NewHandshake()}
}

// Removed reports whether this subscriber has been marked for
// compaction (protocol error, short write, or peer hangup).
func (s *Subscriber) Removed() bool { return s.removed }

// MarkRemoved flags the subscriber for compaction and closes its conn.
func (s *Subscriber) MarkRemoved() {
	if s.removed {
		return
	}
	s.removed = true
	s.conn.Close()
}

// Established reports whether the handshake has completed.
func (s *Subscriber) Established() bool {
	return s.handshake.State() == wire.Established
}

// FeedReadable is called when the subscriber's fd is readable while
// the handshake is still in progress. It reads what's available and
// drives the state machine; on completion it resolves the query
// against tab and writes the initial presence byte.
func (s *Subscriber) FeedReadable(tab *table.Table, logger *slog.Logger) {
	if s.removed || s.Established() {
		return
	}
	buf := make([]byte, 256)
	n, err := s.conn.Read(buf)
	if err != nil {
		s.MarkRemoved()
		return
	}
	if n == 0 {
		s.MarkRemoved()
		return
	}
	if _, err := s.handshake.Feed(buf[:n]); err != nil {
		logger.Warn("rejecting subscriber", "error", err)
		s.MarkRemoved()
		return
	}
	if s.Established() {
		s.kind = s.handshake.Kind()
		s.query = s.handshake.Payload()
		s.sendInitial(tab)
	}
}

func (s *Subscriber) sendInitial(tab *table.Table) {
	present := s.resolvePresence(tab)
	var val byte = wire.Absent
	if present {
		val = wire.Present
	}
	s.writeByte(val)
}

func (s *Subscriber) resolvePresence(tab *table.Table) bool {
	dev, err := tab.Resolve(s.kind, s.query)
	if err != nil {
		return false
	}
	return dev.Present()
}

// Matches reports whether this subscriber's (kind, query) matches the
// given device identity, per spec.md §4.3's fan-out rule.
func (s *Subscriber) Matches(kind domain.QueryKind, query string) bool {
	return s.Established() && s.kind == kind && s.query == query
}

// NotifyPresence writes the current presence byte if it differs from
// the last one sent, per spec.md's "one transition byte per observable
// state change" invariant. A short write marks the subscriber removed.
func (s *Subscriber) NotifyPresence(present bool) {
	if s.removed || !s.Established() {
		return
	}
	var want byte = wire.Absent
	if present {
		want = wire.Present
	}
	if s.sentAny && want == s.lastVal {
		return
	}
	s.writeByte(want)
}

func (s *Subscriber) writeByte(val byte) {
	n, err := s.conn.Write([]byte{val})
	if err != nil || n != 1 {
		s.MarkRemoved()
		return
	}
	s.sentAny = true
	s.lastVal = val
}

// Table is the live set of subscribers, plus fan-out and compaction.
type Table struct {
	subs []*Subscriber
}

// NewTable returns an empty subscriber table.
func NewTable() *Table { return &Table{} }

// Add registers a newly-accepted subscriber.
func (t *Table) Add(s *Subscriber) { t.subs = append(t.subs, s) }

// All returns every live subscriber, for the event loop to poll.
func (t *Table) All() []*Subscriber { return t.subs }

// Publish walks every established subscriber matching (kind, query)
// and writes the transition byte, per spec.md §4.3's fan-out rule.
func (t *Table) Publish(kind domain.QueryKind, query string, present bool) {
	for _, s := range t.subs {
		if s.Matches(kind, query) {
			s.NotifyPresence(present)
		}
	}
}

// Compact drops every subscriber marked Removed, per spec.md §4.5 step 7.
func (t *Table) Compact() {
	live := t.subs[:0]
	for _, s := range t.subs {
		if !s.Removed() {
			live = append(live, s)
		}
	}
	t.subs = live
}

// PublishForDevice publishes a transition for every identity a device
// answers to: dev/sys node, netif+MAC for net devices, and USB key —
// the same three-way fan-out shape as the original's device::ready.
func PublishForDevice(subs *Table, dev *domain.Device, present bool) {
	switch dev.Subsystem {
	case "usb":
		subs.Publish(domain.QueryUSB, dev.SysPath, present)
	case "net":
		subs.Publish(domain.QuerySys, dev.SysPath, present)
		if dev.Name != "" {
			subs.Publish(domain.QueryNetif, dev.Name, present)
		}
		if dev.MAC != "" {
			subs.Publish(domain.QueryMAC, dev.MAC, present)
		}
	default:
		subs.Publish(domain.QuerySys, dev.SysPath, present)
		if dev.Name != "" {
			subs.Publish(domain.QueryDev, dev.Name, present)
		}
	}
}
