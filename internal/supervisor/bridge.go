// Package supervisor implements the asynchronous client of the
// service-supervision daemon: the black-box operation table spec.md
// §4.4 describes, consumed as an interface so the reconciler can be
// driven against an in-process fake in tests instead of a real
// supervisor connection. Grounded on the teacher's
// pkg/bpfman/interpreter convention of narrow, composable interfaces
// for every effectful operation, and on client/remote.go's shape of a
// thin wrapper translating domain calls into wire requests.
//
// Every operation is completion-callback shaped rather than
// synchronous: spec.md's Design Notes call for "a small per-device
// state machine driven by messages of kind {loaded, dep_applied,
// waked, closed}", which only falls out naturally if the bridge itself
// never blocks its caller waiting for the supervisor's reply.
package supervisor

import (
	"errors"
	"time"
)

// ErrServiceNotFound is returned by LoadService's callback when the
// named service does not exist. It is non-fatal: spec.md §4.4 says
// the reconciliation continues, skipping just that service.
var ErrServiceNotFound = errors.New("supervisor: service not found")

// Handle is an opaque service handle, valid only for the connection
// that issued it. It must be closed exactly once.
type Handle uint64

// ServiceState is reported through the event callback.
type ServiceState int

const (
	StateStopped ServiceState = iota
	StateStarting
	StateStarted
	StateStopping
)

// EventCallback is invoked when a service the bridge holds a handle
// for changes state.
type EventCallback func(h Handle, state ServiceState)

// Bridge is the asynchronous supervisor client contract from spec.md
// §4.4's operation table. A completion callback fires only after the
// corresponding request's bytes have been flushed and its reply has
// arrived — for the real connection that happens inside Dispatch; the
// in-process Fake fires callbacks inline, which is a valid degenerate
// case of "after the bytes are flushed" (there are none).
type Bridge interface {
	// LoadService acquires a handle for name, requesting a reload if
	// reload is true. done is called with ErrServiceNotFound if the
	// service does not exist.
	LoadService(name string, reload bool, done func(Handle, error))

	// AddDependency adds a waits-for edge from -> to.
	AddDependency(from, to Handle, enable bool, done func(error))

	// RemoveDependency removes a previously-added edge.
	RemoveDependency(from, to Handle, done func(error))

	// WakeService nudges the service into its dependency-satisfied state.
	WakeService(h Handle, done func(error))

	// CloseHandle releases a handle. It is idempotent.
	CloseHandle(h Handle, done func(error))

	// SetEventCallback registers the global per-service-state-change callback.
	SetEventCallback(cb EventCallback)

	// Dispatch drives outstanding I/O for up to timeout, returning the
	// number of completions processed. It must be called
	// unconditionally on every event-loop iteration, per spec.md §4.5
	// step 5, since it is also what flushes queued writes.
	Dispatch(timeout time.Duration) (int, error)

	// FD returns the file descriptor the event loop should poll for
	// this bridge's readiness, or -1 if there is none (the Fake).
	FD() int

	// QueueEmpty reports whether every enqueued request has been
	// flushed and every in-flight call has completed. The caller uses
	// this to drain the bridge synchronously after enumeration, before
	// entering the poll loop, per spec.md §4.5's initial-drain step.
	QueueEmpty() bool

	// Abort is the fatal-error primitive spec.md §7 describes:
	// invoking it from inside a callback terminates the connection and
	// the caller must treat the daemon as needing to exit.
	Abort(err error)

	// Err returns the error passed to Abort, if any has occurred.
	Err() error

	// Close releases the underlying connection.
	Close() error
}
