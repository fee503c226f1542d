package supervisor

import "time"

// Fake is an in-process Bridge that resolves every call inline, with
// no actual I/O — the same role the teacher's EphemeralClient plays
// for exercising client code paths without a real daemon.
// Reconciliation logic can be driven and asserted against it without a
// supervisor process.
type Fake struct {
	nextHandle Handle
	services   map[string]Handle
	missing    map[string]bool
	deps       map[[2]Handle]bool
	woken      map[Handle]bool
	closedH    map[Handle]bool

	cb  EventCallback
	err error

	LoadCalls []string
	WakeCalls []Handle
}

// NewFake returns an empty Fake bridge.
func NewFake() *Fake {
	return &Fake{
		services: make(map[string]Handle),
		missing:  make(map[string]bool),
		deps:     make(map[[2]Handle]bool),
		woken:    make(map[Handle]bool),
		closedH:  make(map[Handle]bool),
	}
}

// MarkMissing makes subsequent LoadService(name, ...) calls fail with
// ErrServiceNotFound, per spec.md §4.4's "transient load failures" case.
func (f *Fake) MarkMissing(name string) { f.missing[name] = true }

func (f *Fake) LoadService(name string, reload bool, done func(Handle, error)) {
	f.LoadCalls = append(f.LoadCalls, name)
	if f.missing[name] {
		done(0, ErrServiceNotFound)
		return
	}
	if h, ok := f.services[name]; ok {
		done(h, nil)
		return
	}
	f.nextHandle++
	h := f.nextHandle
	f.services[name] = h
	done(h, nil)
}

func (f *Fake) AddDependency(from, to Handle, enable bool, done func(error)) {
	f.deps[[2]Handle{from, to}] = true
	done(nil)
}

func (f *Fake) RemoveDependency(from, to Handle, done func(error)) {
	delete(f.deps, [2]Handle{from, to})
	done(nil)
}

// HasDependency is a test helper, not part of the Bridge interface.
func (f *Fake) HasDependency(from, to Handle) bool {
	return f.deps[[2]Handle{from, to}]
}

func (f *Fake) WakeService(h Handle, done func(error)) {
	f.woken[h] = true
	f.WakeCalls = append(f.WakeCalls, h)
	done(nil)
}

// Woken is a test helper, not part of the Bridge interface.
func (f *Fake) Woken(h Handle) bool { return f.woken[h] }

func (f *Fake) CloseHandle(h Handle, done func(error)) {
	f.closedH[h] = true
	done(nil)
}

func (f *Fake) SetEventCallback(cb EventCallback) { f.cb = cb }

func (f *Fake) Dispatch(timeout time.Duration) (int, error) { return 0, nil }

func (f *Fake) FD() int { return -1 }

// QueueEmpty is always true: every call above resolves its callback
// inline, so nothing is ever left queued.
func (f *Fake) QueueEmpty() bool { return true }

func (f *Fake) Abort(err error) { f.err = err }

func (f *Fake) Err() error { return f.err }

func (f *Fake) Close() error { return nil }
