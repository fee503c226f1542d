// Package reconcile implements the per-device reconciliation state
// machine from spec.md §4.4: turning an observed DINIT_WAITS_FOR
// property into a sequence of supervisor operations that bring the
// device's waits-for edges in line, with the
// current_deps/pending_deps/next_deps coalescing pipeline.
//
// This replaces the nested completion closures the original chains
// through its async supervisor client with an explicit state machine
// whose steps are named methods, per spec.md's Design Notes: "the
// equivalent systems-language shape is a small per-device state
// machine driven by messages of kind {loaded, dep_applied, waked,
// closed}". processing/pending are fields on domain.Device, not on the
// Reconciler, so the table remains the sole owner of device state.
package reconcile

import (
	"errors"
	"log/slog"

	"github.com/frobware/devmon/internal/compute"
	"github.com/frobware/devmon/internal/domain"
	"github.com/frobware/devmon/internal/subscriber"
	"github.com/frobware/devmon/internal/supervisor"
	"github.com/google/uuid"
)

// Reconciler drives supervisor.Bridge operations for tagged devices.
// It is not safe for concurrent use; like the rest of the monitor it
// is driven exclusively from the event loop.
type Reconciler struct {
	bridge supervisor.Bridge
	anchor supervisor.Handle
	subs   *subscriber.Table
	logger *slog.Logger

	// generation tags each in-flight reconciliation pass with a random
	// id, so log lines from the same pass's scattered completion
	// callbacks can be correlated even though two devices may be
	// reconciling concurrently.
	generation map[*domain.Device]string
}

// New returns a Reconciler. anchor must already be a loaded handle for
// the anchor service (acquired once at startup and held for the
// process lifetime, per spec.md §4.4).
func New(bridge supervisor.Bridge, anchor supervisor.Handle, subs *subscriber.Table, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		bridge:     bridge,
		anchor:     anchor,
		subs:       subs,
		logger:     logger,
		generation: make(map[*domain.Device]string),
	}
}

// Observe is step 1 of spec.md §4.4: on add/change, parse
// DINIT_WAITS_FOR into next_deps; on remove, next_deps becomes empty.
// Either way pending is set and a reconciliation attempt is kicked off
// (which may simply coalesce into one already in flight).
func (r *Reconciler) Observe(dev *domain.Device, event domain.Event) {
	if !dev.HasTag {
		return
	}
	if event.Kind == domain.EventRemove {
		dev.NextDeps = make(map[string]struct{})
	} else {
		dev.NextDeps = compute.ParseWaitsFor(event.Properties["DINIT_WAITS_FOR"])
	}
	dev.Pending = true
	r.maybeStart(dev)
}

// maybeStart is step 2/3: if a reconciliation is already processing,
// stop — it will pick up next_deps at its own end. Otherwise begin one.
func (r *Reconciler) maybeStart(dev *domain.Device) {
	if dev.Processing {
		return
	}
	dev.Processing = true
	dev.RemovalInFlight = dev.Removed

	gen := uuid.NewString()
	r.generation[dev] = gen
	r.logger.Debug("starting reconciliation", "syspath", dev.SysPath, "generation", gen, "removing", dev.RemovalInFlight)

	name := "device@" + dev.SysPath
	r.bridge.LoadService(name, dev.RemovalInFlight, func(h supervisor.Handle, err error) {
		r.onDeviceServiceLoaded(dev, h, err)
	})
}

func (r *Reconciler) onDeviceServiceLoaded(dev *domain.Device, h supervisor.Handle, err error) {
	if err != nil {
		if errors.Is(err, supervisor.ErrServiceNotFound) {
			r.logger.Warn("device pseudo-service not found, skipping reconciliation", "syspath", dev.SysPath)
			r.finalize(dev)
			return
		}
		r.bridge.Abort(err)
		return
	}
	dev.DeviceHandle = h

	anchorDone := func(err error) { r.onAnchorEdgeApplied(dev, err) }
	if dev.RemovalInFlight {
		r.bridge.RemoveDependency(r.anchor, h, anchorDone)
	} else {
		r.bridge.AddDependency(r.anchor, h, true, anchorDone)
	}
}

func (r *Reconciler) onAnchorEdgeApplied(dev *domain.Device, err error) {
	if err != nil {
		r.bridge.Abort(err)
		return
	}

	// Shift the pipeline: pending_deps = next_deps; next_deps = ∅. This
	// is also the point at which the queued observation is consumed,
	// so pending is cleared here — any Observe after this point sets
	// it again for the next loop, per the finalize re-entry check.
	dev.PendingDeps = dev.NextDeps
	dev.NextDeps = make(map[string]struct{})
	dev.Pending = false

	diff := compute.DiffDeps(dev.CurrentDeps, dev.PendingDeps)
	r.applyDiff(dev, diff)
}

func (r *Reconciler) applyDiff(dev *domain.Device, diff compute.DepDiff) {
	remaining := len(diff.Remove) + len(diff.Add)
	if remaining == 0 {
		r.finalize(dev)
		return
	}

	var step func()
	step = func() {
		remaining--
		if remaining == 0 {
			r.finalize(dev)
		}
	}

	for _, svc := range diff.Remove {
		r.removeServiceDep(dev, svc, step)
	}
	for _, svc := range diff.Add {
		r.addServiceDep(dev, svc, step)
	}
}

func (r *Reconciler) removeServiceDep(dev *domain.Device, svc string, done func()) {
	r.bridge.LoadService(svc, true, func(h supervisor.Handle, err error) {
		if err != nil {
			r.skipOrAbort(dev, svc, err, done)
			return
		}
		r.bridge.RemoveDependency(dev.DeviceHandle.(supervisor.Handle), h, func(err error) {
			if err != nil {
				r.skipOrAbort(dev, svc, err, done)
				return
			}
			done()
		})
	})
}

func (r *Reconciler) addServiceDep(dev *domain.Device, svc string, done func()) {
	r.bridge.LoadService(svc, true, func(h supervisor.Handle, err error) {
		if err != nil {
			r.skipOrAbort(dev, svc, err, done)
			return
		}
		r.bridge.AddDependency(dev.DeviceHandle.(supervisor.Handle), h, true, func(err error) {
			if err != nil {
				r.skipOrAbort(dev, svc, err, done)
				return
			}
			r.bridge.WakeService(h, func(err error) {
				if err != nil {
					r.skipOrAbort(dev, svc, err, done)
					return
				}
				done()
			})
		})
	})
}

func (r *Reconciler) skipOrAbort(dev *domain.Device, svc string, err error, done func()) {
	if errors.Is(err, supervisor.ErrServiceNotFound) {
		r.logger.Warn("service not found, skipping", "service", svc, "syspath", dev.SysPath)
		done()
		return
	}
	r.bridge.Abort(err)
}

// finalize is the end of one reconciliation: close the device handle,
// publish the transition, commit pending_deps into current_deps, clear
// processing, and — if another observation arrived meanwhile — start
// the next reconciliation for the now-current next_deps/removed state.
func (r *Reconciler) finalize(dev *domain.Device) {
	if dev.DeviceHandle != nil {
		h := dev.DeviceHandle.(supervisor.Handle)
		dev.DeviceHandle = nil
		r.bridge.CloseHandle(h, func(error) {})
	}

	subscriber.PublishForDevice(r.subs, dev, !dev.RemovalInFlight)

	dev.CurrentDeps = dev.PendingDeps
	dev.PendingDeps = make(map[string]struct{})
	dev.Processing = false

	r.logger.Debug("reconciliation complete", "syspath", dev.SysPath, "generation", r.generation[dev])
	delete(r.generation, dev)

	if dev.Pending {
		r.maybeStart(dev)
	}
}
