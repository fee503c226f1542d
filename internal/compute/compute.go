// Package compute holds pure functions with no I/O: parsing the
// DINIT_WAITS_FOR property, diffing dependency sets into the add/remove
// actions a reconciliation step needs, and deciding which logical
// kernel-event stream a subsystem belongs to. Keeping these free of
// side effects is what makes the coalescing behaviour in
// internal/reconcile property-testable without a fake supervisor.
package compute

import "strings"

// AlwaysWatchedSubsystems are delivered unconditionally by the kernel
// adapter, regardless of whether the device carries the supervision tag.
var AlwaysWatchedSubsystems = map[string]struct{}{
	"block": {},
	"net":   {},
	"tty":   {},
	"usb":   {},
}

// IsAlwaysWatched reports whether subsystem is one of the unconditionally
// delivered subsystems.
func IsAlwaysWatched(subsystem string) bool {
	_, ok := AlwaysWatchedSubsystems[subsystem]
	return ok
}

// TaggedStreamAccepts reports whether an event for subsystem, arriving
// on the tagged stream, should be delivered. The tagged stream
// explicitly excludes the always-watched subsystems so a single device
// never fires two events at the monitor.
func TaggedStreamAccepts(subsystem string) bool {
	return !IsAlwaysWatched(subsystem)
}

// ParseWaitsFor splits a DINIT_WAITS_FOR property value into a set of
// service names. Empty and whitespace-only fields are dropped.
func ParseWaitsFor(value string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, field := range strings.Fields(value) {
		out[field] = struct{}{}
	}
	return out
}

// DepDiff is the set of service names to add and remove when moving
// from one dependency set to another.
type DepDiff struct {
	Add    []string
	Remove []string
}

// DiffDeps computes the services present in next but not current
// (Add) and present in current but not next (Remove). Grounded on the
// stored-vs-observed diffing shape of a reconcile-actions computation:
// symmetric difference, not a full set replace.
func DiffDeps(current, next map[string]struct{}) DepDiff {
	var diff DepDiff
	for svc := range next {
		if _, ok := current[svc]; !ok {
			diff.Add = append(diff.Add, svc)
		}
	}
	for svc := range current {
		if _, ok := next[svc]; !ok {
			diff.Remove = append(diff.Remove, svc)
		}
	}
	return diff
}

// USBKey builds the synthetic device-table key for a USB vendor:product
// identity, lower-cased as emitted by the kernel's idVendor/idProduct
// sysfs attributes.
func USBKey(vendor, product string) string {
	return strings.ToLower(vendor) + ":" + strings.ToLower(product)
}
