// Package table implements the device table: the canonical in-memory
// store of domain.Device values, keyed by kernel syspath (or, for USB
// aggregates, by a synthetic vendor:product key), plus the four
// secondary indices spec.md §3.1 describes.
//
// The table owns every Device it holds. Indices store syspath strings
// only, never pointers into the primary map, so the map can grow and
// its underlying array reallocate without invalidating an index entry
// — the ownership discipline spec.md's Design Notes calls out
// explicitly, grounded here the same way the teacher's device table
// analogue (pkg/bpfman/interpreter's Store contract) keeps its lookups
// one level of indirection away from the record it returns.
package table

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/frobware/devmon/internal/compute"
	"github.com/frobware/devmon/internal/domain"
)

// ErrNotPresent is returned by Resolve when a query matches no
// non-removed device.
var ErrNotPresent = fmt.Errorf("table: not present")

// Table is the device table. Its methods are not safe for concurrent
// use without external synchronisation — like the rest of the monitor
// it is designed to be driven exclusively from the single event-loop
// goroutine; the mutex here exists only so tests and the client-facing
// resolve path (invoked synchronously from the same goroutine) can
// share the same type without a data-race detector false positive
// during table construction in tests that spin up goroutines.
type Table struct {
	mu sync.Mutex

	bySysPath map[string]*domain.Device

	byDevNode map[string]string // devnode -> syspath
	byNetif   map[string]string // ifname -> syspath
	byMAC     map[string]string // MAC -> syspath
	byUSBNum  map[string]string // kernel device number -> usb key (syspath)
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		bySysPath: make(map[string]*domain.Device),
		byDevNode: make(map[string]string),
		byNetif:   make(map[string]string),
		byMAC:     make(map[string]string),
		byUSBNum:  make(map[string]string),
	}
}

// ObserveAdd creates or updates the device identified by event.SysPath
// (or, for USB events, the synthetic vendor:product key), per spec.md
// §4.2.
func (t *Table) ObserveAdd(event domain.Event) (*domain.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.observeAddOrChange(event, false)
}

// ObserveChange is ObserveAdd, but additionally drops the index entry
// for a name/MAC (or device node) that no longer matches after
// reindexing, so lookups under the old identity stop resolving. It
// publishes nothing itself: subscribers matched on the old name or MAC
// are not sent an absent byte.
func (t *Table) ObserveChange(event domain.Event) (*domain.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.observeAddOrChange(event, true)
}

func (t *Table) observeAddOrChange(event domain.Event, isChange bool) (*domain.Device, error) {
	switch event.Subsystem {
	case "usb":
		vendor, hasVendor := event.Properties["ID_VENDOR_ID"]
		product, hasProduct := event.Properties["ID_MODEL_ID"]
		if !hasVendor || !hasProduct {
			return nil, fmt.Errorf("table: usb event for %s missing idVendor/idProduct", event.SysPath)
		}
		key := compute.USBKey(vendor, product)
		devnum := event.Properties["DEVNUM"]

		dev, ok := t.bySysPath[key]
		if !ok {
			dev = domain.NewDevice(key, "usb")
			t.bySysPath[key] = dev
		}
		if devnum != "" {
			dev.USBNumbers[devnum] = struct{}{}
			t.byUSBNum[devnum] = key
		}
		dev.HasTag = dev.HasTag || event.Tagged
		dev.Removed = false
		return dev, nil

	case "net":
		dev, ok := t.bySysPath[event.SysPath]
		if !ok {
			dev = domain.NewDevice(event.SysPath, event.Subsystem)
			t.bySysPath[event.SysPath] = dev
		}
		oldName, oldMAC := dev.Name, dev.MAC
		dev.Name = event.Properties["INTERFACE"]
		dev.MAC = event.Properties["ADDRESS"]
		dev.HasTag = dev.HasTag || event.Tagged
		dev.Removed = false

		if dev.Name != "" {
			t.byNetif[dev.Name] = event.SysPath
		}
		if dev.MAC != "" {
			t.byMAC[dev.MAC] = event.SysPath
		}
		if isChange {
			if oldName != "" && oldName != dev.Name {
				delete(t.byNetif, oldName)
			}
			if oldMAC != "" && oldMAC != dev.MAC {
				delete(t.byMAC, oldMAC)
			}
		}
		return dev, nil

	default:
		dev, ok := t.bySysPath[event.SysPath]
		if !ok {
			dev = domain.NewDevice(event.SysPath, event.Subsystem)
			t.bySysPath[event.SysPath] = dev
		}
		oldName := dev.Name
		dev.Name = event.Properties["DEVNAME"]
		dev.HasTag = dev.HasTag || event.Tagged
		dev.Removed = false

		if dev.Name != "" {
			t.byDevNode[dev.Name] = event.SysPath
		}
		if isChange && oldName != "" && oldName != dev.Name {
			delete(t.byDevNode, oldName)
		}
		return dev, nil
	}
}

// ObserveRemove marks a device removed, per spec.md §4.2. key is a
// syspath for non-USB subsystems, or a raw kernel device number for USB.
func (t *Table) ObserveRemove(subsystem, key string) (*domain.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if subsystem == "usb" {
		usbKey, ok := t.byUSBNum[key]
		if !ok {
			return nil, ErrNotPresent
		}
		dev := t.bySysPath[usbKey]
		delete(dev.USBNumbers, key)
		delete(t.byUSBNum, key)
		if len(dev.USBNumbers) == 0 {
			dev.Removed = true
		}
		return dev, nil
	}

	dev, ok := t.bySysPath[key]
	if !ok {
		return nil, ErrNotPresent
	}
	dev.Removed = true
	if dev.Name != "" {
		if dev.Subsystem == "net" {
			delete(t.byNetif, dev.Name)
		} else {
			delete(t.byDevNode, dev.Name)
		}
	}
	if dev.MAC != "" {
		delete(t.byMAC, dev.MAC)
	}
	return dev, nil
}

// Get returns the device at syspath/key, if any.
func (t *Table) Get(key string) (*domain.Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dev, ok := t.bySysPath[key]
	return dev, ok
}

// Resolve answers a subscriber query per spec.md §4.2's resolve
// operation: dev nodes fall back to on-disk symlink resolution when
// the exact path is not indexed.
func (t *Table) Resolve(kind domain.QueryKind, query string) (*domain.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var syspath string
	var ok bool

	switch kind {
	case domain.QueryDev:
		syspath, ok = t.byDevNode[query]
		if !ok {
			target, err := filepath.EvalSymlinks(query)
			if err == nil {
				syspath, ok = t.byDevNode[target]
			} else if errors.Is(err, syscall.ENOMEM) {
				// Out of memory while resolving is unrecoverable.
				panic(fmt.Sprintf("table: resolving %s: %v", query, err))
			}
		}
	case domain.QuerySys:
		_, ok = t.bySysPath[query]
		syspath = query
	case domain.QueryUSB:
		_, ok = t.bySysPath[strings.ToLower(query)]
		syspath = strings.ToLower(query)
	case domain.QueryNetif:
		syspath, ok = t.byNetif[query]
	case domain.QueryMAC:
		syspath, ok = t.byMAC[query]
	default:
		return nil, fmt.Errorf("table: unknown query kind %q", kind)
	}

	if !ok {
		return nil, ErrNotPresent
	}
	dev, ok := t.bySysPath[syspath]
	if !ok || dev.Removed {
		return nil, ErrNotPresent
	}
	return dev, nil
}

// TaggedDevices returns every device currently carrying the
// supervision tag, for reconciliation fan-out.
func (t *Table) TaggedDevices() []*domain.Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*domain.Device
	for _, dev := range t.bySysPath {
		if dev.HasTag {
			out = append(out, dev)
		}
	}
	return out
}
