// Package uevent implements kernel.Source against a real
// NETLINK_KOBJECT_UEVENT socket, the mechanism udev itself is built
// on. It opens two sockets bound to the same multicast group
// (NETLINK_KOBJECT_UEVENT has exactly one) and applies the
// always-watched/tagged-stream split in software, since the kernel
// does not offer two independent uevent streams the way spec.md's
// "two logical streams" framing implies at the protocol layer.
package uevent

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/frobware/devmon/internal/compute"
	"github.com/frobware/devmon/internal/domain"
	"golang.org/x/sys/unix"
)

// TagProperty is the uevent property whose presence marks a device as
// participating in the supervision integration (the monitor's
// GLOSSARY "tag").
const TagProperty = "DEVMON_TAG"

// Source is the real kernel.Source.
type Source struct {
	unfilteredFD int
	taggedFD     int
}

// Open binds two NETLINK_KOBJECT_UEVENT sockets. Both receive every
// kernel uevent; Receive applies the always-watched/tagged split so
// the caller never has to parse a message twice to find out which
// stream it belongs to.
func Open() (*Source, error) {
	unfilteredFD, err := bindUeventSocket()
	if err != nil {
		return nil, fmt.Errorf("uevent: %w", err)
	}
	taggedFD, err := bindUeventSocket()
	if err != nil {
		unix.Close(unfilteredFD)
		return nil, fmt.Errorf("uevent: %w", err)
	}
	return &Source{unfilteredFD: unfilteredFD, taggedFD: taggedFD}, nil
}

func bindUeventSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return -1, err
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func (s *Source) FD() (unfiltered, tagged int) { return s.unfilteredFD, s.taggedFD }

func (s *Source) Close() error {
	err1 := unix.Close(s.unfilteredFD)
	err2 := unix.Close(s.taggedFD)
	if err1 != nil {
		return err1
	}
	return err2
}

// Receive reads one pending datagram from readyFD and decodes it into
// an Event, dropping bind/unbind sub-events per spec.md §4.1. Since a
// single multicast group backs both logical streams, the
// always-watched/tagged split is enforced here in software: the
// unfiltered stream only ever yields always-watched subsystems, and the
// tagged stream only ever yields tagged events for non-always-watched
// subsystems, so no device is ever delivered on both.
func (s *Source) Receive(readyFD int) (domain.Event, error) {
	buf := make([]byte, 8192)
	n, err := unix.Read(readyFD, buf)
	if err != nil {
		return domain.Event{}, fmt.Errorf("uevent: read: %w", err)
	}
	event, ok, err := parseUevent(buf[:n])
	if err != nil {
		return domain.Event{}, err
	}
	if !ok {
		return domain.Event{}, errSkip
	}
	event.Tagged = event.Properties[TagProperty] != ""

	if readyFD == s.unfilteredFD && !compute.IsAlwaysWatched(event.Subsystem) {
		return domain.Event{}, errSkip
	}
	if readyFD == s.taggedFD && (!compute.TaggedStreamAccepts(event.Subsystem) || !event.Tagged) {
		return domain.Event{}, errSkip
	}
	return event, nil
}

// errSkip is a sentinel the event loop treats as "nothing to do this
// read", distinguishing it from a real I/O error.
var errSkip = fmt.Errorf("uevent: event filtered, not an error")

// ErrSkip reports whether err is the uevent package's internal
// "filtered, try the next readiness notification" sentinel.
func ErrSkip(err error) bool { return err == errSkip }

// parseUevent decodes a single NETLINK_KOBJECT_UEVENT datagram. The
// kernel's own format is "ACTION@DEVPATH\x00KEY=VALUE\x00..."; udevd's
// own re-broadcast format prefixes a "libudev" header the monitor does
// not need to understand since it binds its own raw netlink socket
// rather than udevd's control socket.
func parseUevent(buf []byte) (domain.Event, bool, error) {
	parts := bytes.Split(buf, []byte{0})
	if len(parts) == 0 {
		return domain.Event{}, false, nil
	}
	head := string(parts[0])
	at := strings.IndexByte(head, '@')
	if at < 0 {
		return domain.Event{}, false, nil
	}
	action := head[:at]

	var kind domain.EventKind
	switch action {
	case "add":
		kind = domain.EventAdd
	case "change":
		kind = domain.EventChange
	case "remove":
		kind = domain.EventRemove
	default:
		// bind/unbind/move/online/offline and anything else is dropped.
		return domain.Event{}, false, nil
	}

	props := make(map[string]string, len(parts)-1)
	// The header carries the devpath too; a DEVPATH property, when
	// present, takes precedence.
	syspath := head[at+1:]
	var subsystem string
	for _, p := range parts[1:] {
		kv := string(p)
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		props[key] = val
		switch key {
		case "DEVPATH":
			syspath = val
		case "SUBSYSTEM":
			subsystem = val
		}
	}
	if syspath == "" {
		return domain.Event{}, false, nil
	}
	// DEVPATH from the kernel is relative to /sys.
	if !strings.HasPrefix(syspath, "/sys") {
		syspath = filepath.Join("/sys", syspath)
	}

	return domain.Event{
		Kind:       kind,
		SysPath:    syspath,
		Subsystem:  subsystem,
		Properties: props,
	}, true, nil
}

// Enumerate walks /sys/class and /sys/bus for the always-watched
// subsystems, synthesising Add events from each device directory's
// uevent file — the same information a cold-plug "add" event carries,
// read back from sysfs instead of the netlink socket, per spec.md
// §4.1's requirement that the adapter deliver an initial snapshot
// before any presence is published.
func (s *Source) Enumerate() ([]domain.Event, error) {
	var events []domain.Event
	roots := []string{"/sys/class/tty", "/sys/class/net", "/sys/class/block", "/sys/bus/usb/devices"}
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("uevent: enumerate %s: %w", root, err)
		}
		for _, entry := range entries {
			syspath, err := filepath.EvalSymlinks(filepath.Join(root, entry.Name()))
			if err != nil {
				continue
			}
			props, err := readUeventFile(filepath.Join(syspath, "uevent"))
			if err != nil {
				continue
			}
			props["DEVPATH"] = syspath
			if props["SUBSYSTEM"] == "" {
				props["SUBSYSTEM"] = subsystemOf(root)
			}
			events = append(events, domain.Event{
				Kind:       domain.EventAdd,
				SysPath:    syspath,
				Subsystem:  props["SUBSYSTEM"],
				Tagged:     props[TagProperty] != "",
				Properties: props,
			})
		}
	}
	return events, nil
}

func subsystemOf(root string) string {
	switch {
	case strings.Contains(root, "/tty"):
		return "tty"
	case strings.Contains(root, "/net"):
		return "net"
	case strings.Contains(root, "/block"):
		return "block"
	case strings.Contains(root, "/usb"):
		return "usb"
	default:
		return ""
	}
}

func readUeventFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	props := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		props[line[:eq]] = line[eq+1:]
	}
	return props, nil
}
