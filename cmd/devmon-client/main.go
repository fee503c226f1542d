// Command devmon-client waits for a single device to become available,
// signals readiness on a caller-supplied file descriptor, then blocks
// until the device disappears.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/frobware/devmon/internal/config"
	"github.com/frobware/devmon/internal/domain"
	"github.com/frobware/devmon/internal/wire"
	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
)

// interactive reports whether stderr is a terminal. Diagnostics are
// coloured only then; under a supervisor the journal captures stderr,
// and colour codes would just be noise in a log file.
var interactive = isatty.IsTerminal(os.Stderr.Fd())

const (
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
	ansiReset  = "\x1b[0m"
)

// diagf writes a diagnostic line to stderr, coloured when stderr is a
// terminal.
func diagf(colour, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if interactive {
		fmt.Fprintf(os.Stderr, "%s%s%s\n", colour, msg, ansiReset)
		return
	}
	fmt.Fprintln(os.Stderr, msg)
}

const retryDelay = 250 * time.Millisecond

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <device-descriptor> <readiness-fd>\n", os.Args[0])
		os.Exit(2)
	}

	kind, payload, err := parseDescriptor(os.Args[1])
	if err != nil {
		diagf(ansiRed, "devmon-client: %v", err)
		os.Exit(1)
	}

	readyFD, err := strconv.Atoi(os.Args[2])
	if err != nil {
		diagf(ansiRed, "devmon-client: invalid readiness fd %q: %v", os.Args[2], err)
		os.Exit(1)
	}

	fd, err := dialWithRetry(config.ControlSocketPath)
	if err != nil {
		diagf(ansiRed, "devmon-client: connect: %v", err)
		os.Exit(1)
	}
	defer unix.Close(fd)

	req, err := wire.EncodeRequest(kind, payload)
	if err != nil {
		diagf(ansiRed, "devmon-client: %v", err)
		os.Exit(1)
	}
	if err := writeAll(fd, req); err != nil {
		diagf(ansiRed, "devmon-client: handshake write: %v", err)
		os.Exit(1)
	}

	signalled := false
	buf := make([]byte, 1)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			diagf(ansiRed, "devmon-client: read: %v", err)
			os.Exit(1)
		}
		if n == 0 {
			diagf(ansiRed, "devmon-client: server closed connection")
			os.Exit(1)
		}

		next, action, err := step(buf[0], signalled)
		if err != nil {
			diagf(ansiRed, "devmon-client: %v", err)
			os.Exit(1)
		}
		signalled = next

		switch action {
		case actionSignal:
			if err := signalReady(readyFD); err != nil {
				diagf(ansiRed, "devmon-client: readiness signal: %v", err)
				os.Exit(1)
			}
		case actionExit:
			os.Exit(0)
		}
	}
}

// action is what the main loop should do in response to one response
// byte, as decided by step.
type action int

const (
	actionNone action = iota
	actionSignal
	actionExit
)

// step decides the next action for one response byte, given whether
// readiness has already been signalled. A device flips present and
// absent independently of the client's own state; an absent byte only
// means "gone" once presence has already been signalled once — before
// that it means "not present yet", so the client keeps waiting rather
// than treating it as the device's disappearance. Returns the byte's
// unrecognised-value error, if any.
func step(b byte, signalled bool) (nextSignalled bool, act action, err error) {
	switch b {
	case wire.Present:
		if signalled {
			return true, actionNone, nil
		}
		return true, actionSignal, nil
	case wire.Absent:
		if signalled {
			return signalled, actionExit, nil
		}
		return signalled, actionNone, nil
	default:
		return signalled, actionNone, fmt.Errorf("unexpected response byte 0x%02x", b)
	}
}

// parseDescriptor implements the device-descriptor grammar spec.md
// §4.6 defines.
func parseDescriptor(arg string) (domain.QueryKind, string, error) {
	switch {
	case strings.HasPrefix(arg, "/dev/"):
		return domain.QueryDev, arg, nil
	case strings.HasPrefix(arg, "/sys/"):
		return domain.QuerySys, arg, nil
	case strings.HasPrefix(arg, "netif:"):
		return domain.QueryNetif, strings.TrimPrefix(arg, "netif:"), nil
	case strings.HasPrefix(arg, "mac:"):
		return domain.QueryMAC, strings.TrimPrefix(arg, "mac:"), nil
	case strings.HasPrefix(arg, "usb:"):
		return domain.QueryUSB, strings.TrimPrefix(arg, "usb:"), nil
	}

	for _, tag := range []string{"LABEL", "UUID", "PARTLABEL", "PARTUUID", "ID"} {
		prefix := tag + "="
		if strings.HasPrefix(arg, prefix) {
			value := strings.TrimPrefix(arg, prefix)
			path := fmt.Sprintf("/dev/disk/by-%s/%s", strings.ToLower(tag), value)
			return domain.QueryDev, path, nil
		}
	}

	return "", "", fmt.Errorf("unrecognised device descriptor %q", arg)
}

// dialWithRetry connects to path, retrying every retryDelay on the
// transient errors spec.md §4.6 names, and failing hard on anything
// else.
func dialWithRetry(path string) (int, error) {
	attempt := 0
	for {
		fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			return -1, err
		}
		addr := &unix.SockaddrUnix{Name: path}
		err = unix.Connect(fd, addr)
		if err == nil {
			return fd, nil
		}
		unix.Close(fd)

		switch err {
		case unix.ENOENT, unix.ENOTDIR, unix.ECONNREFUSED, unix.EINTR:
			attempt++
			if attempt == 1 {
				diagf(ansiYellow, "devmon-client: waiting for %s...", path)
			}
			time.Sleep(retryDelay)
			continue
		default:
			return -1, err
		}
	}
}

func writeAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func signalReady(fd int) error {
	f := os.NewFile(uintptr(fd), "readiness")
	if f == nil {
		return fmt.Errorf("invalid readiness fd %d", fd)
	}
	defer f.Close()
	_, err := f.WriteString("READY=1\n")
	return err
}
