package wire

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// SocketBufferSize is the deliberately small SO_RCVBUF/SO_SNDBUF value
// applied to the listener and every accepted connection, per spec.md
// §5's note that subscriber traffic is single-byte deltas.
const SocketBufferSize = 2048

// NewListener creates, binds, and listens on a non-blocking Unix
// stream socket at path with mode 0700, matching sock_new in the
// original devmon and spec.md §6's control-socket contract. Any
// existing inode at path is unlinked first.
func NewListener(path string) (fd int, err error) {
	fd, err = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("wire: socket: %w", err)
	}

	if err := setBufSizes(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}

	_ = os.Remove(path)

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("wire: bind %s: %w", path, err)
	}

	if err := os.Chmod(path, 0o700); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("wire: chmod %s: %w", path, err)
	}

	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("wire: listen %s: %w", path, err)
	}

	return fd, nil
}

// AcceptAll accepts every pending connection on listenFD nonblockingly,
// stopping at EAGAIN, per spec.md §4.5 step 3.
func AcceptAll(listenFD int, onAccept func(connFD int)) error {
	for {
		connFD, _, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return fmt.Errorf("wire: accept4: %w", err)
		}
		if err := setBufSizes(connFD); err != nil {
			unix.Close(connFD)
			continue
		}
		onAccept(connFD)
	}
}

func setBufSizes(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, SocketBufferSize); err != nil {
		return fmt.Errorf("wire: setsockopt SO_RCVBUF: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, SocketBufferSize); err != nil {
		return fmt.Errorf("wire: setsockopt SO_SNDBUF: %w", err)
	}
	return nil
}

// Dial connects to a Unix stream socket at path, returning a
// non-blocking fd. Used by the supervisor bridge when no inherited fd
// is supplied.
func Dial(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("wire: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Connect(fd, addr); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("wire: connect %s: %w", path, err)
	}
	return fd, nil
}
