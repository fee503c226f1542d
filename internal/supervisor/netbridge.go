package supervisor

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Wire opcodes for the bridge's hand-authored request/response framing.
// This is not the subscriber protocol from spec.md §4.3 — it is this
// implementation's choice of how to speak to an assumed supervisor
// connection that may be an inherited fd rather than something a
// generated RPC stub could dial (see SPEC_FULL.md's Domain Stack
// section for why this isn't gRPC).
const (
	opLoadService byte = iota + 1
	opAddDependency
	opRemoveDependency
	opWakeService
	opCloseHandle
	opEvent // server-initiated: a service's state changed
)

const (
	statusOK byte = iota
	statusNotFound
	statusError
)

type pendingCall struct {
	onLoad  func(Handle, error)
	onPlain func(error)
}

// NetBridge speaks the bridge's framed protocol over a raw,
// non-blocking Unix socket fd — either dialed fresh or inherited from
// the environment per spec.md §6.
type NetBridge struct {
	fd int

	writeBuf []byte
	readBuf  []byte

	nextReqID uint32
	pending   map[uint32]pendingCall

	eventCB EventCallback
	err     error
}

// NewNetBridge wraps an already-connected, non-blocking fd.
func NewNetBridge(fd int) *NetBridge {
	return &NetBridge{fd: fd, pending: make(map[uint32]pendingCall)}
}

func (b *NetBridge) FD() int { return b.fd }

func (b *NetBridge) QueueEmpty() bool {
	return len(b.writeBuf) == 0 && len(b.pending) == 0
}

func (b *NetBridge) Err() error { return b.err }

func (b *NetBridge) Abort(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *NetBridge) Close() error {
	if b.fd < 0 {
		return nil
	}
	fd := b.fd
	b.fd = -1
	return unix.Close(fd)
}

func (b *NetBridge) SetEventCallback(cb EventCallback) { b.eventCB = cb }

func (b *NetBridge) LoadService(name string, reload bool, done func(Handle, error)) {
	id := b.enqueue(pendingCall{onLoad: done})
	payload := make([]byte, 1+len(name))
	if reload {
		payload[0] = 1
	}
	copy(payload[1:], name)
	b.enqueueFrame(opLoadService, id, payload)
}

func (b *NetBridge) AddDependency(from, to Handle, enable bool, done func(error)) {
	id := b.enqueue(pendingCall{onPlain: done})
	payload := make([]byte, 17)
	binary.BigEndian.PutUint64(payload[0:8], uint64(from))
	binary.BigEndian.PutUint64(payload[8:16], uint64(to))
	if enable {
		payload[16] = 1
	}
	b.enqueueFrame(opAddDependency, id, payload)
}

func (b *NetBridge) RemoveDependency(from, to Handle, done func(error)) {
	id := b.enqueue(pendingCall{onPlain: done})
	payload := make([]byte, 16)
	binary.BigEndian.PutUint64(payload[0:8], uint64(from))
	binary.BigEndian.PutUint64(payload[8:16], uint64(to))
	b.enqueueFrame(opRemoveDependency, id, payload)
}

func (b *NetBridge) WakeService(h Handle, done func(error)) {
	id := b.enqueue(pendingCall{onPlain: done})
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, uint64(h))
	b.enqueueFrame(opWakeService, id, payload)
}

func (b *NetBridge) CloseHandle(h Handle, done func(error)) {
	id := b.enqueue(pendingCall{onPlain: done})
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, uint64(h))
	b.enqueueFrame(opCloseHandle, id, payload)
}

func (b *NetBridge) enqueue(call pendingCall) uint32 {
	b.nextReqID++
	id := b.nextReqID
	b.pending[id] = call
	return id
}

func (b *NetBridge) enqueueFrame(op byte, id uint32, payload []byte) {
	header := make([]byte, 1+4+4)
	header[0] = op
	binary.BigEndian.PutUint32(header[1:5], id)
	binary.BigEndian.PutUint32(header[5:9], uint32(len(payload)))
	b.writeBuf = append(b.writeBuf, header...)
	b.writeBuf = append(b.writeBuf, payload...)
}

// Dispatch flushes any queued writes and processes any complete
// response frames already read or newly available, polling fd for up
// to timeout. It must be called unconditionally every event-loop
// iteration per spec.md §4.5 step 5.
func (b *NetBridge) Dispatch(timeout time.Duration) (int, error) {
	if b.fd < 0 {
		return 0, fmt.Errorf("supervisor: bridge closed")
	}

	events := int16(unix.POLLIN)
	if len(b.writeBuf) > 0 {
		events |= unix.POLLOUT
	}
	fds := []unix.PollFd{{Fd: int32(b.fd), Events: events}}
	ms := int(timeout / time.Millisecond)
	n, err := unix.Poll(fds, ms)
	if err != nil && err != unix.EINTR {
		return 0, fmt.Errorf("supervisor: poll: %w", err)
	}
	if n <= 0 {
		return 0, nil
	}

	if fds[0].Revents&unix.POLLOUT != 0 && len(b.writeBuf) > 0 {
		if err := b.flush(); err != nil {
			return 0, err
		}
	}

	completions := 0
	if fds[0].Revents&unix.POLLIN != 0 {
		completions, err = b.readFrames()
		if err != nil {
			return completions, err
		}
	}
	return completions, nil
}

func (b *NetBridge) flush() error {
	for len(b.writeBuf) > 0 {
		n, err := unix.Write(b.fd, b.writeBuf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return fmt.Errorf("supervisor: write: %w", err)
		}
		b.writeBuf = b.writeBuf[n:]
	}
	return nil
}

func (b *NetBridge) readFrames() (int, error) {
	buf := make([]byte, 4096)
	n, err := unix.Read(b.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, fmt.Errorf("supervisor: read: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("supervisor: connection closed by peer")
	}
	b.readBuf = append(b.readBuf, buf[:n]...)

	completions := 0
	for {
		const frameHeaderLen = 1 + 4 + 1 + 4
		if len(b.readBuf) < frameHeaderLen {
			break
		}
		op := b.readBuf[0]
		id := binary.BigEndian.Uint32(b.readBuf[1:5])
		status := b.readBuf[5]
		plen := binary.BigEndian.Uint32(b.readBuf[6:10])
		if len(b.readBuf) < frameHeaderLen+int(plen) {
			break
		}
		payload := b.readBuf[frameHeaderLen : frameHeaderLen+int(plen)]
		b.readBuf = b.readBuf[frameHeaderLen+int(plen):]

		b.handleFrame(op, id, status, payload)
		completions++
	}
	return completions, nil
}

func (b *NetBridge) handleFrame(op byte, id uint32, status byte, payload []byte) {
	if op == opEvent {
		if len(payload) >= 9 && b.eventCB != nil {
			h := Handle(binary.BigEndian.Uint64(payload[0:8]))
			state := ServiceState(payload[8])
			b.eventCB(h, state)
		}
		return
	}

	call, ok := b.pending[id]
	if !ok {
		return
	}
	delete(b.pending, id)

	var callErr error
	switch status {
	case statusOK:
	case statusNotFound:
		callErr = ErrServiceNotFound
	default:
		callErr = fmt.Errorf("supervisor: request %d failed", id)
	}

	switch op {
	case opLoadService:
		var h Handle
		if callErr == nil && len(payload) >= 8 {
			h = Handle(binary.BigEndian.Uint64(payload))
		}
		if call.onLoad != nil {
			call.onLoad(h, callErr)
		}
	default:
		if call.onPlain != nil {
			call.onPlain(callErr)
		}
	}
}
