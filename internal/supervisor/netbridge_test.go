package supervisor

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestNetBridge_LoadServiceSuccess(t *testing.T) {
	client, server := socketpair(t)
	bridge := NewNetBridge(client)

	var gotHandle Handle
	var gotErr error
	bridge.LoadService("system", false, func(h Handle, err error) {
		gotHandle = h
		gotErr = err
	})

	_, err := bridge.Dispatch(100 * time.Millisecond)
	require.NoError(t, err)

	// Read the request the server side received and reply with a handle.
	req := make([]byte, 256)
	n, err := unix.Read(server, req)
	require.NoError(t, err)
	require.Equal(t, opLoadService, req[0])
	id := binary.BigEndian.Uint32(req[1:5])

	resp := make([]byte, 10+8)
	resp[0] = opLoadService
	binary.BigEndian.PutUint32(resp[1:5], id)
	resp[5] = statusOK
	binary.BigEndian.PutUint32(resp[6:10], 8)
	binary.BigEndian.PutUint64(resp[10:18], 42)
	_, err = unix.Write(server, resp[:18])
	require.NoError(t, err)
	_ = n

	_, err = bridge.Dispatch(100 * time.Millisecond)
	require.NoError(t, err)

	assert.NoError(t, gotErr)
	assert.Equal(t, Handle(42), gotHandle)
}

func TestNetBridge_LoadServiceNotFound(t *testing.T) {
	client, server := socketpair(t)
	bridge := NewNetBridge(client)

	var gotErr error
	bridge.LoadService("missing", false, func(h Handle, err error) {
		gotErr = err
	})
	_, err := bridge.Dispatch(100 * time.Millisecond)
	require.NoError(t, err)

	req := make([]byte, 256)
	_, err = unix.Read(server, req)
	require.NoError(t, err)
	id := binary.BigEndian.Uint32(req[1:5])

	resp := make([]byte, 10)
	resp[0] = opLoadService
	binary.BigEndian.PutUint32(resp[1:5], id)
	resp[5] = statusNotFound
	_, err = unix.Write(server, resp)
	require.NoError(t, err)

	_, err = bridge.Dispatch(100 * time.Millisecond)
	require.NoError(t, err)

	assert.ErrorIs(t, gotErr, ErrServiceNotFound)
}
