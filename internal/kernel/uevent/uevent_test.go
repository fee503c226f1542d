package uevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketpairSource returns a Source wired to a connected pair of
// datagram sockets per fd, so a test can write a raw uevent datagram
// into one end and call Receive on the other, exactly as the real
// netlink socket delivers a datagram to Read.
func socketpairSource(t *testing.T) (*Source, [2]int, [2]int) {
	t.Helper()
	unfiltered, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	tagged, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, fd := range unfiltered {
			unix.Close(fd)
		}
		for _, fd := range tagged {
			unix.Close(fd)
		}
	})
	src := &Source{unfilteredFD: unfiltered[0], taggedFD: tagged[0]}
	return src, unfiltered, tagged
}

func sendUevent(t *testing.T, fd int, action, devpath string, props map[string]string) {
	t.Helper()
	msg := action + "@" + devpath + "\x00"
	for k, v := range props {
		msg += k + "=" + v + "\x00"
	}
	_, err := unix.Write(fd, []byte(msg))
	require.NoError(t, err)
}

func TestReceive_UnfilteredAcceptsAlwaysWatchedSubsystem(t *testing.T) {
	src, unfiltered, _ := socketpairSource(t)
	sendUevent(t, unfiltered[1], "add", "/devices/net/eth0", map[string]string{
		"SUBSYSTEM": "net",
	})

	event, err := src.Receive(src.unfilteredFD)
	require.NoError(t, err)
	assert.Equal(t, "net", event.Subsystem)
}

func TestReceive_UnfilteredRejectsNonAlwaysWatchedSubsystem(t *testing.T) {
	src, unfiltered, _ := socketpairSource(t)
	sendUevent(t, unfiltered[1], "add", "/devices/input/event3", map[string]string{
		"SUBSYSTEM": "input",
	})

	_, err := src.Receive(src.unfilteredFD)
	assert.True(t, ErrSkip(err))
}

func TestReceive_TaggedAcceptsTaggedNonAlwaysWatchedSubsystem(t *testing.T) {
	src, _, tagged := socketpairSource(t)
	sendUevent(t, tagged[1], "add", "/devices/input/event3", map[string]string{
		"SUBSYSTEM":  "input",
		"DEVMON_TAG": "1",
	})

	event, err := src.Receive(src.taggedFD)
	require.NoError(t, err)
	assert.Equal(t, "input", event.Subsystem)
	assert.True(t, event.Tagged)
}

func TestReceive_TaggedRejectsUntaggedEvent(t *testing.T) {
	src, _, tagged := socketpairSource(t)
	sendUevent(t, tagged[1], "add", "/devices/input/event3", map[string]string{
		"SUBSYSTEM": "input",
	})

	_, err := src.Receive(src.taggedFD)
	assert.True(t, ErrSkip(err))
}

func TestReceive_TaggedRejectsAlwaysWatchedSubsystemEvenIfTagged(t *testing.T) {
	src, _, tagged := socketpairSource(t)
	sendUevent(t, tagged[1], "add", "/devices/net/eth0", map[string]string{
		"SUBSYSTEM":  "net",
		"DEVMON_TAG": "1",
	})

	_, err := src.Receive(src.taggedFD)
	assert.True(t, ErrSkip(err))
}

func TestReceive_UnfilteredAcceptsAlwaysWatchedSubsystemEvenIfTagged(t *testing.T) {
	src, unfiltered, _ := socketpairSource(t)
	sendUevent(t, unfiltered[1], "add", "/devices/net/eth0", map[string]string{
		"SUBSYSTEM":  "net",
		"DEVMON_TAG": "1",
	})

	event, err := src.Receive(src.unfilteredFD)
	require.NoError(t, err)
	assert.Equal(t, "net", event.Subsystem)
}
