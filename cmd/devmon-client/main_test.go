package main

import (
	"testing"

	"github.com/frobware/devmon/internal/domain"
	"github.com/frobware/devmon/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStep_AbsentBeforeSignalledKeepsWaiting(t *testing.T) {
	signalled, act, err := step(wire.Absent, false)
	require.NoError(t, err)
	assert.False(t, signalled)
	assert.Equal(t, actionNone, act)
}

func TestStep_PresentSignalsOnce(t *testing.T) {
	signalled, act, err := step(wire.Present, false)
	require.NoError(t, err)
	assert.True(t, signalled)
	assert.Equal(t, actionSignal, act)
}

func TestStep_PresentAgainAfterSignalledIsANoOp(t *testing.T) {
	signalled, act, err := step(wire.Present, true)
	require.NoError(t, err)
	assert.True(t, signalled)
	assert.Equal(t, actionNone, act)
}

func TestStep_AbsentAfterSignalledExits(t *testing.T) {
	signalled, act, err := step(wire.Absent, true)
	require.NoError(t, err)
	assert.True(t, signalled)
	assert.Equal(t, actionExit, act)
}

func TestStep_UnexpectedByteIsAnError(t *testing.T) {
	_, _, err := step(0x42, false)
	assert.Error(t, err)
}

func TestParseDescriptor(t *testing.T) {
	cases := []struct {
		arg       string
		wantKind  domain.QueryKind
		wantQuery string
	}{
		{"/dev/ttyUSB0", domain.QueryDev, "/dev/ttyUSB0"},
		{"/sys/class/tty/ttyUSB0", domain.QuerySys, "/sys/class/tty/ttyUSB0"},
		{"netif:eth0", domain.QueryNetif, "eth0"},
		{"mac:aa:bb:cc:dd:ee:ff", domain.QueryMAC, "aa:bb:cc:dd:ee:ff"},
		{"usb:046d:c52b", domain.QueryUSB, "046d:c52b"},
		{"LABEL=boot", domain.QueryDev, "/dev/disk/by-label/boot"},
		{"UUID=1234-ABCD", domain.QueryDev, "/dev/disk/by-uuid/1234-ABCD"},
	}
	for _, tc := range cases {
		kind, query, err := parseDescriptor(tc.arg)
		require.NoError(t, err, tc.arg)
		assert.Equal(t, tc.wantKind, kind, tc.arg)
		assert.Equal(t, tc.wantQuery, query, tc.arg)
	}
}

func TestParseDescriptor_RejectsUnrecognised(t *testing.T) {
	_, _, err := parseDescriptor("bogus")
	assert.Error(t, err)
}
