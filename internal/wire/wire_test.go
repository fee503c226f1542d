package wire

import (
	"testing"

	"github.com/frobware/devmon/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshake_WholeFrameInOneRead(t *testing.T) {
	frame, err := EncodeRequest(domain.QueryDev, "/dev/ttyUSB0")
	require.NoError(t, err)

	hs := NewHandshake()
	n, err := hs.Feed(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)
	assert.Equal(t, Established, hs.State())
	assert.Equal(t, domain.QueryDev, hs.Kind())
	assert.Equal(t, "/dev/ttyUSB0", hs.Payload())
}

func TestHandshake_ByteAtATime(t *testing.T) {
	frame, err := EncodeRequest(domain.QueryUSB, "046d:c52b")
	require.NoError(t, err)

	hs := NewHandshake()
	for i, b := range frame {
		_, err := hs.Feed([]byte{b})
		require.NoError(t, err, "byte %d", i)
	}
	assert.Equal(t, Established, hs.State())
	assert.Equal(t, domain.QueryUSB, hs.Kind())
	assert.Equal(t, "046d:c52b", hs.Payload())
}

func TestHandshake_BadMagic(t *testing.T) {
	frame, err := EncodeRequest(domain.QueryDev, "/dev/null")
	require.NoError(t, err)
	frame[0] = 0xEE

	hs := NewHandshake()
	_, err = hs.Feed(frame)
	assert.Error(t, err)
	assert.Equal(t, Rejected, hs.State())
}

func TestHandshake_UnknownKind(t *testing.T) {
	hs := NewHandshake()
	header := [8]byte{Magic, 'x', 'y', 'z', 0, 0, 0, 0}
	_, err := hs.Feed(header[:])
	assert.Error(t, err)
	assert.Equal(t, Rejected, hs.State())
}

func TestHandshake_NonZeroSeparator(t *testing.T) {
	hs := NewHandshake()
	header := [8]byte{Magic, 'd', 'e', 'v', 0, 0, 0, 1}
	_, err := hs.Feed(header[:])
	assert.Error(t, err)
	assert.Equal(t, Rejected, hs.State())
}

func TestHandshake_ZeroLength(t *testing.T) {
	hs := NewHandshake()
	header := [8]byte{Magic, 'd', 'e', 'v', 0, 0, 0, 0}
	_, err := hs.Feed(header[:])
	require.NoError(t, err)
	_, err = hs.Feed([]byte{0, 0})
	assert.Error(t, err)
	assert.Equal(t, Rejected, hs.State())
}

func TestHandshake_ExtraDataAfterPayload(t *testing.T) {
	frame, err := EncodeRequest(domain.QueryDev, "/dev/null")
	require.NoError(t, err)
	frame = append(frame, 'x')

	hs := NewHandshake()
	_, err = hs.Feed(frame)
	assert.Error(t, err)
	assert.Equal(t, Rejected, hs.State())
}

func TestEncodeRequest_RejectsUnknownKind(t *testing.T) {
	_, err := EncodeRequest("bogus", "x")
	assert.Error(t, err)
}
