package compute

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAlwaysWatched(t *testing.T) {
	assert.True(t, IsAlwaysWatched("block"))
	assert.True(t, IsAlwaysWatched("net"))
	assert.True(t, IsAlwaysWatched("tty"))
	assert.True(t, IsAlwaysWatched("usb"))
	assert.False(t, IsAlwaysWatched("platform"))
}

func TestTaggedStreamAccepts(t *testing.T) {
	assert.False(t, TaggedStreamAccepts("net"))
	assert.True(t, TaggedStreamAccepts("platform"))
}

func TestParseWaitsFor(t *testing.T) {
	got := ParseWaitsFor("  a  b   c ")
	assert.Equal(t, map[string]struct{}{"a": {}, "b": {}, "c": {}}, got)

	assert.Empty(t, ParseWaitsFor(""))
	assert.Empty(t, ParseWaitsFor("   "))
}

func TestDiffDeps(t *testing.T) {
	current := map[string]struct{}{"a": {}, "b": {}}
	next := map[string]struct{}{"b": {}, "c": {}}

	diff := DiffDeps(current, next)

	assert.ElementsMatch(t, []string{"c"}, diff.Add)
	assert.ElementsMatch(t, []string{"a"}, diff.Remove)
}

func TestDiffDeps_NoChange(t *testing.T) {
	same := map[string]struct{}{"a": {}}
	diff := DiffDeps(same, same)
	assert.Empty(t, diff.Add)
	assert.Empty(t, diff.Remove)
}

func TestUSBKey(t *testing.T) {
	assert.Equal(t, "046d:c52b", USBKey("046D", "C52B"))
}
