package idgen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUint32(t *testing.T) {
	u := Uint32{}
	require.Equal(t, uint32(1), u.Next())
	require.Equal(t, uint32(2), u.Next())

	// Wrap around, skipping zero
	u.next.Store(0xffffffff - 1)
	require.Equal(t, uint32(0xffffffff), u.Next())
	require.Equal(t, uint32(1), u.Next())
}

func TestTrackIDs(t *testing.T) {
	ids := NewTrackIDs("local-")
	require.Equal(t, "local-1", ids.Next())
	require.Equal(t, "local-2", ids.Next())
}
