package pullfed

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitFullHandle(t *testing.T) {
	local, domain, ok := SplitFullHandle("alice@node-b.example")
	require.True(t, ok)
	require.Equal(t, "alice", local)
	require.Equal(t, "node-b.example", domain)
}

func TestSplitFullHandle_RejectsBareHandle(t *testing.T) {
	_, _, ok := SplitFullHandle("alice")
	require.False(t, ok)
}

func TestSplitFullHandle_RejectsTrailingAt(t *testing.T) {
	_, _, ok := SplitFullHandle("alice@")
	require.False(t, ok)
}

func TestSplitFullHandle_UsesLastAt(t *testing.T) {
	local, domain, ok := SplitFullHandle("weird@name@node-b.example")
	require.True(t, ok)
	require.Equal(t, "weird@name", local)
	require.Equal(t, "node-b.example", domain)
}
