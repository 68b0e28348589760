package api

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDataString_MissingKey(t *testing.T) {
	require.Equal(t, "", dataString(map[string]any{"a": "b"}, "content"))
}

func TestDataString_NilMap(t *testing.T) {
	require.Equal(t, "", dataString(nil, "content"))
}

func TestDataString_WrongType(t *testing.T) {
	require.Equal(t, "", dataString(map[string]any{"content": 5}, "content"))
}

func TestDataString_Present(t *testing.T) {
	require.Equal(t, "hello", dataString(map[string]any{"content": "hello"}, "content"))
}
