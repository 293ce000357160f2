package kv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestEncodeDecodeJSON_RoundTrip(t *testing.T) {
	raw, err := EncodeJSON(sample{Name: "eth", Count: 3})
	require.NoError(t, err)

	var got sample
	require.NoError(t, DecodeJSON(raw, &got))
	require.Equal(t, sample{Name: "eth", Count: 3}, got)
}

func TestDecodeJSON_DoubleEncoded(t *testing.T) {
	// Some writers stored documents as a JSON string holding JSON.
	inner, err := EncodeJSON(sample{Name: "usdc", Count: 7})
	require.NoError(t, err)
	outer, err := EncodeJSON(inner)
	require.NoError(t, err)

	var got sample
	require.NoError(t, DecodeJSON(outer, &got))
	require.Equal(t, sample{Name: "usdc", Count: 7}, got)
}

func TestDecodeJSON_Empty(t *testing.T) {
	var got sample
	require.ErrorIs(t, DecodeJSON("", &got), ErrNil)
}

func TestDecodeJSON_Invalid(t *testing.T) {
	var got sample
	require.Error(t, DecodeJSON("{not json", &got))
	// A JSON string whose contents are not JSON is also rejected.
	require.Error(t, DecodeJSON(`"plain text"`, &got))
}
