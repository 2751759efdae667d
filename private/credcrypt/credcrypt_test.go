// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

package credcrypt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	sealed, err := key.Seal([]byte(`{"accessKey":"AKIA","secretKey":"shh"}`))
	require.NoError(t, err)

	plaintext, err := key.Open(sealed)
	require.NoError(t, err)
	require.JSONEq(t, `{"accessKey":"AKIA","secretKey":"shh"}`, string(plaintext))

	// distinct nonces per seal
	sealed2, err := key.Seal([]byte(`{"accessKey":"AKIA","secretKey":"shh"}`))
	require.NoError(t, err)
	require.NotEqual(t, sealed, sealed2)
}

func TestOpenRejectsTampering(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	sealed, err := key.Seal([]byte("secret"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = key.Open(sealed)
	require.Error(t, err)

	_, err = key.Open([]byte("short"))
	require.Error(t, err)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	other, err := NewKey()
	require.NoError(t, err)

	sealed, err := key.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = other.Open(sealed)
	require.Error(t, err)
}

func TestKeyFromHex(t *testing.T) {
	_, err := KeyFromHex("zz")
	require.Error(t, err)

	_, err = KeyFromHex("abcd")
	require.Error(t, err)

	key, err := KeyFromHex("000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)
	require.NotNil(t, key)
}
