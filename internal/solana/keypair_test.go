package solana

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeypair_Formats(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	want := Pubkey(base58.Encode(pub))

	t.Run("base58 secret", func(t *testing.T) {
		kp, err := ParseKeypair(base58.Encode(priv))
		require.NoError(t, err)
		assert.Equal(t, want, kp.PublicKey())
	})

	t.Run("base58 seed", func(t *testing.T) {
		kp, err := ParseKeypair(base58.Encode(priv.Seed()))
		require.NoError(t, err)
		assert.Equal(t, want, kp.PublicKey())
	})

	t.Run("json array", func(t *testing.T) {
		ints := make([]int, len(priv))
		for i, b := range priv {
			ints[i] = int(b)
		}
		data, err := json.Marshal(ints)
		require.NoError(t, err)

		kp, err := ParseKeypair(string(data))
		require.NoError(t, err)
		assert.Equal(t, want, kp.PublicKey())
	})
}

func TestParseKeypair_Rejects(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	mismatched := append(append([]byte{}, priv.Seed()...), other.Public().(ed25519.PublicKey)...)

	tests := []struct {
		name   string
		secret string
	}{
		{"empty", ""},
		{"not base58", "0OIl"},
		{"wrong length", base58.Encode([]byte{1, 2, 3})},
		{"mismatched halves", base58.Encode(mismatched)},
		{"byte out of range", "[256, 1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKeypair(tt.secret)
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestKeypair_StringHidesSecret(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	kp, err := ParseKeypair(base58.Encode(priv))
	require.NoError(t, err)

	assert.NotContains(t, kp.String(), base58.Encode(priv))
	assert.Contains(t, kp.String(), string(kp.PublicKey()))
}

func TestGenerateKeypair(t *testing.T) {
	a, err := GenerateKeypair()
	require.NoError(t, err)
	b, err := GenerateKeypair()
	require.NoError(t, err)

	assert.NotEqual(t, a.PublicKey(), b.PublicKey())
	sig := a.Sign([]byte("msg"))
	assert.True(t, ed25519.Verify(a.PublicKeyBytes(), []byte("msg"), sig))
}
