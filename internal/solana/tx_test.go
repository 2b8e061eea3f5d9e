package solana

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeypair(t *testing.T) *Keypair {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	kp, err := ParseKeypair(base58.Encode(priv))
	require.NoError(t, err)
	return kp
}

// buildUnsignedTx assembles a minimal wire transaction with one signer slot.
func buildUnsignedTx(signer []byte, versioned bool) (raw []byte, message []byte) {
	msg := []byte{}
	if versioned {
		msg = append(msg, 0x80)
	}
	msg = append(msg, 1, 0, 1) // header
	msg = append(msg, 2)       // two account keys
	msg = append(msg, signer...)
	msg = append(msg, make([]byte, 32)...) // program id
	msg = append(msg, make([]byte, 32)...) // recent blockhash
	msg = append(msg, 0)                   // no instructions
	if versioned {
		msg = append(msg, 0) // no address table lookups
	}

	raw = append([]byte{1}, make([]byte, 64)...)
	raw = append(raw, msg...)
	return raw, msg
}

func TestSignTransaction_Legacy(t *testing.T) {
	kp := newTestKeypair(t)
	raw, msg := buildUnsignedTx(kp.PublicKeyBytes(), false)

	signed, sig, err := SignTransaction(raw, kp)
	require.NoError(t, err)
	assert.Len(t, signed, len(raw))

	slot := signed[1:65]
	assert.True(t, ed25519.Verify(kp.PublicKeyBytes(), msg, slot))
	assert.Equal(t, Signature(base58.Encode(slot)), sig)

	// Input untouched.
	assert.Equal(t, make([]byte, 64), raw[1:65])
}

func TestSignTransaction_Versioned(t *testing.T) {
	kp := newTestKeypair(t)
	raw, msg := buildUnsignedTx(kp.PublicKeyBytes(), true)

	signed, _, err := SignTransaction(raw, kp)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(kp.PublicKeyBytes(), msg, signed[1:65]))
}

func TestSignTransaction_SignerNotFound(t *testing.T) {
	kp := newTestKeypair(t)
	other := newTestKeypair(t)
	raw, _ := buildUnsignedTx(other.PublicKeyBytes(), false)

	_, _, err := SignTransaction(raw, kp)
	assert.ErrorIs(t, err, ErrSignerNotFound)
}

func TestSignTransaction_Malformed(t *testing.T) {
	kp := newTestKeypair(t)

	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"slots exceed length", []byte{2, 0, 0}},
		{"truncated header", append([]byte{1}, make([]byte, 65)...)},
		{"unsupported version", append(append([]byte{1}, make([]byte, 64)...), 0x81, 1, 0, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := SignTransaction(tt.raw, kp)
			assert.ErrorIs(t, err, ErrMalformedTx)
		})
	}
}

func TestDecodeCompactU16(t *testing.T) {
	v, n, err := decodeCompactU16([]byte{0x05})
	require.NoError(t, err)
	assert.Equal(t, 5, v)
	assert.Equal(t, 1, n)

	v, n, err = decodeCompactU16([]byte{0x80, 0x01})
	require.NoError(t, err)
	assert.Equal(t, 128, v)
	assert.Equal(t, 2, n)

	_, _, err = decodeCompactU16([]byte{0x80})
	assert.Error(t, err)
}
