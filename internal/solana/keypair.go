package solana

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// ErrInvalidKey is returned when a secret key cannot be parsed.
var ErrInvalidKey = errors.New("solana: invalid keypair")

// Keypair holds the wallet signing key. The secret never leaves the process.
type Keypair struct {
	priv ed25519.PrivateKey
	pub  Pubkey
}

// ParseKeypair accepts the formats wallets export: base58 of the 64-byte
// secret key, base58 of a 32-byte seed, or the CLI JSON byte array.
func ParseKeypair(secret string) (*Keypair, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidKey)
	}

	var raw []byte
	if strings.HasPrefix(secret, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(secret), &ints); err != nil {
			return nil, fmt.Errorf("%w: json array: %v", ErrInvalidKey, err)
		}
		raw = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("%w: byte %d out of range", ErrInvalidKey, i)
			}
			raw[i] = byte(v)
		}
	} else {
		decoded, err := base58.Decode(secret)
		if err != nil {
			return nil, fmt.Errorf("%w: base58: %v", ErrInvalidKey, err)
		}
		raw = decoded
	}

	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
		if !priv.Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(raw[ed25519.SeedSize:])) {
			return nil, fmt.Errorf("%w: public half does not match seed", ErrInvalidKey)
		}
	default:
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(raw))
	}

	pub := priv.Public().(ed25519.PublicKey)
	if _, err := new(edwards25519.Point).SetBytes(pub); err != nil {
		return nil, fmt.Errorf("%w: public key not on curve: %v", ErrInvalidKey, err)
	}

	return &Keypair{priv: priv, pub: Pubkey(base58.Encode(pub))}, nil
}

// GenerateKeypair creates a throwaway wallet, used for dry runs without a
// configured key.
func GenerateKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate: %v", ErrInvalidKey, err)
	}
	return ParseKeypair(base58.Encode(priv))
}

// PublicKey returns the base58 wallet address.
func (k *Keypair) PublicKey() Pubkey { return k.pub }

// PublicKeyBytes returns the raw 32-byte public key.
func (k *Keypair) PublicKeyBytes() []byte {
	return []byte(k.priv.Public().(ed25519.PublicKey))
}

// Sign signs msg with the wallet key.
func (k *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// String never prints the secret.
func (k *Keypair) String() string {
	return "Keypair(" + string(k.pub) + ")"
}
