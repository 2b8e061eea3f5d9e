package solana

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// ---------------------------------------------------------------------------
// Transaction signing: fill our slot in an unsigned wire transaction
// ---------------------------------------------------------------------------

const (
	signatureLen = 64
	pubkeyLen    = 32
)

var (
	// ErrMalformedTx is returned when the wire bytes cannot be parsed.
	ErrMalformedTx = errors.New("solana: malformed transaction")
	// ErrSignerNotFound is returned when the keypair is not a required signer.
	ErrSignerNotFound = errors.New("solana: keypair is not a required signer")
)

// decodeCompactU16 reads Solana's shortvec length encoding.
func decodeCompactU16(b []byte) (value int, size int, err error) {
	for size < 3 {
		if size >= len(b) {
			return 0, 0, fmt.Errorf("%w: truncated length prefix", ErrMalformedTx)
		}
		elem := int(b[size])
		value |= (elem & 0x7f) << (7 * size)
		size++
		if elem&0x80 == 0 {
			return value, size, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: length prefix too long", ErrMalformedTx)
}

// wireTx is a parsed view over a serialized transaction.
type wireTx struct {
	numSigs     int
	sigOffset   int
	msgOffset   int
	numRequired int
	accountKeys [][]byte
}

func parseWireTx(raw []byte) (*wireTx, error) {
	numSigs, n, err := decodeCompactU16(raw)
	if err != nil {
		return nil, err
	}
	tx := &wireTx{numSigs: numSigs, sigOffset: n}
	tx.msgOffset = n + numSigs*signatureLen
	if tx.msgOffset >= len(raw) {
		return nil, fmt.Errorf("%w: %d signature slots exceed %d bytes", ErrMalformedTx, numSigs, len(raw))
	}

	pos := tx.msgOffset
	if raw[pos]&0x80 != 0 {
		// Versioned message prefix; only v0 exists.
		if version := raw[pos] & 0x7f; version != 0 {
			return nil, fmt.Errorf("%w: unsupported message version %d", ErrMalformedTx, version)
		}
		pos++
	}
	if pos+3 > len(raw) {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformedTx)
	}
	tx.numRequired = int(raw[pos])
	pos += 3

	numKeys, n, err := decodeCompactU16(raw[pos:])
	if err != nil {
		return nil, err
	}
	pos += n
	if pos+numKeys*pubkeyLen > len(raw) {
		return nil, fmt.Errorf("%w: truncated account keys", ErrMalformedTx)
	}
	for i := 0; i < numKeys; i++ {
		tx.accountKeys = append(tx.accountKeys, raw[pos:pos+pubkeyLen])
		pos += pubkeyLen
	}

	if tx.numRequired != tx.numSigs {
		return nil, fmt.Errorf("%w: header wants %d signatures, tx has %d slots", ErrMalformedTx, tx.numRequired, tx.numSigs)
	}
	if tx.numRequired > len(tx.accountKeys) {
		return nil, fmt.Errorf("%w: %d signers but %d keys", ErrMalformedTx, tx.numRequired, len(tx.accountKeys))
	}
	return tx, nil
}

// SignTransaction signs an unsigned wire transaction with kp and returns the
// signed bytes plus the transaction id (the first signature).
func SignTransaction(raw []byte, kp *Keypair) ([]byte, Signature, error) {
	tx, err := parseWireTx(raw)
	if err != nil {
		return nil, "", err
	}

	pub := kp.PublicKeyBytes()
	slot := -1
	for i := 0; i < tx.numRequired; i++ {
		if bytes.Equal(tx.accountKeys[i], pub) {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, "", fmt.Errorf("%w: %s", ErrSignerNotFound, kp.PublicKey())
	}

	signed := make([]byte, len(raw))
	copy(signed, raw)

	sig := kp.Sign(signed[tx.msgOffset:])
	start := tx.sigOffset + slot*signatureLen
	copy(signed[start:start+signatureLen], sig)

	first := signed[tx.sigOffset : tx.sigOffset+signatureLen]
	return signed, Signature(base58.Encode(first)), nil
}
