package solana

import (
	"github.com/shopspring/decimal"
)

// Pubkey is a Solana public key (base58 string).
type Pubkey string

// Signature is a Solana transaction signature (base58 string).
type Signature string

// Short returns a log-friendly prefix of the signature.
func (s Signature) Short() string {
	if len(s) > 12 {
		return string(s[:12])
	}
	return string(s)
}

// Commitment is an RPC commitment level.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// Satisfies reports whether an observed confirmation status meets the
// requested commitment level.
func (c Commitment) Satisfies(status TxStatus) bool {
	rank := func(s string) int {
		switch s {
		case "processed":
			return 1
		case "confirmed":
			return 2
		case "finalized":
			return 3
		}
		return 0
	}
	have := rank(string(status))
	return have > 0 && have >= rank(string(c))
}

// TxStatus is the confirmation state of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxProcessed TxStatus = "processed"
	TxConfirmed TxStatus = "confirmed"
	TxFinalized TxStatus = "finalized"
	TxFailed    TxStatus = "failed"
)

// SendOptions controls sendTransaction behaviour.
type SendOptions struct {
	SkipPreflight       bool       `json:"skipPreflight"`
	PreflightCommitment Commitment `json:"preflightCommitment,omitempty"`
	MaxRetries          int        `json:"maxRetries,omitempty"`
}

// BalanceChange is what a confirmed transaction did to one wallet: the
// lamport delta converted to SOL, and the token delta for one mint.
type BalanceChange struct {
	SOLDelta   decimal.Decimal `json:"sol_delta"`
	TokenDelta decimal.Decimal `json:"token_delta"`
	FeeSOL     decimal.Decimal `json:"fee_sol"`
}

// LamportsPerSOL is the lamport denomination of one SOL.
const LamportsPerSOL = 1_000_000_000

// LamportsToSOL converts a lamport amount to SOL.
func LamportsToSOL(lamports int64) decimal.Decimal {
	return decimal.NewFromInt(lamports).Div(decimal.NewFromInt(LamportsPerSOL))
}

// SOLMint is the wrapped SOL mint.
const SOLMint Pubkey = "So11111111111111111111111111111111111111112"
