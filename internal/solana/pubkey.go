// Package solana provides the ledger primitives rentreclaim needs on top of
// solana-go: program addresses, the operator keypair, SPL token account
// decoding, close_account transactions, and a rate-limited JSON-RPC client.
package solana

import (
	"fmt"

	sol "github.com/gagliardetto/solana-go"
)

// PublicKeyLength is the size of an ed25519 public key.
const PublicKeyLength = 32

// PublicKey is a 32-byte account address.
type PublicKey = sol.PublicKey

// Well-known program addresses.
var (
	SystemProgramID          = MustPublicKey("11111111111111111111111111111111")
	TokenProgramID           = MustPublicKey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	Token2022ProgramID       = MustPublicKey("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
	AssociatedTokenProgramID = MustPublicKey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
)

// ParsePublicKey decodes a base58 address.
func ParsePublicKey(s string) (PublicKey, error) {
	pk, err := sol.PublicKeyFromBase58(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("decode %q: %w", s, err)
	}
	return pk, nil
}

// MustPublicKey is ParsePublicKey for constants.
func MustPublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// PublicKeyFromBytes copies b into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != PublicKeyLength {
		return PublicKey{}, fmt.Errorf("expected %d bytes, got %d", PublicKeyLength, len(b))
	}
	return sol.PublicKeyFromBytes(b), nil
}

// IsTokenProgram reports whether pk is one of the SPL token programs.
func IsTokenProgram(pk PublicKey) bool {
	return pk == TokenProgramID || pk == Token2022ProgramID
}
