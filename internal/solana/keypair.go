package solana

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	sol "github.com/gagliardetto/solana-go"
)

// Keypair is the operator signing capability.
type Keypair struct {
	private sol.PrivateKey
}

// NewKeypair generates a random keypair.
func NewKeypair() (*Keypair, error) {
	priv, err := sol.NewRandomPrivateKey()
	if err != nil {
		return nil, err
	}
	return &Keypair{private: priv}, nil
}

// KeypairFromSecret builds a keypair from a 64-byte secret (seed || public).
func KeypairFromSecret(secret []byte) (*Keypair, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(secret))
	}
	derived := ed25519.NewKeyFromSeed(secret[:ed25519.SeedSize])
	if !bytes.Equal(derived[ed25519.SeedSize:], secret[ed25519.SeedSize:]) {
		return nil, fmt.Errorf("secret key public half does not match its seed")
	}
	return &Keypair{private: sol.PrivateKey(append([]byte(nil), secret...))}, nil
}

// LoadKeypair reads a keypair file. Both the solana-keygen JSON byte array
// and a single base58 secret string are accepted.
func LoadKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keypair: %w", err)
	}
	text := strings.TrimSpace(string(data))

	if strings.HasPrefix(text, "[") {
		priv, err := sol.PrivateKeyFromSolanaKeygenFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to parse keypair file: %w", err)
		}
		return KeypairFromSecret(priv)
	}

	priv, err := sol.PrivateKeyFromBase58(text)
	if err != nil {
		return nil, fmt.Errorf("failed to decode keypair: %w", err)
	}
	return KeypairFromSecret(priv)
}

// Save writes the keypair in solana-keygen JSON format.
func (k *Keypair) Save(path string) error {
	ints := make([]int, len(k.private))
	for i, b := range k.private {
		ints[i] = int(b)
	}
	data, err := json.Marshal(ints)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// PublicKey returns the address of the keypair.
func (k *Keypair) PublicKey() PublicKey {
	return k.private.PublicKey()
}

// Sign signs message bytes.
func (k *Keypair) Sign(message []byte) (Signature, error) {
	return k.private.Sign(message)
}

// privateKeyFor is the key getter solana-go uses when signing a message.
func (k *Keypair) privateKeyFor(pk PublicKey) *sol.PrivateKey {
	if pk == k.PublicKey() {
		return &k.private
	}
	return nil
}

// SignatureLength is the size of an ed25519 signature.
const SignatureLength = 64

// Signature is a transaction signature.
type Signature = sol.Signature

// ParseSignature decodes a base58 transaction signature.
func ParseSignature(str string) (Signature, error) {
	return sol.SignatureFromBase58(str)
}

// Verify checks sig over message for the given key.
func Verify(pk PublicKey, message []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), message, sig[:])
}
