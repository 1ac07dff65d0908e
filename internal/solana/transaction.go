package solana

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	sol "github.com/gagliardetto/solana-go"
)

// Instruction is one program invocation.
type Instruction = sol.Instruction

// Transaction is a signed legacy transaction.
type Transaction struct {
	*sol.Transaction
}

// NewTransaction compiles instructions into a message paid by feePayer.
func NewTransaction(instructions []Instruction, recentBlockhash PublicKey, feePayer PublicKey) (*Transaction, error) {
	if len(instructions) == 0 {
		return nil, errors.New("transaction needs at least one instruction")
	}
	tx, err := sol.NewTransaction(instructions, sol.Hash(recentBlockhash), sol.TransactionPayer(feePayer))
	if err != nil {
		return nil, err
	}
	return &Transaction{Transaction: tx}, nil
}

// Sign signs the message with kp, which must cover every required signer.
func (tx *Transaction) Sign(kp *Keypair) error {
	if _, err := tx.Transaction.Sign(kp.privateKeyFor); err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	return nil
}

// Signature returns the first (fee payer) signature, the transaction id.
func (tx *Transaction) Signature() Signature {
	if len(tx.Signatures) == 0 {
		return Signature{}
	}
	return tx.Signatures[0]
}

// Serialize encodes the signed transaction in wire format.
func (tx *Transaction) Serialize() ([]byte, error) {
	return tx.Transaction.MarshalBinary()
}

// Base64 returns the wire encoding as base64 for RPC submission.
func (tx *Transaction) Base64() (string, error) {
	raw, err := tx.Serialize()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// VerifySignatures checks every required signature against the message.
func (tx *Transaction) VerifySignatures() bool {
	data, err := tx.Message.MarshalBinary()
	if err != nil {
		return false
	}
	if len(tx.Signatures) != int(tx.Message.Header.NumRequiredSignatures) {
		return false
	}
	for i, sig := range tx.Signatures {
		key := tx.Message.AccountKeys[i]
		if !ed25519.Verify(ed25519.PublicKey(key[:]), data, sig[:]) {
			return false
		}
	}
	return true
}

// DecodeTransaction parses the wire format.
func DecodeTransaction(data []byte) (*Transaction, error) {
	tx, err := sol.TransactionFromDecoder(bin.NewBinDecoder(data))
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &Transaction{Transaction: tx}, nil
}

// DecodeTransactionBase64 parses a base64 wire transaction.
func DecodeTransactionBase64(s string) (*Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return DecodeTransaction(raw)
}
