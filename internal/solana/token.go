package solana

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// TokenAccountSize is the base length of an SPL token account.
const TokenAccountSize = 165

// Token account states.
const (
	TokenStateUninitialized uint8 = 0
	TokenStateInitialized   uint8 = 1
	TokenStateFrozen        uint8 = 2
)

// TokenAccountState is the decoded fixed part of an SPL token account.
type TokenAccountState struct {
	Mint            PublicKey
	Owner           PublicKey
	Amount          uint64
	Delegate        *PublicKey
	State           uint8
	IsNative        bool
	DelegatedAmount uint64
	CloseAuthority  *PublicKey
}

// Frozen reports whether the account is frozen by the mint's freeze authority.
func (s *TokenAccountState) Frozen() bool {
	return s.State == TokenStateFrozen
}

// EffectiveCloseAuthority is the key allowed to close the account: the
// explicit close authority if set, otherwise the owner.
func (s *TokenAccountState) EffectiveCloseAuthority() PublicKey {
	if s.CloseAuthority != nil {
		return *s.CloseAuthority
	}
	return s.Owner
}

// DecodeTokenAccount decodes the 165-byte base layout. Token-2022 accounts
// carry extensions after it, which are ignored.
func DecodeTokenAccount(data []byte) (*TokenAccountState, error) {
	if len(data) < TokenAccountSize {
		return nil, fmt.Errorf("token account data too short: %d bytes", len(data))
	}
	for _, off := range []int{72, 109, 129} {
		if tag := binary.LittleEndian.Uint32(data[off : off+4]); tag > 1 {
			return nil, fmt.Errorf("invalid option tag %d at offset %d", tag, off)
		}
	}

	var acc token.Account
	if err := bin.NewBinDecoder(data[:TokenAccountSize]).Decode(&acc); err != nil {
		return nil, fmt.Errorf("decode token account: %w", err)
	}
	if uint8(acc.State) > TokenStateFrozen {
		return nil, fmt.Errorf("invalid account state %d", acc.State)
	}

	return &TokenAccountState{
		Mint:            acc.Mint,
		Owner:           acc.Owner,
		Amount:          acc.Amount,
		Delegate:        acc.Delegate,
		State:           uint8(acc.State),
		IsNative:        acc.IsNative != nil,
		DelegatedAmount: acc.DelegatedAmount,
		CloseAuthority:  acc.CloseAuthority,
	}, nil
}

// EncodeTokenAccount is the inverse of DecodeTokenAccount.
func EncodeTokenAccount(s *TokenAccountState) ([]byte, error) {
	acc := token.Account{
		Mint:            s.Mint,
		Owner:           s.Owner,
		Amount:          s.Amount,
		Delegate:        s.Delegate,
		State:           token.AccountState(s.State),
		DelegatedAmount: s.DelegatedAmount,
		CloseAuthority:  s.CloseAuthority,
	}
	if s.IsNative {
		reserve := RentExemptMinimum(TokenAccountSize)
		acc.IsNative = &reserve
	}
	var buf bytes.Buffer
	if err := bin.NewBinEncoder(&buf).Encode(&acc); err != nil {
		return nil, fmt.Errorf("encode token account: %w", err)
	}
	return buf.Bytes(), nil
}

// NewCloseAccountInstruction closes account, sending its lamports to
// destination. programID selects the legacy or 2022 token program; both
// share the instruction layout.
func NewCloseAccountInstruction(programID, account, destination, authority PublicKey) (Instruction, error) {
	built, err := token.NewCloseAccountInstruction(account, destination, authority, nil).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("close_account: %w", err)
	}
	data, err := built.Data()
	if err != nil {
		return nil, fmt.Errorf("close_account: %w", err)
	}
	return sol.NewInstruction(programID, built.Accounts(), data), nil
}

// IsCloseAccount reports whether ix is an SPL token close_account.
func IsCloseAccount(programID PublicKey, data []byte) bool {
	return IsTokenProgram(programID) && len(data) == 1 && data[0] == token.Instruction_CloseAccount
}
