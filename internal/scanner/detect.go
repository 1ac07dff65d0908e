package scanner

import (
	"fmt"
	"strings"

	"rentreclaim/internal/solana"
	"rentreclaim/internal/types"
)

// Creation is one account creation observed in a transaction.
type Creation struct {
	Pubkey    string
	Type      types.AccountType
	Lamports  uint64 // from the instruction, when it carries one
	DataSize  uint64
	Mint      string
	Owner     string
	ProgramID string
}

// Detect returns the accounts funded by operator in tx. Only top-level
// instructions of successful transactions are considered. A system create
// counts whenever operator is its source, even if someone else paid the fee.
// Token initializations carry no funder, so they count only in transactions
// paid by operator. Instructions with an unexpected layout are reported in
// skipped and do not stop detection.
func Detect(tx *solana.ParsedTransaction, operator string) (found []Creation, skipped []error) {
	if tx == nil || tx.Failed {
		return nil, nil
	}
	paid := tx.FeePayer() == operator

	byKey := make(map[string]*Creation)
	var order []string
	record := func(c Creation) {
		if existing, ok := byKey[c.Pubkey]; ok {
			mergeCreation(existing, c)
			return
		}
		cp := c
		byKey[c.Pubkey] = &cp
		order = append(order, c.Pubkey)
	}

	for i, ix := range tx.Instructions {
		if !ix.Parsed || ix.StackHeight > 1 {
			continue
		}
		c, ok, err := classify(ix, operator, paid)
		if err != nil {
			skipped = append(skipped, types.ParseError(
				fmt.Sprintf("instruction %d of %s", i, tx.Signature), err))
			continue
		}
		if ok {
			record(c)
		}
	}

	for _, k := range order {
		found = append(found, *byKey[k])
	}
	return found, skipped
}

// mergeCreation folds a later instruction for the same address into the
// first one. A token initialization upgrades a plain allocation.
func mergeCreation(dst *Creation, c Creation) {
	if c.Type.Kind == types.KindTokenAccount && dst.Type.Kind != types.KindTokenAccount {
		dst.Type = c.Type
		dst.ProgramID = c.ProgramID
	}
	if dst.Mint == "" {
		dst.Mint = c.Mint
	}
	if dst.Owner == "" {
		dst.Owner = c.Owner
	}
	if dst.DataSize == 0 {
		dst.DataSize = c.DataSize
	}
	if dst.Lamports == 0 {
		dst.Lamports = c.Lamports
	}
}

func classify(ix solana.ParsedInstruction, operator string, paid bool) (Creation, bool, error) {
	switch ix.ProgramID {
	case solana.SystemProgramID.String():
		return classifySystem(ix, operator)
	case solana.AssociatedTokenProgramID.String():
		if !paid && ix.InfoString("source") != operator {
			return Creation{}, false, nil
		}
		return classifyATA(ix)
	case solana.TokenProgramID.String(), solana.Token2022ProgramID.String():
		if !paid {
			return Creation{}, false, nil
		}
		return classifyToken(ix)
	default:
		if !paid {
			return Creation{}, false, nil
		}
		return classifyOther(ix)
	}
}

func classifySystem(ix solana.ParsedInstruction, operator string) (Creation, bool, error) {
	if ix.Type != "createAccount" && ix.Type != "createAccountWithSeed" {
		return Creation{}, false, nil
	}
	if ix.InfoString("source") != operator {
		return Creation{}, false, nil
	}
	account := ix.InfoString("newAccount")
	if account == "" {
		return Creation{}, false, fmt.Errorf("%s without newAccount", ix.Type)
	}
	lamports := ix.InfoUint("lamports")
	if lamports == 0 {
		return Creation{}, false, nil
	}

	c := Creation{
		Pubkey:    account,
		Type:      types.SystemOwned(),
		Lamports:  lamports,
		DataSize:  ix.InfoUint("space"),
		ProgramID: solana.SystemProgramID.String(),
	}
	owner := ix.InfoString("owner")
	if owner == solana.TokenProgramID.String() || owner == solana.Token2022ProgramID.String() {
		c.Type = types.TokenAccount()
		c.ProgramID = owner
	}
	return c, true, nil
}

func classifyATA(ix solana.ParsedInstruction) (Creation, bool, error) {
	if ix.Type != "create" && ix.Type != "createIdempotent" {
		return Creation{}, false, nil
	}
	account := ix.InfoString("account")
	if account == "" {
		return Creation{}, false, fmt.Errorf("associated token %s without account", ix.Type)
	}
	program := ix.InfoString("tokenProgram")
	if program == "" {
		program = solana.TokenProgramID.String()
	}
	return Creation{
		Pubkey:    account,
		Type:      types.TokenAccount(),
		DataSize:  solana.TokenAccountSize,
		Mint:      ix.InfoString("mint"),
		Owner:     ix.InfoString("wallet"),
		ProgramID: program,
	}, true, nil
}

func classifyToken(ix solana.ParsedInstruction) (Creation, bool, error) {
	switch ix.Type {
	case "initializeAccount", "initializeAccount2", "initializeAccount3":
	default:
		return Creation{}, false, nil
	}
	account := ix.InfoString("account")
	if account == "" {
		return Creation{}, false, fmt.Errorf("%s without account", ix.Type)
	}
	return Creation{
		Pubkey:    account,
		Type:      types.TokenAccount(),
		DataSize:  solana.TokenAccountSize,
		Mint:      ix.InfoString("mint"),
		Owner:     ix.InfoString("owner"),
		ProgramID: ix.ProgramID,
	}, true, nil
}

// classifyOther records creations by programs whose close semantics are
// unknown. They are stored but never evaluated for reclaim.
func classifyOther(ix solana.ParsedInstruction) (Creation, bool, error) {
	t := strings.ToLower(ix.Type)
	if !strings.Contains(t, "create") && !strings.Contains(t, "init") {
		return Creation{}, false, nil
	}
	for _, field := range []string{"account", "newAccount", "address"} {
		if account := ix.InfoString(field); account != "" {
			return Creation{
				Pubkey:    account,
				Type:      types.Other(ix.ProgramID),
				ProgramID: ix.ProgramID,
			}, true, nil
		}
	}
	return Creation{}, false, nil
}
