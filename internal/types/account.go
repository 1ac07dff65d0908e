package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// ACCOUNT TYPES
// =============================================================================

// AccountKind is the closing semantics of a sponsored account.
type AccountKind string

const (
	// KindSystemOwned is an address created through the system program. The
	// operator paid its rent but holds no key that can close it.
	KindSystemOwned AccountKind = "system"
	// KindTokenAccount is an SPL token account the operator may close.
	KindTokenAccount AccountKind = "token"
	// KindOther is any other program-owned account. Recorded, never processed.
	KindOther AccountKind = "other"
)

// AccountType is the variant {SystemOwned, TokenAccount, Other(programId)}.
type AccountType struct {
	Kind      AccountKind
	ProgramID string // only set for KindOther
}

// SystemOwned returns the SystemOwned variant.
func SystemOwned() AccountType { return AccountType{Kind: KindSystemOwned} }

// TokenAccount returns the TokenAccount variant.
func TokenAccount() AccountType { return AccountType{Kind: KindTokenAccount} }

// Other returns the Other(programID) variant.
func Other(programID string) AccountType {
	return AccountType{Kind: KindOther, ProgramID: programID}
}

func (t AccountType) String() string {
	if t.Kind == KindOther {
		return fmt.Sprintf("other(%s)", t.ProgramID)
	}
	return string(t.Kind)
}

// ParseAccountKind accepts the stored or user-facing spelling of a kind.
func ParseAccountKind(s string) (AccountKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "system", "system_owned", "systemowned":
		return KindSystemOwned, nil
	case "token", "token_account", "tokenaccount", "spl":
		return KindTokenAccount, nil
	case "other":
		return KindOther, nil
	}
	return "", fmt.Errorf("unknown account type %q", s)
}

// =============================================================================
// STATUS
// =============================================================================

// Status is the lifecycle state of a sponsored account.
type Status string

const (
	StatusActive           Status = "active"
	StatusEligible         Status = "eligible"
	StatusIneligible       Status = "ineligible"
	StatusReclaimed        Status = "reclaimed"
	StatusClosedExternally Status = "closed_externally"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{
	StatusActive,
	StatusEligible,
	StatusIneligible,
	StatusReclaimed,
	StatusClosedExternally,
}

// IsTerminal reports whether no further mutation is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusReclaimed || s == StatusClosedExternally
}

// ParseStatus parses a status name.
func ParseStatus(s string) (Status, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	for _, st := range AllStatuses {
		if string(st) == norm {
			return st, nil
		}
	}
	if norm == "closed" {
		return StatusClosedExternally, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// =============================================================================
// SPONSORED ACCOUNT
// =============================================================================

// SponsoredAccount is one address the operator funded.
type SponsoredAccount struct {
	Pubkey             string
	Type               AccountType
	DiscoverySignature string
	DiscoverySlot      uint64
	DiscoveredAt       time.Time
	LastActivityAt     time.Time
	BalanceLamports    uint64
	DataSize           uint64
	TokenAmount        uint64
	Mint               string
	Owner              string
	CloseAuthority     string

	CloseAuthorityMatchesOperator bool
	Frozen                        bool

	Status       Status
	StatusReason string
	EvaluatedAt  time.Time
	UpdatedAt    time.Time
}

// StatusLabel renders the status with its reason, e.g. "ineligible(frozen)".
func (a *SponsoredAccount) StatusLabel() string {
	if a.StatusReason == "" {
		return string(a.Status)
	}
	return fmt.Sprintf("%s(%s)", a.Status, a.StatusReason)
}

// =============================================================================
// SCAN CHECKPOINT
// =============================================================================

// ScanCheckpoint is the durable scan cursor. LastSignature only moves forward;
// the Pending fields describe a backfill pass that has not reached it yet.
type ScanCheckpoint struct {
	LastSignature        string
	LastSlot             uint64
	PendingHeadSignature string
	PendingHeadSlot      uint64
	PendingCursor        string
	UpdatedAt            time.Time
}

// HasPending reports whether an interrupted pass must be resumed.
func (c ScanCheckpoint) HasPending() bool {
	return c.PendingHeadSignature != ""
}

// IsEmpty reports whether nothing has been scanned yet.
func (c ScanCheckpoint) IsEmpty() bool {
	return c.LastSignature == "" && !c.HasPending()
}

// =============================================================================
// RECLAIM OPERATION
// =============================================================================

// OutcomeKind discriminates ReclaimOperation outcomes.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeSimulated OutcomeKind = "simulated"
)

// ReclaimOperation is one append-only attempt record.
type ReclaimOperation struct {
	ID            string
	AccountPubkey string
	AttemptedAt   time.Time
	Outcome       OutcomeKind
	Signature     string // Success, or the last submission of a Failed attempt
	Lamports      uint64 // recovered (Success), would recover (Simulated), or at stake (Failed after a submission)
	Reason        string // Failed only
	Attempts      int
}

func (op ReclaimOperation) String() string {
	switch op.Outcome {
	case OutcomeSuccess:
		return fmt.Sprintf("success(%s, %d)", op.Signature, op.Lamports)
	case OutcomeSimulated:
		return fmt.Sprintf("simulated(%d)", op.Lamports)
	default:
		return fmt.Sprintf("failed(%s)", op.Reason)
	}
}

// =============================================================================
// VERDICT
// =============================================================================

// Verdict is the evaluator's decision for one account.
type Verdict struct {
	Status Status
	Reason string
}

// Eligible reports whether the verdict allows a reclaim.
func (v Verdict) Eligible() bool { return v.Status == StatusEligible }

func (v Verdict) String() string {
	if v.Reason == "" {
		return string(v.Status)
	}
	return fmt.Sprintf("%s(%s)", v.Status, v.Reason)
}
