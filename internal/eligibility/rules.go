// Package eligibility decides whether a sponsored account's rent may be
// reclaimed. Evaluate is a pure function of stored state, live chain state,
// and the cycle's Policy; Evaluator adds the chain lookups and the pass over
// the store.
package eligibility

import (
	"time"

	"rentreclaim/internal/config"
	"rentreclaim/internal/solana"
	"rentreclaim/internal/types"
)

// Ineligibility reasons.
const (
	ReasonBlacklisted       = "blacklisted"
	ReasonProtected         = "protected"
	ReasonUserControlled    = "operator holds no closing authority over a user-controlled address"
	ReasonUnknownProgram    = "unknown program semantics"
	ReasonNotTokenAccount   = "not a token account"
	ReasonNonZeroBalance    = "non-zero balance"
	ReasonAuthorityMismatch = "authority mismatch"
	ReasonFrozen            = "frozen"
	ReasonRecentActivity    = "inactive period not elapsed"
)

// ChainState is what the ledger currently says about an account.
type ChainState struct {
	Exists       bool
	Info         *solana.AccountInfo
	Token        *solana.TokenAccountState // nil unless decoded as a token account
	LastActivity time.Time                 // newest signature touching the address
}

// Evaluate applies the rules in order; the first match wins. The account
// must already carry refreshed state (see Refresh).
func Evaluate(a *types.SponsoredAccount, p config.Policy, live ChainState, now time.Time) types.Verdict {
	switch {
	case p.IsBlacklisted(a.Pubkey):
		return ineligible(ReasonBlacklisted)
	case p.IsWhitelisted(a.Pubkey):
		return ineligible(ReasonProtected)
	case !live.Exists:
		return types.Verdict{Status: types.StatusClosedExternally}
	case a.Type.Kind == types.KindSystemOwned:
		return ineligible(ReasonUserControlled)
	case a.Type.Kind != types.KindTokenAccount:
		return ineligible(ReasonUnknownProgram)
	case live.Token == nil:
		return ineligible(ReasonNotTokenAccount)
	case a.TokenAmount != 0:
		return ineligible(ReasonNonZeroBalance)
	case !a.CloseAuthorityMatchesOperator:
		return ineligible(ReasonAuthorityMismatch)
	case a.Frozen:
		return ineligible(ReasonFrozen)
	case now.Sub(a.LastActivityAt) < p.MinInactive:
		return ineligible(ReasonRecentActivity)
	}
	return types.Verdict{Status: types.StatusEligible}
}

func ineligible(reason string) types.Verdict {
	return types.Verdict{Status: types.StatusIneligible, Reason: reason}
}

// Refresh returns a copy of a updated from live chain state. An account that
// no longer exists keeps its last known balance for treasury attribution.
func Refresh(a *types.SponsoredAccount, live ChainState, operator solana.PublicKey) *types.SponsoredAccount {
	out := *a
	if live.LastActivity.After(out.LastActivityAt) {
		out.LastActivityAt = live.LastActivity
	}
	if !live.Exists || live.Info == nil {
		return &out
	}

	out.BalanceLamports = live.Info.Lamports
	if live.Token != nil {
		authority := live.Token.EffectiveCloseAuthority()
		out.TokenAmount = live.Token.Amount
		out.Mint = live.Token.Mint.String()
		out.Owner = live.Token.Owner.String()
		out.CloseAuthority = authority.String()
		out.CloseAuthorityMatchesOperator = authority == operator
		out.Frozen = live.Token.Frozen()
	}
	return &out
}

// Apply stores the verdict on the account.
func Apply(a *types.SponsoredAccount, v types.Verdict, now time.Time) {
	a.Status = v.Status
	a.StatusReason = v.Reason
	a.EvaluatedAt = now
}
