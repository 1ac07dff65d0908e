package eligibility

import (
	"testing"
	"time"

	"rentreclaim/internal/config"
	"rentreclaim/internal/solana"
	"rentreclaim/internal/types"

	"github.com/stretchr/testify/assert"
)

var now = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func policy(opts config.PolicyOptions) config.Policy {
	if opts.MinInactive == 0 {
		opts.MinInactive = 30 * 24 * time.Hour
	}
	return config.NewPolicy(opts)
}

// reclaimable is a token account that passes every rule.
func reclaimable() *types.SponsoredAccount {
	return &types.SponsoredAccount{
		Pubkey:                        "Acct",
		Type:                          types.TokenAccount(),
		LastActivityAt:                now.Add(-60 * 24 * time.Hour),
		CloseAuthorityMatchesOperator: true,
		Status:                        types.StatusActive,
	}
}

func liveToken() ChainState {
	return ChainState{Exists: true, Info: &solana.AccountInfo{}, Token: &solana.TokenAccountState{State: solana.TokenStateInitialized}}
}

func TestEvaluate_RuleOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(a *types.SponsoredAccount, p *config.PolicyOptions, live *ChainState)
		want   types.Verdict
	}{
		{"eligible", func(*types.SponsoredAccount, *config.PolicyOptions, *ChainState) {},
			types.Verdict{Status: types.StatusEligible}},
		{"blacklist beats whitelist", func(a *types.SponsoredAccount, p *config.PolicyOptions, _ *ChainState) {
			p.Blacklist = []string{a.Pubkey}
			p.Whitelist = []string{a.Pubkey}
		}, ineligible(ReasonBlacklisted)},
		{"whitelisted", func(a *types.SponsoredAccount, p *config.PolicyOptions, _ *ChainState) {
			p.Whitelist = []string{a.Pubkey}
		}, ineligible(ReasonProtected)},
		{"gone", func(_ *types.SponsoredAccount, _ *config.PolicyOptions, live *ChainState) {
			*live = ChainState{}
		}, types.Verdict{Status: types.StatusClosedExternally}},
		{"system owned", func(a *types.SponsoredAccount, _ *config.PolicyOptions, _ *ChainState) {
			a.Type = types.SystemOwned()
		}, ineligible(ReasonUserControlled)},
		{"other program", func(a *types.SponsoredAccount, _ *config.PolicyOptions, _ *ChainState) {
			a.Type = types.Other("Prog")
		}, ineligible(ReasonUnknownProgram)},
		{"not decodable", func(_ *types.SponsoredAccount, _ *config.PolicyOptions, live *ChainState) {
			live.Token = nil
		}, ineligible(ReasonNotTokenAccount)},
		{"non-zero balance before authority", func(a *types.SponsoredAccount, _ *config.PolicyOptions, _ *ChainState) {
			a.TokenAmount = 1
			a.CloseAuthorityMatchesOperator = false
		}, ineligible(ReasonNonZeroBalance)},
		{"authority mismatch", func(a *types.SponsoredAccount, _ *config.PolicyOptions, _ *ChainState) {
			a.CloseAuthorityMatchesOperator = false
			a.Frozen = true
		}, ineligible(ReasonAuthorityMismatch)},
		{"frozen", func(a *types.SponsoredAccount, _ *config.PolicyOptions, _ *ChainState) {
			a.Frozen = true
		}, ineligible(ReasonFrozen)},
		{"recent activity", func(a *types.SponsoredAccount, _ *config.PolicyOptions, _ *ChainState) {
			a.LastActivityAt = now.Add(-time.Hour)
		}, ineligible(ReasonRecentActivity)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := reclaimable()
			opts := config.PolicyOptions{}
			live := liveToken()
			tt.mutate(a, &opts, &live)
			assert.Equal(t, tt.want, Evaluate(a, policy(opts), live, now))
		})
	}
}

func TestEvaluate_SystemOwnedNeverEligible(t *testing.T) {
	t.Parallel()

	for _, amount := range []uint64{0, 1} {
		for _, matches := range []bool{true, false} {
			for _, frozen := range []bool{true, false} {
				for _, age := range []time.Duration{0, 365 * 24 * time.Hour} {
					for _, token := range []*solana.TokenAccountState{nil, {}} {
						a := &types.SponsoredAccount{
							Pubkey:                        "Sys",
							Type:                          types.SystemOwned(),
							TokenAmount:                   amount,
							CloseAuthorityMatchesOperator: matches,
							Frozen:                        frozen,
							LastActivityAt:                now.Add(-age),
						}
						live := ChainState{Exists: true, Info: &solana.AccountInfo{}, Token: token}
						v := Evaluate(a, policy(config.PolicyOptions{MinInactive: time.Nanosecond}), live, now)
						assert.False(t, v.Eligible(), "system owned account must never be eligible: %+v", a)
					}
				}
			}
		}
	}
}

func TestEvaluate_WhitelistWinsOverEverything(t *testing.T) {
	t.Parallel()

	a := reclaimable()
	p := policy(config.PolicyOptions{Whitelist: []string{a.Pubkey}})
	for _, live := range []ChainState{liveToken(), {}} {
		assert.Equal(t, ineligible(ReasonProtected), Evaluate(a, p, live, now))
	}
}

func TestEvaluate_FlipsWhenBalanceDrains(t *testing.T) {
	t.Parallel()

	a := reclaimable()
	a.TokenAmount = 500
	p := policy(config.PolicyOptions{})
	assert.Equal(t, ineligible(ReasonNonZeroBalance), Evaluate(a, p, liveToken(), now))

	a.TokenAmount = 0
	assert.True(t, Evaluate(a, p, liveToken(), now).Eligible())
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	operator := solana.MustPublicKey("Vote111111111111111111111111111111111111111")
	owner := solana.MustPublicKey("Stake11111111111111111111111111111111111111")
	a := reclaimable()
	a.BalanceLamports = 1
	a.CloseAuthorityMatchesOperator = false

	live := ChainState{
		Exists:       true,
		Info:         &solana.AccountInfo{Lamports: 2_039_280, Owner: solana.TokenProgramID},
		Token:        &solana.TokenAccountState{Owner: owner, Amount: 7, State: solana.TokenStateFrozen, CloseAuthority: &operator},
		LastActivity: now,
	}
	out := Refresh(a, live, operator)
	assert.Equal(t, uint64(2_039_280), out.BalanceLamports)
	assert.Equal(t, uint64(7), out.TokenAmount)
	assert.Equal(t, owner.String(), out.Owner)
	assert.Equal(t, operator.String(), out.CloseAuthority)
	assert.True(t, out.CloseAuthorityMatchesOperator)
	assert.True(t, out.Frozen)
	assert.Equal(t, now, out.LastActivityAt)
	assert.Equal(t, uint64(1), a.BalanceLamports, "input is not mutated")

	gone := Refresh(a, ChainState{}, operator)
	assert.Equal(t, uint64(1), gone.BalanceLamports, "last known balance kept")
}
