package treasury

import (
	"testing"

	"rentreclaim/internal/types"

	"github.com/stretchr/testify/assert"
)

func closedAccounts(balances ...uint64) []*types.SponsoredAccount {
	out := make([]*types.SponsoredAccount, len(balances))
	for i, b := range balances {
		out[i] = &types.SponsoredAccount{
			Pubkey:          string(rune('A' + i)),
			BalanceLamports: b,
			Status:          types.StatusClosedExternally,
		}
	}
	return out
}

func TestAttribute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		amount     uint64
		closed     []*types.SponsoredAccount
		want       types.Confidence
		candidates []string
	}{
		{"nothing to match", 2_039_280, nil, types.ConfidenceUnknown, nil},
		{"exact single", 2_039_280, closedAccounts(1_000_000, 2_039_280), types.ConfidenceHigh, []string{"B"}},
		{"single within tolerance", 2_035_000, closedAccounts(2_039_280), types.ConfidenceHigh, []string{"A"}},
		{"pair", 3_000_000, closedAccounts(1_000_000, 5_000_000, 2_000_000), types.ConfidenceMedium, []string{"A", "C"}},
		{"triple", 6_000_000, closedAccounts(1_000_000, 2_000_000, 3_000_000, 9_000_000), types.ConfidenceMedium, []string{"A", "B", "C"}},
		{"closest first", 100_000, closedAccounts(900_000, 10_000_000, 20_000), types.ConfidenceLow, []string{"C", "A", "B"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Attribute(tt.amount, tt.closed)
			assert.Equal(t, tt.want, got.Confidence)
			assert.Equal(t, tt.candidates, got.Candidates)
			assert.NotEmpty(t, got.Explanation)
		})
	}
}

func TestAttribute_LowCapsCandidates(t *testing.T) {
	t.Parallel()
	got := Attribute(1, closedAccounts(10_000_000, 20_000_000, 30_000_000, 40_000_000, 50_000_000, 60_000_000, 70_000_000))
	assert.Equal(t, types.ConfidenceLow, got.Confidence)
	assert.Len(t, got.Candidates, maxLowCandidates)
}
