package treasury

import (
	"fmt"
	"sort"

	"rentreclaim/internal/types"
)

// Tolerance absorbs fee noise when matching amounts to closed accounts.
const Tolerance uint64 = 5000

// maxLowCandidates bounds the candidate list of a Low attribution.
const maxLowCandidates = 5

// Attribution is the result of matching one unexplained increase.
type Attribution struct {
	Confidence  types.Confidence
	Candidates  []string
	Explanation string
}

// Attribute matches amount against the last known balances of closed
// accounts: a single account within Tolerance is High, a pair or triple is
// Medium, anything else is Low, or Unknown when there is nothing to match.
func Attribute(amount uint64, closed []*types.SponsoredAccount) Attribution {
	if len(closed) == 0 {
		return Attribution{
			Confidence:  types.ConfidenceUnknown,
			Explanation: "no externally closed accounts in the attribution window",
		}
	}

	for _, a := range closed {
		if within(a.BalanceLamports, amount) {
			return Attribution{
				Confidence:  types.ConfidenceHigh,
				Candidates:  []string{a.Pubkey},
				Explanation: fmt.Sprintf("matches the rent of %s", a.Pubkey),
			}
		}
	}

	if combo := combination(amount, closed); combo != nil {
		return Attribution{
			Confidence:  types.ConfidenceMedium,
			Candidates:  combo,
			Explanation: fmt.Sprintf("matches the combined rent of %d accounts", len(combo)),
		}
	}

	// Closest balances first; ties keep the most recently closed first.
	sorted := append([]*types.SponsoredAccount(nil), closed...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return diff(sorted[i].BalanceLamports, amount) < diff(sorted[j].BalanceLamports, amount)
	})
	if len(sorted) > maxLowCandidates {
		sorted = sorted[:maxLowCandidates]
	}
	out := Attribution{
		Confidence:  types.ConfidenceLow,
		Explanation: fmt.Sprintf("no exact match among %d closed accounts", len(closed)),
	}
	for _, a := range sorted {
		out.Candidates = append(out.Candidates, a.Pubkey)
	}
	return out
}

// combination looks for two, then three, accounts summing to amount.
func combination(amount uint64, closed []*types.SponsoredAccount) []string {
	n := len(closed)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if within(closed[i].BalanceLamports+closed[j].BalanceLamports, amount) {
				return []string{closed[i].Pubkey, closed[j].Pubkey}
			}
		}
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			for k := j + 1; k < n; k++ {
				sum := closed[i].BalanceLamports + closed[j].BalanceLamports + closed[k].BalanceLamports
				if within(sum, amount) {
					return []string{closed[i].Pubkey, closed[j].Pubkey, closed[k].Pubkey}
				}
			}
		}
	}
	return nil
}

func within(a, b uint64) bool { return diff(a, b) <= Tolerance }

func diff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
