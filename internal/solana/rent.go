package solana

import (
	"fmt"
	"time"
)

const (
	// LamportsPerSOL is the number of lamports in one SOL.
	LamportsPerSOL = 1_000_000_000

	// TokenAccountRentLamports is the rent-exempt minimum for a 165-byte
	// token account at the current rent rate.
	TokenAccountRentLamports uint64 = 2_039_280

	// rentBytesOverhead and rentLamportsPerByteYear describe the rent formula
	// used when the provider cannot be asked.
	rentBytesOverhead       = 128
	rentLamportsPerByteYear = 3480
	rentExemptionYears      = 2

	// genesisUnix and slotDuration estimate wall time for a slot when the
	// provider returns no block time.
	genesisUnix  = 1_600_000_000
	slotDuration = 400 * time.Millisecond
)

// LamportsToSOL converts lamports to SOL.
func LamportsToSOL(lamports uint64) float64 {
	return float64(lamports) / LamportsPerSOL
}

// SOLToLamports converts SOL to lamports, truncating.
func SOLToLamports(sol float64) uint64 {
	if sol <= 0 {
		return 0
	}
	return uint64(sol * LamportsPerSOL)
}

// FormatSOL renders lamports as "0.002039280 SOL".
func FormatSOL(lamports uint64) string {
	return fmt.Sprintf("%.9f SOL", LamportsToSOL(lamports))
}

// RentExemptMinimum computes the rent-exempt balance for size data bytes.
func RentExemptMinimum(size uint64) uint64 {
	return (rentBytesOverhead + size) * rentLamportsPerByteYear * rentExemptionYears
}

// EstimateBlockTime approximates a slot's wall time.
func EstimateBlockTime(slot uint64) time.Time {
	return time.Unix(genesisUnix, 0).Add(time.Duration(slot) * slotDuration).UTC()
}

// BlockTimeOrEstimate uses blockTime when present.
func BlockTimeOrEstimate(blockTime *int64, slot uint64) time.Time {
	if blockTime != nil && *blockTime > 0 {
		return time.Unix(*blockTime, 0).UTC()
	}
	return EstimateBlockTime(slot)
}
