package types

import (
	"fmt"
	"time"
)

// Confidence grades how well a passive reclaim is attributed.
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceMedium  Confidence = "medium"
	ConfidenceLow     Confidence = "low"
	ConfidenceUnknown Confidence = "unknown"
)

// TreasurySnapshot is a recorded treasury balance.
type TreasurySnapshot struct {
	ID              int64
	BalanceLamports uint64
	TakenAt         time.Time
}

// PassiveReclaim is a treasury increase not explained by our own closes.
type PassiveReclaim struct {
	ID             int64
	DetectedAt     time.Time
	AmountLamports uint64
	Confidence     Confidence
	Candidates     []string
	Explanation    string
}

func (p PassiveReclaim) String() string {
	return fmt.Sprintf("%d lamports (%s, %d candidates)", p.AmountLamports, p.Confidence, len(p.Candidates))
}
