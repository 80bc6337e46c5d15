package promotion

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/xenking/discount-engine/internal/domain/discount"
)

// Candidate is an eligible discount together with the amount it grants.
type Candidate struct {
	Discount *discount.Discount
	Amount   decimal.Decimal
}

// SelectBest returns the winning candidate, or nil when there is none.
//
// Ranking: higher priority, then larger amount, then earlier creation, then
// lower id. The order is total, so the same input always yields the same
// winner regardless of how candidates were listed.
func SelectBest(candidates []Candidate) *Candidate {
	if len(candidates) == 0 {
		return nil
	}
	best := slices.MinFunc(candidates, compareCandidates)
	return &best
}

// compareCandidates orders better candidates first.
func compareCandidates(a, b Candidate) int {
	if a.Discount.Priority != b.Discount.Priority {
		if a.Discount.Priority > b.Discount.Priority {
			return -1
		}
		return 1
	}
	if c := b.Amount.Cmp(a.Amount); c != 0 {
		return c
	}
	if c := a.Discount.CreatedAt.Compare(b.Discount.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.Discount.ID, b.Discount.ID)
}
