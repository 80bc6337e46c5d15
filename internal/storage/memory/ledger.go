package memory

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/discount-engine/internal/domain/discount"
)

// ledgerTx stages ledger writes until the transaction function returns. The
// per-discount lock is held by RunLedgerTx for its whole lifetime.
type ledgerTx struct {
	store      *Store
	discountID string

	increments  int
	redemptions []*discount.Redemption
}

func (tx *ledgerTx) ConditionallyIncrementUsage(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if id != tx.discountID {
		return false, errors.Errorf("ledger tx for %s cannot touch %s", tx.discountID, id)
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	d, ok := tx.store.discounts[id]
	if !ok || !d.IsActive {
		return false, nil
	}
	if d.UsageLimit != nil && d.UsageCount+tx.increments >= *d.UsageLimit {
		return false, nil
	}
	tx.increments++
	return true, nil
}

func (tx *ledgerTx) AppendRedemption(ctx context.Context, r *discount.Redemption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.DiscountID != tx.discountID {
		return errors.Errorf("ledger tx for %s cannot append to %s", tx.discountID, r.DiscountID)
	}
	if r.OrderID != "" && tx.orderRedeemed(r.OrderID) {
		return discount.ErrDuplicateRedemption
	}
	stored := *r
	tx.redemptions = append(tx.redemptions, &stored)
	return nil
}

// orderRedeemed reports whether the order has a committed or staged
// redemption of the discount.
func (tx *ledgerTx) orderRedeemed(orderID string) bool {
	for _, r := range tx.redemptions {
		if r.OrderID == orderID {
			return true
		}
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	for _, r := range tx.store.redemptions[tx.discountID] {
		if r.OrderID == orderID {
			return true
		}
	}
	return false
}

func (tx *ledgerTx) commit(ctx context.Context) error {
	if tx.increments == 0 && len(tx.redemptions) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.discounts[tx.discountID]
	if !ok {
		return discount.ErrDiscountNotFound
	}
	d.UsageCount += tx.increments
	s.redemptions[tx.discountID] = append(s.redemptions[tx.discountID], tx.redemptions...)
	return nil
}
