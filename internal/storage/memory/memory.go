// Package memory implements discount.Repository in process memory.
//
// Catalog reads share a store-wide RWMutex. Ledger transactions and deletes
// additionally serialise on a per-discount mutex so redemptions of different
// discounts never wait on each other beyond the short commit.
package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/discount-engine/internal/domain/discount"
)

var _ discount.Repository = (*Store)(nil)

// Store is an in-memory discount catalog and redemption ledger.
type Store struct {
	mu          sync.RWMutex
	discounts   map[string]*discount.Discount
	redemptions map[string][]*discount.Redemption

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		discounts:   make(map[string]*discount.Discount),
		redemptions: make(map[string][]*discount.Redemption),
		locks:       make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) ListActiveDiscounts(ctx context.Context, now time.Time) ([]*discount.Discount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*discount.Discount, 0, len(s.discounts))
	for _, d := range s.discounts {
		if d.Selectable(now) {
			out = append(out, d.Clone())
		}
	}
	sortCatalog(out)
	return out, nil
}

func (s *Store) ListDiscounts(ctx context.Context) ([]*discount.Discount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*discount.Discount, 0, len(s.discounts))
	for _, d := range s.discounts {
		out = append(out, d.Clone())
	}
	sortCatalog(out)
	return out, nil
}

func (s *Store) GetDiscount(ctx context.Context, id string) (*discount.Discount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.discounts[id]
	if !ok {
		return nil, discount.ErrDiscountNotFound
	}
	return d.Clone(), nil
}

func (s *Store) GetDiscountByCouponCode(ctx context.Context, code string) (*discount.Discount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if d := s.activeByCode(code, ""); d != nil {
		return d.Clone(), nil
	}
	return nil, discount.ErrDiscountNotFound
}

// activeByCode must be called with s.mu held.
func (s *Store) activeByCode(code, exceptID string) *discount.Discount {
	if code == "" {
		return nil
	}
	for _, d := range s.discounts {
		if d.ID != exceptID && d.IsActive && strings.EqualFold(d.CouponCode, code) {
			return d
		}
	}
	return nil
}

func (s *Store) CreateDiscount(ctx context.Context, d *discount.Discount) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.discounts[d.ID]; ok {
		return errors.Errorf("discount %s already exists", d.ID)
	}
	if d.IsActive && s.activeByCode(d.CouponCode, "") != nil {
		return discount.ErrDuplicateCoupon
	}
	s.discounts[d.ID] = d.Clone()
	return nil
}

// UpdateDiscount replaces the editable fields of a stored discount. The usage
// counter and creation time are owned by the store and kept as stored. The
// per-discount lock keeps a limit change from landing inside a ledger tx.
func (s *Store) UpdateDiscount(ctx context.Context, d *discount.Discount) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l := s.lockFor(d.ID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.discounts[d.ID]
	if !ok {
		return discount.ErrDiscountNotFound
	}
	if cur.Deleted() {
		return discount.ErrDiscountDeleted
	}
	if err := discount.CheckUsageLimit(d.UsageLimit, cur.UsageCount); err != nil {
		return err
	}
	if d.IsActive && s.activeByCode(d.CouponCode, d.ID) != nil {
		return discount.ErrDuplicateCoupon
	}

	next := d.Clone()
	next.UsageCount = cur.UsageCount
	next.CreatedAt = cur.CreatedAt
	next.DeletedAt = nil
	s.discounts[d.ID] = next

	d.UsageCount = cur.UsageCount
	d.CreatedAt = cur.CreatedAt
	return nil
}

func (s *Store) DeleteOrDeactivateDiscount(ctx context.Context, id string, now time.Time) (*discount.Discount, discount.DeleteOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.discounts[id]
	if !ok {
		return nil, 0, discount.ErrDiscountNotFound
	}
	if len(s.redemptions[id]) == 0 {
		delete(s.discounts, id)
		return d.Clone(), discount.Removed, nil
	}
	if !d.Deleted() {
		ts := now
		d.IsActive = false
		d.DeletedAt = &ts
		d.UpdatedAt = now
	}
	return d.Clone(), discount.Deactivated, nil
}

func (s *Store) RunLedgerTx(ctx context.Context, discountID string, fn func(tx discount.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l := s.lockFor(discountID)
	l.Lock()
	defer l.Unlock()

	tx := &ledgerTx{store: s, discountID: discountID}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit(ctx)
}

func (s *Store) ListRedemptions(ctx context.Context, discountID string) ([]*discount.Redemption, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.redemptions[discountID]
	out := make([]*discount.Redemption, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		r := *stored[i]
		out = append(out, &r)
	}
	return out, nil
}

func (s *Store) AggregateRedemptionStats(ctx context.Context, discountID string) (*discount.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &discount.Stats{
		TotalAmountSaved:   decimal.Zero,
		AverageAmountSaved: decimal.Zero,
	}
	for _, r := range s.redemptions[discountID] {
		stats.TotalRedemptions++
		stats.TotalAmountSaved = stats.TotalAmountSaved.Add(r.AmountSaved)

		at := r.CreatedAt
		if stats.FirstRedemptionAt == nil || at.Before(*stats.FirstRedemptionAt) {
			stats.FirstRedemptionAt = &at
		}
		if stats.LastRedemptionAt == nil || at.After(*stats.LastRedemptionAt) {
			last := at
			stats.LastRedemptionAt = &last
		}
	}
	if stats.TotalRedemptions > 0 {
		stats.AverageAmountSaved = stats.TotalAmountSaved.
			Div(decimal.NewFromInt(stats.TotalRedemptions)).
			Round(2)
	}
	return stats, nil
}

// sortCatalog orders discounts by priority, newest first within a priority.
func sortCatalog(ds []*discount.Discount) {
	slices.SortFunc(ds, func(a, b *discount.Discount) int {
		if a.Priority != b.Priority {
			return cmp.Compare(b.Priority, a.Priority)
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
