package promotion

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/discount-engine/internal/domain/discount"
)

// DiscountInput holds the fields of a new discount.
type DiscountInput struct {
	Name         string
	Description  string
	DiscountType discount.Type
	Trigger      discount.Trigger
	Value        decimal.Decimal
	// IsActive defaults to true when nil.
	IsActive    *bool
	UsageLimit  *int
	IsAutoApply bool
	CouponCode  string
	Priority    int
	StartDate   *time.Time
	EndDate     *time.Time
}

// DiscountPatch holds a partial update. Nil fields keep their current value;
// the Clear flags remove optional values.
type DiscountPatch struct {
	Name         *string
	Description  *string
	DiscountType *discount.Type
	Trigger      discount.Trigger
	Value        *decimal.Decimal
	IsActive     *bool
	UsageLimit   *int
	IsAutoApply  *bool
	CouponCode   *string
	Priority     *int
	StartDate    *time.Time
	EndDate      *time.Time

	ClearUsageLimit bool
	ClearStartDate  bool
	ClearEndDate    bool
}

// DeleteResult reports how a discount left the catalog.
type DeleteResult struct {
	Discount *discount.Discount
	// SoftDeleted is true when redemptions reference the discount and it was
	// deactivated instead of removed.
	SoftDeleted bool
}

// CreateDiscount validates and stores a new discount.
func (s *Service) CreateDiscount(ctx context.Context, in DiscountInput) (_ *discount.Discount, rerr error) {
	ctx, span := s.startSpan(ctx, "CreateDiscount")
	defer func() { endSpan(span, rerr) }()

	now := s.now()
	d := &discount.Discount{
		ID:           uuid.NewString(),
		Name:         in.Name,
		Description:  in.Description,
		DiscountType: in.DiscountType,
		Trigger:      in.Trigger,
		Value:        in.Value,
		IsActive:     true,
		UsageLimit:   in.UsageLimit,
		IsAutoApply:  in.IsAutoApply,
		CouponCode:   in.CouponCode,
		Priority:     in.Priority,
		StartDate:    in.StartDate,
		EndDate:      in.EndDate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.IsActive != nil {
		d.IsActive = *in.IsActive
	}

	if err := discount.Validate(d); err != nil {
		return nil, err
	}
	if err := s.repo.CreateDiscount(ctx, d); err != nil {
		return nil, errors.Wrap(err, "create discount")
	}

	zctx.From(ctx).Info("Discount created",
		zap.String("discount_id", d.ID),
		zap.String("trigger_type", string(d.TriggerType())),
	)
	return d, nil
}

// UpdateDiscount applies patch to the discount and re-validates the result.
// Deleted discounts cannot be updated.
func (s *Service) UpdateDiscount(ctx context.Context, id string, patch DiscountPatch) (_ *discount.Discount, rerr error) {
	ctx, span := s.startSpan(ctx, "UpdateDiscount")
	defer func() { endSpan(span, rerr) }()

	cur, err := s.repo.GetDiscount(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get discount")
	}
	if cur.Deleted() {
		return nil, discount.ErrDiscountDeleted
	}

	d := cur.Clone()
	patch.apply(d)
	d.UpdatedAt = s.now()

	if err := discount.Validate(d); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateDiscount(ctx, d); err != nil {
		return nil, errors.Wrap(err, "update discount")
	}
	return d, nil
}

func (p DiscountPatch) apply(d *discount.Discount) {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.Description != nil {
		d.Description = *p.Description
	}
	if p.DiscountType != nil {
		d.DiscountType = *p.DiscountType
	}
	if p.Trigger != nil {
		d.Trigger = p.Trigger
	}
	if p.Value != nil {
		d.Value = *p.Value
	}
	if p.IsActive != nil {
		d.IsActive = *p.IsActive
	}
	if p.IsAutoApply != nil {
		d.IsAutoApply = *p.IsAutoApply
	}
	if p.CouponCode != nil {
		d.CouponCode = *p.CouponCode
	}
	if p.Priority != nil {
		d.Priority = *p.Priority
	}

	switch {
	case p.ClearUsageLimit:
		d.UsageLimit = nil
	case p.UsageLimit != nil:
		v := *p.UsageLimit
		d.UsageLimit = &v
	}
	switch {
	case p.ClearStartDate:
		d.StartDate = nil
	case p.StartDate != nil:
		v := *p.StartDate
		d.StartDate = &v
	}
	switch {
	case p.ClearEndDate:
		d.EndDate = nil
	case p.EndDate != nil:
		v := *p.EndDate
		d.EndDate = &v
	}
}

// DeleteDiscount removes a discount nobody redeemed, or deactivates it for
// good when redemptions reference it.
func (s *Service) DeleteDiscount(ctx context.Context, id string) (_ *DeleteResult, rerr error) {
	ctx, span := s.startSpan(ctx, "DeleteDiscount")
	defer func() { endSpan(span, rerr) }()

	d, outcome, err := s.repo.DeleteOrDeactivateDiscount(ctx, id, s.now())
	if err != nil {
		return nil, errors.Wrap(err, "delete discount")
	}

	res := &DeleteResult{Discount: d, SoftDeleted: outcome == discount.Deactivated}
	zctx.From(ctx).Info("Discount deleted",
		zap.String("discount_id", id),
		zap.Bool("soft", res.SoftDeleted),
	)
	return res, nil
}

// ListDiscounts returns the whole catalog, highest priority first.
func (s *Service) ListDiscounts(ctx context.Context) ([]*discount.Discount, error) {
	ds, err := s.repo.ListDiscounts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list discounts")
	}
	return ds, nil
}

func (s *Service) GetDiscount(ctx context.Context, id string) (*discount.Discount, error) {
	d, err := s.repo.GetDiscount(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get discount")
	}
	return d, nil
}

func (s *Service) GetDiscountByCouponCode(ctx context.Context, code string) (*discount.Discount, error) {
	d, err := s.repo.GetDiscountByCouponCode(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "get discount by coupon code")
	}
	return d, nil
}

// RedemptionStats aggregates the redemptions of an existing discount.
func (s *Service) RedemptionStats(ctx context.Context, id string) (*discount.Stats, error) {
	if _, err := s.repo.GetDiscount(ctx, id); err != nil {
		return nil, errors.Wrap(err, "get discount")
	}
	stats, err := s.repo.AggregateRedemptionStats(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "aggregate redemptions")
	}
	return stats, nil
}

// ListRedemptions returns the redemptions of an existing discount, newest first.
func (s *Service) ListRedemptions(ctx context.Context, id string) ([]*discount.Redemption, error) {
	if _, err := s.repo.GetDiscount(ctx, id); err != nil {
		return nil, errors.Wrap(err, "get discount")
	}
	rs, err := s.repo.ListRedemptions(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "list redemptions")
	}
	return rs, nil
}
