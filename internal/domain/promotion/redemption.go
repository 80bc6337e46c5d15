package promotion

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/discount-engine/internal/domain/discount"
)

// RedemptionInput describes a completed checkout that used a discount.
type RedemptionInput struct {
	DiscountID  string
	UserID      string
	OrderID     string
	AmountSaved decimal.Decimal
	// Metadata is stored verbatim and must be valid JSON when set.
	Metadata json.RawMessage
}

// errNoHeadroom aborts a ledger transaction whose conditional increment
// matched no row.
var errNoHeadroom = errors.New("conditional increment matched no row")

// RecordRedemption atomically increments the discount's usage counter and
// appends a redemption. Either both writes happen or neither does.
func (s *Service) RecordRedemption(ctx context.Context, in RedemptionInput) (_ *discount.Redemption, rerr error) {
	ctx, span := s.startSpan(ctx, "RecordRedemption")
	defer func() {
		endSpan(span, rerr)
		s.redemptions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", redemptionOutcome(rerr))))
	}()
	span.SetAttributes(attribute.String("discount.id", in.DiscountID))

	// Amounts are stored to the cent; validate what will be stored.
	in.AmountSaved = in.AmountSaved.Round(discount.MoneyScale)
	if err := validateRedemption(in); err != nil {
		return nil, err
	}

	d, err := s.repo.GetDiscount(ctx, in.DiscountID)
	if err != nil {
		if errors.Is(err, discount.ErrDiscountNotFound) {
			return nil, discount.ErrDiscountNotFound
		}
		return nil, errors.Wrap(err, "get discount")
	}
	if !d.IsActive {
		return nil, discount.ErrDiscountInactive
	}

	now := s.now()
	r := &discount.Redemption{
		ID:          uuid.NewString(),
		DiscountID:  d.ID,
		UserID:      in.UserID,
		OrderID:     in.OrderID,
		AmountSaved: in.AmountSaved,
		CreatedAt:   now,
		Metadata:    in.Metadata,
	}

	err = s.repo.RunLedgerTx(ctx, d.ID, func(tx discount.LedgerTx) error {
		ok, err := tx.ConditionallyIncrementUsage(ctx, d.ID)
		if err != nil {
			return errors.Wrap(err, "increment usage")
		}
		if !ok {
			return errNoHeadroom
		}
		if err := tx.AppendRedemption(ctx, r); err != nil {
			return errors.Wrap(err, "append redemption")
		}
		return nil
	})
	if errors.Is(err, errNoHeadroom) {
		return nil, s.explainRejected(ctx, d.ID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "record redemption")
	}

	zctx.From(ctx).Info("Redemption recorded",
		zap.String("discount_id", r.DiscountID),
		zap.String("redemption_id", r.ID),
		zap.String("order_id", r.OrderID),
		zap.Stringer("amount_saved", r.AmountSaved),
	)
	return r, nil
}

// explainRejected picks the error describing why a conditional increment
// matched no row, based on the discount's current state.
func (s *Service) explainRejected(ctx context.Context, id string) error {
	d, err := s.repo.GetDiscount(ctx, id)
	switch {
	case errors.Is(err, discount.ErrDiscountNotFound):
		return discount.ErrDiscountNotFound
	case err != nil:
		return errors.Wrap(err, "reload discount")
	case !d.IsActive:
		return discount.ErrDiscountInactive
	default:
		return discount.ErrDiscountExhausted
	}
}

func validateRedemption(in RedemptionInput) error {
	if in.DiscountID == "" {
		return &discount.ValidationError{Kind: discount.ErrInvalidRedemption, Field: "discountId", Message: "is required"}
	}
	if !in.AmountSaved.IsPositive() {
		return &discount.ValidationError{Kind: discount.ErrInvalidRedemption, Field: "amountSaved", Message: "must be >= 0.01"}
	}
	if in.AmountSaved.GreaterThanOrEqual(discount.MaxMoney) {
		return &discount.ValidationError{Kind: discount.ErrInvalidRedemption, Field: "amountSaved", Message: "must be < " + discount.MaxMoney.String()}
	}
	if len(in.Metadata) > 0 && !jx.Valid(in.Metadata) {
		return &discount.ValidationError{Kind: discount.ErrInvalidRedemption, Field: "metadata", Message: "must be valid JSON"}
	}
	return nil
}

func redemptionOutcome(err error) string {
	switch {
	case err == nil:
		return "recorded"
	case errors.Is(err, discount.ErrDiscountExhausted):
		return "exhausted"
	case errors.Is(err, discount.ErrDiscountInactive):
		return "inactive"
	case errors.Is(err, discount.ErrDiscountNotFound):
		return "not_found"
	case errors.Is(err, discount.ErrDuplicateRedemption):
		return "duplicate"
	case errors.Is(err, discount.ErrInvalidRedemption):
		return "invalid"
	default:
		return "error"
	}
}
