// Package promotion selects, prices and accounts for promotional discounts.
package promotion

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/discount-engine/internal/domain/discount"
)

const instrumentationName = "github.com/xenking/discount-engine/internal/domain/promotion"

// ApplyRequest holds the input for pricing a cart.
type ApplyRequest struct {
	Cart discount.Cart
	User discount.User
	// CouponCode is optional. When set, only the discount with that code is
	// considered and auto-apply selection is skipped.
	CouponCode string
}

// ApplyResult is the priced cart. AppliedDiscount is nil when nothing applies.
type ApplyResult struct {
	OriginalAmount  decimal.Decimal
	DiscountAmount  decimal.Decimal
	FinalAmount     decimal.Decimal
	AppliedDiscount *discount.Discount
}

// Service encapsulates discount selection, redemption accounting and catalog
// administration.
type Service struct {
	repo   discount.Repository
	now    func() time.Time
	tracer trace.Tracer

	evalFailures metric.Int64Counter
	applied      metric.Int64Counter
	redemptions  metric.Int64Counter
}

type options struct {
	now            func() time.Time
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// Option configures a Service.
type Option func(*options)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithMeterProvider sets the meter provider. Metrics are discarded by default.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// WithTracerProvider sets the tracer provider. Spans are discarded by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// NewService creates a Service backed by repo.
func NewService(repo discount.Repository, opts ...Option) (*Service, error) {
	o := options{
		now:            time.Now,
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	meter := o.meterProvider.Meter(instrumentationName)
	s := &Service{
		repo:   repo,
		now:    o.now,
		tracer: o.tracerProvider.Tracer(instrumentationName),
	}

	var err error
	if s.evalFailures, err = meter.Int64Counter("discount.evaluation.failures",
		metric.WithDescription("Trigger evaluations that could not be completed"),
	); err != nil {
		return nil, errors.Wrap(err, "evaluation failures counter")
	}
	if s.applied, err = meter.Int64Counter("discount.applied",
		metric.WithDescription("Carts priced with a discount"),
	); err != nil {
		return nil, errors.Wrap(err, "applied counter")
	}
	if s.redemptions, err = meter.Int64Counter("discount.redemptions",
		metric.WithDescription("Redemption attempts by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "redemptions counter")
	}
	return s, nil
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "promotion."+name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Apply picks at most one discount for the cart and prices it. A coupon code
// resolves to exactly that discount or fails; without a code the best
// auto-apply discount is chosen. Finding no discount is not an error.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (_ *ApplyResult, rerr error) {
	ctx, span := s.startSpan(ctx, "Apply")
	defer func() { endSpan(span, rerr) }()

	if err := discount.ValidateCart(req.Cart); err != nil {
		return nil, err
	}

	now := s.now()
	result := &ApplyResult{
		OriginalAmount: req.Cart.TotalAmount,
		DiscountAmount: decimal.Zero,
		FinalAmount:    req.Cart.TotalAmount,
	}

	var (
		chosen *Candidate
		source string
	)
	if code := strings.TrimSpace(req.CouponCode); code != "" {
		d, err := s.resolveCoupon(ctx, code, req.Cart, req.User, now)
		if err != nil {
			return nil, err
		}
		chosen = &Candidate{Discount: d, Amount: discount.Amount(d, req.Cart)}
		source = "coupon"
	} else {
		active, err := s.repo.ListActiveDiscounts(ctx, now)
		if err != nil {
			return nil, errors.Wrap(err, "list active discounts")
		}
		candidates := make([]Candidate, 0, len(active))
		for _, d := range active {
			if !d.IsAutoApply || !d.Selectable(now) {
				continue
			}
			if !s.eligible(ctx, d, req.Cart, req.User) {
				continue
			}
			candidates = append(candidates, Candidate{Discount: d, Amount: discount.Amount(d, req.Cart)})
		}
		chosen = SelectBest(candidates)
		source = "auto"
	}

	if chosen == nil {
		span.SetAttributes(attribute.Bool("discount.applied", false))
		return result, nil
	}

	result.AppliedDiscount = chosen.Discount
	result.DiscountAmount = chosen.Amount
	result.FinalAmount = req.Cart.TotalAmount.Sub(chosen.Amount)
	if result.FinalAmount.IsNegative() {
		result.FinalAmount = decimal.Zero
	}

	span.SetAttributes(
		attribute.Bool("discount.applied", true),
		attribute.String("discount.id", chosen.Discount.ID),
		attribute.String("discount.source", source),
	)
	s.applied.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	return result, nil
}

// resolveCoupon returns the single discount a coupon code stands for.
func (s *Service) resolveCoupon(ctx context.Context, code string, cart discount.Cart, user discount.User, now time.Time) (*discount.Discount, error) {
	d, err := s.repo.GetDiscountByCouponCode(ctx, code)
	if err != nil {
		if errors.Is(err, discount.ErrDiscountNotFound) {
			return nil, ErrCouponNotFound
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	switch {
	case !d.IsActive || d.Deleted():
		return nil, ErrCouponNotFound
	case !d.InWindow(now):
		return nil, ErrCouponExpired
	case !d.HasHeadroom():
		return nil, ErrCouponExhausted
	case !s.eligible(ctx, d, cart, user):
		return nil, ErrCouponNotApplicable
	}
	return d, nil
}

// eligible evaluates the discount's trigger. Failed verdicts are logged and
// counted; they never make a discount eligible.
func (s *Service) eligible(ctx context.Context, d *discount.Discount, cart discount.Cart, user discount.User) bool {
	v := discount.Evaluate(d.Trigger, cart, user)
	switch v.Outcome {
	case discount.Failed:
		zctx.From(ctx).Warn("Trigger evaluation failed",
			zap.String("discount_id", d.ID),
			zap.String("trigger_type", string(d.TriggerType())),
			zap.Error(v.Err),
		)
		s.evalFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("trigger_type", string(d.TriggerType())),
		))
	case discount.Unsupported:
		zctx.From(ctx).Debug("Trigger type not supported",
			zap.String("discount_id", d.ID),
			zap.String("trigger_type", string(d.TriggerType())),
		)
	}
	return v.IsEligible()
}
