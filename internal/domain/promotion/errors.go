package promotion

import "github.com/go-faster/errors"

// Coupon resolution errors. Expired and exhausted coupons also match
// ErrCouponNotFound so callers that only distinguish "usable or not" can test
// for it alone.
var (
	ErrCouponNotFound      = errors.New("coupon not found")
	ErrCouponExpired       = errors.Wrap(ErrCouponNotFound, "coupon expired")
	ErrCouponExhausted     = errors.Wrap(ErrCouponNotFound, "coupon usage limit reached")
	ErrCouponNotApplicable = errors.New("coupon not applicable to cart")
)
