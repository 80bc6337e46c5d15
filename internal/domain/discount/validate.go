package discount

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Validation errors. Every ValidationError unwraps to one of them.
var (
	ErrInvalidDiscount   = errors.New("invalid discount")
	ErrInvalidCart       = errors.New("invalid cart")
	ErrInvalidRedemption = errors.New("invalid redemption")
)

// ValidationError reports a rejected field.
type ValidationError struct {
	Kind    error
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

// MoneyScale is the number of decimal places stored for discount values and
// redemption amounts.
const MoneyScale = 2

// MaxMoney is the smallest amount that no longer fits NUMERIC(12, 2).
var MaxMoney = decimal.New(1, 10)

func invalidf(field, format string, args ...any) *ValidationError {
	return &ValidationError{
		Kind:    ErrInvalidDiscount,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}

// Validate checks a discount before it is persisted.
func Validate(d *Discount) error {
	if strings.TrimSpace(d.Name) == "" {
		return invalidf("name", "is required")
	}
	if d.Trigger == nil {
		return invalidf("triggerCondition", "is required")
	}
	if err := d.Trigger.Validate(); err != nil {
		return err
	}

	switch d.DiscountType {
	case TypePercentage:
		if !d.Value.IsPositive() || d.Value.GreaterThan(hundred) {
			return invalidf("discountValue", "percentage must be in (0, 100]")
		}
	case TypeFixed:
		if !d.Value.IsPositive() {
			return invalidf("discountValue", "fixed amount must be > 0")
		}
	default:
		return invalidf("discountType", "must be %q or %q", TypeFixed, TypePercentage)
	}
	if !HasMoneyScale(d.Value) {
		return invalidf("discountValue", "must have at most %d decimal places", MoneyScale)
	}
	if d.Value.GreaterThanOrEqual(MaxMoney) {
		return invalidf("discountValue", "must be < %s", MaxMoney)
	}

	if d.UsageLimit != nil && *d.UsageLimit < 1 {
		return invalidf("usageLimit", "must be positive")
	}
	if d.UsageCount < 0 {
		return invalidf("usageCount", "must be >= 0")
	}
	if err := CheckUsageLimit(d.UsageLimit, d.UsageCount); err != nil {
		return err
	}
	if d.CouponCode != strings.TrimSpace(d.CouponCode) {
		return invalidf("couponCode", "must not have surrounding whitespace")
	}
	if d.StartDate != nil && d.EndDate != nil && d.EndDate.Before(*d.StartDate) {
		return invalidf("endDate", "must not be before startDate")
	}
	return nil
}

// CheckUsageLimit rejects a limit below the redemptions already recorded.
func CheckUsageLimit(limit *int, count int) error {
	if limit != nil && *limit < count {
		return invalidf("usageLimit", "must not be below usage count %d", count)
	}
	return nil
}

// HasMoneyScale reports whether v is representable with MoneyScale decimal
// places. Trailing zeros are allowed.
func HasMoneyScale(v decimal.Decimal) bool {
	return v.Equal(v.Round(MoneyScale))
}

// ValidateCart checks a cart received from a caller.
func ValidateCart(c Cart) error {
	if !c.TotalAmount.IsPositive() {
		return &ValidationError{Kind: ErrInvalidCart, Field: "totalAmount", Message: "must be > 0"}
	}
	for i, item := range c.Products {
		if item.ProductID == "" {
			return &ValidationError{
				Kind:    ErrInvalidCart,
				Field:   fmt.Sprintf("products[%d].productId", i),
				Message: "is required",
			}
		}
		if item.Quantity < 1 {
			return &ValidationError{
				Kind:    ErrInvalidCart,
				Field:   fmt.Sprintf("products[%d].quantity", i),
				Message: "must be >= 1",
			}
		}
	}
	return nil
}
