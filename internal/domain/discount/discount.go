package discount

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type enumerates the supported discount strategies.
type Type string

const (
	// TypeFixed subtracts a fixed monetary amount, capped at the cart total.
	TypeFixed Type = "fixed"
	// TypePercentage subtracts a percentage of the cart total.
	TypePercentage Type = "percentage"
)

// Catalog and ledger errors.
var (
	// ErrDiscountNotFound is returned when no discount has the requested id or code.
	ErrDiscountNotFound = errors.New("discount not found")
	// ErrDiscountExhausted is returned when the discount has reached its usage limit.
	ErrDiscountExhausted = errors.New("discount usage limit reached")
	// ErrDiscountInactive is returned when redeeming a deactivated discount.
	ErrDiscountInactive = errors.New("discount is inactive")
	// ErrDiscountDeleted is returned when mutating a soft-deleted discount.
	ErrDiscountDeleted = errors.New("discount is deleted")
	// ErrDuplicateCoupon is returned when another active discount already uses the code.
	ErrDuplicateCoupon = errors.New("coupon code already in use")
	// ErrDuplicateRedemption is returned when the order already redeemed the discount.
	ErrDuplicateRedemption = errors.New("order already redeemed discount")
)

// Discount is a promotional rule.
type Discount struct {
	ID           string
	Name         string
	Description  string
	DiscountType Type
	Trigger      Trigger
	Value        decimal.Decimal
	IsActive     bool
	// UsageLimit is nil when the discount may be redeemed without bound.
	UsageLimit  *int
	UsageCount  int
	IsAutoApply bool
	// CouponCode is empty for discounts without a code.
	CouponCode string
	Priority   int
	StartDate  *time.Time
	EndDate    *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
	// DeletedAt is set when the discount was soft-deleted.
	DeletedAt *time.Time
}

// TriggerType returns the kind of the discount's trigger, or an empty string
// when no trigger is set.
func (d *Discount) TriggerType() TriggerType {
	if d.Trigger == nil {
		return ""
	}
	return d.Trigger.Kind()
}

// InWindow reports whether now falls inside the inclusive validity window.
func (d *Discount) InWindow(now time.Time) bool {
	if d.StartDate != nil && now.Before(*d.StartDate) {
		return false
	}
	if d.EndDate != nil && now.After(*d.EndDate) {
		return false
	}
	return true
}

// HasHeadroom reports whether the discount can be redeemed at least once more.
func (d *Discount) HasHeadroom() bool {
	return d.UsageLimit == nil || d.UsageCount < *d.UsageLimit
}

// Selectable reports whether the discount may take part in selection at now.
func (d *Discount) Selectable(now time.Time) bool {
	return d.IsActive && d.InWindow(now) && d.HasHeadroom()
}

// Deleted reports whether the discount reached the terminal deactivated state.
func (d *Discount) Deleted() bool {
	return d.DeletedAt != nil
}

// Clone returns a deep copy of d.
func (d *Discount) Clone() *Discount {
	c := *d
	if d.UsageLimit != nil {
		v := *d.UsageLimit
		c.UsageLimit = &v
	}
	c.StartDate = cloneTime(d.StartDate)
	c.EndDate = cloneTime(d.EndDate)
	c.DeletedAt = cloneTime(d.DeletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Redemption is an immutable record of a discount being used.
type Redemption struct {
	ID          string
	DiscountID  string
	UserID      string
	OrderID     string
	AmountSaved decimal.Decimal
	CreatedAt   time.Time
	// Metadata is opaque JSON supplied by the caller.
	Metadata json.RawMessage
}

// Stats aggregates the redemptions of a single discount.
type Stats struct {
	TotalRedemptions   int64
	TotalAmountSaved   decimal.Decimal
	AverageAmountSaved decimal.Decimal
	FirstRedemptionAt  *time.Time
	LastRedemptionAt   *time.Time
}

// LineItem is a single product line of a cart.
type LineItem struct {
	ProductID string
	Quantity  int
}

// Cart is the shopping cart a discount is evaluated against.
type Cart struct {
	Products    []LineItem
	TotalAmount decimal.Decimal
}

// TotalQuantity returns the sum of quantities across all lines.
func (c Cart) TotalQuantity() int {
	total := 0
	for _, item := range c.Products {
		total += item.Quantity
	}
	return total
}

// QuantityOf returns the quantity of the given product across all lines.
func (c Cart) QuantityOf(productID string) int {
	total := 0
	for _, item := range c.Products {
		if item.ProductID == productID {
			total += item.Quantity
		}
	}
	return total
}

// Contains reports whether the cart has a line for the given product.
func (c Cart) Contains(productID string) bool {
	for _, item := range c.Products {
		if item.ProductID == productID {
			return true
		}
	}
	return false
}

// User is the shopper a discount is evaluated for.
type User struct {
	ID   string
	Role string
	// Tags carries behaviour tags attached by the caller. No trigger consumes
	// them yet; see BehaviorTag.
	Tags []string
}

// DeleteOutcome describes which terminal transition a delete request took.
type DeleteOutcome int

const (
	// Removed means the discount was physically deleted.
	Removed DeleteOutcome = iota + 1
	// Deactivated means the discount was soft-deleted because redemptions reference it.
	Deactivated
)

// LedgerTx is the transactional view of the ledger handed to RunLedgerTx.
type LedgerTx interface {
	// ConditionallyIncrementUsage increments usage_count when the discount is
	// active and below its usage limit. It reports false when no row changed.
	ConditionallyIncrementUsage(ctx context.Context, id string) (bool, error)
	// AppendRedemption appends r to the ledger.
	AppendRedemption(ctx context.Context, r *Redemption) error
}

// Repository is the persistence contract of the discount engine.
type Repository interface {
	// ListActiveDiscounts returns active discounts whose window brackets now
	// and that still have usage headroom.
	ListActiveDiscounts(ctx context.Context, now time.Time) ([]*Discount, error)
	// ListDiscounts returns every discount ordered by priority, newest first.
	ListDiscounts(ctx context.Context) ([]*Discount, error)
	GetDiscount(ctx context.Context, id string) (*Discount, error)
	// GetDiscountByCouponCode returns the active discount with the given code,
	// compared case-insensitively.
	GetDiscountByCouponCode(ctx context.Context, code string) (*Discount, error)
	CreateDiscount(ctx context.Context, d *Discount) error
	UpdateDiscount(ctx context.Context, d *Discount) error
	// DeleteOrDeactivateDiscount removes the discount when no redemption
	// references it, otherwise deactivates it. The returned discount is the
	// state just before removal or just after deactivation.
	DeleteOrDeactivateDiscount(ctx context.Context, id string, now time.Time) (*Discount, DeleteOutcome, error)
	// RunLedgerTx runs fn with exclusive access to the usage counter of the
	// given discount. Writes made through tx commit only if fn returns nil.
	RunLedgerTx(ctx context.Context, discountID string, fn func(tx LedgerTx) error) error
	// ListRedemptions returns the redemptions of a discount, newest first.
	ListRedemptions(ctx context.Context, discountID string) ([]*Redemption, error)
	AggregateRedemptionStats(ctx context.Context, discountID string) (*Stats, error)
}
