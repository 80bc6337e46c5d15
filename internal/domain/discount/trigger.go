package discount

import (
	"fmt"
	"slices"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// TriggerType names a trigger kind as stored alongside its condition.
type TriggerType string

const (
	TriggerCartTotal    TriggerType = "cart_total"
	TriggerItemQuantity TriggerType = "item_quantity"
	TriggerUserRole     TriggerType = "user_role"
	TriggerProductCombo TriggerType = "product_combo"
	TriggerBehaviorTag  TriggerType = "behavior_tag"
)

var (
	// ErrUnknownOperator is reported when a condition carries an operator its
	// kind does not define.
	ErrUnknownOperator = errors.New("unknown operator")
	// ErrNoTrigger is reported when a discount has no trigger attached.
	ErrNoTrigger = errors.New("discount has no trigger")
)

// Trigger is the condition deciding whether a discount applies to a cart and
// user. The concrete type determines the trigger kind; every kind implements
// validation, evaluation and encoding, so an incomplete new kind fails to
// compile.
type Trigger interface {
	// Kind returns the stored trigger type of the condition.
	Kind() TriggerType
	// Validate checks the condition against the schema of its kind.
	Validate() error

	evaluate(cart Cart, user User) Verdict
	encode(e *jx.Encoder)
}

// Outcome classifies a trigger evaluation.
type Outcome uint8

const (
	// Ineligible means the condition was evaluated and did not hold.
	Ineligible Outcome = iota
	// Eligible means the condition holds for the cart and user.
	Eligible
	// Unsupported means the kind cannot be evaluated yet.
	Unsupported
	// Failed means the condition could not be evaluated.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Ineligible:
		return "ineligible"
	case Eligible:
		return "eligible"
	case Unsupported:
		return "unsupported"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Verdict is the typed result of evaluating a trigger. Only Eligible verdicts
// make a discount applicable; Failed verdicts carry the cause in Err.
type Verdict struct {
	Outcome Outcome
	Err     error
}

// IsEligible reports whether the verdict allows the discount to apply.
func (v Verdict) IsEligible() bool {
	return v.Outcome == Eligible
}

func verdictOf(ok bool) Verdict {
	if ok {
		return Verdict{Outcome: Eligible}
	}
	return Verdict{Outcome: Ineligible}
}

func failed(err error) Verdict {
	return Verdict{Outcome: Failed, Err: err}
}

// Evaluate evaluates t against the cart and user. It never panics: a broken
// condition yields a Failed verdict.
func Evaluate(t Trigger, cart Cart, user User) (v Verdict) {
	if t == nil {
		return failed(ErrNoTrigger)
	}
	defer func() {
		if r := recover(); r != nil {
			v = failed(errors.Errorf("evaluate %s trigger: panic: %v", t.Kind(), r))
		}
	}()
	return t.evaluate(cart, user)
}

// Operator is a comparison used by numeric conditions.
type Operator string

const (
	OpGreater        Operator = "gt"
	OpGreaterOrEqual Operator = "gte"
	OpLess           Operator = "lt"
	OpLessOrEqual    Operator = "lte"
	OpEqual          Operator = "eq"
)

// Valid reports whether op is a known comparison.
func (op Operator) Valid() bool {
	switch op {
	case OpGreater, OpGreaterOrEqual, OpLess, OpLessOrEqual, OpEqual:
		return true
	default:
		return false
	}
}

// holds applies op to the result of comparing the actual value with the
// threshold (-1, 0 or +1).
func (op Operator) holds(cmp int) (bool, error) {
	switch op {
	case OpGreater:
		return cmp > 0, nil
	case OpGreaterOrEqual:
		return cmp >= 0, nil
	case OpLess:
		return cmp < 0, nil
	case OpLessOrEqual:
		return cmp <= 0, nil
	case OpEqual:
		return cmp == 0, nil
	default:
		return false, errors.Wrapf(ErrUnknownOperator, "%q", string(op))
	}
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// ComboOperator decides how many required products must be in the cart.
type ComboOperator string

const (
	ComboAll ComboOperator = "all"
	ComboAny ComboOperator = "any"
)

// CartTotal compares the cart total with Value.
type CartTotal struct {
	Operator Operator
	Value    decimal.Decimal
}

func (CartTotal) Kind() TriggerType { return TriggerCartTotal }

func (c CartTotal) Validate() error {
	if !c.Operator.Valid() {
		return invalidf("triggerCondition.operator", "unknown operator %q", c.Operator)
	}
	if c.Value.IsNegative() {
		return invalidf("triggerCondition.value", "must be >= 0")
	}
	return nil
}

func (c CartTotal) evaluate(cart Cart, _ User) Verdict {
	ok, err := c.Operator.holds(cart.TotalAmount.Cmp(c.Value))
	if err != nil {
		return failed(err)
	}
	return verdictOf(ok)
}

// ItemQuantity compares a quantity from the cart with Quantity. When
// ProductID is set only that product counts, otherwise all lines do.
type ItemQuantity struct {
	Operator  Operator
	Quantity  int
	ProductID string
}

func (ItemQuantity) Kind() TriggerType { return TriggerItemQuantity }

func (c ItemQuantity) Validate() error {
	if !c.Operator.Valid() {
		return invalidf("triggerCondition.operator", "unknown operator %q", c.Operator)
	}
	if c.Quantity < 0 {
		return invalidf("triggerCondition.quantity", "must be >= 0")
	}
	return nil
}

func (c ItemQuantity) evaluate(cart Cart, _ User) Verdict {
	qty := cart.TotalQuantity()
	if c.ProductID != "" {
		qty = cart.QuantityOf(c.ProductID)
	}
	ok, err := c.Operator.holds(compareInt(qty, c.Quantity))
	if err != nil {
		return failed(err)
	}
	return verdictOf(ok)
}

// UserRole matches users whose role is one of Roles.
type UserRole struct {
	Roles []string
}

func (UserRole) Kind() TriggerType { return TriggerUserRole }

func (c UserRole) Validate() error {
	if len(c.Roles) == 0 {
		return invalidf("triggerCondition.roles", "must not be empty")
	}
	for _, r := range c.Roles {
		if r == "" {
			return invalidf("triggerCondition.roles", "must not contain empty roles")
		}
	}
	return nil
}

func (c UserRole) evaluate(_ Cart, user User) Verdict {
	if len(c.Roles) == 0 {
		return failed(errors.New("user_role condition has no roles"))
	}
	if user.Role == "" {
		return verdictOf(false)
	}
	return verdictOf(slices.Contains(c.Roles, user.Role))
}

// ProductCombo matches carts containing all or any of RequiredProducts.
type ProductCombo struct {
	RequiredProducts []string
	Operator         ComboOperator
}

func (ProductCombo) Kind() TriggerType { return TriggerProductCombo }

func (c ProductCombo) Validate() error {
	if len(c.RequiredProducts) == 0 {
		return invalidf("triggerCondition.requiredProducts", "must not be empty")
	}
	if c.Operator != ComboAll && c.Operator != ComboAny {
		return invalidf("triggerCondition.operator", "must be %q or %q", ComboAll, ComboAny)
	}
	return nil
}

func (c ProductCombo) evaluate(cart Cart, _ User) Verdict {
	if len(c.RequiredProducts) == 0 {
		return failed(errors.New("product_combo condition has no required products"))
	}
	if len(cart.Products) == 0 {
		return verdictOf(false)
	}
	switch c.Operator {
	case ComboAll:
		for _, id := range c.RequiredProducts {
			if !cart.Contains(id) {
				return verdictOf(false)
			}
		}
		return verdictOf(true)
	case ComboAny:
		return verdictOf(slices.ContainsFunc(c.RequiredProducts, cart.Contains))
	default:
		return failed(errors.Wrapf(ErrUnknownOperator, "%q", string(c.Operator)))
	}
}

// BehaviorTag is meant to match users who logged Tag at least MinCount
// times. Behaviour counting is not available, so evaluation always reports
// Unsupported and the discount never applies.
type BehaviorTag struct {
	Tag      string
	MinCount int
}

func (BehaviorTag) Kind() TriggerType { return TriggerBehaviorTag }

func (c BehaviorTag) Validate() error {
	if c.Tag == "" {
		return invalidf("triggerCondition.tag", "must not be empty")
	}
	if c.MinCount < 1 {
		return invalidf("triggerCondition.minCount", "must be >= 1")
	}
	return nil
}

func (BehaviorTag) evaluate(Cart, User) Verdict {
	return Verdict{Outcome: Unsupported}
}

// RawTrigger holds a stored condition that could not be decoded. It keeps the
// original payload so it can be written back unchanged, and always evaluates
// as Failed.
type RawTrigger struct {
	Type TriggerType
	Raw  []byte
	Err  error
}

func (t RawTrigger) Kind() TriggerType { return t.Type }

func (t RawTrigger) Validate() error {
	return invalidf("triggerCondition", "cannot decode %s condition: %v", t.Type, t.Err)
}

func (t RawTrigger) evaluate(Cart, User) Verdict {
	return failed(errors.Wrapf(t.Err, "decode %s condition", t.Type))
}
