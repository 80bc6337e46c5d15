package discount

import (
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func cartOf(total string, items ...LineItem) Cart {
	return Cart{Products: items, TotalAmount: d(total)}
}

func TestEvaluate_CartTotal(t *testing.T) {
	tests := []struct {
		name    string
		trigger CartTotal
		total   string
		want    Outcome
	}{
		{name: "gte at boundary", trigger: CartTotal{Operator: OpGreaterOrEqual, Value: d("100")}, total: "100", want: Eligible},
		{name: "gte just below", trigger: CartTotal{Operator: OpGreaterOrEqual, Value: d("100")}, total: "99.99", want: Ineligible},
		{name: "gt at boundary", trigger: CartTotal{Operator: OpGreater, Value: d("100")}, total: "100", want: Ineligible},
		{name: "gt above", trigger: CartTotal{Operator: OpGreater, Value: d("100")}, total: "100.01", want: Eligible},
		{name: "lt below", trigger: CartTotal{Operator: OpLess, Value: d("50")}, total: "49.99", want: Eligible},
		{name: "lte at boundary", trigger: CartTotal{Operator: OpLessOrEqual, Value: d("50")}, total: "50.00", want: Eligible},
		{name: "eq ignores trailing zeros", trigger: CartTotal{Operator: OpEqual, Value: d("75")}, total: "75.00", want: Eligible},
		{name: "eq mismatch", trigger: CartTotal{Operator: OpEqual, Value: d("75")}, total: "75.01", want: Ineligible},
		{name: "unknown operator fails closed", trigger: CartTotal{Operator: "between", Value: d("1")}, total: "10", want: Failed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.trigger, cartOf(tt.total), User{})
			assert.Equal(t, tt.want, got.Outcome)
			if tt.want == Failed {
				require.ErrorIs(t, got.Err, ErrUnknownOperator)
			}
		})
	}
}

func TestEvaluate_ItemQuantity(t *testing.T) {
	cart := cartOf("40",
		LineItem{ProductID: "p1", Quantity: 2},
		LineItem{ProductID: "p2", Quantity: 1},
		LineItem{ProductID: "p1", Quantity: 1},
	)

	tests := []struct {
		name    string
		trigger ItemQuantity
		want    Outcome
	}{
		{name: "total quantity gte", trigger: ItemQuantity{Operator: OpGreaterOrEqual, Quantity: 4}, want: Eligible},
		{name: "total quantity gt", trigger: ItemQuantity{Operator: OpGreater, Quantity: 4}, want: Ineligible},
		{name: "product quantity sums lines", trigger: ItemQuantity{Operator: OpEqual, Quantity: 3, ProductID: "p1"}, want: Eligible},
		{name: "absent product counts as zero", trigger: ItemQuantity{Operator: OpEqual, Quantity: 0, ProductID: "p9"}, want: Eligible},
		{name: "absent product below threshold", trigger: ItemQuantity{Operator: OpGreaterOrEqual, Quantity: 1, ProductID: "p9"}, want: Ineligible},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.trigger, cart, User{}).Outcome)
		})
	}
}

func TestEvaluate_UserRole(t *testing.T) {
	trigger := UserRole{Roles: []string{"vip", "staff"}}

	assert.True(t, Evaluate(trigger, cartOf("10"), User{ID: "u1", Role: "vip"}).IsEligible())
	assert.False(t, Evaluate(trigger, cartOf("10"), User{ID: "u1", Role: "customer"}).IsEligible())
	assert.Equal(t, Ineligible, Evaluate(trigger, cartOf("10"), User{}).Outcome)
	assert.Equal(t, Failed, Evaluate(UserRole{}, cartOf("10"), User{Role: "vip"}).Outcome)
}

func TestEvaluate_ProductCombo(t *testing.T) {
	cart := cartOf("30",
		LineItem{ProductID: "p1", Quantity: 1},
		LineItem{ProductID: "p2", Quantity: 1},
	)

	tests := []struct {
		name    string
		trigger ProductCombo
		cart    Cart
		want    Outcome
	}{
		{name: "all present", trigger: ProductCombo{RequiredProducts: []string{"p1", "p2"}, Operator: ComboAll}, cart: cart, want: Eligible},
		{name: "all with one missing", trigger: ProductCombo{RequiredProducts: []string{"p1", "p3"}, Operator: ComboAll}, cart: cart, want: Ineligible},
		{name: "any with one present", trigger: ProductCombo{RequiredProducts: []string{"p3", "p2"}, Operator: ComboAny}, cart: cart, want: Eligible},
		{name: "any with none present", trigger: ProductCombo{RequiredProducts: []string{"p3"}, Operator: ComboAny}, cart: cart, want: Ineligible},
		{name: "empty cart", trigger: ProductCombo{RequiredProducts: []string{"p1"}, Operator: ComboAny}, cart: cartOf("30"), want: Ineligible},
		{name: "unknown operator", trigger: ProductCombo{RequiredProducts: []string{"p1"}, Operator: "most"}, cart: cart, want: Failed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.trigger, tt.cart, User{}).Outcome)
		})
	}
}

func TestEvaluate_BehaviorTagUnsupported(t *testing.T) {
	got := Evaluate(BehaviorTag{Tag: "viewed_sale", MinCount: 1}, cartOf("10"), User{ID: "u1", Tags: []string{"viewed_sale"}})
	assert.Equal(t, Unsupported, got.Outcome)
	assert.False(t, got.IsEligible())
	assert.NoError(t, got.Err)
}

func TestEvaluate_BrokenTriggers(t *testing.T) {
	got := Evaluate(nil, cartOf("10"), User{})
	assert.Equal(t, Failed, got.Outcome)
	require.ErrorIs(t, got.Err, ErrNoTrigger)

	decodeErr := errors.New("unexpected token")
	got = Evaluate(RawTrigger{Type: TriggerCartTotal, Raw: []byte(`{"operator":`), Err: decodeErr}, cartOf("10"), User{})
	assert.Equal(t, Failed, got.Outcome)
	require.ErrorIs(t, got.Err, decodeErr)
}

func TestEvaluate_Idempotent(t *testing.T) {
	cart := cartOf("150", LineItem{ProductID: "p1", Quantity: 4})
	user := User{ID: "u1", Role: "vip"}
	triggers := []Trigger{
		CartTotal{Operator: OpGreaterOrEqual, Value: d("100")},
		ItemQuantity{Operator: OpGreaterOrEqual, Quantity: 3},
		UserRole{Roles: []string{"vip"}},
		ProductCombo{RequiredProducts: []string{"p1"}, Operator: ComboAll},
		BehaviorTag{Tag: "t", MinCount: 1},
	}

	for _, tr := range triggers {
		first := Evaluate(tr, cart, user)
		second := Evaluate(tr, cart, user)
		assert.Equal(t, first, second, "trigger %s", tr.Kind())
	}
	assert.Equal(t, 4, cart.Products[0].Quantity)
}
