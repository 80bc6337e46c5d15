package main

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/discount-engine/internal/domain/discount"
	"github.com/xenking/discount-engine/internal/domain/promotion"
	"github.com/xenking/discount-engine/internal/storage/memory"
)

func TestSeedFile(t *testing.T) {
	data, err := os.ReadFile("../../db/seed/discounts.json")
	require.NoError(t, err)

	inputs, err := decodeDiscounts(data)
	require.NoError(t, err)
	require.Len(t, inputs, 5)

	cartTotal, ok := inputs[0].Trigger.(discount.CartTotal)
	require.True(t, ok)
	assert.Equal(t, discount.OpGreater, cartTotal.Operator)
	assert.Equal(t, "100", cartTotal.Value.String())
	assert.Equal(t, "5", inputs[1].Value.String())
	assert.Equal(t, "WELCOME10", inputs[4].CouponCode)
	require.NotNil(t, inputs[4].UsageLimit)
	assert.Equal(t, 1000, *inputs[4].UsageLimit)

	svc, err := promotion.NewService(memory.New())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, seedDiscounts(ctx, zap.NewNop(), svc, inputs))
	// Rerunning skips existing names.
	require.NoError(t, seedDiscounts(ctx, zap.NewNop(), svc, inputs))

	all, err := svc.ListDiscounts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, len(inputs))
}

func TestDecodeDiscounts_Errors(t *testing.T) {
	for _, data := range []string{
		`{}`,
		`[{"name":1}]`,
		`[{"triggerType":"cart_total","triggerCondition":{"value":"x"}}]`,
		`[{"triggerType":"weather","triggerCondition":{}}]`,
		`[{"endDate":"tomorrow"}]`,
	} {
		_, err := decodeDiscounts([]byte(data))
		assert.Error(t, err, data)
	}
}
