package events

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/xenking/discount-engine/internal/domain/discount"
	"github.com/xenking/discount-engine/internal/domain/promotion"
)

// --- Mock implementations ---

type mockRedeemer struct {
	mu    sync.Mutex
	errs  []error
	calls []promotion.RedemptionInput
}

func (m *mockRedeemer) RecordRedemption(_ context.Context, in promotion.RedemptionInput) (*discount.Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, in)
	if len(m.errs) == 0 {
		return &discount.Redemption{ID: "r1", DiscountID: in.DiscountID}, nil
	}
	err := m.errs[0]
	m.errs = m.errs[1:]
	if err != nil {
		return nil, err
	}
	return &discount.Redemption{ID: "r1", DiscountID: in.DiscountID}, nil
}

type mockProducer struct {
	records []*kgo.Record
	err     error
}

func (m *mockProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	m.records = append(m.records, rs...)
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		results = append(results, kgo.ProduceResult{Record: r, Err: m.err})
	}
	return results
}

// flakyProducer fails the first failures publishes.
type flakyProducer struct {
	failures int
	calls    int
}

func (f *flakyProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.calls++
	var err error
	if f.calls <= f.failures {
		err = errors.New("not leader for partition")
	}
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		results = append(results, kgo.ProduceResult{Record: r, Err: err})
	}
	return results
}

func newTestConsumer(redeemer Redeemer, dlq Producer) *Consumer {
	return &Consumer{
		dlq:      dlq,
		redeemer: redeemer,
		cfg: ConsumerConfig{
			DLQTopic:     TopicCheckoutCompleted + TopicDLQSuffix,
			MaxAttempts:  3,
			RetryBackoff: time.Millisecond,
		},
	}
}

func header(r *kgo.Record, key string) string {
	for _, h := range r.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// --- Tests ---

func TestDecodeCheckoutCompleted(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    CheckoutCompleted
	}{
		{
			name:    "number amount",
			payload: `{"discountId":"d1","userId":"u1","orderId":"o1","amountSaved":12.5,"metadata":{"channel":"app"}}`,
			want: CheckoutCompleted{
				DiscountID: "d1", UserID: "u1", OrderID: "o1",
				AmountSaved: decimal.RequireFromString("12.5"),
				Metadata:    []byte(`{"channel":"app"}`),
			},
		},
		{
			name:    "string amount and nulls",
			payload: `{"discountId":"d1","userId":null,"amountSaved":"0.10","metadata":null,"extra":[1,2]}`,
			want: CheckoutCompleted{
				DiscountID:  "d1",
				AmountSaved: decimal.RequireFromString("0.10"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCheckoutCompleted([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want.DiscountID, got.DiscountID)
			assert.Equal(t, tt.want.UserID, got.UserID)
			assert.Equal(t, tt.want.OrderID, got.OrderID)
			assert.True(t, tt.want.AmountSaved.Equal(got.AmountSaved))
			assert.Equal(t, tt.want.Metadata, got.Metadata)
		})
	}

	for _, bad := range []string{`not json`, `{"amountSaved":true}`, `{"amountSaved":"ten"}`, `{"discountId":1}`} {
		_, err := DecodeCheckoutCompleted([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestConsumer_Handle(t *testing.T) {
	valid := []byte(`{"discountId":"d1","orderId":"o1","amountSaved":5}`)

	tests := []struct {
		name       string
		value      []byte
		errs       []error
		wantCalls  int
		wantReason string
	}{
		{name: "recorded", value: valid, wantCalls: 1},
		{name: "malformed payload", value: []byte(`{"discountId":`), wantReason: ReasonInvalidPayload},
		{name: "exhausted", value: valid, errs: []error{discount.ErrDiscountExhausted}, wantCalls: 1, wantReason: ReasonExhausted},
		{name: "inactive", value: valid, errs: []error{discount.ErrDiscountInactive}, wantCalls: 1, wantReason: ReasonInactive},
		{name: "not found", value: valid, errs: []error{errors.Wrap(discount.ErrDiscountNotFound, "get")}, wantCalls: 1, wantReason: ReasonNotFound},
		{
			name:       "invalid amount",
			value:      valid,
			errs:       []error{&discount.ValidationError{Kind: discount.ErrInvalidRedemption, Field: "amountSaved"}},
			wantCalls:  1,
			wantReason: ReasonInvalidRedemption,
		},
		{
			name:      "order already recorded",
			value:     valid,
			errs:      []error{errors.Wrap(discount.ErrDuplicateRedemption, "record redemption")},
			wantCalls: 1,
		},
		{
			name:      "transient then success",
			value:     valid,
			errs:      []error{errors.New("conn reset"), nil},
			wantCalls: 2,
		},
		{
			name:       "transient exhausts attempts",
			value:      valid,
			errs:       []error{errors.New("conn reset"), errors.New("conn reset"), errors.New("conn reset")},
			wantCalls:  3,
			wantReason: ReasonInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			redeemer := &mockRedeemer{errs: tt.errs}
			dlq := &mockProducer{}
			c := newTestConsumer(redeemer, dlq)

			err := c.handle(context.Background(), &kgo.Record{
				Topic: TopicCheckoutCompleted,
				Key:   []byte("o1"),
				Value: tt.value,
			})
			require.NoError(t, err)

			assert.Len(t, redeemer.calls, tt.wantCalls)
			if tt.wantReason == "" {
				assert.Empty(t, dlq.records)
				return
			}

			require.Len(t, dlq.records, 1)
			dead := dlq.records[0]
			assert.Equal(t, "checkout.completed.dlq", dead.Topic)
			assert.Equal(t, tt.value, dead.Value)
			assert.Equal(t, []byte("o1"), dead.Key)
			assert.True(t, strings.HasPrefix(header(dead, ErrorHeaderKey), tt.wantReason+": "),
				"header %q", header(dead, ErrorHeaderKey))
		})
	}
}

func TestConsumer_PassesEventFields(t *testing.T) {
	redeemer := &mockRedeemer{}
	c := newTestConsumer(redeemer, &mockProducer{})

	require.NoError(t, c.handle(context.Background(), &kgo.Record{
		Value: []byte(`{"discountId":"d9","userId":"u9","orderId":"o9","amountSaved":"19.99","metadata":{"a":1}}`),
	}))

	require.Len(t, redeemer.calls, 1)
	in := redeemer.calls[0]
	assert.Equal(t, "d9", in.DiscountID)
	assert.Equal(t, "u9", in.UserID)
	assert.Equal(t, "o9", in.OrderID)
	assert.True(t, decimal.RequireFromString("19.99").Equal(in.AmountSaved))
	assert.JSONEq(t, `{"a":1}`, string(in.Metadata))
}

func TestConsumer_NoDeadLetterOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	redeemer := &mockRedeemer{errs: []error{errors.New("conn reset")}}
	dlq := &mockProducer{}
	c := newTestConsumer(redeemer, dlq)

	err := c.handle(ctx, &kgo.Record{Value: []byte(`{"discountId":"d1","amountSaved":1}`)})
	require.ErrorIs(t, err, context.Canceled, "not committable")
	assert.Empty(t, dlq.records)
}

func TestConsumer_HandleBatchStopsWhenDeadLetterFails(t *testing.T) {
	redeemer := &mockRedeemer{}
	dlq := &mockProducer{err: errors.New("broker unavailable")}
	c := newTestConsumer(redeemer, dlq)

	records := []*kgo.Record{
		{Offset: 1, Value: []byte(`{"discountId":"d1","orderId":"o1","amountSaved":1}`)},
		{Offset: 2, Value: []byte(`{"discountId":`)},
		{Offset: 3, Value: []byte(`{"discountId":"d1","orderId":"o3","amountSaved":1}`)},
	}

	handled, err := c.handleBatch(context.Background(), records)
	require.Error(t, err)
	assert.Equal(t, 1, handled, "only the recorded prefix is committable")
	assert.Len(t, redeemer.calls, 1, "records after the failure are left for redelivery")
	assert.Len(t, dlq.records, c.cfg.MaxAttempts)
}

func TestConsumer_HandleBatchDeadLetterRecovers(t *testing.T) {
	redeemer := &mockRedeemer{}
	dlq := &flakyProducer{failures: 2}
	c := newTestConsumer(redeemer, dlq)

	records := []*kgo.Record{
		{Offset: 1, Value: []byte(`{"discountId":`)},
		{Offset: 2, Value: []byte(`{"discountId":"d1","orderId":"o2","amountSaved":1}`)},
	}

	handled, err := c.handleBatch(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, 2, handled)
	assert.Equal(t, 3, dlq.calls)
	assert.Len(t, redeemer.calls, 1)
}
