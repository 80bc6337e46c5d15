package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/xenking/discount-engine/internal/domain/discount"
	"github.com/xenking/discount-engine/internal/domain/promotion"
)

// Redeemer records redemptions.
type Redeemer interface {
	RecordRedemption(ctx context.Context, in promotion.RedemptionInput) (*discount.Redemption, error)
}

// Producer publishes records synchronously. *kgo.Client implements it.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Rejection reasons put into the x-error header.
const (
	ReasonInvalidPayload    = "invalid_payload"
	ReasonInvalidRedemption = "invalid_redemption"
	ReasonNotFound          = "discount_not_found"
	ReasonInactive          = "discount_inactive"
	ReasonExhausted         = "discount_exhausted"
	ReasonInternal          = "internal"
)

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// DLQTopic receives rejected records. Defaults to checkout.completed.dlq.
	DLQTopic string
	// MaxAttempts bounds retries of transient failures per record.
	MaxAttempts int
	// RetryBackoff is the pause between attempts.
	RetryBackoff time.Duration
}

// Consumer turns checkout.completed records into redemptions. Records that can
// never succeed are published to the dead-letter topic and committed. A
// record is committed only after one of the two happened; redelivered orders
// are recognised by their order id.
type Consumer struct {
	client   *kgo.Client
	dlq      Producer
	redeemer Redeemer
	cfg      ConsumerConfig
}

// NewConsumer creates a Consumer polling client. The client must be configured
// with a consumer group and auto-commit disabled.
func NewConsumer(client *kgo.Client, redeemer Redeemer, cfg ConsumerConfig) *Consumer {
	if cfg.DLQTopic == "" {
		cfg.DLQTopic = TopicCheckoutCompleted + TopicDLQSuffix
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Consumer{
		client:   client,
		dlq:      client,
		redeemer: redeemer,
		cfg:      cfg,
	}
}

// Run polls until ctx is done or the client is closed.
func (c *Consumer) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			lg.Warn("Fetch failed",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err),
			)
		})

		records := fetches.Records()
		handled, err := c.handleBatch(ctx, records)
		if ctx.Err() != nil {
			// Uncommitted records are redelivered after restart.
			return nil
		}

		if handled > 0 {
			if err := c.client.CommitRecords(ctx, records[:handled]...); err != nil {
				lg.Error("Commit failed", zap.Error(err))
			}
		}
		if err != nil {
			// Records from the failed one on stay uncommitted and are
			// redelivered to the next consumer of the partition.
			return errors.Wrap(err, "handle batch")
		}
	}
}

// handleBatch handles records in order and returns how many of them may be
// committed. It stops at the first record that was neither recorded nor
// dead-lettered.
func (c *Consumer) handleBatch(ctx context.Context, records []*kgo.Record) (int, error) {
	for i, r := range records {
		if err := c.handle(ctx, r); err != nil {
			return i, err
		}
	}
	return len(records), nil
}

// handle returns nil once the record is either recorded or published to the
// dead-letter topic.
func (c *Consumer) handle(ctx context.Context, r *kgo.Record) error {
	ctx = zctx.With(ctx,
		zap.String("topic", r.Topic),
		zap.Int32("partition", r.Partition),
		zap.Int64("offset", r.Offset),
	)
	lg := zctx.From(ctx)

	reason, err := c.process(ctx, r.Value)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	lg.Warn("Checkout event rejected", zap.String("reason", reason), zap.Error(err))
	dead := &kgo.Record{
		Topic: c.cfg.DLQTopic,
		Key:   r.Key,
		Value: r.Value,
		Headers: append(append([]kgo.RecordHeader(nil), r.Headers...), kgo.RecordHeader{
			Key:   ErrorHeaderKey,
			Value: []byte(reason + ": " + err.Error()),
		}),
	}
	if err := c.publishDeadLetter(ctx, dead); err != nil {
		lg.Error("Dead-letter publish failed", zap.Error(err))
		return errors.Wrap(err, "publish dead letter")
	}
	return nil
}

func (c *Consumer) publishDeadLetter(ctx context.Context, dead *kgo.Record) error {
	var err error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err = c.dlq.ProduceSync(ctx, dead).FirstErr(); err == nil {
			return nil
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RetryBackoff):
		}
	}
	return err
}

// process records the redemption carried by value. A non-nil error means the
// record is rejected for the returned reason.
func (c *Consumer) process(ctx context.Context, value []byte) (string, error) {
	event, err := DecodeCheckoutCompleted(value)
	if err != nil {
		return ReasonInvalidPayload, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		_, err := c.redeemer.RecordRedemption(ctx, event.RedemptionInput())
		if err == nil {
			return "", nil
		}
		if errors.Is(err, discount.ErrDuplicateRedemption) {
			zctx.From(ctx).Info("Redemption already recorded",
				zap.String("discount_id", event.DiscountID),
				zap.String("order_id", event.OrderID),
			)
			return "", nil
		}
		if reason, permanent := classify(err); permanent {
			return reason, err
		}

		lastErr = err
		zctx.From(ctx).Warn("Redemption attempt failed",
			zap.Int("attempt", attempt),
			zap.String("discount_id", event.DiscountID),
			zap.Error(err),
		)
		if attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ReasonInternal, errors.Wrap(ctx.Err(), "retry interrupted")
		case <-time.After(c.cfg.RetryBackoff):
		}
	}
	return ReasonInternal, lastErr
}

// classify maps an error to a rejection reason and reports whether retrying
// cannot help.
func classify(err error) (string, bool) {
	switch {
	case errors.Is(err, discount.ErrInvalidRedemption):
		return ReasonInvalidRedemption, true
	case errors.Is(err, discount.ErrDiscountNotFound):
		return ReasonNotFound, true
	case errors.Is(err, discount.ErrDiscountInactive):
		return ReasonInactive, true
	case errors.Is(err, discount.ErrDiscountExhausted):
		return ReasonExhausted, true
	default:
		return ReasonInternal, false
	}
}
