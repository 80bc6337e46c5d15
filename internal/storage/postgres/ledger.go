package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/discount-engine/internal/domain/discount"
)

const (
	incrementUsageSQL = `UPDATE discounts SET usage_count = usage_count + 1
		WHERE id = $1 AND is_active AND (usage_limit IS NULL OR usage_count < usage_limit)
		RETURNING usage_count`

	insertRedemptionSQL = `INSERT INTO discount_redemptions
		(id, discount_id, user_id, order_id, amount_saved, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
)

// RunLedgerTx runs fn inside a single database transaction. The conditional
// increment takes the row lock on the discount, serialising concurrent
// redemptions of the same id until commit.
func (r *DiscountRepository) RunLedgerTx(ctx context.Context, discountID string, fn func(tx discount.LedgerTx) error) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		return fn(&ledgerTx{tx: tx, discountID: discountID})
	})
}

func (r *DiscountRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.Wrapf(err, "rollback failed: %v", rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type ledgerTx struct {
	tx         pgx.Tx
	discountID string
}

func (l *ledgerTx) ConditionallyIncrementUsage(ctx context.Context, id string) (bool, error) {
	if id != l.discountID {
		return false, errors.Errorf("ledger tx for %s cannot touch %s", l.discountID, id)
	}

	var count int
	err := l.tx.QueryRow(ctx, incrementUsageSQL, id).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("incrementing usage of discount %q: %w", id, err)
	}
	return true, nil
}

func (l *ledgerTx) AppendRedemption(ctx context.Context, red *discount.Redemption) error {
	if red.DiscountID != l.discountID {
		return errors.Errorf("ledger tx for %s cannot append to %s", l.discountID, red.DiscountID)
	}

	var metadata []byte
	if len(red.Metadata) > 0 {
		metadata = red.Metadata
	}
	_, err := l.tx.Exec(ctx, insertRedemptionSQL,
		red.ID, red.DiscountID, red.UserID, red.OrderID, red.AmountSaved, metadata, red.CreatedAt,
	)
	if isUniqueViolation(err, redemptionOrderIndex) {
		return discount.ErrDuplicateRedemption
	}
	if err != nil {
		return fmt.Errorf("appending redemption %q: %w", red.ID, err)
	}
	return nil
}
