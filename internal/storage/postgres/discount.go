package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/discount-engine/internal/domain/discount"
)

const discountColumns = `id, name, description, discount_type, trigger_type, trigger_condition,
	discount_value, is_active, usage_limit, usage_count, is_auto_apply, coupon_code, priority,
	start_date, end_date, created_at, updated_at, deleted_at`

const (
	listActiveDiscountsSQL = `SELECT ` + discountColumns + `
		FROM discounts
		WHERE is_active
			AND (start_date IS NULL OR start_date <= $1)
			AND (end_date IS NULL OR end_date >= $1)
			AND (usage_limit IS NULL OR usage_count < usage_limit)
		ORDER BY priority DESC, created_at DESC, id`

	listDiscountsSQL = `SELECT ` + discountColumns + `
		FROM discounts ORDER BY priority DESC, created_at DESC, id`

	getDiscountSQL = `SELECT ` + discountColumns + ` FROM discounts WHERE id = $1`

	getDiscountByCouponCodeSQL = `SELECT ` + discountColumns + `
		FROM discounts WHERE UPPER(coupon_code) = UPPER($1) AND is_active`

	lockDiscountSQL = `SELECT ` + discountColumns + ` FROM discounts WHERE id = $1 FOR UPDATE`

	insertDiscountSQL = `INSERT INTO discounts (
		id, name, description, discount_type, trigger_type, trigger_condition,
		discount_value, is_active, usage_limit, usage_count, is_auto_apply, coupon_code, priority,
		start_date, end_date, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	updateDiscountSQL = `UPDATE discounts SET
		name = $2, description = $3, discount_type = $4, trigger_type = $5, trigger_condition = $6,
		discount_value = $7, is_active = $8, usage_limit = $9, is_auto_apply = $10, coupon_code = $11,
		priority = $12, start_date = $13, end_date = $14, updated_at = $15
		WHERE id = $1 AND deleted_at IS NULL AND ($9::int IS NULL OR usage_count <= $9)
		RETURNING usage_count, created_at`

	hasRedemptionsSQL = `SELECT EXISTS (SELECT 1 FROM discount_redemptions WHERE discount_id = $1)`

	deleteDiscountSQL = `DELETE FROM discounts WHERE id = $1`

	deactivateDiscountSQL = `UPDATE discounts
		SET is_active = FALSE, deleted_at = $2, updated_at = $2
		WHERE id = $1`
)

// activeCouponIndex is the partial unique index guarding coupon codes.
const activeCouponIndex = "discounts_active_coupon_code_key"

// redemptionOrderIndex allows one redemption per order and discount.
const redemptionOrderIndex = "discount_redemptions_order_key"

const uniqueViolation = "23505"

var _ discount.Repository = (*DiscountRepository)(nil)

// DiscountRepository implements discount.Repository backed by PostgreSQL.
type DiscountRepository struct {
	pool *pgxpool.Pool
}

// NewDiscountRepository returns a DiscountRepository that uses the given pool.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{pool: pool}
}

// ListActiveDiscounts returns discounts that are active, inside their window
// at now and below their usage limit.
func (r *DiscountRepository) ListActiveDiscounts(ctx context.Context, now time.Time) ([]*discount.Discount, error) {
	rows, err := r.pool.Query(ctx, listActiveDiscountsSQL, now)
	if err != nil {
		return nil, fmt.Errorf("listing active discounts: %w", err)
	}
	ds, err := pgx.CollectRows(rows, scanDiscount)
	if err != nil {
		return nil, fmt.Errorf("listing active discounts: %w", err)
	}
	return ds, nil
}

func (r *DiscountRepository) ListDiscounts(ctx context.Context) ([]*discount.Discount, error) {
	rows, err := r.pool.Query(ctx, listDiscountsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing discounts: %w", err)
	}
	ds, err := pgx.CollectRows(rows, scanDiscount)
	if err != nil {
		return nil, fmt.Errorf("listing discounts: %w", err)
	}
	return ds, nil
}

func (r *DiscountRepository) GetDiscount(ctx context.Context, id string) (*discount.Discount, error) {
	return getOne(ctx, r.pool, getDiscountSQL, id)
}

// GetDiscountByCouponCode looks up the active discount with the given code
// (case-insensitive).
func (r *DiscountRepository) GetDiscountByCouponCode(ctx context.Context, code string) (*discount.Discount, error) {
	return getOne(ctx, r.pool, getDiscountByCouponCodeSQL, code)
}

func (r *DiscountRepository) CreateDiscount(ctx context.Context, d *discount.Discount) error {
	cond, err := discount.MarshalTrigger(d.Trigger)
	if err != nil {
		return fmt.Errorf("encoding trigger of discount %q: %w", d.ID, err)
	}

	_, err = r.pool.Exec(ctx, insertDiscountSQL,
		d.ID, d.Name, d.Description, string(d.DiscountType), string(d.TriggerType()), cond,
		d.Value, d.IsActive, d.UsageLimit, d.UsageCount, d.IsAutoApply, nullString(d.CouponCode), d.Priority,
		d.StartDate, d.EndDate, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating discount %q: %w", d.ID, mapWriteErr(err))
	}
	return nil
}

// UpdateDiscount writes the editable fields of d. usage_count and created_at
// are read back into d.
func (r *DiscountRepository) UpdateDiscount(ctx context.Context, d *discount.Discount) error {
	cond, err := discount.MarshalTrigger(d.Trigger)
	if err != nil {
		return fmt.Errorf("encoding trigger of discount %q: %w", d.ID, err)
	}

	err = r.pool.QueryRow(ctx, updateDiscountSQL,
		d.ID, d.Name, d.Description, string(d.DiscountType), string(d.TriggerType()), cond,
		d.Value, d.IsActive, d.UsageLimit, d.IsAutoApply, nullString(d.CouponCode),
		d.Priority, d.StartDate, d.EndDate, d.UpdatedAt,
	).Scan(&d.UsageCount, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, getErr := r.GetDiscount(ctx, d.ID)
		if getErr != nil {
			return getErr
		}
		if cur.Deleted() {
			return discount.ErrDiscountDeleted
		}
		if err := discount.CheckUsageLimit(d.UsageLimit, cur.UsageCount); err != nil {
			return err
		}
		return fmt.Errorf("updating discount %q: no row updated", d.ID)
	}
	if err != nil {
		return fmt.Errorf("updating discount %q: %w", d.ID, mapWriteErr(err))
	}
	return nil
}

// DeleteOrDeactivateDiscount locks the discount row so that no redemption can
// commit between the history check and the delete.
func (r *DiscountRepository) DeleteOrDeactivateDiscount(ctx context.Context, id string, now time.Time) (*discount.Discount, discount.DeleteOutcome, error) {
	var (
		d       *discount.Discount
		outcome discount.DeleteOutcome
	)
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if d, err = getOne(ctx, tx, lockDiscountSQL, id); err != nil {
			return err
		}

		var used bool
		if err := tx.QueryRow(ctx, hasRedemptionsSQL, id).Scan(&used); err != nil {
			return fmt.Errorf("checking redemptions of discount %q: %w", id, err)
		}

		if !used {
			if _, err := tx.Exec(ctx, deleteDiscountSQL, id); err != nil {
				return fmt.Errorf("deleting discount %q: %w", id, err)
			}
			outcome = discount.Removed
			return nil
		}

		outcome = discount.Deactivated
		if d.Deleted() {
			return nil
		}
		if _, err := tx.Exec(ctx, deactivateDiscountSQL, id, now); err != nil {
			return fmt.Errorf("deactivating discount %q: %w", id, err)
		}
		ts := now
		d.IsActive = false
		d.DeletedAt = &ts
		d.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return d, outcome, nil
}

const (
	listRedemptionsSQL = `SELECT id, discount_id, user_id, order_id, amount_saved, metadata, created_at
		FROM discount_redemptions WHERE discount_id = $1
		ORDER BY created_at DESC, id DESC`

	redemptionStatsSQL = `SELECT COUNT(*), COALESCE(SUM(amount_saved), 0), MIN(created_at), MAX(created_at)
		FROM discount_redemptions WHERE discount_id = $1`
)

// ListRedemptions returns the redemptions of a discount, newest first.
func (r *DiscountRepository) ListRedemptions(ctx context.Context, discountID string) ([]*discount.Redemption, error) {
	rows, err := r.pool.Query(ctx, listRedemptionsSQL, discountID)
	if err != nil {
		return nil, fmt.Errorf("listing redemptions of %q: %w", discountID, err)
	}
	rs, err := pgx.CollectRows(rows, scanRedemption)
	if err != nil {
		return nil, fmt.Errorf("listing redemptions of %q: %w", discountID, err)
	}
	return rs, nil
}

func (r *DiscountRepository) AggregateRedemptionStats(ctx context.Context, discountID string) (*discount.Stats, error) {
	stats := &discount.Stats{AverageAmountSaved: decimal.Zero}
	err := r.pool.QueryRow(ctx, redemptionStatsSQL, discountID).Scan(
		&stats.TotalRedemptions,
		&stats.TotalAmountSaved,
		&stats.FirstRedemptionAt,
		&stats.LastRedemptionAt,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregating redemptions of %q: %w", discountID, err)
	}
	if stats.TotalRedemptions > 0 {
		stats.AverageAmountSaved = stats.TotalAmountSaved.
			Div(decimal.NewFromInt(stats.TotalRedemptions)).
			Round(2)
	}
	return stats, nil
}

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getOne(ctx context.Context, q queryer, sql string, arg any) (*discount.Discount, error) {
	rows, err := q.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("getting discount %v: %w", arg, err)
	}
	d, err := pgx.CollectExactlyOneRow(rows, scanDiscount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrDiscountNotFound
		}
		return nil, fmt.Errorf("getting discount %v: %w", arg, err)
	}
	return d, nil
}

func scanDiscount(row pgx.CollectableRow) (*discount.Discount, error) {
	var (
		d            discount.Discount
		discountType string
		triggerType  string
		condition    []byte
		couponCode   *string
	)
	err := row.Scan(
		&d.ID, &d.Name, &d.Description, &discountType, &triggerType, &condition,
		&d.Value, &d.IsActive, &d.UsageLimit, &d.UsageCount, &d.IsAutoApply, &couponCode, &d.Priority,
		&d.StartDate, &d.EndDate, &d.CreatedAt, &d.UpdatedAt, &d.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	d.DiscountType = discount.Type(discountType)
	d.Trigger = discount.DecodeStoredTrigger(discount.TriggerType(triggerType), condition)
	if couponCode != nil {
		d.CouponCode = *couponCode
	}
	return &d, nil
}

func scanRedemption(row pgx.CollectableRow) (*discount.Redemption, error) {
	var (
		r        discount.Redemption
		metadata []byte
	)
	err := row.Scan(&r.ID, &r.DiscountID, &r.UserID, &r.OrderID, &r.AmountSaved, &metadata, &r.CreatedAt)
	r.Metadata = metadata
	return &r, err
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// mapWriteErr translates constraint violations into domain errors.
func mapWriteErr(err error) error {
	if isUniqueViolation(err, activeCouponIndex) {
		return discount.ErrDuplicateCoupon
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}
