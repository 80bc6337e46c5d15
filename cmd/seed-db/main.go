package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/discount-engine/internal/domain/discount"
	"github.com/xenking/discount-engine/internal/domain/promotion"
	"github.com/xenking/discount-engine/internal/storage/postgres"
)

func main() {
	var (
		databaseURL   string
		discountsFile string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&discountsFile, "discounts-file", "db/seed/discounts.json", "path to discounts JSON file")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, discountsFile); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}

	lg.Info("Seed completed successfully")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, discountsFile string) error {
	lg.Info("Connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	svc, err := promotion.NewService(postgres.NewDiscountRepository(pool))
	if err != nil {
		return errors.Wrap(err, "create promotion service")
	}

	data, err := os.ReadFile(discountsFile)
	if err != nil {
		return errors.Wrap(err, "read discounts file")
	}
	inputs, err := decodeDiscounts(data)
	if err != nil {
		return errors.Wrap(err, "parse discounts file")
	}

	return seedDiscounts(ctx, lg, svc, inputs)
}

// seedDiscounts creates every input whose name is not in the catalog yet, so
// the seeder can be rerun.
func seedDiscounts(ctx context.Context, lg *zap.Logger, svc *promotion.Service, inputs []promotion.DiscountInput) error {
	existing, err := svc.ListDiscounts(ctx)
	if err != nil {
		return errors.Wrap(err, "list discounts")
	}
	names := make(map[string]struct{}, len(existing))
	for _, d := range existing {
		names[d.Name] = struct{}{}
	}

	lg.Info("Seeding discounts", zap.Int("count", len(inputs)))
	for _, in := range inputs {
		if _, ok := names[in.Name]; ok {
			lg.Info("Discount exists, skipping", zap.String("name", in.Name))
			continue
		}
		d, err := svc.CreateDiscount(ctx, in)
		if err != nil {
			return errors.Wrapf(err, "create discount %q", in.Name)
		}
		lg.Info("Created discount",
			zap.String("id", d.ID),
			zap.String("name", d.Name),
			zap.String("trigger", string(d.TriggerType())),
		)
	}
	return nil
}

// decodeDiscounts parses an array of discount definitions in the catalog's
// JSON shape.
func decodeDiscounts(data []byte) ([]promotion.DiscountInput, error) {
	var out []promotion.DiscountInput
	err := jx.DecodeBytes(data).Arr(func(d *jx.Decoder) error {
		in, err := decodeDiscount(d)
		if err != nil {
			return errors.Wrapf(err, "discount %d", len(out))
		}
		out = append(out, in)
		return nil
	})
	return out, err
}

func decodeDiscount(d *jx.Decoder) (promotion.DiscountInput, error) {
	var (
		in          promotion.DiscountInput
		triggerType discount.TriggerType
		condition   []byte
	)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "name":
			in.Name, err = d.Str()
		case "description":
			in.Description, err = d.Str()
		case "discountType":
			var s string
			s, err = d.Str()
			in.DiscountType = discount.Type(s)
		case "discountValue":
			var raw jx.Raw
			if raw, err = d.Raw(); err == nil {
				in.Value, err = decimal.NewFromString(strings.Trim(string(raw), `"`))
			}
		case "triggerType":
			var s string
			s, err = d.Str()
			triggerType = discount.TriggerType(s)
		case "triggerCondition":
			var raw jx.Raw
			raw, err = d.Raw()
			condition = append([]byte(nil), raw...)
		case "isActive":
			var b bool
			b, err = d.Bool()
			in.IsActive = &b
		case "usageLimit":
			var n int
			n, err = d.Int()
			in.UsageLimit = &n
		case "isAutoApply":
			in.IsAutoApply, err = d.Bool()
		case "couponCode":
			in.CouponCode, err = d.Str()
		case "priority":
			in.Priority, err = d.Int()
		case "startDate":
			in.StartDate, err = decodeTime(d)
		case "endDate":
			in.EndDate, err = decodeTime(d)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, string(key))
		}
		return nil
	})
	if err != nil {
		return in, err
	}

	if condition != nil {
		t, err := discount.UnmarshalTrigger(triggerType, condition)
		if err != nil {
			return in, errors.Wrap(err, "triggerCondition")
		}
		in.Trigger = t
	}
	return in, nil
}

func decodeTime(d *jx.Decoder) (*time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
