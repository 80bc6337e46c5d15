// Command coupon-import bulk-creates coupon discounts from gzip-compressed code
// lists, one code per line.
package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/discount-engine/internal/domain/discount"
	"github.com/xenking/discount-engine/internal/domain/promotion"
	"github.com/xenking/discount-engine/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	progressEvery = 10_000
	minCodeLen    = 4
	maxCodeLen    = 32
)

// template describes the discount created for every imported code.
type template struct {
	discountType discount.Type
	value        decimal.Decimal
	minTotal     decimal.Decimal
	usageLimit   int
	priority     int
}

func (t template) input(code string) promotion.DiscountInput {
	in := promotion.DiscountInput{
		Name:         "Coupon " + code,
		Description:  "Imported coupon",
		DiscountType: t.discountType,
		Value:        t.value,
		Trigger:      discount.CartTotal{Operator: discount.OpGreaterOrEqual, Value: t.minTotal},
		CouponCode:   code,
		Priority:     t.priority,
	}
	if t.usageLimit > 0 {
		limit := t.usageLimit
		in.UsageLimit = &limit
	}
	return in
}

// Catalog is the part of the promotion service the importer writes through.
type Catalog interface {
	ListDiscounts(ctx context.Context) ([]*discount.Discount, error)
	GetDiscountByCouponCode(ctx context.Context, code string) (*discount.Discount, error)
	CreateDiscount(ctx context.Context, in promotion.DiscountInput) (*discount.Discount, error)
}

type stats struct {
	read     uint64
	invalid  uint64
	skipped  uint64
	created  uint64
	bloomHit uint64
}

func main() {
	var (
		pattern      string
		databaseURL  string
		discountType string
		value        string
		minTotal     string
		usageLimit   int
		priority     int
		expected     uint
	)

	flag.StringVar(&pattern, "files", "data/coupons*.gz", "glob of gzip-compressed code lists")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&discountType, "type", string(discount.TypePercentage), "discount type: percentage or fixed")
	flag.StringVar(&value, "value", "10", "discount value")
	flag.StringVar(&minTotal, "min-total", "0", "minimum cart total for the coupon to apply")
	flag.IntVar(&usageLimit, "usage-limit", 1, "redemptions per code, 0 for unlimited")
	flag.IntVar(&priority, "priority", 0, "discount priority")
	flag.UintVar(&expected, "expected-codes", 1_000_000, "bloom filter capacity")
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

	tmpl := template{
		discountType: discount.Type(discountType),
		usageLimit:   usageLimit,
		priority:     priority,
	}
	if tmpl.value, err = decimal.NewFromString(value); err != nil {
		lg.Fatal("Invalid --value", zap.Error(err))
	}
	if tmpl.minTotal, err = decimal.NewFromString(minTotal); err != nil {
		lg.Fatal("Invalid --min-total", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, pattern, databaseURL, tmpl, expected); err != nil {
		lg.Fatal("Coupon import failed", zap.Error(err))
	}

	lg.Info("Coupon import completed successfully")
}

func run(ctx context.Context, lg *zap.Logger, pattern, databaseURL string, tmpl template, expected uint) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrap(err, "expand file pattern")
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %q", pattern)
	}

	lg.Info("Connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	svc, err := promotion.NewService(postgres.NewDiscountRepository(pool))
	if err != nil {
		return errors.Wrap(err, "create promotion service")
	}

	st, err := importCodes(ctx, lg, svc, files, tmpl, expected)
	if err != nil {
		return err
	}
	lg.Info("Import summary",
		zap.Uint64("read", st.read),
		zap.Uint64("invalid", st.invalid),
		zap.Uint64("skipped", st.skipped),
		zap.Uint64("created", st.created),
		zap.Uint64("bloom_hits", st.bloomHit),
	)
	return nil
}

// importCodes streams every file concurrently into a single writer. The bloom
// filter holds codes already in the catalog or created during this run; only
// its positives cost a lookup.
func importCodes(ctx context.Context, lg *zap.Logger, catalog Catalog, files []string, tmpl template, expected uint) (stats, error) {
	var st stats

	seen, err := loadExisting(ctx, catalog, expected)
	if err != nil {
		return st, err
	}

	codes := make(chan string, 1024)
	g, gctx := errgroup.WithContext(ctx)

	readers, rctx := errgroup.WithContext(gctx)
	for i, path := range files {
		readers.Go(func() error {
			lg.Info("Reading codes", zap.Int("file", i+1), zap.String("path", path))
			if err := streamGzFile(rctx, path, func(code string) {
				select {
				case codes <- code:
				case <-rctx.Done():
				}
			}); err != nil {
				return errors.Wrapf(err, "read file %d", i+1)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(codes)
		return readers.Wait()
	})

	g.Go(func() error {
		for raw := range codes {
			st.read++
			if st.read%progressEvery == 0 {
				lg.Info("Import progress", zap.Uint64("read", st.read), zap.Uint64("created", st.created))
			}

			code := normalizeCode(raw)
			if code == "" {
				st.invalid++
				continue
			}
			if seen.TestString(code) {
				st.bloomHit++
				_, err := catalog.GetDiscountByCouponCode(gctx, code)
				switch {
				case err == nil:
					st.skipped++
					continue
				case !errors.Is(err, discount.ErrDiscountNotFound):
					return errors.Wrapf(err, "look up %s", code)
				}
			}

			_, err := catalog.CreateDiscount(gctx, tmpl.input(code))
			switch {
			case errors.Is(err, discount.ErrDuplicateCoupon):
				st.skipped++
			case err != nil:
				return errors.Wrapf(err, "create coupon %s", code)
			default:
				st.created++
			}
			seen.AddString(code)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return st, err
	}
	return st, nil
}

func loadExisting(ctx context.Context, catalog Catalog, expected uint) (*bloom.BloomFilter, error) {
	existing, err := catalog.ListDiscounts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list discounts")
	}
	if n := uint(len(existing)); n > expected {
		expected = n
	}
	filter := bloom.NewWithEstimates(expected, bloomFPR)
	for _, d := range existing {
		if d.IsActive && d.CouponCode != "" {
			filter.AddString(strings.ToUpper(d.CouponCode))
		}
	}
	return filter, nil
}

// normalizeCode upper-cases a code, returning "" for codes outside the
// accepted length or character set.
func normalizeCode(raw string) string {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) < minCodeLen || len(code) > maxCodeLen {
		return ""
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '-' && r != '_' {
			return ""
		}
	}
	return code
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(line string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	return nil
}
