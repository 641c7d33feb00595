// Command seed-db loads demo products, customers and a cashier API key.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/gadget-pos/internal/catalog"
	"github.com/xenking/gadget-pos/internal/domain/auth"
	"github.com/xenking/gadget-pos/internal/storage/postgres"
)

type options struct {
	databaseURL   string
	productsFile  string
	customersFile string
	apiKey        string
	apiKeyPepper  string
	cashierName   string
}

func main() {
	var opts options
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&opts.customersFile, "customers-file", "db/seed/customers.json", "path to customers JSON file")
	flag.StringVar(&opts.apiKey, "api-key", "", "cashier API key to seed (or POS_SEED_API_KEY env)")
	flag.StringVar(&opts.apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or POS_API_KEY_PEPPER env)")
	flag.StringVar(&opts.cashierName, "cashier-name", "Front Desk", "display name of the seeded cashier")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.apiKey == "" {
		opts.apiKey = os.Getenv("POS_SEED_API_KEY")
	}
	if opts.apiKeyPepper == "" {
		opts.apiKeyPepper = os.Getenv("POS_API_KEY_PEPPER")
	}
	if opts.databaseURL == "" || opts.apiKey == "" {
		lg.Fatal("Database URL and API key are required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, opts); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	pf, err := os.Open(opts.productsFile)
	if err != nil {
		return errors.Wrap(err, "open products file")
	}
	defer func() { _ = pf.Close() }()
	products, err := catalog.ReadProducts(pf)
	if err != nil {
		return errors.Wrap(err, "read products")
	}
	if err := postgres.NewProductRepository(pool).Upsert(ctx, products); err != nil {
		return errors.Wrap(err, "upsert products")
	}
	lg.Info("Upserted products", zap.Int("count", len(products)))

	cf, err := os.Open(opts.customersFile)
	if err != nil {
		return errors.Wrap(err, "open customers file")
	}
	defer func() { _ = cf.Close() }()
	customers, err := catalog.ReadCustomers(cf)
	if err != nil {
		return errors.Wrap(err, "read customers")
	}
	if err := postgres.NewCustomerRepository(pool).Upsert(ctx, customers); err != nil {
		return errors.Wrap(err, "upsert customers")
	}
	lg.Info("Upserted customers", zap.Int("count", len(customers)))

	cashier := auth.User{
		ID:      "cashier-default",
		Name:    opts.cashierName,
		Role:    auth.RoleCashier,
		KeyHash: auth.HashKey([]byte(opts.apiKeyPepper), opts.apiKey),
	}
	if err := postgres.NewUserRepository(pool).Upsert(ctx, cashier); err != nil {
		return errors.Wrap(err, "upsert cashier")
	}
	lg.Info("Upserted cashier", zap.String("id", cashier.ID), zap.String("name", cashier.Name))
	return nil
}
