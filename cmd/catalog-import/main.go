// Command catalog-import streams a gzip-compressed NDJSON product catalog
// into the products table. Supplier exports run to hundreds of thousands of
// lines, so records are upserted in batches by a small pool of writers.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/gadget-pos/internal/catalog"
	"github.com/xenking/gadget-pos/internal/domain/product"
	"github.com/xenking/gadget-pos/internal/storage/postgres"
)

const progressEvery = 10_000

type options struct {
	databaseURL string
	file        string
	batchSize   int
	writers     int
	strict      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.file, "file", "catalog.ndjson.gz", "gzip-compressed NDJSON catalog")
	flag.IntVar(&opts.batchSize, "batch-size", 500, "products per upsert batch")
	flag.IntVar(&opts.writers, "writers", 4, "concurrent database writers")
	flag.BoolVar(&opts.strict, "strict", false, "stop at the first invalid line")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if opts.batchSize <= 0 || opts.writers <= 0 {
		lg.Fatal("Batch size and writers must be positive")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, opts); err != nil {
		lg.Fatal("Catalog import failed", zap.Error(err))
	}
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	f, err := os.Open(opts.file)
	if err != nil {
		return errors.Wrapf(err, "open %s", opts.file)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", opts.file)
	}
	defer func() { _ = gz.Close() }()

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	repo := postgres.NewProductRepository(pool)

	var written, skipped atomic.Int64
	batches := make(chan []product.Product, opts.writers)

	g, gCtx := errgroup.WithContext(ctx)
	for range opts.writers {
		g.Go(func() error {
			for batch := range batches {
				if err := repo.Upsert(gCtx, batch); err != nil {
					return errors.Wrapf(err, "upsert batch starting at %s", batch[0].ID)
				}
				if n := written.Add(int64(len(batch))); n/progressEvery != (n-int64(len(batch)))/progressEvery {
					lg.Info("Import progress", zap.Int64("written", n))
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(batches)

		batch := make([]product.Product, 0, opts.batchSize)
		send := func() error {
			if len(batch) == 0 {
				return nil
			}
			select {
			case batches <- batch:
			case <-gCtx.Done():
				return gCtx.Err()
			}
			batch = make([]product.Product, 0, opts.batchSize)
			return nil
		}

		err := catalog.StreamNDJSON(gCtx, gz,
			func(p product.Product) error {
				batch = append(batch, p)
				if len(batch) < opts.batchSize {
					return nil
				}
				return send()
			},
			func(e *catalog.LineError) error {
				if opts.strict {
					return e
				}
				skipped.Add(1)
				lg.Warn("Skipping invalid line", zap.Int("line", e.Line), zap.Error(e.Err))
				return nil
			},
		)
		if err != nil {
			return errors.Wrap(err, "read catalog")
		}
		return send()
	})

	if err := g.Wait(); err != nil {
		return err
	}
	lg.Info("Catalog import completed",
		zap.Int64("written", written.Load()),
		zap.Int64("skipped", skipped.Load()),
	)
	return nil
}
