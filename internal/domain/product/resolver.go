package product

import (
	"context"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
)

const (
	minBloomCapacity = 1024
	bloomFPR         = 0.001
)

// Resolver maps a scanned or typed code to a catalog product. Camera input
// and manual entry are indistinguishable: a plain string in, a product or
// ErrNotFound out.
//
// Known barcodes are kept in a bloom filter so codes that are certainly not
// barcodes skip the barcode lookup and are tried as product IDs instead.
type Resolver struct {
	repo Repository

	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// NewResolver creates a Resolver backed by the given Repository. Until
// Refresh is called every code is looked up as a barcode first.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Refresh rebuilds the barcode filter from the current catalog.
func (r *Resolver) Refresh(ctx context.Context) error {
	products, err := r.repo.List(ctx)
	if err != nil {
		return errors.Wrap(err, "list products")
	}

	capacity := uint(max(len(products)*2, minBloomCapacity))
	filter := bloom.NewWithEstimates(capacity, bloomFPR)
	for _, p := range products {
		if p.Barcode != "" {
			filter.AddString(p.Barcode)
		}
	}

	r.mu.Lock()
	r.filter = filter
	r.mu.Unlock()
	return nil
}

// Resolve returns the product matching code, trying barcodes first and
// product IDs second.
func (r *Resolver) Resolve(ctx context.Context, code string) (*Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrNotFound
	}

	if r.mayBeBarcode(code) {
		p, err := r.repo.GetByBarcode(ctx, code)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, ErrNotFound):
			return nil, errors.Wrapf(err, "lookup barcode %q", code)
		}
	}

	p, err := r.repo.GetByID(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "lookup product %q", code)
	}
	return p, nil
}

func (r *Resolver) mayBeBarcode(code string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.filter == nil {
		return true
	}
	return r.filter.TestString(code)
}
