package savestore

import (
	"context"
	"errors"

	"github.com/noah-isme/shop-reduction/internal/resilience"
	"github.com/noah-isme/shop-reduction/internal/rules"
)

// Guarded fails fast with resilience.ErrOpenCircuit while Breaker is open.
// Missing slots, bad slot names, corrupt documents and cancelled requests do
// not count against the backend. Ping always reaches the backend.
type Guarded struct {
	Store   Store
	Breaker *resilience.Breaker
}

func (g Guarded) Put(ctx context.Context, slot string, contents rules.SaveContents) error {
	return g.Breaker.Do(ctx, func(ctx context.Context) error {
		return g.Store.Put(ctx, slot, contents)
	}, backendFailure)
}

func (g Guarded) Get(ctx context.Context, slot string) (rules.SaveContents, error) {
	var contents rules.SaveContents
	err := g.Breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		contents, err = g.Store.Get(ctx, slot)
		return err
	}, backendFailure)
	return contents, err
}

func (g Guarded) Delete(ctx context.Context, slot string) error {
	return g.Breaker.Do(ctx, func(ctx context.Context) error {
		return g.Store.Delete(ctx, slot)
	}, backendFailure)
}

func (g Guarded) Ping(ctx context.Context) error {
	return g.Store.Ping(ctx)
}

// Close closes the wrapped store when it holds resources.
func (g Guarded) Close() error {
	if closer, ok := g.Store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func backendFailure(err error) bool {
	switch {
	case errors.Is(err, ErrSlotNotFound),
		errors.Is(err, ErrInvalidSlot),
		errors.Is(err, rules.ErrInvalidContents),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
