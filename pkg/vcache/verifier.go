package vcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/peacprotocol/peac-sub013/pkg/breaker"
)

var (
	ErrNoProvider   = errors.New("no verification provider available")
	ErrComputePanic = errors.New("verification panicked")
)

// Backend is a provider the Verifier can delegate to.
type Backend interface {
	Name() string
	Verify(ctx context.Context, req Request) (Result, error)
}

// Verifier fronts an ordered list of backends with the cache. Each backend call
// goes through its breaker; unhealthy backends are skipped.
type Verifier struct {
	Cache    *Cache
	Breakers *breaker.Set
	Backends []Backend
	// Healthy, when set, filters backends before they are tried.
	Healthy func(name string) bool
}

func (v *Verifier) Verify(ctx context.Context, req Request) (Result, error) {
	return v.Cache.GetOrCompute(ctx, req, func(ctx context.Context) (Result, error) {
		var errs []error
		for _, b := range v.Backends {
			name := b.Name()
			if v.Healthy != nil && !v.Healthy(name) {
				errs = append(errs, fmt.Errorf("%s: unhealthy", name))
				continue
			}
			var res Result
			call := func(ctx context.Context) error {
				var err error
				res, err = b.Verify(ctx, req)
				return err
			}
			var err error
			if v.Breakers != nil {
				err = v.Breakers.Execute(ctx, name, call)
			} else {
				err = call(ctx)
			}
			if err != nil {
				if ctx.Err() != nil {
					return Result{}, ctx.Err()
				}
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
			if res.Provider == "" {
				res.Provider = name
			}
			return res, nil
		}
		if len(errs) == 0 {
			return Result{}, ErrNoProvider
		}
		return Result{}, fmt.Errorf("%w: %w", ErrNoProvider, errors.Join(errs...))
	})
}
