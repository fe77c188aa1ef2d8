// Package engine keeps CEM resources fresh: a generic polling coordinator per
// resource, an account session that owns the per-counter coordinators, and a
// batch refresher that satisfies many counters with one combined request.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cemwatch/cemwatch/pkg/auth"
	"github.com/cemwatch/cemwatch/pkg/cemapi"
)

// ErrAuthExpiredPersistently is returned when a 401 survives one token
// refresh and one retried fetch. Terminal for that poll cycle only.
var ErrAuthExpiredPersistently = errors.New("authentication failed after token refresh")

// FetchFunc fetches and normalizes one resource using the given credential.
// Network and 5xx retries happen inside the cemapi client; a FetchFunc must
// not add another retry layer.
type FetchFunc[T any] func(ctx context.Context, token, cookie string) (T, error)

// Result is one successful poll outcome.
type Result[T any] struct {
	Value     T
	FetchedAt time.Time
}

// Coordinator keeps one resource fresh. All per-resource pollers (user info,
// objects, meters, counters, readings) are instances of this type with a
// different FetchFunc. A coordinator is not re-entrant; the caller drives it
// from one goroutine at a time.
type Coordinator[T any] struct {
	name  string
	auth  *auth.Manager
	fetch FetchFunc[T]

	mu   sync.RWMutex
	last *Result[T]

	nowFunc func() time.Time
}

// NewCoordinator creates a coordinator with no value yet.
func NewCoordinator[T any](name string, mgr *auth.Manager, fetch FetchFunc[T]) *Coordinator[T] {
	return &Coordinator[T]{
		name:    name,
		auth:    mgr,
		fetch:   fetch,
		nowFunc: time.Now,
	}
}

// Name returns the coordinator's log name.
func (c *Coordinator[T]) Name() string { return c.name }

// Poll fetches the resource once and replaces the last value on success.
//
// A 401 from the fetch triggers exactly one forced credential refresh and one
// more fetch. That single escalation composes with, and is distinct from, the
// multi-attempt network retry inside the client: network errors are retried
// several times per fetch, a 401 buys one refresh and one extra fetch, total.
func (c *Coordinator[T]) Poll(ctx context.Context) error {
	token, cookie, err := c.auth.EnsureToken(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}

	value, err := c.fetch(ctx, token, cookie)
	if err != nil {
		if !cemapi.IsAuthExpired(err) {
			return fmt.Errorf("%s failed: %w", c.name, err)
		}

		log.Printf("%s: 401, refreshing token and retrying once", c.name)
		if err := c.auth.ForceRefresh(ctx); err != nil {
			return fmt.Errorf("%s: no credential after refresh: %w", c.name, err)
		}
		token, cookie, err = c.auth.EnsureToken(ctx)
		if err != nil {
			return fmt.Errorf("%s: no credential after refresh: %w", c.name, err)
		}

		value, err = c.fetch(ctx, token, cookie)
		if err != nil {
			if cemapi.IsAuthExpired(err) {
				return fmt.Errorf("%s: %w", c.name, ErrAuthExpiredPersistently)
			}
			return fmt.Errorf("%s failed after token refresh: %w", c.name, err)
		}
	}

	c.Store(value)
	return nil
}

// Store replaces the last value atomically. Also used by the batch refresher
// when the combined response already carries this resource's value.
func (c *Coordinator[T]) Store(value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = &Result[T]{Value: value, FetchedAt: c.nowFunc()}
}

// Last returns the last value and when it was fetched. ok is false until the
// first successful poll.
func (c *Coordinator[T]) Last() (value T, fetchedAt time.Time, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		var zero T
		return zero, time.Time{}, false
	}
	return c.last.Value, c.last.FetchedAt, true
}
