package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/atmx/lending-ledger/internal/model"
)

// Feed is an in-memory PriceSource that readings are pushed into.
type Feed struct {
	mu      sync.RWMutex
	reading model.OracleReading
	set     bool
}

// NewFeed returns an empty feed. Latest fails with ErrNoPrice until the first
// Publish.
func NewFeed() *Feed {
	return &Feed{}
}

// Publish replaces the current reading. Zero prices are rejected.
func (f *Feed) Publish(r model.OracleReading) error {
	if r.Price.IsZero() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidPrice)
	}
	f.mu.Lock()
	f.reading = r
	f.set = true
	f.mu.Unlock()
	return nil
}

// Latest implements PriceSource.
func (f *Feed) Latest(_ context.Context) (model.OracleReading, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.set {
		return model.OracleReading{}, ErrNoPrice
	}
	return f.reading, nil
}

// Refresher re-fetches from a PriceSource until it yields a fresh reading.
// Retries after the first fetch are spaced by a token-bucket limiter.
type Refresher struct {
	source   PriceSource
	clock    Clock
	maxAge   time.Duration
	attempts int
	limiter  *rate.Limiter
}

// NewRefresher builds a Refresher allowing at most attempts fetches per call,
// with retries paced at perSecond fetches per second.
func NewRefresher(source PriceSource, clock Clock, maxAge time.Duration, attempts int, perSecond float64) *Refresher {
	if attempts < 1 {
		attempts = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Refresher{
		source:   source,
		clock:    clock,
		maxAge:   maxAge,
		attempts: attempts,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Fresh returns the first reading that passes the staleness bound. Invalid
// prices are returned immediately; stale readings and ErrNoPrice are retried.
func (r *Refresher) Fresh(ctx context.Context) (model.OracleReading, error) {
	var lastErr error
	for i := 0; i < r.attempts; i++ {
		// Only re-fetches are paced; a fresh first reading returns at once.
		if i > 0 {
			if err := r.limiter.Wait(ctx); err != nil {
				return model.OracleReading{}, fmt.Errorf("%w (gave up: %v)", lastErr, err)
			}
		}
		reading, err := r.source.Latest(ctx)
		if err != nil {
			if !errors.Is(err, ErrNoPrice) {
				return model.OracleReading{}, err
			}
			lastErr = err
			continue
		}
		if reading.Price.IsZero() {
			return model.OracleReading{}, fmt.Errorf("%w: price must be positive", ErrInvalidPrice)
		}
		if err := CheckFresh(reading.Timestamp, r.clock.Now(), r.maxAge); err != nil {
			lastErr = err
			continue
		}
		return reading, nil
	}
	return model.OracleReading{}, lastErr
}
