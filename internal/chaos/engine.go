package chaos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"arena/internal/quote"
	"arena/pkg/exception"

	"github.com/yanun0323/errors"
)

// Config controls chaos injection behavior.
type Config struct {
	Seed      int64         `json:"seed"`
	DropRate  float64       `json:"dropRate"`
	EmptyRate float64       `json:"emptyRate"`
	MaxDelay  time.Duration `json:"maxDelay"`
}

// Enabled reports whether any fault is configured.
func (c Config) Enabled() bool {
	return c.DropRate > 0 || c.EmptyRate > 0 || c.MaxDelay > 0
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.DropRate < 0 || c.DropRate > 1 {
		return errors.New("dropRate must be between 0 and 1")
	}
	if c.EmptyRate < 0 || c.EmptyRate > 1 {
		return errors.New("emptyRate must be between 0 and 1")
	}
	if c.MaxDelay < 0 {
		return errors.New("maxDelay must be >= 0")
	}
	return nil
}

// Source wraps a price source and injects failures, empty answers and latency.
type Source struct {
	inner quote.Source
	cfg   Config

	mu  sync.Mutex
	rng *rand.Rand
}

// Wrap creates a chaos source with validation.
func Wrap(inner quote.Source, cfg Config) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Source{
		inner: inner,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

func (s *Source) ID() string {
	return s.inner.ID()
}

// Fetch applies the configured faults before delegating to the wrapped source.
func (s *Source) Fetch(ctx context.Context, symbol string) ([]quote.Pool, error) {
	drop, empty, delay := s.roll()
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if drop {
		return nil, errors.Wrap(exception.ErrSourceFetch, "chaos drop")
	}
	if empty {
		return nil, nil
	}
	return s.inner.Fetch(ctx, symbol)
}

func (s *Source) roll() (drop, empty bool, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop = s.cfg.DropRate > 0 && s.rng.Float64() < s.cfg.DropRate
	empty = s.cfg.EmptyRate > 0 && s.rng.Float64() < s.cfg.EmptyRate
	if limit := s.cfg.MaxDelay.Nanoseconds(); limit > 0 {
		delay = time.Duration(s.rng.Int63n(limit + 1))
	}
	return drop, empty, delay
}
