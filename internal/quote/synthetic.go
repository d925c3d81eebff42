package quote

import (
	"context"
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"
)

// Synthetic is an offline source that random-walks a price per symbol.
type Synthetic struct {
	id        string
	step      float64
	liquidity decimal.Decimal

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
}

// NewSynthetic starts every symbol at its seed price. step is the maximum relative move per fetch.
func NewSynthetic(id string, seed int64, start map[string]float64, step float64) *Synthetic {
	prices := make(map[string]float64, len(start))
	for k, v := range start {
		prices[k] = v
	}
	return &Synthetic{
		id:        id,
		step:      step,
		liquidity: decimal.NewFromInt(1_000_000),
		rng:       rand.New(rand.NewSource(seed)),
		prices:    prices,
	}
}

func (s *Synthetic) ID() string {
	return s.id
}

func (s *Synthetic) Fetch(ctx context.Context, symbol string) ([]Pool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[symbol]
	if !ok {
		return nil, nil
	}
	if s.step > 0 {
		price *= 1 + (s.rng.Float64()*2-1)*s.step
		if price <= 0 {
			price = s.prices[symbol]
		}
		s.prices[symbol] = price
	}
	return []Pool{{
		SourceID:  s.id,
		PriceUSD:  decimal.NewFromFloat(price).Round(8),
		Liquidity: s.liquidity,
	}}, nil
}
