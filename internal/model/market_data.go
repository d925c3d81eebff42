package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the best observed price of a symbol at one tick.
//
// Quotes are produced only by the quote aggregator and never mutated afterwards.
type Quote struct {
	Symbol         string          `json:"symbol"`
	PriceUSD       decimal.Decimal `json:"price_usd"`
	PriceChange24h decimal.Decimal `json:"price_change_24h"`
	Volume24h      decimal.Decimal `json:"volume_24h"`
	Liquidity      decimal.Decimal `json:"liquidity"`
	SourceID       string          `json:"source_id"`
	Tick           uint64          `json:"tick"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Age reports how old the quote is at now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// Marks extracts the USD price of every quote, keyed by symbol.
func Marks(quotes map[string]Quote) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(quotes))
	for sym, q := range quotes {
		out[sym] = q.PriceUSD
	}
	return out
}
