package quote

import (
	"context"

	"github.com/shopspring/decimal"
)

// Pool is one liquidity pool a source reports for a symbol.
type Pool struct {
	SourceID       string
	PairAddress    string
	PriceUSD       decimal.Decimal
	PriceChange24h decimal.Decimal
	Volume24h      decimal.Decimal
	Liquidity      decimal.Decimal
}

// Source is an external price provider.
type Source interface {
	ID() string
	Fetch(ctx context.Context, symbol string) ([]Pool, error)
}
