package exception

import "github.com/yanun0323/errors"

var (
	ErrUnknownSymbol = errors.New("quote: unknown symbol")
	ErrStaleQuote    = errors.New("quote: stale quote")
	ErrSourceFetch   = errors.New("quote: source fetch failed")
	ErrNoPool        = errors.New("quote: no pool returned")
)
