package exception

import "errors"

var explanations = []struct {
	err error
	msg string
}{
	{ErrAuth, "authentication failed: unknown agent id or wrong api key"},
	{ErrAgentEliminated, "agent was eliminated; register under a new agent id"},
	{ErrUnknownSymbol, "no price is available for this symbol"},
	{ErrStaleQuote, "latest price for this symbol is stale; retry after the next tick"},
	{ErrInsufficientBalance, "order cost exceeds available balance"},
	{ErrInsufficientPosition, "sell amount exceeds held quantity"},
	{ErrInvalidOrder, "order rejected: symbol, side and a positive amount are required"},
	{ErrUnsupportedOrderSide, "order rejected: side must be BUY or SELL"},
	{ErrOrderTooLarge, "order rejected: amount exceeds the per-order limit"},
	{ErrRateLimited, "order rejected: too many orders, slow down"},
	{ErrEpochClosed, "epoch is closing; orders resume when the next epoch opens"},
	{ErrUnknownAccount, "no ledger exists for this agent"},
	{ErrUnknownAgent, "unknown agent; register first"},
	{ErrUnknownMessageType, "unknown message type; expected order, get_state or ping"},
	{ErrInvalidArgument, "invalid request"},
	{ErrProviderUnavailable, "no commentary available"},
}

// Explain returns the agent facing explanation for a rejection.
func Explain(err error) string {
	if err == nil {
		return ""
	}
	for _, e := range explanations {
		if errors.Is(err, e.err) {
			return e.msg
		}
	}
	return "internal error"
}
