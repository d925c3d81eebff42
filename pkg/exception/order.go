package exception

import "github.com/yanun0323/errors"

var (
	ErrInvalidOrder         = errors.New("order: invalid order")
	ErrOrderTooLarge        = errors.New("order: amount exceeds max order size")
	ErrRateLimited          = errors.New("order: rate limit exceeded")
	ErrInsufficientBalance  = errors.New("order: insufficient balance")
	ErrInsufficientPosition = errors.New("order: insufficient position")
	ErrUnknownAccount       = errors.New("order: unknown account")
	ErrUnsupportedOrderSide = errors.New("order: unsupported side")
)
