package exception

import "github.com/yanun0323/errors"

var (
	ErrProviderUnavailable = errors.New("llm: all providers unavailable")
	ErrProviderStatus      = errors.New("llm: unexpected provider status")
	ErrEmptyCompletion     = errors.New("llm: empty completion")
	ErrUnknownProvider     = errors.New("llm: unknown provider")
)
