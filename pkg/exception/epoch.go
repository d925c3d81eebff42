package exception

import "github.com/yanun0323/errors"

var (
	ErrEpochClosed       = errors.New("epoch: order acceptance is frozen")
	ErrInvalidTransition = errors.New("epoch: invalid state transition")
	ErrEpochOpen         = errors.New("epoch: failed to open next epoch")
)
