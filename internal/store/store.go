// Package store keeps the history of closed epochs and eliminated agents.
package store

import (
	"context"

	"arena/internal/model"
	"arena/internal/session"
)

// Archive persists closed epochs and the agents they eliminated. SaveEpoch is
// idempotent per epoch number so a retried close does not duplicate rows.
type Archive interface {
	SaveEpoch(ctx context.Context, e model.Epoch, archived []session.Archived) error
	// ListEpochs returns up to limit epochs, newest first. limit <= 0 returns all.
	ListEpochs(ctx context.Context, limit int) ([]model.Epoch, error)
	Eliminated(ctx context.Context, agentID string) (session.Archived, bool, error)
}
