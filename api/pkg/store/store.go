package store

import (
	"context"

	"github.com/fleetml/fleet/api/pkg/types"
)

// ChangeOp says what happened to a stored config.
type ChangeOp string

const (
	ChangePut    ChangeOp = "put"
	ChangeDelete ChangeOp = "delete"
)

// Change is delivered to subscribers after a write commits.
type Change struct {
	Op     ChangeOp
	Config *types.ModelConfig
}

// ConfigStore persists declared model configs across restarts.
type ConfigStore interface {
	SaveModel(ctx context.Context, config *types.ModelConfig) error
	GetModel(ctx context.Context, id string) (*types.ModelConfig, error)
	ListModels(ctx context.Context) ([]*types.ModelConfig, error)
	DeleteModel(ctx context.Context, id string) error

	// Subscribe registers a callback for every committed change. Callbacks
	// run synchronously on the writing goroutine.
	Subscribe(fn func(Change))
}
