// Package statusbus fans sync status out to other processes on the same
// device, e.g. a desktop shell and a kitchen display sharing one Redis.
package statusbus

import (
	"context"

	"possync/backend/internal/domain"
)

const (
	Channel   = "possync:status"
	LatestKey = "possync:status:latest"
)

type Bus interface {
	Publish(ctx context.Context, event domain.StatusEvent) error
}

type NoopBus struct{}

func (NoopBus) Publish(_ context.Context, _ domain.StatusEvent) error {
	return nil
}
