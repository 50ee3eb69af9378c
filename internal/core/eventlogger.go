package core

import (
	"context"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// Emitter is the subset of the fan-out bus that core services need.
// Defining it here avoids importing the fanout package. Emit appends the
// event and returns its id before any delivery is attempted.
type Emitter interface {
	Emit(ctx context.Context, eventType models.EventType, entityID string, kind models.EntityKind,
		payload map[string]any, correlationID string) (string, error)
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, models.EventType, string, models.EntityKind, map[string]any, string) (string, error) {
	return "", nil
}
