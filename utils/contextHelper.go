package utils

import (
	"context"

	"github.com/google/uuid"
	"github.com/mmdatafocus/fulfillment_backend/appctx"
)

var (
	ContextKeyActor         = appctx.ContextKeyActor
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
)

// SystemActor is recorded in audit trails for work started by the process itself.
const SystemActor = "System"

func GetActorFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyActor)
}

// ActorOrSystem returns the request actor, falling back to SystemActor.
func ActorOrSystem(ctx context.Context) string {
	if ctx == nil {
		return SystemActor
	}
	if v, ok := GetActorFromContext(ctx); ok && v != "" {
		return v
	}
	return SystemActor
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

// CorrelationIdOrNew returns the correlation id carried by ctx, or a fresh one.
func CorrelationIdOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func SetActorInContext(ctx context.Context, actor string) context.Context {
	return appctx.Set(ctx, ContextKeyActor, actor)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}
