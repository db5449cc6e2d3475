package shared

import "context"

type actorContextKey struct{}

// ContextWithActor stores the acting principal's identifier in context.
// The API layer fills it from the X-Actor-Id header; audit records read it.
func ContextWithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the actor identifier, or "" when absent.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorContextKey{}).(string)
	return actor
}
