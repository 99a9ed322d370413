package authn

import (
	"context"
	"strings"
)

// Actor is the authenticated caller attached to a request context.
type Actor struct {
	UserID   string
	TenantID string
}

type ctxKey string

const actorKey ctxKey = "authn_actor"

// ContextWithActor stores the caller identity in the context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	actor.UserID = strings.TrimSpace(actor.UserID)
	actor.TenantID = strings.TrimSpace(actor.TenantID)
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext extracts the authenticated caller, if present.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	if !ok || actor.UserID == "" || actor.TenantID == "" {
		return Actor{}, false
	}
	return actor, true
}
