package evidence

import "context"

type contextKey string

const sessionKey contextKey = "session"

// WithSession tags ctx with the deployment session id. Payload producers read
// it back so every record written during a session can be tied to it.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey, id)
}

// SessionFrom returns the session id carried by ctx, or "" outside a session.
func SessionFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey).(string)
	return id
}
