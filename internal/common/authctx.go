package common

import "context"

type ctxKey string

const authorKey ctxKey = "auth/author"

// WithAuthor stores the subject of the authenticated rule author on ctx.
func WithAuthor(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, authorKey, subject)
}

// Author returns the authenticated rule author if present.
func Author(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(authorKey).(string)
	return subject, ok
}
