package obs

import "context"

type (
	routePatternKey struct{}
	requestTagsKey  struct{}
)

// WithRoutePattern stores the matched router pattern on the context.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, routePatternKey{}, pattern)
}

// RoutePatternFromContext extracts the route pattern from context if present.
func RoutePatternFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(routePatternKey{}).(string)
	return v
}

// requestTags is filled in by handlers deeper in the chain and read back by
// RequestLogger once the request completes.
type requestTags struct {
	sessionID string
	author    string
}

func withRequestTags(ctx context.Context) (context.Context, *requestTags) {
	tags := &requestTags{}
	return context.WithValue(ctx, requestTagsKey{}, tags), tags
}

func tagsFrom(ctx context.Context) *requestTags {
	if ctx == nil {
		return nil
	}
	tags, _ := ctx.Value(requestTagsKey{}).(*requestTags)
	return tags
}

// TagSession records the game session served by the current request.
// It is a no-op outside RequestLogger.
func TagSession(ctx context.Context, id string) {
	if tags := tagsFrom(ctx); tags != nil {
		tags.sessionID = id
	}
}

// TagAuthor records the authenticated author of the current request.
func TagAuthor(ctx context.Context, subject string) {
	if tags := tagsFrom(ctx); tags != nil {
		tags.author = subject
	}
}
