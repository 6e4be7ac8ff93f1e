package core

import "context"

type contextKey string

const (
	ctxKeySubmitter contextKey = "submitter"
	ctxKeyIPAddress contextKey = "client_ip"
)

// ContextWithSubmitter records the authenticated caller identity.
func ContextWithSubmitter(ctx context.Context, submitter string) context.Context {
	return context.WithValue(ctx, ctxKeySubmitter, submitter)
}

// SubmitterFromContext returns the caller identity, or "anonymous".
func SubmitterFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeySubmitter).(string); ok && v != "" {
		return v
	}
	return "anonymous"
}

// ContextWithIPAddress adds the client IP for submission logging.
func ContextWithIPAddress(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKeyIPAddress, ip)
}

// IPAddressFromContext extracts the client IP from context.
func IPAddressFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyIPAddress).(string); ok {
		return v
	}
	return ""
}
