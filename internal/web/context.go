package web

import (
	"context"
	"net"
	"net/http"

	"github.com/JonMunkholm/fileflow/internal/core"
)

// WithRequestMetadata adds the client IP to ctx for submission logging.
func WithRequestMetadata(ctx context.Context, r *http.Request) context.Context {
	return core.ContextWithIPAddress(ctx, clientIP(r))
}

// clientIP strips the port from RemoteAddr, which TrustedRealIP has
// already rewritten for proxied requests.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
