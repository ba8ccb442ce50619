package httpd

import (
	"context"
	"crypto/tls"
	"io"
	"net/url"
)

// Request represents one parsed HTTP request on a server connection.
//
// Body streams straight off the socket: it is valid only until the
// handler returns, and reading it is how the request body leaves the
// connection. ContentLength is -1 when the body is chunked.
type Request struct {
	Method     string
	URL        *url.URL
	RequestURI string
	Proto      string
	ProtoMinor int
	Header     Header
	Body       io.ReadCloser
	Host       string

	ContentLength int64

	// RemoteAddr is the peer's network address.
	RemoteAddr string

	// TLS holds the negotiated connection state when the server
	// terminates TLS, nil otherwise.
	TLS *tls.ConnectionState

	// RequestID is a server-generated identifier for log correlation.
	// It is also carried in Context.
	RequestID string

	ctx context.Context
}

// Context returns the request's context. It is canceled when the
// server force-closes the connection during shutdown.
func (r *Request) Context() context.Context {
	if r == nil || r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy of r with its context changed to ctx.
func WithContext(r *Request, ctx context.Context) *Request {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.ctx = ctx
	return &r2
}
