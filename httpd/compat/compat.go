// Package compat bridges net/http handlers onto the httpd gateway so
// stock middleware such as promhttp or a websocket upgrader can serve
// behind the pooled server without knowing about it.
package compat

import (
	"bufio"
	"errors"
	"net"
	"net/http"

	"github.com/Tautulli/ember/httpd"
)

var errHijackUnsupported = errors.New("compat: connection does not support hijacking")

// HTTPHandler adapts h to the httpd gateway contract. The adapter
// tolerates the sloppy parts of the net/http world: a second
// WriteHeader is dropped instead of tripping the gateway's
// single-commit guard, and a missing one is filled in as 200.
func HTTPHandler(h http.Handler) httpd.Handler {
	return httpd.HandlerFunc(func(w httpd.ResponseWriter, r *httpd.Request) {
		h.ServeHTTP(&responseAdapter{rw: w}, toStdRequest(r))
	})
}

func toStdRequest(r *httpd.Request) *http.Request {
	req := &http.Request{
		Method:        r.Method,
		URL:           r.URL,
		Proto:         r.Proto,
		ProtoMajor:    1,
		ProtoMinor:    r.ProtoMinor,
		Header:        make(http.Header, r.Header.Len()),
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          r.Host,
		RemoteAddr:    r.RemoteAddr,
		RequestURI:    r.RequestURI,
		TLS:           r.TLS,
	}
	r.Header.Each(func(k, v string) {
		req.Header.Add(k, v)
	})
	return req.WithContext(r.Context())
}

// responseAdapter presents an httpd response as an http.ResponseWriter.
// Header changes made after the commit are ignored, matching net/http.
type responseAdapter struct {
	rw        httpd.ResponseWriter
	hdr       http.Header
	committed bool
}

func (a *responseAdapter) Header() http.Header {
	if a.hdr == nil {
		a.hdr = make(http.Header)
	}
	return a.hdr
}

func (a *responseAdapter) WriteHeader(status int) {
	if a.committed {
		return
	}
	a.committed = true
	for k, vs := range a.hdr {
		for _, v := range vs {
			a.rw.Header().Add(k, v)
		}
	}
	a.rw.WriteHeader(status)
}

func (a *responseAdapter) Write(p []byte) (int, error) {
	if !a.committed {
		a.WriteHeader(http.StatusOK)
	}
	return a.rw.Write(p)
}

func (a *responseAdapter) Flush() {
	if f, ok := a.rw.(httpd.Flusher); ok {
		if !a.committed {
			a.WriteHeader(http.StatusOK)
		}
		_ = f.Flush()
	}
}

func (a *responseAdapter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := a.rw.(httpd.Hijacker)
	if !ok {
		return nil, nil, errHijackUnsupported
	}
	return hj.Hijack()
}
