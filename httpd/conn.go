package httpd

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Tautulli/ember/httpd/internal/http1"
	"github.com/Tautulli/ember/internal/obs"
)

// ConnState is the lifecycle position of a connection, readable from
// other goroutines for diagnostics.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateReadHeader
	StateReadBody
	StateHandle
	StateWriteResponse
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReadHeader:
		return "read-header"
	case StateReadBody:
		return "read-body"
	case StateHandle:
		return "handle"
	case StateWriteResponse:
		return "write-response"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// countingConn wraps the accepted socket and tallies raw bytes both
// ways. When the server terminates TLS the counters sit below it, so
// they reflect what actually crossed the wire.
type countingConn struct {
	net.Conn
	in  int64
	out int64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		atomic.AddInt64(&c.in, int64(n))
	}
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		atomic.AddInt64(&c.out, int64(n))
	}
	return n, err
}

type conn struct {
	srv *Server
	// raw is fixed at construction; the shutdown sweeps close it from
	// other goroutines. rwc (raw, or the TLS session on top of it) is
	// rebound during the handshake and belongs to the worker alone.
	raw *countingConn
	rwc net.Conn
	br  *bufio.Reader
	bw  *bufio.Writer

	state      int32
	remoteAddr string
	tlsState   *tls.ConnectionState
	hijacked   bool

	ctx    context.Context
	cancel context.CancelFunc
}

func newConn(srv *Server, nc net.Conn) *conn {
	cc := &countingConn{Conn: nc}
	c := &conn{srv: srv, raw: cc, rwc: cc, remoteAddr: nc.RemoteAddr().String()}
	c.ctx, c.cancel = context.WithCancel(srv.baseCtx)
	return c
}

func (c *conn) setState(s ConnState) { atomic.StoreInt32(&c.state, int32(s)) }
func (c *conn) getState() ConnState  { return ConnState(atomic.LoadInt32(&c.state)) }

// serve runs the connection to completion: optional TLS handshake,
// then one request/response cycle at a time until keep-alive ends.
// Every exit path lands in close; a hijacked connection is the one
// case where the socket itself is left alone.
func (c *conn) serve() {
	defer func() {
		if p := recover(); p != nil {
			var trace [4096]byte
			n := runtime.Stack(trace[:], false)
			c.srv.logf(obs.Error, "conn %s: panic: %v\n%s", c.remoteAddr, p, trace[:n])
		}
		c.close()
	}()

	if c.srv.tlsConf != nil {
		if !c.handshake() {
			return
		}
	}
	c.br = bufio.NewReaderSize(c.rwc, bufSize)
	c.bw = bufio.NewWriterSize(c.rwc, bufSize)

	first := true
	for {
		c.setState(StateIdle)
		wait := c.srv.cfg.KeepAliveTimeout
		if first {
			wait = c.srv.cfg.ReadHeaderTimeout
		}
		c.setReadDeadline(wait)
		if _, err := c.br.Peek(1); err != nil {
			if err != io.EOF && !isTimeout(err) {
				c.srv.logf(obs.Debug, "conn %s: read: %v", c.remoteAddr, err)
			}
			return
		}

		c.setState(StateReadHeader)
		c.setReadDeadline(c.srv.cfg.ReadHeaderTimeout)
		rr := &http1.Reader{
			BR:                  c.br,
			MaxHeaderBytes:      c.srv.cfg.MaxHeaderBytes,
			MaxTotalHeaderBytes: c.srv.cfg.MaxHeaderBytes,
			MaxBodyBytes:        c.srv.cfg.MaxRequestBodySize,
		}
		pr, err := rr.ReadRequest()
		if err != nil {
			c.replyReadError(err)
			return
		}
		first = false

		c.setState(StateReadBody)
		req, err := c.buildRequest(pr)
		if err != nil {
			c.fastError(400)
			return
		}
		ka := requestKeepAlive(pr.Proto, &req.Header)
		if c.srv.cfg.DisableKeepAlive || c.srv.shuttingDown() {
			ka = false
		}
		rw := newResponseWriter(c, req.Method, pr.Proto, ka)
		expect := c.armExpectContinue(req, rw)

		c.setReadDeadline(c.srv.cfg.ReadTimeout)
		c.setWriteDeadline(c.srv.cfg.WriteTimeout)

		c.setState(StateHandle)
		start := time.Now()
		gwErr := c.callGateway(rw, req)

		c.setState(StateWriteResponse)
		if c.hijacked {
			return
		}
		if gwErr != nil {
			c.failGateway(rw, req, gwErr)
			return
		}
		if !rw.wroteWire {
			if expect != nil && !expect.sent {
				// The interim 100 never went out, so the body may never
				// arrive. Respond, then close instead of draining.
				_ = rw.finish()
				return
			}
			// Nothing committed yet: clear the remaining body first so
			// a poisoned request can still be answered with its own
			// status instead of the handler's.
			if !c.cleanupBody(req, expect, true) {
				return
			}
			if err := rw.finish(); err != nil {
				return
			}
		} else {
			if err := rw.finish(); err != nil {
				return
			}
			if !c.cleanupBody(req, expect, false) {
				return
			}
		}

		atomic.AddInt64(&c.srv.served, 1)
		c.srv.metricCounter("httpd_requests_total", 1,
			obs.Label{Key: "method", Value: req.Method},
			obs.Label{Key: "status", Value: strconv.Itoa(rw.status)})
		c.srv.metricHistogram("httpd_request_duration_ms", float64(time.Since(start).Milliseconds()),
			obs.Label{Key: "method", Value: req.Method},
			obs.Label{Key: "status", Value: strconv.Itoa(rw.status)})

		if !rw.reusable() || c.srv.shuttingDown() {
			return
		}
	}
}

func (c *conn) handshake() bool {
	tc := tls.Server(c.rwc, c.srv.tlsConf)
	d := c.srv.cfg.ReadHeaderTimeout
	if d <= 0 {
		d = 10 * time.Second
	}
	_ = tc.SetDeadline(time.Now().Add(d))
	if err := tc.Handshake(); err != nil {
		atomic.AddInt64(&c.srv.tlsFailures, 1)
		c.srv.metricCounter("httpd_tls_handshake_failures_total", 1)
		c.srv.logf(obs.Debug, "conn %s: tls handshake: %v", c.remoteAddr, err)
		return false
	}
	_ = tc.SetDeadline(time.Time{})
	cs := tc.ConnectionState()
	c.tlsState = &cs
	c.rwc = tc
	return true
}

func (c *conn) buildRequest(pr *http1.ParsedRequest) (*Request, error) {
	var u *url.URL
	var err error
	if strings.HasPrefix(pr.Target, "http://") || strings.HasPrefix(pr.Target, "https://") {
		u, err = url.Parse(pr.Target)
	} else {
		u, err = url.ParseRequestURI(pr.Target)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: target %q", ErrBadRequest, pr.Target)
	}
	hdr := headerFromFields(pr.Fields)
	host := hdr.Get("Host")
	if u.Host != "" {
		host = u.Host
	}
	if pr.Proto == "HTTP/1.1" && host == "" {
		return nil, fmt.Errorf("%w: missing Host", ErrBadRequest)
	}
	id := genID()
	ctx := WithRequestID(c.ctx, id)
	if tr, ok := traceFromHeaders(&hdr); ok {
		ctx = WithTrace(ctx, tr)
	}
	return &Request{
		Method:        pr.Method,
		URL:           u,
		RequestURI:    pr.Target,
		Proto:         pr.Proto,
		ProtoMinor:    pr.ProtoMinor,
		Header:        hdr,
		Body:          bodyReader{pr.Body},
		Host:          host,
		ContentLength: pr.ContentLength,
		RemoteAddr:    c.remoteAddr,
		TLS:           c.tlsState,
		RequestID:     id,
		ctx:           ctx,
	}, nil
}

// armExpectContinue wraps the body so the interim 100 goes out only
// when the handler actually starts reading. Returns the wrapper, or
// nil when the request does not call for one.
func (c *conn) armExpectContinue(req *Request, rw *responseWriter) *expectContinueReader {
	if req.ProtoMinor < 1 || req.ContentLength == 0 {
		return nil
	}
	if !strings.EqualFold(req.Header.Get("Expect"), "100-continue") {
		return nil
	}
	ec := &expectContinueReader{c: c, rw: rw, body: req.Body}
	req.Body = ec
	rw.expect = ec
	return ec
}

func (c *conn) callGateway(rw *responseWriter, req *Request) (failure error) {
	defer func() {
		if p := recover(); p != nil {
			var trace [4096]byte
			n := runtime.Stack(trace[:], false)
			c.srv.logf(obs.Error, "handler panic on %s %s (request %s): %v\n%s",
				req.Method, req.RequestURI, req.RequestID, p, trace[:n])
			failure = fmt.Errorf("httpd: handler panic: %v", p)
		}
	}()
	h := c.srv.Handler
	if h == nil {
		h = HandlerFunc(func(w ResponseWriter, r *Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(404)
			_, _ = w.Write([]byte("not found"))
		})
	}
	h.ServeHTTP(rw, req)
	if rw.violation != nil {
		return rw.violation
	}
	return nil
}

// failGateway converts a handler failure. With nothing on the wire the
// client gets a clean 500; once bytes are out the only honest move is
// to cut the connection so the truncation is visible.
func (c *conn) failGateway(rw *responseWriter, req *Request, reason error) {
	c.srv.metricCounter("httpd_gateway_failures_total", 1)
	if rw.wroteWire {
		c.srv.logf(obs.Error, "conn %s: aborting mid-response on %s %s: %v",
			c.remoteAddr, req.Method, req.RequestURI, reason)
		return
	}
	c.srv.logf(obs.Error, "conn %s: %s %s failed before commit: %v",
		c.remoteAddr, req.Method, req.RequestURI, reason)
	c.fastError(500)
}

// cleanupBody disposes of whatever the handler left unread. When the
// interim 100 was never sent the client is still holding the body, so
// draining would block on bytes that may never come: close instead.
// mayReply permits turning a drain failure into a direct error
// response while the wire is still clean.
func (c *conn) cleanupBody(req *Request, expect *expectContinueReader, mayReply bool) bool {
	if expect != nil && !expect.sent {
		return false
	}
	err := req.Body.Close()
	if err == nil {
		return true
	}
	if mayReply {
		switch {
		case errors.Is(err, ErrBodyTooLarge):
			c.fastError(413)
			return false
		case errors.Is(err, ErrHeaderTooLarge):
			c.fastError(431)
			return false
		case errors.Is(err, ErrBadRequest):
			c.fastError(400)
			return false
		}
	}
	c.srv.logf(obs.Debug, "conn %s: discarding body: %v", c.remoteAddr, err)
	return false
}

func (c *conn) replyReadError(err error) {
	switch {
	case err == io.EOF, err == io.ErrUnexpectedEOF, isTimeout(err):
		// peer went away or stalled out; nothing useful to say
	case errors.Is(err, http1.ErrHeaderTooLarge):
		c.fastError(431)
	case errors.Is(err, http1.ErrBodyTooLarge):
		c.fastError(413)
	case errors.Is(err, http1.ErrMalformed):
		c.fastError(400)
	default:
		c.srv.logf(obs.Debug, "conn %s: read: %v", c.remoteAddr, err)
	}
}

func (c *conn) fastError(code int) {
	c.setWriteDeadline(c.srv.cfg.WriteTimeout)
	_ = http1.FastError(c.bw, code, http1.StatusText(code)+"\n")
	_ = c.bw.Flush()
	c.srv.metricCounter("httpd_protocol_errors_total", 1,
		obs.Label{Key: "status", Value: strconv.Itoa(code)})
}

func (c *conn) close() {
	c.setState(StateClosed)
	c.cancel()
	if !c.hijacked {
		_ = c.rwc.Close()
	}
	in := atomic.LoadInt64(&c.raw.in)
	out := atomic.LoadInt64(&c.raw.out)
	atomic.AddInt64(&c.srv.bytesIn, in)
	atomic.AddInt64(&c.srv.bytesOut, out)
	c.srv.removeConn(c)
	c.srv.logf(obs.Debug, "conn %s: closed, %d in / %d out", c.remoteAddr, in, out)
}

func (c *conn) setReadDeadline(d time.Duration) {
	if d > 0 {
		_ = c.rwc.SetReadDeadline(time.Now().Add(d))
	} else {
		_ = c.rwc.SetReadDeadline(time.Time{})
	}
}

func (c *conn) setWriteDeadline(d time.Duration) {
	if d > 0 {
		_ = c.rwc.SetWriteDeadline(time.Now().Add(d))
	} else {
		_ = c.rwc.SetWriteDeadline(time.Time{})
	}
}

// bodyReader rewrites the wire codec's errors into this package's
// sentinels before handlers see them.
type bodyReader struct {
	inner io.ReadCloser
}

func (b bodyReader) Read(p []byte) (int, error) {
	n, err := b.inner.Read(p)
	return n, mapBodyErr(err)
}

func (b bodyReader) Close() error {
	return mapBodyErr(b.inner.Close())
}

func mapBodyErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, http1.ErrBodyTooLarge):
		return ErrBodyTooLarge
	case errors.Is(err, http1.ErrHeaderTooLarge):
		// Oversized trailer or chunk-size line.
		return ErrHeaderTooLarge
	case errors.Is(err, http1.ErrMalformed):
		return ErrBadRequest
	}
	return err
}

// expectContinueReader defers the interim 100 until the handler's
// first read. Once the response head is out the interim can no longer
// be sent; and a body that was never solicited is not drained on
// Close, the connection closes instead.
type expectContinueReader struct {
	c    *conn
	rw   *responseWriter
	body io.ReadCloser
	sent bool
}

func (e *expectContinueReader) Read(p []byte) (int, error) {
	if !e.sent && !e.rw.wroteWire {
		e.sent = true
		if err := http1.WriteContinue(e.c.bw); err != nil {
			return 0, err
		}
		if err := e.c.bw.Flush(); err != nil {
			return 0, err
		}
	}
	return e.body.Read(p)
}

func (e *expectContinueReader) Close() error {
	if !e.sent {
		return nil
	}
	return e.body.Close()
}

func requestKeepAlive(proto string, h *Header) bool {
	if proto == "HTTP/1.1" {
		return !connectionHasToken(h.Values("Connection"), "close")
	}
	return connectionHasToken(h.Values("Connection"), "keep-alive")
}

// connectionHasToken reports whether token appears in any of the
// comma-separated Connection values, matched case-insensitively.
// "close" buried in a list counts the same as "close" alone.
func connectionHasToken(values []string, token string) bool {
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.Trim(part, " \t"), token) {
				return true
			}
		}
	}
	return false
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
