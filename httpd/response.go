package httpd

import (
	"bufio"
	"net"
	"strconv"
	"time"

	"github.com/Tautulli/ember/httpd/internal/http1"
)

// responseWriter streams one response to the client. The status and
// headers are committed to the wire lazily, on the first body write or
// flush, so a misbehaving handler can still be converted into a clean
// 500 as long as nothing has been sent. If keep-alive holds and the
// handler set no Content-Length on an HTTP/1.1 exchange, the body goes
// out chunked.
type responseWriter struct {
	c  *conn
	bw *bufio.Writer

	method  string
	proto11 bool
	expect  *expectContinueReader // non-nil when the request awaits a 100

	hdr        Header
	status     int
	keepAlive  bool
	committed  bool // WriteHeader called, status frozen
	wroteWire  bool // head bytes are out
	chunked    bool
	noBody     bool
	declaredCL int64
	written    int64
	finished   bool
	hijacked   bool
	violation  error
	writeErr   error
}

func newResponseWriter(c *conn, method, proto string, keepAlive bool) *responseWriter {
	return &responseWriter{
		c:          c,
		bw:         c.bw,
		method:     method,
		proto11:    proto == "HTTP/1.1",
		keepAlive:  keepAlive,
		declaredCL: -1,
	}
}

func (w *responseWriter) Header() *Header { return &w.hdr }

func (w *responseWriter) WriteHeader(status int) {
	if w.hijacked || w.finished {
		return
	}
	if w.committed {
		w.violation = ErrProtocolViolation
		return
	}
	if status == 0 {
		status = 200
	}
	w.status = status
	w.committed = true
}

// planFraming fixes the body framing from the committed status and
// headers. An explicit Connection: close from the handler wins; a
// missing Content-Length on a keep-alive HTTP/1.1 response selects
// chunked; otherwise the body is close-delimited and keep-alive drops.
// A still-unsent interim 100 also drops keep-alive.
func (w *responseWriter) planFraming() {
	if connectionHasToken(w.hdr.Values("Connection"), "close") {
		w.keepAlive = false
	}
	if w.expect != nil && !w.expect.sent {
		// The interim 100 never went out, so the announced body cannot
		// be drained: this response is the connection's last.
		w.keepAlive = false
	}
	w.noBody = noResponseBody(w.status, w.method)
	w.declaredCL = -1
	if v := w.hdr.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			w.declaredCL = n
		}
	}
	if w.noBody || w.declaredCL >= 0 {
		w.chunked = false
		return
	}
	if w.proto11 && w.keepAlive {
		w.chunked = true
		return
	}
	w.chunked = false
	w.keepAlive = false
}

func (w *responseWriter) start() error {
	if w.wroteWire {
		return nil
	}
	if !w.committed {
		w.status = 200
		w.committed = true
	}
	w.planFraming()
	if !w.hdr.Has("Date") {
		w.hdr.Set("Date", time.Now().UTC().Format(http1.TimeFormat))
	}
	if !w.hdr.Has("Server") {
		w.hdr.Set("Server", serverToken)
	}
	if err := http1.WriteHead(w.bw, w.status, "", w.hdr.kv, w.chunked, w.keepAlive); err != nil {
		w.writeErr = err
		return err
	}
	w.wroteWire = true
	return nil
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if w.hijacked {
		return 0, ErrHijacked
	}
	if w.finished {
		return 0, ErrWriteAfterFinish
	}
	if w.violation != nil {
		// The contract is already broken; keep the wire clean so the
		// connection can still report it as a 500.
		return 0, w.violation
	}
	if err := w.start(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if w.noBody {
		return 0, ErrBodyNotAllowed
	}
	if w.declaredCL >= 0 && w.written+int64(len(p)) > w.declaredCL {
		return 0, ErrContentLength
	}
	var n int
	var err error
	if w.chunked {
		n, err = http1.WriteChunk(w.bw, p)
		if err == nil {
			// Flush each chunk so clients see streamed data promptly.
			err = w.bw.Flush()
		}
	} else {
		n, err = w.bw.Write(p)
	}
	w.written += int64(n)
	if err != nil {
		w.writeErr = err
	}
	return n, err
}

func (w *responseWriter) Flush() error {
	if w.hijacked {
		return ErrHijacked
	}
	if w.finished {
		return ErrWriteAfterFinish
	}
	if w.violation != nil {
		return w.violation
	}
	if err := w.start(); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		w.writeErr = err
		return err
	}
	return nil
}

// Hijack hands the connection to the caller. Anything the handler
// wrote but did not flush is still buffered in the returned writer.
// The server stops managing the connection: deadlines are cleared and
// closing becomes the caller's job.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if w.hijacked {
		return nil, nil, ErrHijacked
	}
	w.hijacked = true
	w.c.hijacked = true
	_ = w.c.rwc.SetDeadline(time.Time{})
	return w.c.rwc, bufio.NewReadWriter(w.c.br, w.bw), nil
}

// finish completes the response after the handler returns: commits the
// head if the handler never wrote (with Content-Length: 0 so the
// connection stays reusable), terminates chunked framing, and flushes.
func (w *responseWriter) finish() error {
	if w.hijacked || w.finished {
		return nil
	}
	if !w.wroteWire {
		if !w.committed {
			w.status = 200
			w.committed = true
		}
		if !w.hdr.Has("Content-Length") && !noResponseBody(w.status, w.method) {
			w.hdr.Set("Content-Length", "0")
		}
		if err := w.start(); err != nil {
			return err
		}
	}
	if w.chunked {
		if err := http1.EndChunked(w.bw); err != nil {
			w.writeErr = err
			return err
		}
	}
	w.finished = true
	if err := w.bw.Flush(); err != nil {
		w.writeErr = err
		return err
	}
	return nil
}

// reusable reports whether the connection may serve another request:
// framing must be self-terminating and complete, and nothing may have
// failed on the way out. A short Content-Length body poisons reuse.
func (w *responseWriter) reusable() bool {
	if !w.keepAlive || w.writeErr != nil || w.hijacked {
		return false
	}
	if w.noBody || w.chunked {
		return true
	}
	if w.declaredCL >= 0 {
		return w.written == w.declaredCL
	}
	return false
}

func noResponseBody(status int, method string) bool {
	if method == "HEAD" {
		return true
	}
	if status >= 100 && status < 200 {
		return true
	}
	return status == 204 || status == 304
}
