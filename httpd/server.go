package httpd

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tautulli/ember/httpd/internal/http1"
	"github.com/Tautulli/ember/internal/obs"
)

const (
	bufSize     = 8 << 10
	serverToken = "ember"
)

// Handler responds to one request. ServeHTTP must write its response
// through w before returning; r.Body is no longer valid afterwards.
type Handler interface {
	ServeHTTP(ResponseWriter, *Request)
}

type HandlerFunc func(ResponseWriter, *Request)

func (f HandlerFunc) ServeHTTP(w ResponseWriter, r *Request) {
	f(w, r)
}

// ResponseWriter assembles the response. WriteHeader commits the
// status exactly once; calling it again is a contract violation that
// the server turns into a 500 or a dropped connection. Implementations
// also provide Flusher, and Hijacker on plain-TCP connections.
type ResponseWriter interface {
	Header() *Header
	Write([]byte) (int, error)
	WriteHeader(status int)
}

// Config carries the server's tunables. The zero value works: zero
// timeouts disable the respective deadline, zero sizes fall back to
// the parser defaults (8 KiB line, 64 KiB header block) or, for the
// body, no cap. Production setups should start from DefaultConfig.
type Config struct {
	// Addr is "host:port", "unix:/path", or "unix:@name" for an
	// abstract socket.
	Addr string

	MinWorkers int
	MaxWorkers int
	// Backlog is the hand-off queue capacity between the acceptor
	// and the workers. When it is full new connections get a 503.
	Backlog int

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	KeepAliveTimeout  time.Duration
	WorkerIdleTimeout time.Duration

	MaxHeaderBytes     int
	MaxRequestBodySize int64

	CertFile          string
	KeyFile           string
	ClientCAFile      string
	RequireClientCert bool

	DisableKeepAlive bool
}

func DefaultConfig() Config {
	return Config{
		Addr:               ":8080",
		MinWorkers:         10,
		MaxWorkers:         64,
		Backlog:            128,
		ReadHeaderTimeout:  10 * time.Second,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       30 * time.Second,
		KeepAliveTimeout:   15 * time.Second,
		WorkerIdleTimeout:  10 * time.Second,
		MaxHeaderBytes:     64 << 10,
		MaxRequestBodySize: 10 << 20,
	}
}

// Server accepts connections, hands them to a worker pool, and runs
// the gateway Handler over each request. Configure before calling
// Serve; the exported fields are read concurrently afterwards.
type Server struct {
	Handler Handler
	Logger  obs.Logger
	Meter   obs.Meter

	cfg     Config
	tlsConf *tls.Config

	mu   sync.Mutex
	ln   net.Listener
	pool *workerPool

	baseCtx    context.Context
	baseCancel context.CancelFunc

	conns      sync.Map // *conn -> struct{}
	inShutdown int32

	accepted    int64
	served      int64
	tlsFailures int64
	bytesIn     int64
	bytesOut    int64
	active      int32
}

func NewServer(cfg Config, h Handler) *Server {
	s := &Server{Handler: h, cfg: cfg}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	return s
}

// ListenAndServe binds cfg.Addr and serves until Shutdown or a fatal
// accept error. A "unix:" prefix selects a unix socket; a name after
// "unix:@" lands in the abstract namespace. Stale socket files from a
// previous run are removed first.
func (s *Server) ListenAndServe() error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) listen() (net.Listener, error) {
	addr := s.cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	if rest, ok := strings.CutPrefix(addr, "unix:"); ok {
		if !strings.HasPrefix(rest, "@") {
			_ = os.Remove(rest)
		}
		return net.Listen("unix", rest)
	}
	return net.Listen("tcp", addr)
}

// Serve runs the accept loop on ln. Transient accept errors are
// retried with exponential backoff; closing the listener through
// Shutdown or Close makes Serve return ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	if s.cfg.CertFile != "" || s.cfg.KeyFile != "" {
		if err := s.setupTLS(); err != nil {
			_ = ln.Close()
			return err
		}
	}
	s.mu.Lock()
	if s.shuttingDown() {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.pool = newWorkerPool(s.serveConn, s.cfg.MinWorkers, s.cfg.MaxWorkers, s.cfg.Backlog,
		s.cfg.WorkerIdleTimeout, s.metricGauge)
	pool := s.pool
	s.mu.Unlock()
	pool.start()
	s.logf(obs.Info, "listening on %s", ln.Addr())

	var delay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.shuttingDown() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			var ne net.Error
			if (errors.As(err, &ne) && ne.Timeout()) || strings.Contains(err.Error(), "too many open files") {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay *= 2
				}
				if delay > time.Second {
					delay = time.Second
				}
				s.logf(obs.Warn, "accept: %v; retrying in %v", err, delay)
				time.Sleep(delay)
				continue
			}
			s.logf(obs.Error, "accept: %v", err)
			return err
		}
		delay = 0
		atomic.AddInt64(&s.accepted, 1)
		s.metricCounter("httpd_conns_accepted_total", 1)
		if !pool.submit(c) {
			s.metricCounter("httpd_conns_rejected_total", 1)
			s.logf(obs.Warn, "connection from %s rejected: queue full", c.RemoteAddr())
			_ = http1.FastError(c, 503, "server is at capacity\n")
			_ = c.Close()
		}
	}
}

func (s *Server) serveConn(nc net.Conn) {
	c := newConn(s, nc)
	s.trackConn(c)
	c.serve()
}

// Shutdown stops accepting, drops idle keep-alive connections, lets
// in-flight request cycles complete, and waits for the workers. If
// ctx expires first the remaining connections are force-closed and
// their request contexts canceled.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.inShutdown, 1)
	s.mu.Lock()
	ln, pool := s.ln, s.pool
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	if pool == nil {
		s.baseCancel()
		return nil
	}
	pool.shutdown()
	s.closeIdleConns()

	done := make(chan struct{})
	go func() {
		pool.wait()
		close(done)
	}()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			s.baseCancel()
			return nil
		case <-ticker.C:
			s.closeIdleConns()
		case <-ctx.Done():
			s.logf(obs.Warn, "shutdown grace expired, force-closing %d connections", int(atomic.LoadInt32(&s.active)))
			s.closeAllConns()
			s.baseCancel()
			return ctx.Err()
		}
	}
}

// Close stops the server immediately, dropping all connections.
func (s *Server) Close() error {
	atomic.StoreInt32(&s.inShutdown, 1)
	s.mu.Lock()
	ln, pool := s.ln, s.pool
	s.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	if pool != nil {
		pool.shutdown()
	}
	s.closeAllConns()
	s.baseCancel()
	return err
}

// The sweeps run off the worker goroutines, so they close the raw
// socket, which never changes after newConn. rwc is rebound by the
// TLS handshake on the worker and is not safe to touch from here.
func (s *Server) closeAllConns() {
	s.conns.Range(func(key, _ interface{}) bool {
		c := key.(*conn)
		c.cancel()
		_ = c.raw.Close()
		return true
	})
}

func (s *Server) closeIdleConns() {
	s.conns.Range(func(key, _ interface{}) bool {
		c := key.(*conn)
		if c.getState() == StateIdle {
			_ = c.raw.Close()
		}
		return true
	})
}

func (s *Server) trackConn(c *conn) {
	s.conns.Store(c, struct{}{})
	atomic.AddInt32(&s.active, 1)
}

func (s *Server) removeConn(c *conn) {
	if _, ok := s.conns.LoadAndDelete(c); ok {
		atomic.AddInt32(&s.active, -1)
	}
}

func (s *Server) shuttingDown() bool {
	return atomic.LoadInt32(&s.inShutdown) == 1
}

func (s *Server) logf(level obs.Level, format string, args ...interface{}) {
	lg := s.Logger
	if lg == nil {
		lg = obs.NopLogger{}
	}
	lg.Logf(level, format, args...)
}

func (s *Server) getMeter() obs.Meter {
	if s.Meter != nil {
		return s.Meter
	}
	return obs.NopMeter{}
}

func (s *Server) metricCounter(name string, value float64, labels ...obs.Label) {
	s.getMeter().Counter(name, value, labels...)
}

func (s *Server) metricGauge(name string, value float64) {
	s.getMeter().Gauge(name, value)
}

func (s *Server) metricHistogram(name string, value float64, labels ...obs.Label) {
	s.getMeter().Histogram(name, value, labels...)
}
