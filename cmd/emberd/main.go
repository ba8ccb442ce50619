// Command emberd runs the pooled HTTP server with a small demo
// gateway: request echo, a prometheus scrape endpoint, a websocket
// echo, and a health probe.
//
// Endpoints:
//   - GET /healthz: liveness probe
//   - GET /metrics: prometheus exposition, server counters included
//   - GET /ws: websocket echo
//   - anything else: request echo
//
// Flags override the EMBER_* environment where both are given.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Tautulli/ember/httpd"
	"github.com/Tautulli/ember/httpd/compat"
	"github.com/Tautulli/ember/internal/obs"
)

func main() {
	cfg := httpd.DefaultConfig()
	flag.StringVar(&cfg.Addr, "addr", envOr("EMBER_ADDR", cfg.Addr), "listen address (host:port, unix:/path, unix:@name)")
	flag.IntVar(&cfg.MinWorkers, "min-workers", cfg.MinWorkers, "workers kept alive")
	flag.IntVar(&cfg.MaxWorkers, "max-workers", cfg.MaxWorkers, "worker ceiling")
	flag.IntVar(&cfg.Backlog, "backlog", cfg.Backlog, "accept queue length")
	flag.DurationVar(&cfg.ReadHeaderTimeout, "read-header-timeout", cfg.ReadHeaderTimeout, "time allowed for a request head")
	flag.DurationVar(&cfg.KeepAliveTimeout, "keep-alive-timeout", cfg.KeepAliveTimeout, "idle time allowed between requests")
	flag.Int64Var(&cfg.MaxRequestBodySize, "max-body", cfg.MaxRequestBodySize, "request body cap in bytes")
	flag.StringVar(&cfg.CertFile, "tls-cert", envOr("EMBER_TLS_CERT", ""), "TLS certificate file")
	flag.StringVar(&cfg.KeyFile, "tls-key", envOr("EMBER_TLS_KEY", ""), "TLS key file")
	flag.StringVar(&cfg.ClientCAFile, "tls-client-ca", envOr("EMBER_TLS_CLIENT_CA", ""), "CA bundle for client certificates")
	flag.BoolVar(&cfg.RequireClientCert, "tls-require-client-cert", false, "reject clients without a verified certificate")
	grace := flag.Duration("grace", 15*time.Second, "shutdown grace period")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	zl, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = zl.Sync() }()

	reg := prometheus.NewRegistry()
	srv := httpd.NewServer(cfg, newGateway(reg))
	srv.Logger = obs.NewZapLogger(zl)
	srv.Meter = obs.NewPromMeter(reg)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	zl.Sugar().Infof("emberd listening on %s", cfg.Addr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, httpd.ErrServerClosed) {
			zl.Sugar().Fatalf("serve: %v", err)
		}
	case sig := <-stop:
		zl.Sugar().Infof("%s received, draining for up to %v", sig, *grace)
		ctx, cancel := context.WithTimeout(context.Background(), *grace)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			zl.Sugar().Warnf("shutdown: %v", err)
		}
		st := srv.Stats()
		zl.Sugar().Infof("served %d requests on %d connections", st.Served, st.Accepted)
	}
}

func newGateway(reg *prometheus.Registry) httpd.Handler {
	metrics := compat.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws := compat.HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))

	return httpd.HandlerFunc(func(w httpd.ResponseWriter, r *httpd.Request) {
		switch r.URL.Path {
		case "/metrics":
			metrics.ServeHTTP(w, r)
		case "/ws":
			ws.ServeHTTP(w, r)
		case "/healthz":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Content-Length", "3")
			w.WriteHeader(200)
			_, _ = w.Write([]byte("ok\n"))
		default:
			echo(w, r)
		}
	})
}

// echo reports the request back to the caller, standing in for a real
// application gateway.
func echo(w httpd.ResponseWriter, r *httpd.Request) {
	n, err := io.Copy(io.Discard, r.Body)
	if err != nil {
		return
	}
	body := fmt.Sprintf("%s %s from %s (%d body bytes, request %s)\n",
		r.Method, r.RequestURI, r.RemoteAddr, n, r.RequestID)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(200)
	_, _ = w.Write([]byte(body))
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
