// Package httpd is an embeddable multi-threaded HTTP/1.x connection
// server: a listener, a bounded worker pool, and a per-connection
// state machine that runs a gateway Handler over each request.
//
// Highlights
//   - Server: keep-alive with idle timeouts, chunked transfer,
//     Expect: 100-continue, strict CL/TE validation, header and body
//     size limits, graceful shutdown, logging/metrics hooks.
//   - Pool: min/max workers over a bounded hand-off queue; saturation
//     answers 503 instead of queueing unboundedly.
//   - TLS: optional termination with per-connection handshakes off
//     the accept path, and optional client-certificate verification.
//   - Gateway: Handler/ResponseWriter with a single-commit
//     WriteHeader; handler panics and contract violations become a
//     500 when nothing has been flushed, a dropped connection when
//     something has.
//
// Quick start:
//
//	srv := httpd.NewServer(httpd.DefaultConfig(), httpd.HandlerFunc(
//	    func(w httpd.ResponseWriter, r *httpd.Request) {
//	        w.Header().Set("Content-Type", "text/plain; charset=utf-8")
//	        w.WriteHeader(200)
//	        w.Write([]byte("hello"))
//	    }))
//	if err := srv.ListenAndServe(); err != nil { log.Fatal(err) }
package httpd
