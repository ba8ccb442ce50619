package httpd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Trace is the W3C trace context taken from an incoming request.
// SpanID is a span minted for this server's handling; ParentSpanID is
// the caller's span. State carries the raw tracestate value through
// untouched for handlers that call onward.
type Trace struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Flags        string
	State        string
}

// Traceparent renders the context for propagation to an upstream,
// with this server's span as the parent.
func (tr Trace) Traceparent() string {
	flags := tr.Flags
	if flags == "" {
		flags = "01"
	}
	return "00-" + tr.TraceID + "-" + tr.SpanID + "-" + flags
}

// StartTrace mints a fresh root context for traffic that arrived
// without one.
func StartTrace() Trace {
	return Trace{TraceID: genTraceID(), SpanID: genSpanID(), Flags: "01"}
}

type ctxKeyTrace struct{}

// WithTrace attaches trace context to ctx.
func WithTrace(ctx context.Context, tr Trace) context.Context {
	return context.WithValue(ctx, ctxKeyTrace{}, tr)
}

// TraceFrom reports the trace context attached to ctx, if any.
func TraceFrom(ctx context.Context) (Trace, bool) {
	tr, ok := ctx.Value(ctxKeyTrace{}).(Trace)
	return tr, ok
}

// traceFromHeaders continues the caller's trace with a fresh span. A
// missing or malformed traceparent yields no trace; the request still
// has its RequestID.
func traceFromHeaders(h *Header) (Trace, bool) {
	tid, sid, flags, ok := parseTraceparent(h.Get("Traceparent"))
	if !ok {
		return Trace{}, false
	}
	return Trace{
		TraceID:      tid,
		SpanID:       genSpanID(),
		ParentSpanID: sid,
		Flags:        flags,
		State:        h.Get("Tracestate"),
	}, true
}

// parseTraceparent validates "ver-traceid-spanid-flags". All-zero IDs
// mean "no trace" and are rejected.
func parseTraceparent(v string) (traceID, spanID, flags string, ok bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", "", "", false
	}
	parts := strings.Split(v, "-")
	if len(parts) < 4 {
		return "", "", "", false
	}
	ver, tid, sid, fl := parts[0], parts[1], parts[2], parts[3]
	if len(ver) != 2 || len(tid) != 32 || len(sid) != 16 || len(fl) != 2 {
		return "", "", "", false
	}
	if !isHex(ver) || !isHex(tid) || !isHex(sid) || !isHex(fl) {
		return "", "", "", false
	}
	tid = strings.ToLower(tid)
	sid = strings.ToLower(sid)
	if tid == strings.Repeat("0", 32) || sid == strings.Repeat("0", 16) {
		return "", "", "", false
	}
	return tid, sid, strings.ToLower(fl), true
}

func genTraceID() string {
	var b [16]byte
	for {
		if _, err := rand.Read(b[:]); err != nil || allZero(b[:]) {
			continue
		}
		return hex.EncodeToString(b[:])
	}
}

func genSpanID() string {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil || allZero(b[:]) {
			continue
		}
		return hex.EncodeToString(b[:])
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			continue
		}
		return false
	}
	return true
}
