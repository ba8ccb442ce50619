package http1

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// TimeFormat is the HTTP-date layout used in Date headers.
const TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// WriteHead writes the status line and header block. Responses are
// always emitted as HTTP/1.1; the caller has already folded protocol
// version into the keepAlive decision. Connection, and Transfer-Encoding
// when chunked, are owned by the server: matching caller fields are
// skipped so they appear exactly once. Content-Length is dropped when
// chunked framing is in effect. Fields whose name is not a valid token
// are dropped; values are sanitized.
func WriteHead(bw *bufio.Writer, code int, reason string, fields []Field, chunked, keepAlive bool) error {
	if reason == "" {
		reason = StatusText(code)
	}
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", code, reason); err != nil {
		return err
	}
	if chunked {
		if _, err := io.WriteString(bw, "Transfer-Encoding: chunked\r\n"); err != nil {
			return err
		}
	}
	for _, f := range fields {
		if !ValidKey(f.Name) {
			continue
		}
		if f.Name == "Connection" || f.Name == "Transfer-Encoding" {
			continue
		}
		if chunked && f.Name == "Content-Length" {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%s: %s\r\n", f.Name, SanitizeValue(f.Value)); err != nil {
			return err
		}
	}
	conn := "close"
	if keepAlive {
		conn = "keep-alive"
	}
	if _, err := fmt.Fprintf(bw, "Connection: %s\r\n\r\n", conn); err != nil {
		return err
	}
	return nil
}

// WriteChunk frames one chunk. Zero-length input writes nothing: the
// empty chunk is the terminator and belongs to EndChunked.
func WriteChunk(bw *bufio.Writer, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(bw, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := bw.Write(p); err != nil {
		return 0, err
	}
	if _, err := io.WriteString(bw, "\r\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

// EndChunked writes the terminating zero-length chunk.
func EndChunked(bw *bufio.Writer) error {
	_, err := io.WriteString(bw, "0\r\n\r\n")
	return err
}

// WriteContinue writes the interim 100 response ahead of a body the
// client is withholding on Expect: 100-continue.
func WriteContinue(bw *bufio.Writer) error {
	_, err := io.WriteString(bw, "HTTP/1.1 100 Continue\r\n\r\n")
	return err
}

// FastError writes a complete minimal error response in one shot,
// for failures handled before a connection has server state attached
// (parse failures, pool saturation). The connection is always marked
// close.
func FastError(w io.Writer, code int, body string) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, StatusText(code), len(body), body)
	return err
}

// SanitizeValue strips CR, LF and control bytes other than HTAB from
// a header value before it reaches the wire.
func SanitizeValue(v string) string {
	clean := true
	for i := 0; i < len(v); i++ {
		if c := v[i]; c == '\r' || c == '\n' || c == 0x7f || (c < 0x20 && c != '\t') {
			clean = false
			break
		}
	}
	if clean {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\r' || c == '\n' || c == 0x7f {
			continue
		}
		if c < 0x20 && c != '\t' {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// ValidKey reports whether a header name is a well-formed token.
func ValidKey(k string) bool {
	return isToken(k)
}

// StatusText returns the standard reason phrase for the subset of
// codes this server emits or passes through.
func StatusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 101:
		return "Switching Protocols"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 206:
		return "Partial Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 303:
		return "See Other"
	case 304:
		return "Not Modified"
	case 307:
		return "Temporary Redirect"
	case 308:
		return "Permanent Redirect"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 411:
		return "Length Required"
	case 413:
		return "Payload Too Large"
	case 414:
		return "URI Too Long"
	case 417:
		return "Expectation Failed"
	case 426:
		return "Upgrade Required"
	case 429:
		return "Too Many Requests"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	case 505:
		return "HTTP Version Not Supported"
	default:
		return "Status " + strconv.Itoa(code)
	}
}
