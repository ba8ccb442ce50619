// Package http1 implements the HTTP/1.x wire format used by package
// httpd: request-line and header parsing, Content-Length and chunked
// body framing, and response head/chunk serialization.
package http1

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
)

var (
	// ErrMalformed covers request lines, header fields and chunk
	// framing the parser cannot accept.
	ErrMalformed = errors.New("http1: malformed message")
	// ErrHeaderTooLarge is returned when a header line or the header
	// block exceeds its byte budget.
	ErrHeaderTooLarge = errors.New("http1: header too large")
	// ErrBodyTooLarge is returned when a declared or accumulated body
	// size exceeds the configured limit.
	ErrBodyTooLarge = errors.New("http1: body too large")
)

// Field is one header field as it appeared on the wire. Name is in
// canonical form; wire order is preserved by keeping fields in a slice.
type Field struct {
	Name  string
	Value string
}

// ParsedRequest is the wire-level request handed up to the server.
// ContentLength is -1 for chunked framing and 0 when no body framing
// headers are present.
type ParsedRequest struct {
	Method        string
	Target        string
	Proto         string
	ProtoMinor    int
	Fields        []Field
	ContentLength int64
	Body          io.ReadCloser
}

// Reader parses requests from a buffered stream. Limits of zero pick
// conservative defaults; MaxBodyBytes of zero disables the body cap.
type Reader struct {
	BR                  *bufio.Reader
	MaxHeaderBytes      int   // per line
	MaxTotalHeaderBytes int   // request line + header block
	MaxBodyBytes        int64 // declared or accumulated entity size
}

const defaultHeaderBytes = 8 << 10

func (r *Reader) lineLimit() int {
	if r.MaxHeaderBytes <= 0 {
		return defaultHeaderBytes
	}
	return r.MaxHeaderBytes
}

func (r *Reader) totalLimit() int {
	if r.MaxTotalHeaderBytes <= 0 {
		return 8 * defaultHeaderBytes
	}
	return r.MaxTotalHeaderBytes
}

// ReadRequest parses one request head and selects body framing.
// A clean EOF before the first byte returns io.EOF: on a keep-alive
// connection that is the peer closing, not an error. EOF anywhere
// later surfaces as io.ErrUnexpectedEOF.
func (r *Reader) ReadRequest() (*ParsedRequest, error) {
	total := 0
	line, err := readLine(r.BR, r.lineLimit())
	if err != nil {
		return nil, err
	}
	total += len(line) + 2
	if total > r.totalLimit() {
		return nil, ErrHeaderTooLarge
	}
	method, target, proto, minor, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}
	fields, err := r.readFields(total)
	if err != nil {
		return nil, err
	}
	pr := &ParsedRequest{
		Method:     method,
		Target:     target,
		Proto:      proto,
		ProtoMinor: minor,
		Fields:     fields,
	}
	if err := r.selectFraming(pr); err != nil {
		return nil, err
	}
	return pr, nil
}

func (r *Reader) readFields(total int) ([]Field, error) {
	var fields []Field
	for {
		line, err := readLine(r.BR, r.lineLimit())
		if err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		total += len(line) + 2
		if total > r.totalLimit() {
			return nil, ErrHeaderTooLarge
		}
		if line == "" {
			return fields, nil
		}
		// Obsolete line folding (leading SP/HTAB) is rejected outright.
		if line[0] == ' ' || line[0] == '\t' {
			return nil, ErrMalformed
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, ErrMalformed
		}
		name := line[:i]
		if !isToken(name) {
			return nil, ErrMalformed
		}
		fields = append(fields, Field{
			Name:  CanonicalKey(name),
			Value: strings.Trim(line[i+1:], " \t"),
		})
	}
}

// selectFraming applies the framing rules of the supported subset:
// chunked beats nothing, Content-Length beats nothing, both together
// is rejected rather than ranked (request smuggling guard), and any
// Transfer-Encoding other than a single "chunked" is refused.
func (r *Reader) selectFraming(pr *ParsedRequest) error {
	te := valuesOf(pr.Fields, "Transfer-Encoding")
	cl := valuesOf(pr.Fields, "Content-Length")
	switch {
	case len(te) > 0 && len(cl) > 0:
		return ErrMalformed
	case len(te) > 0:
		if !isChunkedOnly(te) {
			return ErrMalformed
		}
		pr.ContentLength = -1
		pr.Body = newChunkedBody(r.BR, r.lineLimit(), r.MaxBodyBytes)
	case len(cl) > 0:
		n, err := parseContentLength(cl)
		if err != nil {
			return err
		}
		if r.MaxBodyBytes > 0 && n > r.MaxBodyBytes {
			return ErrBodyTooLarge
		}
		pr.ContentLength = n
		if n == 0 {
			pr.Body = emptyBody{}
		} else {
			pr.Body = &lengthBody{lr: io.LimitedReader{R: r.BR, N: n}}
		}
	default:
		pr.ContentLength = 0
		pr.Body = emptyBody{}
	}
	return nil
}

func parseRequestLine(line string) (method, target, proto string, minor int, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", "", 0, ErrMalformed
	}
	method, target, proto = parts[0], parts[1], parts[2]
	if method == "" || !isToken(method) {
		return "", "", "", 0, ErrMalformed
	}
	if target == "" || hasCTL(target) {
		return "", "", "", 0, ErrMalformed
	}
	if len(proto) != len("HTTP/1.x") || !strings.HasPrefix(proto, "HTTP/1.") {
		return "", "", "", 0, ErrMalformed
	}
	d := proto[len(proto)-1]
	if d < '0' || d > '9' {
		return "", "", "", 0, ErrMalformed
	}
	return method, target, proto, int(d - '0'), nil
}

// parseContentLength folds duplicate and comma-joined values; they
// must all agree or the request is rejected. Values are 1*DIGIT: the
// sign prefixes ParseInt tolerates are malformed on the wire.
func parseContentLength(values []string) (int64, error) {
	var n int64 = -1
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.Trim(part, " \t")
			if !isDigits(part) {
				return 0, ErrMalformed
			}
			m, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return 0, ErrMalformed
			}
			if n >= 0 && m != n {
				return 0, ErrMalformed
			}
			n = m
		}
	}
	if n < 0 {
		return 0, ErrMalformed
	}
	return n, nil
}

func isChunkedOnly(values []string) bool {
	seen := 0
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.Trim(part, " \t")
			if part == "" {
				continue
			}
			if !strings.EqualFold(part, "chunked") {
				return false
			}
			seen++
		}
	}
	return seen == 1
}

func valuesOf(fields []Field, canonicalName string) []string {
	var vv []string
	for _, f := range fields {
		if f.Name == canonicalName {
			vv = append(vv, f.Value)
		}
	}
	return vv
}

// readLine consumes through LF, dropping CRs. EOF with buffered line
// bytes is a truncated message, not a clean close.
func readLine(br *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && sb.Len() > 0 {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if limit > 0 && sb.Len() > limit {
			return "", ErrHeaderTooLarge
		}
	}
	return sb.String(), nil
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			continue
		}
		switch c {
		case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
			continue
		default:
			return false
		}
	}
	return true
}

func hasCTL(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isHexDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			continue
		}
		return false
	}
	return true
}

// CanonicalKey converts a header name to canonical MIME form without
// reaching for textproto: first letter and letters after '-' upper,
// the rest lower.
func CanonicalKey(s string) string {
	b := []byte(strings.ToLower(s))
	upper := true
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			if upper {
				b[i] = byte(c - 'a' + 'A')
			}
			upper = false
			continue
		}
		upper = c == '-'
	}
	return string(b)
}
