package http1

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"
)

func readReq(t *testing.T, raw string, maxLine, maxTotal int, maxBody int64) (*ParsedRequest, error) {
	t.Helper()
	r := &Reader{
		BR:                  bufio.NewReader(strings.NewReader(raw)),
		MaxHeaderBytes:      maxLine,
		MaxTotalHeaderBytes: maxTotal,
		MaxBodyBytes:        maxBody,
	}
	return r.ReadRequest()
}

func TestReader_ContentLengthBody(t *testing.T) {
	raw := "POST /submit HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhelloEXTRA"
	pr, err := readReq(t, raw, 8<<10, 64<<10, 0)
	if err != nil {
		t.Fatalf("ReadRequest error: %v", err)
	}
	if pr.Method != "POST" || pr.Target != "/submit" || pr.Proto != "HTTP/1.1" {
		t.Fatalf("request line = %q %q %q", pr.Method, pr.Target, pr.Proto)
	}
	if pr.ContentLength != 5 {
		t.Fatalf("ContentLength=%d", pr.ContentLength)
	}
	b, err := io.ReadAll(pr.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("body=%q", string(b))
	}
	// Reads past the declared length are refused, not served from the stream.
	var one [1]byte
	if n, err := pr.Body.Read(one[:]); n != 0 || err != io.EOF {
		t.Fatalf("read past end = %d, %v", n, err)
	}
}

func TestReader_ChunkedBody(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"
	pr, err := readReq(t, raw, 8<<10, 64<<10, 0)
	if err != nil {
		t.Fatalf("ReadRequest error: %v", err)
	}
	if pr.ContentLength != -1 {
		t.Fatalf("ContentLength=%d", pr.ContentLength)
	}
	b, err := io.ReadAll(pr.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(b) != "Wikipedia" {
		t.Fatalf("body=%q", string(b))
	}
}

func TestReader_ChunkedExtensionsAndTrailers(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"3;name=val\r\nhey\r\n0\r\nExpires: never\r\n\r\n"
	pr, err := readReq(t, raw, 8<<10, 64<<10, 0)
	if err != nil {
		t.Fatalf("ReadRequest error: %v", err)
	}
	b, err := io.ReadAll(pr.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(b) != "hey" {
		t.Fatalf("body=%q", string(b))
	}
}

func TestReader_ChunkedRoundTrip(t *testing.T) {
	payload := strings.Repeat("0123456789abcdef", 700) // spans several write chunks
	var enc strings.Builder
	bw := bufio.NewWriter(&enc)
	for i := 0; i < len(payload); i += 1000 {
		end := i + 1000
		if end > len(payload) {
			end = len(payload)
		}
		if _, err := WriteChunk(bw, []byte(payload[i:end])); err != nil {
			t.Fatalf("WriteChunk: %v", err)
		}
	}
	if err := EndChunked(bw); err != nil {
		t.Fatalf("EndChunked: %v", err)
	}
	bw.Flush()

	raw := "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" + enc.String()
	pr, err := readReq(t, raw, 8<<10, 64<<10, 0)
	if err != nil {
		t.Fatalf("ReadRequest error: %v", err)
	}
	b, err := io.ReadAll(pr.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(b) != payload {
		t.Fatalf("decoded %d bytes, want %d", len(b), len(payload))
	}
}

func TestReader_CLTEConflict(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\nContent-Length: 5\r\n\r\n"
	if _, err := readReq(t, raw, 8<<10, 64<<10, 0); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err=%v, want ErrMalformed", err)
	}
}

func TestReader_UnsupportedTransferEncoding(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nTransfer-Encoding: gzip, chunked\r\n\r\n"
	if _, err := readReq(t, raw, 8<<10, 64<<10, 0); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err=%v, want ErrMalformed", err)
	}
}

func TestReader_ContentLengthAgreement(t *testing.T) {
	if _, err := readReq(t, "POST / HTTP/1.1\r\nContent-Length: 5, 6\r\n\r\n", 8<<10, 64<<10, 0); !errors.Is(err, ErrMalformed) {
		t.Fatalf("mismatched joined values: err=%v", err)
	}
	if _, err := readReq(t, "POST / HTTP/1.1\r\nContent-Length: 5\r\nContent-Length: 6\r\n\r\n", 8<<10, 64<<10, 0); !errors.Is(err, ErrMalformed) {
		t.Fatalf("mismatched duplicates: err=%v", err)
	}
	pr, err := readReq(t, "POST / HTTP/1.1\r\nContent-Length: 2\r\nContent-Length: 2\r\n\r\nhi", 8<<10, 64<<10, 0)
	if err != nil {
		t.Fatalf("agreeing duplicates rejected: %v", err)
	}
	if pr.ContentLength != 2 {
		t.Fatalf("ContentLength=%d", pr.ContentLength)
	}
}

func TestReader_ContentLengthDigitsOnly(t *testing.T) {
	// ParseInt would take the sign forms; the wire grammar does not.
	for _, cl := range []string{"+5", "-5", " +5", "0x5", "5 5", ""} {
		raw := "POST / HTTP/1.1\r\nContent-Length: " + cl + "\r\n\r\nhello"
		if _, err := readReq(t, raw, 8<<10, 64<<10, 0); !errors.Is(err, ErrMalformed) {
			t.Fatalf("cl=%q err=%v, want ErrMalformed", cl, err)
		}
	}
}

func TestReader_MalformedRequestLine(t *testing.T) {
	for _, raw := range []string{
		"GARBAGE\r\n\r\n",
		"GET /\r\n\r\n",
		"GET / HTTP/2.0\r\n\r\n",
		"GET / HTTP/1.\r\n\r\n",
		" GET / HTTP/1.1\r\n\r\n",
	} {
		if _, err := readReq(t, raw, 8<<10, 64<<10, 0); !errors.Is(err, ErrMalformed) {
			t.Fatalf("raw=%q err=%v, want ErrMalformed", raw, err)
		}
	}
}

func TestReader_InvalidHeaderField(t *testing.T) {
	for _, raw := range []string{
		"GET / HTTP/1.1\r\nBad( : v\r\n\r\n",
		"GET / HTTP/1.1\r\nNoColonHere\r\n\r\n",
		"GET / HTTP/1.1\r\n: empty\r\n\r\n",
		"GET / HTTP/1.1\r\nA: b\r\n folded\r\n\r\n",
	} {
		if _, err := readReq(t, raw, 8<<10, 64<<10, 0); !errors.Is(err, ErrMalformed) {
			t.Fatalf("raw=%q err=%v, want ErrMalformed", raw, err)
		}
	}
}

func TestReader_HeaderLimits(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nA: b\r\nC: d\r\nE: f\r\n\r\n"
	if _, err := readReq(t, raw, 8<<10, 20, 0); !errors.Is(err, ErrHeaderTooLarge) {
		t.Fatalf("total budget: err=%v", err)
	}
	long := "GET / HTTP/1.1\r\nX-Long: " + strings.Repeat("a", 100) + "\r\n\r\n"
	if _, err := readReq(t, long, 32, 64<<10, 0); !errors.Is(err, ErrHeaderTooLarge) {
		t.Fatalf("line budget: err=%v", err)
	}
}

func TestReader_FieldOrderPreserved(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nZulu: 1\r\nalpha: 2\r\nZULU: 3\r\n\r\n"
	pr, err := readReq(t, raw, 8<<10, 64<<10, 0)
	if err != nil {
		t.Fatalf("ReadRequest error: %v", err)
	}
	want := []Field{{"Zulu", "1"}, {"Alpha", "2"}, {"Zulu", "3"}}
	if len(pr.Fields) != len(want) {
		t.Fatalf("fields=%v", pr.Fields)
	}
	for i, f := range want {
		if pr.Fields[i] != f {
			t.Fatalf("fields[%d]=%v, want %v", i, pr.Fields[i], f)
		}
	}
}

func TestReader_CleanEOFIsEOF(t *testing.T) {
	if _, err := readReq(t, "", 8<<10, 64<<10, 0); err != io.EOF {
		t.Fatalf("err=%v, want io.EOF", err)
	}
}

func TestReader_TruncatedHead(t *testing.T) {
	for _, raw := range []string{
		"GET / HT",
		"GET / HTTP/1.1\r\nHost: x",
		"GET / HTTP/1.1\r\nHost: x\r\n",
	} {
		if _, err := readReq(t, raw, 8<<10, 64<<10, 0); err != io.ErrUnexpectedEOF {
			t.Fatalf("raw=%q err=%v, want ErrUnexpectedEOF", raw, err)
		}
	}
}

func TestReader_TruncatedBodies(t *testing.T) {
	pr, err := readReq(t, "POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\nshort", 8<<10, 64<<10, 0)
	if err != nil {
		t.Fatalf("ReadRequest error: %v", err)
	}
	if _, err := io.ReadAll(pr.Body); err != io.ErrUnexpectedEOF {
		t.Fatalf("length body err=%v, want ErrUnexpectedEOF", err)
	}

	pr, err = readReq(t, "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nab", 8<<10, 64<<10, 0)
	if err != nil {
		t.Fatalf("ReadRequest error: %v", err)
	}
	if _, err := io.ReadAll(pr.Body); err != io.ErrUnexpectedEOF {
		t.Fatalf("chunked body err=%v, want ErrUnexpectedEOF", err)
	}
}

func TestReader_BodyBudget(t *testing.T) {
	// Declared length over budget is refused before reading the body.
	if _, err := readReq(t, "POST / HTTP/1.1\r\nContent-Length: 100\r\n\r\n", 8<<10, 64<<10, 10); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("declared: err=%v", err)
	}
	// Chunked bodies trip the budget as chunk sizes accumulate.
	raw := "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n8\r\n01234567\r\n8\r\n89abcdef\r\n0\r\n\r\n"
	pr, err := readReq(t, raw, 8<<10, 64<<10, 10)
	if err != nil {
		t.Fatalf("ReadRequest error: %v", err)
	}
	if _, err := io.ReadAll(pr.Body); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("accumulated: err=%v", err)
	}
	// The error sticks across Close.
	if err := pr.Body.Close(); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("close: err=%v", err)
	}
}

func TestReader_BadChunkSize(t *testing.T) {
	for _, sz := range []string{"xyz", "+3", "-3"} {
		raw := "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" + sz + "\r\nhey\r\n0\r\n\r\n"
		pr, err := readReq(t, raw, 8<<10, 64<<10, 0)
		if err != nil {
			t.Fatalf("size=%q ReadRequest error: %v", sz, err)
		}
		if _, err := io.ReadAll(pr.Body); !errors.Is(err, ErrMalformed) {
			t.Fatalf("size=%q err=%v, want ErrMalformed", sz, err)
		}
	}
}

func TestReader_NoFramingMeansEmptyBody(t *testing.T) {
	pr, err := readReq(t, "GET / HTTP/1.1\r\nHost: x\r\n\r\n", 8<<10, 64<<10, 0)
	if err != nil {
		t.Fatalf("ReadRequest error: %v", err)
	}
	if pr.ContentLength != 0 {
		t.Fatalf("ContentLength=%d", pr.ContentLength)
	}
	b, err := io.ReadAll(pr.Body)
	if err != nil || len(b) != 0 {
		t.Fatalf("body=%q err=%v", b, err)
	}
}

func TestReader_DrainOnCloseKeepsAlignment(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nContent-Length: 8\r\n\r\n01234567NEXT"
	br := bufio.NewReader(strings.NewReader(raw))
	r := &Reader{BR: br}
	pr, err := r.ReadRequest()
	if err != nil {
		t.Fatalf("ReadRequest error: %v", err)
	}
	var two [2]byte
	if _, err := io.ReadFull(pr.Body, two[:]); err != nil {
		t.Fatalf("partial read: %v", err)
	}
	if err := pr.Body.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	rest, _ := io.ReadAll(br)
	if string(rest) != "NEXT" {
		t.Fatalf("stream position=%q, want %q", rest, "NEXT")
	}
}
