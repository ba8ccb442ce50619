package http1

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// emptyBody backs requests that carry no framing headers.
type emptyBody struct{}

func (emptyBody) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyBody) Close() error             { return nil }

// lengthBody exposes exactly lr.N bytes. Reading past the declared
// length yields io.EOF; the stream ending early yields
// io.ErrUnexpectedEOF. Close drains the remainder so the connection
// stays aligned for the next request.
type lengthBody struct {
	lr io.LimitedReader
}

func (b *lengthBody) Read(p []byte) (int, error) {
	n, err := b.lr.Read(p)
	if err == io.EOF && b.lr.N > 0 {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

func (b *lengthBody) Close() error {
	if b.lr.N == 0 {
		return nil
	}
	if _, err := io.Copy(io.Discard, &b.lr); err != nil {
		return err
	}
	if b.lr.N > 0 {
		// Underlying reader hit EOF short of the declared length.
		return io.ErrUnexpectedEOF
	}
	return nil
}

// chunkedBody decodes Transfer-Encoding: chunked. remain == -1 means
// the next chunk-size line has yet to be read. The accumulated chunk
// sizes are checked against maxBody before any oversized chunk data
// is consumed.
type chunkedBody struct {
	br       *bufio.Reader
	remain   int64
	consumed int64
	maxLine  int
	maxBody  int64
	finished bool
	err      error
}

func newChunkedBody(br *bufio.Reader, maxLine int, maxBody int64) io.ReadCloser {
	return &chunkedBody{br: br, remain: -1, maxLine: maxLine, maxBody: maxBody}
}

func (c *chunkedBody) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.finished {
		return 0, io.EOF
	}
	if c.remain <= 0 {
		size, err := c.readChunkSize()
		if err != nil {
			return 0, c.fail(err)
		}
		if size == 0 {
			if err := c.skipTrailers(); err != nil {
				return 0, c.fail(err)
			}
			c.finished = true
			return 0, io.EOF
		}
		c.consumed += size
		if c.maxBody > 0 && c.consumed > c.maxBody {
			return 0, c.fail(ErrBodyTooLarge)
		}
		c.remain = size
	}
	if len(p) == 0 {
		return 0, nil
	}
	toRead := int64(len(p))
	if toRead > c.remain {
		toRead = c.remain
	}
	n, err := io.ReadFull(c.br, p[:toRead])
	c.remain -= int64(n)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return n, c.fail(err)
	}
	if c.remain == 0 {
		if err := c.expectCRLF(); err != nil {
			return n, c.fail(err)
		}
	}
	return n, nil
}

// Close drains through the terminal chunk so a keep-alive connection
// can parse the next request. Framing errors stick and surface here.
func (c *chunkedBody) Close() error {
	if c.err != nil {
		return c.err
	}
	buf := make([]byte, 1024)
	for !c.finished {
		if _, err := c.Read(buf); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}
	return nil
}

func (c *chunkedBody) fail(err error) error {
	c.err = err
	return err
}

func (c *chunkedBody) readChunkSize() (int64, error) {
	line, err := readLine(c.br, c.maxLine)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	// Chunk extensions are tolerated and dropped.
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.Trim(line, " \t")
	// 1*HEXDIG only; ParseInt alone would let a sign prefix through.
	if !isHexDigits(line) {
		return 0, ErrMalformed
	}
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil {
		return 0, ErrMalformed
	}
	return n, nil
}

func (c *chunkedBody) expectCRLF() error {
	b1, err := c.br.ReadByte()
	if err != nil {
		return eofToUnexpected(err)
	}
	b2, err := c.br.ReadByte()
	if err != nil {
		return eofToUnexpected(err)
	}
	if b1 != '\r' || b2 != '\n' {
		return ErrMalformed
	}
	return nil
}

func (c *chunkedBody) skipTrailers() error {
	for {
		line, err := readLine(c.br, c.maxLine)
		if err != nil {
			return eofToUnexpected(err)
		}
		if line == "" {
			return nil
		}
	}
}

func eofToUnexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
