package httpd

import (
	"bufio"
	"net"
)

// Flusher allows a handler to flush buffered data to the client
// mid-response (useful for streaming and server-sent events).
type Flusher interface {
	Flush() error
}

// Hijacker lets a handler take over the underlying connection, for
// protocol upgrades. After a successful Hijack the server neither
// reads from nor writes to the connection again.
type Hijacker interface {
	Hijack() (net.Conn, *bufio.ReadWriter, error)
}
