package webserv

import (
	"os"
	"time"
)

// fileStream is an in-flight file body: the response head has already been
// queued on the connection and the remainder is read from disk in bounded
// chunks as the socket drains.
type fileStream struct {
	f       *os.File
	offset  int64
	size    int64
	pending []byte
}

func (fs *fileStream) close() {
	if fs.f != nil {
		fs.f.Close()
		fs.f = nil
	}
}

// clientConn is the complete per-connection record, owned by the reactor and
// keyed by descriptor. All optional sub-states (file stream, CGI exchange)
// hang off it; there are no side maps.
type clientConn struct {
	fd   int
	port int

	in     []byte
	out    []byte
	outOff int

	keepAlive    bool
	closing      bool
	sentContinue bool

	lastActivity time.Time

	stream *fileStream
	cgi    *cgiExchange
}

// needsWrite reports whether the connection still owes bytes to the peer.
func (c *clientConn) needsWrite() bool {
	if c.outOff < len(c.out) {
		return true
	}
	if c.stream != nil {
		if len(c.stream.pending) > 0 || c.stream.offset < c.stream.size {
			return true
		}
	}
	return false
}

// canParse gates the parser: a request is framed only once the prior
// response has fully left the buffers and any attached stream or CGI
// exchange is drained, keeping per-connection effects strictly serial.
func (c *clientConn) canParse() bool {
	return len(c.in) > 0 && !c.closing && c.outOff >= len(c.out) &&
		c.stream == nil && c.cgi == nil
}

// queueResponse serializes resp onto the outbound buffer and records the
// keep-alive decision.
func (c *clientConn) queueResponse(resp *Response, head, keepAlive bool) {
	c.keepAlive = keepAlive
	if keepAlive {
		resp.SetHeader("Connection", "keep-alive")
	} else {
		resp.SetHeader("Connection", "close")
	}
	c.out = append(c.out, resp.serialize(head)...)
	if !keepAlive {
		c.closing = true
	}
}

// consume erases n parsed bytes from the head of the inbound buffer and
// resets the per-request latches.
func (c *clientConn) consume(n int) {
	if n >= len(c.in) {
		c.in = c.in[:0]
	} else {
		c.in = append(c.in[:0], c.in[n:]...)
	}
	c.sentContinue = false
}
