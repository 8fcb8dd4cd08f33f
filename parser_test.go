package webserv

import (
	"strings"
	"testing"

	"github.com/gookit/goutil/testutil/assert"
)

func TestFindHeaderEnd(t *testing.T) {
	end, sep := findHeaderEnd([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\nrest"))
	assert.Eq(t, 23, end)
	assert.Eq(t, 4, sep)

	end, sep = findHeaderEnd([]byte("GET / HTTP/1.1\nHost: a\n\nrest"))
	assert.Eq(t, 22, end)
	assert.Eq(t, 2, sep)

	end, _ = findHeaderEnd([]byte("GET / HTTP/1.1\r\nHost: a\r\n"))
	assert.Eq(t, -1, end)
}

func TestParseHeaderBlock(t *testing.T) {
	headers := parseHeaderBlock("Host: a\r\nX-Test:  padded \t\r\nHost: b\r\nbroken line\r\n")
	assert.Eq(t, "b", headers["host"])
	assert.Eq(t, "padded", headers["x-test"])
	_, ok := headers["broken line"]
	assert.False(t, ok)
}

func TestRequestParse(t *testing.T) {
	raw := []byte("POST /search?q=go&x=1 HTTP/1.1\r\nHost: a\r\nContent-Length: 4\r\n\r\nbody")
	var req Request
	assert.NoErr(t, req.parse(raw))
	assert.Eq(t, "POST", req.Method)
	assert.Eq(t, "/search", req.Path)
	assert.Eq(t, "q=go&x=1", req.Query)
	assert.Eq(t, "HTTP/1.1", req.Proto)
	assert.Eq(t, "a", req.Header("Host"))
	assert.Eq(t, []byte("body"), req.Body)

	var bad Request
	assert.Err(t, bad.parse([]byte("NONSENSE\r\n\r\n")))
}

func TestWantsKeepAlive(t *testing.T) {
	req := Request{Proto: "HTTP/1.1", Headers: map[string]string{}}
	assert.True(t, req.wantsKeepAlive())
	req.Headers["connection"] = "close"
	assert.False(t, req.wantsKeepAlive())

	req = Request{Proto: "HTTP/1.0", Headers: map[string]string{}}
	assert.False(t, req.wantsKeepAlive())
	req.Headers["connection"] = "Keep-Alive"
	assert.True(t, req.wantsKeepAlive())
}

func TestDecodeChunked(t *testing.T) {
	buf := []byte("4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n")
	decoded, consumed, complete, err := decodeChunked(buf, 0, 0)
	assert.NoErr(t, err)
	assert.True(t, complete)
	assert.Eq(t, []byte("Wikipedia"), decoded)
	assert.Eq(t, len(buf), consumed)

	// chunk extensions are ignored
	decoded, _, complete, err = decodeChunked([]byte("3;ext=1\r\nabc\r\n0\r\n\r\n"), 0, 0)
	assert.NoErr(t, err)
	assert.True(t, complete)
	assert.Eq(t, []byte("abc"), decoded)

	// incomplete input asks for more
	_, _, complete, err = decodeChunked([]byte("4\r\nWi"), 0, 0)
	assert.NoErr(t, err)
	assert.False(t, complete)

	// bad hex size
	_, _, _, err = decodeChunked([]byte("zz\r\nabcd\r\n"), 0, 0)
	assert.Err(t, err)

	// decoded size capped
	_, _, _, err = decodeChunked([]byte("4\r\nWiki\r\n0\r\n\r\n"), 0, 3)
	assert.Eq(t, errBodyTooLarge, err)
}

func TestNormalizeChunked(t *testing.T) {
	raw := []byte("POST /up HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nWiki\r\n0\r\n\r\n")
	headerEnd, _ := findHeaderEnd(raw)
	out := normalizeChunked(raw, headerEnd, []byte("Wiki"))

	var req Request
	assert.NoErr(t, req.parse(out))
	assert.Eq(t, "POST", req.Method)
	assert.Eq(t, "a", req.Header("host"))
	assert.Eq(t, "", req.Header("transfer-encoding"))
	assert.Eq(t, "4", req.Header("content-length"))
	assert.Eq(t, []byte("Wiki"), req.Body)
}

func frame(t *testing.T, buf []byte, maxBody int64) (*framedRequest, error) {
	t.Helper()
	headerEnd, sepLen := findHeaderEnd(buf)
	if headerEnd < 0 {
		return nil, nil
	}
	headers := parseHeaderBlock(string(buf[:headerEnd]))
	return frameNext(buf, headerEnd, sepLen, headers, maxBody)
}

func TestFrameNextContentLength(t *testing.T) {
	full := []byte("POST /u HTTP/1.1\r\nHost: a\r\nContent-Length: 5\r\n\r\nhello")

	// one byte at a time: nothing frames until the last byte arrives
	for i := 1; i < len(full); i++ {
		framed, err := frame(t, full[:i], 0)
		assert.NoErr(t, err)
		assert.Nil(t, framed)
	}
	framed, err := frame(t, full, 0)
	assert.NoErr(t, err)
	assert.NotNil(t, framed)
	assert.Eq(t, len(full), framed.consumed)

	// body exactly at the cap is allowed
	framed, err = frame(t, full, 5)
	assert.NoErr(t, err)
	assert.NotNil(t, framed)

	// over the cap is a 413 before the body even arrives
	_, err = frame(t, []byte("POST /u HTTP/1.1\r\nContent-Length: 6\r\n\r\n"), 5)
	assert.Eq(t, errBodyTooLarge, err)

	// malformed length
	_, err = frame(t, []byte("POST /u HTTP/1.1\r\nContent-Length: nope\r\n\r\n"), 0)
	assert.Eq(t, errMalformedRequest, err)
}

func TestFrameNextNoBody(t *testing.T) {
	buf := []byte("GET / HTTP/1.1\r\nHost: a\r\n\r\nGET /next HTTP/1.1\r\n\r\n")
	framed, err := frame(t, buf, 0)
	assert.NoErr(t, err)
	assert.NotNil(t, framed)
	assert.Eq(t, 27, framed.consumed)

	// the remainder frames as its own request
	framed, err = frame(t, buf[framed.consumed:], 0)
	assert.NoErr(t, err)
	assert.NotNil(t, framed)

	var req Request
	assert.NoErr(t, req.parse(framed.raw))
	assert.Eq(t, "/next", req.Path)
}

func TestFrameNextContentLengthBeatsChunked(t *testing.T) {
	// with both headers present, Content-Length frames the body and the
	// chunk decoder is never consulted
	buf := []byte("POST /u HTTP/1.1\r\nHost: a\r\nContent-Length: 5\r\n" +
		"Transfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhe")
	framed, err := frame(t, buf, 0)
	assert.NoErr(t, err)
	assert.NotNil(t, framed)

	var req Request
	assert.NoErr(t, req.parse(framed.raw))
	assert.Eq(t, []byte("5\r\nhe"), req.Body)
	assert.Eq(t, len(buf), framed.consumed)
}

func TestFrameNextChunked(t *testing.T) {
	buf := []byte("POST /u HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"7\r\nPAYLOAD\r\n0\r\n\r\n" +
		"GET /after HTTP/1.1\r\n\r\n")
	framed, err := frame(t, buf, 0)
	assert.NoErr(t, err)
	assert.NotNil(t, framed)

	var req Request
	assert.NoErr(t, req.parse(framed.raw))
	assert.Eq(t, []byte("PAYLOAD"), req.Body)
	assert.Eq(t, "7", req.Header("content-length"))

	// consumed points just past the zero chunk, keeping the pipeline intact
	assert.True(t, strings.HasPrefix(string(buf[framed.consumed:]), "GET /after"))
}
