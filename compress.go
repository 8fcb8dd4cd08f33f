package webserv

import (
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/valyala/bytebufferpool"
)

// Bodies below this size are not worth a gzip member.
const minCompressLen = 512

func compressibleType(contentType string) bool {
	if strings.HasPrefix(contentType, "text/") {
		return true
	}
	switch {
	case strings.Contains(contentType, "json"),
		strings.Contains(contentType, "javascript"),
		strings.Contains(contentType, "xml"),
		strings.Contains(contentType, "svg"):
		return true
	}
	return false
}

// maybeCompress gzip-encodes a buffered response body when the client
// negotiated it and the payload is worth it. File streams never pass through
// here; they are framed by the on-disk size. Content-Length, when already
// present, is recomputed for the encoded body.
func maybeCompress(req *Request, resp *Response) {
	if len(resp.Body) < minCompressLen {
		return
	}
	if !strings.Contains(req.Header("accept-encoding"), "gzip") {
		return
	}
	if !compressibleType(resp.GetHeader("Content-Type")) {
		return
	}
	buf := bytebufferpool.Get()
	zw := gzip.NewWriter(buf)
	if _, err := zw.Write(resp.Body); err != nil {
		zw.Close()
		bytebufferpool.Put(buf)
		return
	}
	if err := zw.Close(); err != nil {
		bytebufferpool.Put(buf)
		return
	}
	resp.Body = append([]byte(nil), buf.B...)
	bytebufferpool.Put(buf)
	resp.SetHeader("Content-Encoding", "gzip")
	if resp.HasHeader("Content-Length") {
		resp.SetHeader("Content-Length", strconv.Itoa(len(resp.Body)))
	}
}
