package webserv

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	maxHeaderBytes  = 32 * 1024
	maxRequestBytes = 200 * 1024 * 1024
)

var (
	errMalformedRequest = errors.New("parser: malformed request")
	errBodyTooLarge     = errors.New("parser: body exceeds client_max_body_size")
)

var (
	crlfCRLF = []byte("\r\n\r\n")
	lfLF     = []byte("\n\n")
	crlf     = []byte("\r\n")
)

// findHeaderEnd locates the header terminator. It prefers CRLFCRLF and
// tolerates bare LFLF on input. Returns the terminator offset and its length,
// or (-1, 0) when the head is still incomplete.
func findHeaderEnd(buf []byte) (end, sepLen int) {
	if i := bytes.Index(buf, crlfCRLF); i >= 0 {
		return i, 4
	}
	if i := bytes.Index(buf, lfLF); i >= 0 {
		return i, 2
	}
	return -1, 0
}

// decodeChunked decodes a chunked body starting at startPos. It returns the
// decoded bytes and the buffer position one past the trailing CRLF of the
// zero chunk. complete is false while more bytes are needed; the caller
// retries with a longer buffer, so no decoder state is kept between calls.
// maxBody caps the running decoded size (0 means unlimited).
func decodeChunked(buf []byte, startPos int, maxBody int64) (decoded []byte, consumed int, complete bool, err error) {
	pos := startPos
	for {
		lineEnd := bytes.Index(buf[pos:], crlf)
		if lineEnd < 0 {
			return nil, 0, false, nil
		}
		sizeLine := string(buf[pos : pos+lineEnd])
		if sc := strings.IndexByte(sizeLine, ';'); sc >= 0 {
			sizeLine = sizeLine[:sc]
		}
		sizeLine = strings.Trim(sizeLine, " \t")
		chunkSize, perr := strconv.ParseUint(sizeLine, 16, 32)
		if perr != nil {
			return nil, 0, false, errMalformedRequest
		}
		pos += lineEnd + 2

		if chunkSize == 0 {
			trailerEnd := bytes.Index(buf[pos:], crlf)
			if trailerEnd < 0 {
				return nil, 0, false, nil
			}
			return decoded, pos + trailerEnd + 2, true, nil
		}
		if len(buf) < pos+int(chunkSize)+2 {
			return nil, 0, false, nil
		}
		decoded = append(decoded, buf[pos:pos+int(chunkSize)]...)
		if maxBody > 0 && int64(len(decoded)) > maxBody {
			return nil, 0, false, errBodyTooLarge
		}
		pos += int(chunkSize)
		if buf[pos] != '\r' || buf[pos+1] != '\n' {
			return nil, 0, false, errMalformedRequest
		}
		pos += 2
	}
}

// normalizeChunked rebuilds a chunk-framed request as an identity-framed one:
// the original request line and headers minus Transfer-Encoding and
// Content-Length, plus a single Content-Length for the decoded body.
func normalizeChunked(buf []byte, headerEnd int, decoded []byte) []byte {
	head := buf[:headerEnd]
	lineEnd := bytes.IndexByte(head, '\n')
	reqLine := head
	var headerLines []byte
	if lineEnd >= 0 {
		reqLine = bytes.TrimSuffix(head[:lineEnd], []byte("\r"))
		headerLines = head[lineEnd+1:]
	}

	out := make([]byte, 0, headerEnd+len(decoded)+64)
	out = append(out, reqLine...)
	out = append(out, crlf...)
	for _, line := range bytes.Split(headerLines, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := strings.ToLower(string(line[:colon]))
		if name == "transfer-encoding" || name == "content-length" {
			continue
		}
		out = append(out, line...)
		out = append(out, crlf...)
	}
	out = append(out, "Content-Length: "...)
	out = strconv.AppendInt(out, int64(len(decoded)), 10)
	out = append(out, crlf...)
	out = append(out, crlf...)
	out = append(out, decoded...)
	return out
}

// framedRequest is the parser's verdict on the head of an inbound buffer.
type framedRequest struct {
	raw      []byte // identity-framed request bytes, ready for Request.parse
	consumed int    // bytes of the inbound buffer this request occupied
}

// frameNext frames at most one request from the head of buf. headers must be
// the already-parsed header block (lowercased names). It returns nil when
// more bytes are needed, errBodyTooLarge when the declared or accumulated
// body exceeds maxBody, and errMalformedRequest on framing errors.
func frameNext(buf []byte, headerEnd, sepLen int, headers map[string]string, maxBody int64) (*framedRequest, error) {
	bodyStart := headerEnd + sepLen

	// Content-Length governs whenever present; chunked framing is attempted
	// only in its absence, so a request smuggling both headers never reaches
	// the chunk decoder.
	if cl, ok := headers["content-length"]; ok {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return nil, errMalformedRequest
		}
		if maxBody > 0 && n > maxBody {
			return nil, errBodyTooLarge
		}
		if int64(len(buf)-bodyStart) < n {
			return nil, nil
		}
		consumed := bodyStart + int(n)
		return &framedRequest{raw: buf[:consumed], consumed: consumed}, nil
	}

	if strings.Contains(strings.ToLower(headers["transfer-encoding"]), "chunked") {
		decoded, consumed, complete, err := decodeChunked(buf, bodyStart, maxBody)
		if err != nil {
			return nil, err
		}
		if !complete {
			return nil, nil
		}
		return &framedRequest{raw: normalizeChunked(buf, headerEnd, decoded), consumed: consumed}, nil
	}

	return &framedRequest{raw: buf[:bodyStart], consumed: bodyStart}, nil
}
