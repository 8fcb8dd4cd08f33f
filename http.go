package webserv

import (
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"
)

// Request is one parsed HTTP request. Header names are lowercased on
// insertion; values are trimmed of ASCII spaces and tabs. The body holds the
// exact framed bytes (already chunk-decoded when the request arrived chunked).
type Request struct {
	Method  string
	Path    string
	Query   string
	Proto   string
	Headers map[string]string
	Body    []byte
}

// Header looks up a header by its lowercased name.
func (r *Request) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// parse fills the request from a fully framed raw request. The raw bytes must
// contain the complete head; the body is whatever follows the terminator.
func (r *Request) parse(raw []byte) error {
	head := raw
	body := []byte(nil)
	if end, sepLen := findHeaderEnd(raw); end >= 0 {
		head = raw[:end]
		body = raw[end+sepLen:]
	}

	line := string(head)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSuffix(line, "\r")
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return errMalformedRequest
	}
	r.Method = fields[0]
	r.Proto = fields[2]
	target := fields[1]
	if q := strings.IndexByte(target, '?'); q >= 0 {
		r.Path = target[:q]
		r.Query = target[q+1:]
	} else {
		r.Path = target
		r.Query = ""
	}

	rest := ""
	if i := strings.IndexByte(string(head), '\n'); i >= 0 {
		rest = string(head[i+1:])
	}
	r.Headers = parseHeaderBlock(rest)
	// The raw slice aliases the connection's inbound buffer, which is
	// compacted after dispatch; the body must survive that.
	r.Body = append([]byte(nil), body...)
	return nil
}

// wantsKeepAlive applies the protocol-version default and the Connection
// header override.
func (r *Request) wantsKeepAlive() bool {
	conn := strings.ToLower(r.Header("connection"))
	if r.Proto == "HTTP/1.1" {
		return conn != "close"
	}
	return conn == "keep-alive"
}

// parseHeaderBlock parses "Name: value" lines. Names are lowercased, values
// trimmed of spaces and tabs, duplicates last-wins. Lines without a colon are
// skipped.
func parseHeaderBlock(block string) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := strings.ToLower(line[:colon])
		headers[name] = strings.Trim(line[colon+1:], " \t")
	}
	return headers
}

type headerField struct {
	name  string
	value string
}

// Response is one outgoing response. Header insertion order is preserved on
// the wire; setting an existing header (case-insensitive) replaces it in
// place.
type Response struct {
	Status  int
	headers []headerField
	Body    []byte
}

func (r *Response) SetHeader(name, value string) {
	for i := range r.headers {
		if strings.EqualFold(r.headers[i].name, name) {
			r.headers[i] = headerField{name, value}
			return
		}
	}
	r.headers = append(r.headers, headerField{name, value})
}

func (r *Response) HasHeader(name string) bool {
	for i := range r.headers {
		if strings.EqualFold(r.headers[i].name, name) {
			return true
		}
	}
	return false
}

func (r *Response) GetHeader(name string) string {
	for i := range r.headers {
		if strings.EqualFold(r.headers[i].name, name) {
			return r.headers[i].value
		}
	}
	return ""
}

func (r *Response) setAllowHeader(methods []string) {
	r.SetHeader("Allow", strings.Join(methods, ", "))
}

// setDefaultErrorBody installs the minimal HTML error template.
func (r *Response) setDefaultErrorBody() {
	r.Body = []byte("<html><body><h1>" + statusText(r.Status) + "</h1></body></html>")
	r.SetHeader("Content-Type", "text/html")
}

// appendTo serializes the response. Content-Length is derived from the body
// unless already set (HEAD and file streams set it explicitly). For HEAD the
// body is withheld.
func (r *Response) appendTo(buf *bytebufferpool.ByteBuffer, head bool) {
	buf.B = append(buf.B, "HTTP/1.1 "...)
	buf.B = strconv.AppendInt(buf.B, int64(r.Status), 10)
	buf.B = append(buf.B, ' ')
	buf.B = append(buf.B, statusText(r.Status)...)
	buf.B = append(buf.B, '\r', '\n')

	if !r.HasHeader("Content-Length") {
		r.SetHeader("Content-Length", strconv.Itoa(len(r.Body)))
	}
	for _, h := range r.headers {
		buf.B = append(buf.B, h.name...)
		buf.B = append(buf.B, ':', ' ')
		buf.B = append(buf.B, h.value...)
		buf.B = append(buf.B, '\r', '\n')
	}
	buf.B = append(buf.B, '\r', '\n')
	if !head {
		buf.B = append(buf.B, r.Body...)
	}
}

// serialize renders the response into a fresh byte slice.
func (r *Response) serialize(head bool) []byte {
	buf := bytebufferpool.Get()
	r.appendTo(buf, head)
	out := append([]byte(nil), buf.B...)
	bytebufferpool.Put(buf)
	return out
}

func statusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 413:
		return "Payload Too Large"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 504:
		return "Gateway Timeout"
	default:
		return "Unknown"
	}
}
