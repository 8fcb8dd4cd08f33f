package webserv

import (
	"bytes"
	"html"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/bytebufferpool"
)

const fileChunkBytes = 16 * 1024

// Files at or below this size are buffered whole; larger ones stream in
// fileChunkBytes reads as the socket drains.
const streamThreshold = fileChunkBytes

func basenameLike(p string) string {
	if i := strings.LastIndexAny(p, "/\\"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// filenameFromContentDisposition extracts a filename parameter, preferring
// the RFC 5987 filename* form over the plain filename= form. The result is
// reduced to its base name.
func filenameFromContentDisposition(headerValue string) string {
	low := strings.ToLower(headerValue)
	if i := strings.Index(low, "filename*="); i >= 0 {
		rest := headerValue[i+len("filename*="):]
		if sc := strings.IndexByte(rest, ';'); sc >= 0 {
			rest = rest[:sc]
		}
		if apos := strings.Index(rest, "''"); apos >= 0 {
			rest = rest[apos+2:]
		}
		rest = strings.TrimLeft(rest, " \t")
		rest = unquote(rest)
		return basenameLike(rest)
	}
	if i := strings.Index(low, "filename="); i >= 0 {
		rest := strings.TrimLeft(headerValue[i+len("filename="):], " \t")
		if len(rest) > 0 && (rest[0] == '"' || rest[0] == '\'') {
			rest = unquote(rest)
		} else if sc := strings.IndexByte(rest, ';'); sc >= 0 {
			rest = rest[:sc]
		}
		return basenameLike(rest)
	}
	return ""
}

func unquote(s string) string {
	if len(s) == 0 || (s[0] != '"' && s[0] != '\'') {
		return s
	}
	q := s[0]
	if end := strings.IndexByte(s[1:], q); end >= 0 {
		return s[1 : 1+end]
	}
	return s[1:]
}

// suggestedFilename honors a client-provided name via X-Filename or
// Content-Disposition.
func suggestedFilename(req *Request) string {
	if name := req.Header("x-filename"); name != "" {
		return basenameLike(name)
	}
	if cd := req.Header("content-disposition"); cd != "" {
		if name := filenameFromContentDisposition(cd); name != "" {
			return name
		}
	}
	return ""
}

// serveFile queues a regular file as the response body. Large files get a
// fileStream so the reactor can feed them out in bounded chunks; small ones
// are buffered. For HEAD only the size is reported.
func serveFile(resp *Response, path string, size int64, isHead bool) *fileStream {
	resp.Status = 200
	resp.SetHeader("Content-Type", mimeType(path))
	if isHead {
		resp.SetHeader("Content-Length", strconv.FormatInt(size, 10))
		return nil
	}
	if size > streamThreshold {
		f, err := os.Open(path)
		if err != nil {
			resp.Status = 500
			return nil
		}
		resp.SetHeader("Content-Length", strconv.FormatInt(size, 10))
		return &fileStream{f: f, size: size}
	}
	body, err := os.ReadFile(path)
	if err != nil {
		resp.Status = 500
		return nil
	}
	resp.Body = body
	return nil
}

// renderAutoindex produces the directory listing page, excluding dot and
// dot-dot. Subdirectory links get a trailing slash.
func renderAutoindex(requestPath, dirPath string) []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	title := html.EscapeString(requestPath)
	buf.B = append(buf.B, "<!DOCTYPE html><html><head><title>Index of "...)
	buf.B = append(buf.B, title...)
	buf.B = append(buf.B, "</title></head><body><h1>Index of "...)
	buf.B = append(buf.B, title...)
	buf.B = append(buf.B, "</h1><ul>"...)

	entries, err := os.ReadDir(dirPath)
	if err == nil {
		for _, e := range entries {
			name := e.Name()
			href := requestPath
			if !strings.HasSuffix(href, "/") {
				href += "/"
			}
			href += name
			buf.B = append(buf.B, `<li><a href="`...)
			buf.B = append(buf.B, html.EscapeString(href)...)
			buf.B = append(buf.B, `">`...)
			buf.B = append(buf.B, html.EscapeString(name)...)
			if e.IsDir() {
				buf.B = append(buf.B, '/')
			}
			buf.B = append(buf.B, "</a></li>"...)
		}
	}
	buf.B = append(buf.B, "</ul></body></html>"...)
	return append([]byte(nil), buf.B...)
}

// handleGetHead serves a file or directory. Directories try the index list
// first (location index prepended), then autoindex, then 404. The returned
// stream, if any, must be attached to the connection by the caller.
func handleGetHead(req *Request, resp *Response, cfg *ServerConfig, loc *LocationConfig, effectiveRoot string, isHead bool) *fileStream {
	resolved := resolvePath(cfg, effectiveRoot, req.Path)
	if resolved == "" {
		errorResponse(resp, 403, cfg)
		return nil
	}
	st, err := os.Stat(resolved)
	if err != nil {
		errorResponse(resp, 404, cfg)
		return nil
	}

	switch {
	case st.IsDir():
		indexFiles := cfg.IndexFiles
		if loc.Index != "" && !containsString(indexFiles, loc.Index) {
			indexFiles = append([]string{loc.Index}, indexFiles...)
		}
		if len(indexFiles) == 0 {
			indexFiles = []string{"index.html"}
		}
		for _, idx := range indexFiles {
			p := resolvePath(cfg, resolved, idx)
			if p == "" {
				continue
			}
			if ist, err := os.Stat(p); err == nil && ist.Mode().IsRegular() {
				return serveFile(resp, p, ist.Size(), isHead)
			}
		}
		if loc.Autoindex {
			listing := renderAutoindex(req.Path, resolved)
			resp.Status = 200
			resp.SetHeader("Content-Type", "text/html")
			if isHead {
				resp.SetHeader("Content-Length", strconv.Itoa(len(listing)))
			} else {
				resp.Body = listing
			}
			return nil
		}
		errorResponse(resp, 404, cfg)
	case st.Mode().IsRegular():
		stream := serveFile(resp, resolved, st.Size(), isHead)
		if resp.Status == 500 {
			errorResponse(resp, 500, cfg)
			return nil
		}
		return stream
	default:
		errorResponse(resp, 403, cfg)
	}
	return nil
}

// resolveUploadDir maps an upload store (a leading "/" is treated as
// relative to the effective root) and creates the directory when missing.
func resolveUploadDir(cfg *ServerConfig, effectiveRoot, uploadStore string) string {
	store := strings.TrimPrefix(uploadStore, "/")
	dir := resolvePath(cfg, effectiveRoot, store)
	if dir == "" {
		return ""
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		if err := os.Mkdir(dir, 0o755); err != nil && !os.IsExist(err) {
			log.Error().Err(err).Str("dir", dir).Msg("cannot create upload directory")
			return ""
		}
	}
	return dir
}

// boundaryParam extracts the boundary parameter from a multipart/form-data
// content type.
func boundaryParam(contentType string) string {
	for _, token := range strings.Split(contentType, ";") {
		token = strings.Trim(token, " \t")
		if strings.HasPrefix(strings.ToLower(token), "boundary=") {
			return unquote(token[len("boundary="):])
		}
	}
	return ""
}

// saveMultipartFile scans the body for the first part carrying a filename
// and writes its content (minus the trailing CRLF) under uploadDir. It
// returns the saved name and full path, or ok=false when no part was saved.
func saveMultipartFile(cfg *ServerConfig, body []byte, boundary, uploadDir string) (name, fullPath string, ok bool) {
	sep := []byte("--" + boundary)
	searchPos := 0
	for {
		bpos := bytes.Index(body[searchPos:], sep)
		if bpos < 0 {
			return "", "", false
		}
		after := searchPos + bpos + len(sep)
		if after+1 < len(body) && body[after] == '-' && body[after+1] == '-' {
			return "", "", false
		}
		if after+1 < len(body) && body[after] == '\r' && body[after+1] == '\n' {
			after += 2
		}
		headersEnd := bytes.Index(body[after:], crlfCRLF)
		if headersEnd < 0 {
			return "", "", false
		}
		filename := ""
		for _, hline := range strings.Split(string(body[after:after+headersEnd]), "\n") {
			hline = strings.TrimSuffix(hline, "\r")
			if strings.HasPrefix(strings.ToLower(hline), "content-disposition:") {
				filename = filenameFromContentDisposition(hline)
			}
		}
		contentStart := after + headersEnd + 4
		nextMark := bytes.Index(body[contentStart:], sep)
		if nextMark < 0 {
			return "", "", false
		}
		contentEnd := contentStart + nextMark
		if contentEnd >= 2 && body[contentEnd-2] == '\r' && body[contentEnd-1] == '\n' {
			contentEnd -= 2
		}

		if filename != "" {
			fullPath = resolvePath(cfg, uploadDir, filename)
			if fullPath == "" {
				return "", "", false
			}
			if err := os.WriteFile(fullPath, body[contentStart:contentEnd], 0o644); err != nil {
				log.Error().Err(err).Str("path", fullPath).Msg("multipart write failed")
				return "", "", false
			}
			return filename, fullPath, true
		}
		searchPos = contentStart + nextMark + len(sep)
	}
}

// handlePost saves the request body under the location's upload store,
// multipart-aware. Locations without an upload store answer 405.
func handlePost(req *Request, resp *Response, cfg *ServerConfig, loc *LocationConfig, effectiveRoot string) {
	if loc.UploadStore == "" {
		resp.Status = 405
		resp.setAllowHeader(allowedMethods(cfg, req.Path))
		errorResponse(resp, 405, cfg)
		return
	}
	uploadDir := resolveUploadDir(cfg, effectiveRoot, loc.UploadStore)
	if uploadDir == "" {
		errorResponse(resp, 500, cfg)
		return
	}

	var savedName, fullPath string
	contentType := req.Header("content-type")
	if strings.HasPrefix(strings.ToLower(contentType), "multipart/form-data") {
		if boundary := boundaryParam(contentType); boundary != "" {
			savedName, fullPath, _ = saveMultipartFile(cfg, req.Body, boundary, uploadDir)
		}
	}

	if fullPath == "" {
		savedName = suggestedFilename(req)
		if savedName == "" {
			savedName = "upload_" + strconv.FormatInt(time.Now().Unix(), 10)
		}
		fullPath = resolvePath(cfg, uploadDir, savedName)
		if fullPath == "" {
			errorResponse(resp, 500, cfg)
			return
		}
		if err := os.WriteFile(fullPath, req.Body, 0o644); err != nil {
			log.Error().Err(err).Str("path", fullPath).Msg("upload write failed")
			errorResponse(resp, 500, cfg)
			return
		}
	}

	resp.Status = 201
	resp.Body = []byte("<html><body><h1>File uploaded successfully to " + fullPath + "</h1></body></html>")
	resp.SetHeader("Content-Type", "text/html")
	location := req.Path
	if location != "" && !strings.HasSuffix(location, "/") {
		location += "/"
	}
	resp.SetHeader("Location", location+savedName)
}

// handlePut writes the body under the upload store (or the effective root),
// interpreting the URL tail as the target filename or directory. A tail
// without a dot combined with a header-suggested filename means the tail is
// a directory. Missing ancestors are created. Existing targets are
// overwritten silently.
func handlePut(req *Request, resp *Response, cfg *ServerConfig, loc *LocationConfig, effectiveRoot string) {
	targetDir := effectiveRoot
	if loc.UploadStore != "" {
		targetDir = resolveUploadDir(cfg, effectiveRoot, loc.UploadStore)
		if targetDir == "" {
			errorResponse(resp, 500, cfg)
			return
		}
	}

	suggested := suggestedFilename(req)

	sub := ""
	if loc.Path != "" && strings.HasPrefix(req.Path, loc.Path) {
		sub = strings.TrimPrefix(req.Path[len(loc.Path):], "/")
	} else {
		sub = strings.TrimPrefix(req.Path, "/")
	}

	var finalPath string
	switch {
	case sub == "":
		name := suggested
		if name == "" {
			name = "put_" + strconv.FormatInt(time.Now().Unix(), 10)
		}
		finalPath = resolvePath(cfg, targetDir, name)
	case !strings.Contains(basenameLike(sub), ".") && suggested != "":
		dir := resolvePath(cfg, targetDir, sub)
		if dir == "" {
			errorResponse(resp, 403, cfg)
			return
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			errorResponse(resp, 500, cfg)
			return
		}
		finalPath = resolvePath(cfg, dir, suggested)
	default:
		finalPath = resolvePath(cfg, targetDir, sub)
		if finalPath == "" {
			errorResponse(resp, 403, cfg)
			return
		}
		if parent := finalPath[:strings.LastIndexByte(finalPath, '/')]; parent != "" {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				errorResponse(resp, 500, cfg)
				return
			}
		}
	}
	if finalPath == "" {
		errorResponse(resp, 403, cfg)
		return
	}

	if err := os.WriteFile(finalPath, req.Body, 0o644); err != nil {
		log.Error().Err(err).Str("path", finalPath).Msg("put write failed")
		errorResponse(resp, 500, cfg)
		return
	}
	resp.Status = 201
	resp.SetHeader("Content-Type", "text/plain")
	resp.Body = []byte("Created: " + finalPath)
}

// handleDelete unlinks a regular file. Directories and special files answer
// 403, missing targets 404, unlink failures 500.
func handleDelete(req *Request, resp *Response, cfg *ServerConfig, effectiveRoot string) {
	resolved := resolvePath(cfg, effectiveRoot, req.Path)
	if resolved == "" {
		errorResponse(resp, 403, cfg)
		return
	}
	st, err := os.Stat(resolved)
	if err != nil {
		errorResponse(resp, 404, cfg)
		return
	}
	if !st.Mode().IsRegular() {
		errorResponse(resp, 403, cfg)
		return
	}
	if err := os.Remove(resolved); err != nil {
		log.Error().Err(err).Str("path", resolved).Msg("unlink failed")
		errorResponse(resp, 500, cfg)
		return
	}
	resp.Status = 200
	resp.Body = []byte("<html><body><h1>File deleted successfully</h1></body></html>")
	resp.SetHeader("Content-Type", "text/html")
}

// handleOptions answers with the location's method set, always including
// OPTIONS itself.
func handleOptions(req *Request, resp *Response, cfg *ServerConfig) {
	methods := allowedMethods(cfg, req.Path)
	if !methodAllowed(methods, "OPTIONS") {
		methods = append(append([]string(nil), methods...), "OPTIONS")
	}
	resp.Status = 200
	resp.setAllowHeader(methods)
	resp.SetHeader("Content-Length", "0")
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
