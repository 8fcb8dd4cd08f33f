package webserv

// dispatch routes one parsed request. When the route is CGI the returned
// exchange is non-nil and no response is synthesized here; the reactor
// builds it once the child exits. Otherwise resp is filled and the optional
// stream carries a large file body.
func (s *Server) dispatch(c *clientConn, req *Request, cfg *ServerConfig, resp *Response) (stream *fileStream, cgi *cgiExchange) {
	loc := findLocation(cfg, req.Path)
	effectiveRoot := cfg.Root
	if loc.Root != "" {
		effectiveRoot = loc.Root
	}

	if req.Method == "OPTIONS" {
		handleOptions(req, resp, cfg)
		return nil, nil
	}

	if loc.triggersCgi(req.Path) &&
		(req.Method == "GET" || req.Method == "HEAD" || req.Method == "POST") {
		exchange, failStatus := startCgi(req, cfg, loc, effectiveRoot, c.port, peerAddr(c.fd), req.Method == "HEAD")
		if exchange == nil {
			errorResponse(resp, failStatus, cfg)
			return nil, nil
		}
		return nil, exchange
	}

	methods := allowedMethods(cfg, req.Path)
	if !methodAllowed(methods, req.Method) {
		resp.Status = 405
		resp.setAllowHeader(methods)
		errorResponse(resp, 405, cfg)
		return nil, nil
	}

	if loc.Redirect != "" {
		resp.Status = 301
		resp.SetHeader("Location", loc.Redirect)
		resp.Body = []byte(`<html><body><h1>301 Moved Permanently</h1><p>The document has moved to <a href="` +
			loc.Redirect + `">` + loc.Redirect + `</a></p></body></html>`)
		resp.SetHeader("Content-Type", "text/html")
		return nil, nil
	}

	switch req.Method {
	case "GET", "HEAD":
		return handleGetHead(req, resp, cfg, loc, effectiveRoot, req.Method == "HEAD"), nil
	case "POST":
		handlePost(req, resp, cfg, loc, effectiveRoot)
	case "PUT":
		handlePut(req, resp, cfg, loc, effectiveRoot)
	case "DELETE":
		handleDelete(req, resp, cfg, effectiveRoot)
	default:
		errorResponse(resp, 501, cfg)
	}
	return nil, nil
}
