package webserv

import (
	"os"

	"github.com/puzpuzpuz/xsync/v3"
)

// errorPageCache holds the contents of configured error pages keyed by their
// resolved path, so repeated error responses do not hit the disk.
var errorPageCache = xsync.NewMapOf[string, []byte]()

// errorResponse fills resp for the given status, serving the server's
// configured override page when one resolves and reads cleanly, and the
// minimal HTML template otherwise. Override paths resolve through
// resolvePath so a misconfigured page can never traverse out of the root.
func errorResponse(resp *Response, status int, cfg *ServerConfig) {
	resp.Status = status
	if page, ok := cfg.ErrorPages[status]; ok {
		if path := resolvePath(cfg, cfg.Root, page); path != "" {
			body, ok := errorPageCache.Load(path)
			if !ok {
				var err error
				body, err = os.ReadFile(path)
				if err != nil {
					log.Warn().Err(err).Str("page", path).Int("status", status).
						Msg("cannot read error page")
					body = nil
				} else {
					errorPageCache.Store(path, body)
				}
			}
			if body != nil {
				resp.Body = body
				resp.SetHeader("Content-Type", "text/html")
				return
			}
		}
	}
	resp.setDefaultErrorBody()
}
