package webserv

import (
	"path/filepath"
	"testing"

	"github.com/gookit/goutil/testutil/assert"
)

func TestErrorResponseOverridePage(t *testing.T) {
	root, err := canonicalize(t.TempDir())
	assert.NoErr(t, err)
	mustWrite(t, filepath.Join(root, "errors", "404.html"), []byte("<h1>custom 404</h1>"))
	cfg := &ServerConfig{
		Root:       root,
		ErrorPages: map[int]string{404: "/errors/404.html"},
	}

	resp := &Response{}
	errorResponse(resp, 404, cfg)
	assert.Eq(t, 404, resp.Status)
	assert.Eq(t, []byte("<h1>custom 404</h1>"), resp.Body)
	assert.Eq(t, "text/html", resp.GetHeader("Content-Type"))

	// second lookup is served from the cache
	resp = &Response{}
	errorResponse(resp, 404, cfg)
	assert.Eq(t, []byte("<h1>custom 404</h1>"), resp.Body)
}

func TestErrorResponseFallbackTemplate(t *testing.T) {
	root, err := canonicalize(t.TempDir())
	assert.NoErr(t, err)
	cfg := &ServerConfig{
		Root:       root,
		ErrorPages: map[int]string{500: "/missing.html"},
	}

	resp := &Response{}
	errorResponse(resp, 500, cfg)
	assert.Eq(t, 500, resp.Status)
	assert.StrContains(t, string(resp.Body), "<h1>Internal Server Error</h1>")
}

func TestErrorResponseTraversalPageRejected(t *testing.T) {
	root, err := canonicalize(t.TempDir())
	assert.NoErr(t, err)
	cfg := &ServerConfig{
		Root:       root,
		ErrorPages: map[int]string{403: "../../../etc/passwd"},
	}

	resp := &Response{}
	errorResponse(resp, 403, cfg)
	assert.Eq(t, 403, resp.Status)
	// the override never resolves; the template answers instead
	assert.StrContains(t, string(resp.Body), "<h1>Forbidden</h1>")
}
