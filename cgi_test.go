package webserv

import (
	"path/filepath"
	"testing"

	"github.com/gookit/goutil/testutil/assert"
)

func TestBuildCgiEnv(t *testing.T) {
	req := newReq("GET", "/cgi-bin/echo", map[string]string{
		"host":            "a",
		"x-custom-header": "v1",
	}, nil)
	req.Query = "x=1"
	cfg := &ServerConfig{ServerName: "example.com"}
	loc := &LocationConfig{}

	env := buildCgiEnv(req, cfg, loc, "/srv/cgi-bin/echo", 8080, "127.0.0.1")
	assert.Contains(t, env, "GATEWAY_INTERFACE=CGI/1.1")
	assert.Contains(t, env, "SERVER_SOFTWARE=webserv/1.0")
	assert.Contains(t, env, "SERVER_NAME=example.com")
	assert.Contains(t, env, "SERVER_PROTOCOL=HTTP/1.1")
	assert.Contains(t, env, "SERVER_PORT=8080")
	assert.Contains(t, env, "REQUEST_METHOD=GET")
	assert.Contains(t, env, "SCRIPT_NAME=/cgi-bin/echo")
	assert.Contains(t, env, "SCRIPT_FILENAME=/srv/cgi-bin/echo")
	assert.Contains(t, env, "PATH_INFO=/cgi-bin/echo")
	assert.Contains(t, env, "PATH_TRANSLATED=/srv/cgi-bin/echo")
	assert.Contains(t, env, "REQUEST_URI=/cgi-bin/echo")
	assert.Contains(t, env, "QUERY_STRING=x=1")
	assert.Contains(t, env, "REMOTE_ADDR=127.0.0.1")
	assert.Contains(t, env, "HTTP_HOST=a")
	assert.Contains(t, env, "HTTP_X_CUSTOM_HEADER=v1")
	// GET carries no body metadata
	assert.NotContains(t, env, "CONTENT_LENGTH=0")
}

func TestBuildCgiEnvPost(t *testing.T) {
	req := newReq("POST", "/cgi-bin/save", map[string]string{
		"content-type": "application/x-www-form-urlencoded",
	}, []byte("a=1&b=2"))
	cfg := &ServerConfig{}
	loc := &LocationConfig{CgiPass: "/usr/bin/php-cgi"}

	env := buildCgiEnv(req, cfg, loc, "/srv/save", 9000, "10.0.0.1")
	assert.Contains(t, env, "CONTENT_TYPE=application/x-www-form-urlencoded")
	assert.Contains(t, env, "CONTENT_LENGTH=7")
	assert.Contains(t, env, "SERVER_NAME=localhost")
	assert.Contains(t, env, "CGI_PASS_DIRECTIVE=/usr/bin/php-cgi")
}

func TestParseCgiOutput(t *testing.T) {
	resp := &Response{}
	parseCgiOutput([]byte("Content-Type: text/plain\r\nX-Extra: 1\r\n\r\nOK"), resp, &ServerConfig{})
	assert.Eq(t, 200, resp.Status)
	assert.Eq(t, "text/plain", resp.GetHeader("Content-Type"))
	assert.Eq(t, "1", resp.GetHeader("X-Extra"))
	assert.Eq(t, []byte("OK"), resp.Body)
}

func TestParseCgiOutputStatusOverride(t *testing.T) {
	resp := &Response{}
	parseCgiOutput([]byte("Status: 404 Not Found\r\n\r\n"), resp, &ServerConfig{})
	assert.Eq(t, 404, resp.Status)
	assert.Len(t, resp.Body, 0)
	// Content-Type defaults when the script omits it
	assert.Eq(t, "text/html", resp.GetHeader("Content-Type"))
	assert.False(t, resp.HasHeader("Status"))
}

func TestParseCgiOutputBareLF(t *testing.T) {
	resp := &Response{}
	parseCgiOutput([]byte("Content-Type: text/plain\n\nbody here"), resp, &ServerConfig{})
	assert.Eq(t, 200, resp.Status)
	assert.Eq(t, []byte("body here"), resp.Body)
}

func TestParseCgiOutputNoSeparator(t *testing.T) {
	resp := &Response{}
	parseCgiOutput([]byte("just some junk"), resp, &ServerConfig{})
	assert.Eq(t, 500, resp.Status)
}

func TestStartCgiNotExecutable(t *testing.T) {
	root, err := canonicalize(t.TempDir())
	assert.NoErr(t, err)
	mustWrite(t, filepath.Join(root, "cgi-bin", "script.py"), []byte("print('hi')"))
	cfg := &ServerConfig{Root: root}

	req := newReq("GET", "/cgi-bin/script.py", nil, nil)
	exchange, status := startCgi(req, cfg, &LocationConfig{}, root, 8080, "127.0.0.1", false)
	assert.Nil(t, exchange)
	assert.Eq(t, 404, status)
}
