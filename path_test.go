package webserv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gookit/goutil/testutil/assert"
)

func mustWrite(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolvePathContainment(t *testing.T) {
	root, err := canonicalize(t.TempDir())
	assert.NoErr(t, err)
	mustWrite(t, filepath.Join(root, "index.html"), []byte("hi"))
	cfg := &ServerConfig{Root: root}

	got := resolvePath(cfg, root, "/index.html")
	assert.Eq(t, filepath.Join(root, "index.html"), got)

	// any ".." rejects outright
	assert.Eq(t, "", resolvePath(cfg, root, "/../etc/passwd"))
	assert.Eq(t, "", resolvePath(cfg, root, "/a/../../b"))

	// a target that does not exist yet is accepted if the join stays inside
	got = resolvePath(cfg, root, "/new/upload.bin")
	assert.Eq(t, filepath.Join(root, "new", "upload.bin"), got)
}

func TestResolvePathSymlinkEscape(t *testing.T) {
	outside, err := canonicalize(t.TempDir())
	assert.NoErr(t, err)
	root, err := canonicalize(t.TempDir())
	assert.NoErr(t, err)
	mustWrite(t, filepath.Join(outside, "secret.txt"), []byte("s"))
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "link.txt")); err != nil {
		t.Skip("symlinks unavailable:", err)
	}
	cfg := &ServerConfig{Root: root}

	// the canonical resolution escapes the base and is rejected
	assert.Eq(t, "", resolvePath(cfg, root, "/link.txt"))
}

func TestResolvePathRootOverride(t *testing.T) {
	root, err := canonicalize(t.TempDir())
	assert.NoErr(t, err)
	images, err := canonicalize(t.TempDir())
	assert.NoErr(t, err)
	mustWrite(t, filepath.Join(images, "cat.png"), []byte("png"))

	cfg := &ServerConfig{
		Root: root,
		Locations: map[string]*LocationConfig{
			"/img/": {Path: "/img/", Root: images},
		},
	}

	// matched prefix is stripped and the override root takes over
	got := resolvePath(cfg, root, "/img/cat.png")
	assert.Eq(t, filepath.Join(images, "cat.png"), got)
}

func TestResolvePathExactFileLocation(t *testing.T) {
	root, err := canonicalize(t.TempDir())
	assert.NoErr(t, err)
	store, err := canonicalize(t.TempDir())
	assert.NoErr(t, err)
	mustWrite(t, filepath.Join(store, "favicon.ico"), []byte("ico"))

	cfg := &ServerConfig{
		Root: root,
		Locations: map[string]*LocationConfig{
			"/favicon.ico": {Path: "/favicon.ico", Root: store},
		},
	}

	// an exact match on a slash-less key is a direct file reference
	got := resolvePath(cfg, root, "/favicon.ico")
	assert.Eq(t, filepath.Join(store, "favicon.ico"), got)
}

func TestResolvePathRelative(t *testing.T) {
	root, err := canonicalize(t.TempDir())
	assert.NoErr(t, err)
	mustWrite(t, filepath.Join(root, "sub", "index.html"), []byte("hi"))
	cfg := &ServerConfig{Root: root}

	// relative paths (index probes, upload names) skip the location logic
	got := resolvePath(cfg, filepath.Join(root, "sub"), "index.html")
	assert.Eq(t, filepath.Join(root, "sub", "index.html"), got)
}
