package webserv

import (
	"path/filepath"
	"strings"
)

// canonicalize resolves symlinks and relative segments, mirroring realpath(3).
func canonicalize(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// resolvePath maps a request-relative path onto the filesystem under
// basePath and returns the canonical result, or "" when the resolution must
// be rejected. This is the only traversal defense: every filesystem access
// the server performs goes through here.
//
// An absolute relativePath is a request path: the matched location may switch
// the base to its root override, with the matched prefix stripped. An exact
// match on a location key without a trailing slash is a direct file
// reference.
func resolvePath(cfg *ServerConfig, basePath, relativePath string) string {
	if strings.Contains(relativePath, "..") {
		return ""
	}
	canonicalBase, err := canonicalize(basePath)
	if err != nil {
		canonicalBase = basePath
	}

	joinPath := relativePath
	if strings.HasPrefix(relativePath, "/") {
		matchedPrefix, loc := matchLocation(cfg, relativePath)
		if matchedPrefix != "" && loc.Root != "" {
			canonicalBase = loc.Root
			if real, err := canonicalize(canonicalBase); err == nil {
				canonicalBase = real
			}
			sub := ""
			if len(relativePath) >= len(matchedPrefix) {
				sub = relativePath[len(matchedPrefix):]
			}
			joinPath = strings.TrimLeft(sub, "/")
		}
		if joinPath == "" && matchedPrefix == relativePath && !strings.HasSuffix(matchedPrefix, "/") {
			joinPath = relativePath[1:]
		}
	}

	fullPath := canonicalBase
	if !strings.HasSuffix(fullPath, "/") {
		fullPath += "/"
	}
	fullPath += strings.TrimPrefix(joinPath, "/")

	resolved, err := canonicalize(fullPath)
	if err != nil {
		// Target does not exist yet (e.g. an upload); accept the raw join
		// only if it stays under the base.
		if strings.HasPrefix(fullPath, canonicalBase) {
			return filepath.Clean(fullPath)
		}
		return ""
	}
	if strings.HasPrefix(resolved, canonicalBase) {
		return resolved
	}
	log.Warn().Str("resolved", resolved).Str("base", canonicalBase).
		Msg("resolved path escaped base, rejecting")
	return ""
}
