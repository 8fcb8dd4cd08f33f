package webserv

import "strings"

// matchLocation returns the longest location prefix matching the request
// path, and its config. A key ending in "/" also matches the path with a
// slash appended, and matches the key minus its trailing slash exactly. When
// nothing matches, the server's default location is returned with an empty
// prefix.
func matchLocation(cfg *ServerConfig, path string) (string, *LocationConfig) {
	bestPath := ""
	best := &cfg.DefaultLocation

	for prefix, loc := range cfg.Locations {
		matches := strings.HasPrefix(path, prefix)
		if !matches && strings.HasSuffix(prefix, "/") {
			withSlash := path
			if !strings.HasSuffix(withSlash, "/") {
				withSlash += "/"
			}
			if strings.HasPrefix(withSlash, prefix) || path == prefix[:len(prefix)-1] {
				matches = true
			}
		}
		if matches && len(prefix) > len(bestPath) {
			bestPath = prefix
			best = loc
		}
	}
	return bestPath, best
}

func findLocation(cfg *ServerConfig, path string) *LocationConfig {
	_, loc := matchLocation(cfg, path)
	return loc
}

// allowedMethods returns the location's method set, defaulting to
// GET/HEAD/OPTIONS when the location names none.
func allowedMethods(cfg *ServerConfig, path string) []string {
	loc := findLocation(cfg, path)
	if len(loc.Methods) > 0 {
		return loc.Methods
	}
	return []string{"GET", "HEAD", "OPTIONS"}
}

func methodAllowed(methods []string, method string) bool {
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}

// selectConfig picks the virtual host for a Host header among the configs
// registered for the accepting port. The port suffix is stripped and the
// comparison is case-insensitive per RFC 7230 2.7.1. The first config is the
// default when nothing matches.
func selectConfig(configs []*ServerConfig, hostHeader string) *ServerConfig {
	if len(configs) == 0 {
		return nil
	}
	hostname := hostHeader
	if colon := strings.IndexByte(hostname, ':'); colon >= 0 {
		hostname = hostname[:colon]
	}
	hostname = strings.ToLower(hostname)
	for _, cfg := range configs {
		if strings.ToLower(cfg.ServerName) == hostname {
			return cfg
		}
	}
	return configs[0]
}
