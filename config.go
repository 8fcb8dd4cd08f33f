package webserv

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const defaultClientMaxBodySize = 1 << 20

// LocationConfig is the per-prefix policy attached to a server block.
// The zero value (plus a path) is a valid location: no overrides, autoindex
// off, methods defaulting to GET/HEAD/OPTIONS at lookup time.
type LocationConfig struct {
	Path        string
	Root        string
	Index       string
	Methods     []string
	Redirect    string
	CgiPass     string
	UploadStore string
	Autoindex   bool
}

// triggersCgi reports whether a request path routed through this location
// should be handed to the CGI runner.
func (l *LocationConfig) triggersCgi(requestPath string) bool {
	if l.CgiPass != "" {
		return true
	}
	if strings.Contains(requestPath, "/cgi-bin/") {
		return true
	}
	return strings.Contains(requestPath, ".php") ||
		strings.Contains(requestPath, ".py") ||
		strings.Contains(requestPath, ".cgi")
}

// ServerConfig is one virtual host. Immutable after LoadConfig returns.
type ServerConfig struct {
	ListenPorts       []int
	ServerName        string
	Root              string
	IndexFiles        []string
	ErrorPages        map[int]string
	ClientMaxBodySize int64
	Locations         map[string]*LocationConfig
	DefaultLocation   LocationConfig
}

var errNoServerBlocks = errors.New("config: no server blocks found")

// LoadConfig reads an nginx-dialect configuration file and returns the
// ordered virtual host list. Unknown directives warn and are skipped;
// structural problems (unreadable file, no server block) are errors.
func LoadConfig(path string) ([]*ServerConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: open")
	}
	defer f.Close()

	var servers []*ServerConfig
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := stripComment(sc.Text())
		if line == "" {
			continue
		}
		if line == "server {" {
			srv, err := parseServerBlock(sc)
			if err != nil {
				return nil, err
			}
			servers = append(servers, srv)
			continue
		}
		log.Warn().Str("line", line).Msg("ignoring line outside server block")
	}
	if err = sc.Err(); err != nil {
		return nil, errors.Wrap(err, "config: read")
	}
	if len(servers) == 0 {
		return nil, errNoServerBlocks
	}
	return servers, nil
}

func parseServerBlock(sc *bufio.Scanner) (*ServerConfig, error) {
	srv := &ServerConfig{
		ErrorPages:        make(map[int]string),
		ClientMaxBodySize: defaultClientMaxBodySize,
		Locations:         make(map[string]*LocationConfig),
	}
	for sc.Scan() {
		line := stripComment(sc.Text())
		if line == "" {
			continue
		}
		if line == "}" {
			if srv.DefaultLocation.Root == "" {
				srv.DefaultLocation.Root = srv.Root
			}
			if len(srv.ListenPorts) == 0 {
				log.Warn().Msg("server block without listen directive, defaulting to port 8080")
				srv.ListenPorts = append(srv.ListenPorts, 8080)
			}
			return srv, nil
		}

		directive, value := splitDirective(line)
		switch directive {
		case "listen":
			for _, tok := range strings.Fields(value) {
				port, err := strconv.Atoi(tok)
				if err != nil || port <= 0 || port > 65535 {
					log.Warn().Str("listen", tok).Msg("invalid listen port")
					continue
				}
				srv.ListenPorts = append(srv.ListenPorts, port)
			}
		case "server_name":
			srv.ServerName = value
		case "root":
			srv.Root = value
			if srv.DefaultLocation.Root == "" {
				srv.DefaultLocation.Root = value
			}
		case "index":
			srv.IndexFiles = strings.Fields(value)
			if len(srv.IndexFiles) > 0 {
				srv.DefaultLocation.Index = srv.IndexFiles[0]
			}
		case "error_page":
			parts := strings.Fields(value)
			if len(parts) < 2 {
				log.Warn().Str("value", value).Msg("error_page needs codes and a path")
				continue
			}
			page := parts[len(parts)-1]
			for _, codeStr := range parts[:len(parts)-1] {
				code, err := strconv.Atoi(codeStr)
				if err != nil {
					log.Warn().Str("code", codeStr).Msg("invalid error_page code")
					continue
				}
				srv.ErrorPages[code] = page
			}
		case "client_max_body_size":
			n, err := parseSize(value)
			if err != nil {
				log.Warn().Str("value", value).Msg("invalid client_max_body_size")
				continue
			}
			srv.ClientMaxBodySize = n
		case "location":
			prefix, ok := strings.CutSuffix(strings.TrimSpace(value), "{")
			if !ok {
				return nil, errors.Errorf("config: location %q does not open a block", value)
			}
			loc := &LocationConfig{
				Path:  strings.TrimSpace(prefix),
				Root:  srv.Root,
				Index: firstOrEmpty(srv.IndexFiles),
			}
			if err := parseLocationBlock(sc, loc); err != nil {
				return nil, err
			}
			srv.Locations[loc.Path] = loc
		case "autoindex", "allow_methods", "methods", "return", "cgi_pass", "upload_store":
			applyLocationDirective(&srv.DefaultLocation, directive, value)
		default:
			log.Warn().Str("directive", directive).Msg("unknown directive in server block")
		}
	}
	return nil, errors.New("config: unterminated server block")
}

func parseLocationBlock(sc *bufio.Scanner, loc *LocationConfig) error {
	for sc.Scan() {
		line := stripComment(sc.Text())
		if line == "" {
			continue
		}
		if line == "}" {
			return nil
		}
		directive, value := splitDirective(line)
		if !applyLocationDirective(loc, directive, value) {
			log.Warn().Str("directive", directive).Str("location", loc.Path).
				Msg("unknown directive in location block")
		}
	}
	return errors.Errorf("config: unterminated location block %q", loc.Path)
}

func applyLocationDirective(loc *LocationConfig, directive, value string) bool {
	switch directive {
	case "root":
		loc.Root = value
	case "index":
		if fields := strings.Fields(value); len(fields) > 0 {
			loc.Index = fields[0]
		}
	case "allow_methods", "methods":
		loc.Methods = strings.Fields(value)
	case "return":
		loc.Redirect = value
	case "autoindex":
		loc.Autoindex = value == "on"
	case "cgi_pass":
		loc.CgiPass = value
	case "upload_store":
		loc.UploadStore = value
	default:
		return false
	}
	return true
}

// stripComment trims the line and removes everything from the first '#'.
func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

// splitDirective separates a directive name from its value and drops a
// trailing semicolon from the value.
func splitDirective(line string) (directive, value string) {
	directive = line
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		directive = line[:i]
		value = strings.TrimSpace(line[i+1:])
	}
	value = strings.TrimSpace(strings.TrimSuffix(value, ";"))
	return directive, value
}

// parseSize parses a byte count with an optional k/m/g suffix.
func parseSize(s string) (int64, error) {
	mult := int64(1)
	if s == "" {
		return 0, errors.New("empty size")
	}
	switch s[len(s)-1] | 0x20 {
	case 'k':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}
