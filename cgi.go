package webserv

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

const (
	pipeChunkBytes = 16 * 1024
	serverSoftware = "webserv/1.0"
	cgiIdleTimeout = 120 * time.Second
)

// cgiExchange is one in-flight CGI request: a child process plus two
// half-duplex pipes, owned exclusively by its client connection. The reactor
// pumps both sides without blocking and finalizes once the output pipe
// reports EOF and the child is reaped.
type cgiExchange struct {
	pid   int
	inFd  int // server -> child stdin; -1 once closed
	outFd int // child stdout -> server; -1 once closed

	body    []byte
	written int
	out     *bytebufferpool.ByteBuffer

	writeDone bool
	readDone  bool

	started time.Time
	lastIO  time.Time

	req  *Request
	cfg  *ServerConfig
	head bool
}

// buildCgiEnv assembles the CGI/1.1 environment. Every request header is
// exported as HTTP_<NAME> with hyphens mapped to underscores.
func buildCgiEnv(req *Request, cfg *ServerConfig, loc *LocationConfig, scriptPath string, port int, remoteAddr string) []string {
	env := map[string]string{
		"GATEWAY_INTERFACE": "CGI/1.1",
		"SERVER_SOFTWARE":   serverSoftware,
		"SERVER_NAME":       cfg.ServerName,
		"SERVER_PROTOCOL":   req.Proto,
		"SERVER_PORT":       strconv.Itoa(port),
		"REQUEST_METHOD":    req.Method,
		"SCRIPT_NAME":       req.Path,
		"SCRIPT_FILENAME":   scriptPath,
		"PATH_INFO":         req.Path,
		"PATH_TRANSLATED":   scriptPath,
		"REQUEST_URI":       req.Path,
		"QUERY_STRING":      req.Query,
		"REMOTE_ADDR":       remoteAddr,
		"REMOTE_HOST":       remoteAddr,
	}
	if env["SERVER_NAME"] == "" {
		env["SERVER_NAME"] = "localhost"
	}
	for name, value := range req.Headers {
		env["HTTP_"+strings.ToUpper(strings.ReplaceAll(name, "-", "_"))] = value
	}
	if req.Method == "POST" {
		env["CONTENT_TYPE"] = req.Header("content-type")
		env["CONTENT_LENGTH"] = strconv.Itoa(len(req.Body))
	}
	if loc.CgiPass != "" {
		env["CGI_PASS_DIRECTIVE"] = loc.CgiPass
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]string, 0, len(env))
	for _, k := range keys {
		entries = append(entries, k+"="+env[k])
	}
	return entries
}

// startCgi resolves and spawns the CGI child with its stdin/stdout wired to
// fresh pipes, leaving the parent ends non-blocking for the reactor to pump.
// On failure it returns the status the caller should answer with: 404 when
// the target is not executable, 500 otherwise.
func startCgi(req *Request, cfg *ServerConfig, loc *LocationConfig, effectiveRoot string, port int, remoteAddr string, head bool) (*cgiExchange, int) {
	scriptPath := resolvePath(cfg, effectiveRoot, req.Path)

	execPath := loc.CgiPass
	if execPath == "" {
		execPath = scriptPath
	}
	if execPath == "" || unix.Access(execPath, unix.X_OK) != nil {
		log.Warn().Str("exec", execPath).Msg("cgi target missing or not executable")
		return nil, 404
	}

	var inPipe, outPipe [2]int
	if err := unix.Pipe2(inPipe[:], unix.O_CLOEXEC); err != nil {
		log.Error().Err(err).Msg("cgi stdin pipe")
		return nil, 500
	}
	if err := unix.Pipe2(outPipe[:], unix.O_CLOEXEC); err != nil {
		unix.Close(inPipe[0])
		unix.Close(inPipe[1])
		log.Error().Err(err).Msg("cgi stdout pipe")
		return nil, 500
	}

	childStdin := os.NewFile(uintptr(inPipe[0]), "cgi-stdin")
	childStdout := os.NewFile(uintptr(outPipe[1]), "cgi-stdout")
	env := buildCgiEnv(req, cfg, loc, scriptPath, port, remoteAddr)

	proc, err := os.StartProcess(execPath, []string{execPath}, &os.ProcAttr{
		Env:   env,
		Files: []*os.File{childStdin, childStdout, os.Stderr},
	})
	childStdin.Close()
	childStdout.Close()
	if err != nil {
		unix.Close(inPipe[1])
		unix.Close(outPipe[0])
		log.Error().Err(errors.Wrap(err, "cgi: start process")).Str("exec", execPath).Send()
		return nil, 500
	}
	pid := proc.Pid
	proc.Release()

	unix.SetNonblock(inPipe[1], true)
	unix.SetNonblock(outPipe[0], true)

	now := time.Now()
	cgi := &cgiExchange{
		pid:     pid,
		inFd:    inPipe[1],
		outFd:   outPipe[0],
		out:     bytebufferpool.Get(),
		started: now,
		lastIO:  now,
		req:     req,
		cfg:     cfg,
		head:    head,
	}
	if req.Method == "POST" && len(req.Body) > 0 {
		cgi.body = req.Body
	} else {
		cgi.closeInput()
	}
	return cgi, 0
}

func (cgi *cgiExchange) closeInput() {
	if cgi.inFd != -1 {
		unix.Close(cgi.inFd)
		cgi.inFd = -1
	}
	cgi.writeDone = true
}

// pumpWrite pushes body bytes into the child's stdin until the pipe would
// block, closing the pipe on completion so the child sees EOF.
func (cgi *cgiExchange) pumpWrite() {
	for cgi.written < len(cgi.body) {
		n, err := unix.Write(cgi.inFd, cgi.body[cgi.written:])
		if n > 0 {
			cgi.written += n
			cgi.lastIO = time.Now()
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			log.Warn().Err(err).Int("pid", cgi.pid).Msg("cgi stdin write failed")
			cgi.closeInput()
			return
		}
	}
	cgi.closeInput()
}

// pumpRead drains the child's stdout into the accumulator until the pipe
// would block; a zero read is EOF.
func (cgi *cgiExchange) pumpRead() {
	buf := make([]byte, pipeChunkBytes)
	for {
		n, err := unix.Read(cgi.outFd, buf)
		if n > 0 {
			cgi.out.B = append(cgi.out.B, buf[:n]...)
			cgi.lastIO = time.Now()
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			log.Warn().Err(err).Int("pid", cgi.pid).Msg("cgi stdout read failed")
		}
		cgi.readDone = true
		if cgi.outFd != -1 {
			unix.Close(cgi.outFd)
			cgi.outFd = -1
		}
		return
	}
}

// tryReap polls for child exit without blocking. It returns false while the
// child is still running.
func (cgi *cgiExchange) tryReap() (unix.WaitStatus, bool) {
	var ws unix.WaitStatus
	pid, err := unix.Wait4(cgi.pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		// Already reaped or gone; treat as a clean zero exit.
		return 0, true
	}
	return ws, pid != 0
}

// finalize converts the drained output and exit status into the response.
func (cgi *cgiExchange) finalize(ws unix.WaitStatus, resp *Response) {
	if ws.Exited() && ws.ExitStatus() == 0 {
		parseCgiOutput(cgi.out.B, resp, cgi.cfg)
		return
	}
	log.Warn().Int("pid", cgi.pid).Int("status", ws.ExitStatus()).
		Bool("signaled", ws.Signaled()).Msg("cgi child failed")
	errorResponse(resp, 502, cgi.cfg)
}

// parseCgiOutput splits the child's output at the first blank line, applies
// the header side (honoring a Status: override, defaulting Content-Type to
// text/html) and uses the remainder as the body. Output with no separator is
// a 500.
func parseCgiOutput(out []byte, resp *Response, cfg *ServerConfig) {
	headerEnd, sepLen := findHeaderEnd(out)
	if headerEnd < 0 {
		log.Warn().Msg("cgi output has no header/body separator")
		errorResponse(resp, 500, cfg)
		return
	}

	resp.Status = 200
	contentTypeSet := false
	for _, line := range strings.Split(string(out[:headerEnd]), "\n") {
		line = strings.TrimSuffix(line, "\r")
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := line[:colon]
		value := strings.Trim(line[colon+1:], " \t")
		if name == "Status" {
			if fields := strings.Fields(value); len(fields) > 0 {
				if code, err := strconv.Atoi(fields[0]); err == nil {
					resp.Status = code
				}
			}
			continue
		}
		resp.SetHeader(name, value)
		if strings.EqualFold(name, "Content-Type") {
			contentTypeSet = true
		}
	}
	if !contentTypeSet {
		resp.SetHeader("Content-Type", "text/html")
	}
	resp.Body = append([]byte(nil), out[headerEnd+sepLen:]...)
}

// kill tears the exchange down: SIGKILL, non-blocking reap, close both
// pipes, return the accumulator.
func (cgi *cgiExchange) kill() {
	unix.Kill(cgi.pid, unix.SIGKILL)
	var ws unix.WaitStatus
	unix.Wait4(cgi.pid, &ws, unix.WNOHANG, nil)
	if cgi.inFd != -1 {
		unix.Close(cgi.inFd)
		cgi.inFd = -1
	}
	if cgi.outFd != -1 {
		unix.Close(cgi.outFd)
		cgi.outFd = -1
	}
	cgi.release()
}

func (cgi *cgiExchange) release() {
	if cgi.out != nil {
		bytebufferpool.Put(cgi.out)
		cgi.out = nil
	}
}
