package webserv

import (
	"fmt"
	"io"
	"net"
	"os/signal"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	pollTimeoutMs     = 1000
	clientIdleTimeout = 30 * time.Second
	sockReadBytes     = 8192
	listenBacklog     = 128
)

var errNoListeners = errors.New("server: failed to set up any listening socket")

// Server is the reactor: it owns every descriptor (listeners, clients, CGI
// pipes) and multiplexes them with poll(2) on a single goroutine. All
// per-connection state lives in clientConn records keyed by descriptor.
type Server struct {
	configs     []*ServerConfig
	portConfigs map[int][]*ServerConfig
	listeners   map[int]int // listening fd -> port
	clients     map[int]*clientConn
	stopping    atomic.Bool
}

func NewServer(configs []*ServerConfig) *Server {
	s := &Server{
		configs:     configs,
		portConfigs: make(map[int][]*ServerConfig),
		listeners:   make(map[int]int),
		clients:     make(map[int]*clientConn),
	}
	for _, cfg := range configs {
		for _, port := range cfg.ListenPorts {
			s.portConfigs[port] = append(s.portConfigs[port], cfg)
		}
	}
	return s
}

// Stop makes the next loop iteration unwind and close every descriptor.
func (s *Server) Stop() {
	s.stopping.Store(true)
}

func (s *Server) bindListeners() error {
	ports := make([]int, 0, len(s.portConfigs))
	for port := range s.portConfigs {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	for _, port := range ports {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			log.Error().Err(err).Int("port", port).Msg("socket")
			continue
		}
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			log.Error().Err(err).Int("port", port).Msg("setsockopt SO_REUSEADDR")
			unix.Close(fd)
			continue
		}
		if err = unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
			log.Error().Err(err).Int("port", port).Msg("bind")
			unix.Close(fd)
			continue
		}
		if err = unix.Listen(fd, listenBacklog); err != nil {
			log.Error().Err(err).Int("port", port).Msg("listen")
			unix.Close(fd)
			continue
		}
		s.listeners[fd] = port
		fmt.Printf("Server is listening on port %d\n", port)
	}
	if len(s.listeners) == 0 {
		return errNoListeners
	}
	return nil
}

// Start binds the configured ports and runs the event loop until Stop is
// called or the readiness primitive fails unrecoverably. Each tick runs the
// fixed stage order: expire clients, expire CGI, accept, pump CGI pipes,
// read clients, write clients.
func (s *Server) Start() error {
	signal.Ignore(syscall.SIGPIPE)

	if err := s.bindListeners(); err != nil {
		return err
	}
	fmt.Println("Server is running. Press Ctrl+C to stop.")

	for !s.stopping.Load() {
		fds := s.buildPollSet()
		n, err := unix.Poll(fds, pollTimeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			s.shutdown()
			return errors.Wrap(err, "server: poll")
		}
		revents := make(map[int]int16, n)
		for _, p := range fds {
			if p.Revents != 0 {
				revents[int(p.Fd)] = p.Revents
			}
		}
		now := time.Now()

		s.expireClients(now)
		s.expireCgi(now)
		s.acceptReady(revents, now)
		s.pumpCgi(revents)
		s.readClients(revents, now)
		s.writeClients(revents, now)
	}

	s.shutdown()
	return nil
}

// buildPollSet rebuilds the interest set from scratch each tick: listeners
// and client sockets for read, client sockets for write only while bytes are
// owed, CGI pipes joined in while their side is unfinished.
func (s *Server) buildPollSet() []unix.PollFd {
	fds := make([]unix.PollFd, 0, len(s.listeners)+2*len(s.clients))
	for fd := range s.listeners {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	for fd, c := range s.clients {
		events := int16(unix.POLLIN)
		if c.needsWrite() {
			events |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
		if c.cgi != nil {
			if c.cgi.outFd != -1 && !c.cgi.readDone {
				fds = append(fds, unix.PollFd{Fd: int32(c.cgi.outFd), Events: unix.POLLIN})
			}
			if c.cgi.inFd != -1 && !c.cgi.writeDone {
				fds = append(fds, unix.PollFd{Fd: int32(c.cgi.inFd), Events: unix.POLLOUT})
			}
		}
	}
	return fds
}

func (s *Server) shutdown() {
	for fd := range s.clients {
		s.closeClient(fd)
	}
	for fd := range s.listeners {
		unix.Close(fd)
	}
	s.listeners = make(map[int]int)
}

func (s *Server) closeClient(fd int) {
	c, ok := s.clients[fd]
	if !ok {
		return
	}
	if c.cgi != nil {
		c.cgi.kill()
		c.cgi = nil
	}
	if c.stream != nil {
		c.stream.close()
		c.stream = nil
	}
	unix.Close(fd)
	delete(s.clients, fd)
}

// expireClients drops connections idle past the timeout. Connections with an
// attached CGI exchange are governed by the CGI idle timeout instead.
func (s *Server) expireClients(now time.Time) {
	for fd, c := range s.clients {
		if c.cgi != nil {
			continue
		}
		if now.Sub(c.lastActivity) > clientIdleTimeout {
			s.closeClient(fd)
		}
	}
}

// expireCgi kills children with no pipe activity for the CGI timeout and
// queues a 504 for writeback before the connection closes.
func (s *Server) expireCgi(now time.Time) {
	for _, c := range s.clients {
		cgi := c.cgi
		if cgi == nil || now.Sub(cgi.lastIO) <= cgiIdleTimeout {
			continue
		}
		log.Warn().Int("pid", cgi.pid).Msg("cgi idle timeout, killing child")
		resp := &Response{}
		errorResponse(resp, 504, cgi.cfg)
		head := cgi.head
		cgi.kill()
		c.cgi = nil
		c.queueResponse(resp, head, false)
		c.lastActivity = now
	}
}

func (s *Server) acceptReady(revents map[int]int16, now time.Time) {
	for lfd, port := range s.listeners {
		if revents[lfd]&unix.POLLIN == 0 {
			continue
		}
		for {
			fd, _, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
			if err != nil {
				if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
					log.Warn().Err(err).Int("port", port).Msg("accept")
				}
				break
			}
			s.clients[fd] = &clientConn{
				fd:           fd,
				port:         port,
				keepAlive:    true,
				lastActivity: now,
			}
		}
	}
}

// pumpCgi moves bytes across ready CGI pipes and finalizes exchanges whose
// output is drained and whose child has been reaped.
func (s *Server) pumpCgi(revents map[int]int16) {
	for _, c := range s.clients {
		cgi := c.cgi
		if cgi == nil {
			continue
		}
		if cgi.inFd != -1 && revents[cgi.inFd]&(unix.POLLOUT|unix.POLLERR) != 0 {
			cgi.pumpWrite()
		}
		if cgi.outFd != -1 && revents[cgi.outFd]&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			cgi.pumpRead()
		}
		if !cgi.readDone {
			continue
		}
		ws, reaped := cgi.tryReap()
		if !reaped {
			continue
		}
		resp := &Response{}
		cgi.finalize(ws, resp)
		head := cgi.head
		cgi.release()
		c.cgi = nil
		c.queueResponse(resp, head, false)
	}
}

func (s *Server) readClients(revents map[int]int16, now time.Time) {
	fds := make([]int, 0, len(s.clients))
	for fd := range s.clients {
		fds = append(fds, fd)
	}
	for _, fd := range fds {
		c, ok := s.clients[fd]
		if !ok {
			continue
		}
		if revents[fd]&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			if !s.readFrom(c, now) {
				continue
			}
		}
		for c.canParse() {
			if !s.parseOne(c) {
				break
			}
		}
	}
}

// readFrom drains the socket into the inbound buffer. Returns false when the
// connection was torn down.
func (s *Server) readFrom(c *clientConn, now time.Time) bool {
	buf := make([]byte, sockReadBytes)
	for {
		n, err := unix.Read(c.fd, buf)
		if n > 0 {
			c.in = append(c.in, buf[:n]...)
			c.lastActivity = now
			if len(c.in) > maxRequestBytes {
				cfg := selectConfig(s.portConfigs[c.port], "")
				s.respondError(c, 413, cfg)
				return true
			}
			continue
		}
		if n == 0 && err == nil {
			s.closeClient(c.fd)
			return false
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return true
		}
		s.closeClient(c.fd)
		return false
	}
}

// respondError queues an error response and marks the connection for close.
func (s *Server) respondError(c *clientConn, status int, cfg *ServerConfig) {
	resp := &Response{}
	errorResponse(resp, status, cfg)
	c.queueResponse(resp, false, false)
}

// parseOne frames and dispatches at most one request from the head of the
// inbound buffer. Returns false when more bytes are needed or the connection
// is no longer parseable.
func (s *Server) parseOne(c *clientConn) bool {
	headerEnd, sepLen := findHeaderEnd(c.in)
	if headerEnd < 0 {
		if len(c.in) > maxHeaderBytes {
			s.respondError(c, 431, selectConfig(s.portConfigs[c.port], ""))
		}
		return false
	}

	headers := parseHeaderBlock(string(c.in[:headerEnd]))
	cfg := selectConfig(s.portConfigs[c.port], headers["host"])

	if strings.Contains(strings.ToLower(headers["expect"]), "100-continue") && !c.sentContinue {
		c.out = append(c.out, "HTTP/1.1 100 Continue\r\n\r\n"...)
		c.sentContinue = true
	}

	framed, err := frameNext(c.in, headerEnd, sepLen, headers, cfg.ClientMaxBodySize)
	if err == errBodyTooLarge {
		s.respondError(c, 413, cfg)
		return false
	}
	if err != nil {
		s.respondError(c, 400, cfg)
		return false
	}
	if framed == nil {
		return false
	}

	req := &Request{}
	if err = req.parse(framed.raw); err != nil {
		s.respondError(c, 400, cfg)
		return false
	}

	resp := &Response{}
	stream, cgi := s.dispatch(c, req, cfg, resp)
	if cgi != nil {
		c.cgi = cgi
		c.consume(framed.consumed)
		return true
	}

	head := req.Method == "HEAD"
	if stream == nil && !head {
		maybeCompress(req, resp)
	}
	c.queueResponse(resp, head, req.wantsKeepAlive())
	c.stream = stream
	c.consume(framed.consumed)
	return true
}

func (s *Server) writeClients(revents map[int]int16, now time.Time) {
	fds := make([]int, 0, len(s.clients))
	for fd := range s.clients {
		fds = append(fds, fd)
	}
	for _, fd := range fds {
		c, ok := s.clients[fd]
		if !ok || revents[fd]&unix.POLLOUT == 0 {
			continue
		}
		if !s.flushTo(c, now) {
			continue
		}
		if !c.needsWrite() && c.closing {
			s.closeClient(fd)
		}
	}
}

// flushTo pushes the outbound buffer and then the attached file stream until
// the socket would block. Returns false when the connection was torn down.
func (s *Server) flushTo(c *clientConn, now time.Time) bool {
	for c.outOff < len(c.out) {
		n, err := unix.Write(c.fd, c.out[c.outOff:])
		if n > 0 {
			c.outOff += n
			c.lastActivity = now
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return true
		}
		s.closeClient(c.fd)
		return false
	}
	if c.outOff >= len(c.out) {
		c.out = c.out[:0]
		c.outOff = 0
	}

	if c.stream == nil || len(c.out) > 0 {
		return true
	}
	for {
		if len(c.stream.pending) == 0 {
			if c.stream.offset >= c.stream.size {
				c.stream.close()
				c.stream = nil
				return true
			}
			buf := make([]byte, fileChunkBytes)
			n, err := c.stream.f.Read(buf)
			if n > 0 {
				c.stream.pending = buf[:n]
				c.stream.offset += int64(n)
			} else if err == nil || err == io.EOF {
				c.stream.close()
				c.stream = nil
				return true
			} else {
				s.closeClient(c.fd)
				return false
			}
		}
		for len(c.stream.pending) > 0 {
			n, err := unix.Write(c.fd, c.stream.pending)
			if n > 0 {
				c.stream.pending = c.stream.pending[n:]
				c.lastActivity = now
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return true
			}
			s.closeClient(c.fd)
			return false
		}
	}
}

// peerAddr reports the client's IP for the CGI environment.
func peerAddr(fd int) string {
	sa, err := unix.Getpeername(fd)
	if err == nil {
		switch a := sa.(type) {
		case *unix.SockaddrInet4:
			return net.IP(a.Addr[:]).String()
		case *unix.SockaddrInet6:
			return net.IP(a.Addr[:]).String()
		}
	}
	return "127.0.0.1"
}
