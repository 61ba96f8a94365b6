package server

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gfmonteiro/verto/lua"
	"github.com/gfmonteiro/verto/protocol"
	"github.com/gfmonteiro/verto/storage"
)

// Field is a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// Logger receives engine events. Implementations must be safe to call from
// the event-loop goroutine.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field)  {}
func (nopLogger) Error(string, ...Field) {}

// Config carries the engine tunables. The zero value is completed with the
// defaults below.
type Config struct {
	// Port to bind on the dual-stack wildcard address. Zero picks an
	// ephemeral port (useful in tests); the default server port is 1234.
	Port int

	// Backlog for listen(2).
	Backlog int

	// ExpireBudget bounds keys drained per tick.
	ExpireBudget int

	// IdleTimeout closes connections with no traffic for this long.
	// Zero disables reaping.
	IdleTimeout time.Duration

	// OutboundSoftCap suspends reads on a connection whose outbound
	// buffer grows past this many bytes, until it drains under half.
	OutboundSoftCap int

	// Tick caps the poll timeout when no timer is nearer.
	Tick time.Duration
}

const (
	defaultBacklog      = 128
	defaultExpireBudget = 2000
	defaultSoftCap      = 8 << 20
	defaultTick         = 10 * time.Second

	readChunk = 64 * 1024
)

func (c *Config) fillDefaults() {
	if c.Backlog <= 0 {
		c.Backlog = defaultBacklog
	}
	if c.ExpireBudget <= 0 {
		c.ExpireBudget = defaultExpireBudget
	}
	if c.OutboundSoftCap <= 0 {
		c.OutboundSoftCap = defaultSoftCap
	}
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
}

// Server is the connection engine. All fields except the shutdown flag are
// owned by the goroutine running Serve.
type Server struct {
	cfg    Config
	ks     *storage.Keyspace
	script *lua.Engine
	logger Logger

	listenFd int
	port     int
	conns    map[int]*conn
	idle     idleList

	wakeRead  int
	wakeWrite int
	closed    atomic.Bool

	// Counters exposed through Stats; atomic because Stats may be read
	// from outside the loop goroutine.
	connOpen     atomic.Int64
	connTotal    atomic.Int64
	commandTotal atomic.Int64
	errorTotal   atomic.Int64
	expiredTotal atomic.Int64
}

// New creates an engine over the given keyspace.
func New(ks *storage.Keyspace, cfg Config, logger Logger) *Server {
	cfg.fillDefaults()
	if logger == nil {
		logger = nopLogger{}
	}
	s := &Server{
		cfg:      cfg,
		ks:       ks,
		script:   lua.NewEngine(ks),
		logger:   logger,
		listenFd: -1,
		conns:    make(map[int]*conn),
	}
	s.idle.init()
	return s
}

// Listen binds the dual-stack listening socket. After Listen returns, Port
// reports the bound port even when Config.Port was zero.
func (s *Server) Listen() error {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	// Accept IPv4-mapped peers on the same socket.
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
		unix.Close(fd)
		return fmt.Errorf("clear IPV6_V6ONLY: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet6{Port: s.cfg.Port}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind port %d: %w", s.cfg.Port, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("set nonblocking: %w", err)
	}
	if err := unix.Listen(fd, s.cfg.Backlog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen: %w", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("getsockname: %w", err)
	}
	s.port = sa.(*unix.SockaddrInet6).Port

	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		unix.Close(fd)
		return fmt.Errorf("wake pipe: %w", err)
	}
	unix.SetNonblock(pipe[0], true)
	unix.SetNonblock(pipe[1], true)
	s.wakeRead, s.wakeWrite = pipe[0], pipe[1]

	s.listenFd = fd
	s.logger.Info("listening", Field{Key: "port", Value: s.port})
	return nil
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.port
}

// Close asks the engine to shut down. Safe to call from any goroutine; Serve
// returns after closing every connection.
func (s *Server) Close() {
	if s.closed.CompareAndSwap(false, true) {
		var one [1]byte
		unix.Write(s.wakeWrite, one[:])
	}
}

// Stats reports engine counters. Safe to call from any goroutine.
func (s *Server) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connected_clients": s.connOpen.Load(),
		"total_connections": s.connTotal.Load(),
		"total_commands":    s.commandTotal.Load(),
		"total_errors":      s.errorTotal.Load(),
		"expired_keys":      s.expiredTotal.Load(),
	}
}

// Serve runs the event loop until Close is called. It owns every socket and
// the keyspace for its whole lifetime.
func (s *Server) Serve() error {
	if s.listenFd < 0 {
		return fmt.Errorf("Serve before Listen")
	}
	defer s.teardown()

	// Reused across ticks; index 0 is the wake pipe, 1 the listener.
	var pollfds []unix.PollFd
	var fdOrder []int

	for !s.closed.Load() {
		pollfds = pollfds[:0]
		fdOrder = fdOrder[:0]
		pollfds = append(pollfds,
			unix.PollFd{Fd: int32(s.wakeRead), Events: unix.POLLIN},
			unix.PollFd{Fd: int32(s.listenFd), Events: unix.POLLIN},
		)
		for fd, c := range s.conns {
			var events int16 = unix.POLLERR
			if c.wantRead {
				events |= unix.POLLIN
			}
			if c.wantWrite {
				events |= unix.POLLOUT
			}
			pollfds = append(pollfds, unix.PollFd{Fd: int32(fd), Events: events})
			fdOrder = append(fdOrder, fd)
		}

		n, err := unix.Poll(pollfds, s.pollTimeoutMs())
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}

		if n > 0 {
			if pollfds[0].Revents != 0 {
				s.drainWakePipe()
			}
			if pollfds[1].Revents&unix.POLLIN != 0 {
				s.acceptAll()
			}
			for i, fd := range fdOrder {
				revents := pollfds[i+2].Revents
				if revents == 0 {
					continue
				}
				c, ok := s.conns[fd]
				if !ok {
					continue
				}
				if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
					s.destroyConn(c)
					continue
				}
				if revents&(unix.POLLIN|unix.POLLHUP) != 0 && c.wantRead {
					s.handleRead(c)
				}
				if c2, ok := s.conns[fd]; ok && c2 == c && revents&unix.POLLOUT != 0 && c.wantWrite {
					s.handleWrite(c)
				}
				if c2, ok := s.conns[fd]; ok && c2 == c && c.wantClose && c.out.Len() == 0 {
					s.destroyConn(c)
				}
			}
		}

		s.processTimers()
	}
	return nil
}

// pollTimeoutMs derives the readiness-wait timeout from the nearest timer.
func (s *Server) pollTimeoutMs() int {
	now := s.ks.Now()
	next := int64(-1)

	if s.cfg.IdleTimeout > 0 {
		if c := s.idle.front(); c != nil {
			next = c.lastActive + int64(s.cfg.IdleTimeout)
		}
	}
	if deadline, ok := s.ks.NextDeadline(); ok && (next < 0 || deadline < next) {
		next = deadline
	}

	tick := int(s.cfg.Tick / time.Millisecond)
	if next < 0 {
		return tick
	}
	ms := int((next - now) / int64(time.Millisecond))
	if ms < 0 {
		return 0
	}
	if ms > tick {
		return tick
	}
	return ms
}

func (s *Server) drainWakePipe() {
	var buf [16]byte
	for {
		if _, err := unix.Read(s.wakeRead, buf[:]); err != nil {
			return
		}
	}
}

func (s *Server) acceptAll() {
	for {
		fd, sa, err := unix.Accept(s.listenFd)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			s.logger.Error("accept", Field{Key: "err", Value: err})
			return
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			continue
		}
		c := newConn(fd, s.ks.Now())
		s.conns[fd] = c
		s.idle.pushBack(c)
		s.connTotal.Add(1)
		s.connOpen.Add(1)
		s.logger.Debug("client connected",
			Field{Key: "fd", Value: fd},
			Field{Key: "addr", Value: sockaddrString(sa)})
	}
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%v]:%d", addrBytes(a.Addr[:]), a.Port)
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%v:%d", addrBytes(a.Addr[:]), a.Port)
	default:
		return "unknown"
	}
}

func addrBytes(b []byte) string {
	if len(b) == 4 {
		return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
	}
	s := ""
	for i := 0; i < len(b); i += 2 {
		if i > 0 {
			s += ":"
		}
		s += fmt.Sprintf("%02x%02x", b[i], b[i+1])
	}
	return s
}

func (s *Server) handleRead(c *conn) {
	var buf [readChunk]byte
	n, err := unix.Read(c.fd, buf[:])
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
		return
	}
	if err != nil {
		s.logger.Debug("read error", Field{Key: "fd", Value: c.fd}, Field{Key: "err", Value: err})
		s.destroyConn(c)
		return
	}
	if n == 0 {
		// EOF. Anything already queued still goes out.
		c.wantClose = true
		c.wantRead = false
		if c.out.Len() == 0 {
			s.destroyConn(c)
		}
		return
	}

	c.in.Append(buf[:n])
	s.idle.touch(c, s.ks.Now())
	s.parseRequests(c)

	if c.out.Len() > 0 {
		c.wantWrite = true
		// Optimistic flush saves a poll round trip for small responses.
		s.handleWrite(c)
	}
}

// parseRequests services every complete frame buffered on the connection.
// Responses are appended in request order, preserving pipelining semantics.
func (s *Server) parseRequests(c *conn) {
	for {
		payload, err := protocol.NextFrame(&c.in)
		if err != nil {
			s.logger.Debug("protocol violation",
				Field{Key: "fd", Value: c.fd}, Field{Key: "err", Value: err})
			s.errorTotal.Add(1)
			c.wantClose = true
			c.wantRead = false
			return
		}
		if payload == nil {
			return
		}
		args, err := protocol.ParseRequest(payload)
		if err != nil {
			s.logger.Debug("malformed request",
				Field{Key: "fd", Value: c.fd}, Field{Key: "err", Value: err})
			s.errorTotal.Add(1)
			c.wantClose = true
			c.wantRead = false
			return
		}
		s.dispatch(args, &c.out)
		c.in.Consume(protocol.HeaderSize + len(payload))

		if c.out.Len() > s.cfg.OutboundSoftCap {
			// Backpressure: stop consuming input until the peer drains us.
			c.wantRead = false
			return
		}
	}
}

func (s *Server) handleWrite(c *conn) {
	for c.out.Len() > 0 {
		n, err := unix.Write(c.fd, c.out.Bytes())
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			c.wantWrite = true
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			s.logger.Debug("write error", Field{Key: "fd", Value: c.fd}, Field{Key: "err", Value: err})
			s.destroyConn(c)
			return
		}
		c.out.Consume(n)
	}

	c.wantWrite = false
	if c.wantClose {
		s.destroyConn(c)
		return
	}
	if c.out.Len() <= s.cfg.OutboundSoftCap/2 && !c.wantRead {
		c.wantRead = true
		// Input buffered while reads were suspended still needs service.
		s.parseRequests(c)
		if c.out.Len() > 0 {
			c.wantWrite = true
		}
	}
}

func (s *Server) destroyConn(c *conn) {
	if _, ok := s.conns[c.fd]; !ok {
		return
	}
	delete(s.conns, c.fd)
	s.idle.remove(c)
	unix.Close(c.fd)
	s.connOpen.Add(-1)
	s.logger.Debug("client closed", Field{Key: "fd", Value: c.fd})
}

// processTimers reaps idle connections and drains due expirations. The
// expiration drain is bounded by ExpireBudget per tick; idle reaping closes
// every connection past its timeout in the same pass.
func (s *Server) processTimers() {
	now := s.ks.Now()

	if s.cfg.IdleTimeout > 0 {
		for {
			c := s.idle.front()
			if c == nil || c.lastActive+int64(s.cfg.IdleTimeout) > now {
				break
			}
			s.logger.Debug("idle timeout", Field{Key: "fd", Value: c.fd})
			s.destroyConn(c)
		}
	}

	if n := s.ks.DrainExpired(now, s.cfg.ExpireBudget); n > 0 {
		s.expiredTotal.Add(int64(n))
		s.logger.Debug("expired keys", Field{Key: "count", Value: n})
	}
}

func (s *Server) teardown() {
	for _, c := range s.conns {
		unix.Close(c.fd)
	}
	s.conns = make(map[int]*conn)
	s.idle.init()
	if s.listenFd >= 0 {
		unix.Close(s.listenFd)
		s.listenFd = -1
	}
	if s.wakeRead != 0 {
		unix.Close(s.wakeRead)
		unix.Close(s.wakeWrite)
		s.wakeRead, s.wakeWrite = 0, 0
	}
}
