package verto

import (
	"sync"

	"github.com/gfmonteiro/verto/server"
	"github.com/gfmonteiro/verto/storage"
)

// Server is a verto instance: a keyspace plus the connection engine that
// serves it. Create one with New, then Start it.
type Server struct {
	cfg    *config
	ks     *storage.Keyspace
	engine *server.Server

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
	loopErr error
}

// New creates a Server from the given options.
func New(opts ...Option) (*Server, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	ks := storage.NewKeyspace(
		storage.WithRehashBudget(cfg.rehashBudget),
		storage.WithAsyncThreshold(cfg.asyncThreshold),
		storage.WithDestroyWorkers(cfg.destroyWorkers),
	)
	engine := server.New(ks, server.Config{
		Port:            cfg.port,
		Backlog:         cfg.backlog,
		ExpireBudget:    cfg.expireBudget,
		IdleTimeout:     cfg.idleTimeout,
		OutboundSoftCap: cfg.outboundSoftCap,
	}, loggerAdapter{cfg.logger})

	return &Server{
		cfg:    cfg,
		ks:     ks,
		engine: engine,
		done:   make(chan struct{}),
	}, nil
}

// Start binds the listening socket and launches the event loop. It returns
// once the server is accepting connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	if err := s.engine.Listen(); err != nil {
		return err
	}
	s.started = true
	go func() {
		s.loopErr = s.engine.Serve()
		close(s.done)
	}()
	return nil
}

// Port returns the bound TCP port. Valid after Start.
func (s *Server) Port() int {
	return s.engine.Port()
}

// Wait blocks until the event loop exits and returns its error.
func (s *Server) Wait() error {
	<-s.done
	return s.loopErr
}

// Close shuts the server down: the event loop stops, every connection is
// closed, and background workers drain.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	var err error
	if started {
		s.engine.Close()
		<-s.done
		err = s.loopErr
	}
	s.ks.Close()
	return err
}

// Stats reports engine counters for diagnostics.
func (s *Server) Stats() map[string]interface{} {
	return s.engine.Stats()
}

// loggerAdapter bridges the public Logger to the engine's nominal type.
type loggerAdapter struct {
	l Logger
}

func (a loggerAdapter) Debug(msg string, fields ...server.Field) {
	a.l.Debug(msg, convertFields(fields)...)
}

func (a loggerAdapter) Info(msg string, fields ...server.Field) {
	a.l.Info(msg, convertFields(fields)...)
}

func (a loggerAdapter) Error(msg string, fields ...server.Field) {
	a.l.Error(msg, convertFields(fields)...)
}

func convertFields(in []server.Field) []Field {
	out := make([]Field, len(in))
	for i, f := range in {
		out[i] = Field{Key: f.Key, Value: f.Value}
	}
	return out
}
