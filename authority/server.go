package authority

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/internal/wire"
	"github.com/teranos/certifier/logger"
)

// ServerOptions tune the network front of the authority.
type ServerOptions struct {
	MaxFrameBytes     int
	IOTimeout         time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Server accepts trust requests over TCP, one request per connection.
type Server struct {
	svc     *Service
	opts    ServerOptions
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
	wg      sync.WaitGroup
}

// NewServer wraps svc.
func NewServer(svc *Service, opts ServerOptions, log *zap.SugaredLogger) *Server {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = wire.DefaultMaxFrameSize
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Server{svc: svc, opts: opts, limiter: limiter, logger: log}
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
// Each connection is handled in its own goroutine; Serve waits for them
// before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Infow("Policy authority listening", logger.FieldAddress, ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warnw("Accept failed", logger.FieldError, err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()

	if err := conn.SetDeadline(time.Now().Add(s.opts.IOTimeout)); err != nil {
		s.logger.Warnw("Failed to set deadline", logger.FieldAddress, peer, logger.FieldError, err)
		return
	}

	req, err := ReadRequest(conn, s.opts.MaxFrameBytes)
	if err != nil {
		s.logger.Warnw("Malformed trust request", logger.FieldAddress, peer, logger.FieldError, err)
		return
	}

	var resp *TrustResponse
	if s.limiter != nil && !s.limiter.Allow() {
		resp = &TrustResponse{
			Status:               StatusFailed,
			RequestingEnclaveTag: req.RequestingEnclaveTag,
			ProvidingEnclaveTag:  req.ProvidingEnclaveTag,
			Reason:               "rate limit exceeded",
		}
		s.logger.Warnw("Trust request rate limited", logger.FieldAddress, peer)
	} else {
		resp = s.svc.Handle(ctx, req)
	}

	if err := WriteResponse(conn, resp, s.opts.MaxFrameBytes); err != nil {
		s.logger.Warnw("Failed to write trust response", logger.FieldAddress, peer, logger.FieldError, err)
	}
}
