// Package server hosts one relay worker: the WebSocket endpoint, the bus
// subscription that feeds it and the gRPC health endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	platformgrpc "github.com/frorz1/wss/internal/platform/grpc"
	"github.com/frorz1/wss/internal/platform/timeouts"
	"github.com/frorz1/wss/internal/services/relay/bus"
	"github.com/frorz1/wss/internal/services/relay/recovery"
	"github.com/frorz1/wss/internal/services/relay/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config defines the inputs for one relay worker process.
type Config struct {
	HTTPAddr string
	// HealthAddr is optional; empty disables the gRPC health endpoint.
	HealthAddr        string
	WorkerID          string
	Store             storage.Store
	Bus               bus.Bus
	RecoveryWindow    time.Duration
	RecoveryPolicy    recovery.Policy
	OutboxSize        int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// OnReady runs once the worker is attached to the bus and accepting
	// connections.
	OnReady func()
	Logger  zerolog.Logger
}

// Server hosts the relay HTTP/WebSocket process.
type Server struct {
	relay           *Relay
	listener        net.Listener
	httpServer      *http.Server
	health          *platformgrpc.HealthServer
	shutdownTimeout time.Duration
	onReady         func()
	logger          zerolog.Logger
}

// NewServer binds the listeners and builds the relay. Nothing is served until
// ListenAndServe.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	var health *platformgrpc.HealthServer
	if strings.TrimSpace(config.HealthAddr) != "" {
		var err error
		health, err = platformgrpc.NewHealthServer(config.HealthAddr)
		if err != nil {
			return nil, fmt.Errorf("init health server: %w", err)
		}
	}

	relay, err := NewRelay(RelayConfig{
		WorkerID:       config.WorkerID,
		Store:          config.Store,
		Bus:            config.Bus,
		RecoveryWindow: config.RecoveryWindow,
		RecoveryPolicy: config.RecoveryPolicy,
		OutboxSize:     config.OutboxSize,
		OnBusState:     health.SetServing,
		Logger:         config.Logger,
	})
	if err != nil {
		health.Close()
		return nil, err
	}

	listener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		health.Close()
		return nil, fmt.Errorf("listen on %s: %w", httpAddr, err)
	}

	return &Server{
		relay:    relay,
		listener: listener,
		httpServer: &http.Server{
			Handler:           relay.Handler(),
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		health:          health,
		shutdownTimeout: config.ShutdownTimeout,
		onReady:         config.OnReady,
		logger:          config.Logger,
	}, nil
}

// Run builds a server and serves until ctx ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init relay server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}

// Addr returns the HTTP listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// HealthAddr returns the gRPC health listener address, or empty when
// disabled.
func (s *Server) HealthAddr() string {
	if s == nil {
		return ""
	}
	return s.health.Addr()
}

// Relay exposes the worker core.
func (s *Server) Relay() *Relay {
	if s == nil {
		return nil
	}
	return s.relay
}

// ListenAndServe attaches to the bus and serves until ctx ends or a listener
// fails. Shutdown closes every session before draining HTTP.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("relay server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if err := s.relay.Attach(ctx); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	s.logger.Info().Str("addr", s.Addr()).Msg("relay server listening")
	group.Go(func() error {
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	if s.health != nil {
		s.logger.Info().Str("addr", s.health.Addr()).Msg("health server listening")
		group.Go(func() error {
			return s.health.Serve(groupCtx)
		})
	}
	if s.onReady != nil {
		s.onReady()
	}
	group.Go(func() error {
		<-groupCtx.Done()
		s.health.SetServing(false)
		if err := s.relay.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("close bus subscription")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// Close releases the listeners and sessions.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if err := s.relay.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("close relay")
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.health.Close()
}
