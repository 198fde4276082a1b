package service

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/reflection"

	"github.com/gtriggiano/netwatchz/pkg/config"
)

const gracefulStopTimeout = 5 * time.Second

// Server exposes the Envoy external authorization API over gRPC.
type Server struct {
	cfg        config.ServerConfig
	grpcServer *grpc.Server
	logger     *zap.Logger
}

// NewServer builds the gRPC server, with TLS when cfg asks for it.
func NewServer(cfg config.ServerConfig, manager *Manager, logger *zap.Logger) (*Server, error) {
	var opts []grpc.ServerOption
	if cfg.TLS != nil {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	grpcServer := grpc.NewServer(opts...)
	reflection.Register(grpcServer)
	authv3.RegisterAuthorizationServer(grpcServer, &authorizationService{manager: manager, logger: logger})

	return &Server{cfg: cfg, grpcServer: grpcServer, logger: logger}, nil
}

// Start serves until ctx is done. onReady, when set, receives the bound address once
// the listener is open.
func (s *Server) Start(ctx context.Context, onReady func(net.Addr)) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on address '%s': %w", s.cfg.Address, err)
	}
	if onReady != nil {
		onReady(listener.Addr())
	}

	stopped := make(chan struct{})
	defer close(stopped)
	go s.stopWhenDone(ctx, stopped)

	s.logger.Info("gRPC server listening", zap.Stringer("addr", listener.Addr()), zap.Bool("tls", s.cfg.TLS != nil))
	if err := s.grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) && ctx.Err() == nil {
		return err
	}
	return nil
}

// stopWhenDone drains in-flight checks once ctx is done, forcing the stop after
// gracefulStopTimeout.
func (s *Server) stopWhenDone(ctx context.Context, stopped <-chan struct{}) {
	select {
	case <-stopped:
		return
	case <-ctx.Done():
	}

	timer := time.AfterFunc(gracefulStopTimeout, func() {
		s.logger.Warn("graceful stop timed out, closing open streams")
		s.grpcServer.Stop()
	})
	defer timer.Stop()
	s.grpcServer.GracefulStop()
}

func buildTLSConfig(cfg config.ServerConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	opts := cfg.TLS
	if opts == nil {
		return tlsCfg, nil
	}

	cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("could not load server certificate: %w", err)
	}
	tlsCfg.Certificates = []tls.Certificate{cert}

	if opts.CAFile != "" {
		if tlsCfg.ClientCAs, err = loadCertPool(opts.CAFile); err != nil {
			return nil, err
		}
	}
	if opts.RequireClientCert {
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not load CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("CA file %s contains no usable certificate", path)
	}
	return pool, nil
}

type authorizationService struct {
	authv3.UnimplementedAuthorizationServer
	manager *Manager
	logger  *zap.Logger
}

// Check implements authv3.AuthorizationServer.
func (s *authorizationService) Check(ctx context.Context, req *authv3.CheckRequest) (*authv3.CheckResponse, error) {
	resp, err := s.manager.Check(ctx, req)
	if err != nil {
		s.logger.Error("authorization error", zap.Error(err))
		return nil, err
	}
	return resp, nil
}
