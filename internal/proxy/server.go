package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/iamgaru/gachatap/internal/capture"
	"github.com/iamgaru/gachatap/internal/cert"
	"github.com/iamgaru/gachatap/internal/config"
	"github.com/iamgaru/gachatap/internal/filter"
	"github.com/iamgaru/gachatap/internal/logging"
	"github.com/iamgaru/gachatap/internal/relay"
)

// Server binds the proxy listener, waits for the first captured URL, and
// then stops accepting connections.
type Server struct {
	config   *config.Config
	router   *Router
	relayer  *relay.Relayer
	captures *capture.Channel
	log      *logging.Logger

	listener   net.Listener
	shutdownCh chan struct{}
	stopOnce   sync.Once
	startTime  time.Time
}

// RelayOptions derives outbound settings from the configuration
func RelayOptions(cfg *config.Config) relay.Options {
	return relay.Options{
		DialTimeout:         time.Duration(cfg.Proxy.DialTimeout) * time.Second,
		UpstreamTimeout:     time.Duration(cfg.Proxy.UpstreamTimeout) * time.Second,
		MaxIdleConnsPerHost: cfg.Proxy.MaxIdleConnsPerHost,
	}
}

// NewServer creates a proxy server serving leaf for the intercepted domains
func NewServer(cfg *config.Config, leaf *cert.LeafCertificate, log *logging.Logger) *Server {
	return NewServerWithOptions(cfg, leaf, RelayOptions(cfg), log)
}

// NewServerWithOptions creates a proxy server with explicit outbound settings
func NewServerWithOptions(cfg *config.Config, leaf *cert.LeafCertificate, opts relay.Options, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewNop()
	}

	relayer := relay.NewRelayer(opts, log)
	captures := capture.NewChannel(cfg.Capture.QueueSize)
	router := NewRouter(leaf, filter.NewDomainSet(leaf.Domains), relayer, captures, log)

	return &Server{
		config:     cfg,
		router:     router,
		relayer:    relayer,
		captures:   captures,
		log:        log,
		shutdownCh: make(chan struct{}),
	}
}

// Start binds the listener and starts accepting connections
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Proxy.ListenAddr)
	if err != nil {
		return &BindError{Addr: s.config.Proxy.ListenAddr, Err: err}
	}
	s.listener = listener
	s.startTime = time.Now()

	s.log.Info().
		Str("addr", listener.Addr().String()).
		Strs("intercept", s.Domains()).
		Msg("proxy listening")

	go s.acceptConnections(listener)

	return nil
}

// Addr returns the bound listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Domains returns the hosts whose TLS sessions are terminated
func (s *Server) Domains() []string {
	return s.router.domains.Domains()
}

// acceptConnections accepts and handles incoming connections
func (s *Server) acceptConnections(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				// Nothing can be captured any more
				s.log.Error().Err(err).Msg("listener closed unexpectedly")
				s.captures.Close()
				return
			}

			s.log.Warn().Err(err).Msg("accept error")
			time.Sleep(10 * time.Millisecond)
			continue
		}

		go s.router.HandleConnection(conn)
	}
}

// WaitForURL blocks until the first URL is captured, then stops the server.
// Connections already open are left to finish on their own.
func (s *Server) WaitForURL(ctx context.Context) (string, error) {
	url, err := s.captures.Receive(ctx)
	s.Stop()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoURLCaptured, err)
	}
	return url, nil
}

// Stop stops accepting connections. Safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdownCh)
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.captures.Close()
		s.relayer.Close()

		stats := s.router.GetStats()
		relayStats := s.relayer.GetStats()
		captureStats := s.captures.GetStats()
		s.log.Info().
			Int64("connections", stats.TotalConnections).
			Int64("intercepted", stats.Intercepted).
			Int64("tunnelled", stats.Tunnelled).
			Int64("forwarded", stats.Forwarded).
			Int64("handshake_failures", stats.HandshakeFailures).
			Int64("upstream_failures", stats.UpstreamFailures).
			Int64("inner_requests", relayStats.InnerRequests).
			Int64("captured", captureStats.Offered).
			Int64("bytes", stats.BytesTransferred).
			Dur("uptime", time.Since(s.startTime)).
			Msg("proxy stopped")
	})
	return err
}

// GetStats returns proxy statistics
func (s *Server) GetStats() ProxyStatsSnapshot {
	return s.router.GetStats()
}

// TapForURL runs the whole capture flow: load or create the root, issue the
// leaf, start the proxy, report where it listens, and wait for the URL.
func TapForURL(ctx context.Context, cfg *config.Config, log *logging.Logger, onListen func(ListenInfo)) (string, error) {
	return tapForURL(ctx, cfg, log, RelayOptions(cfg), onListen)
}

func tapForURL(ctx context.Context, cfg *config.Config, log *logging.Logger, opts relay.Options, onListen func(ListenInfo)) (string, error) {
	if log == nil {
		log = logging.NewNop()
	}

	authority := cert.NewAuthority(&cert.CertConfig{
		CertDir:       cfg.TLS.CertDir,
		CAFile:        cfg.TLS.CAFile,
		CAKeyFile:     cfg.TLS.CAKeyFile,
		KeySize:       cfg.TLS.KeySize,
		RootValidDays: cfg.TLS.RootValidDays,
		LeafValidDays: cfg.TLS.LeafValidDays,
	}, log)

	root, err := authority.LoadOrCreate()
	if err != nil {
		return "", err
	}

	leaf, err := authority.IssueLeaf(root, filter.InterceptDomains)
	if err != nil {
		return "", err
	}

	certStats := authority.GetStats()
	log.Info().
		Int64("roots_loaded", certStats.RootsLoaded).
		Int64("roots_generated", certStats.RootsGenerated).
		Int64("leaves_issued", certStats.LeavesIssued).
		Int64("ca_load_ms", certStats.CALoadTime).
		Int64("leaf_generation_ms", certStats.LeafGenTime).
		Msg("certificates ready")

	server := NewServerWithOptions(cfg, leaf, opts, log)
	if err := server.Start(); err != nil {
		return "", err
	}
	defer server.Stop()

	if onListen != nil {
		onListen(ListenInfo{
			Addr:      server.Addr(),
			Root:      root,
			Domains:   server.Domains(),
			CertStats: certStats,
		})
	}

	return server.WaitForURL(ctx)
}
