package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/iamgaru/gachatap/internal/capture"
	"github.com/iamgaru/gachatap/internal/cert"
	"github.com/iamgaru/gachatap/internal/filter"
	"github.com/iamgaru/gachatap/internal/logging"
	"github.com/iamgaru/gachatap/internal/relay"
)

const connectEstablished = "HTTP/1.1 200 Connection established\r\n\r\n"

// Router dispatches each accepted proxy connection to the intercept, tunnel,
// or forward path. Everything it holds is shared read-only by all
// connections except the stats, which are synchronized.
type Router struct {
	domains   filter.DomainSet
	tlsConfig *tls.Config
	relayer   *relay.Relayer
	captures  *capture.Channel
	log       *logging.Logger
	stats     *ProxyStats
}

// NewRouter creates a router terminating TLS for domains with leaf
func NewRouter(leaf *cert.LeafCertificate, domains filter.DomainSet, relayer *relay.Relayer, captures *capture.Channel, log *logging.Logger) *Router {
	if log == nil {
		log = logging.NewNop()
	}
	return &Router{
		domains:   domains,
		tlsConfig: ServerTLSConfig(leaf),
		relayer:   relayer,
		captures:  captures,
		log:       log,
		stats:     NewProxyStats(),
	}
}

// ServerTLSConfig returns the config used to terminate intercepted sessions
func ServerTLSConfig(leaf *cert.LeafCertificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{leaf.TLSCertificate()},
		NextProtos:   []string{"http/1.1"},
	}
}

// bufferedConn keeps bytes already buffered while parsing the CONNECT request
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// HandleConnection serves one accepted connection. Tunnel and intercept
// sessions take over the connection; forwarded requests loop while the
// client keeps the connection alive.
func (rt *Router) HandleConnection(conn net.Conn) {
	rt.stats.IncrementActive()
	defer rt.stats.DecrementActive()

	info := &ConnectionInfo{
		ID:         uuid.NewString(),
		ClientAddr: conn.RemoteAddr().String(),
		StartTime:  time.Now(),
	}
	log := rt.log.With("conn", info.ID)

	reader := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Str("client", info.ClientAddr).Msg("failed to read proxy request")
			}
			conn.Close()
			return
		}

		info.Target = req.Host
		info.Route = filter.Classify(req.Method, req.Host, rt.domains)
		rt.stats.IncrementRoute(info.Route)

		log.Debug().
			Str("client", info.ClientAddr).
			Str("method", req.Method).
			Str("target", info.Target).
			Str("route", info.Route.String()).
			Msg("proxy request")

		switch info.Route {
		case filter.RouteIntercept:
			if _, err := io.WriteString(conn, connectEstablished); err != nil {
				conn.Close()
				return
			}
			go rt.intercept(&bufferedConn{Conn: conn, r: reader}, info, log)
			return

		case filter.RouteTunnel:
			rt.tunnel(&bufferedConn{Conn: conn, r: reader}, info, log)
			return

		default:
			keepAlive, err := rt.relayer.Forward(conn, req)
			if err != nil {
				if errors.Is(err, relay.ErrUpstream) {
					rt.stats.IncrementUpstreamFailures()
				}
				log.Debug().Err(err).Str("target", info.Target).Msg("forward failed")
			}
			if err != nil || !keepAlive {
				conn.Close()
				return
			}
		}
	}
}

// intercept terminates TLS on an acknowledged CONNECT and serves the
// decrypted requests. Failures stay local to the session.
func (rt *Router) intercept(conn net.Conn, info *ConnectionInfo, log *logging.Logger) {
	tlsConn := tls.Server(conn, rt.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		rt.stats.IncrementHandshakeFailures()
		log.Debug().Err(err).Str("target", info.Target).Msg("TLS handshake failed")
		return
	}
	// Sends close_notify before closing the stream
	defer tlsConn.Close()

	err := rt.relayer.ServeTerminated(tlsConn, func(req *http.Request) {
		url, ok := capture.Sniff(req)
		if !ok {
			return
		}
		rt.stats.IncrementCaptured()
		accepted := rt.captures.Offer(url)
		log.Info().
			Str("host", req.Host).
			Str("path", req.URL.Path).
			Bool("queued", accepted).
			Msg("gacha log URL captured")
	})
	if err != nil {
		if errors.Is(err, relay.ErrUpstream) {
			rt.stats.IncrementUpstreamFailures()
		}
		log.Debug().Err(err).Str("target", info.Target).Msg("intercepted session ended")
		return
	}

	log.Debug().
		Str("target", info.Target).
		Dur("duration", time.Since(info.StartTime)).
		Msg("intercepted session closed")
}

// tunnel dials the target before acknowledging the CONNECT and then splices
func (rt *Router) tunnel(conn net.Conn, info *ConnectionInfo, log *logging.Logger) {
	addr := info.Target
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "443")
	}

	remote, err := rt.relayer.Dial(context.Background(), addr)
	if err != nil {
		rt.stats.IncrementUpstreamFailures()
		log.Debug().Err(err).Str("target", addr).Msg("tunnel dial failed")
		relay.WriteStatus(conn, http.StatusBadGateway)
		conn.Close()
		return
	}

	if _, err := io.WriteString(conn, connectEstablished); err != nil {
		conn.Close()
		remote.Close()
		return
	}

	up, down := rt.relayer.Splice(conn, remote)
	rt.stats.AddBytesTransferred(up + down)

	log.Debug().
		Str("target", addr).
		Int64("up", up).
		Int64("down", down).
		Dur("duration", time.Since(info.StartTime)).
		Msg("tunnel closed")
}

// GetStats returns router statistics
func (rt *Router) GetStats() ProxyStatsSnapshot {
	return rt.stats.GetStats()
}
