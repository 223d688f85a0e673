package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/iamgaru/gachatap/internal/logging"
	"github.com/iamgaru/gachatap/internal/pool"
)

// ErrUpstream marks a failure to reach or talk to the origin server
var ErrUpstream = errors.New("upstream request failed")

// ErrBadRequest marks a client request the relay cannot forward
var ErrBadRequest = errors.New("bad proxy request")

// DialFunc opens outbound connections
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configures the outbound side of a Relayer
type Options struct {
	DialTimeout         time.Duration
	UpstreamTimeout     time.Duration // zero disables the overall request timeout
	MaxIdleConnsPerHost int

	// DialContext replaces the default dialer for both tunnels and forwarded requests
	DialContext DialFunc
	// TLSClientConfig is used for https origins
	TLSClientConfig *tls.Config
}

// Relayer moves bytes and requests between proxy clients and origin servers.
// It is safe for concurrent use by any number of sessions.
type Relayer struct {
	client      *http.Client
	transport   *http.Transport
	dial        DialFunc
	dialTimeout time.Duration
	bufferPool  *pool.BufferPool
	log         *logging.Logger
	stats       *RelayStats
}

// NewRelayer creates a relayer with its own outbound HTTP client. The client
// never uses an environment proxy, never follows redirects, never decodes
// bodies, and only speaks HTTP/1.1.
func NewRelayer(opts Options, log *logging.Logger) *Relayer {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if log == nil {
		log = logging.NewNop()
	}

	dial := opts.DialContext
	if dial == nil {
		dialer := &net.Dialer{
			Timeout:   opts.DialTimeout,
			KeepAlive: 30 * time.Second,
		}
		dial = dialer.DialContext
	}

	tlsConfig := &tls.Config{}
	if opts.TLSClientConfig != nil {
		tlsConfig = opts.TLSClientConfig.Clone()
	}

	transport := &http.Transport{
		Proxy:               nil,
		DialContext:         dial,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
		ForceAttemptHTTP2:   false,
		// Non-nil empty map disables HTTP/2
		TLSNextProto: make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   opts.UpstreamTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &Relayer{
		client:      client,
		transport:   transport,
		dial:        dial,
		dialTimeout: opts.DialTimeout,
		bufferPool:  pool.NewBufferPool(pool.CopyBufferSize),
		log:         log,
		stats:       NewRelayStats(),
	}
}

// Client returns the shared outbound HTTP client
func (r *Relayer) Client() *http.Client {
	return r.client
}

// Close releases idle outbound connections
func (r *Relayer) Close() {
	r.transport.CloseIdleConnections()
}

// Dial opens a raw connection to addr for a tunnel
func (r *Relayer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, r.dialTimeout)
	defer cancel()

	conn, err := r.dial(ctx, "tcp", addr)
	if err != nil {
		r.stats.IncrementUpstreamErrors()
		return nil, fmt.Errorf("%w: dial %s: %w", ErrUpstream, addr, err)
	}
	return conn, nil
}

// Splice copies bytes both ways until either direction ends, then closes
// both connections. It returns the bytes sent client to remote (up) and
// remote to client (down).
func (r *Relayer) Splice(client, remote net.Conn) (up, down int64) {
	r.stats.IncrementTunnels()

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			client.Close()
			remote.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Client to remote
	go func() {
		defer wg.Done()
		written, err := r.copyWithBuffer(remote, client)
		if err != nil {
			r.log.Debug().Err(err).Msg("client->remote copy ended")
		}
		up = written
		closeBoth()
	}()

	// Remote to client
	go func() {
		defer wg.Done()
		written, err := r.copyWithBuffer(client, remote)
		if err != nil {
			r.log.Debug().Err(err).Msg("remote->client copy ended")
		}
		down = written
		closeBoth()
	}()

	wg.Wait()
	r.stats.AddBytes(up, down)
	return up, down
}

// copyWithBuffer copies src to dst through a pooled buffer. The loop is
// written out so the buffer is always used, unlike io.CopyBuffer which
// hands TCP connections to ReadFrom.
func (r *Relayer) copyWithBuffer(dst io.Writer, src io.Reader) (int64, error) {
	buf := r.bufferPool.Get()
	defer r.bufferPool.Put(buf)

	var written int64
	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if ew != nil {
				return written, ew
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if er != nil {
			if er != io.EOF {
				return written, er
			}
			break
		}
	}
	return written, nil
}

// Forward sends an absolute-URI request to its origin and writes the
// response to w unchanged. On upstream failure a 502 is written instead.
// keepAlive reports whether w may carry another request.
func (r *Relayer) Forward(w io.Writer, req *http.Request) (keepAlive bool, err error) {
	if req.URL == nil || !req.URL.IsAbs() || req.URL.Host == "" {
		WriteStatus(w, http.StatusBadRequest)
		return false, fmt.Errorf("%w: request target %q is not an absolute URL", ErrBadRequest, req.RequestURI)
	}

	// Server-side requests carry RequestURI, which the client refuses
	req.RequestURI = ""

	r.stats.IncrementForwarded()
	resp, err := r.client.Do(req)
	if err != nil {
		r.stats.IncrementUpstreamErrors()
		WriteStatus(w, http.StatusBadGateway)
		return false, fmt.Errorf("%w: %s %s: %w", ErrUpstream, req.Method, req.URL.Host, err)
	}
	defer resp.Body.Close()

	if err := resp.Write(w); err != nil {
		return false, fmt.Errorf("failed to write response to client: %w", err)
	}

	// A body delimited by connection close ends the client connection too
	delimitedByClose := resp.ContentLength < 0 && len(resp.TransferEncoding) == 0 &&
		req.Method != http.MethodHead && resp.StatusCode != http.StatusNoContent &&
		resp.StatusCode != http.StatusNotModified

	keepAlive = !req.Close && !resp.Close && req.ProtoAtLeast(1, 1) && !delimitedByClose
	return keepAlive, nil
}

// ServeTerminated serves plaintext HTTP/1.1 requests read from a terminated
// TLS session. Each request is rewritten to https://<Host><path?query>,
// passed to observe, then forwarded. It returns nil when the client closes.
func (r *Relayer) ServeTerminated(conn net.Conn, observe func(*http.Request)) error {
	reader := bufio.NewReader(conn)

	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if isClosedConn(err) {
				return nil
			}
			return fmt.Errorf("failed to read request: %w", err)
		}
		r.stats.IncrementInnerRequests()

		if req.Host == "" {
			WriteStatus(conn, http.StatusBadRequest)
			return fmt.Errorf("%w: missing Host header", ErrBadRequest)
		}

		req.URL.Scheme = "https"
		req.URL.Host = req.Host

		if observe != nil {
			observe(req)
		}

		keepAlive, err := r.Forward(conn, req)
		if err != nil {
			return err
		}
		if !keepAlive {
			return nil
		}
	}
}

func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// WriteStatus writes a bodiless response that closes the connection
func WriteStatus(w io.Writer, code int) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", code, http.StatusText(code))
}

// GetStats returns relay statistics
func (r *Relayer) GetStats() RelayStatsSnapshot {
	return r.stats.GetStats()
}

// RelayStats tracks relay statistics
type RelayStats struct {
	Tunnels        int64
	Forwarded      int64
	InnerRequests  int64
	UpstreamErrors int64
	BytesUp        int64
	BytesDown      int64
	mutex          sync.RWMutex
}

// NewRelayStats creates new relay statistics
func NewRelayStats() *RelayStats {
	return &RelayStats{}
}

// IncrementTunnels increments spliced tunnel count
func (rs *RelayStats) IncrementTunnels() {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	rs.Tunnels++
}

// IncrementForwarded increments forwarded request count
func (rs *RelayStats) IncrementForwarded() {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	rs.Forwarded++
}

// IncrementInnerRequests increments decrypted request count
func (rs *RelayStats) IncrementInnerRequests() {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	rs.InnerRequests++
}

// IncrementUpstreamErrors increments upstream failure count
func (rs *RelayStats) IncrementUpstreamErrors() {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	rs.UpstreamErrors++
}

// AddBytes adds spliced byte counts
func (rs *RelayStats) AddBytes(up, down int64) {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	rs.BytesUp += up
	rs.BytesDown += down
}

// RelayStatsSnapshot represents a snapshot of relay statistics without mutex
type RelayStatsSnapshot struct {
	Tunnels        int64
	Forwarded      int64
	InnerRequests  int64
	UpstreamErrors int64
	BytesUp        int64
	BytesDown      int64
}

// GetStats returns a copy of current statistics
func (rs *RelayStats) GetStats() RelayStatsSnapshot {
	rs.mutex.RLock()
	defer rs.mutex.RUnlock()
	return RelayStatsSnapshot{
		Tunnels:        rs.Tunnels,
		Forwarded:      rs.Forwarded,
		InnerRequests:  rs.InnerRequests,
		UpstreamErrors: rs.UpstreamErrors,
		BytesUp:        rs.BytesUp,
		BytesDown:      rs.BytesDown,
	}
}
