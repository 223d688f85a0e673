package proxy

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/iamgaru/gachatap/internal/cert"
	"github.com/iamgaru/gachatap/internal/filter"
)

// ErrNoURLCaptured is returned when the wait for a URL ends without one
var ErrNoURLCaptured = errors.New("no URL captured")

// BindError reports a listener that could not be opened
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to listen on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// ListenInfo is reported once the proxy accepts connections
type ListenInfo struct {
	Addr      net.Addr
	Root      *cert.RootCertificate
	Domains   []string
	CertStats cert.CertStatsSnapshot
}

// ConnectionInfo contains metadata about a proxy connection
type ConnectionInfo struct {
	ID         string
	ClientAddr string
	Target     string
	Route      filter.Route
	StartTime  time.Time
}

// ProxyStats tracks proxy server statistics
type ProxyStats struct {
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	Intercepted       int64 `json:"intercepted"`
	Tunnelled         int64 `json:"tunnelled"`
	Forwarded         int64 `json:"forwarded"`
	HandshakeFailures int64 `json:"handshake_failures"`
	UpstreamFailures  int64 `json:"upstream_failures"`
	CapturedURLs      int64 `json:"captured_urls"`
	BytesTransferred  int64 `json:"bytes_transferred"`
	mutex             sync.RWMutex
}

// NewProxyStats creates a new ProxyStats instance
func NewProxyStats() *ProxyStats {
	return &ProxyStats{}
}

// IncrementActive safely increments total and active connections
func (ps *ProxyStats) IncrementActive() {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.TotalConnections++
	ps.ActiveConnections++
}

// DecrementActive safely decrements active connections
func (ps *ProxyStats) DecrementActive() {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.ActiveConnections--
}

// IncrementRoute safely counts a classified request
func (ps *ProxyStats) IncrementRoute(route filter.Route) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	switch route {
	case filter.RouteIntercept:
		ps.Intercepted++
	case filter.RouteTunnel:
		ps.Tunnelled++
	default:
		ps.Forwarded++
	}
}

// IncrementHandshakeFailures safely increments failed TLS terminations
func (ps *ProxyStats) IncrementHandshakeFailures() {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.HandshakeFailures++
}

// IncrementUpstreamFailures safely increments origin failures
func (ps *ProxyStats) IncrementUpstreamFailures() {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.UpstreamFailures++
}

// IncrementCaptured safely increments matched URLs
func (ps *ProxyStats) IncrementCaptured() {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.CapturedURLs++
}

// AddBytesTransferred safely adds to bytes transferred
func (ps *ProxyStats) AddBytesTransferred(bytes int64) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.BytesTransferred += bytes
}

// ProxyStatsSnapshot represents a snapshot of proxy statistics without mutex
type ProxyStatsSnapshot struct {
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	Intercepted       int64 `json:"intercepted"`
	Tunnelled         int64 `json:"tunnelled"`
	Forwarded         int64 `json:"forwarded"`
	HandshakeFailures int64 `json:"handshake_failures"`
	UpstreamFailures  int64 `json:"upstream_failures"`
	CapturedURLs      int64 `json:"captured_urls"`
	BytesTransferred  int64 `json:"bytes_transferred"`
}

// GetStats returns a copy of current statistics
func (ps *ProxyStats) GetStats() ProxyStatsSnapshot {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	return ProxyStatsSnapshot{
		TotalConnections:  ps.TotalConnections,
		ActiveConnections: ps.ActiveConnections,
		Intercepted:       ps.Intercepted,
		Tunnelled:         ps.Tunnelled,
		Forwarded:         ps.Forwarded,
		HandshakeFailures: ps.HandshakeFailures,
		UpstreamFailures:  ps.UpstreamFailures,
		CapturedURLs:      ps.CapturedURLs,
		BytesTransferred:  ps.BytesTransferred,
	}
}
