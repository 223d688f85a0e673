package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"time"
)

// RootCommonName is the subject of every generated root
const RootCommonName = "DO_NOT_TRUST GachaTap CA"

// RootCertificate is the self-signed CA used to sign leaf certificates.
// CertDER and KeyDER hold exactly the bytes found on (or written to) disk.
type RootCertificate struct {
	Cert      *x509.Certificate
	Key       crypto.Signer
	CertDER   []byte
	KeyDER    []byte
	CertPath  string
	KeyPath   string
	Generated bool // true when this run created the artifacts
}

// LeafCertificate is the per-run certificate served to intercepted clients
type LeafCertificate struct {
	Cert    *x509.Certificate
	Key     *ecdsa.PrivateKey
	CertDER []byte
	KeyDER  []byte
	Domains []string
}

// TLSCertificate returns the leaf as a certificate a tls.Config can serve.
// Only the leaf is sent; clients are expected to trust the root directly.
func (l *LeafCertificate) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{l.CertDER},
		PrivateKey:  l.Key,
		Leaf:        l.Cert,
	}
}

// CertConfig holds certificate authority configuration
type CertConfig struct {
	CertDir       string `json:"cert_dir"`
	CAFile        string `json:"ca_file"`
	CAKeyFile     string `json:"ca_key_file"`
	KeySize       int    `json:"key_size"`
	RootValidDays int    `json:"root_valid_days"`
	LeafValidDays int    `json:"leaf_valid_days"`
	CommonName    string `json:"common_name"`
}

// ConfigError reports a root artifact that cannot be read, parsed, or written
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid certificate artifact %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// CryptoError reports a key generation or signing failure
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("certificate %s failed: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// CertStats tracks certificate authority statistics
type CertStats struct {
	RootsLoaded    int64 `json:"roots_loaded"`
	RootsGenerated int64 `json:"roots_generated"`
	LeavesIssued   int64 `json:"leaves_issued"`
	CALoadTime     int64 `json:"ca_load_time_ms"`
	LeafGenTime    int64 `json:"leaf_generation_time_ms"`
	mutex          sync.RWMutex
}

// CertStatsSnapshot represents a snapshot of certificate statistics without mutex
type CertStatsSnapshot struct {
	RootsLoaded    int64 `json:"roots_loaded"`
	RootsGenerated int64 `json:"roots_generated"`
	LeavesIssued   int64 `json:"leaves_issued"`
	CALoadTime     int64 `json:"ca_load_time_ms"`
	LeafGenTime    int64 `json:"leaf_generation_time_ms"`
}

// NewCertStats creates a new certificate statistics tracker
func NewCertStats() *CertStats {
	return &CertStats{}
}

func (cs *CertStats) recordRoot(generated bool, elapsed time.Duration) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	if generated {
		cs.RootsGenerated++
	} else {
		cs.RootsLoaded++
	}
	cs.CALoadTime = elapsed.Milliseconds()
}

func (cs *CertStats) recordLeaf(elapsed time.Duration) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	cs.LeavesIssued++
	cs.LeafGenTime = elapsed.Milliseconds()
}

// GetStats returns a copy of current statistics
func (cs *CertStats) GetStats() CertStatsSnapshot {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()
	return CertStatsSnapshot{
		RootsLoaded:    cs.RootsLoaded,
		RootsGenerated: cs.RootsGenerated,
		LeavesIssued:   cs.LeavesIssued,
		CALoadTime:     cs.CALoadTime,
		LeafGenTime:    cs.LeafGenTime,
	}
}
