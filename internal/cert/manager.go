package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/iamgaru/gachatap/internal/logging"
)

// Authority loads or creates the root certificate and signs leaf certificates with it
type Authority struct {
	config CertConfig
	log    *logging.Logger
	stats  *CertStats
}

// NewAuthority creates a certificate authority. Zero config values fall back to defaults.
func NewAuthority(config *CertConfig, log *logging.Logger) *Authority {
	cfg := CertConfig{}
	if config != nil {
		cfg = *config
	}

	// Set defaults
	if cfg.CertDir == "" {
		cfg.CertDir = "."
	}
	if cfg.CAFile == "" {
		cfg.CAFile = "ca.cer"
	}
	if cfg.CAKeyFile == "" {
		cfg.CAKeyFile = "ca.key"
	}
	if cfg.KeySize == 0 {
		cfg.KeySize = 2048
	}
	if cfg.RootValidDays == 0 {
		cfg.RootValidDays = 3650
	}
	if cfg.LeafValidDays == 0 {
		cfg.LeafValidDays = 365
	}
	if cfg.CommonName == "" {
		cfg.CommonName = RootCommonName
	}

	if log == nil {
		log = logging.NewNop()
	}

	return &Authority{
		config: cfg,
		log:    log,
		stats:  NewCertStats(),
	}
}

// Paths returns the certificate and key artifact locations
func (a *Authority) Paths() (certPath, keyPath string) {
	return a.resolve(a.config.CAFile), a.resolve(a.config.CAKeyFile)
}

func (a *Authority) resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(a.config.CertDir, name)
}

// LoadOrCreate returns the persisted root when both artifacts exist, and
// otherwise generates a new root and writes both artifacts.
//
// The two files are written one after the other with no transaction across
// them; a crash in between leaves an orphaned certificate for the next run.
func (a *Authority) LoadOrCreate() (*RootCertificate, error) {
	startTime := time.Now()
	certPath, keyPath := a.Paths()

	certData, certErr := readArtifact(certPath)
	if certErr != nil {
		return nil, certErr
	}
	keyData, keyErr := readArtifact(keyPath)
	if keyErr != nil {
		return nil, keyErr
	}

	if certData != nil && keyData != nil {
		root, err := parseRoot(certPath, certData, keyPath, keyData)
		if err != nil {
			return nil, err
		}
		a.stats.recordRoot(false, time.Since(startTime))
		a.log.Info().
			Str("cert", certPath).
			Str("subject", root.Cert.Subject.CommonName).
			Time("not_after", root.Cert.NotAfter).
			Msg("loaded root certificate")
		return root, nil
	}

	// A lone artifact is overwritten below, but only once it is known to be
	// well formed. A corrupt one is reported instead.
	if certData != nil {
		if _, err := x509.ParseCertificate(certData); err != nil {
			return nil, &ConfigError{Path: certPath, Err: err}
		}
		a.log.Warn().Str("cert", certPath).Msg("root key missing, regenerating both artifacts")
	}
	if keyData != nil {
		if _, err := parsePrivateKey(keyData); err != nil {
			return nil, &ConfigError{Path: keyPath, Err: err}
		}
		a.log.Warn().Str("key", keyPath).Msg("root certificate missing, regenerating both artifacts")
	}

	root, err := a.generateRoot(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	a.stats.recordRoot(true, time.Since(startTime))
	a.log.Info().
		Str("cert", certPath).
		Str("key", keyPath).
		Str("subject", root.Cert.Subject.CommonName).
		Msg("generated root certificate")

	return root, nil
}

// readArtifact returns nil data for a missing file
func readArtifact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return data, nil
}

func parseRoot(certPath string, certDER []byte, keyPath string, keyDER []byte) (*RootCertificate, error) {
	caCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, &ConfigError{Path: certPath, Err: err}
	}
	if !caCert.IsCA {
		return nil, &ConfigError{Path: certPath, Err: errors.New("certificate is not a certificate authority")}
	}

	caKey, err := parsePrivateKey(keyDER)
	if err != nil {
		return nil, &ConfigError{Path: keyPath, Err: err}
	}

	return &RootCertificate{
		Cert:     caCert,
		Key:      caKey,
		CertDER:  certDER,
		KeyDER:   keyDER,
		CertPath: certPath,
		KeyPath:  keyPath,
	}, nil
}

// parsePrivateKey accepts PKCS#8, PKCS#1, and SEC1 DER encodings
func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("failed to parse private key as PKCS#8, PKCS#1 or SEC1")
}

func (a *Authority) generateRoot(certPath, keyPath string) (*RootCertificate, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, a.config.KeySize)
	if err != nil {
		return nil, &CryptoError{Op: "root key generation", Err: err}
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, &CryptoError{Op: "root serial generation", Err: err}
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: a.config.CommonName,
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(time.Duration(a.config.RootValidDays) * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, &CryptoError{Op: "root signing", Err: err}
	}

	caCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, &CryptoError{Op: "root signing", Err: err}
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, &CryptoError{Op: "root key encoding", Err: err}
	}

	// Filesystem failures are configuration problems, not crypto ones
	if err := os.MkdirAll(a.config.CertDir, 0755); err != nil {
		return nil, &ConfigError{Path: a.config.CertDir, Err: fmt.Errorf("failed to create cert directory: %w", err)}
	}
	if err := writeSynced(certPath, certDER, 0644); err != nil {
		return nil, &ConfigError{Path: certPath, Err: err}
	}
	if err := writeSynced(keyPath, keyDER, 0600); err != nil {
		return nil, &ConfigError{Path: keyPath, Err: err}
	}

	return &RootCertificate{
		Cert:      caCert,
		Key:       privateKey,
		CertDER:   certDER,
		KeyDER:    keyDER,
		CertPath:  certPath,
		KeyPath:   keyPath,
		Generated: true,
	}, nil
}

func writeSynced(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return f.Close()
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

// IssueLeaf signs a fresh certificate covering exactly the given domains.
// The leaf is never written to disk.
func (a *Authority) IssueLeaf(root *RootCertificate, domains []string) (*LeafCertificate, error) {
	startTime := time.Now()

	if root == nil || root.Cert == nil || root.Key == nil {
		return nil, &CryptoError{Op: "leaf signing", Err: errors.New("no root certificate")}
	}
	if len(domains) == 0 {
		return nil, &CryptoError{Op: "leaf signing", Err: errors.New("no domains")}
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, &CryptoError{Op: "leaf key generation", Err: err}
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, &CryptoError{Op: "leaf serial generation", Err: err}
	}

	now := time.Now()
	notAfter := now.Add(time.Duration(a.config.LeafValidDays) * 24 * time.Hour)
	if notAfter.After(root.Cert.NotAfter) {
		notAfter = root.Cert.NotAfter
	}

	names := make([]string, len(domains))
	copy(names, domains)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: names[0],
		},
		DNSNames:              names,
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, root.Cert, &privateKey.PublicKey, root.Key)
	if err != nil {
		return nil, &CryptoError{Op: "leaf signing", Err: err}
	}

	leafCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, &CryptoError{Op: "leaf signing", Err: err}
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, &CryptoError{Op: "leaf key encoding", Err: err}
	}

	a.stats.recordLeaf(time.Since(startTime))
	a.log.Debug().
		Strs("sans", leafCert.DNSNames).
		Str("issuer", leafCert.Issuer.CommonName).
		Time("not_after", leafCert.NotAfter).
		Msg("issued leaf certificate")

	return &LeafCertificate{
		Cert:    leafCert,
		Key:     privateKey,
		CertDER: certDER,
		KeyDER:  keyDER,
		Domains: names,
	}, nil
}

// GetStats returns certificate authority statistics
func (a *Authority) GetStats() CertStatsSnapshot {
	return a.stats.GetStats()
}
