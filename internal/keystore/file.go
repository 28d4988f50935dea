package keystore

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/pkcs12"

	"github.com/sirosfoundation/as4-engine/pkg/pmode"
)

const x25519Suffix = ".x25519"

// Config locates a keystore
type Config struct {
	// Dir is the keystore directory
	Dir string
	// Alias names the local key
	Alias string
	// Password decrypts encrypted PEM keys and PKCS#12 bundles
	Password string
	Logger   *slog.Logger
}

// FileStore is a keystore directory on disk. The local keys are loaded on
// Open; partner certificates are read on first use and cached.
type FileStore struct {
	dir      string
	alias    string
	password string
	logger   *slog.Logger

	signer     crypto.Signer
	signerCert *x509.Certificate
	decrypter  *ecdh.PrivateKey

	mu    sync.RWMutex
	certs map[string]*x509.Certificate
}

// Open loads the local keys of cfg.Alias from cfg.Dir. The signing key is
// required; the X25519 key is optional since not every profile encrypts.
func Open(cfg Config) (*FileStore, error) {
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("checking key directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("key directory is not a directory: %s", cfg.Dir)
	}
	if cfg.Alias == "" {
		return nil, errors.New("keystore alias is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &FileStore{
		dir:      cfg.Dir,
		alias:    cfg.Alias,
		password: cfg.Password,
		logger:   cfg.Logger.With(slog.String("component", "keystore")),
		certs:    make(map[string]*x509.Certificate),
	}
	if err := s.loadSigner(); err != nil {
		return nil, err
	}
	if err := s.loadDecrypter(); err != nil {
		return nil, err
	}
	s.logger.Info("keystore opened",
		slog.String("dir", cfg.Dir),
		slog.String("alias", cfg.Alias),
		slog.String("algorithm", keyAlgorithmName(s.signerCert.PublicKey)),
		slog.Time("not_after", s.signerCert.NotAfter),
		slog.Bool("key_agreement", s.decrypter != nil))
	return s, nil
}

// SigningKey implements security.KeyStore
func (s *FileStore) SigningKey() (crypto.Signer, *x509.Certificate, error) {
	return s.signer, s.signerCert, nil
}

// DecryptionKey implements security.KeyStore
func (s *FileStore) DecryptionKey() (*ecdh.PrivateKey, error) {
	if s.decrypter == nil {
		return nil, fmt.Errorf("%w: %s%s.key", ErrKeyNotFound, s.alias, x25519Suffix)
	}
	return s.decrypter, nil
}

// Certificate implements security.KeyStore. An alias with a key agreement
// certificate resolves to it, since certificates are looked up as
// encryption targets.
func (s *FileStore) Certificate(alias string) (*x509.Certificate, error) {
	if alias == "" || strings.ContainsAny(alias, `/\`) {
		return nil, fmt.Errorf("%w: invalid alias %q", ErrKeyNotFound, alias)
	}

	s.mu.RLock()
	cert, ok := s.certs[alias]
	s.mu.RUnlock()
	if ok {
		return cert, nil
	}

	cert, err := loadCertificate(filepath.Join(s.dir, alias+x25519Suffix+".crt"))
	if errors.Is(err, os.ErrNotExist) {
		cert, err = loadCertificate(filepath.Join(s.dir, alias+".crt"))
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: alias %q", ErrKeyNotFound, alias)
		}
		return nil, fmt.Errorf("loading certificate %q: %w", alias, err)
	}

	s.mu.Lock()
	s.certs[alias] = cert
	s.mu.Unlock()
	return cert, nil
}

// SignatureAlgorithm returns the XML signature method matching the local
// signing key.
func (s *FileStore) SignatureAlgorithm() pmode.SignatureAlgorithm {
	return determineAlgorithmFromKey(s.signer)
}

// List describes every certificate in the keystore
func (s *FileStore) List() ([]KeyInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading key directory: %w", err)
	}

	var keys []KeyInfo
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".crt" {
			continue
		}
		alias := strings.TrimSuffix(entry.Name(), ".crt")
		cert, err := loadCertificate(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable certificate", slog.String("file", entry.Name()), slog.String("error", err.Error()))
			continue
		}
		keys = append(keys, KeyInfo{
			Alias:              alias,
			Algorithm:          keyAlgorithmName(cert.PublicKey),
			KeySize:            keySize(cert.PublicKey),
			NotBefore:          cert.NotBefore,
			NotAfter:           cert.NotAfter,
			CertificateSubject: cert.Subject.String(),
			HasPrivateKey:      alias == s.alias || alias == s.alias+x25519Suffix,
		})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Alias < keys[j].Alias })
	return keys, nil
}

func (s *FileStore) loadSigner() error {
	p12Path := filepath.Join(s.dir, s.alias+".p12")
	if data, err := os.ReadFile(p12Path); err == nil {
		key, cert, err := pkcs12.Decode(data, s.password)
		if err != nil {
			return fmt.Errorf("decoding %s: %w", p12Path, err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return fmt.Errorf("key in %s is not a signer", p12Path)
		}
		s.signer, s.signerCert = signer, cert
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", p12Path, err)
	}

	keyPath := filepath.Join(s.dir, s.alias+".key")
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, keyPath)
		}
		return fmt.Errorf("reading key file: %w", err)
	}
	key, err := parsePrivateKey(keyPEM, s.password)
	if err != nil {
		return fmt.Errorf("parsing private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return fmt.Errorf("key in %s is not a signer", keyPath)
	}

	cert, err := loadCertificate(filepath.Join(s.dir, s.alias+".crt"))
	if err != nil {
		return fmt.Errorf("loading certificate: %w", err)
	}
	s.signer, s.signerCert = signer, cert
	return nil
}

func (s *FileStore) loadDecrypter() error {
	keyPath := filepath.Join(s.dir, s.alias+x25519Suffix+".key")
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading key file: %w", err)
	}
	key, err := parsePrivateKey(keyPEM, s.password)
	if err != nil {
		return fmt.Errorf("parsing key agreement key: %w", err)
	}
	ecdhKey, ok := key.(*ecdh.PrivateKey)
	if !ok || ecdhKey.Curve() != ecdh.X25519() {
		return fmt.Errorf("%s is not an X25519 key", keyPath)
	}
	s.decrypter = ecdhKey
	return nil
}

// LoadTrustPool reads a PEM bundle of trusted root certificates
func LoadTrustPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading truststore: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates in truststore %s", path)
	}
	return pool, nil
}

func parsePrivateKey(pemData []byte, password string) (any, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	der := block.Bytes
	//nolint:staticcheck // legacy encrypted PEM is what keystore tooling emits
	if x509.IsEncryptedPEMBlock(block) {
		if password == "" {
			return nil, fmt.Errorf("%w: key is encrypted", ErrBadPassword)
		}
		var err error
		//nolint:staticcheck
		der, err = x509.DecryptPEMBlock(block, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPassword, err)
		}
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(der)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(der)
	case "PRIVATE KEY":
		return x509.ParsePKCS8PrivateKey(der)
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

func loadCertificate(path string) (*x509.Certificate, error) {
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	return x509.ParseCertificate(block.Bytes)
}

func determineAlgorithmFromKey(key crypto.Signer) pmode.SignatureAlgorithm {
	switch key.(type) {
	case ed25519.PrivateKey:
		return pmode.AlgoEd25519
	case *ecdsa.PrivateKey:
		return pmode.AlgoECDSASHA256
	default:
		return pmode.AlgoRSASHA256
	}
}

func keyAlgorithmName(pub crypto.PublicKey) string {
	switch pub.(type) {
	case ed25519.PublicKey:
		return "Ed25519"
	case *ecdh.PublicKey:
		return "X25519"
	case *ecdsa.PublicKey:
		return "EC"
	case *rsa.PublicKey:
		return "RSA"
	default:
		return "Unknown"
	}
}

func keySize(pub crypto.PublicKey) int {
	switch k := pub.(type) {
	case ed25519.PublicKey, *ecdh.PublicKey:
		return 256
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize
	case *rsa.PublicKey:
		return k.N.BitLen()
	default:
		return 0
	}
}
