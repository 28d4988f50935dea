// Package keystore provides the key material of the AS4 engine.
//
// A keystore is a directory of PEM or PKCS#12 files addressed by alias.
// The configured local alias supplies the signing key and the X25519 key
// agreement key; any other alias names a partner certificate used as an
// encryption target. FileStore implements security.KeyStore.
//
// Files for alias A:
//
//	A.key, A.crt    signing key and certificate (PEM)
//	A.p12           signing key and certificate as PKCS#12, instead of the pair above
//	A.x25519.key    X25519 key agreement key (PKCS#8 PEM)
//	A.x25519.crt    certificate of the key agreement key
//
// PEM private keys may be encrypted with the keystore password.
package keystore

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrBadPassword = errors.New("keystore password does not decrypt key")
)

// KeyInfo describes a certificate held in the keystore
type KeyInfo struct {
	// Alias is the file name stem
	Alias string

	// Algorithm is the key algorithm (e.g., "RSA", "EC", "Ed25519", "X25519")
	Algorithm string

	// KeySize is the key size in bits (e.g., 2048 for RSA, 256 for P-256)
	KeySize int

	// NotBefore is when the certificate becomes valid
	NotBefore time.Time

	// NotAfter is when the certificate expires
	NotAfter time.Time

	// CertificateSubject is the subject DN of the certificate
	CertificateSubject string

	// HasPrivateKey is set for the local alias
	HasPrivateKey bool
}
