package security

import (
	"context"
	"crypto"
	"crypto/ecdh"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/as4-engine/pkg/attachment"
)

var (
	// ErrNoSignature is returned by Verify when the envelope is unsigned
	ErrNoSignature = errors.New("no signature present")
	// ErrVerification is returned when a signature or digest does not match
	ErrVerification = errors.New("signature verification failed")
	// ErrDecryption is returned when encrypted content cannot be recovered
	ErrDecryption = errors.New("decryption failed")
	// ErrUnsupportedAlgorithm is returned for algorithms the engine lacks
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	// ErrNoKey is returned when the key material for an operation is missing
	ErrNoKey = errors.New("key not available")
)

// Engine performs the XML security operations on an envelope. Implementations
// never modify their inputs.
type Engine interface {
	// Sign adds a WS-Security signature over the header, body and attachments.
	Sign(ctx context.Context, doc *etree.Document, params SigningParams, atts attachment.List) (*etree.Document, error)
	// Verify checks the signature and returns the signing certificate.
	Verify(ctx context.Context, doc *etree.Document, atts attachment.List) (*x509.Certificate, error)
	// Encrypt encrypts the attachments for the target selected by params.
	Encrypt(ctx context.Context, doc *etree.Document, params CryptParams, atts attachment.List) (*etree.Document, attachment.List, error)
	// Decrypt recovers encrypted attachments. Unencrypted input is returned as is.
	Decrypt(ctx context.Context, doc *etree.Document, atts attachment.List) (*etree.Document, attachment.List, error)
}

// KeyStore supplies key material to an engine.
type KeyStore interface {
	// SigningKey returns the local signing key and its certificate.
	SigningKey() (crypto.Signer, *x509.Certificate, error)
	// DecryptionKey returns the local X25519 key agreement key.
	DecryptionKey() (*ecdh.PrivateKey, error)
	// Certificate returns the certificate stored under alias.
	Certificate(alias string) (*x509.Certificate, error)
}

// StaticKeys is a KeyStore over fixed in-memory keys.
type StaticKeys struct {
	Signer      crypto.Signer
	SignerCert  *x509.Certificate
	Decrypter   *ecdh.PrivateKey
	AliasedCert map[string]*x509.Certificate
}

func (k *StaticKeys) SigningKey() (crypto.Signer, *x509.Certificate, error) {
	if k.Signer == nil || k.SignerCert == nil {
		return nil, nil, fmt.Errorf("%w: signing key", ErrNoKey)
	}
	return k.Signer, k.SignerCert, nil
}

func (k *StaticKeys) DecryptionKey() (*ecdh.PrivateKey, error) {
	if k.Decrypter == nil {
		return nil, fmt.Errorf("%w: decryption key", ErrNoKey)
	}
	return k.Decrypter, nil
}

func (k *StaticKeys) Certificate(alias string) (*x509.Certificate, error) {
	cert, ok := k.AliasedCert[alias]
	if !ok {
		return nil, fmt.Errorf("%w: alias %q", ErrNoKey, alias)
	}
	return cert, nil
}

// IsSigned reports whether the envelope carries an XML signature.
func IsSigned(doc *etree.Document) bool {
	return doc != nil && doc.FindElement("//*[local-name()='Security']/*[local-name()='Signature']") != nil
}

// IsEncrypted reports whether the envelope references encrypted content.
func IsEncrypted(doc *etree.Document) bool {
	return doc != nil && doc.FindElement("//*[local-name()='Security']/*[local-name()='ReferenceList']") != nil
}
