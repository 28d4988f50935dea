package security

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/leifj/signedxml/xmlenc"
)

// rsaKeyTransport carries the AES content key encrypted with RSA-OAEP, for
// peers whose encryption certificate holds an RSA key.
type rsaKeyTransport struct {
	pub  *rsa.PublicKey
	priv *rsa.PrivateKey
}

// WrapKey implements xmlenc.KeyWrapper. The wrap algorithm suggested for
// key agreement is ignored.
func (t *rsaKeyTransport) WrapKey(cek []byte, _ string) (*xmlenc.EncryptedKey, error) {
	if t.pub == nil {
		return nil, fmt.Errorf("recipient public key not set")
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, t.pub, cek, nil)
	if err != nil {
		return nil, fmt.Errorf("RSA-OAEP encryption failed: %w", err)
	}
	return &xmlenc.EncryptedKey{EncryptedType: xmlenc.EncryptedType{
		EncryptionMethod: &xmlenc.EncryptionMethod{
			Algorithm:    xmlenc.AlgorithmRSAOAEP11,
			DigestMethod: xmlenc.AlgorithmSHA256,
			MGFAlgorithm: xmlenc.AlgorithmMGF1SHA256,
		},
		CipherData: &xmlenc.CipherData{CipherValue: wrapped},
	}}, nil
}

// UnwrapKey implements xmlenc.KeyUnwrapper.
func (t *rsaKeyTransport) UnwrapKey(ek *xmlenc.EncryptedKey) ([]byte, error) {
	if t.priv == nil {
		return nil, fmt.Errorf("%w: private key not set", ErrNoKey)
	}
	if ek.CipherData == nil || len(ek.CipherData.CipherValue) == 0 {
		return nil, fmt.Errorf("EncryptedKey has no cipher value")
	}
	opts, err := oaepOptions(ek.EncryptionMethod)
	if err != nil {
		return nil, err
	}
	cek, err := t.priv.Decrypt(rand.Reader, ek.CipherData.CipherValue, opts)
	if err != nil {
		return nil, fmt.Errorf("RSA-OAEP decryption failed: %w", err)
	}
	return cek, nil
}

// oaepOptions maps the EncryptedKey method to OAEP hashes. Absent digest
// and mask generation methods default to SHA-1, and rsa-oaep-mgf1p always
// masks with SHA-1.
func oaepOptions(em *xmlenc.EncryptionMethod) (*rsa.OAEPOptions, error) {
	if em == nil {
		return nil, fmt.Errorf("%w: EncryptedKey without EncryptionMethod", ErrUnsupportedAlgorithm)
	}
	opts := &rsa.OAEPOptions{Hash: crypto.SHA1, MGFHash: crypto.SHA1}
	switch em.DigestMethod {
	case "", xmlenc.AlgorithmSHA1:
	case xmlenc.AlgorithmSHA256:
		opts.Hash = crypto.SHA256
	case xmlenc.AlgorithmSHA512:
		opts.Hash = crypto.SHA512
	default:
		return nil, fmt.Errorf("%w: OAEP digest %s", ErrUnsupportedAlgorithm, em.DigestMethod)
	}

	switch em.Algorithm {
	case xmlenc.AlgorithmRSAOAEP:
	case xmlenc.AlgorithmRSAOAEP11:
		switch em.MGFAlgorithm {
		case "", xmlenc.AlgorithmMGF1SHA1:
		case xmlenc.AlgorithmMGF1SHA256:
			opts.MGFHash = crypto.SHA256
		case xmlenc.AlgorithmMGF1SHA512:
			opts.MGFHash = crypto.SHA512
		default:
			return nil, fmt.Errorf("%w: OAEP mask %s", ErrUnsupportedAlgorithm, em.MGFAlgorithm)
		}
	default:
		return nil, fmt.Errorf("%w: key transport %s", ErrUnsupportedAlgorithm, em.Algorithm)
	}
	return opts, nil
}
