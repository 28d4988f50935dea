package security

import (
	"crypto/x509"
	"fmt"
	"log/slog"

	"github.com/sirosfoundation/as4-engine/pkg/pmode"
)

// SigningParams is the signing decision for one leg.
type SigningParams struct {
	Algorithm       pmode.SignatureAlgorithm
	DigestAlgorithm pmode.HashAlgorithm
}

// IsSigningEnabled reports whether both algorithms are set.
func (p SigningParams) IsSigningEnabled() bool {
	return p.Algorithm != "" && p.DigestAlgorithm != ""
}

// CryptParams is the encryption decision for one leg.
type CryptParams struct {
	Algorithm       pmode.DataEncryptionAlgorithm
	MinimumStrength int
	// Certificate of the encryption target. Takes precedence over Alias.
	Certificate *x509.Certificate
	// Alias names the target in the keystore.
	Alias string
}

// IsCryptEnabled reports whether an algorithm and a target are set.
func (p CryptParams) IsCryptEnabled() bool {
	return p.Algorithm != "" && (p.Certificate != nil || p.Alias != "")
}

// UsesCertificate reports whether the certificate selects the target.
func (p CryptParams) UsesCertificate() bool {
	return p.Certificate != nil
}

// Resolver derives security parameters from a PMode leg.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a Resolver. A nil logger uses slog.Default.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger.With(slog.String("component", "security-params"))}
}

// Resolve derives the signing and encryption decision for sec. A nil sec
// disables both. The only error is an undecodable encryption certificate.
func (r *Resolver) Resolve(sec *pmode.LegSecurity) (SigningParams, CryptParams, error) {
	if sec == nil {
		return SigningParams{}, CryptParams{}, nil
	}

	sign := SigningParams{
		Algorithm:       sec.SignAlgorithm,
		DigestAlgorithm: sec.SignDigestAlgorithm,
	}
	if (sign.Algorithm == "") != (sign.DigestAlgorithm == "") {
		r.logger.Warn("signing disabled: signature and digest algorithm must both be set",
			slog.String("algorithm", string(sign.Algorithm)),
			slog.String("digest", string(sign.DigestAlgorithm)))
	}

	crypt := CryptParams{
		Algorithm:       sec.EncryptAlgorithm,
		MinimumStrength: sec.EncryptMinimumStrength,
		Alias:           sec.EncryptAlias,
	}
	if len(sec.EncryptCertificate) > 0 {
		cert, err := x509.ParseCertificate(sec.EncryptCertificate)
		if err != nil {
			return sign, crypt, fmt.Errorf("parsing encryption certificate: %w", err)
		}
		crypt.Certificate = cert
	}
	if crypt.Algorithm != "" && !crypt.IsCryptEnabled() {
		r.logger.Warn("encryption disabled: algorithm set but no certificate or alias available",
			slog.String("algorithm", string(crypt.Algorithm)))
	}

	return sign, crypt, nil
}
