// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package security decides how a message leg is signed and encrypted and
delegates the cryptography to an XML security engine.

# Parameter resolution

Resolver derives a SigningParams and CryptParams pair from the security
section of a PMode leg:

	sign, crypt, err := security.NewResolver(logger).Resolve(leg.Security)
	if sign.IsSigningEnabled() { ... }
	if crypt.IsCryptEnabled() { ... }

Signing is enabled when both a signature and a digest algorithm are set.
Encryption needs an algorithm and a target, either a certificate or a
keystore alias; the certificate wins when both are present. An algorithm
without a target disables encryption and logs a warning.

# Engine

Engine is the boundary to the XML security implementation. XMLSecEngine
signs with github.com/leifj/signedxml (Ed25519, RSA and ECDSA keys, SwA
attachment references) and encrypts attachments with XML Encryption 1.1
X25519 key agreement and AES-128-GCM from github.com/leifj/signedxml/xmlenc.

Attachments are compressed before they reach the engine, so digests and
ciphertexts are computed over the compressed bytes.

# References

  - WS-Security 1.1.1: https://docs.oasis-open.org/wss/v1.1/
  - SwA Profile 1.1: https://docs.oasis-open.org/wss-m/wss/v1.1.1/os/wss-SwAProfile-v1.1.1-os.html
  - XML Signature: https://www.w3.org/TR/xmldsig-core1/
  - XML Encryption: https://www.w3.org/TR/xmlenc-core1/
*/
package security
