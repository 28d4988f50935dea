package pmode

// SignatureAlgorithm is an XML-DSig signature method URI.
type SignatureAlgorithm string

const (
	AlgoEd25519     SignatureAlgorithm = "http://www.w3.org/2021/04/xmldsig-more#eddsa-ed25519"
	AlgoRSASHA256   SignatureAlgorithm = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgoRSASHA384   SignatureAlgorithm = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384"
	AlgoRSASHA512   SignatureAlgorithm = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"
	AlgoECDSASHA256 SignatureAlgorithm = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"
)

// HashAlgorithm is a digest method URI.
type HashAlgorithm string

const (
	HashSHA256 HashAlgorithm = "http://www.w3.org/2001/04/xmlenc#sha256"
	HashSHA384 HashAlgorithm = "http://www.w3.org/2001/04/xmlenc#sha384"
	HashSHA512 HashAlgorithm = "http://www.w3.org/2001/04/xmlenc#sha512"
)

// DataEncryptionAlgorithm is the symmetric algorithm used for payload encryption.
type DataEncryptionAlgorithm string

const (
	DataAlgoAES128GCM DataEncryptionAlgorithm = "http://www.w3.org/2009/xmlenc11#aes128-gcm"
	DataAlgoAES256GCM DataEncryptionAlgorithm = "http://www.w3.org/2009/xmlenc11#aes256-gcm"
	DataAlgoAES128CBC DataEncryptionAlgorithm = "http://www.w3.org/2001/04/xmlenc#aes128-cbc"
	DataAlgoAES256CBC DataEncryptionAlgorithm = "http://www.w3.org/2001/04/xmlenc#aes256-cbc"
)

// KeyStrength returns the symmetric key size in bits, or 0 when unknown.
func (a DataEncryptionAlgorithm) KeyStrength() int {
	switch a {
	case DataAlgoAES128GCM, DataAlgoAES128CBC:
		return 128
	case DataAlgoAES256GCM, DataAlgoAES256CBC:
		return 256
	}
	return 0
}

// WSSVersion is the WS-Security version applied to a leg.
type WSSVersion string

const (
	WSS10  WSSVersion = "1.0"
	WSS111 WSSVersion = "1.1.1"
)

// SOAPVersion identifies the SOAP envelope version of a leg.
type SOAPVersion string

const (
	SOAP11 SOAPVersion = "1.1"
	SOAP12 SOAPVersion = "1.2"
)

// ReplyPattern tells how receipts and errors are returned.
type ReplyPattern string

const (
	ReplyResponse ReplyPattern = "response"
	ReplyCallback ReplyPattern = "callback"
)
