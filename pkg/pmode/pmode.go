package pmode

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirosfoundation/as4-engine/pkg/compression"
)

const ebmsCoreNS = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/"

// MEP is the Message Exchange Pattern URI.
type MEP string

const (
	MEPOneWay MEP = ebmsCoreNS + "oneWay"
	MEPTwoWay MEP = ebmsCoreNS + "twoWay"
)

// MEPBinding is the transport binding of a MEP.
type MEPBinding string

const (
	BindingPush        MEPBinding = ebmsCoreNS + "push"
	BindingPull        MEPBinding = ebmsCoreNS + "pull"
	BindingSync        MEPBinding = ebmsCoreNS + "sync"
	BindingPushAndPush MEPBinding = ebmsCoreNS + "pushAndPush"
	BindingPushAndPull MEPBinding = ebmsCoreNS + "pushAndPull"
	BindingPullAndPush MEPBinding = ebmsCoreNS + "pullAndPush"
	BindingPullAndPull MEPBinding = ebmsCoreNS + "pullAndPull"
)

// IsTwoWay reports whether the binding belongs to the two-way MEP.
func (b MEPBinding) IsTwoWay() bool {
	switch b {
	case BindingSync, BindingPushAndPush, BindingPushAndPull, BindingPullAndPush, BindingPullAndPull:
		return true
	}
	return false
}

func (b MEPBinding) known() bool {
	return b == BindingPush || b == BindingPull || b.IsTwoWay()
}

// IsPull reports whether the first leg is pulled by the responder.
func (b MEPBinding) IsPull() bool {
	return b == BindingPull || strings.HasPrefix(string(b), ebmsCoreNS+"pullAnd")
}

var (
	// ErrInvalid is returned when a PMode violates a structural invariant.
	ErrInvalid = errors.New("invalid pmode")
	// ErrDuplicateID is returned when creating a PMode whose ID already exists.
	ErrDuplicateID = errors.New("pmode id already exists")
	// ErrNotFound is returned when no PMode matches a lookup.
	ErrNotFound = errors.New("pmode not found")
	// ErrInUse is returned when deleting a PMode that an in-flight message references.
	ErrInUse = errors.New("pmode in use")
)

// PMode is a negotiated processing agreement between two parties.
//
// Values handed out by a Store are private copies. Build new values with New,
// which validates them, and hand changes back through Store.Update.
type PMode struct {
	ID                 string
	Initiator          *Party
	Responder          *Party
	Agreement          string
	MEP                MEP
	MEPBinding         MEPBinding
	Leg1               *Leg
	Leg2               *Leg
	PayloadService     *PayloadService
	ReceptionAwareness *ReceptionAwareness

	CreatedAt      time.Time
	LastModifiedAt time.Time
	DeletedAt      time.Time
}

// Party identifies the initiator or responder of an exchange.
type Party struct {
	ID   string
	Type string
	Role string
}

// Leg is one direction of a message exchange.
type Leg struct {
	Protocol      *Protocol
	BusinessInfo  *BusinessInfo
	ErrorHandling *ErrorHandling
	Reliability   *Reliability
	Security      *LegSecurity
}

// Protocol holds the transport endpoint of a leg.
type Protocol struct {
	Address     string
	SOAPVersion SOAPVersion
}

// BusinessInfo describes the business service carried by a leg.
type BusinessInfo struct {
	Service         string
	ServiceType     string
	Action          string
	MPCID           string
	MaxSizeKB       int
	Properties      []Property
	PayloadProfiles []PayloadProfile
}

// Property is an allowed message property.
type Property struct {
	Name        string
	Description string
	DataType    string
	Required    bool
}

// PayloadProfile is an allowed payload part.
type PayloadProfile struct {
	Name        string
	MimeType    string
	XSDFilename string
	MaxSizeKB   int
	Required    bool
}

// ErrorHandling configures where and how errors are reported.
type ErrorHandling struct {
	ReportSenderErrorsTo                 string
	ReportReceiverErrorsTo               string
	ReportAsResponse                     bool
	ReportProcessErrorNotifyConsumer     bool
	ReportProcessErrorNotifyProducer     bool
	ReportDeliveryFailuresNotifyProducer bool
}

// Reliability holds WS-Reliability style settings. They are persisted but
// retries and duplicate elimination are driven by ReceptionAwareness.
type Reliability struct {
	AtLeastOnceContract       bool
	AtLeastOnceAckOnDelivery  bool
	AtLeastOnceContractAcksTo string
	AtLeastOnceAckResponse    bool
	AtLeastOnceReplyPattern   ReplyPattern
	AtMostOnceContract        bool
	InOrderContract           bool
	StartGroup                bool
	Correlation               []string
	TerminateGroup            bool
}

// LegSecurity holds the signing and encryption settings of a leg.
type LegSecurity struct {
	WSSVersion             WSSVersion
	SignAlgorithm          SignatureAlgorithm
	SignDigestAlgorithm    HashAlgorithm
	EncryptAlgorithm       DataEncryptionAlgorithm
	EncryptMinimumStrength int
	// EncryptCertificate is the DER encoded certificate of the encryption target.
	EncryptCertificate []byte
	// EncryptAlias names the keystore entry of the encryption target.
	EncryptAlias   string
	PModeAuthorize bool
	SendReceipt    bool
	ReplyPattern   ReplyPattern
	NonRepudiation bool
}

// PayloadService selects payload compression.
type PayloadService struct {
	Compression compression.Mode
}

// ReceptionAwareness is the retry and duplicate detection policy.
type ReceptionAwareness struct {
	Enabled            bool
	Retry              bool
	MaxRetries         int
	RetryInterval      time.Duration
	DuplicateDetection bool
}

// RetryEnabled reports whether failed pushes are retried.
func (ra *ReceptionAwareness) RetryEnabled() bool {
	return ra != nil && ra.Enabled && ra.Retry
}

// DuplicateDetectionEnabled reports whether inbound duplicates are suppressed.
func (ra *ReceptionAwareness) DuplicateDetectionEnabled() bool {
	return ra != nil && ra.Enabled && ra.DuplicateDetection
}

// DeriveID builds the ID of a dynamically created PMode.
func DeriveID(initiatorID, responderID string) string {
	return initiatorID + "-" + responderID
}

// IsDeleted reports whether the PMode was soft deleted.
func (p *PMode) IsDeleted() bool {
	return !p.DeletedAt.IsZero()
}

// Leg returns leg 1 or 2, or nil.
func (p *PMode) Leg(number int) *Leg {
	switch number {
	case 1:
		return p.Leg1
	case 2:
		return p.Leg2
	}
	return nil
}

// Service returns the leg 1 service, or "".
func (p *PMode) Service() string {
	if p.Leg1 == nil || p.Leg1.BusinessInfo == nil {
		return ""
	}
	return p.Leg1.BusinessInfo.Service
}

// Action returns the leg 1 action, or "".
func (p *PMode) Action() string {
	if p.Leg1 == nil || p.Leg1.BusinessInfo == nil {
		return ""
	}
	return p.Leg1.BusinessInfo.Action
}

// Validate checks the structural invariants of the PMode.
func (p *PMode) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil", ErrInvalid)
	}
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if p.Leg1 == nil {
		return fmt.Errorf("%w: %s: leg 1 is required", ErrInvalid, p.ID)
	}
	switch p.MEP {
	case MEPOneWay:
		if p.Leg2 != nil {
			return fmt.Errorf("%w: %s: one-way MEP must not define leg 2", ErrInvalid, p.ID)
		}
	case MEPTwoWay:
		if p.Leg2 == nil {
			return fmt.Errorf("%w: %s: two-way MEP requires leg 2", ErrInvalid, p.ID)
		}
	default:
		return fmt.Errorf("%w: %s: unknown MEP %q", ErrInvalid, p.ID, p.MEP)
	}
	if !p.MEPBinding.known() {
		return fmt.Errorf("%w: %s: unknown MEP binding %q", ErrInvalid, p.ID, p.MEPBinding)
	}
	if p.MEPBinding.IsTwoWay() != (p.MEP == MEPTwoWay) {
		return fmt.Errorf("%w: %s: binding %q does not match MEP %q", ErrInvalid, p.ID, p.MEPBinding, p.MEP)
	}
	for i, leg := range []*Leg{p.Leg1, p.Leg2} {
		if leg == nil {
			continue
		}
		if err := leg.validate(); err != nil {
			return fmt.Errorf("%w: %s: leg %d: %v", ErrInvalid, p.ID, i+1, err)
		}
	}
	if ra := p.ReceptionAwareness; ra != nil {
		if ra.MaxRetries < 0 {
			return fmt.Errorf("%w: %s: negative max retries", ErrInvalid, p.ID)
		}
		if ra.Retry && (ra.MaxRetries <= 0 || ra.RetryInterval <= 0) {
			return fmt.Errorf("%w: %s: retry requires max retries > 0 and interval > 0", ErrInvalid, p.ID)
		}
	}
	if ps := p.PayloadService; ps != nil && !ps.Compression.Valid() {
		return fmt.Errorf("%w: %s: unknown compression %q", ErrInvalid, p.ID, ps.Compression)
	}
	return nil
}

func (l *Leg) validate() error {
	if l.Protocol != nil {
		switch l.Protocol.SOAPVersion {
		case "", SOAP11, SOAP12:
		default:
			return fmt.Errorf("unknown SOAP version %q", l.Protocol.SOAPVersion)
		}
	}
	if bi := l.BusinessInfo; bi != nil && bi.MaxSizeKB < 0 {
		return errors.New("negative max size")
	}
	if sec := l.Security; sec != nil {
		if sec.EncryptMinimumStrength < 0 {
			return errors.New("negative encryption strength")
		}
		if s := sec.EncryptAlgorithm.KeyStrength(); s > 0 && s < sec.EncryptMinimumStrength {
			return fmt.Errorf("encryption algorithm below minimum strength %d", sec.EncryptMinimumStrength)
		}
	}
	return nil
}

// Clone returns a deep copy of the PMode.
func (p *PMode) Clone() *PMode {
	if p == nil {
		return nil
	}
	c := *p
	c.Initiator = clonePtr(p.Initiator)
	c.Responder = clonePtr(p.Responder)
	c.Leg1 = p.Leg1.clone()
	c.Leg2 = p.Leg2.clone()
	c.PayloadService = clonePtr(p.PayloadService)
	c.ReceptionAwareness = clonePtr(p.ReceptionAwareness)
	return &c
}

func (l *Leg) clone() *Leg {
	if l == nil {
		return nil
	}
	c := &Leg{
		Protocol:      clonePtr(l.Protocol),
		ErrorHandling: clonePtr(l.ErrorHandling),
	}
	if l.BusinessInfo != nil {
		bi := *l.BusinessInfo
		bi.Properties = cloneSlice(l.BusinessInfo.Properties)
		bi.PayloadProfiles = cloneSlice(l.BusinessInfo.PayloadProfiles)
		c.BusinessInfo = &bi
	}
	if l.Reliability != nil {
		r := *l.Reliability
		r.Correlation = cloneSlice(l.Reliability.Correlation)
		c.Reliability = &r
	}
	if l.Security != nil {
		s := *l.Security
		s.EncryptCertificate = cloneSlice(l.Security.EncryptCertificate)
		c.Security = &s
	}
	return c
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}
