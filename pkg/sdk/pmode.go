// Package sdk provides Swedish SDK (Säker Digital Kommunikation) specific functionality.
// It includes the SDK PMode profile, message property builders, and SDK-specific constants.
package sdk

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirosfoundation/as4-engine/pkg/compression"
	"github.com/sirosfoundation/as4-engine/pkg/message"
	"github.com/sirosfoundation/as4-engine/pkg/pmode"
	"github.com/sirosfoundation/as4-engine/pkg/profile"
)

// SDK Constants
const (
	// ProfileID is the ID the SDK profile is registered under
	ProfileID = "sdk"
	// PartyType is the party type for SDK accesspoints
	PartyType = "urn:fdc:digg.se:edelivery:transportprofile:as4:partytype:ap"
	// ParticipantPartyType is the party type for SDK participants (originalSender/finalRecipient)
	ParticipantPartyType = "urn:fdc:digg.se:edelivery:transportprofile:as4:partytype:participant"
	// APRole is the role for accesspoints
	APRole = "urn:fdc:digg.se:edelivery:transportprofile:as4:role:ap"
	// ServiceType is the default service type
	ServiceType = "urn:fdc:digg.se:edelivery:process"
	// TransportProfile is the SDK transport profile identifier
	TransportProfile = "digg-transport-as4-v1_2"
	// ParticipantIDScheme is the participant identifier scheme
	ParticipantIDScheme = "iso6523-actorid-upis"
)

// SDKPModeOptions configures SDK P-Mode creation
type SDKPModeOptions struct {
	// PModeID is the unique identifier for this P-Mode. Derived from the
	// parties when empty.
	PModeID string
	// APPartyID is this accesspoint's party identifier
	APPartyID string
	// PeerPartyID is the receiving accesspoint's party identifier
	PeerPartyID string
	// Address is the peer endpoint URL
	Address string
	// Service is the business service identifier
	Service string
	// Action is the business action
	Action string
}

// NewSDKPMode creates a P-Mode configured for Swedish SDK federation
func NewSDKPMode(opts SDKPModeOptions) (*pmode.PMode, error) {
	if opts.Action == "" {
		opts.Action = "submit"
	}
	id := opts.PModeID
	if id == "" {
		if opts.APPartyID == "" || opts.PeerPartyID == "" {
			return nil, fmt.Errorf("%w: sdk pmode needs an id or both parties", pmode.ErrInvalid)
		}
		id = pmode.DeriveID(opts.APPartyID, opts.PeerPartyID)
	}

	leg := &pmode.Leg{
		Protocol: &pmode.Protocol{Address: opts.Address, SOAPVersion: pmode.SOAP12},
		BusinessInfo: &pmode.BusinessInfo{
			Service:     opts.Service,
			ServiceType: ServiceType,
			Action:      opts.Action,
		},
		ErrorHandling: &pmode.ErrorHandling{ReportAsResponse: true},
		Security: &pmode.LegSecurity{
			WSSVersion:             pmode.WSS111,
			SignAlgorithm:          pmode.AlgoRSASHA256,
			SignDigestAlgorithm:    pmode.HashSHA256,
			EncryptAlgorithm:       pmode.DataAlgoAES128GCM,
			EncryptMinimumStrength: pmode.DataAlgoAES128GCM.KeyStrength(),
			EncryptAlias:           opts.PeerPartyID,
			SendReceipt:            true,
			ReplyPattern:           pmode.ReplyCallback,
			NonRepudiation:         true,
		},
	}

	opt := []pmode.Option{
		pmode.WithMEP(pmode.MEPOneWay, pmode.BindingPush),
		pmode.WithLeg1(leg),
		pmode.WithCompression(pmode.PayloadService{Compression: compression.ModeGZIP}),
		pmode.WithReceptionAwareness(pmode.ReceptionAwareness{
			Enabled:            true,
			Retry:              true,
			MaxRetries:         5,
			RetryInterval:      time.Minute,
			DuplicateDetection: true,
		}),
	}
	if opts.APPartyID != "" {
		opt = append(opt, pmode.WithInitiator(pmode.Party{ID: opts.APPartyID, Type: PartyType, Role: APRole}))
	}
	if opts.PeerPartyID != "" {
		opt = append(opt, pmode.WithResponder(pmode.Party{ID: opts.PeerPartyID, Type: PartyType, Role: APRole}))
	}
	return pmode.New(id, opt...)
}

// Register adds the SDK profile to reg.
func Register(reg *profile.Registry) error {
	return reg.Register(profile.Profile{
		ID:          ProfileID,
		DisplayName: "Säker Digital Kommunikation",
		Template: func(q pmode.Query) (*pmode.PMode, error) {
			if q.InitiatorID == "" || q.ResponderID == "" {
				return nil, fmt.Errorf("%w: template needs initiator and responder", pmode.ErrNotFound)
			}
			return NewSDKPMode(SDKPModeOptions{
				APPartyID:   q.InitiatorID,
				PeerPartyID: q.ResponderID,
				Address:     q.Address,
				Service:     q.Service,
				Action:      q.Action,
			})
		},
	})
}

// MessagePropertyBuilder helps build SDK message properties
type MessagePropertyBuilder struct {
	properties []message.Property
}

// NewMessagePropertyBuilder creates a new property builder
func NewMessagePropertyBuilder() *MessagePropertyBuilder {
	return &MessagePropertyBuilder{
		properties: make([]message.Property, 0),
	}
}

// WithOriginalSender sets the originalSender property
func (b *MessagePropertyBuilder) WithOriginalSender(participantID string) *MessagePropertyBuilder {
	return b.WithProperty("originalSender", ParticipantPartyType, participantID)
}

// WithFinalRecipient sets the finalRecipient property
func (b *MessagePropertyBuilder) WithFinalRecipient(participantID string) *MessagePropertyBuilder {
	return b.WithProperty("finalRecipient", ParticipantPartyType, participantID)
}

// WithProperty adds a custom property
func (b *MessagePropertyBuilder) WithProperty(name, propType, value string) *MessagePropertyBuilder {
	b.properties = append(b.properties, message.Property{
		Name:  name,
		Type:  propType,
		Value: value,
	})
	return b
}

// Build returns the message properties
func (b *MessagePropertyBuilder) Build() []message.Property {
	return b.properties
}

// Option returns the built properties as a user message option.
func (b *MessagePropertyBuilder) Option() message.Option {
	return message.WithProperties(b.properties...)
}

// PartyBuilder helps build SDK party information
type PartyBuilder struct {
	partyID string
	role    string
}

// NewAPPartyBuilder creates a builder for an accesspoint party
func NewAPPartyBuilder(apPartyID string) *PartyBuilder {
	return &PartyBuilder{
		partyID: apPartyID,
		role:    APRole,
	}
}

// WithRole overrides the default role
func (b *PartyBuilder) WithRole(role string) *PartyBuilder {
	b.role = role
	return b
}

// Build creates the party information
func (b *PartyBuilder) Build() (partyID string, partyType string, role string) {
	return b.partyID, PartyType, b.role
}

// ValidateParticipantID validates an SDK participant identifier
func ValidateParticipantID(id string) error {
	// <scheme>:<identifier>, e.g. 0203:org-number
	scheme, value, ok := strings.Cut(id, ":")
	if !ok || scheme == "" || value == "" {
		return fmt.Errorf("participant ID must be <scheme>:<identifier>: %s", id)
	}
	return nil
}

// FormatParticipantID formats a participant ID with the standard scheme
func FormatParticipantID(orgNumber string) string {
	return ParticipantIDScheme + ":" + orgNumber
}

// NewNotServicedError creates an SDK NOT_SERVICED error
func NewNotServicedError(messageID, recipientID string) *message.ProcessingError {
	pe := message.Errorf(message.KindApplication, message.ErrorOther, messageID,
		"Recipient %s is not served by this accesspoint", recipientID)
	pe.Code.ShortDescription = "NOT_SERVICED"
	return pe
}
