package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UserMessageBuilder helps construct AS4 UserMessages
type UserMessageBuilder struct {
	msg    *UserMessage
	errors []error
}

// Option represents a functional option for UserMessageBuilder
type Option func(*UserMessageBuilder)

// NewUserMessage creates a new UserMessage with the given options
func NewUserMessage(opts ...Option) *UserMessageBuilder {
	builder := &UserMessageBuilder{
		msg: &UserMessage{
			MessageInfo: MessageInfo{
				Timestamp: time.Now().UTC(),
				MessageId: NewMessageID(),
			},
			PartyInfo: PartyInfo{
				From: Party{Role: RoleInitiator},
				To:   Party{Role: RoleResponder},
			},
			CollaborationInfo: CollaborationInfo{
				ConversationId: uuid.NewString(),
			},
		},
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder
}

// WithMessageID overrides the generated message ID
func WithMessageID(id string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.MessageInfo.MessageId = id
	}
}

// WithFrom sets the sender party information
func WithFrom(partyID, partyType string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.PartyInfo.From.PartyId = []PartyId{{Type: partyType, Value: partyID}}
	}
}

// WithTo sets the receiver party information
func WithTo(partyID, partyType string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.PartyInfo.To.PartyId = []PartyId{{Type: partyType, Value: partyID}}
	}
}

// WithFromRole sets the sender role
func WithFromRole(role string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.PartyInfo.From.Role = role
	}
}

// WithToRole sets the receiver role
func WithToRole(role string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.PartyInfo.To.Role = role
	}
}

// WithService sets the service information
func WithService(service, serviceType string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.CollaborationInfo.Service = Service{Value: service, Type: serviceType}
	}
}

// WithAction sets the action
func WithAction(action string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.CollaborationInfo.Action = action
	}
}

// WithConversationID sets a custom conversation ID
func WithConversationID(convID string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.CollaborationInfo.ConversationId = convID
	}
}

// WithRefToMessageID sets the RefToMessageId for responses
func WithRefToMessageID(refID string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.MessageInfo.RefToMessageId = refID
	}
}

// WithAgreementRef sets the agreement reference and the governing PMode
func WithAgreementRef(agreementRef, pmodeID string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.CollaborationInfo.AgreementRef = &AgreementRef{Value: agreementRef, Pmode: pmodeID}
	}
}

// WithMPC sets the message partition channel
func WithMPC(mpc string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.MPC = mpc
	}
}

// WithMessageProperty adds a message property
func WithMessageProperty(name, value string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.MessageProperties = append(b.msg.MessageProperties, Property{Name: name, Value: value})
	}
}

// WithProperties adds typed message properties
func WithProperties(props ...Property) Option {
	return func(b *UserMessageBuilder) {
		b.msg.MessageProperties = append(b.msg.MessageProperties, props...)
	}
}

// AddPart references a payload part by Content-ID
func (b *UserMessageBuilder) AddPart(contentID string, props ...Property) *UserMessageBuilder {
	if contentID == "" {
		b.errors = append(b.errors, errors.New("content id is required"))
		return b
	}
	part := NewPartInfo(contentID)
	part.Properties = append(part.Properties, props...)
	b.msg.PayloadInfo = append(b.msg.PayloadInfo, part)
	return b
}

// Build returns the constructed UserMessage
func (b *UserMessageBuilder) Build() (*UserMessage, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	if err := ValidateUserMessage(b.msg); err != nil {
		return nil, err
	}
	return b.msg, nil
}

// ValidateUserMessage checks the header fields every user message must carry.
func ValidateUserMessage(u *UserMessage) error {
	switch {
	case u == nil:
		return fmt.Errorf("%w: missing user message", ErrInvalidMessage)
	case u.MessageInfo.MessageId == "":
		return fmt.Errorf("%w: message id is required", ErrInvalidMessage)
	case len(u.PartyInfo.From.PartyId) == 0:
		return fmt.Errorf("%w: sender party ID is required", ErrInvalidMessage)
	case len(u.PartyInfo.To.PartyId) == 0:
		return fmt.Errorf("%w: receiver party ID is required", ErrInvalidMessage)
	case u.CollaborationInfo.Service.Value == "":
		return fmt.Errorf("%w: service is required", ErrInvalidMessage)
	case u.CollaborationInfo.Action == "":
		return fmt.Errorf("%w: action is required", ErrInvalidMessage)
	}
	return nil
}

// NewMessageID generates a unique message ID in RFC 2822 msg-id form
func NewMessageID() string {
	return uuid.NewString() + "@as4-engine"
}

// NewReceipt creates a receipt signal for refMessageID
func NewReceipt(refMessageID string, digests ...PartDigest) *SignalMessage {
	return &SignalMessage{
		MessageInfo: MessageInfo{
			Timestamp:      time.Now().UTC(),
			MessageId:      NewMessageID(),
			RefToMessageId: refMessageID,
		},
		Receipt: &Receipt{NonRepudiation: digests},
	}
}

// NewErrorSignal creates an error signal for refMessageID
func NewErrorSignal(refMessageID string, errs ...Error) *SignalMessage {
	for i := range errs {
		if errs[i].RefToMessageInError == "" {
			errs[i].RefToMessageInError = refMessageID
		}
	}
	return &SignalMessage{
		MessageInfo: MessageInfo{
			Timestamp:      time.Now().UTC(),
			MessageId:      NewMessageID(),
			RefToMessageId: refMessageID,
		},
		Errors: errs,
	}
}

// NewPullRequest creates a pull request signal for mpc
func NewPullRequest(mpc string) *SignalMessage {
	return &SignalMessage{
		MessageInfo: MessageInfo{
			Timestamp: time.Now().UTC(),
			MessageId: NewMessageID(),
		},
		PullRequest: &PullRequest{MPC: mpc},
	}
}
