package msh

import (
	"context"
	"errors"

	"github.com/sirosfoundation/as4-engine/pkg/attachment"
	"github.com/sirosfoundation/as4-engine/pkg/message"
	"github.com/sirosfoundation/as4-engine/pkg/reliability"
	"github.com/sirosfoundation/as4-engine/pkg/transport"
	"github.com/sirosfoundation/as4-engine/pkg/worker"
)

var (
	// ErrInvalidMessage is returned for outbound messages missing required fields
	ErrInvalidMessage = errors.New("invalid message")
	// ErrNoAddress is returned when neither the PMode nor the endpoint
	// resolver knows where to send a message
	ErrNoAddress = errors.New("no endpoint address")
)

// Transmitter pushes a packaged message to a receiving MSH.
// transport.HTTPSClient implements it.
type Transmitter interface {
	Transmit(ctx context.Context, endpoint string, body []byte, contentType string) (*transport.Response, error)
}

// OutboundMessage is a user message to be sent.
type OutboundMessage struct {
	// PModeID selects the PMode explicitly. When empty the PMode is
	// resolved from the service, action and parties.
	PModeID        string
	MessageID      string
	RefToMessageID string
	ConversationID string
	FromPartyID    string
	FromPartyType  string
	ToPartyID      string
	ToPartyType    string
	Service        string
	ServiceType    string
	Action         string
	Properties     []message.Property
	Attachments    attachment.List
}

// Submission is the handle of a message handed to the sender.
type Submission struct {
	MessageID string
	PModeID   string
	Endpoint  string
	// Result resolves with the final reliability state of the delivery.
	Result *worker.Future[reliability.Outcome]
}

// Response is the answer to an inbound request.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
	// MessageID is the ID of the answered message, "" when it could not be
	// read.
	MessageID string
	// Duplicate is set when the message had already been processed.
	Duplicate bool
	// Signal is the receipt or error signal returned, if any.
	Signal *message.SignalMessage
}
