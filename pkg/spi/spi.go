package spi

import (
	"context"
	"net/http"
	"time"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/as4-engine/pkg/attachment"
	"github.com/sirosfoundation/as4-engine/pkg/message"
	"github.com/sirosfoundation/as4-engine/pkg/msgstate"
	"github.com/sirosfoundation/as4-engine/pkg/pmode"
)

// Metadata describes how a message reached the engine.
type Metadata struct {
	IncomingID string
	ReceivedAt time.Time
	RemoteAddr string
}

// UserMessageRequest is the input of ProcessUserMessage.
type UserMessageRequest struct {
	Metadata    Metadata
	Headers     http.Header
	UserMessage *message.UserMessage
	PMode       *pmode.PMode
	// Payload is the SOAP body content, nil when the body is empty.
	Payload     *etree.Element
	Attachments attachment.List
	State       *msgstate.State
}

// SignalMessageRequest is the input of ProcessSignalMessage. PMode may be nil.
type SignalMessageRequest struct {
	Metadata      Metadata
	Headers       http.Header
	SignalMessage *message.SignalMessage
	PMode         *pmode.PMode
	State         *msgstate.State
}

// Result is what a processor reports back.
type Result struct {
	Success bool
	// Errors are added to the error signal when Success is false.
	Errors []message.Error
	// ResponseAttachments are returned to the sender on two-way exchanges.
	ResponseAttachments attachment.List
	// AsyncResponseURL asks for the response to be pushed to this URL.
	AsyncResponseURL string
}

// Success is the result of a processor that accepted the message.
func Success() Result {
	return Result{Success: true}
}

// Failure is the result of a processor that rejected the message.
func Failure(errs ...message.Error) Result {
	return Result{Errors: errs}
}

// Processor consumes inbound messages.
type Processor interface {
	ProcessUserMessage(ctx context.Context, req *UserMessageRequest) (Result, error)
	ProcessSignalMessage(ctx context.Context, req *SignalMessageRequest) (Result, error)
}

// ResponseProcessor is implemented by processors that want to see the
// response the engine sent for a message.
type ResponseProcessor interface {
	ProcessResponseMessage(ctx context.Context, meta Metadata, state *msgstate.State, responseMessageID string, response []byte, payloadAvailable bool)
}
