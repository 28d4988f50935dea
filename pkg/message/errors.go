package message

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage is returned for malformed or incomplete headers
	ErrInvalidMessage = errors.New("invalid message")
)

// Kind classifies a processing failure.
type Kind int

const (
	// KindContent is a malformed or missing header field. Permanent.
	KindContent Kind = iota + 1
	// KindProcessingModeMismatch means no PMode governs the message, or it
	// forbids the operation. Permanent.
	KindProcessingModeMismatch
	// KindSecurityFailure is a failed signature check or decryption. Permanent.
	KindSecurityFailure
	// KindDuplicate marks an already processed message. It is answered with
	// the original acknowledgement.
	KindDuplicate
	// KindCommunication is a transport failure or timeout. Retryable.
	KindCommunication
	// KindApplication is a failure reported by a message processor. Permanent.
	KindApplication
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "ContentError"
	case KindProcessingModeMismatch:
		return "ProcessingModeMismatch"
	case KindSecurityFailure:
		return "SecurityFailure"
	case KindDuplicate:
		return "DuplicateMessage"
	case KindCommunication:
		return "CommunicationFailure"
	case KindApplication:
		return "ApplicationFailure"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error severities
const (
	SeverityFailure = "failure"
	SeverityWarning = "warning"
)

// ErrorCode represents AS4 error codes
type ErrorCode struct {
	Code             string
	Severity         string
	ShortDescription string
	Category         string
}

// Predefined ebMS3 and AS4 error codes
var (
	ErrorValueNotRecognized       = ErrorCode{"EBMS:0001", SeverityFailure, "ValueNotRecognized", "Content"}
	ErrorFeatureNotSupported      = ErrorCode{"EBMS:0002", SeverityWarning, "FeatureNotSupported", "Content"}
	ErrorValueInconsistent        = ErrorCode{"EBMS:0003", SeverityFailure, "ValueInconsistent", "Content"}
	ErrorOther                    = ErrorCode{"EBMS:0004", SeverityFailure, "Other", "Content"}
	ErrorConnectionFailure        = ErrorCode{"EBMS:0005", SeverityFailure, "ConnectionFailure", "Communication"}
	ErrorEmptyMessagePartition    = ErrorCode{"EBMS:0006", SeverityWarning, "EmptyMessagePartitionChannel", "Communication"}
	ErrorMimeInconsistency        = ErrorCode{"EBMS:0007", SeverityFailure, "MimeInconsistency", "Unpackaging"}
	ErrorInvalidHeader            = ErrorCode{"EBMS:0009", SeverityFailure, "InvalidHeader", "Unpackaging"}
	ErrorProcessingModeMismatch   = ErrorCode{"EBMS:0010", SeverityFailure, "ProcessingModeMismatch", "Processing"}
	ErrorExternalPayloadError     = ErrorCode{"EBMS:0011", SeverityFailure, "ExternalPayloadError", "Content"}
	ErrorFailedAuthentication     = ErrorCode{"EBMS:0101", SeverityFailure, "FailedAuthentication", "Processing"}
	ErrorFailedDecryption         = ErrorCode{"EBMS:0102", SeverityFailure, "FailedDecryption", "Processing"}
	ErrorPolicyNoncompliance      = ErrorCode{"EBMS:0103", SeverityFailure, "PolicyNoncompliance", "Processing"}
	ErrorDysfunctionalReliability = ErrorCode{"EBMS:0201", SeverityFailure, "DysfunctionalReliability", "Processing"}
	ErrorDeliveryFailure          = ErrorCode{"EBMS:0202", SeverityFailure, "DeliveryFailure", "Communication"}
	ErrorMissingReceipt           = ErrorCode{"EBMS:0301", SeverityFailure, "MissingReceipt", "Communication"}
	ErrorInvalidReceipt           = ErrorCode{"EBMS:0302", SeverityFailure, "InvalidReceipt", "Communication"}
	ErrorDecompressionFailure     = ErrorCode{"EBMS:0303", SeverityFailure, "DecompressionFailure", "Communication"}
)

// defaultCodes maps a Kind to the code reported when the caller gives none.
var defaultCodes = map[Kind]ErrorCode{
	KindContent:                ErrorInvalidHeader,
	KindProcessingModeMismatch: ErrorProcessingModeMismatch,
	KindSecurityFailure:        ErrorFailedAuthentication,
	KindCommunication:          ErrorConnectionFailure,
	KindApplication:            ErrorOther,
}

// ProcessingError is a classified failure of a single message.
type ProcessingError struct {
	Kind      Kind
	Code      ErrorCode
	MessageID string
	PModeID   string
	Detail    string
	Err       error
}

// NewProcessingError classifies err. A zero code selects the default for kind.
func NewProcessingError(kind Kind, code ErrorCode, messageID string, err error) *ProcessingError {
	if code.Code == "" {
		code = defaultCodes[kind]
	}
	return &ProcessingError{Kind: kind, Code: code, MessageID: messageID, Err: err}
}

// Errorf builds a ProcessingError with a formatted detail.
func Errorf(kind Kind, code ErrorCode, messageID, format string, args ...any) *ProcessingError {
	pe := NewProcessingError(kind, code, messageID, nil)
	pe.Detail = fmt.Sprintf(format, args...)
	return pe
}

// WithPMode records the PMode that was in effect.
func (e *ProcessingError) WithPMode(id string) *ProcessingError {
	e.PModeID = id
	return e
}

func (e *ProcessingError) Error() string {
	msg := fmt.Sprintf("%s (%s %s) message %q", e.Kind, e.Code.Code, e.Code.ShortDescription, e.MessageID)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the reception awareness layer may resend.
func (e *ProcessingError) Retryable() bool {
	return e.Kind == KindCommunication
}

// Signal renders the failure as an ebMS Error element.
func (e *ProcessingError) Signal() Error {
	desc := e.Detail
	if desc == "" && e.Err != nil {
		desc = e.Err.Error()
	}
	return Error{
		ErrorCode:           e.Code.Code,
		Severity:            e.Code.Severity,
		ShortDescription:    e.Code.ShortDescription,
		Category:            e.Code.Category,
		Origin:              "ebMS",
		RefToMessageInError: e.MessageID,
		Description:         desc,
	}
}

// AsProcessingError extracts a ProcessingError from an error chain.
func AsProcessingError(err error) (*ProcessingError, bool) {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err is a retryable processing error.
func IsRetryable(err error) bool {
	pe, ok := AsProcessingError(err)
	return ok && pe.Retryable()
}
