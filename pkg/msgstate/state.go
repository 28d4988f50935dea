// Package msgstate holds the per-message context threaded through inbound
// processing.
package msgstate

import (
	"crypto/x509"
	"sync"
	"time"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/as4-engine/pkg/attachment"
	"github.com/sirosfoundation/as4-engine/pkg/message"
	"github.com/sirosfoundation/as4-engine/pkg/mpc"
	"github.com/sirosfoundation/as4-engine/pkg/pmode"
)

// State is the processing context of one inbound message. It is created
// when the message arrives, filled in by the pipeline stages and dropped
// once a response has been produced. A State is not shared between
// messages.
type State struct {
	IncomingID  string
	ReceivedAt  time.Time
	SOAPVersion string
	Locale      string

	Messaging *message.Messaging
	PMode     *pmode.PMode
	MPC       *mpc.MPC

	// EffectiveLeg is the PMode leg that governs this message.
	EffectiveLeg *pmode.Leg
	LegNumber    int

	InitiatorID string
	ResponderID string

	OriginalAttachments  attachment.List
	DecryptedAttachments attachment.List
	DecryptedDocument    *etree.Document

	UsedCertificate  *x509.Certificate
	SignatureChecked bool
	Decrypted        bool

	// CompressedAttachmentIDs lists the parts that arrived compressed.
	CompressedAttachmentIDs []string

	mu    sync.RWMutex
	attrs map[string]any
}

// New creates a state for a message received at receivedAt.
func New(incomingID string, receivedAt time.Time) *State {
	return &State{
		IncomingID: incomingID,
		ReceivedAt: receivedAt,
		Locale:     "en",
	}
}

// MessageID returns the ebMS message ID, or "" before the header is parsed.
func (s *State) MessageID() string {
	if s.Messaging == nil {
		return ""
	}
	return s.Messaging.MessageID()
}

// PModeID returns the resolved PMode ID, or "".
func (s *State) PModeID() string {
	if s.PMode == nil {
		return ""
	}
	return s.PMode.ID
}

// SetPMode records the resolved PMode and the leg that applies.
func (s *State) SetPMode(p *pmode.PMode, legNumber int) {
	s.PMode = p
	s.LegNumber = legNumber
	s.EffectiveLeg = p.Leg(legNumber)
}

// Attachments returns the decrypted attachments when decryption happened,
// otherwise the attachments as received.
func (s *State) Attachments() attachment.List {
	if s.Decrypted {
		return s.DecryptedAttachments
	}
	return s.OriginalAttachments
}

// AddCompressedAttachment records that id arrived compressed.
func (s *State) AddCompressedAttachment(id string) {
	s.CompressedAttachmentIDs = append(s.CompressedAttachmentIDs, id)
}

// Key is a typed attribute key for values processors attach to a state.
type Key[T any] struct {
	name string
}

// NewKey creates a key. Keys with the same name address the same slot.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the key name.
func (k Key[T]) Name() string {
	return k.name
}

// Set stores v under k.
func Set[T any](s *State, k Key[T], v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs == nil {
		s.attrs = make(map[string]any)
	}
	s.attrs[k.name] = v
}

// Get returns the value stored under k. It reports false when the slot is
// empty or holds a value of another type.
func Get[T any](s *State, k Key[T]) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.attrs[k.name].(T)
	return v, ok
}

// Delete clears the slot of k.
func Delete[T any](s *State, k Key[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attrs, k.name)
}
