package profile

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sirosfoundation/as4-engine/pkg/compression"
	"github.com/sirosfoundation/as4-engine/pkg/message"
	"github.com/sirosfoundation/as4-engine/pkg/pmode"
)

// Built-in profile IDs
const (
	IDEUAS4v2 = "eu-as4v2"
	IDCEF     = "cef"
)

var (
	// ErrUnknownProfile is returned when selecting an unregistered profile
	ErrUnknownProfile = errors.New("unknown profile")
	// ErrDuplicateProfile is returned when registering an ID twice
	ErrDuplicateProfile = errors.New("profile already registered")
)

// Template generates a PMode for the parties and address in q.
type Template func(q pmode.Query) (*pmode.PMode, error)

// Profile is a named PMode template.
type Profile struct {
	ID          string
	DisplayName string
	Deprecated  bool
	Template    Template
}

// Registry holds the registered profiles and the selected one.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	selected string
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		profiles: make(map[string]Profile),
		logger:   logger.With(slog.String("component", "profiles")),
	}
}

// Register adds p.
func (r *Registry) Register(p Profile) error {
	if p.ID == "" || p.Template == nil {
		return fmt.Errorf("profile needs an id and a template")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProfile, p.ID)
	}
	r.profiles[p.ID] = p
	r.logger.Debug("profile registered", slog.String("profile", p.ID))
	return nil
}

// Get returns the profile with the given ID.
func (r *Registry) Get(id string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	return p, ok
}

// All returns the registered profiles ordered by ID.
func (r *Registry) All() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Select makes id the profile used for default PModes. An empty id clears
// the selection.
func (r *Registry) Select(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != "" {
		p, ok := r.profiles[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownProfile, id)
		}
		if p.Deprecated {
			r.logger.Warn("selected profile is deprecated", slog.String("profile", id))
		}
	}
	r.selected = id
	return nil
}

// Selected returns the selected profile.
func (r *Registry) Selected() (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.selected == "" {
		return Profile{}, false
	}
	p, ok := r.profiles[r.selected]
	return p, ok
}

// DefaultPMode implements pmode.DefaultSupplier using the selected profile.
func (r *Registry) DefaultPMode(q pmode.Query) (*pmode.PMode, error) {
	p, ok := r.Selected()
	if !ok {
		return nil, fmt.Errorf("%w: no profile selected", pmode.ErrNotFound)
	}
	return p.Template(q)
}

// Settings are the security choices that distinguish the generic templates.
type Settings struct {
	SignAlgorithm    pmode.SignatureAlgorithm
	DigestAlgorithm  pmode.HashAlgorithm
	EncryptAlgorithm pmode.DataEncryptionAlgorithm
	MaxRetries       int
	RetryInterval    time.Duration
}

// NewTemplate returns a one-way push template using s. The PMode ID is
// derived from the initiator and responder, and the responder ID doubles as
// the keystore alias of the encryption target.
func NewTemplate(s Settings) Template {
	return func(q pmode.Query) (*pmode.PMode, error) {
		if q.InitiatorID == "" || q.ResponderID == "" {
			return nil, fmt.Errorf("%w: template needs initiator and responder", pmode.ErrNotFound)
		}
		leg := &pmode.Leg{
			Protocol: &pmode.Protocol{Address: q.Address, SOAPVersion: pmode.SOAP12},
			BusinessInfo: &pmode.BusinessInfo{
				Service: q.Service,
				Action:  q.Action,
			},
			ErrorHandling: &pmode.ErrorHandling{
				ReportAsResponse:                 true,
				ReportProcessErrorNotifyConsumer: true,
				ReportProcessErrorNotifyProducer: true,
			},
			Security: &pmode.LegSecurity{
				WSSVersion:             pmode.WSS111,
				SignAlgorithm:          s.SignAlgorithm,
				SignDigestAlgorithm:    s.DigestAlgorithm,
				EncryptAlgorithm:       s.EncryptAlgorithm,
				EncryptMinimumStrength: s.EncryptAlgorithm.KeyStrength(),
				EncryptAlias:           q.ResponderID,
				SendReceipt:            true,
				ReplyPattern:           pmode.ReplyResponse,
				NonRepudiation:         true,
			},
		}
		return pmode.New(pmode.DeriveID(q.InitiatorID, q.ResponderID),
			pmode.WithInitiator(pmode.Party{ID: q.InitiatorID, Role: message.RoleInitiator}),
			pmode.WithResponder(pmode.Party{ID: q.ResponderID, Role: message.RoleResponder}),
			pmode.WithAgreement(q.AgreementRef),
			pmode.WithMEP(pmode.MEPOneWay, pmode.BindingPush),
			pmode.WithLeg1(leg),
			pmode.WithCompression(pmode.PayloadService{Compression: compression.ModeGZIP}),
			pmode.WithReceptionAwareness(pmode.ReceptionAwareness{
				Enabled:            true,
				Retry:              s.MaxRetries > 0,
				MaxRetries:         s.MaxRetries,
				RetryInterval:      s.RetryInterval,
				DuplicateDetection: true,
			}),
		)
	}
}

// RegisterBuiltins registers the eu-as4v2 and cef profiles.
func RegisterBuiltins(r *Registry) error {
	builtins := []Profile{
		{
			ID:          IDEUAS4v2,
			DisplayName: "eDelivery AS4 2.0",
			Template: NewTemplate(Settings{
				SignAlgorithm:    pmode.AlgoEd25519,
				DigestAlgorithm:  pmode.HashSHA256,
				EncryptAlgorithm: pmode.DataAlgoAES128GCM,
				MaxRetries:       3,
				RetryInterval:    10 * time.Second,
			}),
		},
		{
			ID:          IDCEF,
			DisplayName: "eDelivery AS4 1.15 (CEF)",
			Template: NewTemplate(Settings{
				SignAlgorithm:    pmode.AlgoRSASHA256,
				DigestAlgorithm:  pmode.HashSHA256,
				EncryptAlgorithm: pmode.DataAlgoAES128GCM,
				MaxRetries:       3,
				RetryInterval:    10 * time.Second,
			}),
		},
	}
	for _, p := range builtins {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}
