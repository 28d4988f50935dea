package pmode

import (
	"github.com/sirosfoundation/as4-engine/pkg/mpc"
)

// Option sets one aspect of a PMode under construction.
type Option func(*PMode)

// New builds a PMode and validates it. Unset MEP and binding default to
// one-way push. A leg without an MPC is bound to the default MPC.
func New(id string, opts ...Option) (*PMode, error) {
	p := &PMode{ID: id}
	for _, opt := range opts {
		opt(p)
	}
	if p.MEP == "" {
		p.MEP = MEPOneWay
	}
	if p.MEPBinding == "" {
		if p.MEP == MEPTwoWay {
			p.MEPBinding = BindingPushAndPush
		} else {
			p.MEPBinding = BindingPush
		}
	}
	for _, leg := range []*Leg{p.Leg1, p.Leg2} {
		if leg != nil && leg.BusinessInfo != nil && leg.BusinessInfo.MPCID == "" {
			leg.BusinessInfo.MPCID = mpc.DefaultID
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// WithInitiator sets the initiating party.
func WithInitiator(party Party) Option {
	return func(p *PMode) { p.Initiator = &party }
}

// WithResponder sets the responding party.
func WithResponder(party Party) Option {
	return func(p *PMode) { p.Responder = &party }
}

// WithAgreement sets the agreement reference.
func WithAgreement(ref string) Option {
	return func(p *PMode) { p.Agreement = ref }
}

// WithMEP sets the exchange pattern and its binding.
func WithMEP(mep MEP, binding MEPBinding) Option {
	return func(p *PMode) {
		p.MEP = mep
		p.MEPBinding = binding
	}
}

// WithLeg1 sets the first leg. The leg is copied.
func WithLeg1(leg *Leg) Option {
	return func(p *PMode) { p.Leg1 = leg.clone() }
}

// WithLeg2 sets the second leg of a two-way exchange. The leg is copied.
func WithLeg2(leg *Leg) Option {
	return func(p *PMode) { p.Leg2 = leg.clone() }
}

// WithCompression enables payload compression.
func WithCompression(ps PayloadService) Option {
	return func(p *PMode) { p.PayloadService = &ps }
}

// WithReceptionAwareness sets the retry and duplicate detection policy.
func WithReceptionAwareness(ra ReceptionAwareness) Option {
	return func(p *PMode) { p.ReceptionAwareness = &ra }
}
