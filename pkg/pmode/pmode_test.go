package pmode

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/as4-engine/pkg/compression"
	"github.com/sirosfoundation/as4-engine/pkg/mpc"
)

func testLeg(service, action string) *Leg {
	return &Leg{BusinessInfo: &BusinessInfo{Service: service, Action: action}}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("test-pmode", WithLeg1(testLeg("svc", "act")))
	require.NoError(t, err)

	assert.Equal(t, MEPOneWay, p.MEP)
	assert.Equal(t, BindingPush, p.MEPBinding)
	assert.Equal(t, mpc.DefaultID, p.Leg1.BusinessInfo.MPCID)
	assert.Nil(t, p.Leg2)
	assert.Equal(t, "svc", p.Service())
	assert.Equal(t, "act", p.Action())
}

func TestNew_CopiesLegs(t *testing.T) {
	leg := testLeg("svc", "act")
	p, err := New("p", WithLeg1(leg))
	require.NoError(t, err)

	leg.BusinessInfo.Action = "changed"
	assert.Equal(t, "act", p.Action())
}

func TestValidate_MEPInvariant(t *testing.T) {
	_, err := New("two-way", WithMEP(MEPTwoWay, BindingPushAndPush), WithLeg1(testLeg("s", "a")))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = New("one-way", WithMEP(MEPOneWay, BindingPush),
		WithLeg1(testLeg("s", "a")), WithLeg2(testLeg("s", "reply")))
	assert.ErrorIs(t, err, ErrInvalid)

	p, err := New("ok", WithMEP(MEPTwoWay, BindingPushAndPull),
		WithLeg1(testLeg("s", "a")), WithLeg2(testLeg("s", "reply")))
	require.NoError(t, err)
	assert.NotNil(t, p.Leg(2))
}

func TestValidate(t *testing.T) {
	base := func() *PMode {
		return &PMode{ID: "p", MEP: MEPOneWay, MEPBinding: BindingPush, Leg1: testLeg("s", "a")}
	}

	tests := []struct {
		name   string
		mutate func(p *PMode)
		ok     bool
	}{
		{"valid", func(p *PMode) {}, true},
		{"missing id", func(p *PMode) { p.ID = "" }, false},
		{"missing leg1", func(p *PMode) { p.Leg1 = nil }, false},
		{"unknown mep", func(p *PMode) { p.MEP = "urn:bogus" }, false},
		{"two-way binding on one-way", func(p *PMode) { p.MEPBinding = BindingPushAndPush }, false},
		{"pull binding", func(p *PMode) { p.MEPBinding = BindingPull }, true},
		{"retry without count", func(p *PMode) {
			p.ReceptionAwareness = &ReceptionAwareness{Enabled: true, Retry: true, RetryInterval: time.Second}
		}, false},
		{"retry without interval", func(p *PMode) {
			p.ReceptionAwareness = &ReceptionAwareness{Enabled: true, Retry: true, MaxRetries: 2}
		}, false},
		{"negative retries", func(p *PMode) {
			p.ReceptionAwareness = &ReceptionAwareness{MaxRetries: -1}
		}, false},
		{"no retry needs no interval", func(p *PMode) {
			p.ReceptionAwareness = &ReceptionAwareness{Enabled: true, DuplicateDetection: true}
		}, true},
		{"bad soap version", func(p *PMode) { p.Leg1.Protocol = &Protocol{SOAPVersion: "2.0"} }, false},
		{"weak encryption", func(p *PMode) {
			p.Leg1.Security = &LegSecurity{EncryptAlgorithm: DataAlgoAES128GCM, EncryptMinimumStrength: 256}
		}, false},
		{"unknown compression", func(p *PMode) {
			p.PayloadService = &PayloadService{Compression: compression.Mode("application/zstd")}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(p)
			err := p.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
			}
		})
	}
}

func TestReceptionAwareness_Flags(t *testing.T) {
	var nilRA *ReceptionAwareness
	assert.False(t, nilRA.RetryEnabled())
	assert.False(t, nilRA.DuplicateDetectionEnabled())

	ra := &ReceptionAwareness{Retry: true, DuplicateDetection: true}
	assert.False(t, ra.RetryEnabled(), "disabled reception awareness never retries")

	ra.Enabled = true
	assert.True(t, ra.RetryEnabled())
	assert.True(t, ra.DuplicateDetectionEnabled())
}

func TestClone_IsDeep(t *testing.T) {
	p, err := New("p",
		WithInitiator(Party{ID: "a"}),
		WithLeg1(&Leg{
			BusinessInfo: &BusinessInfo{Service: "s", Action: "a", Properties: []Property{{Name: "x"}}},
			Reliability:  &Reliability{Correlation: []string{"c1"}},
			Security:     &LegSecurity{EncryptCertificate: []byte{1, 2, 3}},
		}))
	require.NoError(t, err)

	c := p.Clone()
	require.Equal(t, p, c)

	c.Initiator.ID = "b"
	c.Leg1.BusinessInfo.Properties[0].Name = "y"
	c.Leg1.Reliability.Correlation[0] = "c2"
	c.Leg1.Security.EncryptCertificate[0] = 9

	assert.Equal(t, "a", p.Initiator.ID)
	assert.Equal(t, "x", p.Leg1.BusinessInfo.Properties[0].Name)
	assert.Equal(t, "c1", p.Leg1.Reliability.Correlation[0])
	assert.Equal(t, byte(1), p.Leg1.Security.EncryptCertificate[0])
}

func TestDeriveID(t *testing.T) {
	assert.Equal(t, "sender-receiver", DeriveID("sender", "receiver"))
}
