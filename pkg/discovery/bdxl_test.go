package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testParty = "urn:oasis:names:tc:ebcore:partyid-type:iso6523:0088:4035811991021"

// startDNS serves the given answers by query name on a loopback UDP socket.
func startDNS(t *testing.T, answers map[string][]string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(req)
			rrs, ok := answers[req.Question[0].Name]
			if !ok {
				m.Rcode = dns.RcodeNameError
			}
			for _, s := range rrs {
				rr, err := dns.NewRR(s)
				if err == nil {
					m.Answer = append(m.Answer, rr)
				}
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func naptr(name, service, target string, order, pref int) string {
	return fmt.Sprintf(`%s 60 IN NAPTR %d %d "U" "%s" "!.*!%s!" .`, name, order, pref, service, target)
}

type failingExchanger struct{ rcode int }

func (f failingExchanger) ExchangeContext(_ context.Context, m *dns.Msg, _ string) (*dns.Msg, time.Duration, error) {
	if f.rcode < 0 {
		return nil, 0, errors.New("network unreachable")
	}
	r := new(dns.Msg)
	r.SetRcode(m, f.rcode)
	return r, 0, nil
}

func TestLocator_QueryName(t *testing.T) {
	l := NewLocator(LocatorConfig{Domain: "bdxl.example.org"})
	name, err := l.QueryName(testParty)
	require.NoError(t, err)

	label, rest, ok := strings.Cut(name, ".")
	require.True(t, ok)
	assert.Equal(t, "bdxl.example.org.", rest)
	assert.Len(t, label, 52)
	assert.NotContains(t, label, "=")
	assert.Equal(t, strings.ToUpper(label), label)

	again, err := l.QueryName(testParty)
	require.NoError(t, err)
	assert.Equal(t, name, again)

	other, err := l.QueryName(FormatEbCorePartyID("iso6523", "0088", "1"))
	require.NoError(t, err)
	assert.NotEqual(t, name, other)

	acc := NewLocator(LocatorConfig{Domain: "bdxl.example.org", Environment: EnvAcceptance})
	accName, err := acc.QueryName(testParty)
	require.NoError(t, err)
	assert.Equal(t, label+".acceptance.bdxl.example.org.", accName)

	_, err = l.QueryName(" ")
	assert.ErrorIs(t, err, ErrInvalidPartyID)
}

func TestLocator_Locate(t *testing.T) {
	l := NewLocator(LocatorConfig{Domain: "bdxl.example.org"})
	name, err := l.QueryName(testParty)
	require.NoError(t, err)

	addr := startDNS(t, map[string][]string{
		name: {
			naptr(name, ServiceSMP2, "https://smp2.example.org/", 100, 10),
			naptr(name, ServiceSMP1, "https://smp-slow.example.org/", 100, 20),
			naptr(name, ServiceSMP1, "https://smp.example.org/", 100, 10),
		},
	})
	l = NewLocator(LocatorConfig{Domain: "bdxl.example.org", DNSServer: addr})

	got, err := l.Locate(context.Background(), testParty)
	require.NoError(t, err)
	assert.Equal(t, "https://smp.example.org/", got)

	l2 := NewLocator(LocatorConfig{Domain: "bdxl.example.org", DNSServer: addr, Service: ServiceSMP2})
	got, err = l2.Locate(context.Background(), testParty)
	require.NoError(t, err)
	assert.Equal(t, "https://smp2.example.org/", got)

	_, err = l.Locate(context.Background(), "unknown-party")
	assert.ErrorIs(t, err, ErrNoRecords)
}

func TestLocator_Failures(t *testing.T) {
	l := NewLocator(LocatorConfig{Domain: "d", DNSServer: "127.0.0.1:53", Exchanger: failingExchanger{rcode: -1}})
	_, err := l.Locate(context.Background(), testParty)
	assert.ErrorContains(t, err, "network unreachable")

	l = NewLocator(LocatorConfig{Domain: "d", DNSServer: "127.0.0.1:53", Exchanger: failingExchanger{rcode: dns.RcodeServerFailure}})
	_, err = l.Locate(context.Background(), testParty)
	assert.ErrorContains(t, err, "SERVFAIL")

	l = NewLocator(LocatorConfig{Domain: "d", DNSServer: "127.0.0.1:53", Exchanger: failingExchanger{rcode: dns.RcodeSuccess}})
	_, err = l.Locate(context.Background(), testParty)
	assert.ErrorIs(t, err, ErrNoRecords)
}

func TestSelectRecord(t *testing.T) {
	rec := func(flags, service string, order, pref uint16) *dns.NAPTR {
		return &dns.NAPTR{Flags: flags, Service: service, Order: order, Preference: pref}
	}
	a := rec("U", ServiceSMP1, 100, 10)
	b := rec("U", ServiceSMP1, 50, 90)
	c := rec("S", ServiceSMP1, 1, 1)
	d := rec("U", "x-other", 1, 1)
	e := rec("u", "meta:smp", 50, 5)

	assert.Same(t, b, selectRecord([]*dns.NAPTR{a, b, c, d}, ServiceSMP1))
	assert.Same(t, e, selectRecord([]*dns.NAPTR{a, b, e}, ServiceSMP1), "flags and service compare case-insensitively")
	assert.Same(t, a, selectRecord([]*dns.NAPTR{a, rec("U", ServiceSMP2, 1, 1)}, ServiceSMP1), "preferred service wins over order")
	assert.Nil(t, selectRecord([]*dns.NAPTR{c, d}, ServiceSMP1))
}

func TestReplacementURL(t *testing.T) {
	got, err := replacementURL("!^.*$!https://smp.example.org/path!")
	require.NoError(t, err)
	assert.Equal(t, "https://smp.example.org/path", got)

	got, err = replacementURL("#.*#http://smp.local/#")
	require.NoError(t, err)
	assert.Equal(t, "http://smp.local/", got)

	for _, bad := range []string{"", "!.*!!", "!.*!ftp://smp.example.org/!", "!.*"} {
		_, err := replacementURL(bad)
		assert.ErrorIs(t, err, ErrInvalidRecord, bad)
	}
}
