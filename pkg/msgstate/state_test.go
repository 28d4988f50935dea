package msgstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/as4-engine/pkg/attachment"
	"github.com/sirosfoundation/as4-engine/pkg/message"
	"github.com/sirosfoundation/as4-engine/pkg/pmode"
)

func TestState_Accessors(t *testing.T) {
	s := New("in-1", time.Now())
	assert.Equal(t, "", s.MessageID())
	assert.Equal(t, "", s.PModeID())
	assert.Equal(t, "en", s.Locale)

	um, err := message.NewUserMessage(
		message.WithMessageID("m-1"),
		message.WithFrom("a", ""),
		message.WithTo("b", ""),
		message.WithService("svc", ""),
		message.WithAction("act"),
	).Build()
	require.NoError(t, err)
	s.Messaging = &message.Messaging{UserMessage: um}
	assert.Equal(t, "m-1", s.MessageID())

	p, err := pmode.New("pm", pmode.WithLeg1(&pmode.Leg{BusinessInfo: &pmode.BusinessInfo{Service: "svc"}}))
	require.NoError(t, err)
	s.SetPMode(p, 1)
	assert.Equal(t, "pm", s.PModeID())
	assert.Equal(t, "svc", s.EffectiveLeg.BusinessInfo.Service)
}

func TestState_Attachments(t *testing.T) {
	s := New("in-1", time.Now())
	orig := attachment.List{attachment.New("a", "text/plain", []byte("cipher"))}
	dec := attachment.List{attachment.New("a", "text/plain", []byte("plain"))}
	s.OriginalAttachments = orig
	assert.Equal(t, orig, s.Attachments())

	s.DecryptedAttachments = dec
	s.Decrypted = true
	assert.Equal(t, dec, s.Attachments())

	s.AddCompressedAttachment("a")
	assert.Equal(t, []string{"a"}, s.CompressedAttachmentIDs)
}

func TestTypedAttributes(t *testing.T) {
	s := New("in-1", time.Now())
	count := NewKey[int]("count")
	label := NewKey[string]("count")

	_, ok := Get(s, count)
	assert.False(t, ok)

	Set(s, count, 3)
	v, ok := Get(s, count)
	require.True(t, ok)
	assert.Equal(t, 3, v)

	_, ok = Get(s, label)
	assert.False(t, ok, "same name, different type")

	Delete(s, count)
	_, ok = Get(s, count)
	assert.False(t, ok)
	assert.Equal(t, "count", count.Name())
}
