package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/as4-engine/pkg/attachment"
	"github.com/sirosfoundation/as4-engine/pkg/message"
	"github.com/sirosfoundation/as4-engine/pkg/spi"
)

func userMessage(t *testing.T, id string) *message.UserMessage {
	t.Helper()
	um, err := message.NewUserMessage(
		message.WithMessageID(id),
		message.WithFrom("sender", "urn:test"),
		message.WithTo("receiver", "urn:test"),
		message.WithService(testService, ""),
		message.WithAction(testAction),
	).Build()
	require.NoError(t, err)
	return um
}

func TestDumpProcessor(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDumpProcessor(dir, nil)
	require.NoError(t, err)

	body := etree.NewElement("Order")
	body.CreateElement("ID").SetText("7")

	res, err := d.ProcessUserMessage(context.Background(), &spi.UserMessageRequest{
		UserMessage: userMessage(t, "../escape/m1"),
		Payload:     body,
		Attachments: attachment.List{attachment.New("cid/a:1", "text/plain", []byte("hello"))},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	msgDir := filepath.Join(dir, "__escape_m1")
	data, err := os.ReadFile(filepath.Join(msgDir, "cid_a_1"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromFile(filepath.Join(msgDir, "body.xml")))
	assert.Equal(t, "7", doc.FindElement("//ID").Text())

	res, err = d.ProcessSignalMessage(context.Background(), &spi.SignalMessageRequest{})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestNewDumpProcessor_RequiresDir(t *testing.T) {
	_, err := NewDumpProcessor("", nil)
	assert.Error(t, err)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "_", fileName(""))
	assert.Equal(t, "_", fileName("."))
	assert.Equal(t, "a_b", fileName("a/b"))
	assert.Equal(t, "m@x", fileName(" m@x "))
}
