package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/as4-engine/pkg/spi"
)

// DumpProcessorName is the registry name of the dump processor.
const DumpProcessorName = "dump"

var fileNameReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")

// DumpProcessor writes every received user message to a directory, one
// subdirectory per message ID holding the SOAP body and the attachments.
type DumpProcessor struct {
	dir    string
	logger *slog.Logger
}

// NewDumpProcessor creates a processor writing below dir.
func NewDumpProcessor(dir string, logger *slog.Logger) (*DumpProcessor, error) {
	if dir == "" {
		return nil, fmt.Errorf("dump directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating dump directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DumpProcessor{dir: dir, logger: logger.With(slog.String("component", "dump"))}, nil
}

// ProcessUserMessage implements spi.Processor.
func (d *DumpProcessor) ProcessUserMessage(_ context.Context, req *spi.UserMessageRequest) (spi.Result, error) {
	msgID := req.UserMessage.MessageInfo.MessageId
	dir := filepath.Join(d.dir, fileName(msgID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return spi.Result{}, fmt.Errorf("creating message directory: %w", err)
	}

	if req.Payload != nil {
		doc := etree.NewDocument()
		doc.SetRoot(req.Payload.Copy())
		doc.Indent(2)
		if err := doc.WriteToFile(filepath.Join(dir, "body.xml")); err != nil {
			return spi.Result{}, fmt.Errorf("writing body: %w", err)
		}
	}
	for _, a := range req.Attachments {
		if err := d.writeAttachment(dir, a.ID, a.Open); err != nil {
			return spi.Result{}, err
		}
	}

	d.logger.Info("message dumped",
		slog.String("message_id", msgID),
		slog.String("incoming_id", req.Metadata.IncomingID),
		slog.Int("attachments", len(req.Attachments)))
	return spi.Success(), nil
}

func (d *DumpProcessor) writeAttachment(dir, id string, open func() (io.ReadCloser, error)) error {
	src, err := open()
	if err != nil {
		return fmt.Errorf("opening attachment %s: %w", id, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(filepath.Join(dir, fileName(id)), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("creating attachment file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("writing attachment %s: %w", id, err)
	}
	return dst.Close()
}

// ProcessSignalMessage implements spi.Processor. Signals are not dumped.
func (d *DumpProcessor) ProcessSignalMessage(context.Context, *spi.SignalMessageRequest) (spi.Result, error) {
	return spi.Success(), nil
}

func fileName(id string) string {
	name := fileNameReplacer.Replace(strings.TrimSpace(id))
	if name == "" || name == "." {
		return "_"
	}
	return name
}
