package msh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sirosfoundation/as4-engine/pkg/attachment"
	"github.com/sirosfoundation/as4-engine/pkg/compression"
	"github.com/sirosfoundation/as4-engine/pkg/message"
	"github.com/sirosfoundation/as4-engine/pkg/mime"
	"github.com/sirosfoundation/as4-engine/pkg/msgstate"
	"github.com/sirosfoundation/as4-engine/pkg/pmode"
	"github.com/sirosfoundation/as4-engine/pkg/reliability"
	"github.com/sirosfoundation/as4-engine/pkg/transport"
)

// SenderConfig wires the sender. PModes, Scheduler and Transmitter are
// required.
type SenderConfig struct {
	PModes      *pmode.Resolver
	Security    *SecurityProcessor
	Scheduler   *reliability.Scheduler
	Transmitter Transmitter
	// Endpoints supplies addresses for PModes without one.
	Endpoints  EndpointResolver
	Compressor *compression.Compressor
	TempDir    string
	Logger     *slog.Logger
}

// Sender packages user messages and pushes them under reception awareness.
type Sender struct {
	pmodes      *pmode.Resolver
	security    *SecurityProcessor
	scheduler   *reliability.Scheduler
	transmitter Transmitter
	endpoints   EndpointResolver
	compressor  *compression.Compressor
	tempDir     string
	logger      *slog.Logger
}

// NewSender creates a sender from cfg.
func NewSender(cfg SenderConfig) (*Sender, error) {
	switch {
	case cfg.PModes == nil:
		return nil, errors.New("pmode resolver is required")
	case cfg.Scheduler == nil:
		return nil, errors.New("scheduler is required")
	case cfg.Transmitter == nil:
		return nil, errors.New("transmitter is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Security == nil {
		cfg.Security = NewSecurityProcessor(nil, nil, cfg.Logger)
	}
	if cfg.Compressor == nil {
		cfg.Compressor = compression.NewCompressor()
	}
	return &Sender{
		pmodes:      cfg.PModes,
		security:    cfg.Security,
		scheduler:   cfg.Scheduler,
		transmitter: cfg.Transmitter,
		endpoints:   cfg.Endpoints,
		compressor:  cfg.Compressor,
		tempDir:     cfg.TempDir,
		logger:      cfg.Logger.With(slog.String("component", "msh-sender")),
	}, nil
}

// Send resolves the PMode of out, compresses, signs and encrypts it as the
// PMode demands and hands it to the reliability scheduler. ctx bounds the
// whole delivery including retries. The returned Submission resolves when
// the delivery is acknowledged or has failed for good.
func (s *Sender) Send(ctx context.Context, out *OutboundMessage) (*Submission, error) {
	if out == nil || out.Service == "" || out.Action == "" {
		return nil, fmt.Errorf("%w: service and action are required", ErrInvalidMessage)
	}

	p, err := s.pmodes.FindPMode(ctx, pmode.Query{
		PModeID:     out.PModeID,
		Service:     out.Service,
		Action:      out.Action,
		InitiatorID: out.FromPartyID,
		ResponderID: out.ToPartyID,
	})
	if err != nil {
		if errors.Is(err, pmode.ErrNotFound) {
			return nil, message.NewProcessingError(message.KindProcessingModeMismatch, message.ErrorProcessingModeMismatch, out.MessageID, err)
		}
		return nil, err
	}
	leg := p.Leg1

	endpoint, err := s.endpoint(ctx, p, out)
	if err != nil {
		return nil, err
	}

	msgID := out.MessageID
	if msgID == "" {
		msgID = message.NewMessageID()
	}
	logger := s.logger.With(slog.String("message_id", msgID), slog.String("pmode_id", p.ID))

	body, contentType, err := s.pack(ctx, p, leg, out, msgID)
	if err != nil {
		if pe, ok := message.AsProcessingError(err); ok {
			pe.MessageID = msgID
			pe.PModeID = p.ID
		}
		return nil, err
	}

	var policy pmode.ReceptionAwareness
	if p.ReceptionAwareness != nil {
		policy = *p.ReceptionAwareness
	}
	fut, err := s.scheduler.Schedule(ctx, reliability.Delivery{
		MessageID: msgID,
		PModeID:   p.ID,
		Policy:    policy,
		Send:      s.sendFunc(endpoint, msgID, body, contentType),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("message submitted",
		slog.String("endpoint", endpoint),
		slog.Int("attachments", len(out.Attachments)),
		slog.Int("bytes", len(body)))

	return &Submission{MessageID: msgID, PModeID: p.ID, Endpoint: endpoint, Result: fut}, nil
}

func (s *Sender) endpoint(ctx context.Context, p *pmode.PMode, out *OutboundMessage) (string, error) {
	if proto := p.Leg1.Protocol; proto != nil && proto.Address != "" {
		return proto.Address, nil
	}
	toParty := out.ToPartyID
	if toParty == "" && p.Responder != nil {
		toParty = p.Responder.ID
	}
	if s.endpoints == nil {
		return "", fmt.Errorf("%w: pmode %s", ErrNoAddress, p.ID)
	}
	addr, err := s.endpoints.ResolveEndpoint(ctx, toParty, out.Service, out.Action)
	if err != nil {
		return "", err
	}
	return addr, nil
}

// pack builds the MIME package of the message. Temporary files live only
// for the duration of the call since the package is held in memory.
func (s *Sender) pack(ctx context.Context, p *pmode.PMode, leg *pmode.Leg, out *OutboundMessage, msgID string) ([]byte, string, error) {
	scope := attachment.NewScope(s.tempDir)
	defer func() {
		if err := scope.Close(); err != nil {
			s.logger.Warn("removing temp files", slog.String("message_id", msgID), slog.String("error", err.Error()))
		}
	}()

	atts := make(attachment.List, 0, len(out.Attachments))
	for _, a := range out.Attachments {
		if p.PayloadService != nil && p.PayloadService.Compression.Enabled() {
			c, err := scope.Compress(a, s.compressor)
			if err != nil {
				return nil, "", err
			}
			a = c
		}
		atts = append(atts, a)
	}

	um, err := s.userMessage(p, leg, out, msgID, atts)
	if err != nil {
		return nil, "", err
	}

	soapVersion := pmode.SOAP12
	if leg.Protocol != nil && leg.Protocol.SOAPVersion != "" {
		soapVersion = leg.Protocol.SOAPVersion
	}
	soapNS := message.SOAPNamespace(string(soapVersion))
	doc, err := message.BuildEnvelope(&message.Messaging{UserMessage: um}, soapNS)
	if err != nil {
		return nil, "", err
	}
	doc, atts, err = s.security.Secure(ctx, doc, leg, atts)
	if err != nil {
		return nil, "", err
	}
	envelope, err := doc.WriteToBytes()
	if err != nil {
		return nil, "", fmt.Errorf("serializing envelope: %w", err)
	}
	return mime.NewMessage(envelope, soapNS, atts).Bytes()
}

func (s *Sender) userMessage(p *pmode.PMode, leg *pmode.Leg, out *OutboundMessage, msgID string, atts attachment.List) (*message.UserMessage, error) {
	from, fromType := out.FromPartyID, out.FromPartyType
	if from == "" && p.Initiator != nil {
		from, fromType = p.Initiator.ID, p.Initiator.Type
	}
	to, toType := out.ToPartyID, out.ToPartyType
	if to == "" && p.Responder != nil {
		to, toType = p.Responder.ID, p.Responder.Type
	}
	serviceType := out.ServiceType
	mpcID := ""
	if bi := leg.BusinessInfo; bi != nil {
		if serviceType == "" {
			serviceType = bi.ServiceType
		}
		mpcID = bi.MPCID
	}

	opts := []message.Option{
		message.WithMessageID(msgID),
		message.WithFrom(from, fromType),
		message.WithTo(to, toType),
		message.WithService(out.Service, serviceType),
		message.WithAction(out.Action),
		message.WithAgreementRef(p.Agreement, p.ID),
		message.WithProperties(out.Properties...),
	}
	if p.Initiator != nil && p.Initiator.Role != "" {
		opts = append(opts, message.WithFromRole(p.Initiator.Role))
	}
	if p.Responder != nil && p.Responder.Role != "" {
		opts = append(opts, message.WithToRole(p.Responder.Role))
	}
	if out.ConversationID != "" {
		opts = append(opts, message.WithConversationID(out.ConversationID))
	}
	if out.RefToMessageID != "" {
		opts = append(opts, message.WithRefToMessageID(out.RefToMessageID))
	}
	if mpcID != "" {
		opts = append(opts, message.WithMPC(mpcID))
	}

	b := message.NewUserMessage(opts...)
	for _, a := range atts {
		b.AddPart(a.ID, a.PartProperties()...)
	}
	um, err := b.Build()
	if err != nil {
		return nil, message.NewProcessingError(message.KindContent, message.ErrorInvalidHeader, msgID, err)
	}
	return um, nil
}

func (s *Sender) sendFunc(endpoint, msgID string, body []byte, contentType string) reliability.SendFunc {
	return func(ctx context.Context, _ int) (bool, error) {
		resp, err := s.transmitter.Transmit(ctx, endpoint, body, contentType)
		if err != nil {
			if pe, ok := message.AsProcessingError(err); ok && pe.MessageID == "" {
				pe.MessageID = msgID
			}
			return false, err
		}
		return s.interpret(ctx, msgID, resp)
	}
}

// interpret reads the synchronous answer to a push. It reports true for a
// receipt of msgID. An empty 2xx answer leaves the receipt to arrive later.
func (s *Sender) interpret(ctx context.Context, msgID string, resp *transport.Response) (bool, error) {
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		if resp.OK() {
			return false, nil
		}
		return false, message.Errorf(message.KindContent, message.ErrorDeliveryFailure, msgID,
			"receiver answered %d", resp.StatusCode)
	}

	contentType := resp.ContentType
	if contentType == "" {
		contentType = mime.ContentTypeSOAPXML
	}
	pkg, err := mime.Parse(bytes.NewReader(resp.Body), contentType)
	if err != nil {
		return false, message.NewProcessingError(message.KindContent, message.ErrorInvalidReceipt, msgID, err)
	}
	doc, messaging, err := message.ParseEnvelopeBytes(pkg.Envelope)
	if err != nil {
		return false, message.NewProcessingError(message.KindContent, message.ErrorInvalidReceipt, msgID, err)
	}
	sig := messaging.SignalMessage
	if sig == nil {
		if resp.OK() {
			return false, nil
		}
		return false, message.Errorf(message.KindContent, message.ErrorDeliveryFailure, msgID,
			"receiver answered %d without a signal", resp.StatusCode)
	}

	st := msgstate.New(sig.MessageInfo.MessageId, sig.MessageInfo.Timestamp)
	st.Messaging = messaging
	if err := s.security.VerifySignal(ctx, doc, st); err != nil {
		if pe, ok := message.AsProcessingError(err); ok {
			pe.MessageID = msgID
		}
		return false, err
	}

	if pe := SignalFailure(sig); pe != nil {
		pe.MessageID = msgID
		return false, pe
	}
	if sig.Receipt != nil {
		if ref := sig.MessageInfo.RefToMessageId; ref != msgID {
			return false, message.Errorf(message.KindContent, message.ErrorInvalidReceipt, msgID,
				"receipt references %q", ref)
		}
		return true, nil
	}
	return false, nil
}
