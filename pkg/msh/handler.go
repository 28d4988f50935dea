package msh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/sirosfoundation/as4-engine/pkg/attachment"
	"github.com/sirosfoundation/as4-engine/pkg/compression"
	"github.com/sirosfoundation/as4-engine/pkg/message"
	"github.com/sirosfoundation/as4-engine/pkg/mime"
	"github.com/sirosfoundation/as4-engine/pkg/mpc"
	"github.com/sirosfoundation/as4-engine/pkg/msgstate"
	"github.com/sirosfoundation/as4-engine/pkg/pmode"
	"github.com/sirosfoundation/as4-engine/pkg/reliability"
	"github.com/sirosfoundation/as4-engine/pkg/security"
	"github.com/sirosfoundation/as4-engine/pkg/spi"
	"github.com/sirosfoundation/as4-engine/pkg/worker"
)

// DefaultMaxBodySize bounds the size of an inbound request.
const DefaultMaxBodySize = 64 << 20

// Config wires the inbound handler to its collaborators. PModes is
// required, everything else is optional.
type Config struct {
	PModes   *pmode.Resolver
	Security *SecurityProcessor
	// Duplicates suppresses redelivered messages of PModes with duplicate
	// detection enabled.
	Duplicates reliability.DuplicateStore
	// Scheduler receives the receipts and error signals of outbound
	// messages.
	Scheduler  *reliability.Scheduler
	MPCs       *mpc.Manager
	Processors *spi.Registry
	// Pool runs ServeHTTP requests. Without a pool they run on the
	// connection goroutine.
	Pool        *worker.Pool
	Compressor  *compression.Compressor
	TempDir     string
	MaxBodySize int64
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Request is an inbound message as read from the transport.
type Request struct {
	ContentType string
	Body        io.Reader
	Headers     http.Header
	RemoteAddr  string
}

// Handler processes inbound AS4 messages. It is an http.Handler.
type Handler struct {
	pmodes      *pmode.Resolver
	security    *SecurityProcessor
	duplicates  reliability.DuplicateStore
	scheduler   *reliability.Scheduler
	mpcs        *mpc.Manager
	processors  *spi.Registry
	pool        *worker.Pool
	compressor  *compression.Compressor
	tempDir     string
	maxBodySize int64
	logger      *slog.Logger
	now         func() time.Time

	responses *responseCache
}

// NewHandler creates a handler from cfg.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.PModes == nil {
		return nil, errors.New("pmode resolver is required")
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
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Handler{
		pmodes:      cfg.PModes,
		security:    cfg.Security,
		duplicates:  cfg.Duplicates,
		scheduler:   cfg.Scheduler,
		mpcs:        cfg.MPCs,
		processors:  cfg.Processors,
		pool:        cfg.Pool,
		compressor:  cfg.Compressor,
		tempDir:     cfg.TempDir,
		maxBodySize: cfg.MaxBodySize,
		logger:      cfg.Logger.With(slog.String("component", "msh-inbound")),
		now:         cfg.Clock,
		responses:   newResponseCache(),
	}, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	req := &Request{
		ContentType: r.Header.Get("Content-Type"),
		Body:        bytes.NewReader(body),
		Headers:     r.Header.Clone(),
		RemoteAddr:  r.RemoteAddr,
	}

	var resp *Response
	if h.pool != nil {
		fut, err := worker.Submit(r.Context(), h.pool, func(ctx context.Context) (*Response, error) {
			return h.Handle(ctx, req)
		})
		if err != nil {
			h.logger.Warn("inbound request refused", slog.String("error", err.Error()))
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
			return
		}
		resp, err = fut.Wait(r.Context())
		if err != nil {
			h.internalError(w, req, err)
			return
		}
	} else {
		resp, err = h.Handle(r.Context(), req)
		if err != nil {
			h.internalError(w, req, err)
			return
		}
	}

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, req *Request, err error) {
	h.logger.Error("inbound processing failed",
		slog.String("remote_addr", req.RemoteAddr),
		slog.String("error", err.Error()))
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

// Handle processes one inbound message and returns the answer to send.
// Protocol failures are answered with an error signal. An error is
// returned only when the message could not be processed at all, in which
// case the sender is expected to retry.
func (h *Handler) Handle(ctx context.Context, req *Request) (*Response, error) {
	now := h.now()
	st := msgstate.New(uuid.NewString(), now)
	meta := spi.Metadata{IncomingID: st.IncomingID, ReceivedAt: now, RemoteAddr: req.RemoteAddr}

	scope := attachment.NewScope(h.tempDir)
	defer func() {
		if err := scope.Close(); err != nil {
			h.logger.Warn("removing temp files", slog.String("incoming_id", st.IncomingID), slog.String("error", err.Error()))
		}
	}()

	resp, err := h.process(ctx, req, st, meta, scope)
	if err == nil {
		return resp, nil
	}
	pe, ok := message.AsProcessingError(err)
	if !ok {
		return nil, err
	}
	return h.reject(ctx, st, pe)
}

func (h *Handler) process(ctx context.Context, req *Request, st *msgstate.State, meta spi.Metadata, scope *attachment.Scope) (*Response, error) {
	msg, err := mime.Parse(req.Body, req.ContentType)
	if err != nil {
		return nil, message.NewProcessingError(message.KindContent, message.ErrorMimeInconsistency, "", err)
	}
	doc, messaging, err := message.ParseEnvelopeBytes(msg.Envelope)
	if err != nil {
		return nil, message.NewProcessingError(message.KindContent, message.ErrorInvalidHeader, "", err)
	}
	st.Messaging = messaging
	st.SOAPVersion = soapVersion(doc)
	st.OriginalAttachments = msg.Attachments

	if messaging.UserMessage == nil {
		return h.processSignal(ctx, req, st, meta, doc)
	}
	return h.processUserMessage(ctx, req, st, meta, doc, scope)
}

func (h *Handler) processUserMessage(ctx context.Context, req *Request, st *msgstate.State, meta spi.Metadata, doc *etree.Document, scope *attachment.Scope) (*Response, error) {
	um := st.Messaging.UserMessage
	msgID := um.MessageInfo.MessageId
	if err := message.ValidateUserMessage(um); err != nil {
		return nil, message.NewProcessingError(message.KindContent, message.ErrorInvalidHeader, msgID, err)
	}

	p, err := h.resolvePMode(ctx, um)
	if err != nil {
		return nil, err
	}
	legNumber := 1
	if um.MessageInfo.RefToMessageId != "" && p.Leg2 != nil {
		legNumber = 2
	}
	st.SetPMode(p, legNumber)
	st.InitiatorID = um.FromPartyID()
	st.ResponderID = um.ToPartyID()
	logger := h.logger.With(slog.String("message_id", msgID), slog.String("pmode_id", p.ID))

	if err := h.checkLeg(st, um); err != nil {
		return nil, err
	}

	atts := st.OriginalAttachments
	doc, atts, err = h.security.Unsecure(ctx, doc, st.EffectiveLeg, atts, st)
	if err != nil {
		return nil, err
	}
	atts, err = h.unpack(um, atts, scope, st)
	if err != nil {
		return nil, err
	}

	if h.duplicates == nil || !p.ReceptionAwareness.DuplicateDetectionEnabled() {
		return h.deliverOrReject(ctx, req, st, meta, doc, atts)
	}

	// One request per message ID runs at a time. Redeliveries arriving
	// meanwhile wait for its answer and replay it.
	for {
		cached, wait, owner := h.responses.claim(msgID)
		if cached != nil {
			logger.Info("duplicate message acknowledged")
			cached.Duplicate = true
			return cached, nil
		}
		if owner {
			break
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var resp *Response
	defer func() { h.responses.settle(msgID, resp) }()

	seen, err := h.duplicates.Seen(ctx, msgID)
	if err != nil {
		return nil, fmt.Errorf("looking up message %s: %w", msgID, err)
	}
	if seen {
		// Accepted before the answers were kept, e.g. before a restart.
		logger.Info("duplicate message acknowledged")
		resp, err = h.duplicate(ctx, st, doc)
		return resp, err
	}

	out, err := h.deliverOrReject(ctx, req, st, meta, doc, atts)
	if err != nil {
		return nil, err
	}
	// The ID becomes durable only once the message was answered, so a
	// crash before that point makes the redelivery count as new.
	isNew, err := h.duplicates.RecordIfNew(ctx, msgID)
	if err != nil {
		return nil, fmt.Errorf("recording message %s: %w", msgID, err)
	}
	if !isNew {
		logger.Debug("message recorded concurrently by another node")
	}
	resp = out
	return resp, nil
}

// deliverOrReject delivers the message and turns a processing error into
// an error signal.
func (h *Handler) deliverOrReject(ctx context.Context, req *Request, st *msgstate.State, meta spi.Metadata, doc *etree.Document, atts attachment.List) (*Response, error) {
	resp, err := h.deliver(ctx, req, st, meta, doc, atts)
	if err == nil {
		return resp, nil
	}
	pe, ok := message.AsProcessingError(err)
	if !ok {
		return nil, err
	}
	return h.reject(ctx, st, pe)
}

// deliver hands the message to the processors and builds the receipt.
func (h *Handler) deliver(ctx context.Context, req *Request, st *msgstate.State, meta spi.Metadata, doc *etree.Document, atts attachment.List) (*Response, error) {
	um := st.Messaging.UserMessage
	if h.processors != nil {
		if _, err := h.processors.DispatchUserMessage(ctx, &spi.UserMessageRequest{
			Metadata:    meta,
			Headers:     req.Headers,
			UserMessage: um,
			PMode:       st.PMode,
			Payload:     bodyPayload(doc),
			Attachments: atts,
			State:       st,
		}); err != nil {
			return nil, err
		}
	} else {
		h.logger.Warn("no processor registry, message discarded",
			slog.String("message_id", um.MessageInfo.MessageId))
	}

	resp, err := h.receipt(ctx, st, doc)
	if err != nil {
		return nil, err
	}
	if h.processors != nil {
		respID := ""
		if resp.Signal != nil {
			respID = resp.Signal.MessageInfo.MessageId
		}
		h.processors.NotifyResponse(ctx, meta, st, respID, resp.Body)
	}
	return resp, nil
}

func (h *Handler) resolvePMode(ctx context.Context, um *message.UserMessage) (*pmode.PMode, error) {
	q := pmode.Query{
		Service:     um.CollaborationInfo.Service.Value,
		Action:      um.CollaborationInfo.Action,
		InitiatorID: um.FromPartyID(),
		ResponderID: um.ToPartyID(),
	}
	if ar := um.CollaborationInfo.AgreementRef; ar != nil {
		q.PModeID = ar.Pmode
		q.AgreementRef = ar.Value
	}
	p, err := h.pmodes.FindPMode(ctx, q)
	if err != nil {
		if errors.Is(err, pmode.ErrNotFound) {
			return nil, message.NewProcessingError(message.KindProcessingModeMismatch, message.ErrorProcessingModeMismatch,
				um.MessageInfo.MessageId, err)
		}
		return nil, err
	}
	return p, nil
}

// checkLeg rejects messages the resolved leg does not allow and resolves
// the MPC.
func (h *Handler) checkLeg(st *msgstate.State, um *message.UserMessage) error {
	msgID := um.MessageInfo.MessageId
	leg := st.EffectiveLeg
	if leg == nil {
		return message.Errorf(message.KindProcessingModeMismatch, message.ErrorProcessingModeMismatch, msgID,
			"pmode has no leg %d", st.LegNumber).WithPMode(st.PModeID())
	}

	mpcID := um.MPC
	if bi := leg.BusinessInfo; bi != nil {
		if bi.Service != "" && bi.Service != um.CollaborationInfo.Service.Value {
			return message.Errorf(message.KindProcessingModeMismatch, message.ErrorProcessingModeMismatch, msgID,
				"service %q does not match pmode service %q", um.CollaborationInfo.Service.Value, bi.Service).WithPMode(st.PModeID())
		}
		if bi.Action != "" && bi.Action != um.CollaborationInfo.Action {
			return message.Errorf(message.KindProcessingModeMismatch, message.ErrorProcessingModeMismatch, msgID,
				"action %q does not match pmode action %q", um.CollaborationInfo.Action, bi.Action).WithPMode(st.PModeID())
		}
		if mpcID == "" {
			mpcID = bi.MPCID
		}
	}

	if h.mpcs != nil {
		if mpcID != "" && !h.mpcs.Contains(mpcID) {
			return message.Errorf(message.KindContent, message.ErrorValueNotRecognized, msgID,
				"unknown mpc %q", mpcID).WithPMode(st.PModeID())
		}
		st.MPC = h.mpcs.GetOrDefault(mpcID)
	}
	return nil
}

// unpack applies the PartInfo metadata to the attachments and decompresses
// them into scope.
func (h *Handler) unpack(um *message.UserMessage, atts attachment.List, scope *attachment.Scope, st *msgstate.State) (attachment.List, error) {
	msgID := um.MessageInfo.MessageId
	for _, pi := range um.PayloadInfo {
		if strings.HasPrefix(pi.Href, "cid:") && atts.Find(pi.Href) == nil {
			return nil, message.Errorf(message.KindContent, message.ErrorMimeInconsistency, msgID,
				"payload %s is not in the message", pi.Href).WithPMode(st.PModeID())
		}
	}

	meta := message.ExtractPayloadMetadata(um)
	out := make(attachment.List, 0, len(atts))
	for _, a := range atts {
		if err := a.ApplyPartInfo(meta[a.ID]); err != nil {
			return nil, message.NewProcessingError(message.KindContent, message.ErrorDecompressionFailure, msgID, err).WithPMode(st.PModeID())
		}
		if a.Compression.Enabled() {
			st.AddCompressedAttachment(a.ID)
			plain, err := scope.Decompress(a, h.compressor)
			if err != nil {
				return nil, message.NewProcessingError(message.KindContent, message.ErrorDecompressionFailure, msgID, err).WithPMode(st.PModeID())
			}
			a = plain
		}
		out = append(out, a)
	}
	return out, nil
}

// duplicate answers a message found in the duplicate store whose
// original answer is no longer kept. It is not processed again.
func (h *Handler) duplicate(ctx context.Context, st *msgstate.State, doc *etree.Document) (*Response, error) {
	resp, err := h.receipt(ctx, st, doc)
	if err != nil {
		return nil, err
	}
	resp.Duplicate = true
	return resp, nil
}

// receipt builds the receipt the leg asks for.
func (h *Handler) receipt(ctx context.Context, st *msgstate.State, doc *etree.Document) (*Response, error) {
	msgID := st.MessageID()
	sec := st.EffectiveLeg.Security
	if sec != nil && !sec.SendReceipt {
		return &Response{StatusCode: http.StatusOK, MessageID: msgID}, nil
	}
	if sec != nil && sec.ReplyPattern == pmode.ReplyCallback {
		// The receipt travels on a separate connection.
		return &Response{StatusCode: http.StatusAccepted, MessageID: msgID}, nil
	}

	var digests []message.PartDigest
	if sec != nil && sec.NonRepudiation {
		digests = security.SignedReferences(doc)
	}
	return h.signalResponse(ctx, st, message.NewReceipt(msgID, digests...), http.StatusOK)
}

// reject turns pe into an error signal response and logs the decision.
func (h *Handler) reject(ctx context.Context, st *msgstate.State, pe *message.ProcessingError) (*Response, error) {
	if pe.MessageID == "" {
		pe.MessageID = st.MessageID()
	}
	if pe.PModeID == "" {
		pe.PModeID = st.PModeID()
	}

	level := slog.LevelWarn
	status := http.StatusBadRequest
	if pe.Code.Severity == message.SeverityWarning {
		level = slog.LevelInfo
		status = http.StatusOK
	}
	h.logger.Log(ctx, level, "inbound message rejected",
		slog.String("incoming_id", st.IncomingID),
		slog.String("message_id", pe.MessageID),
		slog.String("pmode_id", pe.PModeID),
		slog.String("kind", pe.Kind.String()),
		slog.String("code", pe.Code.Code),
		slog.String("error", pe.Error()))

	return h.signalResponse(ctx, st, message.NewErrorSignal(pe.MessageID, pe.Signal()), status)
}

func (h *Handler) signalResponse(ctx context.Context, st *msgstate.State, sig *message.SignalMessage, status int) (*Response, error) {
	soapNS := message.SOAPNamespace(st.SOAPVersion)
	doc, err := message.BuildEnvelope(&message.Messaging{SignalMessage: sig}, soapNS)
	if err != nil {
		return nil, fmt.Errorf("building signal: %w", err)
	}
	if st.EffectiveLeg != nil {
		doc, err = h.security.SignSignal(ctx, doc, st.EffectiveLeg)
		if err != nil {
			return nil, fmt.Errorf("signing signal: %w", err)
		}
	}
	body, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serializing signal: %w", err)
	}
	return &Response{
		StatusCode:  status,
		ContentType: mime.EnvelopeContentType(soapNS) + "; charset=utf-8",
		Body:        body,
		MessageID:   sig.MessageInfo.RefToMessageId,
		Signal:      sig,
	}, nil
}

func (h *Handler) processSignal(ctx context.Context, req *Request, st *msgstate.State, meta spi.Metadata, doc *etree.Document) (*Response, error) {
	sig := st.Messaging.SignalMessage
	msgID := sig.MessageInfo.MessageId
	ref := sig.MessageInfo.RefToMessageId
	logger := h.logger.With(slog.String("message_id", msgID), slog.String("ref_to_message_id", ref))

	if err := h.security.VerifySignal(ctx, doc, st); err != nil {
		if pe, ok := message.AsProcessingError(err); ok {
			pe.MessageID = msgID
		}
		return nil, err
	}

	if sig.PullRequest != nil {
		return nil, h.pull(sig)
	}

	if h.scheduler != nil && ref != "" {
		if status, ok := h.scheduler.Status(ref); ok {
			if p, err := h.pmodes.FindPMode(ctx, pmode.Query{PModeID: status.PModeID}); err == nil {
				st.SetPMode(p, 1)
			}
		}
		switch {
		case sig.Receipt != nil:
			if !h.scheduler.Acknowledge(ref) {
				logger.Debug("receipt for untracked or finished message")
			}
		case len(sig.Errors) > 0:
			if pe := SignalFailure(sig); pe != nil && !h.scheduler.Reject(ref, pe) {
				logger.Debug("error signal for untracked or finished message")
			}
		}
	}

	if h.processors != nil {
		if err := h.processors.DispatchSignalMessage(ctx, &spi.SignalMessageRequest{
			Metadata:      meta,
			Headers:       req.Headers,
			SignalMessage: sig,
			PMode:         st.PMode,
			State:         st,
		}); err != nil {
			return nil, err
		}
	}
	return &Response{StatusCode: http.StatusOK, MessageID: msgID}, nil
}

// pull answers a pull request. Nothing is ever queued for pulling, so a
// known MPC is reported empty.
func (h *Handler) pull(sig *message.SignalMessage) error {
	msgID := sig.MessageInfo.MessageId
	mpcID := sig.PullRequest.MPC
	if mpcID == "" {
		mpcID = mpc.DefaultID
	}
	if h.mpcs != nil && h.mpcs.Contains(mpcID) {
		return message.Errorf(message.KindCommunication, message.ErrorEmptyMessagePartition, msgID,
			"no message available on %s", mpcID)
	}
	return message.Errorf(message.KindContent, message.ErrorValueNotRecognized, msgID,
		"unknown mpc %q", mpcID)
}

// ForgetResponses drops the answers kept for duplicate detection. It is
// meant to follow the eviction of the same IDs from the duplicate store.
func (h *Handler) ForgetResponses(ids []string) {
	h.responses.remove(ids)
}

// SignalFailure converts the failure errors of an error signal into a
// ProcessingError, or nil when the signal carries only warnings.
func SignalFailure(sig *message.SignalMessage) *message.ProcessingError {
	for _, e := range sig.Errors {
		if e.Severity != message.SeverityFailure {
			continue
		}
		code := message.ErrorCode{
			Code:             e.ErrorCode,
			Severity:         e.Severity,
			ShortDescription: e.ShortDescription,
			Category:         e.Category,
		}
		desc := e.Description
		if desc == "" {
			desc = e.ShortDescription
		}
		return message.Errorf(kindForCode(e.ErrorCode), code, sig.MessageInfo.RefToMessageId,
			"receiver reported %s: %s", e.ErrorCode, desc)
	}
	return nil
}

// kindForCode classifies an error reported by a peer. None of them is
// retryable since the peer already decided on the message.
func kindForCode(code string) message.Kind {
	switch code {
	case message.ErrorProcessingModeMismatch.Code:
		return message.KindProcessingModeMismatch
	case message.ErrorFailedAuthentication.Code, message.ErrorFailedDecryption.Code, message.ErrorPolicyNoncompliance.Code:
		return message.KindSecurityFailure
	case message.ErrorOther.Code:
		return message.KindApplication
	}
	return message.KindContent
}

func soapVersion(doc *etree.Document) string {
	if root := doc.Root(); root != nil && root.NamespaceURI() == message.NsSOAP11 {
		return "1.1"
	}
	return "1.2"
}

func bodyPayload(doc *etree.Document) *etree.Element {
	body := doc.FindElement("//*[local-name()='Body']")
	if body == nil {
		return nil
	}
	if els := body.ChildElements(); len(els) > 0 {
		return els[0]
	}
	return nil
}

// responseCache keeps the answers to messages under duplicate detection
// and tracks the message IDs being processed.
type responseCache struct {
	mu      sync.Mutex
	entries map[string]*Response
	pending map[string]chan struct{}
}

func newResponseCache() *responseCache {
	return &responseCache{
		entries: make(map[string]*Response),
		pending: make(map[string]chan struct{}),
	}
}

// claim returns a copy of the answer kept for id. Without one, the first
// caller becomes the owner of id and must call settle. Other callers get a
// channel that is closed when the owner settles.
func (c *responseCache) claim(id string) (*Response, <-chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if resp, ok := c.entries[id]; ok {
		cp := *resp
		return &cp, nil, false
	}
	if wait, ok := c.pending[id]; ok {
		return nil, wait, false
	}
	c.pending[id] = make(chan struct{})
	return nil, nil, true
}

// settle keeps resp as the answer for id and releases the waiters. A nil
// resp keeps nothing, and one of the waiters takes over.
func (c *responseCache) settle(id string, resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if resp != nil {
		c.entries[id] = resp
	}
	if wait, ok := c.pending[id]; ok {
		close(wait)
		delete(c.pending, id)
	}
}

func (c *responseCache) remove(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.entries, id)
	}
}
