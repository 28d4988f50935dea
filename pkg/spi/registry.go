package spi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sirosfoundation/as4-engine/pkg/attachment"
	"github.com/sirosfoundation/as4-engine/pkg/message"
	"github.com/sirosfoundation/as4-engine/pkg/msgstate"
)

var (
	// ErrDuplicateProcessor is returned when registering a name twice
	ErrDuplicateProcessor = errors.New("processor already registered")
)

// Factory creates a processor instance.
type Factory func() (Processor, error)

// Entry is a discovered processor and the name it was registered under.
type Entry struct {
	Name      string
	Processor Processor
}

// Registry holds processor factories and the snapshot of discovered
// processors.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	order     []string
	snapshot  []Entry
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.With(slog.String("component", "processors")),
	}
}

// Register adds a processor factory. Registration order is dispatch order.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return errors.New("processor needs a name and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProcessor, name)
	}
	r.factories[name] = f
	r.order = append(r.order, name)
	return nil
}

// Discover instantiates every registered factory and replaces the
// snapshot. On error the previous snapshot stays in place.
func (r *Registry) Discover() error {
	r.mu.RLock()
	order := append([]string(nil), r.order...)
	factories := make(map[string]Factory, len(r.factories))
	for k, v := range r.factories {
		factories[k] = v
	}
	r.mu.RUnlock()

	entries := make([]Entry, 0, len(order))
	for _, name := range order {
		p, err := factories[name]()
		if err != nil {
			return fmt.Errorf("creating processor %s: %w", name, err)
		}
		entries = append(entries, Entry{Name: name, Processor: p})
	}

	r.mu.Lock()
	r.snapshot = entries
	r.mu.Unlock()
	r.logger.Info("processors discovered", slog.Int("count", len(entries)))
	return nil
}

// Rediscover rebuilds the snapshot from the current factories.
func (r *Registry) Rediscover() error {
	return r.Discover()
}

// All returns the discovered processors. The returned slice is a copy.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Entry(nil), r.snapshot...)
}

// Response collects the outputs of all processors for one user message.
type Response struct {
	Attachments      attachment.List
	AsyncResponseURL string
}

// DispatchUserMessage hands req to every processor in order. The first
// failure stops dispatch and is returned as an application ProcessingError.
// With no processors the message is accepted and discarded.
func (r *Registry) DispatchUserMessage(ctx context.Context, req *UserMessageRequest) (*Response, error) {
	msgID := req.UserMessage.MessageInfo.MessageId
	entries := r.All()
	if len(entries) == 0 {
		r.logger.Warn("no processor registered, message discarded",
			slog.String("message_id", msgID))
		return &Response{}, nil
	}
	resp := &Response{}
	for _, e := range entries {
		res, err := callUser(ctx, e.Processor, req)
		if err != nil || !res.Success {
			return nil, applicationError(e.Name, msgID, res, err)
		}
		resp.Attachments = append(resp.Attachments, res.ResponseAttachments...)
		if resp.AsyncResponseURL == "" {
			resp.AsyncResponseURL = res.AsyncResponseURL
		}
	}
	return resp, nil
}

// DispatchSignalMessage hands req to every processor in order.
func (r *Registry) DispatchSignalMessage(ctx context.Context, req *SignalMessageRequest) error {
	msgID := req.SignalMessage.MessageInfo.MessageId
	for _, e := range r.All() {
		res, err := callSignal(ctx, e.Processor, req)
		if err != nil || !res.Success {
			return applicationError(e.Name, msgID, res, err)
		}
	}
	return nil
}

// NotifyResponse passes the response sent for a message to every processor
// that implements ResponseProcessor.
func (r *Registry) NotifyResponse(ctx context.Context, meta Metadata, state *msgstate.State, responseMessageID string, response []byte) {
	for _, e := range r.All() {
		if rp, ok := e.Processor.(ResponseProcessor); ok {
			rp.ProcessResponseMessage(ctx, meta, state, responseMessageID, response, len(response) > 0)
		}
	}
}

func callUser(ctx context.Context, p Processor, req *UserMessageRequest) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("processor panicked: %v", rec)
		}
	}()
	return p.ProcessUserMessage(ctx, req)
}

func callSignal(ctx context.Context, p Processor, req *SignalMessageRequest) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("processor panicked: %v", rec)
		}
	}()
	return p.ProcessSignalMessage(ctx, req)
}

func applicationError(name, msgID string, res Result, err error) *message.ProcessingError {
	if err == nil {
		err = errors.New("processor reported failure")
	}
	pe := message.NewProcessingError(message.KindApplication, message.ErrorOther, msgID,
		fmt.Errorf("processor %s: %w", name, err))
	if len(res.Errors) > 0 && res.Errors[0].Description != "" {
		pe.Detail = res.Errors[0].Description
	}
	return pe
}
