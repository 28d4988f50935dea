package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sirosfoundation/as4-engine/pkg/message"
	"github.com/sirosfoundation/as4-engine/pkg/pmode"
	"github.com/sirosfoundation/as4-engine/pkg/worker"
)

var (
	// ErrAlreadyTracked is returned when scheduling a message ID twice
	ErrAlreadyTracked = errors.New("message already tracked")
	// ErrExhausted resolves a delivery that ran out of retries
	ErrExhausted = errors.New("retries exhausted without receipt")
	// ErrSchedulerClosed is returned by Schedule after shutdown began, and
	// resolves deliveries abandoned before they reached a terminal state.
	ErrSchedulerClosed = errors.New("scheduler closed")
)

// State is the delivery state of an outbound push message.
type State int

const (
	// StatePending is the state before the first attempt completed
	StatePending State = iota
	// StateRetrying means at least one attempt went unacknowledged
	StateRetrying
	// StateAcked is terminal: a receipt arrived
	StateAcked
	// StateExhausted is terminal: retries ran out or the peer failed permanently
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRetrying:
		return "RETRYING"
	case StateAcked:
		return "ACKED"
	case StateExhausted:
		return "EXHAUSTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateAcked || s == StateExhausted
}

// canTransition enforces forward-only progress.
func canTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to != StatePending
	case StateRetrying:
		return to == StateRetrying || to.Terminal()
	}
	return false
}

// SendFunc transmits one attempt of a message. It reports acked=true when
// the response carried a receipt for the message. Errors that are not
// retryable processing errors end the delivery.
type SendFunc func(ctx context.Context, attempt int) (acked bool, err error)

// Delivery describes an outbound message handed to the scheduler.
type Delivery struct {
	MessageID string
	PModeID   string
	Policy    pmode.ReceptionAwareness
	Send      SendFunc
}

// Outcome is the final result of a delivery.
type Outcome struct {
	MessageID string
	State     State
	Attempts  int
	Err       error
}

// Status is a snapshot of a tracked delivery.
type Status struct {
	MessageID string
	PModeID   string
	State     State
	Attempts  int
	LastError error
	UpdatedAt time.Time
	// Abandoned is set when the scheduler stopped driving a delivery that
	// had not reached a terminal state.
	Abandoned bool
}

// Executor runs send attempts, typically a *worker.Pool.
type Executor interface {
	Go(ctx context.Context, fn func(context.Context) error) (*worker.Future[struct{}], error)
}

type tracked struct {
	status  Status
	receipt chan struct{}
	reject  chan error
	resolve func(Outcome, error)
}

// Scheduler drives reception awareness for outbound pushes: each delivery is
// sent, then re-sent at a fixed interval until a receipt arrives or the
// retry budget is used up.
type Scheduler struct {
	mu       sync.RWMutex
	entries  map[string]*tracked
	executor Executor
	now      func() time.Time
	logger   *slog.Logger
	metrics  *prometheus.CounterVec

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
	closed   bool
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithExecutor runs send attempts on e instead of the delivery goroutine.
func WithExecutor(e Executor) SchedulerOption {
	return func(s *Scheduler) { s.executor = e }
}

// WithSchedulerClock overrides the time source used for status timestamps.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithSchedulerLogger sets the logger
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// NewScheduler creates a scheduler. A non-nil reg receives the
// as4_scheduler_transitions_total counter.
func NewScheduler(reg prometheus.Registerer, opts ...SchedulerOption) (*Scheduler, error) {
	s := &Scheduler{
		entries: make(map[string]*tracked),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "retry-scheduler"))
	if reg != nil {
		s.metrics = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "as4",
			Subsystem: "scheduler",
			Name:      "transitions_total",
			Help:      "Delivery state transitions by target state",
		}, []string{"state"})
		if err := reg.Register(s.metrics); err != nil {
			return nil, fmt.Errorf("registering scheduler metrics: %w", err)
		}
	}
	return s, nil
}

// Schedule starts delivering d and returns a future of its outcome. The
// future resolves with ErrExhausted, or the permanent send error, when the
// delivery ends in StateExhausted.
func (s *Scheduler) Schedule(ctx context.Context, d Delivery) (*worker.Future[Outcome], error) {
	if d.MessageID == "" || d.Send == nil {
		return nil, errors.New("delivery needs a message id and a send function")
	}
	fut, resolve := worker.NewFuture[Outcome]()
	e := &tracked{
		status: Status{
			MessageID: d.MessageID,
			PModeID:   d.PModeID,
			State:     StatePending,
			UpdatedAt: s.now(),
		},
		receipt: make(chan struct{}, 1),
		reject:  make(chan error, 1),
		resolve: resolve,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	if _, ok := s.entries[d.MessageID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyTracked, d.MessageID)
	}
	s.entries[d.MessageID] = e
	s.wg.Add(1)
	s.mu.Unlock()

	s.count(StatePending)
	go s.run(ctx, d, e)
	return fut, nil
}

func (s *Scheduler) run(ctx context.Context, d Delivery, e *tracked) {
	defer s.wg.Done()
	logger := s.logger.With(
		slog.String("message_id", d.MessageID),
		slog.String("pmode_id", d.PModeID))
	retry := d.Policy.RetryEnabled()

	for attempt := 0; ; attempt++ {
		acked, err := s.attempt(ctx, d, e, attempt)
		if acked {
			s.finish(e, StateAcked, nil)
			return
		}
		if err != nil {
			if !message.IsRetryable(err) {
				logger.Warn("delivery failed permanently", slog.String("error", err.Error()))
				s.finish(e, StateExhausted, err)
				return
			}
			logger.Debug("attempt failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		}
		if !retry {
			// Without retry the delivery is fire and forget.
			if err != nil {
				s.finish(e, StateExhausted, err)
			} else {
				s.finish(e, StateAcked, nil)
			}
			return
		}

		timer := time.NewTimer(d.Policy.RetryInterval)
		select {
		case <-e.receipt:
			timer.Stop()
			s.finish(e, StateAcked, nil)
			return
		case rerr := <-e.reject:
			timer.Stop()
			logger.Warn("delivery rejected by receiver", slog.String("error", rerr.Error()))
			s.finish(e, StateExhausted, rerr)
			return
		case <-ctx.Done():
			timer.Stop()
			s.abandon(e, ctx.Err())
			return
		case <-s.stop:
			timer.Stop()
			logger.Warn("delivery abandoned at shutdown", slog.Int("attempts", attempt+1))
			s.abandon(e, ErrSchedulerClosed)
			return
		case <-timer.C:
		}

		if attempt >= d.Policy.MaxRetries {
			logger.Warn("no receipt, retries exhausted", slog.Int("retries", attempt))
			if err == nil {
				err = ErrExhausted
			} else {
				err = fmt.Errorf("%w: %w", ErrExhausted, err)
			}
			s.finish(e, StateExhausted, err)
			return
		}
		if !s.transition(e, StateRetrying, err) {
			return
		}
		logger.Info("no receipt, retrying", slog.Int("retry", attempt+1), slog.Int("max_retries", d.Policy.MaxRetries))
	}
}

func (s *Scheduler) attempt(ctx context.Context, d Delivery, e *tracked, attempt int) (bool, error) {
	s.mu.Lock()
	e.status.Attempts++
	s.mu.Unlock()

	if s.executor == nil {
		return d.Send(ctx, attempt)
	}
	var acked bool
	fut, err := s.executor.Go(ctx, func(ctx context.Context) error {
		var err error
		acked, err = d.Send(ctx, attempt)
		return err
	})
	if err != nil {
		return false, message.NewProcessingError(message.KindCommunication, message.ErrorCode{}, d.MessageID, err)
	}
	select {
	case <-fut.Done():
	case <-ctx.Done():
		return false, ctx.Err()
	}
	_, err = fut.Wait(context.Background())
	return acked, err
}

func (s *Scheduler) transition(e *tracked, to State, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(e.status.State, to) {
		return false
	}
	e.status.State = to
	e.status.LastError = err
	e.status.UpdatedAt = s.now()
	s.count(to)
	return true
}

func (s *Scheduler) finish(e *tracked, to State, err error) {
	if !s.transition(e, to, err) {
		return
	}
	s.mu.RLock()
	out := Outcome{MessageID: e.status.MessageID, State: to, Attempts: e.status.Attempts, Err: err}
	s.mu.RUnlock()
	e.resolve(out, err)
}

// abandon resolves the future of e with err and leaves its state as is.
func (s *Scheduler) abandon(e *tracked, err error) {
	s.mu.Lock()
	e.status.Abandoned = true
	e.status.LastError = err
	e.status.UpdatedAt = s.now()
	out := Outcome{MessageID: e.status.MessageID, State: e.status.State, Attempts: e.status.Attempts, Err: err}
	s.mu.Unlock()
	e.resolve(out, err)
}

func (s *Scheduler) count(state State) {
	if s.metrics != nil {
		s.metrics.WithLabelValues(state.String()).Inc()
	}
}

// Acknowledge records a receipt for messageID. It returns false when the
// message is unknown, abandoned or already terminal; such late receipts are
// ignored.
func (s *Scheduler) Acknowledge(messageID string) bool {
	s.mu.RLock()
	e, ok := s.entries[messageID]
	terminal := ok && (e.status.State.Terminal() || e.status.Abandoned)
	s.mu.RUnlock()
	if !ok || terminal {
		s.logger.Debug("ignoring receipt for untracked or finished message", slog.String("message_id", messageID))
		return false
	}
	select {
	case e.receipt <- struct{}{}:
	default:
	}
	return true
}

// Reject ends the delivery of messageID in StateExhausted with err, as when
// the receiver answered with a failure error signal. It reports false when
// the message is unknown or already terminal.
func (s *Scheduler) Reject(messageID string, err error) bool {
	s.mu.RLock()
	e, ok := s.entries[messageID]
	terminal := ok && (e.status.State.Terminal() || e.status.Abandoned)
	s.mu.RUnlock()
	if !ok || terminal {
		return false
	}
	select {
	case e.reject <- err:
	default:
	}
	return true
}

// Status returns the current status of messageID.
func (s *Scheduler) Status(messageID string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[messageID]
	if !ok {
		return Status{}, false
	}
	return e.status, true
}

// IsReferenced implements pmode.ReferenceChecker: a PMode is referenced while
// a delivery governed by it is still in flight.
func (s *Scheduler) IsReferenced(pmodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.status.PModeID == pmodeID && !e.status.State.Terminal() && !e.status.Abandoned {
			return true
		}
	}
	return false
}

// Prune forgets terminal and abandoned deliveries last updated before
// cutoff and returns how many were removed. Receipts for pruned messages are
// ignored as unknown.
func (s *Scheduler) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if (e.status.State.Terminal() || e.status.Abandoned) && e.status.UpdatedAt.Before(cutoff) {
			delete(s.entries, id)
			n++
		}
	}
	return n
}

// Shutdown stops accepting deliveries and waits for the tracked ones to
// reach a terminal state. When ctx ends first, the remaining deliveries
// are abandoned: their futures resolve with ErrSchedulerClosed while their
// state stays PENDING or RETRYING. Attempts already running are awaited.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	select {
	case <-done:
		return nil
	default:
	}
	s.stopOnce.Do(func() { close(s.stop) })
	<-done
	return ctx.Err()
}

// Close abandons the pending deliveries without waiting for their retries.
func (s *Scheduler) Close() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = s.Shutdown(ctx)
}

var _ pmode.ReferenceChecker = (*Scheduler)(nil)
