package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/as4-engine/pkg/message"
	"github.com/sirosfoundation/as4-engine/pkg/pmode"
	"github.com/sirosfoundation/as4-engine/pkg/worker"
)

func retryPolicy(maxRetries int) pmode.ReceptionAwareness {
	return pmode.ReceptionAwareness{
		Enabled:       true,
		Retry:         true,
		MaxRetries:    maxRetries,
		RetryInterval: 5 * time.Millisecond,
	}
}

func newScheduler(t *testing.T, opts ...SchedulerOption) *Scheduler {
	t.Helper()
	s, err := NewScheduler(nil, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func wait(t *testing.T, fut *worker.Future[Outcome]) (Outcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return fut.Wait(ctx)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "PENDING", StatePending.String())
	assert.Equal(t, "RETRYING", StateRetrying.String())
	assert.Equal(t, "ACKED", StateAcked.String())
	assert.Equal(t, "EXHAUSTED", StateExhausted.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestCanTransition_ForwardOnly(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateAcked, true},
		{StatePending, StateRetrying, true},
		{StatePending, StateExhausted, true},
		{StatePending, StatePending, false},
		{StateRetrying, StateRetrying, true},
		{StateRetrying, StateAcked, true},
		{StateRetrying, StateExhausted, true},
		{StateRetrying, StatePending, false},
		{StateAcked, StateRetrying, false},
		{StateAcked, StateExhausted, false},
		{StateExhausted, StateAcked, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, canTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestSchedule_SynchronousReceipt(t *testing.T) {
	s := newScheduler(t)
	fut, err := s.Schedule(context.Background(), Delivery{
		MessageID: "m1",
		PModeID:   "pm",
		Policy:    retryPolicy(3),
		Send:      func(context.Context, int) (bool, error) { return true, nil },
	})
	require.NoError(t, err)

	out, err := wait(t, fut)
	require.NoError(t, err)
	assert.Equal(t, StateAcked, out.State)
	assert.Equal(t, 1, out.Attempts)
}

func TestSchedule_RetryBound(t *testing.T) {
	for _, n := range []int{1, 3} {
		s := newScheduler(t)
		var sends atomic.Int32
		fut, err := s.Schedule(context.Background(), Delivery{
			MessageID: "m1",
			Policy:    retryPolicy(n),
			Send: func(context.Context, int) (bool, error) {
				sends.Add(1)
				return false, nil
			},
		})
		require.NoError(t, err)

		out, err := wait(t, fut)
		assert.ErrorIs(t, err, ErrExhausted)
		assert.Equal(t, StateExhausted, out.State)
		assert.Equal(t, n+1, out.Attempts, "initial send plus %d retries", n)
		assert.Equal(t, int32(n+1), sends.Load())
	}
}

func TestSchedule_AsyncReceiptStopsRetries(t *testing.T) {
	s := newScheduler(t)
	sent := make(chan int, 10)
	policy := retryPolicy(5)
	policy.RetryInterval = time.Second

	fut, err := s.Schedule(context.Background(), Delivery{
		MessageID: "m1",
		Policy:    policy,
		Send: func(_ context.Context, attempt int) (bool, error) {
			sent <- attempt
			return false, nil
		},
	})
	require.NoError(t, err)
	<-sent

	assert.True(t, s.Acknowledge("m1"))
	out, err := wait(t, fut)
	require.NoError(t, err)
	assert.Equal(t, StateAcked, out.State)
	assert.Equal(t, 1, out.Attempts)

	assert.False(t, s.Acknowledge("m1"), "late receipt is ignored")
	st, ok := s.Status("m1")
	require.True(t, ok)
	assert.Equal(t, StateAcked, st.State)
}

func TestSchedule_RejectEndsDelivery(t *testing.T) {
	s := newScheduler(t)
	sent := make(chan int, 10)
	policy := retryPolicy(5)
	policy.RetryInterval = time.Second

	fut, err := s.Schedule(context.Background(), Delivery{
		MessageID: "m1",
		Policy:    policy,
		Send: func(_ context.Context, attempt int) (bool, error) {
			sent <- attempt
			return false, nil
		},
	})
	require.NoError(t, err)
	<-sent

	rejected := errors.New("receiver answered EBMS:0004")
	assert.True(t, s.Reject("m1", rejected))
	out, err := wait(t, fut)
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, StateExhausted, out.State)

	assert.False(t, s.Reject("m1", rejected), "terminal deliveries ignore rejection")
	assert.False(t, s.Reject("unknown", rejected))
}

func TestSchedule_RetryingThenAcked(t *testing.T) {
	s := newScheduler(t)
	fut, err := s.Schedule(context.Background(), Delivery{
		MessageID: "m1",
		Policy:    retryPolicy(3),
		Send: func(_ context.Context, attempt int) (bool, error) {
			if attempt < 2 {
				return false, message.Errorf(message.KindCommunication, message.ErrorCode{}, "m1", "connection refused")
			}
			return true, nil
		},
	})
	require.NoError(t, err)

	out, err := wait(t, fut)
	require.NoError(t, err)
	assert.Equal(t, StateAcked, out.State)
	assert.Equal(t, 3, out.Attempts)
}

func TestSchedule_PermanentErrorEndsDelivery(t *testing.T) {
	s := newScheduler(t)
	permanent := message.Errorf(message.KindSecurityFailure, message.ErrorCode{}, "m1", "bad signature")
	var sends atomic.Int32

	fut, err := s.Schedule(context.Background(), Delivery{
		MessageID: "m1",
		Policy:    retryPolicy(3),
		Send: func(context.Context, int) (bool, error) {
			sends.Add(1)
			return false, permanent
		},
	})
	require.NoError(t, err)

	out, err := wait(t, fut)
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, StateExhausted, out.State)
	assert.Equal(t, int32(1), sends.Load())
}

func TestSchedule_RetryDisabledIsFireAndForget(t *testing.T) {
	s := newScheduler(t)
	policy := pmode.ReceptionAwareness{Enabled: true}

	fut, err := s.Schedule(context.Background(), Delivery{
		MessageID: "ok",
		Policy:    policy,
		Send:      func(context.Context, int) (bool, error) { return false, nil },
	})
	require.NoError(t, err)
	out, err := wait(t, fut)
	require.NoError(t, err)
	assert.Equal(t, StateAcked, out.State)

	fail := message.Errorf(message.KindCommunication, message.ErrorCode{}, "down", "timeout")
	fut, err = s.Schedule(context.Background(), Delivery{
		MessageID: "down",
		Policy:    policy,
		Send:      func(context.Context, int) (bool, error) { return false, fail },
	})
	require.NoError(t, err)
	out, err = wait(t, fut)
	assert.ErrorIs(t, err, fail)
	assert.Equal(t, StateExhausted, out.State)
	assert.Equal(t, 1, out.Attempts)
}

func TestSchedule_Rejects(t *testing.T) {
	s := newScheduler(t)
	block := make(chan struct{})
	defer close(block)
	d := Delivery{
		MessageID: "m1",
		Policy:    retryPolicy(1),
		Send: func(context.Context, int) (bool, error) {
			<-block
			return true, nil
		},
	}
	_, err := s.Schedule(context.Background(), d)
	require.NoError(t, err)

	_, err = s.Schedule(context.Background(), d)
	assert.ErrorIs(t, err, ErrAlreadyTracked)

	_, err = s.Schedule(context.Background(), Delivery{MessageID: "x"})
	assert.Error(t, err)
}

func TestSchedule_ReferenceChecker(t *testing.T) {
	s := newScheduler(t)
	release := make(chan struct{})
	fut, err := s.Schedule(context.Background(), Delivery{
		MessageID: "m1",
		PModeID:   "pm-1",
		Policy:    retryPolicy(1),
		Send: func(context.Context, int) (bool, error) {
			<-release
			return true, nil
		},
	})
	require.NoError(t, err)

	store := pmode.NewMemoryStore(pmode.WithReferenceChecker(s))
	p, err := pmode.New("pm-1", pmode.WithLeg1(&pmode.Leg{}))
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), p))

	assert.True(t, s.IsReferenced("pm-1"))
	_, err = store.Delete(context.Background(), "pm-1")
	assert.ErrorIs(t, err, pmode.ErrInUse)

	close(release)
	_, err = wait(t, fut)
	require.NoError(t, err)
	assert.False(t, s.IsReferenced("pm-1"))

	changed, err := store.Delete(context.Background(), "pm-1")
	require.NoError(t, err)
	assert.Equal(t, pmode.Changed, changed)
}

func TestSchedule_WithExecutor(t *testing.T) {
	pool, err := worker.NewPool(worker.Config{Workers: 2})
	require.NoError(t, err)
	pool.Start()
	defer func() { _ = pool.Shutdown(context.Background()) }()

	s := newScheduler(t, WithExecutor(pool))
	fut, err := s.Schedule(context.Background(), Delivery{
		MessageID: "m1",
		Policy:    retryPolicy(2),
		Send: func(_ context.Context, attempt int) (bool, error) {
			return attempt == 1, nil
		},
	})
	require.NoError(t, err)

	out, err := wait(t, fut)
	require.NoError(t, err)
	assert.Equal(t, StateAcked, out.State)
	assert.Equal(t, 2, out.Attempts)
	assert.GreaterOrEqual(t, pool.Stats().Completed, int64(1))
}

func TestScheduler_CloseAndPrune(t *testing.T) {
	clock := newFakeClock()
	s, err := NewScheduler(nil, WithSchedulerClock(clock.Now))
	require.NoError(t, err)

	policy := retryPolicy(10)
	policy.RetryInterval = time.Hour
	fut, err := s.Schedule(context.Background(), Delivery{
		MessageID: "m1",
		Policy:    policy,
		Send:      func(context.Context, int) (bool, error) { return false, nil },
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := s.Status("m1")
		return st.Attempts == 1
	}, time.Second, time.Millisecond)
	s.Close()

	out, err := wait(t, fut)
	assert.ErrorIs(t, err, ErrSchedulerClosed)
	assert.Equal(t, StatePending, out.State, "abandoned deliveries are not exhausted")
	assert.Equal(t, 1, out.Attempts)
	st, ok := s.Status("m1")
	require.True(t, ok)
	assert.True(t, st.Abandoned)
	assert.False(t, s.IsReferenced(""))

	_, err = s.Schedule(context.Background(), Delivery{MessageID: "m2", Send: func(context.Context, int) (bool, error) { return true, nil }})
	assert.ErrorIs(t, err, ErrSchedulerClosed)

	assert.Equal(t, 0, s.Prune(clock.Now()), "not older than cutoff")
	clock.Advance(time.Minute)
	assert.Equal(t, 1, s.Prune(clock.Now()))
	_, ok = s.Status("m1")
	assert.False(t, ok)
}

func TestScheduler_ShutdownDrains(t *testing.T) {
	s, err := NewScheduler(nil)
	require.NoError(t, err)

	policy := retryPolicy(3)
	policy.RetryInterval = 20 * time.Millisecond
	var sends atomic.Int32
	fut, err := s.Schedule(context.Background(), Delivery{
		MessageID: "m1",
		Policy:    policy,
		Send: func(context.Context, int) (bool, error) {
			sends.Add(1)
			return false, nil
		},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sends.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	out, err := wait(t, fut)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, StateExhausted, out.State)
	assert.Equal(t, 4, out.Attempts, "first attempt plus every retry")
	st, _ := s.Status("m1")
	assert.False(t, st.Abandoned)
}

func TestScheduler_ShutdownDeadlineAbandons(t *testing.T) {
	s, err := NewScheduler(nil)
	require.NoError(t, err)

	policy := retryPolicy(3)
	policy.RetryInterval = time.Hour
	fut, err := s.Schedule(context.Background(), Delivery{
		MessageID: "m1",
		PModeID:   "pm",
		Policy:    policy,
		Send:      func(context.Context, int) (bool, error) { return false, nil },
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _ := s.Status("m1")
		return st.Attempts == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)

	out, err := wait(t, fut)
	assert.ErrorIs(t, err, ErrSchedulerClosed)
	assert.False(t, errors.Is(err, ErrExhausted))
	assert.False(t, out.State.Terminal())
	st, _ := s.Status("m1")
	assert.True(t, st.Abandoned)
	assert.ErrorIs(t, st.LastError, ErrSchedulerClosed)
	assert.False(t, s.IsReferenced("pm"))
}

func TestScheduler_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := NewScheduler(reg)
	require.NoError(t, err)
	defer s.Close()

	fut, err := s.Schedule(context.Background(), Delivery{
		MessageID: "m1",
		Policy:    retryPolicy(1),
		Send:      func(context.Context, int) (bool, error) { return false, nil },
	})
	require.NoError(t, err)
	_, err = wait(t, fut)
	require.True(t, errors.Is(err, ErrExhausted))

	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.WithLabelValues("PENDING")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.WithLabelValues("RETRYING")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.WithLabelValues("EXHAUSTED")))

	_, err = NewScheduler(reg)
	assert.Error(t, err)
}
