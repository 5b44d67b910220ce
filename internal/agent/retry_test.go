package agent

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// fakeScheduler fires immediately and records every requested delay.
type fakeScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (f *fakeScheduler) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

// blockingScheduler never fires.
type blockingScheduler struct{}

func (blockingScheduler) After(time.Duration) <-chan time.Time { return make(chan time.Time) }

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestCallerReturnsFirstValidReply(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).Return(`{"reply": "Hello"}`, nil).Once()
	sched := &fakeScheduler{}

	out, err := NewCaller(gen, DefaultRetryPolicy(), sched, quietLogger()).Call(context.Background(), GenerateRequest{})
	require.NoError(t, err)
	assert.Equal(t, "Hello", out.Reply)
	assert.Equal(t, 1, out.Attempts)
	assert.False(t, out.Exhausted)
	assert.Empty(t, sched.delays)
	gen.AssertExpectations(t)
}

func TestCallerRetriesWithExponentialBackoff(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).Return("   ", nil).Once()
	gen.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("connection reset")).Once()
	gen.On("Generate", mock.Anything, mock.Anything).Return(`{"reply":"third time lucky"}`, nil).Once()
	sched := &fakeScheduler{}

	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}
	out, err := NewCaller(gen, policy, sched, quietLogger()).Call(context.Background(), GenerateRequest{})
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", out.Reply)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sched.delays)
	gen.AssertExpectations(t)
}

func TestCallerExhaustsToFallback(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).Return("", nil).Times(3)

	out, err := NewCaller(gen, DefaultRetryPolicy(), &fakeScheduler{}, quietLogger()).Call(context.Background(), GenerateRequest{})
	require.NoError(t, err)
	assert.True(t, out.Exhausted)
	assert.False(t, out.Valid)
	assert.Equal(t, FallbackReply, out.Reply)
	assert.Equal(t, 3, out.Attempts)
	gen.AssertNumberOfCalls(t, "Generate", 3)
}

func TestCallerDoesNotRetryMissingConfiguration(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).Return("", ErrNotConfigured).Once()

	_, err := NewCaller(gen, DefaultRetryPolicy(), &fakeScheduler{}, quietLogger()).Call(context.Background(), GenerateRequest{})
	assert.ErrorIs(t, err, ErrNotConfigured)
	gen.AssertNumberOfCalls(t, "Generate", 1)
}

func TestCallerStopsWhenCancelledDuringBackoff(t *testing.T) {
	gen := &mockGenerator{}
	called := make(chan struct{})
	gen.On("Generate", mock.Anything, mock.Anything).Return("", nil).Once().
		Run(func(mock.Arguments) { close(called) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := NewCaller(gen, DefaultRetryPolicy(), blockingScheduler{}, quietLogger()).Call(ctx, GenerateRequest{})
		done <- err
	}()

	<-called
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Call did not return after cancellation")
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second}
	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
}
