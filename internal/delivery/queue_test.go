package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu          sync.Mutex
	fail        func(Message) error
	attempts    []Message
	inFlight    int
	maxInFlight int
}

func (f *fakeSender) setFail(fn func(Message) error) {
	f.mu.Lock()
	f.fail = fn
	f.mu.Unlock()
}

func (f *fakeSender) Send(ctx context.Context, conversationID string, m Message) (string, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.attempts = append(f.attempts, m)
	fail := f.fail
	f.mu.Unlock()

	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	if fail != nil {
		if err := fail(m); err != nil {
			return "", err
		}
	}
	return "srv-" + m.TempID, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.attempts))
	for _, m := range f.attempts {
		out = append(out, m.Text)
	}
	return out
}

type memoryStore struct {
	mu   sync.Mutex
	data map[string]Snapshot
}

func newMemoryStore() *memoryStore { return &memoryStore{data: map[string]Snapshot{}} }

func (s *memoryStore) Load(_ context.Context, id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[id], nil
}

func (s *memoryStore) Save(_ context.Context, id string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = snap
	return nil
}

func (s *memoryStore) Clear(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

func (s *memoryStore) get(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.data[id]
	return snap, ok
}

func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestQueue(t *testing.T, sender Sender, store Store, opts Options) *Queue {
	t.Helper()
	opts.Logger = log.New(io.Discard, "", 0)
	if opts.Now == nil {
		opts.Now = stepClock()
	}
	q, err := New("conv-1", sender, store, opts)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func statusOf(q *Queue, id string) Status {
	e, _ := q.Entry(id)
	return e.Status
}

func waitStatus(t *testing.T, q *Queue, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return statusOf(q, id) == want },
		2*time.Second, 2*time.Millisecond, "message %s never reached %s", id, want)
}

func TestQueueDeliversInOrderOneAtATime(t *testing.T) {
	sender := &fakeSender{}
	store := newMemoryStore()
	q := newTestQueue(t, sender, store, Options{})

	var ids []string
	for _, text := range []string{"one", "two", "three", "four", "five"} {
		id, err := q.Enqueue(text, nil)
		require.NoError(t, err)
		assert.Contains(t, []Status{StatusPending, StatusSent}, statusOf(q, id))
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitStatus(t, q, id, StatusSent)
	}

	assert.Equal(t, []string{"one", "two", "three", "four", "five"}, sender.texts())
	sender.mu.Lock()
	assert.Equal(t, 1, sender.maxInFlight)
	sender.mu.Unlock()
	e, _ := q.Entry(ids[2])
	assert.Equal(t, "srv-"+ids[2], e.PermanentID)

	_, ok := store.get("conv-1")
	assert.False(t, ok, "drained queue clears the durable copy")
}

func TestQueueFailureIsNotRequeued(t *testing.T) {
	sender := &fakeSender{}
	sender.setFail(func(Message) error { return errors.New("network down") })
	store := newMemoryStore()
	q := newTestQueue(t, sender, store, Options{})

	id, err := q.Enqueue("hello", []string{"img-1"})
	require.NoError(t, err)
	waitStatus(t, q, id, StatusFailed)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sender.texts(), 1)

	e, _ := q.Entry(id)
	assert.Equal(t, "network down", e.Error)
	assert.False(t, e.LastAttemptAt.IsZero())

	snap, ok := store.get("conv-1")
	require.True(t, ok)
	require.Len(t, snap.Failed, 1)
	assert.Empty(t, snap.Pending)
	assert.Equal(t, id, snap.Failed[0].TempID)
	assert.Equal(t, "network down", snap.Failed[0].Error)
}

func TestRetryPreservesContentAndCounts(t *testing.T) {
	sender := &fakeSender{}
	sender.setFail(func(Message) error { return errors.New("timeout") })
	q := newTestQueue(t, sender, newMemoryStore(), Options{})

	id, err := q.Enqueue("my chest hurts", []string{"a.png", "b.png"})
	require.NoError(t, err)
	waitStatus(t, q, id, StatusFailed)
	before, _ := q.Entry(id)

	sender.setFail(nil)
	require.NoError(t, q.Retry(id))
	waitStatus(t, q, id, StatusSent)

	after, _ := q.Entry(id)
	assert.Equal(t, before.TempID, after.TempID)
	assert.Equal(t, before.Text, after.Text)
	assert.Equal(t, before.Images, after.Images)
	assert.True(t, before.CreatedAt.Equal(after.CreatedAt))
	assert.Equal(t, before.RetryCount+1, after.RetryCount)
}

func TestRetryCeilingMarksPermanentlyFailed(t *testing.T) {
	sender := &fakeSender{}
	sender.setFail(func(Message) error { return errors.New("offline") })
	var exhausted []Entry
	var mu sync.Mutex
	q := newTestQueue(t, sender, newMemoryStore(), Options{
		OnExhausted: func(e Entry) {
			mu.Lock()
			exhausted = append(exhausted, e)
			mu.Unlock()
		},
	})

	id, err := q.Enqueue("help", nil)
	require.NoError(t, err)
	waitStatus(t, q, id, StatusFailed)

	for i := 1; i <= DefaultMaxRetries; i++ {
		require.NoError(t, q.Retry(id))
		waitStatus(t, q, id, StatusFailed)
		e, _ := q.Entry(id)
		assert.Equal(t, i, e.RetryCount)
	}

	assert.ErrorIs(t, q.Retry(id), ErrRetriesExhausted)
	e, _ := q.Entry(id)
	assert.Equal(t, StatusPermanentlyFailed, e.Status)
	assert.Equal(t, "help", e.Text)
	assert.Equal(t, DefaultMaxRetries, e.RetryCount)
	assert.Len(t, sender.texts(), DefaultMaxRetries+1)

	assert.ErrorIs(t, q.Retry(id), ErrNotFailed)
	mu.Lock()
	assert.Len(t, exhausted, 1)
	mu.Unlock()
}

func TestRetryRejectsUnknownAndNonFailed(t *testing.T) {
	q := newTestQueue(t, &fakeSender{}, nil, Options{})
	assert.ErrorIs(t, q.Retry("nope"), ErrUnknownMessage)

	id, err := q.Enqueue("hi", nil)
	require.NoError(t, err)
	waitStatus(t, q, id, StatusSent)
	assert.ErrorIs(t, q.Retry(id), ErrNotFailed)
}

func TestOnReconnectRetriesInTimestampOrder(t *testing.T) {
	sender := &fakeSender{}
	sender.setFail(func(Message) error { return errors.New("offline") })
	q := newTestQueue(t, sender, newMemoryStore(), Options{})

	var ids []string
	for _, text := range []string{"first", "second", "third"} {
		id, err := q.Enqueue(text, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitStatus(t, q, id, StatusFailed)
	}

	sender.setFail(nil)
	q.OnReconnect()
	for _, id := range ids {
		waitStatus(t, q, id, StatusSent)
	}
	assert.Equal(t, []string{"first", "second", "third", "first", "second", "third"}, sender.texts())
	for _, id := range ids {
		e, _ := q.Entry(id)
		assert.Equal(t, 1, e.RetryCount)
	}
}

func TestOnReconnectRespectsCeiling(t *testing.T) {
	sender := &fakeSender{}
	sender.setFail(func(Message) error { return errors.New("offline") })
	q := newTestQueue(t, sender, nil, Options{MaxRetries: 1})

	id, err := q.Enqueue("x", nil)
	require.NoError(t, err)
	waitStatus(t, q, id, StatusFailed)

	q.OnReconnect()
	waitStatus(t, q, id, StatusFailed)
	q.OnReconnect()
	assert.Equal(t, StatusPermanentlyFailed, statusOf(q, id))
}

func TestQueueRestoresFromStore(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	store := newMemoryStore()
	require.NoError(t, store.Save(context.Background(), "conv-1", Snapshot{
		Pending: []Message{
			{TempID: "p2", Text: "later", CreatedAt: base.Add(2 * time.Minute)},
			{TempID: "p1", Text: "earlier", CreatedAt: base.Add(time.Minute)},
		},
		Failed: []FailedMessage{
			{Message: Message{TempID: "f1", Text: "broken", CreatedAt: base, RetryCount: 2}, Error: "timeout"},
		},
	}))

	sender := &fakeSender{}
	q := newTestQueue(t, sender, store, Options{})
	waitStatus(t, q, "p1", StatusSent)
	waitStatus(t, q, "p2", StatusSent)

	assert.Equal(t, []string{"earlier", "later"}, sender.texts())
	f, ok := q.Entry("f1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, f.Status)
	assert.Equal(t, 2, f.RetryCount)
	assert.Equal(t, "timeout", f.Error)

	entries := q.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "f1", entries[0].TempID)

	require.Eventually(t, func() bool {
		snap, ok := store.get("conv-1")
		return ok && len(snap.Pending) == 0 && len(snap.Failed) == 1
	}, time.Second, 2*time.Millisecond)
}

func TestQueueRestoreRacesWorker(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		store := newMemoryStore()
		var pending []Message
		for j := 0; j < 5; j++ {
			pending = append(pending, Message{
				TempID:    fmt.Sprintf("p%d", j),
				Text:      fmt.Sprintf("msg %d", j),
				CreatedAt: base.Add(time.Duration(j) * time.Second),
			})
		}
		require.NoError(t, store.Save(context.Background(), "conv-1", Snapshot{Pending: pending}))

		sender := &fakeSender{}
		q, err := New("conv-1", sender, store, Options{Logger: log.New(io.Discard, "", 0)})
		require.NoError(t, err)
		waitStatus(t, q, "p4", StatusSent)
		assert.Equal(t, []string{"msg 0", "msg 1", "msg 2", "msg 3", "msg 4"}, sender.texts())
		q.Close()
	}
}

func TestExhaustedMessageSurvivesRestartForResend(t *testing.T) {
	store := newMemoryStore()
	sender := &fakeSender{}
	sender.setFail(func(Message) error { return errors.New("offline") })

	q, err := New("conv-1", sender, store, Options{MaxRetries: 1, Logger: log.New(io.Discard, "", 0), Now: stepClock()})
	require.NoError(t, err)
	id, err := q.Enqueue("chest pain", []string{"img-1"})
	require.NoError(t, err)
	waitStatus(t, q, id, StatusFailed)
	require.NoError(t, q.Retry(id))
	waitStatus(t, q, id, StatusFailed)
	require.ErrorIs(t, q.Retry(id), ErrRetriesExhausted)
	q.Close()

	snap, ok := store.get("conv-1")
	require.True(t, ok)
	require.Len(t, snap.Exhausted, 1)
	assert.Equal(t, "chest pain", snap.Exhausted[0].Text)
	assert.Empty(t, snap.Failed)

	sender.setFail(nil)
	q2 := newTestQueue(t, sender, store, Options{MaxRetries: 1})
	e, ok := q2.Entry(id)
	require.True(t, ok)
	assert.Equal(t, StatusPermanentlyFailed, e.Status)
	assert.Equal(t, []string{"img-1"}, e.Images)

	_, err = q2.Resend("missing")
	assert.ErrorIs(t, err, ErrUnknownMessage)

	newID, err := q2.Resend(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)
	waitStatus(t, q2, newID, StatusSent)

	_, ok = q2.Entry(id)
	assert.False(t, ok)
	sent, _ := q2.Entry(newID)
	assert.Equal(t, "chest pain", sent.Text)
	assert.Equal(t, []string{"img-1"}, sent.Images)
	assert.Zero(t, sent.RetryCount)

	require.Eventually(t, func() bool {
		_, ok := store.get("conv-1")
		return !ok
	}, time.Second, 2*time.Millisecond)
}

func TestDiscardDropsOnlyExhaustedMessages(t *testing.T) {
	store := newMemoryStore()
	sender := &fakeSender{}
	sender.setFail(func(Message) error { return errors.New("offline") })
	q := newTestQueue(t, sender, store, Options{MaxRetries: 1})

	id, err := q.Enqueue("x", nil)
	require.NoError(t, err)
	waitStatus(t, q, id, StatusFailed)
	assert.ErrorIs(t, q.Discard(id), ErrNotExhausted)

	require.NoError(t, q.Retry(id))
	waitStatus(t, q, id, StatusFailed)
	require.ErrorIs(t, q.Retry(id), ErrRetriesExhausted)

	require.NoError(t, q.Discard(id))
	assert.Empty(t, q.Entries())
	_, ok := store.get("conv-1")
	assert.False(t, ok)
}

type blockingSender struct {
	started chan struct{}
}

func (b *blockingSender) Send(ctx context.Context, _ string, _ Message) (string, error) {
	close(b.started)
	<-ctx.Done()
	return "", ctx.Err()
}

func TestCloseKeepsInFlightMessagePending(t *testing.T) {
	store := newMemoryStore()
	sender := &blockingSender{started: make(chan struct{})}
	q, err := New("conv-1", sender, store, Options{Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)

	id, err := q.Enqueue("in flight", nil)
	require.NoError(t, err)
	<-sender.started
	q.Close()

	assert.Equal(t, StatusPending, statusOf(q, id))
	snap, ok := store.get("conv-1")
	require.True(t, ok)
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, id, snap.Pending[0].TempID)

	_, err = q.Enqueue("after close", nil)
	assert.ErrorIs(t, err, ErrClosed)
}
