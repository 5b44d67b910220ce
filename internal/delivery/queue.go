package delivery

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Options struct {
	MaxRetries int
	// OnChange is called after every status change of an entry.
	OnChange func(Entry)
	// OnExhausted is called once when a message becomes permanently failed.
	OnExhausted func(Entry)
	Logger      *log.Logger
	Now         func() time.Time
}

// Queue is a single-worker FIFO of outgoing messages for one conversation.
// Enqueue and Retry never block on the network; the worker is the only
// goroutine that calls the Sender.
type Queue struct {
	conversationID string
	sender         Sender
	store          Store
	opts           Options

	mu      sync.Mutex
	entries map[string]*Entry
	order   []string
	queue   []string
	closed  bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the queue for conversationID, restores whatever the store holds
// for it and starts the worker. Restored pending messages are sent again in
// creation order; restored failed messages wait for a retry.
func New(conversationID string, sender Sender, store Store, opts Options) (*Queue, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		conversationID: conversationID,
		sender:         sender,
		store:          store,
		opts:           opts,
		entries:        make(map[string]*Entry),
		wake:           make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	if store != nil {
		snap, err := store.Load(ctx, conversationID)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("restore outbox for %s: %w", conversationID, err)
		}
		q.restore(snap)
	}

	restored := len(q.queue) > 0
	go q.run()
	if restored {
		q.signal()
	}
	return q, nil
}

func (q *Queue) restore(snap Snapshot) {
	var all []*Entry
	for _, m := range snap.Pending {
		all = append(all, &Entry{Message: cloneMessage(m), Status: StatusPending})
	}
	for _, f := range snap.Failed {
		all = append(all, &Entry{
			Message:       cloneMessage(f.Message),
			Status:        StatusFailed,
			Error:         f.Error,
			LastAttemptAt: f.LastAttemptAt,
		})
	}
	for _, f := range snap.Exhausted {
		all = append(all, &Entry{
			Message:       cloneMessage(f.Message),
			Status:        StatusPermanentlyFailed,
			Error:         f.Error,
			LastAttemptAt: f.LastAttemptAt,
		})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	for _, e := range all {
		q.entries[e.TempID] = e
		q.order = append(q.order, e.TempID)
		if e.Status == StatusPending {
			q.queue = append(q.queue, e.TempID)
		}
	}
}

// Enqueue adds a message and returns its temporary id. The optimistic
// pending entry is visible immediately.
func (q *Queue) Enqueue(text string, images []string) (string, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	view := q.enqueueLocked(text, images)
	q.mu.Unlock()

	q.notify(view)
	q.signal()
	return view.TempID, nil
}

func (q *Queue) enqueueLocked(text string, images []string) Entry {
	e := &Entry{
		Message: Message{
			TempID:    uuid.NewString(),
			Text:      text,
			Images:    append([]string(nil), images...),
			CreatedAt: q.opts.Now().UTC(),
		},
		Status: StatusPending,
	}
	q.entries[e.TempID] = e
	q.order = append(q.order, e.TempID)
	q.queue = append(q.queue, e.TempID)
	q.persistLocked()
	return *e
}

// Retry re-arms a failed message with its original content. Once the
// message has been retried MaxRetries times it is marked permanently failed
// and ErrRetriesExhausted is returned.
func (q *Queue) Retry(tempID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	view, exhausted, err := q.retryLocked(tempID)
	q.mu.Unlock()
	if err != nil && !exhausted {
		return err
	}

	q.notify(view)
	if exhausted {
		if q.opts.OnExhausted != nil {
			q.opts.OnExhausted(view)
		}
		return err
	}
	q.signal()
	return nil
}

func (q *Queue) retryLocked(tempID string) (Entry, bool, error) {
	e, ok := q.entries[tempID]
	if !ok {
		return Entry{}, false, ErrUnknownMessage
	}
	if e.Status != StatusFailed {
		return Entry{}, false, ErrNotFailed
	}
	if e.RetryCount >= q.opts.MaxRetries {
		e.Status = StatusPermanentlyFailed
		q.persistLocked()
		q.opts.Logger.Printf("conversation %s: message %s permanently failed after %d retries", q.conversationID, tempID, e.RetryCount)
		return *e, true, ErrRetriesExhausted
	}
	e.RetryCount++
	e.Status = StatusPending
	q.queue = append(q.queue, tempID)
	q.persistLocked()
	return *e, false, nil
}

// Resend queues the content of a permanently failed message again as a new
// message with a fresh retry budget. The old entry is dropped.
func (q *Queue) Resend(tempID string) (string, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	e, ok := q.entries[tempID]
	if !ok {
		q.mu.Unlock()
		return "", ErrUnknownMessage
	}
	if e.Status != StatusPermanentlyFailed {
		q.mu.Unlock()
		return "", ErrNotExhausted
	}
	q.removeLocked(tempID)
	view := q.enqueueLocked(e.Text, e.Images)
	q.mu.Unlock()

	q.notify(view)
	q.signal()
	return view.TempID, nil
}

// Discard forgets a permanently failed message.
func (q *Queue) Discard(tempID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[tempID]
	if !ok {
		return ErrUnknownMessage
	}
	if e.Status != StatusPermanentlyFailed {
		return ErrNotExhausted
	}
	q.removeLocked(tempID)
	q.persistLocked()
	return nil
}

func (q *Queue) removeLocked(tempID string) {
	delete(q.entries, tempID)
	for i, id := range q.order {
		if id == tempID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// OnReconnect retries every failed message in creation order, each under
// the usual retry ceiling.
func (q *Queue) OnReconnect() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	var failed []string
	for _, id := range q.order {
		if q.entries[id].Status == StatusFailed {
			failed = append(failed, id)
		}
	}
	sort.SliceStable(failed, func(i, j int) bool {
		return q.entries[failed[i]].CreatedAt.Before(q.entries[failed[j]].CreatedAt)
	})
	q.mu.Unlock()

	if len(failed) > 0 {
		q.opts.Logger.Printf("conversation %s: reconnected, retrying %d failed message(s)", q.conversationID, len(failed))
	}
	for _, id := range failed {
		if err := q.Retry(id); err != nil && err != ErrRetriesExhausted && err != ErrNotFailed {
			q.opts.Logger.Printf("conversation %s: retry %s: %v", q.conversationID, id, err)
		}
	}
}

// Entries returns every message in creation order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.order))
	for _, id := range q.order {
		e := *q.entries[id]
		e.Message = cloneMessage(e.Message)
		out = append(out, e)
	}
	return out
}

// Entry returns one message by temporary id.
func (q *Queue) Entry(tempID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[tempID]
	if !ok {
		return Entry{}, false
	}
	view := *e
	view.Message = cloneMessage(e.Message)
	return view, true
}

// Close stops the worker. An in-flight send is cancelled and its message
// stays pending in the store.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	<-q.done
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) notify(e Entry) {
	if q.opts.OnChange != nil {
		q.opts.OnChange(e)
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		id, ok := q.next()
		if !ok {
			select {
			case <-q.ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		q.deliver(id)
		if q.ctx.Err() != nil {
			return
		}
	}
}

func (q *Queue) next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.queue) > 0 {
		id := q.queue[0]
		q.queue = q.queue[1:]
		if e, ok := q.entries[id]; ok && e.Status == StatusPending {
			return id, true
		}
	}
	return "", false
}

func (q *Queue) deliver(id string) {
	q.mu.Lock()
	msg := cloneMessage(q.entries[id].Message)
	q.mu.Unlock()

	permanentID, err := q.sender.Send(q.ctx, q.conversationID, msg)
	if err != nil && q.ctx.Err() != nil {
		return
	}

	q.mu.Lock()
	e := q.entries[id]
	if err != nil {
		e.Status = StatusFailed
		e.Error = err.Error()
		e.LastAttemptAt = q.opts.Now().UTC()
		q.opts.Logger.Printf("conversation %s: message %s failed: %v", q.conversationID, id, err)
	} else {
		e.Status = StatusSent
		e.PermanentID = permanentID
		e.Error = ""
	}
	q.persistLocked()
	view := *e
	q.mu.Unlock()

	q.notify(view)
}

func (q *Queue) snapshotLocked() Snapshot {
	var s Snapshot
	for _, id := range q.order {
		e := q.entries[id]
		switch e.Status {
		case StatusPending:
			s.Pending = append(s.Pending, cloneMessage(e.Message))
		case StatusFailed:
			s.Failed = append(s.Failed, FailedMessage{
				Message:       cloneMessage(e.Message),
				Error:         e.Error,
				LastAttemptAt: e.LastAttemptAt,
			})
		case StatusPermanentlyFailed:
			s.Exhausted = append(s.Exhausted, FailedMessage{
				Message:       cloneMessage(e.Message),
				Error:         e.Error,
				LastAttemptAt: e.LastAttemptAt,
			})
		}
	}
	return s
}

// persistLocked mirrors the queue to the store. Failures are logged; the
// in-memory queue stays authoritative.
func (q *Queue) persistLocked() {
	if q.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap := q.snapshotLocked()
	var err error
	if snap.Empty() {
		err = q.store.Clear(ctx, q.conversationID)
	} else {
		err = q.store.Save(ctx, q.conversationID, snap)
	}
	if err != nil {
		q.opts.Logger.Printf("conversation %s: failed to persist outbox: %v", q.conversationID, err)
	}
}
