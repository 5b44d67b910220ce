package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scof256/hellodoctor-sub007/internal/delivery"
)

type recordingSender struct {
	mu    sync.Mutex
	texts []string
}

func (s *recordingSender) Send(_ context.Context, _ string, m delivery.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, m.Text)
	return "perm-" + m.TempID, nil
}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func TestReadLoopEnqueuesLinesUntilQuit(t *testing.T) {
	store, err := delivery.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	sender := &recordingSender{}
	var buf bytes.Buffer
	out := &printer{w: &buf}
	q, err := delivery.New("conv-1", sender, store, delivery.Options{OnChange: out.entry})
	require.NoError(t, err)
	defer q.Close()

	in := strings.NewReader("my chest hurts\n\n/retry nope\n/resend nope\nsince yesterday\n/quit\nignored\n")
	require.NoError(t, readLoop(context.Background(), in, q, out))

	require.Eventually(t, func() bool { return len(sender.sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"my chest hurts", "since yesterday"}, sender.sent())

	out.mu.Lock()
	defer out.mu.Unlock()
	assert.Contains(t, buf.String(), "retry nope:")
	assert.Contains(t, buf.String(), "resend nope:")
}
