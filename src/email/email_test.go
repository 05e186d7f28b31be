package email

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jpillora/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"grimstack.io/grim/src/expiry"
	"grimstack.io/grim/src/jobs"
	"grimstack.io/grim/src/kv/kvtest"
)

func TestMarkStatus(t *testing.T) {
	ctx := context.Background()
	db := kvtest.OpenTemp(t)
	now := time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	registry := expiry.NewWithClock(db, clock)
	tracker := NewTracker(db, registry)
	tracker.now = clock

	require.NoError(t, tracker.MarkStatus(ctx, "abc", StatusQueued))
	status, err := tracker.Status(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, status.Status)

	now = now.Add(5 * time.Minute)
	require.NoError(t, tracker.MarkStatus(ctx, "abc", StatusSent))
	at, found, err := registry.ExpiresAt(ctx, statusKey("abc"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, now.Add(statusLifetime), at, "updating pushes the deletion back")

	// The first deadline passes without deleting anything.
	now = now.Add(2 * time.Minute)
	_, err = registry.Sweep(ctx)
	require.NoError(t, err)
	status, err = tracker.Status(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, status.Status)

	now = now.Add(statusLifetime)
	_, err = registry.Sweep(ctx)
	require.NoError(t, err)
	_, err = tracker.Status(ctx, "abc")
	assert.ErrorIs(t, err, ErrNoStatus)
}

type flakyMailer struct {
	mu       sync.Mutex
	failures int
	sent     []Message
}

func (m *flakyMailer) Send(ctx context.Context, msg Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return "", errors.New("provider is down")
	}
	m.sent = append(m.sent, msg)
	return "sid-" + msg.ToAddress, nil
}

func (m *flakyMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func TestOutbox(t *testing.T) {
	ctx := context.Background()
	db := kvtest.OpenTemp(t)
	tracker := NewTracker(db, expiry.New(db))
	mailer := &flakyMailer{failures: 1}

	outbox := NewOutbox(mailer, tracker, 1)
	outbox.backoff = backoff.Backoff{Min: time.Millisecond, Max: time.Millisecond * 10, Factor: 2}

	assert.True(t, outbox.Enqueue(Message{ToAddress: "ben@example.com", Subject: "New reply"}))
	assert.False(t, outbox.Enqueue(Message{ToAddress: "amy@example.com"}), "queue is full")

	job := outbox.Run()
	assert.Eventually(t, func() bool { return mailer.count() == 1 }, time.Second*2, time.Millisecond*10)
	assert.Eventually(t, func() bool {
		status, err := tracker.Status(ctx, "sid-ben@example.com")
		return err == nil && status.Status == StatusSent
	}, time.Second*2, time.Millisecond*10)
	assert.Empty(t, jobs.Jobs{job}.CancelAndWait(time.Second))
}

func TestLogMailer(t *testing.T) {
	sid, err := LogMailer{}.Send(context.Background(), Message{ToAddress: "ben@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "log-ben@example.com", sid)
}
