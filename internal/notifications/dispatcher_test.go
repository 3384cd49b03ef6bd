package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMail struct {
	subject, body, from string
	to                  []string
}

type fakeMailer struct {
	mu    sync.Mutex
	sent  []sentMail
	err   error
	block chan struct{}
}

func (m *fakeMailer) Send(_ context.Context, subject, body, from string, to []string) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{subject, body, from, to})
	return m.err
}

func (m *fakeMailer) calls() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

type fakePublisher struct {
	mu       sync.Mutex
	payloads map[uint][]string
}

func (p *fakePublisher) PublishUser(_ context.Context, userID uint, payload string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.payloads == nil {
		p.payloads = make(map[uint][]string)
	}
	p.payloads[userID] = append(p.payloads[userID], payload)
	return nil
}

func (p *fakePublisher) get(userID uint) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.payloads[userID]...)
}

func TestIsMilestone(t *testing.T) {
	tests := []struct {
		views int64
		want  bool
	}{
		{0, false},
		{1, false},
		{99, false},
		{100, true},
		{101, false},
		{200, true},
		{1000, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsMilestone(tt.views), "views=%d", tt.views)
	}
}

func TestMilestoneDispatcher_SendsExactlyOnce(t *testing.T) {
	mailer := &fakeMailer{}
	pub := &fakePublisher{}
	d := NewMilestoneDispatcher(mailer, pub, "noreply@lineage.local", 4)
	d.Start()

	require.True(t, d.Enqueue(ViewMilestone{PostID: 3, PostTitle: "Oak", AuthorID: 7, AuthorEmail: "a@example.com", Views: 100}))
	require.NoError(t, d.Stop(context.Background()))

	calls := mailer.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Your post reached 100 views", calls[0].subject)
	assert.Contains(t, calls[0].body, `"Oak"`)
	assert.Equal(t, "noreply@lineage.local", calls[0].from)
	assert.Equal(t, []string{"a@example.com"}, calls[0].to)

	published := pub.get(7)
	require.Len(t, published, 1)
	var ev struct {
		Type    string                 `json:"type"`
		Payload map[string]interface{} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(published[0]), &ev))
	assert.Equal(t, EventViewMilestone, ev.Type)
	assert.Equal(t, float64(100), ev.Payload["views"])
	assert.NotContains(t, published[0], "a@example.com")
}

func TestMilestoneDispatcher_MailFailureIsSwallowed(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("relay down")}
	pub := &fakePublisher{}
	d := NewMilestoneDispatcher(mailer, pub, "from@x", 1)
	d.Start()

	require.True(t, d.Enqueue(ViewMilestone{PostID: 1, AuthorID: 2, AuthorEmail: "b@example.com", Views: 200}))
	require.NoError(t, d.Stop(context.Background()))

	assert.Len(t, mailer.calls(), 1, "no retry after a failure")
	assert.Len(t, pub.get(2), 1, "realtime delivery still happens")
}

func TestMilestoneDispatcher_NoEmailSkipsMail(t *testing.T) {
	mailer := &fakeMailer{}
	d := NewMilestoneDispatcher(mailer, nil, "from@x", 1)
	d.Start()

	require.True(t, d.Enqueue(ViewMilestone{PostID: 1, AuthorID: 2, Views: 100}))
	require.NoError(t, d.Stop(context.Background()))
	assert.Empty(t, mailer.calls())
}

func TestMilestoneDispatcher_DropsWhenFull(t *testing.T) {
	mailer := &fakeMailer{block: make(chan struct{})}
	d := NewMilestoneDispatcher(mailer, nil, "from@x", 1)
	d.Start()

	ev := ViewMilestone{PostID: 1, AuthorEmail: "c@example.com", Views: 100}
	require.True(t, d.Enqueue(ev))
	// wait for the worker to pick up the first event and block in Send
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, 5*time.Millisecond)

	require.True(t, d.Enqueue(ev), "one slot of buffer")
	assert.False(t, d.Enqueue(ev), "queue is full")

	close(mailer.block)
	require.NoError(t, d.Stop(context.Background()))
	assert.Len(t, mailer.calls(), 2)
}

func TestMilestoneDispatcher_EnqueueAfterStop(t *testing.T) {
	d := NewMilestoneDispatcher(&fakeMailer{}, nil, "from@x", 1)
	d.Start()
	require.NoError(t, d.Stop(context.Background()))
	require.NoError(t, d.Stop(context.Background()), "stop is idempotent")
	assert.False(t, d.Enqueue(ViewMilestone{PostID: 1, Views: 100}))
}

func TestMilestoneDispatcher_StopHonoursContext(t *testing.T) {
	mailer := &fakeMailer{block: make(chan struct{})}
	d := NewMilestoneDispatcher(mailer, nil, "from@x", 1)
	d.Start()
	require.True(t, d.Enqueue(ViewMilestone{PostID: 1, AuthorEmail: "d@example.com", Views: 100}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Stop(ctx), context.DeadlineExceeded)

	close(mailer.block)
	require.NoError(t, d.Stop(context.Background()))
}
