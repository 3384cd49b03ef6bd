package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lineage/internal/middleware"
	"lineage/internal/observability"
)

// MilestoneInterval is the view count step that triggers a notification.
const MilestoneInterval = 100

// IsMilestone reports whether views is a positive multiple of MilestoneInterval.
func IsMilestone(views int64) bool {
	return views > 0 && views%MilestoneInterval == 0
}

// ViewMilestone is emitted when a post's view counter reaches a milestone.
type ViewMilestone struct {
	PostID      uint   `json:"post_id"`
	PostTitle   string `json:"post_title"`
	AuthorID    uint   `json:"author_id"`
	AuthorEmail string `json:"-"`
	Views       int64  `json:"views"`
}

// Subject is the mail subject for the milestone.
func (e ViewMilestone) Subject() string {
	return fmt.Sprintf("Your post reached %d views", e.Views)
}

// Body is the plain-text mail body for the milestone.
func (e ViewMilestone) Body() string {
	return fmt.Sprintf("Your post %q has been viewed %d times.", e.PostTitle, e.Views)
}

// Event is the envelope pushed to websocket clients.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// EventViewMilestone is the realtime event type for ViewMilestone.
const EventViewMilestone = "view_milestone"

// Publisher pushes a payload to one user's realtime channel.
type Publisher interface {
	PublishUser(ctx context.Context, userID uint, payload string) error
}

// MilestoneDispatcher delivers milestones off the request path. Each event
// gets one mail attempt and one publish attempt; failures are logged and
// counted, never retried. Enqueue never blocks: a full queue drops the event.
type MilestoneDispatcher struct {
	mailer    Mailer
	publisher Publisher
	from      string
	timeout   time.Duration

	queue     chan ViewMilestone
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	mu        sync.RWMutex
	stopped   bool
}

// NewMilestoneDispatcher creates a dispatcher with a queue of size buffer.
// publisher may be nil when realtime delivery is unavailable.
func NewMilestoneDispatcher(mailer Mailer, publisher Publisher, from string, buffer int) *MilestoneDispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	return &MilestoneDispatcher{
		mailer:    mailer,
		publisher: publisher,
		from:      from,
		timeout:   15 * time.Second,
		queue:     make(chan ViewMilestone, buffer),
	}
}

// Start launches the worker. Calling it more than once has no effect.
func (d *MilestoneDispatcher) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.run()
	})
}

// Enqueue hands ev to the worker and reports whether it was accepted.
func (d *MilestoneDispatcher) Enqueue(ev ViewMilestone) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return false
	}
	select {
	case d.queue <- ev:
		return true
	default:
		observability.NotificationsDropped.Inc()
		middleware.Logger.Warn("milestone queue full, dropping event",
			slog.Uint64("post_id", uint64(ev.PostID)), slog.Int64("views", ev.Views))
		return false
	}
}

// Stop closes the queue and waits for queued events to drain or ctx to end.
func (d *MilestoneDispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		close(d.queue)
		d.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *MilestoneDispatcher) run() {
	defer d.wg.Done()
	for ev := range d.queue {
		d.deliver(ev)
	}
}

func (d *MilestoneDispatcher) deliver(ev ViewMilestone) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	observability.ViewMilestones.Inc()
	log := middleware.Logger.With(slog.Uint64("post_id", uint64(ev.PostID)), slog.Int64("views", ev.Views))

	if ev.AuthorEmail != "" && d.mailer != nil {
		if err := d.mailer.Send(ctx, ev.Subject(), ev.Body(), d.from, []string{ev.AuthorEmail}); err != nil {
			observability.NotificationsFailed.WithLabelValues("mail").Inc()
			log.Error("milestone mail failed", slog.String("error", err.Error()))
		} else {
			observability.NotificationsSent.WithLabelValues("mail").Inc()
		}
	}

	if d.publisher != nil && ev.AuthorID != 0 {
		payload, err := json.Marshal(Event{Type: EventViewMilestone, Payload: ev})
		if err != nil {
			log.Error("milestone marshal failed", slog.String("error", err.Error()))
			return
		}
		if err := d.publisher.PublishUser(ctx, ev.AuthorID, string(payload)); err != nil {
			observability.NotificationsFailed.WithLabelValues("realtime").Inc()
			log.Warn("milestone publish failed", slog.String("error", err.Error()))
		} else {
			observability.NotificationsSent.WithLabelValues("realtime").Inc()
		}
	}
}
