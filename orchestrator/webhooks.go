package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agora/models"
	"agora/observability/metrics"
)

// WebhookEvent notifies a seller agent of an escrow lifecycle change.
type WebhookEvent struct {
	ID        string
	Type      string
	EscrowID  string
	Agent     string
	CreatedAt time.Time
}

// WebhookTask is one delivery attempt for an event.
type WebhookTask struct {
	Event     WebhookEvent
	Attempt   int
	NotBefore time.Time
}

type queuedTask struct {
	task       WebhookTask
	enqueuedAt time.Time
}

const (
	defaultTaskCapacity = 1024
	defaultQueueTTL     = 15 * time.Minute
	maxDeliveryAttempts = 5
)

// WebhookQueue is a bounded in-memory queue of pending webhook deliveries.
// Overflow drops the oldest task; stale tasks expire on their TTL.
type WebhookQueue struct {
	mu    sync.Mutex
	tasks queueRing[queuedTask]
	ttl   time.Duration
	now   func() time.Time
}

func NewWebhookQueue() *WebhookQueue {
	return &WebhookQueue{
		tasks: newQueueRing[queuedTask](defaultTaskCapacity),
		ttl:   defaultQueueTTL,
		now:   time.Now,
	}
}

// Enqueue adds an event for delivery. Events without an id get one; the id
// doubles as the receiver-side idempotency key.
func (q *WebhookQueue) Enqueue(evt WebhookEvent) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	q.enqueueTask(WebhookTask{Event: evt})
}

func (q *WebhookQueue) enqueueTask(task WebhookTask) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if _, dropped := q.tasks.push(queuedTask{task: task, enqueuedAt: now}); dropped {
		metrics.WebhooksDropped.WithLabelValues("overflow").Inc()
	}
}

// Dequeue waits for the next deliverable task. Returns false when the
// context is cancelled.
func (q *WebhookQueue) Dequeue(ctx context.Context) (WebhookTask, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		queued, ok := q.tasks.pop()
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return WebhookTask{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}

		if delay := time.Until(queued.task.NotBefore); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return WebhookTask{}, false
			case <-timer.C:
			}
		}

		if q.ttl > 0 && q.now().Sub(queued.enqueuedAt) > q.ttl {
			metrics.WebhooksDropped.WithLabelValues("ttl").Inc()
			continue
		}
		return queued.task, true
	}
}

func (q *WebhookQueue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	for {
		queued, ok := q.tasks.peek()
		if !ok || now.Sub(queued.enqueuedAt) <= q.ttl {
			return
		}
		q.tasks.pop()
		metrics.WebhooksDropped.WithLabelValues("ttl").Inc()
	}
}

// Dispatcher drains the queue and posts events to each agent's webhook URL
// with bounded retries and exponential backoff.
type Dispatcher struct {
	db        *gorm.DB
	queue     *WebhookQueue
	client    Doer
	log       *slog.Logger
	delivered sync.Map
}

func NewDispatcher(db *gorm.DB, queue *WebhookQueue, client Doer, log *slog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: sellerCallTimeout}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{db: db, queue: queue, client: client, log: log}
}

// Run drains the queue until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		task, ok := d.queue.Dequeue(ctx)
		if !ok {
			return
		}
		d.deliver(ctx, task)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, task WebhookTask) {
	// Redelivery of an already-acknowledged event is a no-op.
	if _, done := d.delivered.Load(task.Event.ID); done {
		return
	}

	var agent models.Agent
	if err := d.db.First(&agent, "name = ?", task.Event.Agent).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			d.log.Warn("webhook agent lookup failed", "agent", task.Event.Agent, "error", err)
		}
		return
	}
	if agent.WebhookURL == "" {
		return
	}

	if err := d.post(ctx, agent.WebhookURL, agent.APICredential, task.Event); err != nil {
		metrics.WebhooksDelivered.WithLabelValues("failure").Inc()
		if task.Attempt+1 >= maxDeliveryAttempts {
			d.log.Warn("webhook delivery abandoned",
				"agent", task.Event.Agent, "event", task.Event.Type, "attempts", task.Attempt+1)
			metrics.WebhooksDropped.WithLabelValues("attempts").Inc()
			return
		}
		backoff := time.Duration(1<<uint(task.Attempt)) * time.Second
		d.queue.enqueueTask(WebhookTask{
			Event:     task.Event,
			Attempt:   task.Attempt + 1,
			NotBefore: time.Now().Add(backoff),
		})
		return
	}
	metrics.WebhooksDelivered.WithLabelValues("success").Inc()
	d.delivered.Store(task.Event.ID, struct{}{})
}

func (d *Dispatcher) post(ctx context.Context, url, credential string, event WebhookEvent) error {
	body, err := json.Marshal(map[string]any{
		"event":     event.Type,
		"escrow_id": event.EscrowID,
		"agent":     event.Agent,
		"timestamp": event.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, sellerCallTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", event.ID)
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("webhook endpoint rejected delivery")
	}
	return nil
}

// queueRing is a fixed-size ring buffer that overwrites the oldest element
// on overflow.
type queueRing[T any] struct {
	buf  []T
	head int
	size int
}

func newQueueRing[T any](capacity int) queueRing[T] {
	if capacity <= 0 {
		return queueRing[T]{}
	}
	return queueRing[T]{buf: make([]T, capacity)}
}

func (r *queueRing[T]) push(v T) (T, bool) {
	if len(r.buf) == 0 {
		var zero T
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
	var zero T
	return zero, false
}

func (r *queueRing[T]) pop() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	v := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *queueRing[T]) peek() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}
