package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lernia/lernia/internal/config"
	"github.com/lernia/lernia/internal/models"
)

// ErrJobNotFound is returned for status queries on unknown or discarded
// job ids.
var ErrJobNotFound = errors.New("job not found")

// ClassPolicy governs retry behavior for one job class.
type ClassPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// Config holds queue configuration.
type Config struct {
	// HistorySize bounds how many terminal jobs are retained per class for
	// status queries; older ones are discarded.
	HistorySize int
	Policies    map[models.JobClass]ClassPolicy
}

// DefaultConfig applies the standard per-class retry policies: media jobs
// back off from 2s with 3 attempts; notification and push jobs are cheap to
// retry and get 5 attempts from 1s.
func DefaultConfig() *Config {
	return &Config{
		HistorySize: 100,
		Policies: map[models.JobClass]ClassPolicy{
			models.JobClassImage:        {MaxAttempts: 3, BackoffBase: 2 * time.Second},
			models.JobClassAudio:        {MaxAttempts: 3, BackoffBase: 2 * time.Second},
			models.JobClassMultimodal:   {MaxAttempts: 3, BackoffBase: 2 * time.Second},
			models.JobClassNotification: {MaxAttempts: 5, BackoffBase: time.Second},
			models.JobClassPush:         {MaxAttempts: 5, BackoffBase: time.Second},
		},
	}
}

// ConfigFromApp derives a queue config from application configuration.
func ConfigFromApp(app *config.Config) *Config {
	cfg := DefaultConfig()
	cfg.HistorySize = app.Queue.HistorySize
	for class, policy := range cfg.Policies {
		switch class {
		case models.JobClassNotification, models.JobClassPush:
			policy.MaxAttempts = app.Queue.NotifyRetries
			policy.BackoffBase = app.Queue.NotifyBackoff
		default:
			policy.MaxAttempts = app.Queue.MediaRetries
			policy.BackoffBase = app.Queue.MediaBackoff
		}
		cfg.Policies[class] = policy
	}
	return cfg
}

// ClassStats are per-class operational counters.
type ClassStats struct {
	Waiting   int   `json:"waiting"`
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// pendingItem orders jobs by priority (higher first), then enqueue order.
type pendingItem struct {
	job *models.Job
	seq uint64
}

type pendingHeap []*pendingItem

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}
func (h pendingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)        { *h = append(*h, x.(*pendingItem)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// delayedItem is a retry waiting for its backoff to elapse.
type delayedItem struct {
	job     *models.Job
	seq     uint64
	readyAt time.Time
}

type classState struct {
	ready   pendingHeap
	delayed []*delayedItem
	active  int
	history []string // terminal job ids, oldest first
	stats   ClassStats
}

// JobQueue is an in-process at-least-once job queue with per-class
// priority-then-FIFO ordering, exponential retry backoff and a bounded
// rolling history of terminal jobs.
type JobQueue struct {
	mu      sync.Mutex
	classes map[models.JobClass]*classState
	jobs    map[string]*models.Job
	config  *Config
	logger  *logrus.Logger
	seq     uint64

	// now is a hook for tests.
	now func() time.Time
}

// NewJobQueue creates a queue with the given config.
func NewJobQueue(cfg *Config, logger *logrus.Logger) *JobQueue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	q := &JobQueue{
		classes: make(map[models.JobClass]*classState),
		jobs:    make(map[string]*models.Job),
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, class := range models.JobClasses {
		q.classes[class] = &classState{}
	}
	return q
}

// Enqueue validates the payload and adds a job, returning its id
// immediately. The caller never blocks on completion. Invalid payloads are
// rejected here and never partially enqueued.
func (q *JobQueue) Enqueue(ctx context.Context, payload models.JobPayload, priority int) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("enqueue: nil payload")
	}
	if err := payload.Validate(); err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", payload.Class(), err)
	}

	class := payload.Class()
	policy, ok := q.config.Policies[class]
	if !ok {
		return "", fmt.Errorf("enqueue: unknown job class %q", class)
	}

	job := &models.Job{
		ID:          uuid.New().String(),
		Class:       class,
		Payload:     payload,
		Priority:    priority,
		Attempt:     1,
		MaxAttempts: policy.MaxAttempts,
		Status:      models.JobStatusQueued,
		EnqueuedAt:  q.now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	q.jobs[job.ID] = job
	heap.Push(&q.classes[class].ready, &pendingItem{job: job, seq: q.seq})

	q.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"class":    class,
		"priority": priority,
	}).Debug("Job enqueued")

	return job.ID, nil
}

// EnqueueImage enqueues an image analysis job.
func (q *JobQueue) EnqueueImage(ctx context.Context, p models.ImagePayload, priority int) (string, error) {
	return q.Enqueue(ctx, p, priority)
}

// EnqueueAudio enqueues an audio analysis job.
func (q *JobQueue) EnqueueAudio(ctx context.Context, p models.AudioPayload, priority int) (string, error) {
	return q.Enqueue(ctx, p, priority)
}

// EnqueueMultimodal enqueues a combined media analysis job.
func (q *JobQueue) EnqueueMultimodal(ctx context.Context, p models.MultimodalPayload, priority int) (string, error) {
	return q.Enqueue(ctx, p, priority)
}

// EnqueueNotification enqueues an in-app notification delivery job.
func (q *JobQueue) EnqueueNotification(ctx context.Context, p models.NotificationPayload, priority int) (string, error) {
	return q.Enqueue(ctx, p, priority)
}

// EnqueuePush enqueues a device push delivery job.
func (q *JobQueue) EnqueuePush(ctx context.Context, p models.PushPayload, priority int) (string, error) {
	return q.Enqueue(ctx, p, priority)
}

// promoteDelayed moves retries whose backoff elapsed into the ready heap.
// Caller holds the lock.
func (q *JobQueue) promoteDelayed(cs *classState, now time.Time) {
	remaining := cs.delayed[:0]
	for _, d := range cs.delayed {
		if !d.readyAt.After(now) {
			heap.Push(&cs.ready, &pendingItem{job: d.job, seq: d.seq})
		} else {
			remaining = append(remaining, d)
		}
	}
	cs.delayed = remaining
}

// Dequeue claims the highest-priority oldest-enqueued eligible job across
// all classes and marks it active. Returns nil when nothing is eligible;
// workers poll.
func (q *JobQueue) Dequeue(ctx context.Context) *models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var best *classState
	for _, class := range models.JobClasses {
		cs := q.classes[class]
		q.promoteDelayed(cs, now)
		if cs.ready.Len() == 0 {
			continue
		}
		if best == nil || pickBefore(cs.ready[0], best.ready[0]) {
			best = cs
		}
	}
	if best == nil {
		return nil
	}

	item := heap.Pop(&best.ready).(*pendingItem)
	job := item.job
	job.Status = models.JobStatusActive
	started := now
	job.StartedAt = &started
	best.active++

	return job
}

func pickBefore(a, b *pendingItem) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	return a.seq < b.seq
}

// Complete marks an active job completed and retains it in the rolling
// history.
func (q *JobQueue) Complete(id string, result *models.JobResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	job.Status = models.JobStatusCompleted
	job.Result = result
	finished := q.now()
	job.FinishedAt = &finished

	cs := q.classes[job.Class]
	cs.active--
	cs.stats.Completed++
	q.retain(cs, job)

	return nil
}

// Fail records a failed attempt. If attempts remain the job is requeued
// with exponential backoff (base * 2^(attempt-1)) and the retry delay is
// returned; otherwise the job is terminally failed with the last reason.
func (q *JobQueue) Fail(id string, reason string) (retried bool, delay time.Duration, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return false, 0, ErrJobNotFound
	}

	job.FailureReason = reason
	cs := q.classes[job.Class]
	cs.active--

	if job.CanRetry() {
		policy := q.config.Policies[job.Class]
		delay = policy.BackoffBase * (1 << (job.Attempt - 1))
		job.Attempt++
		job.Status = models.JobStatusQueued
		job.StartedAt = nil

		q.seq++
		cs.delayed = append(cs.delayed, &delayedItem{
			job:     job,
			seq:     q.seq,
			readyAt: q.now().Add(delay),
		})

		q.logger.WithFields(logrus.Fields{
			"job_id":  job.ID,
			"class":   job.Class,
			"attempt": job.Attempt,
			"delay":   delay,
		}).Warn("Job attempt failed, retrying")

		return true, delay, nil
	}

	job.Status = models.JobStatusFailed
	finished := q.now()
	job.FinishedAt = &finished
	cs.stats.Failed++
	q.retain(cs, job)

	q.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"class":  job.Class,
		"reason": reason,
	}).Error("Job failed permanently")

	return false, 0, nil
}

// retain appends a terminal job to the class history, discarding the
// oldest entries past the configured bound. Caller holds the lock.
func (q *JobQueue) retain(cs *classState, job *models.Job) {
	cs.history = append(cs.history, job.ID)
	for len(cs.history) > q.config.HistorySize {
		evicted := cs.history[0]
		cs.history = cs.history[1:]
		delete(q.jobs, evicted)
	}
}

// GetJob returns a snapshot of the job or ErrJobNotFound once it has been
// discarded from the rolling history.
func (q *JobQueue) GetJob(id string) (models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	return job.Snapshot(), nil
}

// Stats returns per-class waiting/active/completed/failed counts.
func (q *JobQueue) Stats() map[models.JobClass]ClassStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	out := make(map[models.JobClass]ClassStats, len(q.classes))
	for class, cs := range q.classes {
		q.promoteDelayed(cs, now)
		stats := cs.stats
		stats.Waiting = cs.ready.Len() + len(cs.delayed)
		stats.Active = cs.active
		out[class] = stats
	}
	return out
}
