package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lernia/lernia/internal/ai"
	"github.com/lernia/lernia/internal/cache"
	"github.com/lernia/lernia/internal/config"
	"github.com/lernia/lernia/internal/models"
	"github.com/lernia/lernia/internal/observability/metrics"
	"github.com/lernia/lernia/internal/queue"
)

// Notifier is the slice of the real-time gateway the worker pool uses to
// emit job status events and deliver notification jobs.
type Notifier interface {
	SendToUser(ctx context.Context, userID string, n models.Notification) bool
	BroadcastJobUpdate(jobID string, status string, result *models.JobResult)
}

// PushSender delivers device push notifications. Nil disables the push
// class at the boundary rather than failing jobs mid-flight.
type PushSender interface {
	SendPush(ctx context.Context, deviceToken, title, body string) error
}

// Config holds worker pool settings.
type Config struct {
	Workers       int
	PollInterval  time.Duration
	InvokeTimeout time.Duration
	ResultTTL     time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers:       4,
		PollInterval:  250 * time.Millisecond,
		InvokeTimeout: 60 * time.Second,
		ResultTTL:     24 * time.Hour,
	}
}

// ConfigFromApp derives the pool config from application configuration.
func ConfigFromApp(app *config.Config) *Config {
	cfg := DefaultConfig()
	cfg.Workers = app.Queue.Workers
	cfg.PollInterval = app.Queue.PollInterval
	cfg.InvokeTimeout = app.AI.Timeout
	cfg.ResultTTL = app.Queue.MediaResultTTL
	return cfg
}

// Pool pulls jobs from the queue, invokes the external AI collaborator,
// persists results through the cache store, records usage analytics, and
// emits status events to the gateway.
type Pool struct {
	cfg      *Config
	queue    *queue.JobQueue
	aiClient ai.Client
	cache    *cache.ResponseCache
	notifier Notifier
	push     PushSender
	metrics  *metrics.Collector
	logger   *logrus.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewPool wires the pool. push and collector may be nil.
func NewPool(
	cfg *Config,
	jobQueue *queue.JobQueue,
	aiClient ai.Client,
	responseCache *cache.ResponseCache,
	notifier Notifier,
	push PushSender,
	collector *metrics.Collector,
	logger *logrus.Logger,
) *Pool {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:      cfg,
		queue:    jobQueue,
		aiClient: aiClient,
		cache:    responseCache,
		notifier: notifier,
		push:     push,
		metrics:  collector,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() error {
	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	p.logger.WithField("workers", p.cfg.Workers).Info("Starting worker pool")
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop()
	}
	p.started = true
	return nil
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool")
	p.cancel()
	p.wg.Wait()
	p.started = false
}

func (p *Pool) workerLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		job := p.queue.Dequeue(p.ctx)
		if job == nil {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		p.process(job)
	}
}

func (p *Pool) process(job *models.Job) {
	start := time.Now()

	p.logger.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"class":   job.Class,
		"attempt": job.Attempt,
	}).Debug("Processing job")

	p.notifier.BroadcastJobUpdate(job.ID, string(models.JobStatusActive), nil)

	result, err := p.execute(job)
	if err != nil {
		p.handleFailure(job, err)
		return
	}

	p.handleSuccess(job, result, time.Since(start))
}

// execute dispatches on the payload variant. The AI call is bounded by the
// invoke timeout; expiry surfaces as an error, which the retry policy
// treats like any other failure.
func (p *Pool) execute(job *models.Job) (*models.JobResult, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.InvokeTimeout)
	defer cancel()

	switch payload := job.Payload.(type) {
	case models.ImagePayload:
		resp, err := p.aiClient.Invoke(ctx, ai.CapabilityVision, &ai.Request{
			Prompt:   payload.Prompt,
			ImageURL: payload.ImageURL,
		})
		if err != nil {
			return nil, err
		}
		return resultFrom(resp), nil

	case models.AudioPayload:
		resp, err := p.aiClient.Invoke(ctx, ai.CapabilitySpeech, &ai.Request{
			AudioURL: payload.AudioURL,
			Language: payload.Language,
		})
		if err != nil {
			return nil, err
		}
		return resultFrom(resp), nil

	case models.MultimodalPayload:
		return p.executeMultimodal(ctx, job, payload)

	case models.NotificationPayload:
		delivered := p.notifier.SendToUser(ctx, payload.UserID, models.Notification{
			UserID:    payload.UserID,
			Title:     payload.Title,
			Body:      payload.Body,
			Kind:      payload.Kind,
			Data:      payload.Data,
			CreatedAt: time.Now(),
		})
		content := "delivered"
		if !delivered {
			content = "stored offline"
		}
		return &models.JobResult{Content: content}, nil

	case models.PushPayload:
		if p.push == nil {
			return nil, fmt.Errorf("push delivery not configured")
		}
		if err := p.push.SendPush(ctx, payload.DeviceToken, payload.Title, payload.Body); err != nil {
			return nil, err
		}
		return &models.JobResult{Content: "pushed"}, nil

	default:
		return nil, fmt.Errorf("unhandled job class %q", job.Class)
	}
}

// statusProgress marks a partial multimodal result on the event stream; it
// is never a stored job status.
const statusProgress = "progress"

// executeMultimodal issues one sub-call per present media type, emitting a
// progress event as each part lands, and aggregates the parts plus a
// mean-confidence summary.
func (p *Pool) executeMultimodal(ctx context.Context, job *models.Job, payload models.MultimodalPayload) (*models.JobResult, error) {
	result := &models.JobResult{}

	if payload.ImageURL != "" {
		resp, err := p.aiClient.Invoke(ctx, ai.CapabilityVision, &ai.Request{ImageURL: payload.ImageURL})
		if err != nil {
			return nil, fmt.Errorf("image sub-call: %w", err)
		}
		result.Parts = append(result.Parts, subResultFrom("image", resp))
		p.broadcastProgress(job, result)
	}

	if payload.AudioURL != "" {
		resp, err := p.aiClient.Invoke(ctx, ai.CapabilitySpeech, &ai.Request{AudioURL: payload.AudioURL})
		if err != nil {
			return nil, fmt.Errorf("audio sub-call: %w", err)
		}
		result.Parts = append(result.Parts, subResultFrom("audio", resp))
		p.broadcastProgress(job, result)
	}

	if payload.Text != "" {
		resp, err := p.aiClient.Invoke(ctx, ai.CapabilityText, &ai.Request{Prompt: payload.Text})
		if err != nil {
			return nil, fmt.Errorf("text sub-call: %w", err)
		}
		result.Parts = append(result.Parts, subResultFrom("text", resp))
		p.broadcastProgress(job, result)
	}

	var confidenceSum float64
	confidenceCount := 0
	for i, part := range result.Parts {
		if i > 0 {
			result.Content += "\n"
		}
		result.Content += part.Content
		result.TokensUsed += part.TokensUsed
		result.Cost += part.Cost
		if part.Confidence > 0 {
			confidenceSum += part.Confidence
			confidenceCount++
		}
	}
	if confidenceCount > 0 {
		result.Confidence = confidenceSum / float64(confidenceCount)
	}

	return result, nil
}

// broadcastProgress snapshots the parts so far; the result keeps mutating
// after the event is emitted.
func (p *Pool) broadcastProgress(job *models.Job, result *models.JobResult) {
	snapshot := &models.JobResult{
		Parts: append([]models.SubResult(nil), result.Parts...),
	}
	p.notifier.BroadcastJobUpdate(job.ID, statusProgress, snapshot)
}

func resultFrom(resp *ai.Response) *models.JobResult {
	return &models.JobResult{
		Content:    resp.Content,
		Confidence: resp.Confidence,
		TokensUsed: resp.TokensUsed,
		Cost:       resp.Cost,
	}
}

func subResultFrom(kind string, resp *ai.Response) models.SubResult {
	return models.SubResult{
		Kind:       kind,
		Content:    resp.Content,
		Confidence: resp.Confidence,
		TokensUsed: resp.TokensUsed,
		Cost:       resp.Cost,
	}
}

func (p *Pool) handleSuccess(job *models.Job, result *models.JobResult, duration time.Duration) {
	if err := p.queue.Complete(job.ID, result); err != nil {
		p.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to mark job completed")
	}

	if isMediaClass(job.Class) {
		p.persistMediaResult(job, result)
	}

	p.notifier.BroadcastJobUpdate(job.ID, string(models.JobStatusCompleted), result)

	if p.metrics != nil {
		p.metrics.JobsTotal.WithLabelValues(string(job.Class), "completed").Inc()
		p.metrics.JobDuration.WithLabelValues(string(job.Class)).Observe(duration.Seconds())
	}

	p.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"class":    job.Class,
		"duration": duration,
	}).Debug("Job completed")
}

// persistMediaResult writes the analysis result through the response cache
// under a per-user key, which also records usage analytics. Independent of
// the job's own lifecycle.
func (p *Pool) persistMediaResult(job *models.Job, result *models.JobResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := fmt.Sprintf("media:%s:%s", job.UserID(), job.ID)
	cached := &models.CachedResult{
		Content:    result.Content,
		Capability: string(job.Class),
		TokensUsed: result.TokensUsed,
		Cost:       result.Cost,
		CreatedAt:  time.Now(),
	}
	usage := models.Usage{TokensUsed: result.TokensUsed, Cost: result.Cost}
	p.cache.Store(ctx, key, cached, p.cfg.ResultTTL, usage, true, "user:"+job.UserID())
}

func (p *Pool) handleFailure(job *models.Job, execErr error) {
	retried, delay, err := p.queue.Fail(job.ID, execErr.Error())
	if err != nil {
		p.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to record job failure")
		return
	}

	if retried {
		p.notifier.BroadcastJobUpdate(job.ID, string(models.JobStatusQueued), nil)
		if p.metrics != nil {
			p.metrics.JobRetries.WithLabelValues(string(job.Class)).Inc()
		}
		p.logger.WithError(execErr).WithFields(logrus.Fields{
			"job_id": job.ID,
			"delay":  delay,
		}).Warn("Job retry scheduled")
		return
	}

	p.notifier.BroadcastJobUpdate(job.ID, string(models.JobStatusFailed), nil)
	if p.metrics != nil {
		p.metrics.JobsTotal.WithLabelValues(string(job.Class), "failed").Inc()
	}
}

func isMediaClass(class models.JobClass) bool {
	switch class {
	case models.JobClassImage, models.JobClassAudio, models.JobClassMultimodal:
		return true
	default:
		return false
	}
}
