package models

import (
	"errors"
	"time"
)

// JobClass categorizes asynchronous work and selects the retry policy and
// payload shape for a job.
type JobClass string

const (
	JobClassImage        JobClass = "image"
	JobClassAudio        JobClass = "audio"
	JobClassMultimodal   JobClass = "multimodal"
	JobClassNotification JobClass = "notification"
	JobClassPush         JobClass = "push"
)

// JobClasses lists every known class, in dispatch order.
var JobClasses = []JobClass{
	JobClassImage,
	JobClassAudio,
	JobClassMultimodal,
	JobClassNotification,
	JobClassPush,
}

// JobStatus tracks a job through its lifecycle. Transitions are monotonic:
// queued -> active -> completed|failed, with active -> queued on retry.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

var (
	ErrEmptyUserID   = errors.New("payload missing user id")
	ErrMissingMedia  = errors.New("payload missing required media")
	ErrMissingTitle  = errors.New("notification payload missing title")
	ErrMissingDevice = errors.New("push payload missing device token")
)

// JobPayload is the tagged union over job classes. Each variant carries its
// own strongly-typed shape and validates itself before enqueue.
type JobPayload interface {
	Class() JobClass
	Validate() error
}

// ImagePayload requests analysis of a single image.
type ImagePayload struct {
	UserID   string `json:"user_id"`
	ImageURL string `json:"image_url"`
	Prompt   string `json:"prompt,omitempty"`
	LessonID string `json:"lesson_id,omitempty"`
}

func (p ImagePayload) Class() JobClass { return JobClassImage }

func (p ImagePayload) Validate() error {
	if p.UserID == "" {
		return ErrEmptyUserID
	}
	if p.ImageURL == "" {
		return ErrMissingMedia
	}
	return nil
}

// AudioPayload requests analysis of a recorded audio clip.
type AudioPayload struct {
	UserID   string `json:"user_id"`
	AudioURL string `json:"audio_url"`
	Language string `json:"language,omitempty"`
	LessonID string `json:"lesson_id,omitempty"`
}

func (p AudioPayload) Class() JobClass { return JobClassAudio }

func (p AudioPayload) Validate() error {
	if p.UserID == "" {
		return ErrEmptyUserID
	}
	if p.AudioURL == "" {
		return ErrMissingMedia
	}
	return nil
}

// MultimodalPayload combines image, audio and text inputs; at least one
// media component must be present.
type MultimodalPayload struct {
	UserID   string `json:"user_id"`
	ImageURL string `json:"image_url,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
	Text     string `json:"text,omitempty"`
	LessonID string `json:"lesson_id,omitempty"`
}

func (p MultimodalPayload) Class() JobClass { return JobClassMultimodal }

func (p MultimodalPayload) Validate() error {
	if p.UserID == "" {
		return ErrEmptyUserID
	}
	if p.ImageURL == "" && p.AudioURL == "" && p.Text == "" {
		return ErrMissingMedia
	}
	return nil
}

// NotificationPayload delivers an in-app notification through the gateway.
type NotificationPayload struct {
	UserID string         `json:"user_id"`
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	Kind   string         `json:"kind,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

func (p NotificationPayload) Class() JobClass { return JobClassNotification }

func (p NotificationPayload) Validate() error {
	if p.UserID == "" {
		return ErrEmptyUserID
	}
	if p.Title == "" {
		return ErrMissingTitle
	}
	return nil
}

// PushPayload delivers a push notification to a device token.
type PushPayload struct {
	UserID      string `json:"user_id"`
	DeviceToken string `json:"device_token"`
	Title       string `json:"title"`
	Body        string `json:"body"`
}

func (p PushPayload) Class() JobClass { return JobClassPush }

func (p PushPayload) Validate() error {
	if p.UserID == "" {
		return ErrEmptyUserID
	}
	if p.DeviceToken == "" {
		return ErrMissingDevice
	}
	return nil
}

// SubResult is the outcome of one sub-call of a multimodal job.
type SubResult struct {
	Kind       string  `json:"kind"` // "image", "audio" or "text"
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	TokensUsed int     `json:"tokens_used"`
	Cost       float64 `json:"cost"`
}

// JobResult is the outcome of a completed job.
type JobResult struct {
	Content    string      `json:"content,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	TokensUsed int         `json:"tokens_used,omitempty"`
	Cost       float64     `json:"cost,omitempty"`
	Parts      []SubResult `json:"parts,omitempty"`
}

// Job is a unit of asynchronous work owned by the queue until it reaches a
// terminal state.
type Job struct {
	ID            string     `json:"id"`
	Class         JobClass   `json:"class"`
	Payload       JobPayload `json:"payload"`
	Priority      int        `json:"priority"`
	Attempt       int        `json:"attempt"`
	MaxAttempts   int        `json:"max_attempts"`
	Status        JobStatus  `json:"status"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Result        *JobResult `json:"result,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// CanRetry reports whether another attempt is permitted.
func (j *Job) CanRetry() bool {
	return j.Attempt < j.MaxAttempts
}

// UserID extracts the owning user from the payload.
func (j *Job) UserID() string {
	switch p := j.Payload.(type) {
	case ImagePayload:
		return p.UserID
	case AudioPayload:
		return p.UserID
	case MultimodalPayload:
		return p.UserID
	case NotificationPayload:
		return p.UserID
	case PushPayload:
		return p.UserID
	default:
		return ""
	}
}

// Snapshot returns a copy safe to hand out while the queue keeps mutating
// the original.
func (j *Job) Snapshot() Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		if j.Result.Parts != nil {
			r.Parts = append([]SubResult(nil), j.Result.Parts...)
		}
		c.Result = &r
	}
	return c
}
