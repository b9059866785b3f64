package gateway

import (
	"time"

	"github.com/lernia/lernia/internal/models"
)

// EventType names the bounded set of events pushed to clients.
type EventType string

const (
	EventConnected    EventType = "connect"
	EventDisconnected EventType = "disconnect"
	EventJobUpdate    EventType = "job:update"
	EventNotification EventType = "notification"
	EventSync         EventType = "sync"
)

// Event is the wire envelope for every gateway push. Only the fields
// relevant to the event type are populated.
type Event struct {
	Type         EventType            `json:"type"`
	JobID        string               `json:"job_id,omitempty"`
	Status       string               `json:"status,omitempty"`
	Result       *models.JobResult    `json:"result,omitempty"`
	Notification *models.Notification `json:"notification,omitempty"`
	// Origin carries the connection id that produced a sync event so
	// receivers can tell sync-echo from organic updates.
	Origin    string         `json:"origin,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
