package models

import "time"

// Notification is an ephemeral message for a user. It is either delivered
// over a live connection or appended to the user's bounded offline list.
type Notification struct {
	UserID    string         `json:"user_id"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Kind      string         `json:"kind,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Usage captures the token and monetary cost of one upstream AI call.
type Usage struct {
	TokensUsed int     `json:"tokens_used"`
	Cost       float64 `json:"cost"`
}

// CachedResult is an AI response stored in the response cache.
type CachedResult struct {
	Content    string    `json:"content"`
	Capability string    `json:"capability"`
	TokensUsed int       `json:"tokens_used"`
	Cost       float64   `json:"cost"`
	CreatedAt  time.Time `json:"created_at"`
}
