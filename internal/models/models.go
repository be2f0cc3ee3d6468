package models

import (
	"encoding/json"
	"time"
)

type SessionStatus string

const (
	StatusRunning SessionStatus = "running"
	StatusStopped SessionStatus = "stopped"
	StatusFailed  SessionStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s SessionStatus) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

type CommandAction string

const (
	CommandStart CommandAction = "start"
	CommandStop  CommandAction = "stop"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether s is one of the three known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// Session is one configured surveillance task bound to one source, user and prompt.
type Session struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	SourceURL     string        `json:"source_url"`
	StreamURL     string        `json:"-"`
	Interval      int           `json:"interval"`
	Prompt        string        `json:"prompt"`
	Status        SessionStatus `json:"status"`
	FailureReason *string       `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     time.Time     `json:"started_at"`
	StoppedAt     *time.Time    `json:"stopped_at,omitempty"`
	HeartbeatAt   *time.Time    `json:"heartbeat_at,omitempty"`
}

// Log is one assessment record written per completed capture tick.
type Log struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	ImagePath       string    `json:"image_path"`
	AIResponse      string    `json:"ai_response"`
	Snippet         string    `json:"snippet"`
	AnomalyDetected bool      `json:"anomaly_detected"`
	Severity        Severity  `json:"severity"`
	CreatedAt       time.Time `json:"created_at"`
}

// AssessmentResult is the structured answer of the inference service.
type AssessmentResult struct {
	AnomalyDetected bool     `json:"anomalyDetected"`
	Description     string   `json:"description"`
	Severity        Severity `json:"severity"`
}

// SafeDefault is the result used whenever the inference outcome cannot be trusted.
func SafeDefault(reason string) AssessmentResult {
	return AssessmentResult{
		AnomalyDetected: false,
		Description:     reason,
		Severity:        SeverityLow,
	}
}

// WorkerContext is everything a spawned worker needs to run one session.
type WorkerContext struct {
	SessionID string `json:"session_id"`
	StreamURL string `json:"stream_url"`
	Interval  int    `json:"interval"`
	Prompt    string `json:"prompt"`
	UserID    string `json:"user_id"`
}

// IntervalDuration is the capture period.
func (w WorkerContext) IntervalDuration() time.Duration {
	return time.Duration(w.Interval) * time.Second
}

// SessionCommand is the message exchanged with the runner fleet.
type SessionCommand struct {
	SessionID string         `json:"session_id"`
	Action    CommandAction  `json:"action"`
	Worker    *WorkerContext `json:"worker,omitempty"`
	SentAt    time.Time      `json:"sent_at"`
}

// Alert is published when a tick detects an anomaly.
type Alert struct {
	SessionID   string          `json:"session_id"`
	UserID      string          `json:"user_id"`
	LogID       string          `json:"log_id"`
	Severity    Severity        `json:"severity"`
	Description string          `json:"description"`
	ImagePath   string          `json:"image_path"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	DetectedAt  time.Time       `json:"detected_at"`
}
