package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority is a task priority level. Each priority maps to its own broker
// queue; workers listen to the configured priorities in strict order.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
)

// AllPriorities lists priorities from most to least urgent.
var AllPriorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority validates a wire-format priority string.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// QueueName returns the broker queue for this priority.
func (p Priority) QueueName() string {
	return "crawler_tasks:" + string(p)
}

// Status represents the lifecycle state of a task. Status transitions are
// append-only events on the broker; SUCCESS, FAILED, TIMEOUT and CANCELLED
// are terminal.
type Status string

const (
	StatusQueued       Status = "QUEUED"
	StatusRunning      Status = "RUNNING"
	StatusSuccess      Status = "SUCCESS"
	StatusFailed       Status = "FAILED"
	StatusTimeout      Status = "TIMEOUT"
	StatusRetry        Status = "RETRY"
	StatusCancelled    Status = "CANCELLED"
	StatusPendingRetry Status = "PENDING_RETRY"
)

// Terminal reports whether a status ends a task's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Market identifies the venue a task targets.
type Market string

const (
	MarketCN Market = "CN"
	MarketUS Market = "US"
	MarketHK Market = "HK"
	MarketJP Market = "JP"
)

// Task type tags. The set is open (handler lookup is by string), but these
// are the types the default adapters understand.
const (
	TaskType1mRealtime  = "1m_realtime"
	TaskType5mRealtime  = "5m_realtime"
	TaskType15mRealtime = "15m_realtime"
	TaskType15mBackfill = "15m_backfill"
	TaskType1dBackfill  = "1d_backfill"
)

// DefaultTaskTypes is the task-type filter applied when none is configured.
var DefaultTaskTypes = []string{
	TaskType1mRealtime,
	TaskType5mRealtime,
	TaskType15mRealtime,
	TaskType15mBackfill,
	TaskType1dBackfill,
}

// DefaultMarkets is the market filter applied when none is configured.
var DefaultMarkets = []Market{MarketCN, MarketUS, MarketHK}

// Task is the unit of work pulled from the broker. TaskID is stable across
// retries; only RetryCount and Priority may be rewritten by a worker, and
// priority only ever downgrades to LOW when a filter rejects the task.
type Task struct {
	TaskID     string            `json:"task_id"`
	TaskType   string            `json:"task_type"`
	Market     Market            `json:"market"`
	Symbol     string            `json:"symbol"`
	Timeframe  string            `json:"timeframe,omitempty"`
	Payload    map[string]string `json:"payload"`
	Priority   Priority          `json:"priority"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Marshal serializes the task to its wire form.
func (t *Task) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalTask decodes a wire-format task and validates its priority.
func UnmarshalTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	if t.TaskID == "" {
		return nil, fmt.Errorf("task has no task_id")
	}
	if _, err := ParsePriority(string(t.Priority)); err != nil {
		return nil, fmt.Errorf("task %s: %w", t.TaskID, err)
	}
	return &t, nil
}

// StatusEvent is one append-only status record for a task.
type StatusEvent struct {
	TaskID  string            `json:"task_id"`
	Status  Status            `json:"status"`
	Details map[string]string `json:"details,omitempty"`
	TS      time.Time         `json:"ts"`
}

// ProxyQuality buckets proxies by expected reliability.
type ProxyQuality string

const (
	ProxyQualityHigh   ProxyQuality = "HIGH"
	ProxyQualityMedium ProxyQuality = "MEDIUM"
	ProxyQualityLow    ProxyQuality = "LOW"
)

// ProxyResource is a quality-scored proxy endpoint fetched from the external
// pool and cached per (market, quality).
type ProxyResource struct {
	ProxyID         string    `json:"proxy_id"`
	ProxyURL        string    `json:"proxy_url"`
	Username        string    `json:"username,omitempty"`
	Password        string    `json:"password,omitempty"`
	Market          Market    `json:"market"`
	QualityScore    float64   `json:"quality_score"`
	SuccessRate     float64   `json:"success_rate"`
	AvgResponseTime float64   `json:"avg_response_time"`
	LastUsed        time.Time `json:"last_used"`
}

// Credential is a session credential (cookies or tokens) for one market.
// It is fresh iff LastValidated is within the configured freshness window.
type Credential struct {
	CredentialID  string            `json:"credential_id"`
	Values        map[string]string `json:"values"`
	Market        Market            `json:"market"`
	ExpiresAt     time.Time         `json:"expires_at,omitzero"`
	Domain        string            `json:"domain,omitempty"`
	SuccessRate   float64           `json:"success_rate"`
	LastValidated time.Time         `json:"last_validated,omitzero"`
}

// Expired reports whether the credential has a hard expiry in the past.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now)
}

// Fresh reports whether the credential was validated within the window.
func (c *Credential) Fresh(now time.Time, window time.Duration) bool {
	return !c.LastValidated.IsZero() && now.Sub(c.LastValidated) <= window
}

// WorkerInfo is the static registration record published to the broker under
// worker:{worker_id}.
type WorkerInfo struct {
	WorkerID           string     `json:"worker_id"`
	Service            string     `json:"service"`
	MaxConcurrentTasks int        `json:"max_concurrent_tasks"`
	TaskTimeoutSeconds int        `json:"task_timeout_seconds"`
	SupportedTaskTypes []string   `json:"supported_task_types"`
	SupportedMarkets   []Market   `json:"supported_markets"`
	QueuePriorities    []Priority `json:"queue_priorities"`
	RegisteredAt       time.Time  `json:"registered_at"`
}

// WorkerStatus is the live counter record published under
// worker_status:{worker_id}.
type WorkerStatus struct {
	WorkerID    string      `json:"worker_id"`
	Running     bool        `json:"running"`
	ActiveTasks int         `json:"active_tasks"`
	Stats       WorkerStats `json:"stats"`
	ReportedAt  time.Time   `json:"reported_at"`
}

// WorkerStats are the consumer counters carried in the heartbeat.
type WorkerStats struct {
	Consumed   int64     `json:"consumed"`
	Successful int64     `json:"successful"`
	Failed     int64     `json:"failed"`
	Timeout    int64     `json:"timeout"`
	Retry      int64     `json:"retry"`
	StartTime  time.Time `json:"start_time"`
	LastTaskAt time.Time `json:"last_task_time,omitzero"`
}
