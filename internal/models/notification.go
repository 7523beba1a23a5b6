package models

import (
	"time"

	"github.com/google/uuid"
)

// NotificationTemplate is a reusable title/body pair for broadcasts
type NotificationTemplate struct {
	ID            uuid.UUID `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	Channel       Channel   `json:"channel" db:"channel"`
	Language      string    `json:"language" db:"language"`
	TitleTemplate string    `json:"titleTemplate" db:"title_template"`
	BodyTemplate  string    `json:"bodyTemplate" db:"body_template"`
	IsActive      bool      `json:"isActive" db:"is_active"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// TemplateRequest is the body of template create/update calls
type TemplateRequest struct {
	Name          string  `json:"name" binding:"required"`
	Channel       Channel `json:"channel" binding:"required"`
	Language      string  `json:"language"`
	TitleTemplate string  `json:"titleTemplate"`
	BodyTemplate  string  `json:"bodyTemplate" binding:"required"`
	IsActive      *bool   `json:"isActive"`
}

// NotificationStatus tracks a broadcast through its send run
type NotificationStatus string

const (
	NotificationQueued    NotificationStatus = "QUEUED"
	NotificationSending   NotificationStatus = "SENDING"
	NotificationCompleted NotificationStatus = "COMPLETED"
	NotificationFailed    NotificationStatus = "FAILED"
)

// TargetAll addresses every role in a broadcast
const TargetAll = "ALL"

// Notification is an administrator broadcast sent outside the rule pipeline
type Notification struct {
	ID          uuid.UUID          `json:"id" db:"id"`
	Title       string             `json:"title" db:"title"`
	Message     string             `json:"message" db:"message"`
	Channel     Channel            `json:"channel" db:"channel"`
	TargetRole  string             `json:"targetRole" db:"target_role"`
	TargetValue string             `json:"targetValue,omitempty" db:"target_value"`
	TemplateID  *uuid.UUID         `json:"templateId,omitempty" db:"template_id"`
	Status      NotificationStatus `json:"status" db:"status"`
	TargetCount int                `json:"targetCount" db:"target_count"`
	SentCount   int                `json:"sentCount" db:"sent_count"`
	FailedCount int                `json:"failedCount" db:"failed_count"`
	CreatedAt   time.Time          `json:"createdAt" db:"created_at"`
	CompletedAt *time.Time         `json:"completedAt,omitempty" db:"completed_at"`
}

// BroadcastRequest is the body of POST /notifications/broadcast. TargetValue
// narrows the audience to one district when set.
type BroadcastRequest struct {
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	Channel     Channel           `json:"channel"`
	TargetRole  string            `json:"targetRole"`
	TargetValue string            `json:"targetValue"`
	TemplateID  *uuid.UUID        `json:"templateId"`
	Data        map[string]string `json:"data"`
}

// NotificationStats summarizes broadcasts and advisory delivery health
type NotificationStats struct {
	Broadcasts     BroadcastStats         `json:"broadcasts"`
	AdvisoriesBy   map[DeliveryStatus]int `json:"advisoriesByStatus"`
	FailedAttempts map[Channel]int        `json:"failedAttemptsByChannel"`
	FailureReasons map[string]int         `json:"failureReasons"`
	PendingRetries int                    `json:"pendingRetries"`
	QueueDepth     int                    `json:"queueDepth"`
	GeneratedAt    time.Time              `json:"generatedAt"`
}

// BroadcastStats counts broadcasts by outcome
type BroadcastStats struct {
	Total       int `json:"total"`
	Queued      int `json:"queued"`
	Sending     int `json:"sending"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Sent        int `json:"messagesSent"`
	Undelivered int `json:"messagesFailed"`
}

// RetrySummary reports what a retry-pending sweep re-queued
type RetrySummary struct {
	Scanned   int `json:"scanned"`
	Requeued  int `json:"requeued"`
	Exhausted int `json:"exhausted"`
	Skipped   int `json:"skipped"`
}
