package models

import (
	"time"

	"github.com/google/uuid"
)

// AdvisoryType classifies generated advisories
type AdvisoryType string

const (
	AdvisoryWeather AdvisoryType = "WEATHER"
	AdvisoryDisease AdvisoryType = "DISEASE"
	AdvisoryPest    AdvisoryType = "PEST"
	AdvisoryPolicy  AdvisoryType = "POLICY"
)

// Valid reports whether t is a known advisory type
func (t AdvisoryType) Valid() bool {
	switch t {
	case AdvisoryWeather, AdvisoryDisease, AdvisoryPest, AdvisoryPolicy:
		return true
	}
	return false
}

// Severity grades the urgency of an advisory
type Severity string

const (
	SeverityInfo      Severity = "INFO"
	SeverityWatch     Severity = "WATCH"
	SeverityWarning   Severity = "WARNING"
	SeverityEmergency Severity = "EMERGENCY"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWatch, SeverityWarning, SeverityEmergency:
		return true
	}
	return false
}

// Channel is a delivery medium
type Channel string

const (
	ChannelPush     Channel = "PUSH"
	ChannelSMS      Channel = "SMS"
	ChannelEmail    Channel = "EMAIL"
	ChannelWhatsApp Channel = "WHATSAPP"
)

// AllChannels lists every channel in fan-out order
var AllChannels = []Channel{ChannelPush, ChannelSMS, ChannelEmail, ChannelWhatsApp}

// Valid reports whether c is a known channel
func (c Channel) Valid() bool {
	switch c {
	case ChannelPush, ChannelSMS, ChannelEmail, ChannelWhatsApp:
		return true
	}
	return false
}

// DeliveryStatus is the lifecycle state of an advisory log
type DeliveryStatus string

const (
	StatusCreated          DeliveryStatus = "CREATED"
	StatusDispatched       DeliveryStatus = "DISPATCHED"
	StatusDelivered        DeliveryStatus = "DELIVERED"
	StatusOpened           DeliveryStatus = "OPENED"
	StatusFeedbackReceived DeliveryStatus = "FEEDBACK_RECEIVED"
	StatusDeliveryFailed   DeliveryStatus = "DELIVERY_FAILED"
	StatusDeduped          DeliveryStatus = "DEDUPED"
)

// Valid reports whether s is a known delivery status
func (s DeliveryStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// statusRank orders the main chain; terminal side states share the rank of
// the state they leave from plus one so that nothing can follow them.
var statusRank = map[DeliveryStatus]int{
	StatusCreated:          0,
	StatusDispatched:       1,
	StatusDelivered:        2,
	StatusOpened:           3,
	StatusFeedbackReceived: 4,
	StatusDeduped:          1,
	StatusDeliveryFailed:   2,
}

// IsTerminal reports whether no transition may leave s
func (s DeliveryStatus) IsTerminal() bool {
	return s == StatusDeduped || s == StatusDeliveryFailed
}

// IsDelivered reports whether s counts as successfully delivered
func (s DeliveryStatus) IsDelivered() bool {
	return s == StatusDelivered || s == StatusOpened || s == StatusFeedbackReceived
}

// CanTransition reports whether moving from one status to another is a legal
// forward step of the advisory lifecycle.
func CanTransition(from, to DeliveryStatus) bool {
	if from.IsTerminal() || !to.Valid() {
		return false
	}
	switch to {
	case StatusDeduped:
		return from == StatusCreated
	case StatusDeliveryFailed:
		return from == StatusCreated || from == StatusDispatched
	}
	return statusRank[to] > statusRank[from]
}

// Feedback is a farmer's rating of an advisory
type Feedback string

const (
	FeedbackUseful    Feedback = "USEFUL"
	FeedbackNotUseful Feedback = "NOT_USEFUL"
)

// Valid reports whether f is a known feedback value
func (f Feedback) Valid() bool {
	return f == FeedbackUseful || f == FeedbackNotUseful
}

// FailureNoEligibleChannel is recorded when a farmer cannot be reached at all
const FailureNoEligibleChannel = "NO_ELIGIBLE_CHANNEL"

// AdvisoryLog is one generated advisory instance
type AdvisoryLog struct {
	ID              uuid.UUID      `json:"id" db:"id"`
	FarmerID        uuid.UUID      `json:"farmerId" db:"farmer_id"`
	RuleID          uuid.UUID      `json:"ruleId" db:"rule_id"`
	RuleName        string         `json:"ruleName" db:"rule_name"`
	AdvisoryType    AdvisoryType   `json:"advisoryType" db:"advisory_type"`
	Severity        Severity       `json:"severity" db:"severity"`
	Title           string         `json:"title,omitempty" db:"title"`
	AdvisoryContent string         `json:"advisoryContent" db:"advisory_content"`
	District        string         `json:"district,omitempty" db:"district"`
	CropType        string         `json:"cropType,omitempty" db:"crop_type"`
	GrowthStage     string         `json:"growthStage,omitempty" db:"growth_stage"`
	Season          string         `json:"season,omitempty" db:"season"`
	Temperature     *float64       `json:"temperature,omitempty" db:"temperature"`
	Rainfall        *float64       `json:"rainfall,omitempty" db:"rainfall"`
	Humidity        *float64       `json:"humidity,omitempty" db:"humidity"`
	Channels        []Channel      `json:"channels" db:"channels"`
	DedupKey        string         `json:"dedupKey" db:"dedup_key"`
	DeliveryStatus  DeliveryStatus `json:"deliveryStatus" db:"delivery_status"`
	FailureReason   *string        `json:"failureReason,omitempty" db:"failure_reason"`
	Feedback        *Feedback      `json:"feedback" db:"feedback"`
	FeedbackComment *string        `json:"feedbackComment,omitempty" db:"feedback_comment"`
	CreatedAt       time.Time      `json:"createdAt" db:"created_at"`
	DispatchedAt    *time.Time     `json:"dispatchedAt,omitempty" db:"dispatched_at"`
	DeliveredAt     *time.Time     `json:"deliveredAt,omitempty" db:"delivered_at"`
	OpenedAt        *time.Time     `json:"openedAt,omitempty" db:"opened_at"`
	FeedbackAt      *time.Time     `json:"feedbackAt,omitempty" db:"feedback_at"`
}

// AttemptStatus is the outcome of a single channel attempt
type AttemptStatus string

const (
	AttemptSent      AttemptStatus = "SENT"
	AttemptFailed    AttemptStatus = "FAILED"
	AttemptDelivered AttemptStatus = "DELIVERED"
)

// DeliveryAttempt records one channel attempt for an advisory log
type DeliveryAttempt struct {
	ID                uuid.UUID     `json:"id" db:"id"`
	LogID             uuid.UUID     `json:"logId" db:"log_id"`
	Channel           Channel       `json:"channel" db:"channel"`
	AttemptNumber     int           `json:"attemptNumber" db:"attempt_number"`
	Status            AttemptStatus `json:"status" db:"status"`
	ErrorReason       *string       `json:"errorReason,omitempty" db:"error_reason"`
	ProviderMessageID string        `json:"providerMessageId,omitempty" db:"provider_message_id"`
	AttemptedAt       time.Time     `json:"attemptedAt" db:"attempted_at"`
}

// AdvisoryLogQuery filters the admin log viewer
type AdvisoryLogQuery struct {
	Cursor         *LogCursor
	Limit          int
	AdvisoryType   *AdvisoryType
	Severity       *Severity
	DeliveryStatus *DeliveryStatus
	District       *string
	FarmerID       *uuid.UUID
}

// LogCursor is a keyset position in the log table ordered by (createdAt, id) desc
type LogCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// AdvisoryLogPage is one page of the log viewer
type AdvisoryLogPage struct {
	Data       []*AdvisoryLog `json:"data"`
	HasMore    bool           `json:"hasMore"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

// FeedbackRequest is the body of a feedback submission
type FeedbackRequest struct {
	Feedback string `json:"feedback" binding:"required"`
	Comment  string `json:"comment"`
}

// DeliveryCallback is a provider delivery report
type DeliveryCallback struct {
	LogID             uuid.UUID     `json:"logId" binding:"required"`
	Channel           Channel       `json:"channel" binding:"required"`
	Status            AttemptStatus `json:"status" binding:"required"`
	ProviderMessageID string        `json:"providerMessageId"`
	ErrorReason       string        `json:"errorReason"`
}
