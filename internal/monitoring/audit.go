package monitoring

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuditLogger records administrator operations on rules, templates and
// broadcasts. Events are buffered and kept in a bounded in-memory window.
type AuditLogger struct {
	logger        *zap.Logger
	buffer        chan *AuditEvent
	bufferSize    int
	pruneInterval time.Duration
	retention     time.Duration

	mu        sync.RWMutex
	events    []*AuditEvent
	maxEvents int
	handlers  map[AuditEventType][]AuditEventHandler

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// Rule CMS events
	EventRuleCreate AuditEventType = "rule_create"
	EventRuleUpdate AuditEventType = "rule_update"
	EventRuleRetire AuditEventType = "rule_retire"
	EventRuleImport AuditEventType = "rule_import"

	// Notification manager events
	EventTemplateCreate AuditEventType = "template_create"
	EventTemplateUpdate AuditEventType = "template_update"
	EventTemplateDelete AuditEventType = "template_delete"
	EventBroadcast      AuditEventType = "broadcast"
	EventRetryPending   AuditEventType = "retry_pending"

	// Pipeline events
	EventTrigger AuditEventType = "trigger"
)

// AllEventTypes lists every event type the service records
var AllEventTypes = []AuditEventType{
	EventRuleCreate, EventRuleUpdate, EventRuleRetire, EventRuleImport,
	EventTemplateCreate, EventTemplateUpdate, EventTemplateDelete,
	EventBroadcast, EventRetryPending, EventTrigger,
}

type actorKey struct{}

type actor struct {
	id string
	ip string
}

// WithActor attaches the administrator performing a request to ctx
func WithActor(ctx context.Context, id, ip string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{id: id, ip: ip})
}

// ActorFromContext returns the actor attached by WithActor
func ActorFromContext(ctx context.Context) (id, ip string, ok bool) {
	a, ok := ctx.Value(actorKey{}).(actor)
	return a.id, a.ip, ok
}

// AuditEvent represents a single audit event
type AuditEvent struct {
	ID        string         `json:"id"`
	Type      AuditEventType `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Status    string         `json:"status"` // "success", "failure"

	ActorID string `json:"actorId,omitempty"`
	ActorIP string `json:"actorIp,omitempty"`

	ResourceID   string `json:"resourceId,omitempty"`
	ResourceType string `json:"resourceType,omitempty"`

	Action      string                 `json:"action"`
	Description string                 `json:"description"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Correlation string                 `json:"correlationId,omitempty"`

	DataHash string `json:"dataHash,omitempty"`
	Checksum string `json:"checksum"`
}

// AuditEventHandler is a function that handles audit events
type AuditEventHandler func(*AuditEvent)

// AuditQuery filters stored audit events
type AuditQuery struct {
	StartTime    *time.Time
	EventTypes   []AuditEventType
	ResourceID   string
	ResourceType string
	Limit        int
}

// AuditSummary counts audit events of a query
type AuditSummary struct {
	TotalEvents  int                    `json:"totalEvents"`
	EventsByType map[AuditEventType]int `json:"eventsByType"`
	Failures     int                    `json:"failures"`
}

// NewAuditLogger creates a new audit logger and starts its processing loop
func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	al := &AuditLogger{
		logger:        logger,
		bufferSize:    1000,
		pruneInterval: time.Minute,
		retention:     7 * 24 * time.Hour,
		maxEvents:     10000,
		events:        make([]*AuditEvent, 0),
		handlers:      make(map[AuditEventType][]AuditEventHandler),
		done:          make(chan struct{}),
	}
	al.buffer = make(chan *AuditEvent, al.bufferSize)

	al.wg.Add(2)
	go al.processEvents()
	go al.pruneExpired()

	logger.Info("audit logger initialized",
		zap.Int("buffer_size", al.bufferSize),
		zap.Int("max_events", al.maxEvents),
		zap.Duration("retention", al.retention))

	return al
}

// Record starts building an audit event
func (al *AuditLogger) Record(eventType AuditEventType, action, description string) *AuditEventBuilder {
	return &AuditEventBuilder{
		auditLogger: al,
		event: &AuditEvent{
			ID:          uuid.New().String(),
			Type:        eventType,
			Timestamp:   time.Now().UTC(),
			Action:      action,
			Description: description,
			Status:      "success",
			Details:     make(map[string]interface{}),
		},
	}
}

// QueryEvents returns matching events, newest first
func (al *AuditLogger) QueryEvents(query AuditQuery) []*AuditEvent {
	al.mu.RLock()
	defer al.mu.RUnlock()

	filtered := make([]*AuditEvent, 0)
	for i := len(al.events) - 1; i >= 0; i-- {
		if matchesQuery(al.events[i], query) {
			filtered = append(filtered, al.events[i])
			if query.Limit > 0 && len(filtered) == query.Limit {
				break
			}
		}
	}
	return filtered
}

// Summarize counts the events matching a query
func (al *AuditLogger) Summarize(query AuditQuery) *AuditSummary {
	query.Limit = 0
	events := al.QueryEvents(query)
	summary := &AuditSummary{
		TotalEvents:  len(events),
		EventsByType: make(map[AuditEventType]int),
	}
	for _, e := range events {
		summary.EventsByType[e.Type]++
		if e.Status == "failure" {
			summary.Failures++
		}
	}
	return summary
}

// RegisterHandler registers an event handler for a specific event type
func (al *AuditLogger) RegisterHandler(eventType AuditEventType, handler AuditEventHandler) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.handlers[eventType] = append(al.handlers[eventType], handler)
}

// Close drains buffered events and stops the background loops
func (al *AuditLogger) Close() error {
	al.closeOnce.Do(func() {
		close(al.done)
		al.wg.Wait()
		al.logger.Info("audit logger closed")
	})
	return nil
}

// AuditEventBuilder provides a fluent interface for building audit events
type AuditEventBuilder struct {
	auditLogger *AuditLogger
	event       *AuditEvent
}

// Actor sets who performed the action
func (b *AuditEventBuilder) Actor(actorID, ip string) *AuditEventBuilder {
	b.event.ActorID = actorID
	b.event.ActorIP = ip
	return b
}

// ActorFrom sets the actor carried by ctx, if any
func (b *AuditEventBuilder) ActorFrom(ctx context.Context) *AuditEventBuilder {
	if id, ip, ok := ActorFromContext(ctx); ok {
		return b.Actor(id, ip)
	}
	return b
}

// Resource sets what was acted upon
func (b *AuditEventBuilder) Resource(resourceID, resourceType string) *AuditEventBuilder {
	b.event.ResourceID = resourceID
	b.event.ResourceType = resourceType
	return b
}

// Failed marks the event as a failed operation
func (b *AuditEventBuilder) Failed(err error) *AuditEventBuilder {
	b.event.Status = "failure"
	if err != nil {
		b.event.Details["error"] = err.Error()
	}
	return b
}

// Detail adds a detail field
func (b *AuditEventBuilder) Detail(key string, value interface{}) *AuditEventBuilder {
	b.event.Details[key] = value
	return b
}

// Correlation sets the correlation ID
func (b *AuditEventBuilder) Correlation(correlationID string) *AuditEventBuilder {
	b.event.Correlation = correlationID
	return b
}

// Snapshot stores a hash of the payload the operation wrote
func (b *AuditEventBuilder) Snapshot(payload interface{}) *AuditEventBuilder {
	if data, err := json.Marshal(payload); err == nil {
		hash := sha256.Sum256(data)
		b.event.DataHash = hex.EncodeToString(hash[:])
	}
	return b
}

// Commit hands the event to the logger without blocking
func (b *AuditEventBuilder) Commit() {
	b.event.Checksum = b.generateChecksum()

	select {
	case <-b.auditLogger.done:
		return
	default:
	}

	select {
	case b.auditLogger.buffer <- b.event:
	default:
		b.auditLogger.logger.Warn("audit event buffer full, dropping event",
			zap.String("event_id", b.event.ID),
			zap.String("event_type", string(b.event.Type)))
	}
}

func (al *AuditLogger) processEvents() {
	defer al.wg.Done()
	for {
		select {
		case event := <-al.buffer:
			al.storeEvent(event)
			al.callHandlers(event)
		case <-al.done:
			for {
				select {
				case event := <-al.buffer:
					al.storeEvent(event)
					al.callHandlers(event)
				default:
					return
				}
			}
		}
	}
}

func (al *AuditLogger) pruneExpired() {
	defer al.wg.Done()
	ticker := time.NewTicker(al.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if n := al.prune(now); n > 0 {
				al.logger.Debug("pruned expired audit events", zap.Int("events", n))
			}
		case <-al.done:
			return
		}
	}
}

// prune drops events older than the retention window and returns how many
// were removed.
func (al *AuditLogger) prune(now time.Time) int {
	cutoff := now.Add(-al.retention)

	al.mu.Lock()
	defer al.mu.Unlock()

	kept := al.events[:0]
	for _, e := range al.events {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(al.events) - len(kept)
	for i := len(kept); i < len(al.events); i++ {
		al.events[i] = nil
	}
	al.events = kept
	return removed
}

func (al *AuditLogger) storeEvent(event *AuditEvent) {
	al.mu.Lock()
	defer al.mu.Unlock()

	al.events = append(al.events, event)
	if len(al.events) > al.maxEvents {
		al.events = al.events[len(al.events)-al.maxEvents/2:]
	}

	al.logger.Info("audit",
		zap.String("event_type", string(event.Type)),
		zap.String("action", event.Action),
		zap.String("resource_id", event.ResourceID),
		zap.String("status", event.Status))
}

func (al *AuditLogger) callHandlers(event *AuditEvent) {
	al.mu.RLock()
	handlers := al.handlers[event.Type]
	al.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					al.logger.Error("audit event handler panicked",
						zap.Any("panic", r),
						zap.String("event_id", event.ID))
				}
			}()
			h(event)
		}()
	}
}

func matchesQuery(event *AuditEvent, query AuditQuery) bool {
	if query.StartTime != nil && event.Timestamp.Before(*query.StartTime) {
		return false
	}
	if len(query.EventTypes) > 0 {
		found := false
		for _, t := range query.EventTypes {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if query.ResourceID != "" && event.ResourceID != query.ResourceID {
		return false
	}
	if query.ResourceType != "" && event.ResourceType != query.ResourceType {
		return false
	}
	return true
}

func (b *AuditEventBuilder) generateChecksum() string {
	keys := make([]string, 0, len(b.event.Details))
	for k := range b.event.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%v",
		b.event.ID, b.event.Type, b.event.Timestamp.Format(time.RFC3339Nano),
		b.event.Action, b.event.ResourceID, b.event.Status, keys)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
