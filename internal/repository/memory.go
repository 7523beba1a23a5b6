package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agri-advisory/internal/models"
)

// MemoryStore keeps every table in process memory. It backs the "memory"
// storage driver used for local runs and tests.
type MemoryStore struct {
	mu sync.RWMutex

	rules         map[uuid.UUID]*models.Rule
	versions      map[uuid.UUID][]*models.RuleVersion
	logs          map[uuid.UUID]*models.AdvisoryLog
	dedup         map[string]uuid.UUID
	attempts      []*models.DeliveryAttempt
	templates     map[uuid.UUID]*models.NotificationTemplate
	notifications map[uuid.UUID]*models.Notification
	farmers       map[uuid.UUID]*models.Farmer
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:         make(map[uuid.UUID]*models.Rule),
		versions:      make(map[uuid.UUID][]*models.RuleVersion),
		logs:          make(map[uuid.UUID]*models.AdvisoryLog),
		dedup:         make(map[string]uuid.UUID),
		templates:     make(map[uuid.UUID]*models.NotificationTemplate),
		notifications: make(map[uuid.UUID]*models.Notification),
		farmers:       make(map[uuid.UUID]*models.Farmer),
	}
}

// Store exposes the memory store through the repository bundle
func (m *MemoryStore) Store() *Store {
	return &Store{
		Rules:         memoryRules{m},
		Logs:          memoryLogs{m},
		Attempts:      memoryAttempts{m},
		Templates:     memoryTemplates{m},
		Notifications: memoryNotifications{m},
		Farmers:       memoryFarmers{m},
		Ping:          func(context.Context) error { return nil },
	}
}

// PutFarmer adds or replaces a farmer profile
func (m *MemoryStore) PutFarmer(f *models.Farmer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
		f.ID = cp.ID
	}
	m.farmers[cp.ID] = &cp
}

func cloneLog(l *models.AdvisoryLog) *models.AdvisoryLog {
	cp := *l
	cp.Channels = append([]models.Channel(nil), l.Channels...)
	if l.FailureReason != nil {
		s := *l.FailureReason
		cp.FailureReason = &s
	}
	if l.Feedback != nil {
		fb := *l.Feedback
		cp.Feedback = &fb
	}
	if l.FeedbackComment != nil {
		s := *l.FeedbackComment
		cp.FeedbackComment = &s
	}
	return &cp
}

func cloneRule(r *models.Rule) *models.Rule {
	cp := *r
	return &cp
}

type memoryRules struct{ m *MemoryStore }

func (r memoryRules) List(_ context.Context, status *models.RuleStatus) ([]*models.Rule, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	result := make([]*models.Rule, 0, len(r.m.rules))
	for _, rule := range r.m.rules {
		if status != nil && rule.Status != *status {
			continue
		}
		result = append(result, cloneRule(rule))
	}
	sortRules(result)
	return result, nil
}

func (r memoryRules) ListLive(_ context.Context) ([]*models.Rule, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	result := make([]*models.Rule, 0, len(r.m.rules))
	for _, rule := range r.m.rules {
		if rule.IsLive() {
			result = append(result, cloneRule(rule))
		}
	}
	sortRules(result)
	return result, nil
}

func sortRules(rules []*models.Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID.String() < rules[j].ID.String()
	})
}

func (r memoryRules) GetByID(_ context.Context, id uuid.UUID) (*models.Rule, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	rule, ok := r.m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRule(rule), nil
}

func (r memoryRules) Create(_ context.Context, rule *models.Rule) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	now := time.Now().UTC()
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if _, exists := r.m.rules[rule.ID]; exists {
		return ErrAlreadyExists
	}
	rule.Version = 1
	rule.CreatedAt = now
	rule.UpdatedAt = now
	r.m.rules[rule.ID] = cloneRule(rule)
	r.m.appendVersion(rule)
	return nil
}

func (r memoryRules) Update(_ context.Context, rule *models.Rule) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	current, ok := r.m.rules[rule.ID]
	if !ok {
		return ErrNotFound
	}
	if rule.Version != 0 && rule.Version != current.Version {
		return ErrConflict
	}
	rule.Version = current.Version + 1
	rule.CreatedAt = current.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	r.m.rules[rule.ID] = cloneRule(rule)
	r.m.appendVersion(rule)
	return nil
}

func (m *MemoryStore) appendVersion(rule *models.Rule) {
	m.versions[rule.ID] = append(m.versions[rule.ID], &models.RuleVersion{
		RuleID:     rule.ID,
		Version:    rule.Version,
		Name:       rule.Name,
		Priority:   rule.Priority,
		Status:     rule.Status,
		Definition: rule.Definition,
		CreatedAt:  rule.UpdatedAt,
	})
}

func (r memoryRules) ListVersions(_ context.Context, ruleID uuid.UUID) ([]*models.RuleVersion, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	stored := r.m.versions[ruleID]
	result := make([]*models.RuleVersion, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		v := *stored[i]
		result = append(result, &v)
	}
	return result, nil
}

func (r memoryRules) Count(_ context.Context) (int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	return len(r.m.rules), nil
}

type memoryLogs struct{ m *MemoryStore }

func (r memoryLogs) InsertIfAbsent(_ context.Context, l *models.AdvisoryLog) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, held := r.m.dedup[l.DedupKey]; held {
		return false, nil
	}
	if _, exists := r.m.logs[l.ID]; exists {
		return false, ErrAlreadyExists
	}
	r.m.logs[l.ID] = cloneLog(l)
	if l.DeliveryStatus != models.StatusDeduped {
		r.m.dedup[l.DedupKey] = l.ID
	}
	return true, nil
}

func (r memoryLogs) Insert(_ context.Context, l *models.AdvisoryLog) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, exists := r.m.logs[l.ID]; exists {
		return ErrAlreadyExists
	}
	if l.DeliveryStatus != models.StatusDeduped {
		if _, held := r.m.dedup[l.DedupKey]; held {
			return ErrAlreadyExists
		}
		r.m.dedup[l.DedupKey] = l.ID
	}
	r.m.logs[l.ID] = cloneLog(l)
	return nil
}

func (r memoryLogs) GetByID(_ context.Context, id uuid.UUID) (*models.AdvisoryLog, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	l, ok := r.m.logs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneLog(l), nil
}

func (r memoryLogs) Transition(_ context.Context, id uuid.UUID, fn LogMutator) (*models.AdvisoryLog, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	stored, ok := r.m.logs[id]
	if !ok {
		return nil, ErrNotFound
	}
	working := cloneLog(stored)
	changed, err := fn(working)
	if err != nil {
		return nil, err
	}
	if !changed {
		return working, nil
	}
	r.m.logs[id] = cloneLog(working)
	return working, nil
}

func (r memoryLogs) List(_ context.Context, q models.AdvisoryLogQuery) ([]*models.AdvisoryLog, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	matched := make([]*models.AdvisoryLog, 0)
	for _, l := range r.m.logs {
		if !matchesQuery(l, q) || !CursorBefore(l, q.Cursor) {
			continue
		}
		matched = append(matched, cloneLog(l))
	}
	sortLogsDesc(matched)
	if q.Limit >= 0 && len(matched) > q.Limit+1 {
		matched = matched[:q.Limit+1]
	}
	return matched, nil
}

func matchesQuery(l *models.AdvisoryLog, q models.AdvisoryLogQuery) bool {
	switch {
	case q.AdvisoryType != nil && l.AdvisoryType != *q.AdvisoryType:
		return false
	case q.Severity != nil && l.Severity != *q.Severity:
		return false
	case q.DeliveryStatus != nil && l.DeliveryStatus != *q.DeliveryStatus:
		return false
	case q.District != nil && l.District != *q.District:
		return false
	case q.FarmerID != nil && l.FarmerID != *q.FarmerID:
		return false
	}
	return true
}

func sortLogsDesc(logs []*models.AdvisoryLog) {
	sort.Slice(logs, func(i, j int) bool {
		if !logs[i].CreatedAt.Equal(logs[j].CreatedAt) {
			return logs[i].CreatedAt.After(logs[j].CreatedAt)
		}
		return strings.Compare(logs[i].ID.String(), logs[j].ID.String()) > 0
	})
}

func sortLogsAsc(logs []*models.AdvisoryLog) {
	sort.Slice(logs, func(i, j int) bool {
		if !logs[i].CreatedAt.Equal(logs[j].CreatedAt) {
			return logs[i].CreatedAt.Before(logs[j].CreatedAt)
		}
		return logs[i].ID.String() < logs[j].ID.String()
	})
}

func (r memoryLogs) ListByFarmer(_ context.Context, farmerID uuid.UUID, limit int) ([]*models.AdvisoryLog, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	result := make([]*models.AdvisoryLog, 0)
	for _, l := range r.m.logs {
		if l.FarmerID == farmerID {
			result = append(result, cloneLog(l))
		}
	}
	sortLogsDesc(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r memoryLogs) ListSince(_ context.Context, since time.Time) ([]*models.AdvisoryLog, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	result := make([]*models.AdvisoryLog, 0)
	for _, l := range r.m.logs {
		if !l.CreatedAt.Before(since) {
			result = append(result, cloneLog(l))
		}
	}
	sortLogsAsc(result)
	return result, nil
}

func (r memoryLogs) ListPending(_ context.Context, since time.Time, limit int) ([]*models.AdvisoryLog, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	result := make([]*models.AdvisoryLog, 0)
	for _, l := range r.m.logs {
		if l.CreatedAt.Before(since) {
			continue
		}
		if l.DeliveryStatus == models.StatusCreated || l.DeliveryStatus == models.StatusDispatched {
			result = append(result, cloneLog(l))
		}
	}
	sortLogsAsc(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r memoryLogs) CountByStatus(_ context.Context, since time.Time) (map[models.DeliveryStatus]int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	counts := make(map[models.DeliveryStatus]int)
	for _, l := range r.m.logs {
		if !l.CreatedAt.Before(since) {
			counts[l.DeliveryStatus]++
		}
	}
	return counts, nil
}

func (r memoryLogs) CountFailureReasons(_ context.Context, since time.Time) (map[string]int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	counts := make(map[string]int)
	for _, l := range r.m.logs {
		if l.CreatedAt.Before(since) || l.DeliveryStatus != models.StatusDeliveryFailed {
			continue
		}
		reason := "UNKNOWN"
		if l.FailureReason != nil {
			reason = *l.FailureReason
		}
		counts[reason]++
	}
	return counts, nil
}

type memoryAttempts struct{ m *MemoryStore }

func (r memoryAttempts) Append(_ context.Context, a *models.DeliveryAttempt) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now().UTC()
	}
	cp := *a
	r.m.attempts = append(r.m.attempts, &cp)
	return nil
}

func (r memoryAttempts) ListByLog(_ context.Context, logID uuid.UUID) ([]*models.DeliveryAttempt, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	result := make([]*models.DeliveryAttempt, 0)
	for _, a := range r.m.attempts {
		if a.LogID == logID {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (r memoryAttempts) ListForLogsSince(_ context.Context, since time.Time) ([]*models.DeliveryAttempt, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	result := make([]*models.DeliveryAttempt, 0)
	for _, a := range r.m.attempts {
		l, ok := r.m.logs[a.LogID]
		if !ok || l.CreatedAt.Before(since) {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	return result, nil
}

func (r memoryAttempts) CountFailedByChannel(_ context.Context, since time.Time) (map[models.Channel]int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	counts := make(map[models.Channel]int)
	for _, a := range r.m.attempts {
		if a.Status == models.AttemptFailed && !a.AttemptedAt.Before(since) {
			counts[a.Channel]++
		}
	}
	return counts, nil
}

type memoryTemplates struct{ m *MemoryStore }

func (r memoryTemplates) List(_ context.Context) ([]*models.NotificationTemplate, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	result := make([]*models.NotificationTemplate, 0, len(r.m.templates))
	for _, t := range r.m.templates {
		cp := *t
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (r memoryTemplates) GetByID(_ context.Context, id uuid.UUID) (*models.NotificationTemplate, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	t, ok := r.m.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r memoryTemplates) nameTaken(name string, except uuid.UUID) bool {
	for id, t := range r.m.templates {
		if id != except && t.Name == name {
			return true
		}
	}
	return false
}

func (r memoryTemplates) Create(_ context.Context, t *models.NotificationTemplate) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.nameTaken(t.Name, uuid.Nil) {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	r.m.templates[t.ID] = &cp
	return nil
}

func (r memoryTemplates) Update(_ context.Context, t *models.NotificationTemplate) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	current, ok := r.m.templates[t.ID]
	if !ok {
		return ErrNotFound
	}
	if r.nameTaken(t.Name, t.ID) {
		return ErrAlreadyExists
	}
	t.CreatedAt = current.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	r.m.templates[t.ID] = &cp
	return nil
}

func (r memoryTemplates) Delete(_ context.Context, id uuid.UUID) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.templates[id]; !ok {
		return ErrNotFound
	}
	delete(r.m.templates, id)
	return nil
}

type memoryNotifications struct{ m *MemoryStore }

func (r memoryNotifications) Create(_ context.Context, n *models.Notification) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	cp := *n
	r.m.notifications[n.ID] = &cp
	return nil
}

func (r memoryNotifications) Update(_ context.Context, n *models.Notification) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.notifications[n.ID]; !ok {
		return ErrNotFound
	}
	cp := *n
	r.m.notifications[n.ID] = &cp
	return nil
}

func (r memoryNotifications) GetByID(_ context.Context, id uuid.UUID) (*models.Notification, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	n, ok := r.m.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (r memoryNotifications) Stats(_ context.Context) (*models.BroadcastStats, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var s models.BroadcastStats
	for _, n := range r.m.notifications {
		s.Total++
		switch n.Status {
		case models.NotificationQueued:
			s.Queued++
		case models.NotificationSending:
			s.Sending++
		case models.NotificationCompleted:
			s.Completed++
		case models.NotificationFailed:
			s.Failed++
		}
		s.Sent += n.SentCount
		s.Undelivered += n.FailedCount
	}
	return &s, nil
}

type memoryFarmers struct{ m *MemoryStore }

func (r memoryFarmers) GetByID(_ context.Context, id uuid.UUID) (*models.Farmer, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	f, ok := r.m.farmers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (r memoryFarmers) ListByIDs(_ context.Context, ids []uuid.UUID) ([]*models.Farmer, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	result := make([]*models.Farmer, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if f, ok := r.m.farmers[id]; ok {
			cp := *f
			result = append(result, &cp)
		}
	}
	sortFarmers(result)
	return result, nil
}

func (r memoryFarmers) ListByFilter(_ context.Context, filter models.RecipientFilter, limit int) ([]*models.Farmer, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	result := make([]*models.Farmer, 0)
	for _, f := range r.m.farmers {
		if filter.Role != "" && !strings.EqualFold(filter.Role, models.TargetAll) && !strings.EqualFold(f.Role, filter.Role) {
			continue
		}
		if filter.District != "" && f.District != filter.District {
			continue
		}
		if filter.Province != "" && f.Province != filter.Province {
			continue
		}
		if filter.CropType != "" && !strings.EqualFold(f.CropType, filter.CropType) {
			continue
		}
		cp := *f
		result = append(result, &cp)
	}
	sortFarmers(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortFarmers(farmers []*models.Farmer) {
	sort.Slice(farmers, func(i, j int) bool {
		return farmers[i].ID.String() < farmers[j].ID.String()
	})
}
