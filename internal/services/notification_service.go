package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agri-advisory/internal/config"
	"agri-advisory/internal/delivery"
	"agri-advisory/internal/metrics"
	"agri-advisory/internal/models"
	"agri-advisory/internal/monitoring"
	"agri-advisory/internal/repository"
)

// NotificationService backs the notification manager: broadcasts, delivery
// stats, the retry-pending sweep and template CRUD.
type NotificationService struct {
	templates     repository.TemplateRepository
	notifications repository.NotificationRepository
	logs          repository.AdvisoryLogRepository
	attempts      repository.DeliveryAttemptRepository
	farmers       repository.FarmerRepository
	dispatcher    Dispatcher
	tracker       delivery.StatusTracker
	audit         *monitoring.AuditLogger
	metrics       *metrics.MetricsCollector
	logger        *zap.Logger

	retryHorizon  time.Duration
	audienceLimit int
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNotificationService creates the notification service
func NewNotificationService(
	cfg *config.Config,
	store *repository.Store,
	farmers repository.FarmerRepository,
	dispatcher Dispatcher,
	tracker delivery.StatusTracker,
	audit *monitoring.AuditLogger,
	m *metrics.MetricsCollector,
	logger *zap.Logger,
) *NotificationService {
	ctx, cancel := context.WithCancel(context.Background())
	return &NotificationService{
		templates:     store.Templates,
		notifications: store.Notifications,
		logs:          store.Logs,
		attempts:      store.Attempts,
		farmers:       farmers,
		dispatcher:    dispatcher,
		tracker:       tracker,
		audit:         audit,
		metrics:       m,
		logger:        logger,
		retryHorizon:  cfg.Delivery.RetryHorizon,
		audienceLimit: cfg.Rules.TriggerBatchSize,
		now:           func() time.Time { return time.Now().UTC() },
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Close stops running broadcasts and waits for their queueing loops
func (s *NotificationService) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// Broadcast sends an administrator message to every farmer of a role,
// optionally narrowed to one district. Delivery runs in the background; the
// returned notification is QUEUED, or already settled when nobody is
// reachable.
func (s *NotificationService) Broadcast(ctx context.Context, req *models.BroadcastRequest) (*models.Notification, error) {
	title, body, channel, err := s.resolveBroadcast(ctx, req)
	if err != nil {
		return nil, err
	}
	role := strings.ToUpper(strings.TrimSpace(req.TargetRole))
	district := strings.TrimSpace(req.TargetValue)

	farmers, err := s.farmers.ListByFilter(ctx, models.RecipientFilter{Role: role, District: district}, s.audienceLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load broadcast audience: %w", err)
	}
	recipients := make([]models.Recipient, 0, len(farmers))
	for _, f := range farmers {
		if r := f.Recipient(); r.Supports(channel) {
			recipients = append(recipients, r)
		}
	}

	n := &models.Notification{
		ID:          uuid.New(),
		Title:       title,
		Message:     body,
		Channel:     channel,
		TargetRole:  role,
		TargetValue: district,
		TemplateID:  req.TemplateID,
		Status:      models.NotificationQueued,
		TargetCount: len(recipients),
		CreatedAt:   s.now(),
	}
	if len(recipients) == 0 {
		n.Status = models.NotificationCompleted
		n.CompletedAt = &n.CreatedAt
	}
	if err := s.notifications.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to store broadcast: %w", err)
	}

	s.audit.Record(monitoring.EventBroadcast, "broadcast", "broadcast queued").
		ActorFrom(ctx).
		Resource(n.ID.String(), "notification").
		Detail("channel", string(channel)).
		Detail("target_role", role).
		Detail("target_value", district).
		Detail("recipients", len(recipients)).
		Commit()
	s.logger.Info("broadcast queued",
		zap.String("notification_id", n.ID.String()),
		zap.String("channel", string(channel)),
		zap.String("target_role", role),
		zap.Int("recipients", len(recipients)))

	if len(recipients) == 0 {
		s.metrics.RecordBroadcast(string(channel), string(n.Status))
		return n, nil
	}

	queued := *n
	run := &broadcastRun{service: s, n: n, remaining: len(recipients)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run.send(recipients, req.Data)
	}()
	return &queued, nil
}

func (s *NotificationService) resolveBroadcast(ctx context.Context, req *models.BroadcastRequest) (string, string, models.Channel, error) {
	fields := make(map[string]string)
	title := strings.TrimSpace(req.Title)
	body := strings.TrimSpace(req.Message)
	channel := models.Channel(strings.ToUpper(string(req.Channel)))

	if req.TemplateID != nil {
		tpl, err := s.templates.GetByID(ctx, *req.TemplateID)
		if err != nil {
			return "", "", "", wrapNotFound(err, "template", *req.TemplateID)
		}
		if !tpl.IsActive {
			fields["templateId"] = "template is not active"
		}
		if channel == "" {
			channel = tpl.Channel
		}
		data := make(map[string]string, len(req.Data))
		for k, v := range req.Data {
			data[k] = v
		}
		if title == "" {
			if title, err = RenderTemplate(tpl.TitleTemplate, data); err != nil {
				fields["templateId"] = "title template failed: " + err.Error()
			}
		}
		if body == "" {
			if body, err = RenderTemplate(tpl.BodyTemplate, data); err != nil {
				fields["templateId"] = "body template failed: " + err.Error()
			}
		}
	}

	if title == "" {
		fields["title"] = "is required"
	}
	if body == "" {
		fields["message"] = "is required"
	}
	switch {
	case !channel.Valid():
		fields["channel"] = "must be PUSH, SMS, EMAIL or WHATSAPP"
	case !s.dispatcher.HasChannel(channel):
		fields["channel"] = "no provider is configured for " + string(channel)
	}
	if strings.TrimSpace(req.TargetRole) == "" {
		fields["targetRole"] = "is required (a role or ALL)"
	}
	if len(fields) > 0 {
		return "", "", "", &models.ValidationError{Fields: fields}
	}
	return title, body, channel, nil
}

type broadcastRun struct {
	service *NotificationService

	mu        sync.Mutex
	n         *models.Notification
	remaining int
	lastErr   error
}

func (r *broadcastRun) send(recipients []models.Recipient, data map[string]string) {
	s := r.service
	r.mu.Lock()
	r.n.Status = models.NotificationSending
	snapshot := *r.n
	r.mu.Unlock()
	if err := s.notifications.Update(s.ctx, &snapshot); err != nil {
		s.logger.Warn("failed to mark broadcast sending", zap.Error(err))
	}

	for i, recipient := range recipients {
		job := delivery.Job{
			Recipient: recipient,
			Channels:  []models.Channel{snapshot.Channel},
			Title:     snapshot.Title,
			Body:      snapshot.Message,
			Data:      data,
			Done: func(o delivery.Outcome) {
				if o.Succeeded() {
					r.settle(1, nil)
					return
				}
				r.settle(1, errors.New(o.FailureReason()))
			},
		}
		if err := s.dispatcher.Dispatch(s.ctx, job); err != nil {
			s.logger.Warn("broadcast interrupted",
				zap.String("notification_id", snapshot.ID.String()),
				zap.Int("unsent", len(recipients)-i),
				zap.Error(err))
			r.settle(len(recipients)-i, err)
			return
		}
	}
}

// settle counts finished recipients; a nil sendErr means they were sent
func (r *broadcastRun) settle(count int, sendErr error) {
	s := r.service
	r.mu.Lock()
	if sendErr == nil {
		r.n.SentCount += count
	} else {
		r.n.FailedCount += count
		r.lastErr = sendErr
	}
	r.remaining -= count
	if r.remaining > 0 {
		r.mu.Unlock()
		return
	}
	now := s.now()
	r.n.CompletedAt = &now
	r.n.Status = models.NotificationCompleted
	if r.n.SentCount == 0 {
		r.n.Status = models.NotificationFailed
	}
	final := *r.n
	lastErr := r.lastErr
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.notifications.Update(ctx, &final); err != nil {
		s.logger.Error("failed to store broadcast result",
			zap.String("notification_id", final.ID.String()),
			zap.Error(err))
	}
	s.metrics.RecordBroadcast(string(final.Channel), string(final.Status))

	event := s.audit.Record(monitoring.EventBroadcast, "complete", "broadcast finished").
		Resource(final.ID.String(), "notification").
		Detail("status", string(final.Status)).
		Detail("sent", final.SentCount).
		Detail("failed", final.FailedCount)
	if final.Status == models.NotificationFailed {
		event = event.Failed(lastErr)
	}
	event.Commit()

	s.logger.Info("broadcast finished",
		zap.String("notification_id", final.ID.String()),
		zap.String("status", string(final.Status)),
		zap.Int("sent", final.SentCount),
		zap.Int("failed", final.FailedCount))
}

// GetBroadcast returns one broadcast
func (s *NotificationService) GetBroadcast(ctx context.Context, id uuid.UUID) (*models.Notification, error) {
	n, err := s.notifications.GetByID(ctx, id)
	if err != nil {
		return nil, wrapNotFound(err, "notification", id)
	}
	return n, nil
}

// Stats summarizes broadcasts and advisory delivery health over the retry
// horizon.
func (s *NotificationService) Stats(ctx context.Context) (*models.NotificationStats, error) {
	since := s.now().Add(-s.retryHorizon)

	broadcasts, err := s.notifications.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load broadcast stats: %w", err)
	}
	byStatus, err := s.logs.CountByStatus(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count advisories: %w", err)
	}
	failedAttempts, err := s.attempts.CountFailedByChannel(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count failed attempts: %w", err)
	}
	reasons, err := s.logs.CountFailureReasons(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count failure reasons: %w", err)
	}

	return &models.NotificationStats{
		Broadcasts:     *broadcasts,
		AdvisoriesBy:   byStatus,
		FailedAttempts: failedAttempts,
		FailureReasons: reasons,
		PendingRetries: byStatus[models.StatusCreated] + byStatus[models.StatusDispatched],
		QueueDepth:     s.dispatcher.QueueDepth(),
		GeneratedAt:    s.now(),
	}, nil
}

// RetryPending re-queues CREATED and DISPATCHED advisories younger than the
// retry horizon. Each channel resumes with what is left of its attempt
// budget; delivered and terminal logs are never touched, nor are logs the
// dispatcher is still working on.
func (s *NotificationService) RetryPending(ctx context.Context) (*models.RetrySummary, error) {
	start := time.Now()
	pending, err := s.logs.ListPending(ctx, s.now().Add(-s.retryHorizon), s.audienceLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending advisories: %w", err)
	}

	summary := &models.RetrySummary{Scanned: len(pending)}
	maxAttempts := s.dispatcher.MaxAttempts()

	for _, log := range pending {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if s.dispatcher.InFlight(log.ID) {
			summary.Skipped++
			continue
		}
		job, exhausted, err := s.retryJob(ctx, log, maxAttempts)
		if err != nil {
			s.logger.Warn("advisory skipped by retry sweep",
				zap.String("log_id", log.ID.String()),
				zap.Error(err))
			s.audit.Record(monitoring.EventRetryPending, "retry", "advisory skipped by retry sweep").
				ActorFrom(ctx).
				Resource(log.ID.String(), "advisory_log").
				Failed(err).
				Commit()
			summary.Skipped++
			continue
		}
		if exhausted {
			if err := s.tracker.MarkFailed(ctx, log.ID, "retry budget exhausted"); err != nil {
				s.logger.Warn("failed to close exhausted advisory", zap.Error(err))
			}
			summary.Exhausted++
			continue
		}
		if job == nil {
			summary.Skipped++
			continue
		}
		if err := s.dispatcher.Dispatch(ctx, *job); err != nil {
			if errors.Is(err, delivery.ErrInFlight) {
				summary.Skipped++
				continue
			}
			return summary, fmt.Errorf("failed to requeue advisory: %w", err)
		}
		summary.Requeued++
	}

	s.audit.Record(monitoring.EventRetryPending, "retry", "pending advisories requeued").
		ActorFrom(ctx).
		Detail("scanned", summary.Scanned).
		Detail("requeued", summary.Requeued).
		Detail("exhausted", summary.Exhausted).
		Detail("skipped", summary.Skipped).
		Commit()
	s.logger.Info("retry sweep completed",
		zap.Int("scanned", summary.Scanned),
		zap.Int("requeued", summary.Requeued),
		zap.Int("exhausted", summary.Exhausted),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("duration", time.Since(start)))
	return summary, nil
}

// latestAttempts returns the newest ledger row of every channel. Provider
// callbacks reuse the attempt number they report on, so ties go to the row
// recorded last.
func latestAttempts(attempts []*models.DeliveryAttempt) map[models.Channel]*models.DeliveryAttempt {
	latest := make(map[models.Channel]*models.DeliveryAttempt)
	for _, a := range attempts {
		cur, ok := latest[a.Channel]
		if !ok || a.AttemptNumber > cur.AttemptNumber ||
			(a.AttemptNumber == cur.AttemptNumber && !a.AttemptedAt.Before(cur.AttemptedAt)) {
			latest[a.Channel] = a
		}
	}
	return latest
}

// retryJob builds the resume job of one pending log. A channel counts as
// reached only while its latest attempt is SENT or DELIVERED; a later FAILED
// report puts it back in play with its remaining budget. A nil job with
// exhausted false means nothing is left to do yet, e.g. the log is waiting
// for a delivery confirmation.
func (s *NotificationService) retryJob(ctx context.Context, log *models.AdvisoryLog, maxAttempts int) (*delivery.Job, bool, error) {
	attempts, err := s.attempts.ListByLog(ctx, log.ID)
	if err != nil {
		return nil, false, err
	}

	count := make(map[models.Channel]int)
	for _, a := range attempts {
		if a.AttemptNumber > count[a.Channel] {
			count[a.Channel] = a.AttemptNumber
		}
	}
	latest := latestAttempts(attempts)

	reached := make(map[models.Channel]bool)
	permanent := make(map[models.Channel]bool)
	for ch, a := range latest {
		switch a.Status {
		case models.AttemptSent, models.AttemptDelivered:
			reached[ch] = true
		case models.AttemptFailed:
			if a.ErrorReason != nil && delivery.IsPermanentReason(*a.ErrorReason) {
				permanent[ch] = true
			}
		}
	}
	priorSuccess := len(reached) > 0

	var resume []models.Channel
	next := make(map[models.Channel]int)
	for _, ch := range log.Channels {
		if reached[ch] || permanent[ch] || count[ch] >= maxAttempts {
			continue
		}
		resume = append(resume, ch)
		next[ch] = count[ch] + 1
	}
	if len(resume) == 0 {
		return nil, !priorSuccess, nil
	}

	farmer, err := s.farmers.GetByID(ctx, log.FarmerID)
	if err != nil {
		return nil, false, wrapNotFound(err, "farmer", log.FarmerID)
	}
	recipient := farmer.Recipient()
	resume = s.dispatcher.EligibleChannels(recipient, resume)
	if len(resume) == 0 {
		return nil, !priorSuccess, nil
	}

	return &delivery.Job{
		LogID:        log.ID,
		Recipient:    recipient,
		Channels:     resume,
		Title:        log.Title,
		Body:         log.AdvisoryContent,
		NextAttempt:  next,
		PriorSuccess: priorSuccess,
		Data: map[string]string{
			"advisory_type": string(log.AdvisoryType),
			"severity":      string(log.Severity),
			"rule_id":       log.RuleID.String(),
		},
	}, false, nil
}

// ListTemplates returns every template
func (s *NotificationService) ListTemplates(ctx context.Context) ([]*models.NotificationTemplate, error) {
	return s.templates.List(ctx)
}

// GetTemplate returns one template
func (s *NotificationService) GetTemplate(ctx context.Context, id uuid.UUID) (*models.NotificationTemplate, error) {
	tpl, err := s.templates.GetByID(ctx, id)
	if err != nil {
		return nil, wrapNotFound(err, "template", id)
	}
	return tpl, nil
}

// CreateTemplate stores a new template
func (s *NotificationService) CreateTemplate(ctx context.Context, req *models.TemplateRequest) (*models.NotificationTemplate, error) {
	tpl := &models.NotificationTemplate{ID: uuid.New(), IsActive: true}
	if err := applyTemplateRequest(tpl, req); err != nil {
		return nil, err
	}
	now := s.now()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	if err := s.templates.Create(ctx, tpl); err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}
	s.audit.Record(monitoring.EventTemplateCreate, "create", "template created").
		ActorFrom(ctx).
		Resource(tpl.ID.String(), "template").
		Detail("name", tpl.Name).
		Commit()
	return tpl, nil
}

// UpdateTemplate replaces a template's fields
func (s *NotificationService) UpdateTemplate(ctx context.Context, id uuid.UUID, req *models.TemplateRequest) (*models.NotificationTemplate, error) {
	tpl, err := s.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := applyTemplateRequest(tpl, req); err != nil {
		return nil, err
	}
	tpl.UpdatedAt = s.now()
	if err := s.templates.Update(ctx, tpl); err != nil {
		return nil, fmt.Errorf("failed to update template: %w", wrapNotFound(err, "template", id))
	}
	s.audit.Record(monitoring.EventTemplateUpdate, "update", "template updated").
		ActorFrom(ctx).
		Resource(tpl.ID.String(), "template").
		Commit()
	return tpl, nil
}

// DeleteTemplate removes a template
func (s *NotificationService) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	if err := s.templates.Delete(ctx, id); err != nil {
		return wrapNotFound(err, "template", id)
	}
	s.audit.Record(monitoring.EventTemplateDelete, "delete", "template deleted").
		ActorFrom(ctx).
		Resource(id.String(), "template").
		Commit()
	return nil
}

func applyTemplateRequest(tpl *models.NotificationTemplate, req *models.TemplateRequest) error {
	fields := make(map[string]string)
	name := strings.TrimSpace(req.Name)
	if name == "" {
		fields["name"] = "is required"
	}
	channel := models.Channel(strings.ToUpper(string(req.Channel)))
	if !channel.Valid() {
		fields["channel"] = "must be PUSH, SMS, EMAIL or WHATSAPP"
	}
	if strings.TrimSpace(req.BodyTemplate) == "" {
		fields["bodyTemplate"] = "is required"
	} else if _, err := template.New("body").Parse(req.BodyTemplate); err != nil {
		fields["bodyTemplate"] = err.Error()
	}
	if _, err := template.New("title").Parse(req.TitleTemplate); err != nil {
		fields["titleTemplate"] = err.Error()
	}
	if len(fields) > 0 {
		return &models.ValidationError{Fields: fields}
	}

	tpl.Name = name
	tpl.Channel = channel
	tpl.Language = strings.TrimSpace(req.Language)
	if tpl.Language == "" {
		tpl.Language = "ne"
	}
	tpl.TitleTemplate = req.TitleTemplate
	tpl.BodyTemplate = req.BodyTemplate
	if req.IsActive != nil {
		tpl.IsActive = *req.IsActive
	}
	return nil
}
