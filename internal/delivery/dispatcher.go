package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"agri-advisory/internal/config"
	"agri-advisory/internal/metrics"
	"agri-advisory/internal/models"
)

var (
	// ErrStopped is returned by Dispatch once the dispatcher is shutting down
	ErrStopped = errors.New("dispatcher stopped")
	// ErrNoProvider is reported for a channel with no configured sender
	ErrNoProvider = errors.New("no provider configured for channel")
	// ErrInFlight is returned by Dispatch for an advisory that is already
	// queued or being delivered
	ErrInFlight = errors.New("advisory delivery already in flight")
)

// AttemptRecorder appends rows to the delivery attempt ledger
type AttemptRecorder interface {
	Append(ctx context.Context, attempt *models.DeliveryAttempt) error
}

// StatusTracker applies the lifecycle transitions caused by delivery outcomes
type StatusTracker interface {
	MarkDispatched(ctx context.Context, logID uuid.UUID) error
	MarkDelivered(ctx context.Context, logID uuid.UUID) error
	MarkFailed(ctx context.Context, logID uuid.UUID, reason string) error
}

// Job is one advisory or broadcast message to deliver to one recipient
type Job struct {
	// LogID is uuid.Nil for broadcasts, which record no attempts and drive no
	// lifecycle transitions.
	LogID     uuid.UUID
	Recipient models.Recipient
	Channels  []models.Channel
	Title     string
	Body      string
	Data      map[string]string
	// NextAttempt is the attempt number each channel resumes from; absent
	// channels start at 1.
	NextAttempt map[models.Channel]int
	// PriorSuccess is set when an earlier run already reached a provider, so
	// failing the remaining channels must not fail the log.
	PriorSuccess bool
	Done         func(Outcome)
}

// ChannelOutcome is the final state of one channel within a job
type ChannelOutcome struct {
	Channel   models.Channel
	Attempts  int
	Status    models.AttemptStatus
	MessageID string
	Err       error
}

// Outcome summarizes a finished job
type Outcome struct {
	LogID    uuid.UUID
	Channels []ChannelOutcome
}

// Succeeded reports whether any channel reached its provider
func (o Outcome) Succeeded() bool {
	for _, c := range o.Channels {
		if c.Err == nil && c.Status != models.AttemptFailed {
			return true
		}
	}
	return false
}

// FailureReason joins the last error of every failed channel
func (o Outcome) FailureReason() string {
	parts := make([]string, 0, len(o.Channels))
	for _, c := range o.Channels {
		if c.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: %v", c.Channel, c.Err))
		}
	}
	if len(parts) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(parts, "; ")
}

// Dispatcher delivers jobs from a bounded queue with a fixed worker pool.
// Each channel of a job is attempted in parallel under a per-channel rate
// limiter, with up to maxAttempts attempts and capped exponential backoff.
type Dispatcher struct {
	senders     map[models.Channel]Sender
	limiters    map[models.Channel]*rate.Limiter
	attempts    AttemptRecorder
	tracker     StatusTracker
	backoff     *Backoff
	maxAttempts int
	sendTimeout time.Duration
	workers     int
	queue       chan Job
	metrics     *metrics.MetricsCollector
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error

	// pending holds the log ids of queued and in-flight jobs
	pendingMu sync.Mutex
	pending   map[uuid.UUID]struct{}

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopping chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher; call Start to run its workers
func NewDispatcher(
	cfg config.DeliveryConfig,
	channels config.ChannelsConfig,
	senders []Sender,
	attempts AttemptRecorder,
	tracker StatusTracker,
	m *metrics.MetricsCollector,
	logger *zap.Logger,
) *Dispatcher {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}

	d := &Dispatcher{
		senders:     make(map[models.Channel]Sender, len(senders)),
		limiters:    make(map[models.Channel]*rate.Limiter, len(senders)),
		attempts:    attempts,
		tracker:     tracker,
		backoff:     NewBackoff(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter),
		maxAttempts: maxAttempts,
		sendTimeout: sendTimeout,
		workers:     workers,
		queue:       make(chan Job, queueSize),
		metrics:     m,
		logger:      logger,
		sleep:       sleepContext,
		pending:     make(map[uuid.UUID]struct{}),
		stopping:    make(chan struct{}),
	}
	for _, s := range senders {
		ch := s.Channel()
		d.senders[ch] = s
		limit, burst := channelRate(channels, ch)
		d.limiters[ch] = rate.NewLimiter(limit, burst)
	}
	return d
}

func channelRate(cfg config.ChannelsConfig, ch models.Channel) (rate.Limit, int) {
	var perSecond float64
	var burst int
	switch ch {
	case models.ChannelPush:
		perSecond, burst = cfg.Push.RateLimit, cfg.Push.Burst
	case models.ChannelSMS:
		perSecond, burst = cfg.SMS.RateLimit, cfg.SMS.Burst
	case models.ChannelWhatsApp:
		perSecond, burst = cfg.WhatsApp.RateLimit, cfg.WhatsApp.Burst
	case models.ChannelEmail:
		perSecond, burst = cfg.Email.RateLimit, cfg.Email.Burst
	}
	if perSecond <= 0 {
		return rate.Inf, 1
	}
	if burst < 1 {
		burst = 1
	}
	return rate.Limit(perSecond), burst
}

// MaxAttempts is the per-channel attempt budget
func (d *Dispatcher) MaxAttempts() int { return d.maxAttempts }

// HasChannel reports whether a provider is configured for ch
func (d *Dispatcher) HasChannel(ch models.Channel) bool {
	_, ok := d.senders[ch]
	return ok
}

// EligibleChannels returns the channels of requested (all channels when
// empty) that the recipient can receive and a provider can send, in fan-out
// order.
func (d *Dispatcher) EligibleChannels(r models.Recipient, requested []models.Channel) []models.Channel {
	wanted := make(map[models.Channel]bool, len(models.AllChannels))
	if len(requested) == 0 {
		for _, ch := range models.AllChannels {
			wanted[ch] = true
		}
	} else {
		for _, ch := range requested {
			wanted[ch] = true
		}
	}

	eligible := make([]models.Channel, 0, len(wanted))
	for _, ch := range models.AllChannels {
		if wanted[ch] && r.Supports(ch) && d.HasChannel(ch) {
			eligible = append(eligible, ch)
		}
	}
	return eligible
}

// QueueDepth returns the number of queued jobs
func (d *Dispatcher) QueueDepth() int { return len(d.queue) }

// Start launches the worker pool
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	channels := make([]string, 0, len(d.senders))
	for ch := range d.senders {
		channels = append(channels, string(ch))
	}
	sort.Strings(channels)
	d.logger.Info("delivery dispatcher started",
		zap.Int("workers", d.workers),
		zap.Int("queue_size", cap(d.queue)),
		zap.Strings("channels", channels))
}

// Stop refuses new jobs and waits for in-flight jobs. When ctx expires first,
// in-flight sends are cancelled. Jobs still queued are dropped; their logs
// stay non-terminal and are picked up by the retry sweep.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.stopping)
	cancel := d.cancel
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
		err = ctx.Err()
	}
	if cancel != nil {
		cancel()
	}

	d.logger.Info("delivery dispatcher stopped", zap.Int("dropped_jobs", len(d.queue)))
	return err
}

// InFlight reports whether a job for the advisory log is queued or running
func (d *Dispatcher) InFlight(logID uuid.UUID) bool {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	_, ok := d.pending[logID]
	return ok
}

// claim marks the log as in flight. It fails when a job for the log is
// already queued or running. Broadcast jobs are never tracked.
func (d *Dispatcher) claim(logID uuid.UUID) bool {
	if logID == uuid.Nil {
		return true
	}
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if _, ok := d.pending[logID]; ok {
		return false
	}
	d.pending[logID] = struct{}{}
	return true
}

func (d *Dispatcher) release(logID uuid.UUID) {
	if logID == uuid.Nil {
		return
	}
	d.pendingMu.Lock()
	delete(d.pending, logID)
	d.pendingMu.Unlock()
}

// Dispatch enqueues a job, blocking while the queue is full. At most one job
// per advisory log is queued or running at a time; a second one is refused
// with ErrInFlight.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) error {
	select {
	case <-d.stopping:
		return ErrStopped
	default:
	}

	if !d.claim(job.LogID) {
		return ErrInFlight
	}

	select {
	case d.queue <- job:
		d.metrics.UpdateQueueDepth(len(d.queue))
		return nil
	case <-d.stopping:
		d.release(job.LogID)
		return ErrStopped
	case <-ctx.Done():
		d.release(job.LogID)
		return ctx.Err()
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopping:
			return
		case <-ctx.Done():
			return
		case job := <-d.queue:
			d.metrics.UpdateQueueDepth(len(d.queue))
			d.process(ctx, job)
		}
	}
}

// process fans a job out to its channels and settles the log afterwards
func (d *Dispatcher) process(ctx context.Context, job Job) {
	start := time.Now()
	outcomes := make([]ChannelOutcome, len(job.Channels))

	var g errgroup.Group
	for i, ch := range job.Channels {
		i, ch := i, ch
		g.Go(func() error {
			outcomes[i] = d.deliverChannel(ctx, job, ch)
			return nil
		})
	}
	_ = g.Wait()

	outcome := Outcome{LogID: job.LogID, Channels: outcomes}
	if job.LogID != uuid.Nil && !job.PriorSuccess && !outcome.Succeeded() && ctx.Err() == nil {
		if err := d.tracker.MarkFailed(ctx, job.LogID, outcome.FailureReason()); err != nil {
			d.logger.Error("failed to mark advisory delivery failed",
				zap.Error(err),
				zap.String("log_id", job.LogID.String()))
		}
	}

	d.logger.Debug("delivery job completed",
		zap.String("log_id", job.LogID.String()),
		zap.Bool("succeeded", outcome.Succeeded()),
		zap.Duration("duration", time.Since(start)))

	d.release(job.LogID)
	if job.Done != nil {
		job.Done(outcome)
	}
}

func (d *Dispatcher) deliverChannel(ctx context.Context, job Job, ch models.Channel) ChannelOutcome {
	out := ChannelOutcome{Channel: ch, Status: models.AttemptFailed}
	sender, ok := d.senders[ch]
	if !ok {
		out.Err = ErrNoProvider
		return out
	}
	limiter := d.limiters[ch]

	first := job.NextAttempt[ch]
	if first < 1 {
		first = 1
	}
	for n := first; n <= d.maxAttempts; n++ {
		if n > first {
			if err := d.sleep(ctx, d.backoff.Delay(n-1)); err != nil {
				out.Err = err
				return out
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			out.Err = err
			return out
		}

		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		began := time.Now()
		receipt, err := sender.Send(sendCtx, Message{
			LogID:     job.LogID,
			Channel:   ch,
			Recipient: job.Recipient,
			Title:     job.Title,
			Body:      job.Body,
			Data:      job.Data,
		})
		cancel()
		out.Attempts++

		status := models.AttemptFailed
		if err == nil {
			status = models.AttemptSent
			if receipt.Confirmed {
				status = models.AttemptDelivered
			}
		}
		d.metrics.RecordDeliveryAttempt(string(ch), string(status), time.Since(began))
		d.record(ctx, job, ch, n, status, receipt.MessageID, err)

		if err == nil {
			out.Status = status
			out.MessageID = receipt.MessageID
			out.Err = nil
			d.settle(ctx, job, receipt.Confirmed)
			return out
		}

		out.Err = err
		d.logger.Warn("delivery attempt failed",
			zap.Error(err),
			zap.String("log_id", job.LogID.String()),
			zap.String("channel", string(ch)),
			zap.Int("attempt", n))
		if IsPermanent(err) {
			break
		}
	}
	return out
}

func (d *Dispatcher) record(ctx context.Context, job Job, ch models.Channel, n int, status models.AttemptStatus, messageID string, sendErr error) {
	if job.LogID == uuid.Nil {
		return
	}
	attempt := &models.DeliveryAttempt{
		LogID:             job.LogID,
		Channel:           ch,
		AttemptNumber:     n,
		Status:            status,
		ProviderMessageID: messageID,
		AttemptedAt:       time.Now().UTC(),
	}
	if sendErr != nil {
		reason := sendErr.Error()
		attempt.ErrorReason = &reason
	}
	if err := d.attempts.Append(ctx, attempt); err != nil {
		d.logger.Error("failed to record delivery attempt",
			zap.Error(err),
			zap.String("log_id", job.LogID.String()),
			zap.String("channel", string(ch)))
	}
}

func (d *Dispatcher) settle(ctx context.Context, job Job, confirmed bool) {
	if job.LogID == uuid.Nil {
		return
	}
	if err := d.tracker.MarkDispatched(ctx, job.LogID); err != nil {
		d.logger.Error("failed to mark advisory dispatched",
			zap.Error(err),
			zap.String("log_id", job.LogID.String()))
	}
	if !confirmed {
		return
	}
	if err := d.tracker.MarkDelivered(ctx, job.LogID); err != nil {
		d.logger.Error("failed to mark advisory delivered",
			zap.Error(err),
			zap.String("log_id", job.LogID.String()))
	}
}
