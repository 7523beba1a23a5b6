package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"agri-advisory/internal/config"
	"agri-advisory/internal/models"
)

// RetryHeader carries the number of times a trigger message was re-queued
const RetryHeader = "x-retry-count"

// TriggerProcessor runs one trigger event through the advisory pipeline
type TriggerProcessor interface {
	ProcessTrigger(ctx context.Context, event *models.TriggerEvent, transport string) (*models.TriggerSummary, error)
}

// TriggerConsumer reads trigger events from the advisory_triggers queue.
// Failed messages are re-published with an incremented retry header until
// the retry budget is spent, then dead-lettered.
type TriggerConsumer struct {
	config    config.MessagingConfig
	processor TriggerProcessor
	logger    *zap.Logger

	conn    *amqp.Connection
	channel *amqp.Channel
	publish func(ctx context.Context, msg amqp.Publishing) error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTriggerConsumer creates a consumer. Start connects to the broker.
func NewTriggerConsumer(cfg *config.Config, processor TriggerProcessor, logger *zap.Logger) *TriggerConsumer {
	return &TriggerConsumer{
		config:    cfg.Messaging,
		processor: processor,
		logger:    logger,
	}
}

// Start dials RabbitMQ, declares the queues and begins consuming
func (c *TriggerConsumer) Start(ctx context.Context) error {
	conn, err := amqp.Dial(c.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	c.conn = conn
	c.channel = ch

	if err := c.declare(); err != nil {
		c.close()
		return err
	}

	deliveries, err := ch.Consume(
		c.config.Queue,
		"agri-advisory", // consumer tag
		false,           // auto-ack
		false,           // exclusive
		false,           // no-local
		false,           // no-wait
		nil,
	)
	if err != nil {
		c.close()
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.publish = func(ctx context.Context, msg amqp.Publishing) error {
		return ch.PublishWithContext(ctx, "", c.config.Queue, false, false, msg)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume(runCtx, deliveries)
	}()

	c.logger.Info("trigger consumer started",
		zap.String("queue", c.config.Queue),
		zap.String("dead_letter", c.config.DeadLetter),
		zap.Int("prefetch", c.config.Prefetch))
	return nil
}

func (c *TriggerConsumer) declare() error {
	if err := c.channel.Qos(c.config.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	if _, err := c.channel.QueueDeclare(c.config.DeadLetter, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": c.config.DeadLetter,
	}
	if _, err := c.channel.QueueDeclare(c.config.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	return nil
}

// Stop cancels consumption, waits for the message in flight and closes the
// connection.
func (c *TriggerConsumer) Stop(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	err := c.close()
	c.logger.Info("trigger consumer stopped")
	return err
}

func (c *TriggerConsumer) close() error {
	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *TriggerConsumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-deliveries:
			if !ok {
				c.logger.Warn("trigger delivery channel closed")
				return
			}
			c.handle(ctx, msg)
		}
	}
}

type disposition int

const (
	dispositionAck disposition = iota
	dispositionRetry
	dispositionDeadLetter
)

// decide maps a processing result to what happens to the message. Malformed
// and invalid events are dead-lettered at once since a retry cannot fix them.
func decide(err error, retries, maxRetries int) disposition {
	var verr *models.ValidationError
	switch {
	case err == nil:
		return dispositionAck
	case errors.Is(err, errMalformed), errors.As(err, &verr):
		return dispositionDeadLetter
	case retries < maxRetries:
		return dispositionRetry
	default:
		return dispositionDeadLetter
	}
}

var errMalformed = errors.New("malformed trigger message")

func decodeTrigger(body []byte) (*models.TriggerEvent, error) {
	var event models.TriggerEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return &event, nil
}

// retryCount reads the retry header, which other publishers may encode with
// any integer width.
func retryCount(headers amqp.Table) int {
	switch v := headers[RetryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	}
	return 0
}

func (c *TriggerConsumer) handle(ctx context.Context, msg amqp.Delivery) {
	start := time.Now()
	retries := retryCount(msg.Headers)

	event, err := decodeTrigger(msg.Body)
	if err == nil {
		if event.ID == "" {
			event.ID = msg.MessageId
		}
		var summary *models.TriggerSummary
		summary, err = c.processor.ProcessTrigger(ctx, event, "amqp")
		if err == nil && summary != nil {
			c.logger.Debug("trigger message processed",
				zap.String("trigger_id", summary.TriggerID),
				zap.Int("generated", summary.Generated),
				zap.Duration("duration", time.Since(start)))
		}
	}

	switch decide(err, retries, c.config.MaxRetries) {
	case dispositionAck:
		if ackErr := msg.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack trigger message", zap.Error(ackErr))
		}
	case dispositionRetry:
		c.logger.Warn("trigger message failed, re-queueing",
			zap.Error(err),
			zap.Int("retry", retries+1))
		if pubErr := c.requeue(ctx, msg, retries+1); pubErr != nil {
			c.logger.Error("failed to re-queue trigger message", zap.Error(pubErr))
			_ = msg.Nack(false, true)
			return
		}
		_ = msg.Ack(false)
	case dispositionDeadLetter:
		c.logger.Error("trigger message dead-lettered",
			zap.Error(err),
			zap.Int("retries", retries))
		_ = msg.Nack(false, false)
	}
}

func (c *TriggerConsumer) requeue(ctx context.Context, msg amqp.Delivery, retries int) error {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[RetryHeader] = int32(retries)

	return c.publish(ctx, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageId,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         msg.Body,
	})
}
