package delivery

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agri-advisory/internal/models"
)

// LogSender writes messages to the log instead of a provider. It backs the
// dry-run mode and channels without a configured provider in development.
type LogSender struct {
	channel models.Channel
	logger  *zap.Logger
}

// NewLogSender creates a dry-run sender for channel
func NewLogSender(channel models.Channel, logger *zap.Logger) *LogSender {
	return &LogSender{channel: channel, logger: logger}
}

// Channel returns the simulated channel
func (s *LogSender) Channel() models.Channel { return s.channel }

// Send logs the message and reports it as delivered
func (s *LogSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := requireContact(msg); err != nil {
		return Receipt{}, err
	}
	id := "dryrun-" + uuid.NewString()
	s.logger.Info("dry-run delivery",
		zap.String("channel", string(s.channel)),
		zap.String("farmer_id", msg.Recipient.FarmerID.String()),
		zap.String("log_id", msg.LogID.String()),
		zap.String("title", msg.Title),
		zap.String("message_id", id))
	return Receipt{MessageID: id, Confirmed: true}, nil
}
