package delivery

import (
	"context"

	"go.uber.org/zap"

	"agri-advisory/internal/config"
	"agri-advisory/internal/models"
)

// NewSenders builds the senders of every enabled channel. In dry-run mode
// every channel is simulated. A channel whose provider cannot be initialized
// is skipped so the others keep working.
func NewSenders(ctx context.Context, cfg *config.Config, logger *zap.Logger) []Sender {
	if cfg.Delivery.DryRun {
		logger.Warn("delivery dry-run enabled; no provider will be contacted")
		senders := make([]Sender, 0, len(models.AllChannels))
		for _, ch := range models.AllChannels {
			senders = append(senders, NewLogSender(ch, logger))
		}
		return senders
	}

	var senders []Sender
	ch := cfg.Channels
	if ch.Push.Enabled {
		push, err := NewFirebaseSender(ctx, ch.Push, logger)
		if err != nil {
			logger.Error("push channel disabled", zap.Error(err))
		} else {
			senders = append(senders, push)
		}
	}
	if ch.SMS.Enabled {
		senders = append(senders, NewGatewaySender(models.ChannelSMS, ch.SMS, cfg.Delivery.SendTimeout, logger))
	}
	if ch.WhatsApp.Enabled {
		senders = append(senders, NewGatewaySender(models.ChannelWhatsApp, ch.WhatsApp, cfg.Delivery.SendTimeout, logger))
	}
	if ch.Email.Enabled {
		senders = append(senders, NewEmailSender(ch.Email, logger))
	}

	if len(senders) == 0 {
		logger.Warn("no delivery channel configured; every advisory will fail with NO_ELIGIBLE_CHANNEL")
	}
	return senders
}
