package delivery

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"agri-advisory/internal/config"
	"agri-advisory/internal/models"
)

type messagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FirebaseSender sends PUSH notifications through Firebase Cloud Messaging.
// FCM only acknowledges acceptance, so receipts are never confirmed; delivery
// is reported later through the callback endpoint.
type FirebaseSender struct {
	client messagingClient
	logger *zap.Logger
}

// NewFirebaseSender initializes the Firebase app and messaging client
func NewFirebaseSender(ctx context.Context, cfg config.PushConfig, logger *zap.Logger) (*FirebaseSender, error) {
	opts := []option.ClientOption{}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}

	logger.Info("firebase push sender ready", zap.String("project_id", cfg.ProjectID))
	return &FirebaseSender{client: client, logger: logger}, nil
}

// Channel returns PUSH
func (s *FirebaseSender) Channel() models.Channel { return models.ChannelPush }

// Send pushes one notification to the recipient's device token
func (s *FirebaseSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := requireContact(msg); err != nil {
		return Receipt{}, err
	}

	data := make(map[string]string, len(msg.Data)+1)
	for k, v := range msg.Data {
		data[k] = v
	}
	if msg.LogID != uuid.Nil {
		data["advisory_log_id"] = msg.LogID.String()
	}

	id, err := s.client.Send(ctx, &messaging.Message{
		Token: msg.Recipient.DeviceToken,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	})
	if err != nil {
		if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) {
			return Receipt{}, Permanent(fmt.Errorf("push rejected: %w", err))
		}
		return Receipt{}, fmt.Errorf("push send failed: %w", err)
	}
	return Receipt{MessageID: id}, nil
}
