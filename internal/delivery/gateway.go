package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"agri-advisory/internal/config"
	"agri-advisory/internal/models"
)

// GatewaySender posts SMS or WhatsApp messages to an HTTP messaging gateway
type GatewaySender struct {
	channel    models.Channel
	url        string
	apiKey     string
	sender     string
	httpClient *http.Client
	logger     *zap.Logger
}

type gatewayRequest struct {
	To        string `json:"to"`
	From      string `json:"from,omitempty"`
	Text      string `json:"text"`
	Reference string `json:"reference,omitempty"`
}

type gatewayResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// NewGatewaySender creates a sender for channel backed by cfg
func NewGatewaySender(channel models.Channel, cfg config.GatewayConfig, timeout time.Duration, logger *zap.Logger) *GatewaySender {
	return &GatewaySender{
		channel:    channel,
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		sender:     cfg.Sender,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Channel returns the channel this gateway serves
func (s *GatewaySender) Channel() models.Channel { return s.channel }

// Send posts one message. 4xx responses are permanent failures; transport
// errors and 5xx responses are retryable.
func (s *GatewaySender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := requireContact(msg); err != nil {
		return Receipt{}, err
	}

	text := msg.Body
	if msg.Title != "" {
		text = msg.Title + "\n" + msg.Body
	}
	body, err := json.Marshal(gatewayRequest{
		To:        msg.Recipient.Mobile,
		From:      s.sender,
		Text:      text,
		Reference: msg.LogID.String(),
	})
	if err != nil {
		return Receipt{}, Permanent(fmt.Errorf("failed to marshal gateway payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, Permanent(fmt.Errorf("failed to create gateway request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("%s gateway request failed: %w", strings.ToLower(string(s.channel)), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%s gateway returned %d: %s", strings.ToLower(string(s.channel)), resp.StatusCode, strings.TrimSpace(string(detail)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return Receipt{}, Permanent(err)
		}
		return Receipt{}, err
	}

	var out gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		s.logger.Warn("unreadable gateway response", zap.Error(err), zap.String("channel", string(s.channel)))
	}

	s.logger.Debug("gateway message accepted",
		zap.String("channel", string(s.channel)),
		zap.String("message_id", out.MessageID),
		zap.Duration("duration", time.Since(start)))

	return Receipt{
		MessageID: out.MessageID,
		Confirmed: strings.EqualFold(out.Status, string(models.AttemptDelivered)),
	}, nil
}
