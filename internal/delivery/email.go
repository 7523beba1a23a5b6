package delivery

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"agri-advisory/internal/config"
	"agri-advisory/internal/models"
)

type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailSender sends EMAIL advisories over SMTP. An accepted SMTP handoff is
// treated as delivery.
type EmailSender struct {
	dialer mailDialer
	from   string
	domain string
	logger *zap.Logger
}

// NewEmailSender creates an SMTP sender
func NewEmailSender(cfg config.EmailConfig, logger *zap.Logger) *EmailSender {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	domain := "agri-advisory.local"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return &EmailSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   from,
		domain: domain,
		logger: logger,
	}
}

// Channel returns EMAIL
func (s *EmailSender) Channel() models.Channel { return models.ChannelEmail }

// Send delivers one email. SMTP has no context support, so cancellation is
// only observed before dialing.
func (s *EmailSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := requireContact(msg); err != nil {
		return Receipt{}, err
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.domain)

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.Recipient.Email)
	m.SetHeader("Subject", msg.Title)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/plain", msg.Body)
	m.AddAlternative("text/html", "<p>"+strings.ReplaceAll(html.EscapeString(msg.Body), "\n", "<br>")+"</p>")

	if err := s.dialer.DialAndSend(m); err != nil {
		return Receipt{}, fmt.Errorf("smtp send failed: %w", err)
	}

	s.logger.Debug("email sent",
		zap.String("message_id", messageID),
		zap.String("log_id", msg.LogID.String()))
	return Receipt{MessageID: messageID, Confirmed: true}, nil
}
