package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"agri-advisory/internal/models"
)

// Message is one outbound notification on one channel
type Message struct {
	LogID     uuid.UUID
	Channel   models.Channel
	Recipient models.Recipient
	Title     string
	Body      string
	Data      map[string]string
}

// Receipt is what a provider returned for an accepted message. Confirmed is
// set when the provider reports final delivery synchronously.
type Receipt struct {
	MessageID string
	Confirmed bool
}

// Sender delivers messages over a single channel
type Sender interface {
	Channel() models.Channel
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// PermanentPrefix starts the recorded error reason of a permanent failure
const PermanentPrefix = "permanent: "

type permanentError struct{ err error }

func (e *permanentError) Error() string { return PermanentPrefix + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying, e.g. an unregistered device
// token or a rejected address.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// IsPermanentReason reports whether a recorded attempt error reason came from
// a permanent failure.
func IsPermanentReason(reason string) bool {
	return strings.HasPrefix(reason, PermanentPrefix)
}

// ErrMissingContact is returned when the recipient lacks the contact point
// the channel needs.
var ErrMissingContact = errors.New("recipient has no contact point for channel")

func requireContact(msg Message) error {
	if !msg.Recipient.Supports(msg.Channel) {
		return Permanent(fmt.Errorf("%w %s", ErrMissingContact, msg.Channel))
	}
	return nil
}
