package notify

import (
	"context"
	"fmt"

	"github.com/coldeye/internal/models"
	"gopkg.in/gomail.v2"
)

type mailer interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailSender sends one SMTP message addressed to every recipient that has an
// email address.
type EmailSender struct {
	dialer mailer
	from   string
}

func NewEmailSender(host string, port int, from, password string) *EmailSender {
	return &EmailSender{
		dialer: gomail.NewDialer(host, port, from, password),
		from:   from,
	}
}

func (s *EmailSender) Channel() models.Channel { return models.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, recipients []models.Contact, msg Message) (DeliveryResult, error) {
	var to []string
	for _, c := range recipients {
		if c.Email != "" {
			to = append(to, c.Email)
		}
	}
	if len(to) == 0 {
		return skipped(models.ChannelEmail, "no recipients with email"), nil
	}
	if err := ctx.Err(); err != nil {
		return DeliveryResult{}, err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", msg.Subject())
	m.SetBody("text/plain", plainBody(msg))

	if err := s.dialer.DialAndSend(m); err != nil {
		return DeliveryResult{}, fmt.Errorf("email send: %w", err)
	}
	return DeliveryResult{Channel: models.ChannelEmail, Delivered: len(to)}, nil
}
