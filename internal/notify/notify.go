// Package notify delivers alert notifications over sms, email, push, webhook,
// slack and the in-app inbox. Each channel implements Sender; the Dispatcher
// queues sends onto a bounded worker pool and retries failures.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coldeye/internal/models"
)

var (
	ErrQueueFull        = errors.New("dispatch queue full")
	ErrDispatcherClosed = errors.New("dispatcher closed")
	ErrNoSender         = errors.New("no sender for channel")
)

// Kind says why a notification is sent.
type Kind string

const (
	KindInitial    Kind = "initial"
	KindEscalation Kind = "escalation"
	KindReminder   Kind = "reminder"
	KindResolved   Kind = "resolved"
)

// Message is the channel-neutral content of a notification.
type Message struct {
	AlertID    uint
	Generation uint64
	Kind       Kind
	Level      int
	PolicyKey  string

	UnitID    uint
	UnitName  string
	SiteID    uint
	AlertType models.AlertType
	Severity  models.Severity
	Title     string
	Body      string

	Metric    string
	Value     *float64
	Threshold *float64
	Condition string

	Timestamp time.Time
}

// Subject is a one-line summary used by email and push.
func (m Message) Subject() string {
	if m.Kind == KindResolved {
		return fmt.Sprintf("[RESOLVED] %s: %s", m.UnitName, m.Title)
	}
	return fmt.Sprintf("[%s] %s: %s", severityLabel(m.Severity), m.UnitName, m.Title)
}

// Event is the webhook event name for the message.
func (m Message) Event() string {
	switch m.Kind {
	case KindEscalation:
		return "alert.escalated"
	case KindReminder:
		return "alert.reminder"
	case KindResolved:
		return "alert.resolved"
	default:
		return "alert.triggered"
	}
}

// DeliveryResult reports what a sender did with one message.
type DeliveryResult struct {
	Channel    models.Channel
	Delivered  int
	ProviderID string
	Skipped    bool
	Reason     string
}

// Sender delivers a message to recipients over one channel. Channels that
// post to a fixed destination (webhook, slack) may ignore recipients.
type Sender interface {
	Channel() models.Channel
	Send(ctx context.Context, recipients []models.Contact, msg Message) (DeliveryResult, error)
}

func severityLabel(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "CRITICAL"
	case models.SeverityWarning:
		return "WARNING"
	default:
		return "INFO"
	}
}

func severityColor(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "#ff0000"
	case models.SeverityWarning:
		return "#ffcc00"
	default:
		return "#36a64f"
	}
}

// plainBody renders a message for text channels.
func plainBody(m Message) string {
	body := fmt.Sprintf("Unit: %s\nAlert: %s\nSeverity: %s\n%s\nTime: %s",
		m.UnitName, m.Title, m.Severity, m.Body, m.Timestamp.Format(time.RFC3339))
	if m.Kind == KindEscalation {
		body += fmt.Sprintf("\nEscalation level: %d", m.Level)
	}
	return body
}

func skipped(ch models.Channel, reason string) DeliveryResult {
	return DeliveryResult{Channel: ch, Skipped: true, Reason: reason}
}
