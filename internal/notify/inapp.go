package notify

import (
	"context"
	"fmt"

	"github.com/coldeye/internal/events"
	"github.com/coldeye/internal/models"
)

// InAppSender writes one inbox entry per recipient and pushes it to live
// subscribers.
type InAppSender struct {
	store *Store
	bus   events.Publisher
}

func NewInAppSender(store *Store, bus events.Publisher) *InAppSender {
	if bus == nil {
		bus = events.Discard{}
	}
	return &InAppSender{store: store, bus: bus}
}

func (s *InAppSender) Channel() models.Channel { return models.ChannelInApp }

func (s *InAppSender) Send(ctx context.Context, recipients []models.Contact, msg Message) (DeliveryResult, error) {
	if len(recipients) == 0 {
		return skipped(models.ChannelInApp, "no recipients"), nil
	}
	items := make([]models.InAppNotification, 0, len(recipients))
	for _, c := range recipients {
		items = append(items, models.InAppNotification{
			ContactID: c.ID,
			AlertID:   msg.AlertID,
			Title:     msg.Subject(),
			Body:      msg.Body,
			Severity:  msg.Severity,
			CreatedAt: msg.Timestamp,
		})
	}
	if err := s.store.AddInApp(ctx, items); err != nil {
		return DeliveryResult{}, fmt.Errorf("in_app send: %w", err)
	}
	for _, it := range items {
		s.bus.Publish(events.Event{
			Type:    events.NotificationInApp,
			UnitID:  msg.UnitID,
			AlertID: msg.AlertID,
			Summary: it.Title,
			Detail:  it,
		})
	}
	return DeliveryResult{Channel: models.ChannelInApp, Delivered: len(items)}, nil
}
