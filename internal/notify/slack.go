package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coldeye/internal/models"
	"github.com/slack-go/slack"
)

// SlackSender posts alerts to a Slack channel, through the Web API when a bot
// token is configured and through an incoming webhook otherwise. Recipients
// with a Slack ID are mentioned.
type SlackSender struct {
	client     *slack.Client
	channel    string
	webhookURL string
	username   string
}

type slackConfig struct {
	apiURL string
}

type SlackOption func(*slackConfig)

// WithSlackAPIURL points the Web API client somewhere other than slack.com.
func WithSlackAPIURL(url string) SlackOption {
	return func(c *slackConfig) { c.apiURL = url }
}

func NewSlackSender(token, channel, webhookURL string, opts ...SlackOption) *SlackSender {
	var cfg slackConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &SlackSender{
		channel:    channel,
		webhookURL: webhookURL,
		username:   "ColdEye",
	}
	if token != "" {
		var clientOpts []slack.Option
		if cfg.apiURL != "" {
			clientOpts = append(clientOpts, slack.OptionAPIURL(cfg.apiURL))
		}
		s.client = slack.New(token, clientOpts...)
	}
	return s
}

func (s *SlackSender) Channel() models.Channel { return models.ChannelSlack }

func (s *SlackSender) Send(ctx context.Context, recipients []models.Contact, msg Message) (DeliveryResult, error) {
	att := slackAttachment(msg)
	text := mentions(recipients)

	if s.client != nil {
		ch, ts, err := s.client.PostMessageContext(ctx, s.channel,
			slack.MsgOptionText(text, false),
			slack.MsgOptionAttachments(att),
			slack.MsgOptionUsername(s.username),
		)
		if err != nil {
			return DeliveryResult{}, fmt.Errorf("slack send: %w", err)
		}
		return DeliveryResult{Channel: models.ChannelSlack, Delivered: 1, ProviderID: ch + "/" + ts}, nil
	}
	if s.webhookURL == "" {
		return skipped(models.ChannelSlack, "slack not configured"), nil
	}
	err := slack.PostWebhookContext(ctx, s.webhookURL, &slack.WebhookMessage{
		Channel:     s.channel,
		Username:    s.username,
		IconEmoji:   slackEmoji(msg.Severity),
		Text:        text,
		Attachments: []slack.Attachment{att},
	})
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("slack webhook: %w", err)
	}
	return DeliveryResult{Channel: models.ChannelSlack, Delivered: 1}, nil
}

func slackAttachment(msg Message) slack.Attachment {
	fields := []slack.AttachmentField{
		{Title: "Unit", Value: msg.UnitName, Short: true},
		{Title: "Severity", Value: string(msg.Severity), Short: true},
	}
	if msg.Value != nil {
		fields = append(fields, slack.AttachmentField{Title: "Value", Value: fmt.Sprintf("%.2f", *msg.Value), Short: true})
	}
	if msg.Threshold != nil {
		fields = append(fields, slack.AttachmentField{Title: "Threshold", Value: fmt.Sprintf("%.2f", *msg.Threshold), Short: true})
	}
	if msg.Kind == KindEscalation {
		fields = append(fields, slack.AttachmentField{Title: "Escalation", Value: strconv.Itoa(msg.Level), Short: true})
	}
	color := severityColor(msg.Severity)
	if msg.Kind == KindResolved {
		color = "#36a64f"
	}
	return slack.Attachment{
		Color:  color,
		Title:  msg.Subject(),
		Text:   msg.Body,
		Fields: fields,
		Footer: "ColdEye",
		Ts:     jsonNumber(msg.Timestamp),
	}
}

func jsonNumber(t time.Time) json.Number {
	return json.Number(strconv.FormatInt(t.Unix(), 10))
}

func mentions(recipients []models.Contact) string {
	var ids []string
	for _, c := range recipients {
		if c.SlackID != "" {
			ids = append(ids, "<@"+c.SlackID+">")
		}
	}
	return strings.Join(ids, " ")
}

func slackEmoji(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return ":red_circle:"
	case models.SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}
