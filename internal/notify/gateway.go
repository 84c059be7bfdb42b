package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coldeye/internal/models"
	"github.com/go-resty/resty/v2"
)

// GatewaySender delivers sms and push notifications through an HTTP provider
// gateway that accepts a JSON batch and answers with an optional message id.
type GatewaySender struct {
	channel models.Channel
	url     string
	apiKey  string
	from    string
	client  *resty.Client
}

func NewSMSSender(url, apiKey, from string, client *http.Client) *GatewaySender {
	return newGateway(models.ChannelSMS, url, apiKey, from, client)
}

func NewPushSender(url, apiKey string, client *http.Client) *GatewaySender {
	return newGateway(models.ChannelPush, url, apiKey, "", client)
}

func newGateway(ch models.Channel, url, apiKey, from string, client *http.Client) *GatewaySender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &GatewaySender{channel: ch, url: url, apiKey: apiKey, from: from, client: newRestClient(client)}
}

func (s *GatewaySender) Channel() models.Channel { return s.channel }

type smsRequest struct {
	From string   `json:"from,omitempty"`
	To   []string `json:"to"`
	Text string   `json:"text"`
}

type pushRequest struct {
	Tokens []string          `json:"tokens"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data"`
}

type gatewayResponse struct {
	ID string `json:"id"`
}

func (s *GatewaySender) Send(ctx context.Context, recipients []models.Contact, msg Message) (DeliveryResult, error) {
	if s.url == "" {
		return skipped(s.channel, "gateway url not configured"), nil
	}

	var (
		payload interface{}
		targets []string
	)
	switch s.channel {
	case models.ChannelSMS:
		for _, c := range recipients {
			if c.Phone != "" {
				targets = append(targets, c.Phone)
			}
		}
		payload = smsRequest{From: s.from, To: targets, Text: msg.Subject() + "\n" + msg.Body}
	default:
		for _, c := range recipients {
			if c.PushToken != "" {
				targets = append(targets, c.PushToken)
			}
		}
		payload = pushRequest{
			Tokens: targets,
			Title:  msg.Subject(),
			Body:   msg.Body,
			Data: map[string]string{
				"alert_id": fmt.Sprint(msg.AlertID),
				"unit_id":  fmt.Sprint(msg.UnitID),
				"kind":     string(msg.Kind),
			},
		}
	}
	if len(targets) == 0 {
		return skipped(s.channel, "no reachable recipients"), nil
	}

	req := s.client.R().
		SetContext(ctx).
		SetBody(payload)
	if s.apiKey != "" {
		req.SetAuthToken(s.apiKey)
	}
	resp, err := req.Post(s.url)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("%s send: %w", s.channel, err)
	}
	if !resp.IsSuccess() {
		return DeliveryResult{}, fmt.Errorf("%s gateway returned %d: %s", s.channel, resp.StatusCode(), truncate(resp.Body(), 4096))
	}
	var gr gatewayResponse
	_ = json.Unmarshal(resp.Body(), &gr)
	return DeliveryResult{Channel: s.channel, Delivered: len(targets), ProviderID: gr.ID}, nil
}

// newRestClient wraps hc without retries; the dispatcher owns retry timing.
func newRestClient(hc *http.Client) *resty.Client {
	return resty.NewWithClient(hc).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
