package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coldeye/internal/models"
	"github.com/go-resty/resty/v2"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-ColdEye-Signature"

type WebhookPayload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      WebhookData `json:"data"`
}

type WebhookData struct {
	AlertID    uint     `json:"alert_id"`
	RuleID     string   `json:"rule_id"`
	SensorID   string   `json:"sensor_id"`
	SensorName string   `json:"sensor_name"`
	Metric     string   `json:"metric"`
	Value      *float64 `json:"value"`
	Threshold  *float64 `json:"threshold"`
	Condition  string   `json:"condition"`
}

// NewWebhookPayload maps a message onto the outbound webhook schema. The
// policy key stands in for the rule id and the unit for the sensor.
func NewWebhookPayload(msg Message) WebhookPayload {
	return WebhookPayload{
		Event:     msg.Event(),
		Timestamp: msg.Timestamp.UTC(),
		Data: WebhookData{
			AlertID:    msg.AlertID,
			RuleID:     msg.PolicyKey,
			SensorID:   strconv.FormatUint(uint64(msg.UnitID), 10),
			SensorName: msg.UnitName,
			Metric:     msg.Metric,
			Value:      msg.Value,
			Threshold:  msg.Threshold,
			Condition:  msg.Condition,
		},
	}
}

type WebhookSender struct {
	URL    string
	Secret string
	client *resty.Client
}

func NewWebhookSender(url, secret string, client *http.Client) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSender{URL: url, Secret: secret, client: newRestClient(client)}
}

func (s *WebhookSender) Channel() models.Channel { return models.ChannelWebhook }

func (s *WebhookSender) Send(ctx context.Context, _ []models.Contact, msg Message) (DeliveryResult, error) {
	if s.URL == "" {
		return skipped(models.ChannelWebhook, "webhook url not configured"), nil
	}
	body, err := json.Marshal(NewWebhookPayload(msg))
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("webhook payload: %w", err)
	}
	req := s.client.R().
		SetContext(ctx).
		SetBody(body)
	if s.Secret != "" {
		req.SetHeader(SignatureHeader, Sign(s.Secret, body))
	}

	resp, err := req.Post(s.URL)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("webhook send: %w", err)
	}
	if !resp.IsSuccess() {
		return DeliveryResult{}, fmt.Errorf("webhook returned %d: %s", resp.StatusCode(), truncate(resp.Body(), 512))
	}
	return DeliveryResult{Channel: models.ChannelWebhook, Delivered: 1}, nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
