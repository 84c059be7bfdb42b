package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/coldeye/internal/models"
)

// AlertFilter narrows ListAlerts. Zero values are not sent.
type AlertFilter struct {
	Status models.AlertStatus
	UnitID uint
	Active bool
	Limit  int
}

// Computed is the latest evaluation cycle's view.
type Computed struct {
	Alerts      []models.ComputedAlert `json:"alerts"`
	Summary     models.AlertSummary    `json:"summary"`
	EvaluatedAt time.Time              `json:"evaluated_at"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient builds a client from COLDEYE_API_URL and COLDEYE_TOKEN.
func NewClient() (*Client, error) {
	baseURL := os.Getenv("COLDEYE_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	token := os.Getenv("COLDEYE_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("COLDEYE_TOKEN environment variable is not set")
	}
	return New(baseURL, token, nil), nil
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, token: token, httpClient: httpClient}
}

func (c *Client) ListUnits(siteID uint, status string) ([]models.Unit, error) {
	query := url.Values{}
	if siteID > 0 {
		query.Set("site_id", fmt.Sprint(siteID))
	}
	if status != "" {
		query.Set("status", status)
	}
	var units []models.Unit
	if err := c.get("/api/v1/units", query, &units); err != nil {
		return nil, err
	}
	return units, nil
}

func (c *Client) GetUnit(id uint) (*models.Unit, error) {
	var unit models.Unit
	if err := c.get(fmt.Sprintf("/api/v1/units/%d", id), nil, &unit); err != nil {
		return nil, err
	}
	return &unit, nil
}

func (c *Client) Readings(unitID uint, from, to *time.Time, limit int) ([]models.Reading, error) {
	query := url.Values{}
	if from != nil {
		query.Set("start", from.Format(time.RFC3339))
	}
	if to != nil {
		query.Set("end", to.Format(time.RFC3339))
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	var readings []models.Reading
	if err := c.get(fmt.Sprintf("/api/v1/units/%d/readings", unitID), query, &readings); err != nil {
		return nil, err
	}
	return readings, nil
}

func (c *Client) LogManual(unitID uint, temperature float64, notes string) (*models.ManualLog, error) {
	body := map[string]interface{}{"temperature": temperature, "notes": notes}
	var log models.ManualLog
	if err := c.send(http.MethodPost, fmt.Sprintf("/api/v1/units/%d/manual-logs", unitID), body, &log); err != nil {
		return nil, err
	}
	return &log, nil
}

func (c *Client) ListAlerts(f AlertFilter) ([]models.Alert, error) {
	query := url.Values{}
	if f.Status != "" {
		query.Set("status", string(f.Status))
	}
	if f.UnitID > 0 {
		query.Set("unit_id", fmt.Sprint(f.UnitID))
	}
	if f.Active {
		query.Set("active", "true")
	}
	if f.Limit > 0 {
		query.Set("limit", fmt.Sprint(f.Limit))
	}

	var alerts []models.Alert
	if err := c.get("/api/v1/alerts", query, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

func (c *Client) Computed() (*Computed, error) {
	var out Computed
	if err := c.get("/api/v1/alerts/computed", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AcknowledgeAlert(id uint) (*models.Alert, error) {
	var a models.Alert
	if err := c.send(http.MethodPut, fmt.Sprintf("/api/v1/alerts/%d/acknowledge", id), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) ResolveAlert(id uint) (*models.Alert, error) {
	var a models.Alert
	if err := c.send(http.MethodPut, fmt.Sprintf("/api/v1/alerts/%d/resolve", id), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) Notices(all bool) ([]models.Notice, error) {
	query := url.Values{}
	if all {
		query.Set("all", "true")
	}
	var notices []models.Notice
	if err := c.get("/api/v1/notices", query, &notices); err != nil {
		return nil, err
	}
	return notices, nil
}

func (c *Client) DismissNotice(id uint) error {
	return c.send(http.MethodPut, fmt.Sprintf("/api/v1/notices/%d/dismiss", id), nil, nil)
}

// ImportConfig uploads a YAML or JSON bundle.
func (c *Client) ImportConfig(bundle []byte) error {
	resp, err := c.doRequest(http.MethodPut, "/api/v1/config/import", nil, bytes.NewReader(bundle), "application/yaml")
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// ExportConfig writes the current bundle as YAML to w.
func (c *Client) ExportConfig(w io.Writer) error {
	query := url.Values{"format": {"yaml"}}
	resp, err := c.doRequest(http.MethodGet, "/api/v1/config/export", query, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *Client) EnableChannel(policyKey string, ch models.Channel) error {
	body := map[string]string{"policy_key": policyKey, "channel": string(ch)}
	return c.send(http.MethodPut, "/api/v1/config/channels/enable", body, nil)
}

// CreateIngestKey returns the plaintext key; it is not retrievable later.
func (c *Client) CreateIngestKey(name string) (string, error) {
	var out struct {
		Key string `json:"key"`
	}
	if err := c.send(http.MethodPost, "/api/v1/admin/ingest-keys", map[string]string{"name": name}, &out); err != nil {
		return "", err
	}
	return out.Key, nil
}

func (c *Client) get(endpoint string, query url.Values, v interface{}) error {
	resp, err := c.doRequest(http.MethodGet, endpoint, query, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) send(method, endpoint string, data, v interface{}) error {
	var body io.Reader
	contentType := ""
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(jsonData)
		contentType = "application/json"
	}

	resp, err := c.doRequest(method, endpoint, nil, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

func (c *Client) doRequest(method, endpoint string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = path.Join(u.Path, endpoint)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequest(method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
			return nil, &APIError{Status: resp.StatusCode, Message: errResp.Error}
		}
		return nil, &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	return resp, nil
}

type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}
