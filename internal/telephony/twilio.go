package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/callagent/internal/reliability"
)

const defaultTwilioAPIBaseURL = "https://api.twilio.com"

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	APIBaseURL string
	MaxRetries int
	Timeout    time.Duration
}

// APIError is a non-2xx answer from the Twilio REST API.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("twilio: status %d", e.StatusCode)
	}
	return fmt.Sprintf("twilio: status %d code %d: %s", e.StatusCode, e.Code, e.Message)
}

// TwilioClient covers the two REST calls the agent makes mid-call: updating a
// live call's TwiML and sending a WhatsApp message.
type TwilioClient struct {
	cfg  TwilioConfig
	http *http.Client
}

func NewTwilioClient(cfg TwilioConfig) *TwilioClient {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = defaultTwilioAPIBaseURL
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &TwilioClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (c *TwilioClient) Configured() bool {
	return c != nil && c.cfg.AccountSID != "" && c.cfg.AuthToken != ""
}

// UpdateCallTwiML replaces the instructions of an in-progress call.
func (c *TwilioClient) UpdateCallTwiML(ctx context.Context, callSID, twiml string) error {
	if strings.TrimSpace(callSID) == "" {
		return errors.New("call sid is required")
	}
	form := url.Values{"Twiml": {twiml}}
	return c.post(ctx, "/Calls/"+url.PathEscape(callSID)+".json", form, nil)
}

// SendMessage sends a text message and returns its SID. WhatsApp addresses
// use the "whatsapp:" prefix on both ends.
func (c *TwilioClient) SendMessage(ctx context.Context, from, to, body string) (string, error) {
	var out struct {
		SID string `json:"sid"`
	}
	form := url.Values{"From": {from}, "To": {to}, "Body": {body}}
	if err := c.post(ctx, "/Messages.json", form, &out); err != nil {
		return "", err
	}
	return out.SID, nil
}

func (c *TwilioClient) post(ctx context.Context, path string, form url.Values, out any) error {
	if !c.Configured() {
		return errors.New("twilio credentials are not configured")
	}
	endpoint := strings.TrimRight(c.cfg.APIBaseURL, "/") + "/2010-04-01/Accounts/" + url.PathEscape(c.cfg.AccountSID) + path
	body := form.Encode()

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt-1, 200*time.Millisecond, 2*time.Second)):
			}
		}
		err := c.once(ctx, endpoint, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		var apiErr *APIError
		if ctx.Err() != nil || (errors.As(err, &apiErr) && !reliability.IsRetryableHTTPStatus(apiErr.StatusCode)) {
			return err
		}
	}
	return lastErr
}

func (c *TwilioClient) once(ctx context.Context, endpoint, body string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read twilio response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode twilio response: %w", err)
	}
	return nil
}
