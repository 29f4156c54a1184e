package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/wolfman30/shiftcascade/pkg/logging"
)

// Config configures Client, matching the defaults-with-overrides shape
// this codebase's other REST clients use.
type Config struct {
	BaseURL     string
	AuthToken   string
	FromNumber  string
	HTTPClient  *http.Client
	MaxRetries  int
	Backoff     time.Duration
	Logger      *logging.Logger
}

// Client sends SMS and originates outbound calls against the carrier's
// REST API.
type Client struct {
	baseURL    string
	authToken  string
	fromNumber string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *logging.Logger
}

// New builds a Client.
func New(cfg Config) (*Client, error) {
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("carrier: AuthToken is required")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("carrier: FromNumber is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}

	return &Client{
		baseURL:    baseURL,
		authToken:  cfg.AuthToken,
		fromNumber: cfg.FromNumber,
		httpClient: httpClient,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
	}, nil
}

// SMSResult is the carrier's response to a send.
type SMSResult struct {
	MessageSID string `json:"sid"`
	Status     string `json:"status"`
}

// SendSMS sends a single text message to a number already in E.164 form.
func (c *Client) SendSMS(ctx context.Context, toNumber, body string) (*SMSResult, error) {
	form := url.Values{"To": {toNumber}, "From": {c.fromNumber}, "Body": {body}}
	var out SMSResult
	if err := c.invokeForm(ctx, "/Messages", form, &out); err != nil {
		return nil, fmt.Errorf("carrier: send sms: %w", err)
	}
	return &out, nil
}

// CallResult is the carrier's response to an originate request.
type CallResult struct {
	CallSID string `json:"sid"`
	Status  string `json:"status"`
}

// OriginateCall places an outbound call that, once answered, requests
// TwiML from answerURL.
func (c *Client) OriginateCall(ctx context.Context, toNumber, answerURL, statusCallbackURL string) (*CallResult, error) {
	form := url.Values{
		"To":                  {toNumber},
		"From":                {c.fromNumber},
		"Url":                 {answerURL},
		"StatusCallback":      {statusCallbackURL},
		"StatusCallbackEvent": {"completed"},
	}
	var out CallResult
	if err := c.invokeForm(ctx, "/Calls", form, &out); err != nil {
		return nil, fmt.Errorf("carrier: originate call: %w", err)
	}
	return &out, nil
}

// UpdateCall redirects a live call to new TwiML (used for mid-call
// transfer and final disposition updates).
func (c *Client) UpdateCall(ctx context.Context, callSID, redirectURL string) error {
	form := url.Values{"Url": {redirectURL}, "Method": {"POST"}}
	if err := c.invokeForm(ctx, "/Calls/"+callSID, form, nil); err != nil {
		return fmt.Errorf("carrier: update call: %w", err)
	}
	return nil
}

type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("carrier: api error (status=%d): %s", e.StatusCode, e.Message)
}

func (c *Client) invokeForm(ctx context.Context, path string, form url.Values, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * c.backoff
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader([]byte(form.Encode())))
		if err != nil {
			return fmt.Errorf("carrier: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(c.authToken, "")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("carrier: request failed: %w", err)
			continue
		}

		retryable, decodeErr := c.handleResponse(resp, out)
		if decodeErr == nil {
			return nil
		}
		if !retryable {
			return decodeErr
		}
		lastErr = decodeErr
	}
	return lastErr
}

func (c *Client) handleResponse(resp *http.Response, out any) (bool, error) {
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		raw, _ := io.ReadAll(resp.Body)
		return true, &apiError{StatusCode: resp.StatusCode, Message: string(raw)}
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return false, &apiError{StatusCode: resp.StatusCode, Message: string(raw)}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("carrier: decode response: %w", err)
	}
	return false, nil
}
