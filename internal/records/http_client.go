package records

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/wolfman30/shiftcascade/pkg/logging"
)

// Config configures the HTTP-backed records client, following the same
// sane-defaults-with-override shape as this codebase's other REST
// clients.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	MaxRetries int
	Backoff    time.Duration
	Logger     *logging.Logger
}

// Client is the HTTP implementation of Facade's four interfaces.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *logging.Logger
}

// New builds a Client, applying the defaults the rest of this codebase's
// REST clients use (10s timeout, 3 retries, 250ms base backoff).
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("records: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("records: APIKey is required")
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

	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
	}, nil
}

// NewFacade wraps a single HTTP Client in a Facade so callers depend on
// the four narrow interfaces rather than the concrete client.
func NewFacade(cfg Config) (*Facade, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return &Facade{Occurrences: c, Staff: c, Providers: c, CallLogs: c}, nil
}

type apiError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("records: api error (status=%d): %s", e.StatusCode, e.Message)
}

// invoke issues req with exponential backoff on 429/5xx/network errors,
// the same retry shape the messaging carrier client uses.
func (c *Client) invoke(ctx context.Context, method, path string, headers map[string]string, body, out any) (int, error) {
	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("records: marshal request: %w", err)
		}
		bodyBytes = b
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * c.backoff
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return 0, fmt.Errorf("records: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("records: request failed: %w", err)
			continue
		}

		status, retryable, decodeErr := c.handleResponse(resp, out)
		if decodeErr == nil {
			return status, nil
		}
		if !retryable {
			return status, decodeErr
		}
		lastErr = decodeErr
	}
	return 0, lastErr
}

func (c *Client) handleResponse(resp *http.Response, out any) (int, bool, error) {
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return resp.StatusCode, false, ErrVersionConflict
	}
	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, false, ErrNotFound
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		raw, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, true, &apiError{StatusCode: resp.StatusCode, Message: string(raw)}
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, false, &apiError{StatusCode: resp.StatusCode, Message: string(raw)}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, false, fmt.Errorf("records: decode response: %w", err)
	}
	return resp.StatusCode, false, nil
}

func ifMatchHeader(version string) map[string]string {
	return map[string]string{"If-Match": version}
}
