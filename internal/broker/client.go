package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kartverket/altinn3-file-transfer-proxy/internal/models"
)

// HTTPError is a non-2xx answer from the broker or events API
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// TokenSource supplies the bearer token for broker calls
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// Client talks to the Altinn broker and events APIs.
// Every call is a single attempt; transient failures come back as
// models.RetryableError for the caller's retry policy.
type Client struct {
	brokerURL  string
	eventsURL  string
	tokens     TokenSource
	httpClient *http.Client
}

// NewClient creates a broker client
func NewClient(brokerURL, eventsURL string, tokens TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		brokerURL:  strings.TrimRight(strings.TrimSpace(brokerURL), "/"),
		eventsURL:  strings.TrimRight(strings.TrimSpace(eventsURL), "/"),
		tokens:     tokens,
		httpClient: httpClient,
	}
}

type request struct {
	method      string
	url         string
	contentType string
	accept      string
	body        []byte
}

func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	var bodyReader io.Reader
	if r.body != nil {
		bodyReader = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, bodyReader)
	if err != nil {
		return nil, models.NewNonRetryableError("build_request", err)
	}

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	accept := r.accept
	if accept == "" {
		accept = "application/json"
	}
	req.Header.Set("Accept", accept)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, models.NewRetryableError("network", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewRetryableError("read_body", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return payload, nil
	}
	return nil, classify(resp.StatusCode, payload)
}

func (c *Client) doJSON(ctx context.Context, method, url string, body, out any) error {
	r := request{method: method, url: url}
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return models.NewNonRetryableError("marshal_request", err)
		}
		r.body = encoded
		r.contentType = "application/json"
	}
	payload, err := c.do(ctx, r)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return models.NewNonRetryableError("decode_response", err)
	}
	return nil
}

// classify maps an HTTP status to the error taxonomy:
// 429 and 5xx are transient, other statuses are not.
func classify(status int, payload []byte) error {
	httpErr := &HTTPError{StatusCode: status, Message: errorMessage(payload)}
	reason := fmt.Sprintf("status_%d", status)
	if status == http.StatusTooManyRequests || status >= 500 {
		return models.NewRetryableError(reason, httpErr)
	}
	return models.NewNonRetryableError(reason, httpErr)
}

// errorMessage pulls a message out of a problem+json body when there is one
func errorMessage(payload []byte) string {
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(payload, &problem); err == nil {
		if problem.Detail != "" {
			return problem.Detail
		}
		if problem.Title != "" {
			return problem.Title
		}
	}
	msg := strings.TrimSpace(string(payload))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// IsNotFound reports whether err is a 404 from the broker
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}
