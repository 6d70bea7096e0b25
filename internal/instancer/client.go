// Package instancer wraps the remote challenge-instance backend. The
// backend is an external, globally shared service; everything here is a
// thin boundary client — orchestration policy lives in the service layer.
package instancer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the backend reports 404 for an instance.
// This is not a failure: it means "never started" and the caller maps it
// to a rest status.
var ErrNotFound = errors.New("instance not found")

// BackendError is any non-success, non-404 backend response. Retry is
// always safe; callers surface the message and keep their cached state.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("instance backend: %s (HTTP %d)", e.Message, e.StatusCode)
}

// StatusInfo is the backend's view of one instance.
type StatusInfo struct {
	Status         string     `json:"status"`
	IP             string     `json:"ip"`
	InstanceID     string     `json:"instance_id"`
	ExpirationTime *time.Time `json:"expiration_time,omitempty"`
}

// Client is the boundary contract to the instance backend. The concrete
// implementation is HTTP; tests substitute fakes.
type Client interface {
	// Start provisions an ephemeral instance from a template for one
	// candidate's question. The backend may answer 202 and finish
	// asynchronously; observe progress via Status.
	Start(ctx context.Context, questionID uuid.UUID, candidateID int, templateID string, duration time.Duration) error
	Stop(ctx context.Context, questionID uuid.UUID, candidateID int) error
	Restart(ctx context.Context, questionID uuid.UUID, candidateID int) error
	Status(ctx context.Context, questionID uuid.UUID, candidateID int) (*StatusInfo, error)

	// MachineStatus looks up a pre-provisioned, platform-managed machine.
	// Read-only by contract.
	MachineStatus(ctx context.Context, machineID string) (*StatusInfo, error)
}

// HTTPClient talks to the instance backend over its REST API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates an HTTP instance backend client.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type startRequest struct {
	TemplateID      string `json:"template_id"`
	DurationMinutes int    `json:"duration_minutes"`
}

// Start implements Client.
func (c *HTTPClient) Start(ctx context.Context, questionID uuid.UUID, candidateID int, templateID string, duration time.Duration) error {
	body, _ := json.Marshal(startRequest{
		TemplateID:      templateID,
		DurationMinutes: int(duration.Minutes()),
	})
	url := fmt.Sprintf("%s/api/v1/instances/%s/%d/start", c.baseURL, questionID, candidateID)
	return c.do(ctx, http.MethodPost, url, body, nil)
}

// Stop implements Client.
func (c *HTTPClient) Stop(ctx context.Context, questionID uuid.UUID, candidateID int) error {
	url := fmt.Sprintf("%s/api/v1/instances/%s/%d/stop", c.baseURL, questionID, candidateID)
	return c.do(ctx, http.MethodPost, url, nil, nil)
}

// Restart implements Client.
func (c *HTTPClient) Restart(ctx context.Context, questionID uuid.UUID, candidateID int) error {
	url := fmt.Sprintf("%s/api/v1/instances/%s/%d/restart", c.baseURL, questionID, candidateID)
	return c.do(ctx, http.MethodPost, url, nil, nil)
}

// Status implements Client.
func (c *HTTPClient) Status(ctx context.Context, questionID uuid.UUID, candidateID int) (*StatusInfo, error) {
	url := fmt.Sprintf("%s/api/v1/instances/%s/%d", c.baseURL, questionID, candidateID)
	var info StatusInfo
	if err := c.do(ctx, http.MethodGet, url, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// MachineStatus implements Client.
func (c *HTTPClient) MachineStatus(ctx context.Context, machineID string) (*StatusInfo, error) {
	url := fmt.Sprintf("%s/api/v1/machines/%s", c.baseURL, machineID)
	var info StatusInfo
	if err := c.do(ctx, http.MethodGet, url, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &BackendError{StatusCode: 0, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		msg := readErrorMessage(resp.Body)
		return &BackendError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &BackendError{StatusCode: resp.StatusCode, Message: "malformed response: " + err.Error()}
		}
	}
	return nil
}

// readErrorMessage extracts a message from an error body, tolerating both
// {"message": "..."} and plain-text responses.
func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "request failed"
	}
	var parsed struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &parsed) == nil && parsed.Message != "" {
		return parsed.Message
	}
	return string(raw)
}
