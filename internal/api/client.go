// Package api is a stateless client for the assistant backend's HTTP
// surface. Each method is a single request/response exchange; retry
// policy, if any, belongs to the caller's transport.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"halo/internal/domain"
	"halo/internal/dynval"
)

// ErrInvalidBaseURL is returned when the configured endpoint cannot be
// parsed into an absolute URL.
var ErrInvalidBaseURL = errors.New("api: invalid base URL")

// APIError wraps non-2xx responses. Body is the raw response text,
// surfaced verbatim for diagnostics.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Client talks to one backend endpoint.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// SubmitCommand sends a raw command, optionally with clarification
// answers, and returns the resulting card.
func (c *Client) SubmitCommand(ctx context.Context, req domain.CommandRequest) (domain.Card, error) {
	var resp domain.Card
	err := c.do(ctx, http.MethodPost, "v1/command", req, &resp)
	return resp, err
}

// ModifyDraft applies a modification payload to a draft.
func (c *Client) ModifyDraft(ctx context.Context, draftID string, modifications map[string]dynval.Value) (domain.Card, error) {
	req := domain.DraftModifyRequest{DraftID: draftID, Modifications: modifications}
	var resp domain.Card
	err := c.do(ctx, http.MethodPost, "v1/draft/modify", req, &resp)
	return resp, err
}

// ConfirmDraft confirms a draft for execution.
func (c *Client) ConfirmDraft(ctx context.Context, draftID, userID string) (domain.Card, error) {
	req := domain.DraftConfirmRequest{DraftID: draftID, UserID: userID}
	var resp domain.Card
	err := c.do(ctx, http.MethodPost, "v1/draft/confirm", req, &resp)
	return resp, err
}

// GetDraft refetches a draft card by id, used during thread rehydration.
func (c *Client) GetDraft(ctx context.Context, draftID string) (domain.Card, error) {
	var resp domain.Card
	err := c.do(ctx, http.MethodGet, "v1/draft/"+url.PathEscape(draftID), nil, &resp)
	return resp, err
}

// ListExecutions lists executions for a household, most recent first.
func (c *Client) ListExecutions(ctx context.Context, householdID string) ([]domain.ExecutionListItem, error) {
	endpoint := "v1/executions?household_id=" + url.QueryEscape(householdID)
	var resp []domain.ExecutionListItem
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetExecution fetches the full record of one execution.
func (c *Client) GetExecution(ctx context.Context, executionID string) (domain.ExecutionDetail, error) {
	var resp domain.ExecutionDetail
	err := c.do(ctx, http.MethodGet, "v1/executions/"+url.PathEscape(executionID), nil, &resp)
	return resp, err
}

// GetReceipts fetches the receipts of an execution in creation order.
func (c *Client) GetReceipts(ctx context.Context, executionID string) ([]domain.Receipt, error) {
	var resp []domain.Receipt
	err := c.do(ctx, http.MethodGet, "v1/receipts/"+url.PathEscape(executionID), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	base := strings.TrimRight(c.BaseURL, "/")
	parsed, err := url.Parse(base)
	if err != nil || !parsed.IsAbs() {
		return fmt.Errorf("%w: %q", ErrInvalidBaseURL, c.BaseURL)
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, base+"/"+strings.TrimLeft(endpoint, "/"), &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
