// Package agentsdk is the Go client used by agent hosts to propose and
// execute mutations through the opsgate gateway.
package agentsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"opsgate/pkg/confirm"
	"opsgate/pkg/identity"
	"opsgate/pkg/telemetry"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// AuthToken is sent as a Bearer token when the gateway runs in hmac mode.
	AuthToken string
	// Caller is sent as X-User-* headers when the gateway runs in headers mode.
	// Ignored when AuthToken is set.
	Caller *identity.CallerContext
}

// Response is the canonical gateway envelope. Exactly one of the three
// status branches is populated.
type Response struct {
	Status string `json:"status"`

	Data json.RawMessage `json:"data,omitempty"`

	Code            string            `json:"code,omitempty"`
	Message         string            `json:"message,omitempty"`
	SuggestedAction string            `json:"suggestedAction,omitempty"`
	Details         map[string]string `json:"details,omitempty"`

	ConfirmationID   string          `json:"confirmationId,omitempty"`
	ConfirmationData confirm.Pending `json:"confirmationData,omitempty"`
}

// APIError is returned when the gateway answers with status "error".
type APIError struct {
	HTTPStatus      int
	Code            string
	Message         string
	SuggestedAction string
	Details         map[string]string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (status=%d): %s", e.Code, e.HTTPStatus, e.Message)
}

type ProposeRequest struct {
	EntityID   string `json:"entityId,omitempty"`
	Notes      string `json:"notes,omitempty"`
	Reason     string `json:"reason,omitempty"`
	PaymentRef string `json:"paymentRef,omitempty"`

	UserContext *identity.CallerContext `json:"userContext,omitempty"`
}

// MutationResult is the data branch of a successful execute call.
type MutationResult struct {
	EntityID  string `json:"entityId"`
	Action    string `json:"action"`
	Deleted   bool   `json:"deleted"`
	NewStatus string `json:"newStatus,omitempty"`
	Message   string `json:"message"`
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: telemetry.InstrumentClient(&http.Client{Timeout: timeout}),
	}
}

// Propose stages a mutation. On success the returned Response has status
// "pending_confirmation" and carries the confirmation id a human must approve
// before Execute will apply the change. Gateway refusals come back as *APIError.
func (c *Client) Propose(ctx context.Context, action string, req ProposeRequest) (Response, error) {
	if req.UserContext == nil && c.AuthToken == "" {
		req.UserContext = c.Caller
	}
	return c.post(ctx, "/tools/"+action, req)
}

// Execute applies a previously confirmed mutation.
func (c *Client) Execute(ctx context.Context, action, confirmationID string, caller *identity.CallerContext) (MutationResult, error) {
	if caller == nil && c.AuthToken == "" {
		caller = c.Caller
	}
	payload := map[string]interface{}{
		"action": action,
		"data":   map[string]string{"confirmationId": confirmationID},
	}
	if caller != nil {
		payload["userContext"] = caller
	}
	resp, err := c.post(ctx, "/execute", payload)
	if err != nil {
		return MutationResult{}, err
	}
	var out MutationResult
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return MutationResult{}, fmt.Errorf("decode execute result: %w", err)
	}
	return out, nil
}

// Confirmation fetches a staged confirmation so a host UI can render it for
// human review. Expired confirmations read as not found.
func (c *Client) Confirmation(ctx context.Context, confirmationID string) (confirm.Pending, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/confirmations/"+confirmationID, nil)
	if err != nil {
		return confirm.Pending{}, err
	}
	c.applyAuth(httpReq)
	resp, err := c.do(httpReq)
	if err != nil {
		return confirm.Pending{}, err
	}
	var out confirm.Pending
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return confirm.Pending{}, fmt.Errorf("decode confirmation: %w", err)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.applyAuth(httpReq)
	return c.do(httpReq)
}

func (c *Client) do(req *http.Request) (Response, error) {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Response{}, fmt.Errorf("gateway returned status=%d body=%s", resp.StatusCode, string(respBody))
	}
	if out.Status == "error" {
		return Response{}, &APIError{
			HTTPStatus:      resp.StatusCode,
			Code:            out.Code,
			Message:         out.Message,
			SuggestedAction: out.SuggestedAction,
			Details:         out.Details,
		}
	}
	if resp.StatusCode >= 300 {
		return Response{}, fmt.Errorf("request failed status=%d body=%s", resp.StatusCode, string(respBody))
	}
	return out, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func (c *Client) applyAuth(req *http.Request) {
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.AuthToken))
		return
	}
	if c.Caller == nil {
		return
	}
	req.Header.Set("X-User-Id", c.Caller.UserID)
	req.Header.Set("X-User-Roles", strings.Join(c.Caller.Roles, ","))
	if c.Caller.Username != "" {
		req.Header.Set("X-User-Name", c.Caller.Username)
	}
	if c.Caller.Email != "" {
		req.Header.Set("X-User-Email", c.Caller.Email)
	}
	if c.Caller.DepartmentID != "" {
		req.Header.Set("X-Department-Id", c.Caller.DepartmentID)
	}
	if c.Caller.ManagerID != "" {
		req.Header.Set("X-Manager-Id", c.Caller.ManagerID)
	}
}
