// Package session manages remote automation sessions: the W3C-style wire
// protocol, the per-session state machine, and health monitoring.
package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client handles HTTP communication with the automation server.
type Client struct {
	serverURL string
	basePath  string
	client    *http.Client
}

// NewClient creates a client for one automation server.
// basePath is prepended to every route (e.g. "/wd/hub", often empty).
func NewClient(serverURL, basePath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		serverURL: strings.TrimSuffix(serverURL, "/"),
		basePath:  strings.TrimSuffix(basePath, "/"),
		client:    &http.Client{Timeout: timeout},
	}
}

// CreateResponse is the parsed result of a session-creation call.
type CreateResponse struct {
	SessionID    string
	Capabilities map[string]interface{}
}

// Health is the outcome of one health probe.
type Health struct {
	Healthy bool
	Reason  string
}

// Create issues the session-creation call and returns the remote session id.
func (c *Client) Create(ctx context.Context, caps map[string]interface{}) (*CreateResponse, error) {
	body := map[string]interface{}{
		"capabilities": map[string]interface{}{
			"firstMatch":  []interface{}{caps},
			"alwaysMatch": map[string]interface{}{},
		},
	}

	status, respBody, err := c.request(ctx, http.MethodPost, "/session", body)
	if err != nil {
		return nil, &CreationError{ServerURL: c.serverURL, Cause: err}
	}
	if status < 200 || status >= 300 {
		return nil, &CreationError{ServerURL: c.serverURL, Message: fmt.Sprintf("status %d: %s", status, strings.TrimSpace(string(respBody)))}
	}

	var parsed struct {
		SessionID    string                 `json:"sessionId"`
		Capabilities map[string]interface{} `json:"capabilities"`
		Value        struct {
			SessionID    string                 `json:"sessionId"`
			Capabilities map[string]interface{} `json:"capabilities"`
		} `json:"value"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &CreationError{ServerURL: c.serverURL, Message: "invalid session response", Cause: err}
	}

	resp := &CreateResponse{SessionID: parsed.SessionID, Capabilities: parsed.Capabilities}
	if resp.SessionID == "" {
		// W3C servers wrap the payload in "value"
		resp.SessionID = parsed.Value.SessionID
		resp.Capabilities = parsed.Value.Capabilities
	}
	if resp.SessionID == "" {
		return nil, &CreationError{ServerURL: c.serverURL, Message: "no session id in response"}
	}
	return resp, nil
}

// Delete issues the teardown call. A 404 means the remote session is
// already gone and is treated as success.
func (c *Client) Delete(ctx context.Context, remoteID string) error {
	status, respBody, err := c.request(ctx, http.MethodDelete, "/session/"+remoteID, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return nil
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Check probes the remote session. It never returns an error; failures
// are folded into the Health reason so pool-wide sweeps can aggregate them.
func (c *Client) Check(ctx context.Context, remoteID string) Health {
	status, respBody, err := c.request(ctx, http.MethodGet, "/session/"+remoteID, nil)
	if err != nil {
		return Health{Reason: fmt.Sprintf("health request failed: %v", err)}
	}
	switch {
	case status >= 200 && status < 300:
		return Health{Healthy: true}
	case status == http.StatusNotFound:
		return Health{Reason: "remote session not found"}
	default:
		return Health{Reason: fmt.Sprintf("status %d: %s", status, strings.TrimSpace(string(respBody)))}
	}
}

// Screenshot captures the current screen as PNG bytes.
func (c *Client) Screenshot(ctx context.Context, remoteID string) ([]byte, error) {
	status, respBody, err := c.request(ctx, http.MethodGet, "/session/"+remoteID+"/screenshot", nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("screenshot failed: status %d", status)
	}
	var parsed struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("invalid screenshot response: %w", err)
	}
	return base64.StdEncoding.DecodeString(parsed.Value)
}

// ServerURL returns the server this client talks to.
func (c *Client) ServerURL() string { return c.serverURL }

func (c *Client) request(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	url := c.serverURL + c.basePath + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}
