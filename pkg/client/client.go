package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fleetmon/fleetd/pkg/security"
	"github.com/fleetmon/fleetd/pkg/types"
)

// Config holds client configuration. APIKey authenticates agent calls;
// PayloadKey, when set, seals agent bodies in the wire envelope.
type Config struct {
	BaseURL    string
	APIKey     string
	PayloadKey []byte

	// InsecureSkipVerify disables TLS verification for self-signed lab
	// deployments; never set it against production.
	InsecureSkipVerify bool

	Timeout time.Duration
}

// Client talks to a fleetd node over HTTPS. It serves both agents
// (report/poll/ack) and the CLI (dashboard queries after Login).
type Client struct {
	baseURL    string
	apiKey     string
	payloadKey []byte
	httpClient *http.Client

	sessionCookie *http.Cookie
	csrfToken     string
}

// APIError is a non-2xx response decoded from the server's error body.
type APIError struct {
	StatusCode int
	Kind       string
	RequestID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (%s, request %s)", e.StatusCode, e.Kind, e.RequestID)
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		payloadKey: cfg.PayloadKey,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// Report sends one telemetry sample and returns any commands delivered on
// the same round trip.
func (c *Client) Report(ctx context.Context, machineID string, info, metrics map[string]any) ([]types.Command, error) {
	body := map[string]any{
		"machine_id": machineID,
		"info":       info,
		"metrics":    metrics,
	}
	var out struct {
		Commands []types.Command `json:"commands"`
	}
	if err := c.agentPost(ctx, "/api/fleet/report", body, &out); err != nil {
		return nil, err
	}
	return out.Commands, nil
}

// PollCommands fetches pending commands without reporting telemetry.
func (c *Client) PollCommands(ctx context.Context, machineID string) ([]types.Command, error) {
	var out struct {
		Commands []types.Command `json:"commands"`
	}
	err := c.do(ctx, http.MethodGet, "/api/fleet/commands/"+url.PathEscape(machineID), nil, c.agentHeaders(), &out)
	if err != nil {
		return nil, err
	}
	return out.Commands, nil
}

// Ack reports a command's execution result.
func (c *Client) Ack(ctx context.Context, machineID, commandID string, result map[string]any) error {
	body := map[string]any{
		"command_id": commandID,
		"result":     result,
	}
	return c.agentPost(ctx, "/api/fleet/command/"+url.PathEscape(machineID)+"/ack", body, nil)
}

// SendWidgetLogs forwards display-widget log lines.
func (c *Client) SendWidgetLogs(ctx context.Context, entries []types.WidgetLogEntry) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.agentPost(ctx, "/api/fleet/widget-logs", map[string]any{"entries": entries}, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Login authenticates a dashboard user and retains the session cookie and
// CSRF token for subsequent calls.
func (c *Client) Login(ctx context.Context, username, password string) error {
	data, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp.StatusCode, raw)
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == "session" {
			c.sessionCookie = cookie
		}
	}
	var body struct {
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("malformed login response: %w", err)
	}
	if c.sessionCookie == nil || body.CSRFToken == "" {
		return fmt.Errorf("login response missing session material")
	}
	c.csrfToken = body.CSRFToken
	return nil
}

// Logout revokes the session.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/logout", nil, c.dashboardHeaders(true), nil)
	c.sessionCookie = nil
	c.csrfToken = ""
	return err
}

// Machines lists all machine snapshots.
func (c *Client) Machines(ctx context.Context) ([]types.Machine, error) {
	var out struct {
		Machines []types.Machine `json:"machines"`
	}
	err := c.do(ctx, http.MethodGet, "/api/fleet/machines", nil, c.dashboardHeaders(false), &out)
	if err != nil {
		return nil, err
	}
	return out.Machines, nil
}

// Machine fetches one machine snapshot.
func (c *Client) Machine(ctx context.Context, machineID string) (*types.Machine, error) {
	var out struct {
		Machine *types.Machine `json:"machine"`
	}
	err := c.do(ctx, http.MethodGet, "/api/fleet/machine/"+url.PathEscape(machineID), nil, c.dashboardHeaders(false), &out)
	if err != nil {
		return nil, err
	}
	return out.Machine, nil
}

// Summary fetches the fleet overview.
func (c *Client) Summary(ctx context.Context) (*types.Summary, error) {
	var out types.Summary
	err := c.do(ctx, http.MethodGet, "/api/fleet/summary", nil, c.dashboardHeaders(false), &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// History fetches a machine's metric history, optionally after since.
func (c *Client) History(ctx context.Context, machineID string, since time.Time) ([]types.HistoryEntry, error) {
	path := "/api/fleet/history/" + url.PathEscape(machineID)
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var out struct {
		Entries []types.HistoryEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, c.dashboardHeaders(false), &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// EnqueueCommand dispatches a command to a machine.
func (c *Client) EnqueueCommand(ctx context.Context, machineID, action string, params map[string]any) (string, error) {
	body := map[string]any{
		"machine_id": machineID,
		"action":     action,
		"params":     params,
	}
	var out struct {
		CommandID string `json:"command_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/fleet/command", body, c.dashboardHeaders(true), &out); err != nil {
		return "", err
	}
	return out.CommandID, nil
}

// ClusterStatus fetches this node's view of cluster membership.
func (c *Client) ClusterStatus(ctx context.Context) (nodeID, backend string, nodes []types.NodeSnapshot, err error) {
	var out struct {
		NodeID  string               `json:"node_id"`
		Backend string               `json:"backend"`
		Nodes   []types.NodeSnapshot `json:"nodes"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/fleet/cluster/status", nil, c.dashboardHeaders(false), &out); err != nil {
		return "", "", nil, err
	}
	return out.NodeID, out.Backend, out.Nodes, nil
}

// CreateUser provisions a dashboard account; the session must be an admin.
func (c *Client) CreateUser(ctx context.Context, username, password string, role types.Role) error {
	body := map[string]any{
		"username": username,
		"password": password,
		"role":     role,
	}
	return c.do(ctx, http.MethodPost, "/api/fleet/users", body, c.dashboardHeaders(true), nil)
}

// agentPost marshals body, seals it when a payload key is configured, and
// posts it with the API key.
func (c *Client) agentPost(ctx context.Context, path string, body, out any) error {
	payload := body
	if len(c.payloadKey) > 0 {
		plain, err := json.Marshal(body)
		if err != nil {
			return err
		}
		env, err := security.EncryptPayload(c.payloadKey, plain)
		if err != nil {
			return fmt.Errorf("failed to seal payload: %w", err)
		}
		payload = env
	}
	return c.do(ctx, http.MethodPost, path, payload, c.agentHeaders(), out)
}

func (c *Client) agentHeaders() map[string]string {
	return map[string]string{"X-API-Key": c.apiKey}
}

func (c *Client) dashboardHeaders(mutating bool) map[string]string {
	headers := map[string]string{}
	if mutating && c.csrfToken != "" {
		headers["X-CSRF-Token"] = c.csrfToken
	}
	return headers
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.sessionCookie != nil {
		req.AddCookie(c.sessionCookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, raw []byte) error {
	var body struct {
		Error     string `json:"error"`
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(raw, &body)
	if body.Error == "" {
		body.Error = "unknown"
	}
	return &APIError{StatusCode: status, Kind: body.Error, RequestID: body.RequestID}
}
