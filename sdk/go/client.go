package quorumledgersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Quorum Ledger HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credential is set. Servers
	// only honour it in development mode.
	ActorID    string
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

// Task mirrors the API task model.
type Task struct {
	ID                 uint64   `json:"id"`
	Kind               string   `json:"kind"`
	Creator            string   `json:"creator"`
	DetailsURI         string   `json:"details_uri"`
	State              string   `json:"state"`
	FinalizationReason string   `json:"finalization_reason,omitempty"`
	Approvals          []string `json:"approvals"`
	Threshold          int      `json:"threshold"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at"`
	FinalizedAt        *string  `json:"finalized_at,omitempty"`
}

type RoleMembers struct {
	Role      string   `json:"role"`
	Count     int      `json:"count"`
	Threshold int      `json:"threshold"`
	Members   []string `json:"members"`
}

type LedgerInfo struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Decimals    uint8  `json:"decimals"`
	TotalSupply uint64 `json:"total_supply"`
	TaskManager string `json:"task_manager"`
	Address     string `json:"address"`
	DeployedAt  string `json:"deployed_at"`
}

type Account struct {
	Address   string `json:"address"`
	Balance   uint64 `json:"balance"`
	LockUntil int64  `json:"lock_until"`
}

type BatchTransferResult struct {
	TaskID     uint64 `json:"task_id"`
	Recipients int    `json:"recipients"`
	Total      uint64 `json:"total"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	Emitter    string         `json:"emitter"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmI struct {
	Address string   `json:"address"`
	Source  string   `json:"source"`
	Roles   []string `json:"roles"`
}

// PaginatedTasks wraps list responses with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// TaskQuery filters ListTasks.
type TaskQuery struct {
	Kind   string
	State  string
	Limit  int
	Cursor string
}

// EventQuery filters EventsPage.
type EventQuery struct {
	Type     string
	Emitter  string
	EntityID string
	Limit    int
	Cursor   string
}

// APIError wraps non-2xx responses. Code is the envelope's error code when
// the body could be decoded.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

func (c *Client) CreateTask(ctx context.Context, kind, detailsURI string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", map[string]any{"kind": kind, "details_uri": detailsURI}, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id uint64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) ListTasks(ctx context.Context, q TaskQuery) (PaginatedTasks, error) {
	v := url.Values{}
	setQuery(v, "kind", q.Kind)
	setQuery(v, "state", q.State)
	setQuery(v, "cursor", q.Cursor)
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, withQuery("tasks", v), nil, &resp)
	return resp, err
}

func (c *Client) ApproveTask(ctx context.Context, id uint64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "approve"), map[string]any{}, &resp)
	return resp, err
}

func (c *Client) RejectTask(ctx context.Context, id uint64, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "reject"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) FinalizeTask(ctx context.Context, id uint64, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "finalize"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) Roles(ctx context.Context, role string) (RoleMembers, error) {
	var resp RoleMembers
	err := c.do(ctx, http.MethodGet, "roles/"+url.PathEscape(role), nil, &resp)
	return resp, err
}

// GrantRole consumes the approved administrative task taskID.
func (c *Client) GrantRole(ctx context.Context, taskID uint64, role, address string) (RoleMembers, error) {
	return c.changeRole(ctx, "grant", taskID, role, address)
}

// RevokeRole consumes the approved administrative task taskID.
func (c *Client) RevokeRole(ctx context.Context, taskID uint64, role, address string) (RoleMembers, error) {
	return c.changeRole(ctx, "revoke", taskID, role, address)
}

func (c *Client) changeRole(ctx context.Context, action string, taskID uint64, role, address string) (RoleMembers, error) {
	var resp RoleMembers
	body := map[string]any{"task_id": taskID, "address": address}
	err := c.do(ctx, http.MethodPost, "roles/"+url.PathEscape(role)+"/"+action, body, &resp)
	return resp, err
}

func (c *Client) LedgerInfo(ctx context.Context) (LedgerInfo, error) {
	var resp LedgerInfo
	err := c.do(ctx, http.MethodGet, "ledger", nil, &resp)
	return resp, err
}

func (c *Client) Account(ctx context.Context, address string) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodGet, "ledger/accounts/"+url.PathEscape(address), nil, &resp)
	return resp, err
}

// Transfer moves tokens from the authenticated account and returns its
// updated state.
func (c *Client) Transfer(ctx context.Context, to string, amount uint64) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodPost, "ledger/transfer", map[string]any{"to": to, "amount": amount}, &resp)
	return resp, err
}

func (c *Client) BatchTransfer(ctx context.Context, taskID uint64, recipients []string, amounts []uint64, locks []int64) (BatchTransferResult, error) {
	body := map[string]any{
		"task_id":         taskID,
		"recipients":      recipients,
		"amounts":         amounts,
		"lock_timestamps": locks,
	}
	var resp BatchTransferResult
	err := c.do(ctx, http.MethodPost, "ledger/batch-transfer", body, &resp)
	return resp, err
}

func (c *Client) UpdateLocks(ctx context.Context, taskID uint64, accounts []string, locks []int64) error {
	body := map[string]any{
		"task_id":         taskID,
		"accounts":        accounts,
		"lock_timestamps": locks,
	}
	return c.do(ctx, http.MethodPost, "ledger/locks", body, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, EventQuery{Limit: limit})
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, q EventQuery) (PaginatedEvents, error) {
	v := url.Values{}
	setQuery(v, "type", q.Type)
	setQuery(v, "emitter", q.Emitter)
	setQuery(v, "entity_id", q.EntityID)
	setQuery(v, "cursor", q.Cursor)
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", v), nil, &resp)
	return resp, err
}

func (c *Client) Me(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// DevLogin mints a development token and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, address string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"address": address}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func taskPath(id uint64, action string) string {
	p := "tasks/" + strconv.FormatUint(id, 10)
	if action != "" {
		p += "/" + action
	}
	return p
}

func setQuery(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}

func withQuery(endpoint string, v url.Values) string {
	if len(v) == 0 {
		return endpoint
	}
	return endpoint + "?" + v.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
