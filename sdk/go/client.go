package worktracksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is a minimal worktrack HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// MaxRetries bounds retries of idempotent requests that fail with a
	// network error or a 5xx. Zero disables retrying.
	MaxRetries uint64
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Timeout:    10 * time.Second,
		MaxRetries: 3,
	}
}

// Reference is a provenance-tracked reference value.
type Reference struct {
	Value     string    `json:"value"`
	IsEdited  bool      `json:"is_edited"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Item represents the API work item model.
type Item struct {
	ID            string                 `json:"id"`
	Kind          string                 `json:"kind"`
	Title         string                 `json:"title"`
	Description   string                 `json:"description,omitempty"`
	Status        string                 `json:"status"`
	DueDate       *time.Time             `json:"due_date,omitempty"`
	CreatedBy     string                 `json:"created_by"`
	AssignedUsers []string               `json:"assigned_users"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Fields        map[string]Reference   `json:"fields,omitempty"`
	Lists         map[string][]Reference `json:"lists,omitempty"`
}

// NewItem is the create payload.
type NewItem struct {
	Title         string              `json:"title"`
	Description   string              `json:"description,omitempty"`
	DueDate       *time.Time          `json:"due_date,omitempty"`
	AssignedUsers []string            `json:"assigned_users,omitempty"`
	Fields        map[string]string   `json:"fields,omitempty"`
	Lists         map[string][]string `json:"lists,omitempty"`
}

// ItemPatch is the update payload; nil fields are left unchanged.
type ItemPatch struct {
	Title           *string             `json:"title,omitempty"`
	Description     *string             `json:"description,omitempty"`
	DueDate         *time.Time          `json:"due_date,omitempty"`
	ClearDueDate    bool                `json:"clear_due_date,omitempty"`
	Status          *string             `json:"status,omitempty"`
	Fields          map[string]string   `json:"fields,omitempty"`
	RemoveFromLists map[string][]int    `json:"remove_from_lists,omitempty"`
	AppendToLists   map[string][]string `json:"append_to_lists,omitempty"`
}

// PaginatedItems wraps list responses with cursors.
type PaginatedItems struct {
	Items      []Item `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// ListOptions filters ListItems.
type ListOptions struct {
	Status []string
	Active bool
	Limit  int
	Cursor string
}

// Dashboard is the per-viewer dashboard.
type Dashboard struct {
	ActiveByKind map[string]int    `json:"active_by_kind"`
	TotalActive  int               `json:"total_active"`
	Recent       []Item            `json:"recent"`
	Scopes       map[string]string `json:"scopes"`
	Monthly      struct {
		Categories []string `json:"categories"`
		Series     []struct {
			Name string `json:"name"`
			Data []int  `json:"data"`
		} `json:"series"`
	} `json:"monthly"`
	Cached bool `json:"cached"`
}

// Account represents a staff account.
type Account struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Role       string `json:"role"`
	Department string `json:"department,omitempty"`
	Approved   bool   `json:"approved"`
	CreatedAt  string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsForbidden reports whether err is a 403 from the API.
func IsForbidden(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden
}

// Me returns the authenticated caller.
func (c *Client) Me(ctx context.Context) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// Register signs up a pending account. No credentials are needed.
func (c *Client) Register(ctx context.Context, name, email, department string) (Account, error) {
	body := map[string]any{"name": name, "email": email, "department": department}
	var resp Account
	err := c.do(ctx, http.MethodPost, "auth/register", body, &resp)
	return resp, err
}

// CreateItem creates a work item of kind.
func (c *Client) CreateItem(ctx context.Context, kind string, item NewItem) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, "items/"+url.PathEscape(kind), item, &resp)
	return resp, err
}

// GetItem fetches one work item.
func (c *Client) GetItem(ctx context.Context, kind, id string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodGet, itemPath(kind, id), nil, &resp)
	return resp, err
}

// ListItems returns one page of work items.
func (c *Client) ListItems(ctx context.Context, kind string, opts ListOptions) (PaginatedItems, error) {
	q := url.Values{}
	if len(opts.Status) > 0 {
		q.Set("status", strings.Join(opts.Status, ","))
	}
	if opts.Active {
		q.Set("active", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	endpoint := "items/" + url.PathEscape(kind)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedItems
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateItem patches a work item.
func (c *Client) UpdateItem(ctx context.Context, kind, id string, patch ItemPatch) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPatch, itemPath(kind, id), patch, &resp)
	return resp, err
}

// AssignItem replaces the assignees of a work item.
func (c *Client) AssignItem(ctx context.Context, kind, id string, userIDs []string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPut, itemPath(kind, id)+"/assignees", map[string]any{"user_ids": userIDs}, &resp)
	return resp, err
}

// DeleteItem removes a work item.
func (c *Client) DeleteItem(ctx context.Context, kind, id string) error {
	return c.do(ctx, http.MethodDelete, itemPath(kind, id), nil, nil)
}

// Dashboard returns the caller's dashboard. Zero arguments use server defaults.
func (c *Client) Dashboard(ctx context.Context, monthsBack, recent int) (Dashboard, error) {
	q := url.Values{}
	if monthsBack != 0 {
		q.Set("months", strconv.Itoa(monthsBack))
	}
	if recent != 0 {
		q.Set("recent", strconv.Itoa(recent))
	}
	endpoint := "dashboard"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp Dashboard
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func itemPath(kind, id string) string {
	return fmt.Sprintf("items/%s/%s", url.PathEscape(kind), url.PathEscape(id))
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		switch {
		case c.BearerToken != "":
			req.Header.Set("Authorization", "Bearer "+c.BearerToken)
		case c.APIKey != "":
			req.Header.Set("X-Api-Key", c.APIKey)
		}
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			apiErr := decodeAPIError(resp)
			if resp.StatusCode >= 500 {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		if out != nil && resp.StatusCode != http.StatusNoContent {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(err)
			}
		}
		return nil
	}

	if method != http.MethodGet || c.MaxRetries == 0 {
		return unwrapPermanent(attempt())
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	return backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, c.MaxRetries), ctx))
}

func decodeAPIError(resp *http.Response) *APIError {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
	}
	return apiErr
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
