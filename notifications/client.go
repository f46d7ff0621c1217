package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apierrors "github.com/chatlinkhq/chatlink-go/pkg/errors"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	defaultHTTPTimeout = 10 * time.Second
)

// Client is a stateless, typed wrapper around the notification REST resource.
// It carries no retry policy of its own; callers decide when to retry.
type Client struct {
	baseURL *url.URL
	httpc   *http.Client
	token   string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken attaches a bearer token to every request.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithClientHTTP replaces the underlying HTTP client.
func WithClientHTTP(httpc *http.Client) ClientOption {
	return func(c *Client) {
		if httpc != nil {
			c.httpc = httpc
		}
	}
}

// NewClient constructs a store client for the given API base URL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("notifications: parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("notifications: base url %q must be http or https", baseURL)
	}

	c := &Client{
		baseURL: parsed,
		httpc:   &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateNotificationInput defines attributes accepted when creating a
// notification through the API.
type CreateNotificationInput struct {
	UserID   string         `json:"user_id"`
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Link     string         `json:"link,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type listResponse struct {
	Notifications []Notification `json:"notifications"`
}

type countResponse struct {
	Count int `json:"count"`
}

type updatedResponse struct {
	UpdatedCount int `json:"updated_count"`
}

type statusResponse struct {
	Available bool `json:"available"`
}

// List returns the most recent notifications for the user, newest first.
// The limit is clamped to 1..100; zero selects the default page size.
func (c *Client) List(ctx context.Context, userID string, limit int) ([]Notification, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("notifications: user id is required")
	}
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	query := url.Values{}
	query.Set("user_id", userID)
	query.Set("limit", strconv.Itoa(limit))

	var out listResponse
	if err := c.do(ctx, http.MethodGet, "/notifications", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Notifications, nil
}

// UnreadCount returns the user's current unread count. It may lag List under
// eventual consistency.
func (c *Client) UnreadCount(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, errors.New("notifications: user id is required")
	}

	query := url.Values{}
	query.Set("user_id", userID)

	var out countResponse
	if err := c.do(ctx, http.MethodGet, "/notifications/unread-count", query, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// MarkRead marks the given notifications as read. Already-read ids are a
// no-op success on the server, so the call is idempotent.
func (c *Client) MarkRead(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	body := map[string]any{"notification_ids": ids}
	var out updatedResponse
	if err := c.do(ctx, http.MethodPost, "/notifications/mark-read", nil, body, &out); err != nil {
		return 0, err
	}
	return out.UpdatedCount, nil
}

// MarkAllRead marks every notification for the user as read.
func (c *Client) MarkAllRead(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, errors.New("notifications: user id is required")
	}

	body := map[string]any{"user_id": userID}
	var out updatedResponse
	if err := c.do(ctx, http.MethodPost, "/notifications/mark-all-read", nil, body, &out); err != nil {
		return 0, err
	}
	return out.UpdatedCount, nil
}

// Create registers a new notification.
func (c *Client) Create(ctx context.Context, input CreateNotificationInput) (*Notification, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return nil, errors.New("notifications: user id is required")
	}
	if strings.TrimSpace(input.Type) == "" {
		return nil, errors.New("notifications: type is required")
	}

	var out Notification
	if err := c.do(ctx, http.MethodPost, "/notifications", nil, input, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes a notification.
func (c *Client) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("notifications: notification id is required")
	}
	return c.do(ctx, http.MethodDelete, "/notifications/"+url.PathEscape(id), nil, nil, nil)
}

// PushStatus reports whether the backend advertises its push transport as
// available. Callers treat an error here as "unknown", not "unavailable".
func (c *Client) PushStatus(ctx context.Context) (bool, error) {
	var out statusResponse
	if err := c.do(ctx, http.MethodGet, "/websocket-status", nil, nil, &out); err != nil {
		return false, err
	}
	return out.Available, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := *c.baseURL
	target.Path = strings.TrimSuffix(target.Path, "/") + path
	if query != nil {
		target.RawQuery = query.Encode()
	}

	var payload *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("notifications: encode request: %w", err)
		}
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), payload)
	if err != nil {
		return fmt.Errorf("notifications: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return apierrors.Wrap(err, fmt.Sprintf("%s %s failed", method, path))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apierrors.Wrap(err, fmt.Sprintf("%s %s returned an unreadable body", method, path))
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	message := body.Message
	if message == "" {
		message = body.Error
	}
	return apierrors.FromStatus(resp.StatusCode, body.Code, message)
}
