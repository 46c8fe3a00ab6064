// Package history is the request/response backfill source: the initial
// conversation list and paginated message history.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/lovelink/chatsync/internal/metrics"
	"github.com/lovelink/chatsync/internal/protocol"
)

// ErrStatus matches any *StatusError with errors.Is.
var ErrStatus = errors.New("history: unexpected status")

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("history: status %d", e.Code)
	}
	return fmt.Sprintf("history: status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool { return target == ErrStatus }

// Client calls the history REST API. Requests have no timeout beyond ctx.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for baseURL authenticated with token.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// Conversations fetches the ordered conversation list.
func (c *Client) Conversations(ctx context.Context) ([]protocol.Conversation, error) {
	data, err := c.doRequest(ctx, "/conversations", nil)
	if err != nil {
		metrics.IncHistoryError("conversations")
		return nil, err
	}
	var list []protocol.Conversation
	if err := decodeJSON(data, &list); err != nil {
		metrics.IncHistoryError("conversations")
		return nil, err
	}
	return list, nil
}

// Messages fetches one page of a conversation's history. Page 1 is the newest.
func (c *Client) Messages(ctx context.Context, matchID string, page, limit int) (protocol.MessagePage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	data, err := c.doRequest(ctx, "/conversations/"+url.PathEscape(matchID)+"/messages", query)
	if err != nil {
		metrics.IncHistoryError("messages")
		return protocol.MessagePage{}, err
	}
	var p protocol.MessagePage
	if err := decodeJSON(data, &p); err != nil {
		metrics.IncHistoryError("messages")
		return protocol.MessagePage{}, err
	}
	return p, nil
}

func (c *Client) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func decodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
