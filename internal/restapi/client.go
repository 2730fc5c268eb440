// internal/restapi/client.go

// Package restapi is the client for the external message-list service: the
// poll endpoint, per-message read acknowledgments and bulk delete.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"crm-message-sync/internal/common/config"
	"crm-message-sync/internal/common/errors"
	"crm-message-sync/internal/common/httpclient"
	"crm-message-sync/internal/common/logger"
	"crm-message-sync/internal/ingest"
)

type Client struct {
	baseURL   string
	authToken string
	http      *httpclient.Client
	log       logger.Logger
}

func NewClient(cfg config.MessageAPIConfig, log logger.Logger) *Client {
	return &Client{
		baseURL:   cfg.BaseURL,
		authToken: cfg.AuthToken,
		http:      httpclient.NewClient(config.GetDuration(cfg.Timeout)),
		log:       log.WithFields(map[string]interface{}{"component": "restapi"}),
	}
}

// FetchMessages polls GET /messages?since=&limit=.
func (c *Client) FetchMessages(ctx context.Context, since string, limit int) (*ingest.PollResponse, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.NewPollFailedError(err)
	}
	c.setHeaders(req)

	resp, err := c.http.DoWithContext(ctx, req)
	if err != nil {
		if isTimeout(err) {
			return nil, errors.NewNetworkTimeoutError("poll", err)
		}
		return nil, errors.NewPollFailedError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewPollFailedError(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var out ingest.PollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.NewPollFailedError(fmt.Errorf("decode response: %w", err))
	}
	return &out, nil
}

type ackResponse struct {
	Success bool   `json:"success"`
	Method  string `json:"method,omitempty"`
}

// AckRead issues PUT /messages/{id}/read. A 404 (or an explicit
// success=false with no body) maps to MESSAGE_NOT_FOUND so callers can purge
// the message; any other failure is retryable.
func (c *Client) AckRead(ctx context.Context, id string) error {
	req, err := http.NewRequest(http.MethodPut,
		fmt.Sprintf("%s/messages/%s/read", c.baseURL, url.PathEscape(id)), nil)
	if err != nil {
		return errors.NewAckFailedError(id, err)
	}
	c.setHeaders(req)

	resp, err := c.http.DoWithContext(ctx, req)
	if err != nil {
		if isTimeout(err) {
			return errors.NewNetworkTimeoutError("ack-read", err)
		}
		return errors.NewAckFailedError(id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.NewMessageNotFoundError(id)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.NewAckFailedError(id, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		// An absent response body signals the message no longer exists.
		return errors.NewMessageNotFoundError(id)
	}
	var out ackResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return errors.NewAckFailedError(id, fmt.Errorf("decode response: %w", err))
	}
	if !out.Success {
		return errors.NewAckFailedError(id, fmt.Errorf("server rejected acknowledgment"))
	}
	return nil
}

type BulkItemResult struct {
	MessageID string `json:"messageId"`
	Success   bool   `json:"success"`
}

type BulkDeleteResult struct {
	Success bool             `json:"success"`
	Results []BulkItemResult `json:"results"`
}

// BulkDelete issues POST /messages/bulk-delete for a dismissal batch.
// Per-item failures come back in Results; only transport-level problems
// error out.
func (c *Client) BulkDelete(ctx context.Context, ids []string) (*BulkDeleteResult, error) {
	payload, err := json.Marshal(map[string]interface{}{"messageIds": ids})
	if err != nil {
		return nil, errors.NewBulkDeleteFailedError(err)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/messages/bulk-delete", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.NewBulkDeleteFailedError(err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.DoWithContext(ctx, req)
	if err != nil {
		if isTimeout(err) {
			return nil, errors.NewNetworkTimeoutError("bulk-delete", err)
		}
		return nil, errors.NewBulkDeleteFailedError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewBulkDeleteFailedError(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var out BulkDeleteResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.NewBulkDeleteFailedError(fmt.Errorf("decode response: %w", err))
	}
	return &out, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	req.Header.Set("Accept", "application/json")
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return stderrors.As(err, &ne) && ne.Timeout()
}
