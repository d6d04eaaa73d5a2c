// Package api is the REST client for the chat backend: the durable
// counterpart to the real-time link. A request either succeeds or returns
// an error; an empty collection is never conflated with a failure.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rbarroso/converse/internal/creds"
	"github.com/rbarroso/converse/internal/model"
	"go.uber.org/zap"
)

// MarkReadBatchLimit caps how many message ids go into one mark-read
// request, so loading a long-unread conversation does not turn into a
// request storm.
const MarkReadBatchLimit = 20

const requestTimeout = 15 * time.Second

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.Code, e.Body)
}

// Client talks to the backend's REST surface using the shared bearer
// credential.
type Client struct {
	baseURL string
	http    *http.Client
	creds   *creds.Source
	logger  *zap.Logger
}

// NewClient creates a client rooted at baseURL (no trailing slash needed).
func NewClient(baseURL string, cs *creds.Source, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		creds:   cs,
		logger:  logger,
	}
}

// MessagePage is one page of a conversation's history.
type MessagePage struct {
	Items      []model.RawMessage `json:"items"`
	TotalPages int                `json:"totalPages"`
}

// ListConversations fetches the full raw conversation list.
func (c *Client) ListConversations(ctx context.Context) ([]model.RawConversation, error) {
	var out []model.RawConversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchMessagePage fetches one fixed-size page of a conversation's
// messages. Pages count from 1.
func (c *Client) FetchMessagePage(ctx context.Context, conversationID string, page, size int) (*MessagePage, error) {
	path := fmt.Sprintf("/api/conversations/%s/messages?page=%d&size=%d", conversationID, page, size)
	var out MessagePage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage posts a message on the durable path and returns the
// authoritative server record.
func (c *Client) SendMessage(ctx context.Context, conversationID, body string) (*model.RawMessage, error) {
	in := map[string]string{"body": body}
	var out model.RawMessage
	path := fmt.Sprintf("/api/conversations/%s/messages", conversationID)
	if err := c.do(ctx, http.MethodPost, path, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EditMessage replaces a message body.
func (c *Client) EditMessage(ctx context.Context, messageID, body string) error {
	in := map[string]string{"body": body}
	return c.do(ctx, http.MethodPut, "/api/messages/"+messageID, in, nil)
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/api/messages/"+messageID, nil, nil)
}

// MarkRead reports messages as read, best effort, in bounded batches.
// The first failing batch aborts the remainder.
func (c *Client) MarkRead(ctx context.Context, messageIDs []string) error {
	for len(messageIDs) > 0 {
		n := min(len(messageIDs), MarkReadBatchLimit)
		in := map[string][]string{"messageIds": messageIDs[:n]}
		if err := c.do(ctx, http.MethodPost, "/api/messages/read", in, nil); err != nil {
			return err
		}
		messageIDs = messageIDs[n:]
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if token := c.creds.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return nil
}
