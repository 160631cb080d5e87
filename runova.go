// Package runova provides the Go client for the Runova backend's document
// store and the conversation sync layer built on top of it.
//
// The backend is a hosted document database: collections of schemaless
// documents with query, batch-write, and change-subscription primitives.
// This package ships the store client (Client) and the display-facing sync
// service (SyncService) that the app's chat screens consume.
//
// Example:
//
//	session, _ := runova.NewSession(token)
//	client := runova.NewClient(token)
//	defer client.Close()
//
//	svc := runova.NewSyncService(client, runova.NewProfileCache(client), session)
//	defer svc.Close()
//
//	stream, _ := svc.ConversationList(ctx)
//	for views := range stream.Snapshots() {
//		render(views)
//	}
package runova

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.runova.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP document-store client. It implements RemoteStore.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	subCfg     SubscribeConfig

	rt *realtimeClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithSubscribeConfig tunes reconnect behavior of the realtime channel.
func WithSubscribeConfig(cfg SubscribeConfig) ClientOption {
	return func(c *Client) { c.subCfg = cfg }
}

// NewClient creates a client authenticated with a backend-issued token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
		subCfg: SubscribeConfig{AutoReconnect: true},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rt = newRealtimeClient(c.baseURL, c.token, &c.subCfg, c.logger)
	return c
}

// Close shuts the realtime channel and every live subscription.
func (c *Client) Close() {
	c.rt.close()
}

// ============================================================================
// Wire envelope
// ============================================================================

type storeResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return e.Code + ": " + e.Message
}

// sentinel maps a backend error code onto the package taxonomy.
func (e *apiError) sentinel() error {
	switch e.Code {
	case "NOT_FOUND":
		return fmt.Errorf("%w: %s", ErrNotFound, e.Message)
	case "CONFLICT", "BATCH_REJECTED":
		return fmt.Errorf("%w: %s", ErrWriteConflict, e.Message)
	case "UNAUTHENTICATED", "TOKEN_EXPIRED":
		return fmt.Errorf("%w: %s", ErrUnauthenticated, e.Message)
	case "INVALID_INPUT":
		return fmt.Errorf("%w: %s", ErrInvalidArgument, e.Message)
	default:
		return fmt.Errorf("%w: %s", ErrRemoteUnavailable, e.Error())
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*storeResult, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrRemoteUnavailable, err)
	}

	var result storeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", ErrRemoteUnavailable, err)
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error.sentinel()
		}
		return nil, fmt.Errorf("%w: HTTP %d", ErrRemoteUnavailable, resp.StatusCode)
	}
	return &result, nil
}

func decodeData[T any](r *storeResult) (*T, error) {
	var out T
	if r.Data == nil {
		return &out, nil
	}
	if err := json.Unmarshal(r.Data, &out); err != nil {
		return nil, fmt.Errorf("%w: decode data: %v", ErrRemoteUnavailable, err)
	}
	return &out, nil
}

// ============================================================================
// RemoteStore implementation
// ============================================================================

// Get fetches a single document by path ("collection/id").
func (c *Client) Get(ctx context.Context, path string) (Document, error) {
	result, err := c.doRequest(ctx, http.MethodGet, "/v1/docs/"+path, nil)
	if err != nil {
		return nil, err
	}
	wd, err := decodeData[wireDocument](result)
	if err != nil {
		return nil, err
	}
	d := Document(wd.Fields)
	if d == nil {
		d = Document{}
	}
	if wd.ID != "" {
		d["id"] = wd.ID
	}
	return d, nil
}

// Query runs a one-shot query against a collection. Returned documents
// carry their id under the "id" key.
func (c *Client) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	result, err := c.doRequest(ctx, http.MethodPost, "/v1/query/"+collection, q)
	if err != nil {
		return nil, err
	}
	wds, err := decodeData[[]wireDocument](result)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(*wds))
	for _, wd := range *wds {
		d := Document(wd.Fields)
		if d == nil {
			d = Document{}
		}
		d["id"] = wd.ID
		docs = append(docs, d)
	}
	return docs, nil
}

// Subscribe opens a realtime snapshot stream for a query.
func (c *Client) Subscribe(ctx context.Context, collection string, q Query) (*Subscription, error) {
	return c.rt.subscribe(ctx, collection, q)
}

// Write applies fields to a document path.
func (c *Client) Write(ctx context.Context, path string, fields map[string]any, mode WriteMode) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/v1/docs/"+path, map[string]any{
		"fields": fields,
		"mode":   string(mode),
	})
	return err
}

// Batch applies all operations atomically.
func (c *Client) Batch(ctx context.Context, ops []WriteOp) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/v1/batch", map[string]any{"ops": ops})
	return err
}

var _ RemoteStore = (*Client)(nil)
