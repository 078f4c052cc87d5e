// Package remote provides the HTTP client for the table-oriented CRUD
// backend.
//
// The backend exposes per-table insert/update/delete plus equality
// queries with ordering, and a lightweight liveness probe. Inserts
// use upsert-by-id semantics so a replayed insert (crash after
// success, before dequeue) cannot create a duplicate record. Errors
// carry a stable code when the backend can classify them; a
// unique-constraint collision is distinguishable from generic
// failures via CodeUniqueViolation.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"
)

// Record is a backend row as a generic JSON object.
type Record = map[string]any

// Client talks to the remote backend.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *log.Logger
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the backend root, e.g. https://api.example.org.
	BaseURL string

	// APIKey is sent as the apikey header on every request.
	APIKey string

	// HTTPClient overrides the transport (default: http.Client with
	// no global timeout; per-call contexts bound each request).
	HTTPClient *http.Client

	// Logger for request failures (default: stderr logger).
	Logger *log.Logger
}

// New creates a Client.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Client{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		http:    httpClient,
		logger:  logger,
	}, nil
}

// Ping probes the backend liveness endpoint and returns the measured
// round-trip time. The caller bounds the probe with its context.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()

	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("liveness probe failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return 0, &APIError{StatusCode: resp.StatusCode, Message: "liveness probe rejected"}
	}
	return time.Since(start), nil
}

// Insert creates a record with upsert-by-id semantics and returns the
// server's copy.
func (c *Client) Insert(ctx context.Context, table string, payload Record) (Record, error) {
	path := fmt.Sprintf("/tables/%s?on_conflict=id", url.PathEscape(table))
	return c.writeRequest(ctx, http.MethodPost, path, payload)
}

// Update updates the record with the given id and returns the
// server's copy.
func (c *Client) Update(ctx context.Context, table, id string, payload Record) (Record, error) {
	if id == "" {
		return nil, fmt.Errorf("update on %s requires an id", table)
	}
	path := fmt.Sprintf("/tables/%s/%s", url.PathEscape(table), url.PathEscape(id))
	return c.writeRequest(ctx, http.MethodPatch, path, payload)
}

// Delete removes the record with the given id. Deleting an id that is
// already gone is not an error (idempotent).
func (c *Client) Delete(ctx context.Context, table, id string) error {
	if id == "" {
		return fmt.Errorf("delete on %s requires an id", table)
	}
	path := fmt.Sprintf("/tables/%s/%s", url.PathEscape(table), url.PathEscape(id))

	req, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s/%s failed: %w", table, id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil // already deleted
	}
	if resp.StatusCode >= 400 {
		return c.decodeError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// FindBy returns the first record where column equals value, or
// ErrNotFound. Used for natural-key reconciliation (e.g. find the
// member that already holds an email).
func (c *Client) FindBy(ctx context.Context, table, column, value string) (Record, error) {
	path := fmt.Sprintf("/tables/%s?%s=eq.%s&limit=1",
		url.PathEscape(table), url.QueryEscape(column), url.QueryEscape(value))

	records, err := c.query(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

// Get returns the record with the given id, or ErrNotFound.
func (c *Client) Get(ctx context.Context, table, id string) (Record, error) {
	return c.FindBy(ctx, table, "id", id)
}

// NextSequence resolves the next value of a server-numbered column,
// optionally scoped to rows matching filterColumn=filterValue (e.g.
// the next ticket seq_no within one event). Returns 1 when no rows
// match.
func (c *Client) NextSequence(ctx context.Context, table, column, filterColumn, filterValue string) (int64, error) {
	path := fmt.Sprintf("/tables/%s?order=%s.desc&limit=1",
		url.PathEscape(table), url.QueryEscape(column))
	if filterColumn != "" {
		path += fmt.Sprintf("&%s=eq.%s", url.QueryEscape(filterColumn), url.QueryEscape(filterValue))
	}

	records, err := c.query(ctx, path)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 1, nil
	}

	max, ok := records[0][column].(float64)
	if !ok {
		return 0, fmt.Errorf("column %s.%s is not numeric", table, column)
	}
	return int64(max) + 1, nil
}

// query performs a GET expecting a JSON array of records.
func (c *Client) query(ctx context.Context, path string) ([]Record, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, c.decodeError(resp)
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}
	return records, nil
}

// writeRequest performs a write expecting the record back as JSON.
func (c *Client) writeRequest(ctx context.Context, method, path string, payload Record) (Record, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := c.newRequest(ctx, method, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, c.decodeError(resp)
	}

	var record Record
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("failed to decode write response: %w", err)
	}
	return record, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	return req, nil
}

// decodeError builds an APIError from an error response, picking up
// the backend's stable code when the body carries one.
func (c *Client) decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
