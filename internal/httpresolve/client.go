// Package httpresolve implements resolve/claim_search/support_sum
// calls made over plain HTTP POST rather than the framed RPC session
// protocol, for callers that only need cold lookups and don't want to
// hold a session open.
package httpresolve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client posts {"method":M,"params":P} to a single resolver URL and
// unwraps the {"result": …} envelope, following the same POST-and-decode
// shape as a typical JSON-RPC-over-HTTP client: POST, check status,
// decode an envelope.
type Client struct {
	url    string
	client *http.Client
}

// New constructs a resolver client against url with a 5s HTTP timeout.
func New(url string) *Client {
	return &Client{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  *envelopeError  `json:"error"`
}

type envelopeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]any{"method": method, "params": params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("httpresolve: %s http %d: %s", method, resp.StatusCode, string(body))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, err
	}
	if env.Error != nil {
		return nil, fmt.Errorf("httpresolve: %s rpc error %d: %s", method, env.Error.Code, env.Error.Message)
	}
	return env.Result, nil
}

// Resolve looks up one or more lbry:// style URLs.
func (c *Client) Resolve(ctx context.Context, urls []string) (json.RawMessage, error) {
	return c.call(ctx, "resolve", map[string]any{"urls": urls})
}

// ClaimSearch runs a claim search with the given parameter set.
func (c *Client) ClaimSearch(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	return c.call(ctx, "claim_search", params)
}

// SumSupports totals support amounts for a claim, matching the
// source's support_sum RPC.
func (c *Client) SumSupports(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	return c.call(ctx, "support_sum", params)
}
