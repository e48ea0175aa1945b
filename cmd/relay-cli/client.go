package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"nhbrelay/core/types"
)

type relayClient struct {
	endpoint string
	token    string
	http     *http.Client
}

func newRelayClient(endpoint, token string) *relayClient {
	return &relayClient{
		endpoint: endpoint,
		token:    token,
		http:     &http.Client{Timeout: 90 * time.Second},
	}
}

type submitResponse struct {
	Message       string `json:"message"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"status,omitempty"`
	BlockHash     string `json:"blockHash,omitempty"`
	TxHash        string `json:"txHash,omitempty"`
	Error         string `json:"error,omitempty"`
}

// apiError carries a non-2xx gateway response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay returned %d", e.Status)
	}
	return fmt.Sprintf("relay returned %d: %s", e.Status, e.Message)
}

func (c *relayClient) Submit(ctx context.Context, call types.Call, wait bool) (submitResponse, error) {
	path := "/transaction"
	if wait {
		path += "?wait=true"
	}
	var out submitResponse
	err := c.do(ctx, http.MethodPost, path, call, &out)
	return out, err
}

func (c *relayClient) Queue(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/queue", nil, &out)
	return out, err
}

func (c *relayClient) Transaction(ctx context.Context, id string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/transaction/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *relayClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &payload)
		return &apiError{Status: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
