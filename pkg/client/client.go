// Package client is the SDK for the cemwatch daemon's local HTTP API. It is
// what the CLI and TUI use; other processes can embed it too.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cemwatch/cemwatch/pkg/api"
)

// Client is the cemwatch SDK client.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a new cemwatch client.
// endpoint defaults to "http://127.0.0.1:8093" if empty.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8093"
	}
	return &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Ping checks the health of the daemon.
func (c *Client) Ping(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, "/v1/health", &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("unexpected health status: %q", out.Status)
	}
	return nil
}

// Status fetches the daemon's connection and session state.
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var status api.StatusResponse
	err := c.getJSON(ctx, "/v1/status", &status)
	return status, err
}

// GetReadings fetches the latest reading of every tracked counter.
func (c *Client) GetReadings(ctx context.Context) ([]api.ReadingResponse, error) {
	var readings []api.ReadingResponse
	err := c.getJSON(ctx, "/v1/readings", &readings)
	return readings, err
}

// GetReading fetches the latest reading of one counter.
func (c *Client) GetReading(ctx context.Context, varID int) (api.ReadingResponse, error) {
	var reading api.ReadingResponse
	err := c.getJSON(ctx, fmt.Sprintf("/v1/readings?var_id=%d", varID), &reading)
	return reading, err
}

// GetMeters fetches the discovered meter topology.
func (c *Client) GetMeters(ctx context.Context) ([]api.MeterResponse, error) {
	var meters []api.MeterResponse
	err := c.getJSON(ctx, "/v1/meters", &meters)
	return meters, err
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.endpoint+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return err
	}
	return nil
}
