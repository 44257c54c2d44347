package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// APIError is a non-2xx reply from the control server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status: %d", e.Status)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Status retrieves the node status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Peers retrieves connected and known peers.
func (c *Client) Peers(ctx context.Context) (*PeersResponse, error) {
	var peers PeersResponse
	if err := c.do(ctx, http.MethodGet, "/peers", nil, &peers); err != nil {
		return nil, err
	}
	return &peers, nil
}

// Circuit retrieves the originator circuit.
func (c *Client) Circuit(ctx context.Context) (*CircuitResponse, error) {
	return c.circuit(ctx, http.MethodGet)
}

// BuildCircuit asks the node to build a new circuit.
func (c *Client) BuildCircuit(ctx context.Context) (*CircuitResponse, error) {
	return c.circuit(ctx, http.MethodPost)
}

// CloseCircuit tears the circuit down.
func (c *Client) CloseCircuit(ctx context.Context) (*CircuitResponse, error) {
	return c.circuit(ctx, http.MethodDelete)
}

func (c *Client) circuit(ctx context.Context, method string) (*CircuitResponse, error) {
	var resp CircuitResponse
	if err := c.do(ctx, method, "/circuit", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Send pushes application data into the active circuit.
func (c *Client) Send(ctx context.Context, data string) (*SendResponse, error) {
	var resp SendResponse
	if err := c.do(ctx, http.MethodPost, "/circuit/send", SendRequest{Data: data}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do performs a request against the control socket and decodes the reply into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	// The host is ignored; the transport always dials the socket.
	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
