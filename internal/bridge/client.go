package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/meshctl/internal/mesh"
)

var (
	ErrEmptyBase        = errors.New("bridge: empty base url")
	ErrUnexpectedStatus = errors.New("bridge: unexpected status")
)

// Client is the remote/browser-side mesh variant: a thin client to one
// cell's bridge endpoints. It never reaches the atlas directly; dispatch
// happens server-side, trading introspection for operational containment.
type Client struct {
	base string
	http *http.Client
}

func NewClient(base string, timeout time.Duration) (*Client, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return nil, ErrEmptyBase
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{base: base, http: &http.Client{Timeout: timeout}}, nil
}

// Call invokes a capability through the bridge. Mesh-level failures come
// back inside the response envelope, untouched.
func (c *Client) Call(ctx context.Context, capability string, args map[string]any) (mesh.Response, error) {
	body := struct {
		Capability string         `json:"capability"`
		Args       map[string]any `json:"args"`
	}{Capability: capability, Args: args}

	var resp mesh.Response
	if err := c.post(ctx, "/mesh/call", body, &resp); err != nil {
		return mesh.Response{}, err
	}
	return resp, nil
}

// Atlas fetches the bridging cell's topology snapshot.
func (c *Client) Atlas(ctx context.Context) ([]mesh.PeerRecord, error) {
	var out struct {
		Atlas []mesh.PeerRecord `json:"atlas"`
	}
	if err := c.post(ctx, "/mesh/atlas", struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Atlas, nil
}

// Status describes the bridging cell.
type Status struct {
	CellID    string `json:"cellId"`
	Address   string `json:"address"`
	AtlasSize int    `json:"atlasSize"`
	Peers     int    `json:"peers"`
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/mesh/status", nil)
	if err != nil {
		return Status{}, fmt.Errorf("bridge: build status request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	var out Status
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Status{}, fmt.Errorf("bridge: decode status: %w", err)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("bridge: marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("bridge: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bridge: decode response: %w", err)
	}
	return nil
}
