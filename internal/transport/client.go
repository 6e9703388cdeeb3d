package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/meshctl/internal/mesh"
)

var (
	ErrBadPeerStatus = errors.New("transport: unexpected peer status")
	ErrEmptyAddress  = errors.New("transport: empty peer address")
)

const DefaultCallTimeout = 10 * time.Second

// Client is the caller side of the peer wire.
type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Call delivers a request envelope to a peer and decodes its response.
// Transport failures come back as Go errors; the dispatcher maps deadline
// expiry to TIMEOUT and everything else to UNREACHABLE.
func (c *Client) Call(ctx context.Context, addr string, req mesh.Request) (mesh.Response, error) {
	var resp mesh.Response
	if err := c.postJSON(ctx, addr, "/mesh/call", req, &resp); err != nil {
		return mesh.Response{}, err
	}
	return resp, nil
}

// Exchange offers a snapshot to a peer and returns the peer's snapshot.
func (c *Client) Exchange(ctx context.Context, addr, from string, snapshot []mesh.PeerRecord) ([]mesh.PeerRecord, error) {
	body := struct {
		From  string            `json:"from"`
		Atlas []mesh.PeerRecord `json:"atlas"`
	}{From: from, Atlas: snapshot}
	var out struct {
		Atlas []mesh.PeerRecord `json:"atlas"`
	}
	if err := c.postJSON(ctx, addr, "/mesh/gossip", body, &out); err != nil {
		return nil, err
	}
	return out.Atlas, nil
}

// Probe fetches a peer's live capability declarations for schema negotiation.
func (c *Client) Probe(ctx context.Context, addr string) ([]mesh.CapabilityInfo, error) {
	url := BaseURL(addr)
	if url == "" {
		return nil, ErrEmptyAddress
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/mesh/contracts", nil)
	if err != nil {
		return nil, fmt.Errorf("transport: build probe: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrBadPeerStatus, resp.StatusCode)
	}
	var out struct {
		Capabilities []mesh.CapabilityInfo `json:"capabilities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("transport: decode probe: %w", err)
	}
	return out.Capabilities, nil
}

func (c *Client) postJSON(ctx context.Context, addr, path string, in, out any) error {
	url := BaseURL(addr)
	if url == "" {
		return ErrEmptyAddress
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("transport: marshal body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("transport: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return fmt.Errorf("%w: %d", ErrBadPeerStatus, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("transport: decode response: %w", err)
	}
	return nil
}

// BaseURL normalizes an advertised address into a dialable base URL.
func BaseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
