package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/michaelbrown/jsand/internal/wire"
)

// maxResponseSize bounds a single answer; class files are the largest payload.
const maxResponseSize = 32 << 20

// Client resolves a registry by host and port.
type Client struct {
	addr       string
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient constructs a client for the registry at host:port. No network
// traffic happens until a method is called.
func NewClient(host string, port int, opts ...ClientOption) *Client {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	c := &Client{
		addr:    addr,
		baseURL: "http://" + addr,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns host:port of the registry.
func (c *Client) Addr() string { return c.addr }

// Names lists the bound names. It doubles as a reachability check.
func (c *Client) Names(ctx context.Context) ([]string, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/registry", nil)
	if err != nil {
		return nil, c.unreachable(err)
	}
	if status != http.StatusOK {
		return nil, c.unreachable(fmt.Errorf("unexpected status %d", status))
	}
	var out namesResponse
	if err := wire.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("registry: decoding names: %w", err)
	}
	return out.Names, nil
}

// Lookup resolves name to a callable stub.
func (c *Client) Lookup(ctx context.Context, name string) (*Stub, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/registry/"+name, nil)
	if err != nil {
		return nil, c.unreachable(err)
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, &NotBoundError{Name: name}
	default:
		return nil, c.unreachable(fmt.Errorf("unexpected status %d", status))
	}

	var b Binding
	if err := wire.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("registry: decoding binding %s: %w", name, err)
	}
	return &Stub{client: c, Name: b.Name, Methods: b.Methods}, nil
}

func (c *Client) unreachable(err error) error {
	return fmt.Errorf("registry: %w at %s: %w", ErrUnreachable, c.addr, err)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", wire.ContentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

// Stub calls the methods of one bound service.
type Stub struct {
	client  *Client
	Name    string
	Methods []string
}

// Call invokes method with req and decodes the answer into resp. resp may
// be nil when the method returns nothing. Transport failures wrap
// ErrCallFailed; service answers with ok=false come back as *RemoteError.
func (s *Stub) Call(ctx context.Context, method string, req, resp any) error {
	payload, err := wire.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s.%s request: %w", s.Name, method, err)
	}

	status, body, err := s.client.do(ctx, http.MethodPost, "/registry/"+s.Name+"/"+method, payload)
	if err != nil {
		return fmt.Errorf("registry: calling %s.%s: %w: %w", s.Name, method, ErrCallFailed, err)
	}

	var env Response
	if err := wire.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("registry: calling %s.%s: %w: status %d with undecodable body", s.Name, method, ErrCallFailed, status)
	}
	if status == http.StatusNotFound && env.Kind == KindNotBound {
		return &NotBoundError{Name: s.Name}
	}
	if !env.OK {
		return &RemoteError{Service: s.Name, Method: method, Kind: env.Kind, Message: env.Error}
	}
	if resp == nil || len(env.Data) == 0 {
		return nil
	}
	if err := wire.Unmarshal(env.Data, resp); err != nil {
		return fmt.Errorf("decoding %s.%s result: %w", s.Name, method, err)
	}
	return nil
}
