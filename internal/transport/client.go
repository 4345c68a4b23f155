package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/roach88/peersync/internal/engine"
	"github.com/roach88/peersync/internal/ir"
)

// Client is an engine.Peer talking to a remote Server.
//
// Thread-safety: safe for concurrent use. The circuit breaker is shared by
// every call, so a dead peer fails fast instead of tying up a worker
// through every retry.
type Client struct {
	baseURL     string
	http        *http.Client
	breaker     *gobreaker.CircuitBreaker
	clientID    string
	token       string
	compression bool
	codec       atomic.Value // string, set once capabilities agree on snappy
	logger      *slog.Logger
}

var _ engine.Peer = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client. Defaults to one with a 60s timeout.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithClientID sets the value of the identifying header, normally the
// local instance ID.
func WithClientID(id string) ClientOption {
	return func(c *Client) { c.clientID = id }
}

// WithAdminToken sets the bearer token sent with certificate signing
// requests.
func WithAdminToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithCompression offers snappy-compressed chunk bodies; they are used
// once the server advertises the capability.
func WithCompression(enabled bool) ClientOption {
	return func(c *Client) { c.compression = enabled }
}

// WithClientLogger sets the logger. Defaults to slog.Default.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("peer url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("peer url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: apiTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.codec.Store("")
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        c.baseURL,
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		// A coded answer means the peer is alive and decided.
		IsSuccessful: func(err error) bool {
			return err == nil || (ir.CodeOf(err) != "" && !ir.IsTransferNetwork(err))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker changed state", "peer", name, "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

// Address returns the server's base URL.
func (c *Client) Address() string { return c.baseURL }

// Compressed reports whether chunk bodies are compressed.
func (c *Client) Compressed() bool { return c.codec.Load().(string) != "" }

// Capabilities negotiates with the server. Compression is switched on when
// both sides support it.
func (c *Client) Capabilities(ctx context.Context) (ir.CapabilitiesResponse, error) {
	var resp ir.CapabilitiesResponse
	if err := c.call(ctx, http.MethodGet, routeCapabilities, nil, &resp, false); err != nil {
		return resp, err
	}
	if c.compression && slices.Contains(resp.Capabilities, ir.CapabilitySnappy) {
		c.codec.Store(ir.CapabilitySnappy)
	}
	return resp, nil
}

// Nonce fetches a single-use nonce.
func (c *Client) Nonce(ctx context.Context) (ir.NonceResponse, error) {
	var resp ir.NonceResponse
	err := c.call(ctx, http.MethodPost, routeNonces, struct{}{}, &resp, false)
	return resp, err
}

// SignCertificate sends a certificate signing request with the admin token.
func (c *Client) SignCertificate(ctx context.Context, req ir.CertificateSigningRequest) (ir.CertificateChainResponse, error) {
	var resp ir.CertificateChainResponse
	err := c.call(ctx, http.MethodPost, routeCertificates, req, &resp, false)
	return resp, err
}

func (c *Client) CreateSyncSession(ctx context.Context, req ir.CreateSyncSessionRequest) (ir.CreateSyncSessionResponse, error) {
	var resp ir.CreateSyncSessionResponse
	err := c.call(ctx, http.MethodPost, routeSyncSessions, req, &resp, false)
	return resp, err
}

func (c *Client) CloseSyncSession(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/syncsessions/"+url.PathEscape(id), nil, &struct{}{}, false)
}

func (c *Client) CreateTransferSession(ctx context.Context, req ir.CreateTransferSessionRequest) (ir.CreateTransferSessionResponse, error) {
	var resp ir.CreateTransferSessionResponse
	err := c.call(ctx, http.MethodPost, routeTransferSessions, req, &resp, false)
	return resp, err
}

func (c *Client) PushChunk(ctx context.Context, chunk ir.Chunk) (ir.ChunkAck, error) {
	var ack ir.ChunkAck
	err := c.call(ctx, http.MethodPost, transferPath(chunk.TransferSessionID, "chunks"), chunk, &ack, true)
	return ack, err
}

func (c *Client) PullChunk(ctx context.Context, req ir.PullChunkRequest) (ir.Chunk, error) {
	var chunk ir.Chunk
	path := transferPath(req.TransferSessionID, "chunks", strconv.FormatInt(req.Seq, 10))
	err := c.call(ctx, http.MethodGet, path, nil, &chunk, true)
	return chunk, err
}

func (c *Client) FinishTransferSession(ctx context.Context, req ir.FinishTransferSessionRequest) (ir.FinishTransferSessionResponse, error) {
	var resp ir.FinishTransferSessionResponse
	err := c.call(ctx, http.MethodPost, transferPath(req.ID, "finish"), req, &resp, false)
	return resp, err
}

func (c *Client) FMC(ctx context.Context, req ir.FMCRequest) (ir.FMCResponse, error) {
	var resp ir.FMCResponse
	err := c.call(ctx, http.MethodPost, routeFMC, req, &resp, false)
	return resp, err
}

func transferPath(id string, parts ...string) string {
	return "/transfersessions/" + url.PathEscape(id) + "/" + strings.Join(parts, "/")
}

// call performs one request through the circuit breaker. Retrying is left
// to the engine, which knows which operations are safe to repeat.
func (c *Client) call(ctx context.Context, method, path string, in, out any, chunked bool) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, in, out, chunked)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ir.WrapError(ir.ErrCodeTransferNetwork, err, "%s %s", method, path)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any, chunked bool) error {
	codec := ""
	if chunked {
		codec = c.codec.Load().(string)
	}

	var body io.Reader
	if in != nil {
		data, err := encode(in, codec)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ir.HeaderClient, c.clientID)
	if codec != "" {
		req.Header.Set(ir.HeaderCompression, codec)
	}
	if c.token != "" && path == routeCertificates {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ir.WrapError(ir.ErrCodeTransferNetwork, err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(method, path, resp)
	}
	if err := decode(resp.Body, resp.Header.Get(ir.HeaderCompression), out); err != nil {
		return ir.WrapError(ir.ErrCodeTransferNetwork, err, "%s %s", method, path)
	}
	return nil
}

// responseError rebuilds the server's error. Coded errors keep their code.
// Uncoded server failures count as network errors so they are retried;
// any other status is a PROTOCOL error, which is not.
func responseError(method, path string, resp *http.Response) error {
	var er ir.ErrorResponse
	if err := decode(resp.Body, "", &er); err == nil && er.Code != "" {
		return ir.NewError(ir.ErrorCode(er.Code), "%s", er.Message)
	}
	msg := er.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return ir.NewError(ir.ErrCodeTransferNetwork, "%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	return ir.NewError(ir.ErrCodeProtocol, "%s %s: status %d: %s", method, path, resp.StatusCode, msg)
}
