// Package transport turns HTTP requests into operations that run through a
// given proxy, for use with the rotator.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel/propagation"
	xproxy "golang.org/x/net/proxy"

	"github.com/songzhibin97/proxyrotator/internal/retry"
	"github.com/songzhibin97/proxyrotator/internal/tracing"
	"github.com/songzhibin97/proxyrotator/internal/types"
)

// Config configures the per-proxy HTTP clients.
type Config struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
	// MaxBodyBytes caps how much of a response body is buffered.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// PropagateTrace adds W3C trace headers to outbound requests.
	PropagateTrace bool `yaml:"propagate_trace"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout:        10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   10,
		MaxBodyBytes:          10 << 20,
	}
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	ProxyID    string
}

// Transport keeps one HTTP client per proxy so connections through a proxy
// are reused across attempts.
type Transport struct {
	config *Config

	mu      sync.Mutex
	clients map[string]*cachedClient
}

type cachedClient struct {
	url         string
	credentials *types.Credentials
	client      *http.Client
}

// New creates a transport.
func New(config *Config) *Transport {
	if config == nil {
		config = DefaultConfig()
	}
	return &Transport{
		config:  config,
		clients: make(map[string]*cachedClient),
	}
}

// Client returns the HTTP client that routes through p.
func (t *Transport) Client(p *types.Proxy) (*http.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.clients[p.ID]
	if ok && c.url == p.URL && c.credentials.Equal(p.Credentials) {
		return c.client, nil
	}
	if ok {
		c.client.CloseIdleConnections()
	}
	rt, err := t.roundTripper(p)
	if err != nil {
		return nil, err
	}
	client := &http.Client{
		Transport: rt,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	var creds *types.Credentials
	if p.Credentials != nil {
		cp := *p.Credentials
		creds = &cp
	}
	t.clients[p.ID] = &cachedClient{url: p.URL, credentials: creds, client: client}
	return client, nil
}

// Forget closes idle connections of a removed proxy.
func (t *Transport) Forget(proxyID string) {
	t.mu.Lock()
	c, ok := t.clients[proxyID]
	delete(t.clients, proxyID)
	t.mu.Unlock()
	if ok {
		c.client.CloseIdleConnections()
	}
}

// CloseIdleConnections closes idle connections of every client.
func (t *Transport) CloseIdleConnections() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.clients {
		c.client.CloseIdleConnections()
	}
}

func (t *Transport) roundTripper(p *types.Proxy) (*http.Transport, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidProxy, err)
	}
	if p.Credentials != nil {
		u.User = url.UserPassword(p.Credentials.Username, p.Credentials.Password)
	}

	dialer := &net.Dialer{
		Timeout:   t.config.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	rt := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: t.config.ResponseHeaderTimeout,
		MaxIdleConnsPerHost:   t.config.MaxIdleConnsPerHost,
		IdleConnTimeout:       t.config.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if t.config.InsecureSkipVerify {
		rt.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in for test upstreams
	}

	switch u.Scheme {
	case "http", "https":
		rt.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		var auth *xproxy.Auth
		if u.User != nil {
			pw, _ := u.User.Password()
			auth = &xproxy.Auth{User: u.User.Username(), Password: pw}
		}
		socks, err := xproxy.SOCKS5("tcp", u.Host, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer for %s: %w", p.ID, err)
		}
		cd, ok := socks.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", p.ID)
		}
		rt.DialContext = cd.DialContext
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", types.ErrInvalidProxy, u.Scheme)
	}
	return rt, nil
}

// Do returns an operation sending req through the proxy it is given. The
// request body, if any, must be replayable through req.GetBody, which
// http.NewRequest sets for in-memory bodies. The operation yields *Response.
func (t *Transport) Do(req *http.Request) retry.Operation {
	return func(ctx context.Context, p *types.Proxy) (interface{}, error) {
		client, err := t.Client(p)
		if err != nil {
			return nil, types.Permanent(err)
		}

		out := req.Clone(ctx)
		if req.Body != nil && req.Body != http.NoBody {
			if req.GetBody == nil {
				return nil, types.Permanent(errors.New("request body is not replayable"))
			}
			body, err := req.GetBody()
			if err != nil {
				return nil, types.Permanent(fmt.Errorf("failed to replay request body: %w", err))
			}
			out.Body = body
		}
		if t.config.PropagateTrace {
			tracing.InjectHeaders(ctx, propagation.HeaderCarrier(out.Header))
		}

		resp, err := client.Do(out)
		if err != nil {
			return nil, classifyTransportError(err)
		}
		defer resp.Body.Close()

		limit := t.config.MaxBodyBytes
		if limit <= 0 {
			limit = DefaultConfig().MaxBodyBytes
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return nil, types.Retryable(fmt.Errorf("failed to read response: %w", err))
		}

		if err := statusError(resp); err != nil {
			return nil, err
		}
		if int64(len(body)) > limit {
			return nil, types.Permanent(fmt.Errorf("response body exceeds %d bytes", limit))
		}
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       body,
			ProxyID:    p.ID,
		}, nil
	}
}

// NewRequest is http.NewRequest with an in-memory body, ready for Do.
func NewRequest(method, target string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	return http.NewRequest(method, target, r)
}

// statusError maps an upstream status to the error the retry policy
// classifies. 5xx and 429 stay plain StatusErrors; other 4xx are permanent.
func statusError(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code < 400:
		return nil
	case code >= 500, code == http.StatusTooManyRequests:
		return &types.StatusError{StatusCode: code, Status: resp.Status}
	default:
		return types.Permanent(&types.StatusError{StatusCode: code, Status: resp.Status})
	}
}

// classifyTransportError keeps context and network errors as they are so the
// policy can tell timeouts from cancellation, and marks the rest retryable:
// client.Do fails only on transport problems.
func classifyTransportError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		inner := urlErr.Err
		if errors.Is(inner, context.Canceled) || errors.Is(inner, context.DeadlineExceeded) {
			return inner
		}
		var netErr net.Error
		if errors.As(inner, &netErr) {
			return err
		}
	}
	return types.Retryable(err)
}
