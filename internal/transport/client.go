package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mattjoyce/relay/internal/dispatch"
	"github.com/mattjoyce/relay/internal/pattern"
)

// ClientConfig describes one remote instance.
type ClientConfig struct {
	// URL is the base address of the remote listener.
	URL    string
	Secret string
	Token  string
	// Async asks the remote to answer on ReplyTo instead of in the response.
	Async   bool
	ReplyTo string
	// Timeout applies when the call carries none.
	Timeout time.Duration
}

// Client forwards calls to a remote listener. It implements dispatch.Sender.
type Client struct {
	config ClientConfig
	http   *http.Client
	corr   *Correlator
	logger *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientHTTP sets the HTTP client.
func WithClientHTTP(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithClientCorrelator sets where asynchronous replies are awaited. The
// local listener must resolve POST /reply through the same correlator.
func WithClientCorrelator(c *Correlator) ClientOption {
	return func(cl *Client) { cl.corr = c }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// NewClient creates a Client.
func NewClient(config ClientConfig, opts ...ClientOption) (*Client, error) {
	if config.URL == "" {
		return nil, errors.New("client url is required")
	}
	config.URL = strings.TrimRight(config.URL, "/")
	c := &Client{config: config, http: &http.Client{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if config.Async {
		if config.ReplyTo == "" {
			return nil, errors.New("async client needs a reply_to address")
		}
		if c.corr == nil {
			return nil, errors.New("async client needs a correlator")
		}
	}
	return c, nil
}

// Send posts msg to the remote instance and returns its result.
func (c *Client) Send(ctx context.Context, msg pattern.Message, meta *dispatch.Meta) (any, map[string]any, error) {
	timeout := c.config.Timeout
	if meta != nil && meta.Timeout > 0 {
		timeout = meta.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	env := &Envelope{Kind: KindAct, Msg: msg, Sync: !c.config.Async, TimeoutMS: timeout.Milliseconds()}
	if meta != nil {
		env.ID = meta.ID
		env.Tx = meta.Tx
		env.Origin = meta.Instance
		env.Custom = meta.Custom.Snapshot()
	}

	c.logger.Debug("forwarding call", "call_id", env.ID, "url", c.config.URL, "async", c.config.Async)

	if !c.config.Async {
		resp, err := c.post(ctx, "/act", env, http.StatusOK)
		if err != nil {
			return nil, nil, err
		}
		return result(resp)
	}

	deadline := time.Now().Add(timeout)
	if timeout <= 0 {
		deadline = time.Now().Add(dispatch.DefaultTimeout)
	}
	if !c.corr.Expect(env.ID, deadline) {
		return nil, nil, fmt.Errorf("call %s is already awaiting a reply", env.ID)
	}
	env.ReplyTo = c.config.ReplyTo
	if _, err := c.post(ctx, "/act", env, http.StatusAccepted); err != nil {
		return nil, nil, err
	}
	resp, err := c.corr.Await(ctx, env.ID)
	if err != nil {
		return nil, nil, err
	}
	return result(resp)
}

func result(env *Envelope) (any, map[string]any, error) {
	if env.Err != nil {
		return nil, env.Custom, env.Err.remote()
	}
	return env.Res, env.Custom, nil
}

// post sends env and decodes a reply envelope when the remote answers with
// one.
func (c *Client) post(ctx context.Context, path string, env *Envelope, want int) (*Envelope, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, env); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL+path, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(buf.Bytes(), c.config.Secret))
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode != want {
		var er ErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			return nil, fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, er.Error)
		}
		return nil, fmt.Errorf("post %s: status %d", path, resp.StatusCode)
	}
	if want == http.StatusAccepted {
		return nil, nil
	}
	out, err := Decode(body)
	if err != nil {
		return nil, err
	}
	if out.Kind != KindRes {
		return nil, fmt.Errorf("post %s: expected a %q envelope, got %q", path, KindRes, out.Kind)
	}
	return out, nil
}
