// Package transport issues authenticated JSON and multipart requests against
// the shop backend. It injects a bearer Authorization header whenever a token
// is persisted; everything above it treats it as a collaborator that performs
// one request and returns one decoded response or an error.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/shopsync/logging"
	"github.com/unkn0wn-root/shopsync/tokenstore"
)

// API is the surface consumers depend on; tests substitute fakes.
type API interface {
	// Request performs one JSON round trip. body and out may be nil.
	Request(ctx context.Context, method, path string, params url.Values, body, out any) error
	// Upload posts content as a single-file multipart body.
	Upload(ctx context.Context, path, field, filename string, content io.Reader, out any) error
}

const (
	defaultTimeout = 15 * time.Second
	maxBody        = 8 << 20 // backend payloads are small; anything bigger is broken
)

var ErrNoBaseURL = errors.New("transport: base URL is required")

type Config struct {
	BaseURL    string
	HTTPClient *http.Client     // nil => client with a 15s timeout
	Tokens     tokenstore.Store // nil => no Authorization header
	Logger     logging.Logger
}

type Client struct {
	base   *url.URL
	http   *http.Client
	tokens tokenstore.Store
	log    logging.Logger
}

var _ API = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: parse base URL: %w", err)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		base:   base,
		http:   hc,
		tokens: cfg.Tokens,
		log:    logging.Or(cfg.Logger),
	}, nil
}

// BaseURL returns the configured base, without a trailing slash.
func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) Request(ctx context.Context, method, path string, params url.Values, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: encode body: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := c.newRequest(ctx, method, path, params, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) Upload(ctx context.Context, path, field, filename string, content io.Reader, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("transport: multipart: %w", err)
	}
	if _, err := io.Copy(fw, content); err != nil {
		return fmt.Errorf("transport: read %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("transport: multipart: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, nil, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, params url.Values, body io.Reader) (*http.Request, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	if c.tokens != nil {
		tok, err := c.tokens.Load()
		if err == nil && tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		} else if err != nil && !errors.Is(err, tokenstore.ErrNoToken) {
			c.log.Warn("token load failed; sending unauthenticated", logging.Fields{"err": err})
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	started := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxBody))
	if err != nil {
		return fmt.Errorf("transport: %s %s: read response: %w", req.Method, req.URL.Path, err)
	}

	c.log.Debug("request done", logging.Fields{
		"method":  req.Method,
		"path":    req.URL.Path,
		"status":  res.StatusCode,
		"elapsed": time.Since(started),
	})

	if res.StatusCode >= 400 {
		return decodeAPIError(res.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("transport: %s %s: decode response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}
