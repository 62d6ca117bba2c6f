package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"api-governance-agent/internal/event"
	"api-governance-agent/internal/governance"
	"api-governance-agent/internal/profile"
)

const (
	HeaderApplicationID = "X-Application-Id"
	HeaderConfigETag    = "X-Config-ETag"

	DefaultBaseURL = "https://api.collector.local"
	DefaultTimeout = 10 * time.Second

	userAgent    = "api-governance-agent/1.0"
	maxErrorBody = 512
)

type Options struct {
	BaseURL       string
	ApplicationID string
	Timeout       time.Duration
	// HTTPClient overrides the default client; its Timeout is left alone.
	HTTPClient *http.Client
}

// Client talks to the collection backend.
type Client struct {
	base  *url.URL
	appID string
	http  *http.Client
	log   zerolog.Logger
}

func New(opts Options, log zerolog.Logger) (*Client, error) {
	if opts.ApplicationID == "" {
		return nil, fmt.Errorf("application id is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid collector base url %q", opts.BaseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		base:  base,
		appID: opts.ApplicationID,
		http:  hc,
		log:   log.With().Str("component", "transport").Logger(),
	}, nil
}

// Owns reports whether u points at the collector, so capture can skip it.
func (c *Client) Owns(u *url.URL) bool {
	return u != nil && strings.EqualFold(u.Host, c.base.Host)
}

// FetchConfig returns the raw application config and its ETag.
func (c *Client) FetchConfig(ctx context.Context) ([]byte, string, error) {
	body, hdr, err := c.do(ctx, http.MethodGet, "/v1/config", nil)
	if err != nil {
		return nil, "", fmt.Errorf("fetch config: %w", err)
	}
	return body, hdr.Get(HeaderConfigETag), nil
}

func (c *Client) FetchRules(ctx context.Context) ([]governance.Rule, error) {
	body, _, err := c.do(ctx, http.MethodGet, "/v1/rules", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch rules: %w", err)
	}
	var rs []governance.Rule
	if err := json.Unmarshal(body, &rs); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return rs, nil
}

// SubmitEvent sends a single event and returns the config ETag reported back.
func (c *Client) SubmitEvent(ctx context.Context, ev *event.Event) (string, error) {
	_, hdr, err := c.do(ctx, http.MethodPost, "/v1/events", ev)
	if err != nil {
		return "", fmt.Errorf("submit event: %w", err)
	}
	return hdr.Get(HeaderConfigETag), nil
}

func (c *Client) SubmitBatch(ctx context.Context, evs []*event.Event) (string, error) {
	_, hdr, err := c.do(ctx, http.MethodPost, "/v1/events/batch", evs)
	if err != nil {
		return "", fmt.Errorf("submit batch of %d: %w", len(evs), err)
	}
	return hdr.Get(HeaderConfigETag), nil
}

func (c *Client) UpdateUser(ctx context.Context, u profile.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	_, _, err := c.do(ctx, http.MethodPost, "/v1/users", u)
	return wrap("update user", err)
}

func (c *Client) UpdateUsersBatch(ctx context.Context, us []profile.User) error {
	_, _, err := c.do(ctx, http.MethodPost, "/v1/users/batch", us)
	return wrap("update users batch", err)
}

func (c *Client) UpdateCompany(ctx context.Context, co profile.Company) error {
	if err := co.Validate(); err != nil {
		return err
	}
	_, _, err := c.do(ctx, http.MethodPost, "/v1/companies", co)
	return wrap("update company", err)
}

func (c *Client) UpdateCompaniesBatch(ctx context.Context, cs []profile.Company) error {
	_, _, err := c.do(ctx, http.MethodPost, "/v1/companies/batch", cs)
	return wrap("update companies batch", err)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, http.Header, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	req.Header.Set(HeaderApplicationID, c.appID)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Encoding", "gzip")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := readBody(resp)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read response: %w", ErrTransport, err)
	}
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("collector call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(data)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, resp.Header, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(msg)}
	}
	return data, resp.Header, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}
