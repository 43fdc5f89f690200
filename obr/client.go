package obr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	maxAttempts      = 3
	retryInitialWait = time.Second
	retryMaxWait     = 5 * time.Second
)

// Config identifies one partner bank plus the team credentials used
// against it.
type Config struct {
	BankID   string
	BankName string
	BaseURL  string

	ClientID     string
	ClientSecret string

	RequestingBank     string
	RequestingBankName string
}

// Client speaks the Open Banking sandbox protocol of a single partner
// bank. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	log    zerolog.Logger
	tokens TokenStore

	now       func() time.Time
	retryWait time.Duration

	mu   sync.Mutex
	jwks jwksResolver
}

func NewClient(cfg Config, tokens TokenStore, log zerolog.Logger) *Client {
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       log.With().Str("bank", cfg.BankID).Logger(),
		tokens:    tokens,
		now:       time.Now,
		retryWait: retryInitialWait,
	}
}

func (c *Client) BankID() string   { return c.cfg.BankID }
func (c *Client) BankName() string { return c.cfg.BankName }

type callOpts struct {
	method  string
	path    string
	query   url.Values
	body    any
	headers map[string]string
	noAuth  bool
}

// call runs one JSON request against the bank with the shared retry
// policy and decodes the reply. Replies may be objects or bare lists.
func (c *Client) call(ctx context.Context, opts callOpts) (any, error) {
	body, err := c.callRaw(ctx, opts)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return map[string]any{}, nil
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &ProtocolViolationError{Reason: fmt.Sprintf("response is not valid JSON: %v", err)}
	}
	return decoded, nil
}

// callMap is call constrained to object-shaped replies.
func (c *Client) callMap(ctx context.Context, opts callOpts) (map[string]any, error) {
	decoded, err := c.call(ctx, opts)
	if err != nil {
		return nil, err
	}
	m, ok := decoded.(map[string]any)
	if !ok {
		return nil, &ProtocolViolationError{Reason: "expected a JSON object"}
	}
	return m, nil
}

func (c *Client) callRaw(ctx context.Context, opts callOpts) ([]byte, error) {
	target, err := c.buildURL(opts.path, opts.query)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if opts.body != nil {
		payload, err = json.Marshal(opts.body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	var token string
	if !opts.noAuth {
		token, err = c.Token(ctx)
		if err != nil {
			return nil, err
		}
	}

	var responseBody []byte
	op := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}

		r, err := http.NewRequestWithContext(ctx, opts.method, target, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}

		if payload != nil {
			r.Header.Set("Content-Type", "application/json")
		}
		if !opts.noAuth {
			r.Header.Set("Authorization", "Bearer "+token)
			r.Header.Set("X-Requesting-Bank", c.cfg.RequestingBank)
			r.Header.Set("X-Fapi-Interaction-Id", uuid.NewString())
		}
		for k, v := range opts.headers {
			r.Header.Set(k, v)
		}

		rsp, err := c.http.Do(r)
		if err != nil {
			return &TransportError{Op: opts.method + " " + opts.path, Err: err}
		}
		defer rsp.Body.Close()

		b, err := io.ReadAll(rsp.Body)
		if err != nil {
			return &TransportError{Op: "read " + opts.path, Err: err}
		}

		switch {
		case rsp.StatusCode >= 500:
			return &UpstreamServerError{Status: rsp.StatusCode, Body: string(b)}
		case rsp.StatusCode >= 400:
			if rsp.StatusCode == http.StatusUnauthorized && !opts.noAuth {
				// stale token, do not keep serving it
				_ = c.tokens.Invalidate(c.cfg.BankID)
			}
			return backoff.Permanent(&UpstreamClientError{Status: rsp.StatusCode, Body: string(b)})
		}

		responseBody = b
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Dur("wait", wait).
			Str("path", opts.path).Msg("retrying bank call")
	}

	if err := backoff.RetryNotify(op, c.newBackoff(ctx), notify); err != nil {
		return nil, err
	}
	return responseBody, nil
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryWait
	bo.MaxInterval = retryMaxWait
	bo.RandomizationFactor = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx)
}

func (c *Client) buildURL(path string, query url.Values) (string, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.cfg.BaseURL + path
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("build url for %s: %w", path, err)
	}
	if query != nil {
		q := parsed.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		parsed.RawQuery = q.Encode()
	}
	return parsed.String(), nil
}

// resolveAgainstBase turns a possibly relative pagination link into an
// absolute URL of this bank.
func (c *Client) resolveAgainstBase(link string) (string, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(link)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
