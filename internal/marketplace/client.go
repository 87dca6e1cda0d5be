package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "kworkbot/pkg/logx"
)

var (
	ErrClosed = errors.New("marketplace client closed")
	ErrAuth   = errors.New("marketplace authentication failed")
)

const (
	DefaultBaseURL = "https://api.kwork.ru"

	// Public credentials of the official mobile app; the user session is
	// established separately via signIn.
	mobileAPIAuth = "Basic bW9iaWxlX2FwaTpxRnZmUmw3dw=="

	maxResponseBytes = 8 << 20
)

type Config struct {
	BaseURL   string
	Login     string
	Password  string
	Timeout   time.Duration
	UserAgent string
}

// Client talks to the Kwork mobile API. It owns the session token and signs
// in lazily on the first request.
//
// It is safe for concurrent use, although the tracker calls it sequentially.
type Client struct {
	cfg  Config
	log  logx.Logger
	http *http.Client

	mu     sync.Mutex
	token  string
	closed bool
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Login) == "" || cfg.Password == "" {
		return nil, errors.New("kwork login and password are required")
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid kwork base url: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(base, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "kworkbot/1.0"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// FetchListings returns the current project feed for the given categories,
// newest first. An expired session is renewed once per call.
func (c *Client) FetchListings(ctx context.Context, categories []int) ([]Listing, error) {
	params := url.Values{}
	if len(categories) > 0 {
		params.Set("categories", joinInts(categories))
	}

	var raw json.RawMessage
	err := c.callAuthed(ctx, "projects", params, &raw)
	if err != nil {
		return nil, err
	}

	var out []Listing
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("projects payload parse: %w", err)
	}
	return out, nil
}

// Close ends the session. It is idempotent and safe to call when no session
// was ever opened.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	token := c.token
	c.token = ""
	c.mu.Unlock()

	if token == "" {
		return nil
	}
	params := url.Values{}
	params.Set("token", token)
	if err := c.post(ctx, "logout", params, nil); err != nil {
		return fmt.Errorf("kwork logout: %w", err)
	}
	c.log.Debug("session closed")
	return nil
}

func (c *Client) callAuthed(ctx context.Context, method string, params url.Values, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, fresh, err := c.session(ctx)
		if err != nil {
			return err
		}
		p := cloneValues(params)
		p.Set("token", token)
		err = c.post(ctx, method, p, out)
		if err == nil {
			return nil
		}
		if !isAuthFailure(err) || fresh {
			return err
		}
		c.log.Info("session rejected; signing in again", logx.String("method", method))
		c.dropToken(token)
	}
	return ErrAuth
}

// session returns the cached token or signs in. fresh reports whether the
// token was obtained during this call.
func (c *Client) session(ctx context.Context) (token string, fresh bool, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", false, ErrClosed
	}
	if c.token != "" {
		t := c.token
		c.mu.Unlock()
		return t, false, nil
	}
	c.mu.Unlock()

	params := url.Values{}
	params.Set("login", c.cfg.Login)
	params.Set("password", c.cfg.Password)

	var resp struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, "signIn", params, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return "", false, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return "", false, err
	}
	if resp.Token == "" {
		return "", false, fmt.Errorf("%w: empty token", ErrAuth)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", false, ErrClosed
	}
	c.token = resp.Token
	c.mu.Unlock()
	c.log.Info("signed in")
	return resp.Token, true, nil
}

func (c *Client) dropToken(token string) {
	c.mu.Lock()
	if c.token == token {
		c.token = ""
	}
	c.mu.Unlock()
}

func (c *Client) post(ctx context.Context, method string, params url.Values, out any) error {
	u := c.cfg.BaseURL + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", mobileAPIAuth)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", method, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode/100 != 2 {
			return &APIError{HTTPStatus: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("%s: decode envelope: %w", method, err)
	}
	if resp.StatusCode/100 != 2 || !env.Success {
		return &APIError{HTTPStatus: resp.StatusCode, Code: env.ErrorCode, Message: env.Error}
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = env.Response
		return nil
	}
	if err := json.Unmarshal(env.Response, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	return nil
}

func isAuthFailure(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.HTTPStatus == http.StatusUnauthorized || apiErr.HTTPStatus == http.StatusForbidden {
		return true
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "token") || strings.Contains(msg, "auth")
}

func joinInts(xs []int) string {
	parts := make([]string, 0, len(xs))
	for _, x := range xs {
		parts = append(parts, strconv.Itoa(x))
	}
	return strings.Join(parts, ",")
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v)+1)
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
