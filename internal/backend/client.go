// Package backend is the HTTP client for the requisition service: login,
// pending-requisition fetch, copy-list fetch, and completion reporting.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/xulili-samrt/auto-send-apply-rm-mail/pkg/logx"
)

var (
	// ErrAuthenticationFailed means the backend rejected the credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrNetwork wraps transport-level failures (DNS, refused, timeout).
	ErrNetwork = errors.New("network error")
	// ErrMalformedAuthResponse means login succeeded at the HTTP level but
	// the response carried no usable access token.
	ErrMalformedAuthResponse = errors.New("malformed auth response")
	// ErrUnauthorized marks an authorization-class response on a non-login
	// call. The pipeline treats it as the signal to re-authenticate once.
	ErrUnauthorized = errors.New("unauthorized")
)

// Credentials are owned by the caller; the client never stores them.
type Credentials struct {
	LoginURL string
	Username string
	Password string
}

// badCredentialDetail is the error payload the backend sends for a wrong
// username/password. Matched in addition to (not instead of) the status
// code, since older backend versions answer 200 with this body.
const badCredentialDetail = "用户名或密码错误"

const defaultTimeout = 30 * time.Second

// RequisitionItem is one pending raw-material requisition, an immutable
// snapshot fetched per pipeline run. Field tags follow the backend's wire
// names.
type RequisitionItem struct {
	ApplyDate     string      `json:"applyDate"`
	MaterialID    string      `json:"rawMaterial_id"`
	MaterialName  string      `json:"rawMaterial__name"`
	MaterialCode  string      `json:"rawMaterial__sapCode"`
	ApplicantName string      `json:"applier__username"`
	Quantity      json.Number `json:"qty"`
}

// Config carries the three endpoint URLs from the configuration store.
type Config struct {
	RequisitionsURL string
	CopyListURL     string
	Timeout         time.Duration
}

type Client struct {
	mu   sync.RWMutex
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

// Apply swaps endpoint configuration at runtime (config hot reload). The
// HTTP client and its timeout are rebuilt only when the timeout changed.
func (c *Client) Apply(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.cfg
	c.cfg = cfg
	if cfg.Timeout != old.Timeout {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
}

func (c *Client) snapshot() (Config, *http.Client) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.http
}

// Login performs one fresh authentication round trip and returns the
// resulting session. It never reuses prior state; calling it again is the
// explicit refresh transition.
func (c *Client) Login(ctx context.Context, creds Credentials) (*Session, error) {
	if strings.TrimSpace(creds.Username) == "" || strings.TrimSpace(creds.Password) == "" {
		return nil, fmt.Errorf("%w: username and password required", ErrAuthenticationFailed)
	}

	body, err := json.Marshal(map[string]string{
		"username": strings.TrimSpace(creds.Username),
		"password": strings.TrimSpace(creds.Password),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.LoginURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")

	_, httpc := c.snapshot()
	resp, err := httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: login: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading login response: %v", ErrNetwork, err)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		Detail      string `json:"detail"`
	}
	// Tolerate undecodable bodies here; classification below handles them.
	_ = json.Unmarshal(raw, &payload)

	if isAuthStatus(resp.StatusCode) || payload.Detail == badCredentialDetail {
		return nil, fmt.Errorf("%w: backend said %q (status %d)", ErrAuthenticationFailed, payload.Detail, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: login status %d", ErrNetwork, resp.StatusCode)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return nil, fmt.Errorf("%w: no access_token in response", ErrMalformedAuthResponse)
	}

	c.log.Debug("authenticated", logx.String("url", creds.LoginURL))
	return &Session{Token: payload.AccessToken}, nil
}

// FetchRequisitions returns the pending requisitions, possibly empty.
func (c *Client) FetchRequisitions(ctx context.Context, sess *Session) ([]RequisitionItem, error) {
	cfg, _ := c.snapshot()
	var items []RequisitionItem
	if err := c.getJSON(ctx, cfg.RequisitionsURL, sess, &items); err != nil {
		return nil, fmt.Errorf("fetch requisitions: %w", err)
	}
	return items, nil
}

// FetchCopyEmails returns the cc addresses from the copy-list endpoint,
// preserving order and skipping entries without an address.
func (c *Client) FetchCopyEmails(ctx context.Context, sess *Session) ([]string, error) {
	cfg, _ := c.snapshot()
	var entries []struct {
		Email string `json:"email"`
	}
	if err := c.getJSON(ctx, cfg.CopyListURL, sess, &entries); err != nil {
		return nil, fmt.Errorf("fetch copy list: %w", err)
	}
	emails := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.Email) != "" {
			emails = append(emails, e.Email)
		}
	}
	return emails, nil
}

// ReportCompletion tells the backend the notification went out so the items
// are not re-sent next cycle.
func (c *Client) ReportCompletion(ctx context.Context, sess *Session, submitDate time.Time) error {
	body, err := json.Marshal(map[string]any{
		"success":    true,
		"submitDate": submitDate.Format("2006-01-02"),
	})
	if err != nil {
		return err
	}

	cfg, httpc := c.snapshot()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.RequisitionsURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	applyHeaders(req, sess)

	resp, err := httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: report completion: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if isAuthStatus(resp.StatusCode) {
		return fmt.Errorf("%w: report completion status %d", ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: report completion status %d", ErrNetwork, resp.StatusCode)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, sess *Session, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	applyHeaders(req, sess)

	_, httpc := c.snapshot()
	resp, err := httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if isAuthStatus(resp.StatusCode) {
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode)
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, 8<<20))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrNetwork, err)
	}
	return nil
}

func applyHeaders(req *http.Request, sess *Session) {
	for k, v := range sess.Headers() {
		req.Header.Set(k, v)
	}
}

// isAuthStatus treats any authorization-class status as a refresh trigger
// instead of relying on a single error-message string.
func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}
