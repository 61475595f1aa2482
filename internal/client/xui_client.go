package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// XUIClient opens sessions against 3x-ui panels. It keeps no per-panel state:
// every OpenSession logs in again with a fresh cookie jar.
type XUIClient struct {
	timeout   time.Duration
	transport http.RoundTripper
}

// NewXUIClient creates a new 3x-ui panel client
func NewXUIClient(timeout time.Duration, insecureTLS bool) *XUIClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureTLS {
		// Panels commonly run on self-signed certificates
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &XUIClient{
		timeout:   timeout,
		transport: transport,
	}
}

// Session is an authenticated connection to one panel
type Session struct {
	baseURL    string
	httpClient *http.Client
}

// apiResponse is the envelope every panel endpoint answers with
type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// OpenSession logs in to the panel and returns the inbound with the given id.
// Transport and auth failures wrap ErrUnreachable; a missing inbound wraps
// ErrInboundNotFound. No retries are made here.
func (c *XUIClient) OpenSession(ctx context.Context, baseURL, username, password string, inboundID int) (*Session, *Inbound, error) {
	session, err := c.Login(ctx, baseURL, username, password)
	if err != nil {
		return nil, nil, err
	}

	inbounds, err := session.ListInbounds(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: list inbounds on %s: %v", ErrUnreachable, session.baseURL, err)
	}

	for _, in := range inbounds {
		if in.ID == inboundID {
			return session, in, nil
		}
	}

	logrus.WithField("panel", session.baseURL).Errorf("[XUIClient] Inbound %d not found", inboundID)
	return nil, nil, fmt.Errorf("%w: id %d on %s", ErrInboundNotFound, inboundID, session.baseURL)
}

// Login authenticates against the panel and returns a session holding its cookie
func (c *XUIClient) Login(ctx context.Context, baseURL, username, password string) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	s := &Session{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Timeout:   c.timeout,
			Transport: c.transport,
			Jar:       jar,
		},
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	result, err := s.call(ctx, http.MethodPost, "/login", []byte(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return nil, fmt.Errorf("%w: login to %s: %v", ErrUnreachable, s.baseURL, err)
	}
	if !result.Success {
		return nil, fmt.Errorf("%w: login to %s refused: %s", ErrUnreachable, s.baseURL, result.Msg)
	}

	logrus.WithField("panel", s.baseURL).Debug("[XUIClient] Logged in")
	return s, nil
}

// BaseURL returns the panel base URL this session talks to
func (s *Session) BaseURL() string {
	return s.baseURL
}

// ListInbounds returns every inbound configured on the panel
func (s *Session) ListInbounds(ctx context.Context) ([]*Inbound, error) {
	result, err := s.call(ctx, http.MethodGet, "/panel/api/inbounds/list", nil, "")
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("list inbounds: %s", result.Msg)
	}

	var inbounds []*Inbound
	if len(result.Obj) > 0 && string(result.Obj) != "null" {
		if err := json.Unmarshal(result.Obj, &inbounds); err != nil {
			return nil, fmt.Errorf("decode inbounds: %w", err)
		}
	}
	return inbounds, nil
}

// GetInbound fetches a single inbound by id
func (s *Session) GetInbound(ctx context.Context, id int) (*Inbound, error) {
	result, err := s.call(ctx, http.MethodGet, fmt.Sprintf("/panel/api/inbounds/get/%d", id), nil, "")
	if err != nil {
		return nil, err
	}
	if !result.Success || len(result.Obj) == 0 || string(result.Obj) == "null" {
		return nil, fmt.Errorf("%w: id %d: %s", ErrInboundNotFound, id, result.Msg)
	}

	var inbound Inbound
	if err := json.Unmarshal(result.Obj, &inbound); err != nil {
		return nil, fmt.Errorf("decode inbound: %w", err)
	}
	return &inbound, nil
}

// UpdateInbound replaces the whole inbound, client list included.
//
// The panel has no per-client update with version checks, so two writers
// doing read-modify-write on the same inbound can lose each other's changes.
func (s *Session) UpdateInbound(ctx context.Context, inbound *Inbound) error {
	body, err := json.Marshal(inbound)
	if err != nil {
		return fmt.Errorf("marshal inbound: %w", err)
	}

	result, err := s.call(ctx, http.MethodPost, fmt.Sprintf("/panel/api/inbounds/update/%d", inbound.ID), body, "application/json")
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("%w: update inbound %d: %s", ErrPanelRejected, inbound.ID, result.Msg)
	}

	logrus.WithField("panel", s.baseURL).Debugf("[XUIClient] Inbound %d updated", inbound.ID)
	return nil
}

// DeleteClient removes a client from an inbound
func (s *Session) DeleteClient(ctx context.Context, inboundID int, clientID string) error {
	path := fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", inboundID, url.PathEscape(clientID))
	result, err := s.call(ctx, http.MethodPost, path, nil, "")
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("%w: delete client %s: %s", ErrPanelRejected, clientID, result.Msg)
	}
	return nil
}

func (s *Session) call(ctx context.Context, method, path string, body []byte, contentType string) (*apiResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: send request: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrUnreachable, err)
	}

	// 3x-ui answers 404 to unauthenticated API calls, so a 404 is an auth or
	// base path problem, never a missing object
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: panel returned status %d: %s", ErrUnreachable, resp.StatusCode, truncate(respBody, 256))
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w (body: %s)", ErrUnreachable, err, truncate(respBody, 256))
	}
	return &result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
