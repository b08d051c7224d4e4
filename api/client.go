package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Endpoint paths consumed by the SDK.
const (
	LoginPath   = "/login"
	RefreshPath = "/auth/refresh"
	VerifyPath  = "/auth/verify"
	LogoutPath  = "/auth/logout"
	UserPath    = "/current_user"
)

const maxErrorBody = 64 << 10

// IsAuthEndpoint reports whether path is one of the credential endpoints.
// Responses from these endpoints are terminal: a 401 here must never
// trigger the refresh-and-replay recovery, or refresh would recurse into
// itself. Matching is by suffix so a base URL that carries a path prefix
// (https://host/api) still routes its credential endpoints correctly.
func IsAuthEndpoint(path string) bool {
	p := trimTrailingSlash(path)
	for _, ep := range []string{LoginPath, RefreshPath, VerifyPath, LogoutPath} {
		if strings.HasSuffix(p, ep) {
			return true
		}
	}
	return false
}

func trimTrailingSlash(p string) string {
	if len(p) > 1 {
		return strings.TrimRight(p, "/")
	}
	return p
}

// LoginResponse is the /login payload: a credential pair plus the
// authenticated user record.
type LoginResponse struct {
	Access  string          `json:"access"`
	Refresh string          `json:"refresh"`
	User    json.RawMessage `json:"user"`
}

// RefreshResponse is the /auth/refresh payload. Refresh is only present
// when the backend rotates refresh tokens.
type RefreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// Client is a thin typed wrapper over the consumed HTTP endpoints. It does
// no token coordination itself; recovery lives in the session package.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient constructs a Client. httpClient carries the transport policy
// (timeout, bearer injection, 401 recovery); pass a plain client to talk
// to the endpoints without any of that.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
		logger:  logger,
	}
}

// Login exchanges credentials for a token pair and user record.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResponse, error) {
	var out LoginResponse
	payload := map[string]string{"username": username, "password": password}
	if err := c.postJSON(ctx, LoginPath, payload, &out); err != nil {
		return LoginResponse{}, err
	}
	if out.Access == "" || out.Refresh == "" {
		return LoginResponse{}, &Error{Kind: KindServer, Endpoint: LoginPath, Message: "login response missing tokens"}
	}
	return out, nil
}

// Refresh exchanges a refresh token for a new access token and, when the
// backend rotates, a new refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (RefreshResponse, error) {
	var out RefreshResponse
	payload := map[string]string{"refresh": refreshToken}
	if err := c.postJSON(ctx, RefreshPath, payload, &out); err != nil {
		return RefreshResponse{}, err
	}
	if out.Access == "" {
		return RefreshResponse{}, &Error{Kind: KindServer, Endpoint: RefreshPath, Message: "refresh response missing access token"}
	}
	return out, nil
}

// Verify asks the backend whether token is currently valid.
func (c *Client) Verify(ctx context.Context, token string) error {
	payload := map[string]string{"token": token}
	return c.postJSON(ctx, VerifyPath, payload, nil)
}

// Logout revokes a refresh token server-side.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	payload := map[string]string{"refresh": refreshToken}
	return c.postJSON(ctx, LogoutPath, payload, nil)
}

// CurrentUser fetches the identity record for the bearer token attached by
// the transport. The record is opaque to the SDK.
func (c *Client) CurrentUser(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+UserPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(UserPath, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, classifyTransport(UserPath, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fromResponse(UserPath, resp.StatusCode, body)
	}
	return json.RawMessage(body), nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return classifyTransport(path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := fromResponse(path, resp.StatusCode, raw)
		if c.logger != nil {
			c.logger.Debug("api_error", "endpoint", path, "status", resp.StatusCode, "kind", apiErr.Kind.String())
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: KindServer, Endpoint: path, Message: "malformed response body", cause: err}
	}
	return nil
}
