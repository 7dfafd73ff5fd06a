// Package workos implements identity.Service against the WorkOS
// user-management REST API.
package workos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/idmigrate/internal/identity"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://api.workos.com"

// LocalBaseURL is the endpoint of a locally running API (development only).
const LocalBaseURL = "http://localhost:7000"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Client talks to the WorkOS API. Safe for concurrent use.
type Client struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets a per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New creates a client for baseURL authenticated with apiKey.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("workos: API key is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("workos: parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("workos: unsupported base URL scheme %q", u.Scheme)
	}

	c := &Client{
		baseURL: u,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type createUserRequest struct {
	Email            string `json:"email"`
	EmailVerified    *bool  `json:"email_verified,omitempty"`
	FirstName        string `json:"first_name,omitempty"`
	LastName         string `json:"last_name,omitempty"`
	PasswordHash     string `json:"password_hash,omitempty"`
	PasswordHashType string `json:"password_hash_type,omitempty"`
}

type updatePasswordRequest struct {
	PasswordHash     string `json:"password_hash"`
	PasswordHashType string `json:"password_hash_type"`
}

type enrollFactorRequest struct {
	Type       string `json:"type"`
	TOTPSecret string `json:"totp_secret"`
}

type listUsersResponse struct {
	Data []identity.User `json:"data"`
}

// CreateUser implements identity.Service.
func (c *Client) CreateUser(ctx context.Context, params identity.CreateUserParams) (identity.User, error) {
	req := createUserRequest{
		Email:         params.Email,
		EmailVerified: params.EmailVerified,
		FirstName:     params.FirstName,
		LastName:      params.LastName,
	}
	if params.Password != nil {
		req.PasswordHash = params.Password.Hash
		req.PasswordHashType = params.Password.Type
	}

	var user identity.User
	err := c.do(ctx, "create user", http.MethodPost, "/user_management/users", nil, req, &user)
	return user, err
}

// ListUsersByEmail implements identity.Service.
func (c *Client) ListUsersByEmail(ctx context.Context, email string) ([]identity.User, error) {
	var resp listUsersResponse
	query := url.Values{"email": {email}}
	if err := c.do(ctx, "list users", http.MethodGet, "/user_management/users", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// UpdatePassword implements identity.Service.
func (c *Client) UpdatePassword(ctx context.Context, userID string, password identity.PasswordHash) error {
	req := updatePasswordRequest{PasswordHash: password.Hash, PasswordHashType: password.Type}
	return c.do(ctx, "update password", http.MethodPut, "/user_management/users/"+url.PathEscape(userID), nil, req, nil)
}

// EnrollTOTP implements identity.Service.
func (c *Client) EnrollTOTP(ctx context.Context, userID, secret string) error {
	req := enrollFactorRequest{Type: "totp", TOTPSecret: secret}
	return c.do(ctx, "enroll totp", http.MethodPost, "/user_management/users/"+url.PathEscape(userID)+"/auth_factors", nil, req, nil)
}

// do sends one request and decodes a 2xx JSON body into out (if non-nil).
// 429 becomes *identity.RateLimitedError; other failures *identity.APIError.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return &identity.RateLimitedError{Op: op, RetryAfter: parseRetryAfter(resp.Header)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(op, resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func decodeAPIError(op string, resp *http.Response) error {
	apiErr := &identity.APIError{Op: op, Status: resp.StatusCode}

	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(b, &payload) == nil {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Message
	}
	return apiErr
}

// parseRetryAfter reads a Retry-After header given either as delta-seconds
// or as an HTTP-date. Returns 0 when absent or unusable.
func parseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

var _ identity.Service = (*Client)(nil)
