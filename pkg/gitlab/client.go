// Copyright 2025 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gitlab is the authenticated client for GitLab instances,
// including self-hosted deployments. Every connection to a non-trusted
// instance is pinned to the address set validated by the SSRF gate, so
// a DNS record changing after validation cannot redirect requests.
package gitlab

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/sethvargo/go-retry"

	"github.com/oore-ci/oore/pkg/credentials"
)

const (
	connectTimeout = 30 * time.Second
	requestTimeout = 60 * time.Second
)

// APIError is a non-2xx response from a GitLab instance.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gitlab api error: status %d: %s", e.StatusCode, e.Message)
}

// User is the authenticated GitLab account.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// Project is one GitLab project visible to the token.
type Project struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
	DefaultBranch     string `json:"default_branch"`
	HTTPURLToRepo     string `json:"http_url_to_repo"`
	WebURL            string `json:"web_url"`
}

// Owner returns the namespace part of path_with_namespace.
func (p *Project) Owner() string {
	if i := strings.LastIndex(p.PathWithNamespace, "/"); i >= 0 {
		return p.PathWithNamespace[:i]
	}
	return ""
}

// PathName returns the project part of path_with_namespace.
func (p *Project) PathName() string {
	if i := strings.LastIndex(p.PathWithNamespace, "/"); i >= 0 {
		return p.PathWithNamespace[i+1:]
	}
	return p.PathWithNamespace
}

// Hook is a project webhook registration.
type Hook struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

// TokenPair is the response of the OAuth token endpoint.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	CreatedAt    int64  `json:"created_at"`
}

// Expiry computes the absolute expiry of the pair. Zero when the
// instance issues non-expiring tokens.
func (t *TokenPair) Expiry() time.Time {
	if t.ExpiresIn == 0 {
		return time.Time{}
	}
	created := time.Unix(t.CreatedAt, 0)
	if t.CreatedAt == 0 {
		created = time.Now()
	}
	return created.Add(time.Duration(t.ExpiresIn) * time.Second).UTC()
}

// NormalizeInstanceURL canonicalizes an instance URL to its origin:
// lowercase scheme and host, no path, no trailing slash.
func NormalizeInstanceURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid instance url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("instance url must be http(s), got %q", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("instance url %q has no host", raw)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}

// Client talks to one GitLab instance.
type Client struct {
	instanceURL string
	httpClient  *http.Client
	creds       *credentials.Store
}

// NewClient validates the instance against the SSRF gate and returns a
// client whose connections are pinned to the validated addresses.
// caBundle, when non-empty, holds extra PEM roots for instances with a
// private CA.
func NewClient(ctx context.Context, instanceURL string, creds *credentials.Store, gate *Gate, caBundle []byte) (*Client, error) {
	normalized, err := NormalizeInstanceURL(instanceURL)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid instance url: %w", err)
	}

	pinned, err := gate.ValidateHost(ctx, u.Hostname())
	if err != nil {
		return nil, err
	}

	var tlsConfig *tls.Config
	if len(caBundle) > 0 {
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(caBundle) {
			return nil, fmt.Errorf("no certificates found in CA bundle")
		}
		tlsConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}

	transport := &http.Transport{
		// System proxies would bypass the pinned dial.
		Proxy:               nil,
		DialContext:         pinnedDialer(u.Hostname(), pinned),
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: connectTimeout,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		instanceURL: normalized,
		creds:       creds,
		httpClient: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// InstanceURL returns the normalized origin this client talks to.
func (c *Client) InstanceURL() string { return c.instanceURL }

// pinnedDialer connects only to the validated address set for the
// instance host. Other hosts (never expected) resolve normally.
func pinnedDialer(host string, pinned []netip.Addr) func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialHost, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid dial address %q: %w", addr, err)
		}
		if !strings.EqualFold(dialHost, host) {
			return dialer.DialContext(ctx, network, addr)
		}
		var lastErr error
		for _, ip := range pinned {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no pinned addresses for host %q", host)
		}
		return nil, lastErr
	}
}

// AuthorizeURL builds the browser URL starting an OAuth code flow.
func AuthorizeURL(instanceURL, clientID, redirectURI, state string) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("state", state)
	q.Set("scope", "api")
	return strings.TrimRight(instanceURL, "/") + "/oauth/authorize?" + q.Encode()
}

// ExchangeCode trades an authorization code for a token pair.
func (c *Client) ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*TokenPair, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	return c.tokenRequest(ctx, form)
}

// RefreshToken trades a refresh token for a new pair.
func (c *Client) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*TokenPair, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("refresh_token", refreshToken)
	return c.tokenRequest(ctx, form)
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (*TokenPair, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.instanceURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: excerpt(body)}
	}

	var pair TokenPair
	if err := json.Unmarshal(body, &pair); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if pair.AccessToken == "" {
		return nil, fmt.Errorf("token response carried no access token")
	}
	return &pair, nil
}

// AccessToken returns a live access token for the instance, refreshing
// and persisting a rotated pair when the stored one is near expiry.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	tok, err := c.creds.ActiveGitLabToken(ctx, c.instanceURL)
	if err != nil {
		return "", err
	}
	if !tok.Expired(time.Now()) {
		return tok.AccessToken, nil
	}

	logging.FromContext(ctx).InfoContext(ctx, "refreshing expired gitlab token",
		"instance_url", c.instanceURL)

	app, err := c.creds.ActiveGitLabApp(ctx, c.instanceURL)
	if err != nil {
		return "", fmt.Errorf("token expired and no oauth app registered to refresh it: %w", err)
	}
	pair, err := c.RefreshToken(ctx, app.ClientID, app.ClientSecret, tok.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}

	rotated := &credentials.GitLabToken{
		InstanceURL:  c.instanceURL,
		UserID:       tok.UserID,
		Username:     tok.Username,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenExpiry:  pair.Expiry(),
	}
	if err := c.creds.SaveGitLabToken(ctx, rotated); err != nil {
		return "", err
	}
	return pair.AccessToken, nil
}

// CurrentUser returns the account the token belongs to. Takes the
// token explicitly so the setup flow can validate a pair before it is
// stored.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*User, error) {
	var user User
	if err := c.doJSON(ctx, http.MethodGet, "/api/v4/user", accessToken, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ListProjects returns one page of projects the credential is a member
// of, plus the next page number (0 when exhausted).
func (c *Client) ListProjects(ctx context.Context, page, perPage int) ([]*Project, int, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, 0, err
	}
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 || perPage > 100 {
		perPage = 20
	}

	path := fmt.Sprintf("/api/v4/projects?membership=true&order_by=last_activity_at&page=%d&per_page=%d", page, perPage)
	var projects []*Project
	nextPage, err := c.doJSONPaged(ctx, path, token, &projects)
	if err != nil {
		return nil, 0, err
	}
	return projects, nextPage, nil
}

// GetProject fetches one project by id.
func (c *Client) GetProject(ctx context.Context, projectID int64) (*Project, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	var project Project
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/v4/projects/%d", projectID), token, nil, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// CreateProjectHook registers a push+merge-request webhook carrying
// the per-repository token.
func (c *Client) CreateProjectHook(ctx context.Context, projectID int64, hookURL, hookToken string) (*Hook, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	form := url.Values{}
	form.Set("url", hookURL)
	form.Set("token", hookToken)
	form.Set("push_events", "true")
	form.Set("merge_requests_events", "true")
	form.Set("enable_ssl_verification", "true")

	var hook Hook
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/v4/projects/%d/hooks", projectID), token, form, &hook); err != nil {
		return nil, err
	}
	return &hook, nil
}

// ListProjectHooks enumerates a project's webhooks.
func (c *Client) ListProjectHooks(ctx context.Context, projectID int64) ([]*Hook, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	var hooks []*Hook
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/v4/projects/%d/hooks", projectID), token, nil, &hooks); err != nil {
		return nil, err
	}
	return hooks, nil
}

// DeleteProjectHook removes one webhook registration.
func (c *Client) DeleteProjectHook(ctx context.Context, projectID, hookID int64) error {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/v4/projects/%d/hooks/%d", projectID, hookID), token, nil, nil)
}

// doJSON performs one API call with retry on transient failures.
func (c *Client) doJSON(ctx context.Context, method, path, token string, form url.Values, out any) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := c.doOnce(ctx, method, path, token, form, out)
		return err
	})
}

// doJSONPaged is doJSON for GET list endpoints, additionally returning
// the X-Next-Page header.
func (c *Client) doJSONPaged(ctx context.Context, path, token string, out any) (int, error) {
	var nextPage int
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := c.doOnce(ctx, http.MethodGet, path, token, nil, out)
		if err != nil {
			return err
		}
		nextPage, _ = strconv.Atoi(resp.Header.Get("X-Next-Page"))
		return nil
	})
	return nextPage, err
}

func (c *Client) doOnce(ctx context.Context, method, path, token string, form url.Values, out any) (*http.Response, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.instanceURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network-level failures are worth retrying.
		return nil, retry.RetryableError(fmt.Errorf("gitlab request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, retry.RetryableError(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode >= 500 {
		return nil, retry.RetryableError(&APIError{StatusCode: resp.StatusCode, Message: excerpt(raw)})
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: excerpt(raw)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return resp, nil
}

// IsAPIStatus reports whether err is an APIError with the given code.
func IsAPIStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}
