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

// Package githubapp wraps GitHub App authentication on top of the
// credential store: app-level JWT clients for management calls and
// per-installation access tokens for clones and repository APIs.
package githubapp

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	abcgithubapp "github.com/abcxyz/pkg/githubapp"
	"github.com/google/go-github/v69/github"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/oauth2"

	"github.com/oore-ci/oore/pkg/credentials"
)

// tokenExpirySlack refreshes installation tokens this long before
// their stated expiry.
const tokenExpirySlack = 5 * time.Minute

// Client mints GitHub credentials from the stored app. Installation
// tokens are cached per installation id until near expiry; the cache is
// invalidated when the stored app rotates.
type Client struct {
	creds *credentials.Store

	mu     sync.Mutex
	credID string
	tokens map[int64]*installationToken
}

type installationToken struct {
	token     string
	expiresAt time.Time
}

// New creates a client over the credential store.
func New(creds *credentials.Store) *Client {
	return &Client{
		creds:  creds,
		tokens: map[int64]*installationToken{},
	}
}

// readPrivateKey parses a PEM-encoded RSA private key.
func readPrivateKey(pemText []byte) (*rsa.PrivateKey, error) {
	parsedKey, _, err := jwk.DecodePEM(pemText)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PEM formatted key: %w", err)
	}
	privateKey, ok := parsedKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("failed to convert to *rsa.PrivateKey (got %T)", parsedKey)
	}
	return privateKey, nil
}

// AppClient returns a go-github client authenticated as the app itself
// (JWT). Used for installation listing and app management.
func (c *Client) AppClient(ctx context.Context) (*github.Client, error) {
	app, err := c.creds.ActiveGitHubApp(ctx)
	if err != nil {
		return nil, err
	}
	privateKey, err := readPrivateKey(app.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}

	// Empty installation id: the JWT token source does not need one.
	cfg := abcgithubapp.NewConfig(strconv.FormatInt(app.AppID, 10), "", privateKey,
		abcgithubapp.WithJWTTokenCaching(8*time.Minute))
	ghApp := abcgithubapp.New(cfg)

	ts := oauth2.ReuseTokenSource(nil, ghApp)
	return github.NewClient(oauth2.NewClient(ctx, ts)), nil
}

// InstallationToken returns an access token for one installation,
// scoped to all repositories the installation covers. Tokens are cached
// until shortly before expiry.
func (c *Client) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	app, err := c.creds.ActiveGitHubApp(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.credID != app.ID {
		// App rotated; every cached token belongs to the old key.
		c.credID = app.ID
		c.tokens = map[int64]*installationToken{}
	}
	if cached, ok := c.tokens[installationID]; ok && time.Now().Before(cached.expiresAt.Add(-tokenExpirySlack)) {
		token := cached.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	privateKey, err := readPrivateKey(app.PrivateKeyPEM)
	if err != nil {
		return "", err
	}
	cfg := abcgithubapp.NewConfig(
		strconv.FormatInt(app.AppID, 10),
		strconv.FormatInt(installationID, 10),
		privateKey)
	ghApp := abcgithubapp.New(cfg)

	resp, err := ghApp.AccessTokenAllRepos(ctx, &abcgithubapp.TokenRequestAllRepos{
		Permissions: map[string]string{
			"contents": "read",
			"metadata": "read",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to get installation access token: %w", err)
	}
	token, expiresAt, err := parseTokenResponse(resp)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.tokens[installationID] = &installationToken{token: token, expiresAt: expiresAt}
	c.mu.Unlock()
	return token, nil
}

// InstallationClient returns a go-github client authenticated with an
// installation access token.
func (c *Client) InstallationClient(ctx context.Context, installationID int64) (*github.Client, error) {
	token, err := c.InstallationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts)), nil
}

// ListInstallations enumerates every installation of the app.
func (c *Client) ListInstallations(ctx context.Context) ([]*github.Installation, error) {
	client, err := c.AppClient(ctx)
	if err != nil {
		return nil, err
	}

	var all []*github.Installation
	opts := &github.ListOptions{PerPage: 100}
	for {
		installations, resp, err := client.Apps.ListInstallations(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list installations: %w", err)
		}
		all = append(all, installations...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// InstallationRepos enumerates every repository one installation can
// access.
func (c *Client) InstallationRepos(ctx context.Context, installationID int64) ([]*github.Repository, error) {
	client, err := c.InstallationClient(ctx, installationID)
	if err != nil {
		return nil, err
	}

	var all []*github.Repository
	opts := &github.ListOptions{PerPage: 100}
	for {
		repos, resp, err := client.Apps.ListRepos(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list installation repositories: %w", err)
		}
		all = append(all, repos.Repositories...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// CompleteManifest exchanges a manifest-flow code for the newly created
// app's configuration. The call is unauthenticated; the one-time code
// is the proof.
func CompleteManifest(ctx context.Context, code string) (*github.AppConfig, error) {
	client := github.NewClient(nil)
	cfg, _, err := client.Apps.CompleteAppManifest(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to convert app manifest: %w", err)
	}
	return cfg, nil
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// parseTokenResponse extracts the token and expiry from an access
// token response body.
func parseTokenResponse(data string) (string, time.Time, error) {
	var resp tokenResponse
	if err := json.NewDecoder(strings.NewReader(data)).Decode(&resp); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to parse token response: %w", err)
	}
	if resp.Token == "" {
		return "", time.Time{}, fmt.Errorf("no token in response")
	}
	if resp.ExpiresAt.IsZero() {
		resp.ExpiresAt = time.Now().Add(tokenExpirySlack)
	}
	return resp.Token, resp.ExpiresAt, nil
}
