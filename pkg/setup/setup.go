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

// Package setup drives the provider onboarding flows: the GitHub App
// manifest round-trip and the GitLab OAuth round-trip. Both are
// coordinated through short-lived single-use state tokens so a CLI can
// start a flow, hand the browser off, and poll for the outcome.
package setup

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/oore-ci/oore/pkg/credentials"
	"github.com/oore-ci/oore/pkg/githubapp"
	"github.com/oore-ci/oore/pkg/gitlab"
	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/store"
)

// StateTTL bounds the browser round-trip.
const StateTTL = 10 * time.Minute

var (
	// ErrStateNotFound is returned for an unknown state token.
	ErrStateNotFound = errors.New("setup state not found")

	// ErrStateUnusable is returned when a state token is expired or was
	// already consumed.
	ErrStateUnusable = errors.New("setup state expired or already used")
)

// GitLabClientFunc builds an API client for one GitLab instance. The
// server wires this to [gitlab.NewClient] with its SSRF gate.
type GitLabClientFunc func(ctx context.Context, instanceURL string) (*gitlab.Client, error)

// Service owns the OAuth state machine and the two provider flows.
type Service struct {
	ds           store.Datastore
	creds        *credentials.Store
	baseURL      string
	gitlabClient GitLabClientFunc
}

// NewService wires the setup flows. baseURL is the externally reachable
// origin of this server, without a trailing slash.
func NewService(ds store.Datastore, creds *credentials.Store, baseURL string, gitlabClient GitLabClientFunc) *Service {
	return &Service{ds: ds, creds: creds, baseURL: baseURL, gitlabClient: gitlabClient}
}

// newStateToken returns 128 bits of entropy, hex-encoded. The token is
// both the CSRF state and the polling authorization.
func newStateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// CreateState opens a new setup flow for a provider.
func (s *Service) CreateState(ctx context.Context, provider model.Provider, instanceURL string) (*model.OAuthState, error) {
	token, err := newStateToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	state := &model.OAuthState{
		State:       token,
		Provider:    provider,
		InstanceURL: instanceURL,
		ExpiresAt:   now.Add(StateTTL),
		CreatedAt:   now,
	}
	if err := s.ds.CreateOAuthState(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to create setup state: %w", err)
	}

	// Opportunistic housekeeping; stale rows carry no value once the
	// polling window has passed.
	if err := s.ds.DeleteExpiredOAuthStates(ctx, now.Add(-24*time.Hour)); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "failed to prune expired setup states", "error", err)
	}
	return state, nil
}

// StateStatus is the poll response of a setup flow. It never carries
// the internal app_id/app_name overload.
type StateStatus struct {
	Status       model.OAuthStateStatus `json:"status"`
	Provider     model.Provider         `json:"provider"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// Status reports the observable state of a flow. The state token is the
// authorization.
func (s *Service) Status(ctx context.Context, stateToken string) (*StateStatus, error) {
	state, err := s.ds.GetOAuthState(ctx, stateToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load setup state: %w", err)
	}
	return &StateStatus{
		Status:       state.Status(time.Now().UTC()),
		Provider:     state.Provider,
		ErrorMessage: state.ErrorMessage,
	}, nil
}

// consume performs the atomic single-use claim of a state token. An
// expired token is unusable even if a stale row still exists.
func (s *Service) consume(ctx context.Context, stateToken string, provider model.Provider) (*model.OAuthState, error) {
	now := time.Now().UTC()
	state, err := s.ds.ConsumeOAuthState(ctx, stateToken, provider, now)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrStateNotFound
	}
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrStateUnusable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume setup state: %w", err)
	}
	if state.Status(now) == model.OAuthStateExpired {
		return nil, ErrStateUnusable
	}
	return state, nil
}

// fail records a post-consume failure on the state row so the polling
// CLI sees it. The passed error is returned unchanged.
func (s *Service) fail(ctx context.Context, stateToken string, cause error) error {
	if err := s.ds.FailOAuthState(ctx, stateToken, cause.Error()); err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "failed to record setup failure",
			"error", err)
	}
	return cause
}

// GitHubManifest returns the manifest document and form target for the
// App creation page. The state token rides along as the manifest-flow
// state parameter.
func (s *Service) GitHubManifest(stateToken string) (*githubapp.Manifest, string) {
	target := "https://github.com/settings/apps/new?state=" + stateToken
	return githubapp.NewManifest(s.baseURL, ""), target
}

// CompleteGitHubManifest finishes the manifest flow: it claims the
// state, converts the one-time code into app credentials, stores them
// encrypted, and completes the state row.
func (s *Service) CompleteGitHubManifest(ctx context.Context, stateToken, code string) error {
	logger := logging.FromContext(ctx)

	if _, err := s.consume(ctx, stateToken, model.ProviderGitHub); err != nil {
		return err
	}

	cfg, err := githubapp.CompleteManifest(ctx, code)
	if err != nil {
		return s.fail(ctx, stateToken, err)
	}

	app := &credentials.GitHubApp{
		AppID:         cfg.GetID(),
		AppSlug:       cfg.GetSlug(),
		AppName:       cfg.GetName(),
		HTMLURL:       cfg.GetHTMLURL(),
		ClientID:      cfg.GetClientID(),
		ClientSecret:  cfg.GetClientSecret(),
		WebhookSecret: cfg.GetWebhookSecret(),
		PrivateKeyPEM: []byte(cfg.GetPEM()),
	}
	if err := s.creds.SaveGitHubApp(ctx, app); err != nil {
		return s.fail(ctx, stateToken, err)
	}

	if err := s.ds.CompleteOAuthState(ctx, stateToken, app.AppID, app.AppName, time.Now().UTC()); err != nil {
		logger.ErrorContext(ctx, "failed to complete setup state", "error", err)
	}
	logger.InfoContext(ctx, "github app configured",
		"app_id", app.AppID, "app_slug", app.AppSlug)
	return nil
}

// StartGitLab opens a GitLab OAuth flow for one instance. It requires a
// registered OAuth application for the instance and returns the URL the
// operator's browser must visit.
func (s *Service) StartGitLab(ctx context.Context, instanceURL string) (*model.OAuthState, string, error) {
	normalized, err := gitlab.NormalizeInstanceURL(instanceURL)
	if err != nil {
		return nil, "", err
	}
	app, err := s.creds.ActiveGitLabApp(ctx, normalized)
	if err != nil {
		return nil, "", err
	}

	state, err := s.CreateState(ctx, model.ProviderGitLab, normalized)
	if err != nil {
		return nil, "", err
	}
	authorize := gitlab.AuthorizeURL(normalized, app.ClientID, s.gitlabRedirectURI(), state.State)
	return state, authorize, nil
}

// CompleteGitLab finishes the OAuth flow: claims the state, exchanges
// the code, resolves the authenticated user, and stores the token pair.
func (s *Service) CompleteGitLab(ctx context.Context, stateToken, code string) error {
	logger := logging.FromContext(ctx)

	state, err := s.consume(ctx, stateToken, model.ProviderGitLab)
	if err != nil {
		return err
	}

	app, err := s.creds.ActiveGitLabApp(ctx, state.InstanceURL)
	if err != nil {
		return s.fail(ctx, stateToken, err)
	}
	client, err := s.gitlabClient(ctx, state.InstanceURL)
	if err != nil {
		return s.fail(ctx, stateToken, err)
	}

	pair, err := client.ExchangeCode(ctx, app.ClientID, app.ClientSecret, code, s.gitlabRedirectURI())
	if err != nil {
		return s.fail(ctx, stateToken, fmt.Errorf("failed to exchange authorization code: %w", err))
	}
	user, err := client.CurrentUser(ctx, pair.AccessToken)
	if err != nil {
		return s.fail(ctx, stateToken, fmt.Errorf("failed to resolve authenticated user: %w", err))
	}

	if err := s.creds.SaveGitLabToken(ctx, &credentials.GitLabToken{
		InstanceURL:  state.InstanceURL,
		UserID:       user.ID,
		Username:     user.Username,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenExpiry:  pair.Expiry(),
	}); err != nil {
		return s.fail(ctx, stateToken, err)
	}

	// app_id/app_name carry the GitLab user on this provider; the status
	// endpoint never exposes them.
	if err := s.ds.CompleteOAuthState(ctx, stateToken, user.ID, user.Username, time.Now().UTC()); err != nil {
		logger.ErrorContext(ctx, "failed to complete setup state", "error", err)
	}
	logger.InfoContext(ctx, "gitlab credential configured",
		"instance_url", state.InstanceURL, "username", user.Username)
	return nil
}

func (s *Service) gitlabRedirectURI() string {
	return s.baseURL + "/setup/gitlab/callback"
}
