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

// Package credentials is the only component that sees host-provider
// secrets in plaintext. It seals each secret field with the server key
// before handing rows to the datastore and opens them again on read;
// the AEAD associated data binds every ciphertext to its table and row.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oore-ci/oore/pkg/crypto"
	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/store"
)

// Table names used as the AAD prefix. These match the datastore schema;
// changing one invalidates every ciphertext in that table.
const (
	tableGitHubApps           = "github_app_credentials"
	tableGitLabCredentials    = "gitlab_credentials"
	tableGitLabOAuthApps      = "gitlab_oauth_apps"
	tableSigningCertificates  = "signing_certificates"
	tableProvisioningProfiles = "provisioning_profiles"
)

// ErrNotConfigured is returned when no active credential exists for the
// requested provider or instance.
var ErrNotConfigured = errors.New("credential not configured")

// Store wraps the datastore's credential rows with envelope encryption.
type Store struct {
	ds  store.Datastore
	key []byte
}

// New creates a credential store. The key must be exactly
// [crypto.KeySize] bytes.
func New(ds store.Datastore, key []byte) (*Store, error) {
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", crypto.KeySize, len(key))
	}
	return &Store{ds: ds, key: key}, nil
}

func (s *Store) seal(table, rowID string, plaintext []byte) (model.EncryptedField, error) {
	if len(plaintext) == 0 {
		return model.EncryptedField{}, nil
	}
	ciphertext, nonce, err := crypto.Encrypt(s.key, plaintext, table, rowID)
	if err != nil {
		return model.EncryptedField{}, fmt.Errorf("failed to encrypt field: %w", err)
	}
	return model.EncryptedField{Ciphertext: ciphertext, Nonce: nonce}, nil
}

func (s *Store) open(table, rowID string, f model.EncryptedField) ([]byte, error) {
	if f.Empty() {
		return nil, nil
	}
	return crypto.Decrypt(s.key, f.Ciphertext, f.Nonce, table, rowID)
}

// GitHubApp is the decrypted view of the configured GitHub App.
type GitHubApp struct {
	ID            string
	AppID         int64
	AppSlug       string
	AppName       string
	HTMLURL       string
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	PrivateKeyPEM []byte
	CreatedAt     time.Time
}

// SaveGitHubApp encrypts and stores a GitHub App credential, rotating
// out any previously active app. The generated row id is written back
// to app.ID.
func (s *Store) SaveGitHubApp(ctx context.Context, app *GitHubApp) error {
	id := model.NewID()

	clientSecret, err := s.seal(tableGitHubApps, id, []byte(app.ClientSecret))
	if err != nil {
		return err
	}
	webhookSecret, err := s.seal(tableGitHubApps, id, []byte(app.WebhookSecret))
	if err != nil {
		return err
	}
	privateKey, err := s.seal(tableGitHubApps, id, app.PrivateKeyPEM)
	if err != nil {
		return err
	}

	row := &model.GitHubAppCredential{
		ID:            id,
		AppID:         app.AppID,
		AppSlug:       app.AppSlug,
		AppName:       app.AppName,
		HTMLURL:       app.HTMLURL,
		ClientID:      app.ClientID,
		ClientSecret:  clientSecret,
		WebhookSecret: webhookSecret,
		PrivateKey:    privateKey,
		IsActive:      true,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.ds.SaveGitHubApp(ctx, row); err != nil {
		return fmt.Errorf("failed to save github app: %w", err)
	}
	app.ID = id
	app.CreatedAt = row.CreatedAt
	return nil
}

// ActiveGitHubApp returns the decrypted active GitHub App, or
// [ErrNotConfigured] when none exists.
func (s *Store) ActiveGitHubApp(ctx context.Context) (*GitHubApp, error) {
	row, err := s.ds.GetActiveGitHubApp(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load github app: %w", err)
	}

	clientSecret, err := s.open(tableGitHubApps, row.ID, row.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("github app client secret: %w", err)
	}
	webhookSecret, err := s.open(tableGitHubApps, row.ID, row.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("github app webhook secret: %w", err)
	}
	privateKey, err := s.open(tableGitHubApps, row.ID, row.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("github app private key: %w", err)
	}

	return &GitHubApp{
		ID:            row.ID,
		AppID:         row.AppID,
		AppSlug:       row.AppSlug,
		AppName:       row.AppName,
		HTMLURL:       row.HTMLURL,
		ClientID:      row.ClientID,
		ClientSecret:  string(clientSecret),
		WebhookSecret: string(webhookSecret),
		PrivateKeyPEM: privateKey,
		CreatedAt:     row.CreatedAt,
	}, nil
}

// DeleteGitHubApp removes a stored GitHub App credential.
func (s *Store) DeleteGitHubApp(ctx context.Context, id string) error {
	if err := s.ds.DeleteGitHubApp(ctx, id); err != nil {
		return fmt.Errorf("failed to delete github app: %w", err)
	}
	return nil
}

// GitLabToken is the decrypted OAuth token pair for one GitLab instance.
type GitLabToken struct {
	ID           string
	InstanceURL  string
	UserID       int64
	Username     string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	CreatedAt    time.Time
}

// Expired reports whether the access token has passed its expiry, with
// a one-minute safety margin for clock skew and in-flight requests.
func (t *GitLabToken) Expired(now time.Time) bool {
	if t.TokenExpiry.IsZero() {
		return false
	}
	return now.After(t.TokenExpiry.Add(-time.Minute))
}

// SaveGitLabToken encrypts and stores a token pair, rotating out any
// previously active credential for the same instance.
func (s *Store) SaveGitLabToken(ctx context.Context, tok *GitLabToken) error {
	id := model.NewID()

	accessToken, err := s.seal(tableGitLabCredentials, id, []byte(tok.AccessToken))
	if err != nil {
		return err
	}
	refreshToken, err := s.seal(tableGitLabCredentials, id, []byte(tok.RefreshToken))
	if err != nil {
		return err
	}

	row := &model.GitLabCredential{
		ID:           id,
		InstanceURL:  tok.InstanceURL,
		UserID:       tok.UserID,
		Username:     tok.Username,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenExpiry:  tok.TokenExpiry,
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.ds.SaveGitLabCredential(ctx, row); err != nil {
		return fmt.Errorf("failed to save gitlab credential: %w", err)
	}
	tok.ID = id
	tok.CreatedAt = row.CreatedAt
	return nil
}

// ActiveGitLabToken returns the decrypted active token pair for an
// instance, or [ErrNotConfigured].
func (s *Store) ActiveGitLabToken(ctx context.Context, instanceURL string) (*GitLabToken, error) {
	row, err := s.ds.GetActiveGitLabCredential(ctx, instanceURL)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load gitlab credential: %w", err)
	}

	accessToken, err := s.open(tableGitLabCredentials, row.ID, row.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("gitlab access token: %w", err)
	}
	refreshToken, err := s.open(tableGitLabCredentials, row.ID, row.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("gitlab refresh token: %w", err)
	}

	return &GitLabToken{
		ID:           row.ID,
		InstanceURL:  row.InstanceURL,
		UserID:       row.UserID,
		Username:     row.Username,
		AccessToken:  string(accessToken),
		RefreshToken: string(refreshToken),
		TokenExpiry:  row.TokenExpiry,
		CreatedAt:    row.CreatedAt,
	}, nil
}

// ListGitLabTokens returns credential metadata for every stored GitLab
// connection. Token material stays sealed.
func (s *Store) ListGitLabTokens(ctx context.Context) ([]*GitLabToken, error) {
	rows, err := s.ds.ListGitLabCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list gitlab credentials: %w", err)
	}
	out := make([]*GitLabToken, 0, len(rows))
	for _, row := range rows {
		out = append(out, &GitLabToken{
			ID:          row.ID,
			InstanceURL: row.InstanceURL,
			UserID:      row.UserID,
			Username:    row.Username,
			TokenExpiry: row.TokenExpiry,
			CreatedAt:   row.CreatedAt,
		})
	}
	return out, nil
}

// DeleteGitLabToken removes a stored GitLab credential.
func (s *Store) DeleteGitLabToken(ctx context.Context, id string) error {
	if err := s.ds.DeleteGitLabCredential(ctx, id); err != nil {
		return fmt.Errorf("failed to delete gitlab credential: %w", err)
	}
	return nil
}

// GitLabApp is the decrypted view of an operator-registered OAuth
// application on a GitLab instance.
type GitLabApp struct {
	ID           string
	InstanceURL  string
	ClientID     string
	ClientSecret string
}

// SaveGitLabApp encrypts and stores an OAuth application registration.
func (s *Store) SaveGitLabApp(ctx context.Context, app *GitLabApp) error {
	id := model.NewID()

	clientSecret, err := s.seal(tableGitLabOAuthApps, id, []byte(app.ClientSecret))
	if err != nil {
		return err
	}
	row := &model.GitLabOAuthApp{
		ID:           id,
		InstanceURL:  app.InstanceURL,
		ClientID:     app.ClientID,
		ClientSecret: clientSecret,
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.ds.SaveGitLabOAuthApp(ctx, row); err != nil {
		return fmt.Errorf("failed to save gitlab oauth app: %w", err)
	}
	app.ID = id
	return nil
}

// ActiveGitLabApp returns the decrypted OAuth application for an
// instance, or [ErrNotConfigured].
func (s *Store) ActiveGitLabApp(ctx context.Context, instanceURL string) (*GitLabApp, error) {
	row, err := s.ds.GetActiveGitLabOAuthApp(ctx, instanceURL)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load gitlab oauth app: %w", err)
	}

	clientSecret, err := s.open(tableGitLabOAuthApps, row.ID, row.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("gitlab oauth app client secret: %w", err)
	}
	return &GitLabApp{
		ID:           row.ID,
		InstanceURL:  row.InstanceURL,
		ClientID:     row.ClientID,
		ClientSecret: string(clientSecret),
	}, nil
}

// Certificate is a decrypted iOS signing certificate.
type Certificate struct {
	ID       string
	Name     string
	P12      []byte
	Password string
}

// Profile is a decrypted iOS provisioning profile.
type Profile struct {
	ID      string
	UUID    string
	Name    string
	Content []byte
}

// SigningAssets returns every decrypted certificate and provisioning
// profile registered for a repository. Both slices may be empty.
func (s *Store) SigningAssets(ctx context.Context, repositoryID string) ([]*Certificate, []*Profile, error) {
	certRows, err := s.ds.ListSigningCertificates(ctx, repositoryID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list signing certificates: %w", err)
	}
	profileRows, err := s.ds.ListProvisioningProfiles(ctx, repositoryID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list provisioning profiles: %w", err)
	}

	certs := make([]*Certificate, 0, len(certRows))
	for _, row := range certRows {
		p12, err := s.open(tableSigningCertificates, row.ID, row.P12)
		if err != nil {
			return nil, nil, fmt.Errorf("certificate %q: %w", row.Name, err)
		}
		password, err := s.open(tableSigningCertificates, row.ID, row.Password)
		if err != nil {
			return nil, nil, fmt.Errorf("certificate %q password: %w", row.Name, err)
		}
		certs = append(certs, &Certificate{
			ID:       row.ID,
			Name:     row.Name,
			P12:      p12,
			Password: string(password),
		})
	}

	profiles := make([]*Profile, 0, len(profileRows))
	for _, row := range profileRows {
		content, err := s.open(tableProvisioningProfiles, row.ID, row.Profile)
		if err != nil {
			return nil, nil, fmt.Errorf("provisioning profile %q: %w", row.Name, err)
		}
		profiles = append(profiles, &Profile{
			ID:      row.ID,
			UUID:    row.UUID,
			Name:    row.Name,
			Content: content,
		})
	}
	return certs, profiles, nil
}
