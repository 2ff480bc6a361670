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

package setup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oore-ci/oore/pkg/credentials"
	"github.com/oore-ci/oore/pkg/crypto"
	"github.com/oore-ci/oore/pkg/gitlab"
	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/store/memory"
)

const testBaseURL = "https://ci.example.com"

func testService(t *testing.T) (*Service, *memory.Store, *credentials.Store) {
	t.Helper()

	ds := memory.New()
	creds, err := credentials.New(ds, make([]byte, crypto.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	clientFn := func(ctx context.Context, instanceURL string) (*gitlab.Client, error) {
		gate, err := gitlab.NewGate(nil, []string{"127.0.0.0/8", "::1/128"}, false)
		if err != nil {
			return nil, err
		}
		return gitlab.NewClient(ctx, instanceURL, creds, gate, nil)
	}
	return NewService(ds, creds, testBaseURL, clientFn), ds, creds
}

func TestCreateStateAndStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _, _ := testService(t)

	state, err := s.CreateState(ctx, model.ProviderGitHub, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(state.State) != 32 {
		t.Errorf("state token length = %d, want 32 hex chars", len(state.State))
	}
	if got := time.Until(state.ExpiresAt); got < 9*time.Minute || got > 11*time.Minute {
		t.Errorf("TTL = %s, want ~10m", got)
	}

	status, err := s.Status(ctx, state.State)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != model.OAuthStatePending || status.Provider != model.ProviderGitHub {
		t.Errorf("status = %+v", status)
	}
}

func TestStatusUnknownState(t *testing.T) {
	t.Parallel()

	s, _, _ := testService(t)
	if _, err := s.Status(context.Background(), "nope"); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("err = %v, want ErrStateNotFound", err)
	}
}

func TestStatusExpiredState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, ds, _ := testService(t)

	stale := &model.OAuthState{
		State:     "deadbeefdeadbeefdeadbeefdeadbeef",
		Provider:  model.ProviderGitHub,
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
		CreatedAt: time.Now().UTC().Add(-11 * time.Minute),
	}
	if err := ds.CreateOAuthState(ctx, stale); err != nil {
		t.Fatal(err)
	}

	status, err := s.Status(ctx, stale.State)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != model.OAuthStateExpired {
		t.Errorf("status = %q, want expired", status.Status)
	}
}

func TestStatusExpiryWinsOverStoredFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, ds, _ := testService(t)
	now := time.Now().UTC()

	// A failed flow whose window has passed reports expired, not failed.
	done := now.Add(-time.Hour)
	failed := &model.OAuthState{
		State:        "fa11edfa11edfa11edfa11edfa11ed00",
		Provider:     model.ProviderGitHub,
		ExpiresAt:    now.Add(-50 * time.Minute),
		ConsumedAt:   &done,
		ErrorMessage: "exchange failed",
		CreatedAt:    now.Add(-time.Hour),
	}
	if err := ds.CreateOAuthState(ctx, failed); err != nil {
		t.Fatal(err)
	}

	status, err := s.Status(ctx, failed.State)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != model.OAuthStateExpired {
		t.Errorf("status = %q, want expired", status.Status)
	}
}

func TestCompleteGitHubManifestExpiredState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, ds, _ := testService(t)

	stale := &model.OAuthState{
		State:     "deadbeefdeadbeefdeadbeefdeadbeef",
		Provider:  model.ProviderGitHub,
		ExpiresAt: time.Now().UTC().Add(-2 * time.Hour),
		CreatedAt: time.Now().UTC().Add(-3 * time.Hour),
	}
	if err := ds.CreateOAuthState(ctx, stale); err != nil {
		t.Fatal(err)
	}

	err := s.CompleteGitHubManifest(ctx, stale.State, "code")
	if !errors.Is(err, ErrStateUnusable) {
		t.Errorf("err = %v, want ErrStateUnusable", err)
	}
}

func TestCompleteGitHubManifestUnknownState(t *testing.T) {
	t.Parallel()

	s, _, _ := testService(t)
	err := s.CompleteGitHubManifest(context.Background(), "missing", "code")
	if !errors.Is(err, ErrStateNotFound) {
		t.Errorf("err = %v, want ErrStateNotFound", err)
	}
}

func TestCompleteGitHubManifestWrongProvider(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _, _ := testService(t)
	state, err := s.CreateState(ctx, model.ProviderGitLab, "https://gitlab.example.com")
	if err != nil {
		t.Fatal(err)
	}

	err = s.CompleteGitHubManifest(ctx, state.State, "code")
	if !errors.Is(err, ErrStateUnusable) {
		t.Errorf("err = %v, want ErrStateUnusable", err)
	}
}

func TestGitHubManifest(t *testing.T) {
	t.Parallel()

	s, _, _ := testService(t)
	manifest, target := s.GitHubManifest("tok123")

	if target != "https://github.com/settings/apps/new?state=tok123" {
		t.Errorf("target = %q", target)
	}
	if manifest.HookAttributes["url"] != testBaseURL+"/api/webhooks/github" {
		t.Errorf("hook url = %q", manifest.HookAttributes["url"])
	}
	if manifest.RedirectURL != testBaseURL+"/setup/github/callback" {
		t.Errorf("redirect url = %q", manifest.RedirectURL)
	}
}

func TestRenderCreatePage(t *testing.T) {
	t.Parallel()

	s, _, _ := testService(t)
	w := httptest.NewRecorder()
	if err := s.RenderCreatePage(w, "tok123"); err != nil {
		t.Fatal(err)
	}

	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := w.Header().Get("Referrer-Policy"); got != "no-referrer" {
		t.Errorf("Referrer-Policy = %q", got)
	}
	if w.Header().Get("Content-Security-Policy") == "" {
		t.Error("missing Content-Security-Policy")
	}
	body := w.Body.String()
	if !strings.Contains(body, "state=tok123") {
		t.Errorf("form target missing state: %s", body)
	}
	if !strings.Contains(body, "name=\"manifest\"") {
		t.Errorf("manifest field missing: %s", body)
	}
}

func TestStartGitLabRequiresApp(t *testing.T) {
	t.Parallel()

	s, _, _ := testService(t)
	_, _, err := s.StartGitLab(context.Background(), "https://gitlab.example.com")
	if !errors.Is(err, credentials.ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestStartGitLab(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _, creds := testService(t)
	if err := creds.SaveGitLabApp(ctx, &credentials.GitLabApp{
		InstanceURL:  "https://gitlab.example.com",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
	}); err != nil {
		t.Fatal(err)
	}

	state, authorize, err := s.StartGitLab(ctx, "HTTPS://GitLab.Example.Com/")
	if err != nil {
		t.Fatal(err)
	}
	if state.InstanceURL != "https://gitlab.example.com" {
		t.Errorf("InstanceURL = %q, want normalized", state.InstanceURL)
	}
	for _, fragment := range []string{
		"https://gitlab.example.com/oauth/authorize",
		"client_id=client-1",
		"state=" + state.State,
		"setup%2Fgitlab%2Fcallback",
	} {
		if !strings.Contains(authorize, fragment) {
			t.Errorf("authorize url %q missing %q", authorize, fragment)
		}
	}
}

// gitlabStub fakes the two endpoints the OAuth completion touches.
func gitlabStub(t *testing.T, tokenStatus int) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			if tokenStatus != http.StatusOK {
				w.WriteHeader(tokenStatus)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "at-1",
				"refresh_token": "rt-1",
				"expires_in":    7200,
				"created_at":    time.Now().Unix(),
			})
		case "/api/v4/user":
			if r.Header.Get("Authorization") != "Bearer at-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"id": 42, "username": "casey", "name": "Casey",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCompleteGitLab(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _, creds := testService(t)
	srv := gitlabStub(t, http.StatusOK)

	instance, err := gitlab.NormalizeInstanceURL(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if err := creds.SaveGitLabApp(ctx, &credentials.GitLabApp{
		InstanceURL:  instance,
		ClientID:     "client-1",
		ClientSecret: "secret-1",
	}); err != nil {
		t.Fatal(err)
	}

	state, err := s.CreateState(ctx, model.ProviderGitLab, instance)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteGitLab(ctx, state.State, "auth-code"); err != nil {
		t.Fatalf("CompleteGitLab: %v", err)
	}

	tok, err := creds.ActiveGitLabToken(ctx, instance)
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "at-1" || tok.RefreshToken != "rt-1" {
		t.Errorf("token pair = %q/%q", tok.AccessToken, tok.RefreshToken)
	}
	if tok.UserID != 42 || tok.Username != "casey" {
		t.Errorf("user = %d/%q", tok.UserID, tok.Username)
	}

	status, err := s.Status(ctx, state.State)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != model.OAuthStateCompleted {
		t.Errorf("status = %q, want completed", status.Status)
	}

	// The token is single-use.
	if err := s.CompleteGitLab(ctx, state.State, "auth-code"); !errors.Is(err, ErrStateUnusable) {
		t.Errorf("second complete = %v, want ErrStateUnusable", err)
	}
}

func TestCompleteGitLabExchangeFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _, creds := testService(t)
	srv := gitlabStub(t, http.StatusUnauthorized)

	instance, err := gitlab.NormalizeInstanceURL(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if err := creds.SaveGitLabApp(ctx, &credentials.GitLabApp{
		InstanceURL:  instance,
		ClientID:     "client-1",
		ClientSecret: "secret-1",
	}); err != nil {
		t.Fatal(err)
	}

	state, err := s.CreateState(ctx, model.ProviderGitLab, instance)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteGitLab(ctx, state.State, "bad-code"); err == nil {
		t.Fatal("expected exchange failure")
	}

	status, err := s.Status(ctx, state.State)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != model.OAuthStateFailed {
		t.Errorf("status = %q, want failed", status.Status)
	}
	if status.ErrorMessage == "" {
		t.Error("failure must carry a message for the polling CLI")
	}
}
