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

package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/go-chi/chi/v5"

	"github.com/oore-ci/oore/pkg/credentials"
	"github.com/oore-ci/oore/pkg/crypto"
	"github.com/oore-ci/oore/pkg/gitlab"
	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/store"
)

type gitlabSetupRequest struct {
	InstanceURL string `json:"instance_url"`
}

// handleGitLabSetup opens a GitLab OAuth flow and returns the authorize
// URL the operator's browser must visit.
func (s *Server) handleGitLabSetup(w http.ResponseWriter, r *http.Request) {
	var req gitlabSetupRequest
	if err := decodeJSON(r, &req); err != nil {
		s.renderError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.InstanceURL == "" {
		s.renderError(w, http.StatusBadRequest, "instance_url is required")
		return
	}

	state, authorizeURL, err := s.setup.StartGitLab(r.Context(), req.InstanceURL)
	if errors.Is(err, credentials.ErrNotConfigured) {
		s.renderError(w, http.StatusConflict, "no oauth application registered for this instance")
		return
	}
	if err != nil {
		s.renderError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.h.RenderJSON(w, http.StatusCreated, map[string]any{
		"state":         state.State,
		"expires_at":    state.ExpiresAt,
		"authorize_url": authorizeURL,
	})
}

// handleGitLabCallback completes an OAuth flow from the API instead of
// the browser page, for headless setups.
func (s *Server) handleGitLabCallback(w http.ResponseWriter, r *http.Request) {
	var req setupCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.renderError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.State == "" || req.Code == "" {
		s.renderError(w, http.StatusBadRequest, "state and code are required")
		return
	}

	if err := s.setup.CompleteGitLab(r.Context(), req.State, req.Code); err != nil {
		s.renderError(w, setupErrorStatus(err), err.Error())
		return
	}
	s.h.RenderJSON(w, http.StatusOK, map[string]string{"status": "configured"})
}

// handleListGitLabCredentials returns connection metadata. Token
// material stays sealed in the credential store.
func (s *Server) handleListGitLabCredentials(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.creds.ListGitLabTokens(r.Context())
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to list gitlab credentials")
		return
	}

	out := make([]map[string]any, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, map[string]any{
			"id":           tok.ID,
			"instance_url": tok.InstanceURL,
			"user_id":      tok.UserID,
			"username":     tok.Username,
			"token_expiry": tok.TokenExpiry,
			"created_at":   tok.CreatedAt,
		})
	}
	s.h.RenderJSON(w, http.StatusOK, map[string]any{"credentials": out})
}

func (s *Server) handleDeleteGitLabCredential(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("force") != "true" {
		s.renderError(w, http.StatusBadRequest, "deleting a gitlab credential requires force=true")
		return
	}
	err := s.creds.DeleteGitLabToken(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.renderError(w, http.StatusNotFound, "credential not found")
		return
	}
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to delete gitlab credential")
		return
	}
	s.h.RenderJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// instanceClient builds a gated client for the instance named in the
// query or request, rendering the error itself on failure.
func (s *Server) instanceClient(w http.ResponseWriter, r *http.Request, instanceURL string) *gitlab.Client {
	client, err := s.gitlabClient(r.Context(), instanceURL)
	if err != nil {
		s.renderError(w, http.StatusBadRequest, err.Error())
		return nil
	}
	return client
}

func (s *Server) handleListGitLabProjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	instanceURL := q.Get("instance_url")
	if instanceURL == "" {
		s.renderError(w, http.StatusBadRequest, "instance_url is required")
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))

	client := s.instanceClient(w, r, instanceURL)
	if client == nil {
		return
	}
	projects, nextPage, err := client.ListProjects(r.Context(), page, perPage)
	if errors.Is(err, credentials.ErrNotConfigured) {
		s.renderError(w, http.StatusConflict, "no gitlab credential for this instance")
		return
	}
	if err != nil {
		s.renderError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.h.RenderJSON(w, http.StatusOK, map[string]any{
		"projects":  projects,
		"next_page": nextPage,
	})
}

// handleEnableGitLabProject registers a project for CI: it creates (or
// reactivates) the repository row, rotates the per-repository webhook
// token, and installs the project hook. The token is returned exactly
// once.
func (s *Server) handleEnableGitLabProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	projectID, err := strconv.ParseInt(chi.URLParam(r, "project_id"), 10, 64)
	if err != nil || projectID <= 0 {
		s.renderError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	var req gitlabSetupRequest
	if err := decodeJSON(r, &req); err != nil {
		s.renderError(w, http.StatusBadRequest, err.Error())
		return
	}
	instance, err := gitlab.NormalizeInstanceURL(req.InstanceURL)
	if err != nil {
		s.renderError(w, http.StatusBadRequest, err.Error())
		return
	}

	client := s.instanceClient(w, r, instance)
	if client == nil {
		return
	}
	project, err := client.GetProject(ctx, projectID)
	if err != nil {
		s.renderError(w, http.StatusBadGateway, err.Error())
		return
	}

	token, err := newWebhookToken()
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, err.Error())
		return
	}
	fingerprint := crypto.MAC(s.cfg.GitLabServerPepper, token)

	now := time.Now().UTC()
	repo, err := s.ds.GetRepositoryByNativeID(ctx, model.ProviderGitLab, projectID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		repo = &model.Repository{
			ID:                       model.NewID(),
			Provider:                 model.ProviderGitLab,
			Owner:                    project.Owner(),
			RepoName:                 project.PathName(),
			CloneURL:                 project.HTTPURLToRepo,
			DefaultBranch:            project.DefaultBranch,
			IsActive:                 true,
			WebhookSecretFingerprint: fingerprint,
			GitLabProjectID:          projectID,
			GitLabInstanceURL:        instance,
			CreatedAt:                now,
			UpdatedAt:                now,
		}
		if err := s.ds.CreateRepository(ctx, repo); err != nil {
			s.renderError(w, http.StatusInternalServerError, "failed to create repository")
			return
		}
	case err != nil:
		s.renderError(w, http.StatusInternalServerError, "failed to load repository")
		return
	default:
		repo.CloneURL = project.HTTPURLToRepo
		repo.DefaultBranch = project.DefaultBranch
		repo.IsActive = true
		repo.WebhookSecretFingerprint = fingerprint
		repo.GitLabInstanceURL = instance
		repo.UpdatedAt = now
		if err := s.ds.UpdateRepository(ctx, repo); err != nil {
			s.renderError(w, http.StatusInternalServerError, "failed to update repository")
			return
		}
	}

	hookURL := s.webhookURL(repo)
	hook, err := client.CreateProjectHook(ctx, projectID, hookURL, token)
	if err != nil {
		s.renderError(w, http.StatusBadGateway, err.Error())
		return
	}

	logger.InfoContext(ctx, "gitlab project enabled",
		"repository_id", repo.ID, "project_id", projectID, "hook_id", hook.ID)
	s.h.RenderJSON(w, http.StatusCreated, map[string]any{
		"repository":    repo,
		"webhook_url":   hookURL,
		"webhook_token": token,
	})
}

// handleDisableGitLabProject soft-deletes the repository and removes the
// hooks pointing back at this server.
func (s *Server) handleDisableGitLabProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	projectID, err := strconv.ParseInt(chi.URLParam(r, "project_id"), 10, 64)
	if err != nil || projectID <= 0 {
		s.renderError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	repo, err := s.ds.GetRepositoryByNativeID(ctx, model.ProviderGitLab, projectID)
	if errors.Is(err, store.ErrNotFound) {
		s.renderError(w, http.StatusNotFound, "repository not found")
		return
	}
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to load repository")
		return
	}

	repo.IsActive = false
	repo.UpdatedAt = time.Now().UTC()
	if err := s.ds.UpdateRepository(ctx, repo); err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to deactivate repository")
		return
	}

	// Hook removal is best-effort: the repository row is already inactive,
	// so stray deliveries are refused either way.
	if client, err := s.gitlabClient(ctx, repo.GitLabInstanceURL); err == nil {
		hookURL := s.webhookURL(repo)
		if hooks, err := client.ListProjectHooks(ctx, projectID); err == nil {
			for _, hook := range hooks {
				if !strings.EqualFold(hook.URL, hookURL) {
					continue
				}
				if err := client.DeleteProjectHook(ctx, projectID, hook.ID); err != nil {
					logger.WarnContext(ctx, "failed to delete project hook",
						"project_id", projectID, "hook_id", hook.ID, "error", err)
				}
			}
		}
	}

	s.h.RenderJSON(w, http.StatusOK, repo)
}

// handleRefreshGitLabToken forces a token rotation for one instance.
func (s *Server) handleRefreshGitLabToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req gitlabSetupRequest
	if err := decodeJSON(r, &req); err != nil {
		s.renderError(w, http.StatusBadRequest, err.Error())
		return
	}
	instance, err := gitlab.NormalizeInstanceURL(req.InstanceURL)
	if err != nil {
		s.renderError(w, http.StatusBadRequest, err.Error())
		return
	}

	tok, err := s.creds.ActiveGitLabToken(ctx, instance)
	if errors.Is(err, credentials.ErrNotConfigured) {
		s.renderError(w, http.StatusNotFound, "no gitlab credential for this instance")
		return
	}
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to load gitlab credential")
		return
	}
	app, err := s.creds.ActiveGitLabApp(ctx, instance)
	if errors.Is(err, credentials.ErrNotConfigured) {
		s.renderError(w, http.StatusConflict, "no oauth application registered for this instance")
		return
	}
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to load oauth application")
		return
	}

	client := s.instanceClient(w, r, instance)
	if client == nil {
		return
	}
	pair, err := client.RefreshToken(ctx, app.ClientID, app.ClientSecret, tok.RefreshToken)
	if err != nil {
		s.renderError(w, http.StatusBadGateway, err.Error())
		return
	}

	rotated := &credentials.GitLabToken{
		InstanceURL:  instance,
		UserID:       tok.UserID,
		Username:     tok.Username,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenExpiry:  pair.Expiry(),
	}
	if err := s.creds.SaveGitLabToken(ctx, rotated); err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to store rotated token")
		return
	}

	logging.FromContext(ctx).InfoContext(ctx, "gitlab token rotated",
		"instance_url", instance)
	s.h.RenderJSON(w, http.StatusOK, map[string]any{
		"instance_url": instance,
		"token_expiry": rotated.TokenExpiry,
	})
}

type createGitLabAppRequest struct {
	InstanceURL  string `json:"instance_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// handleCreateGitLabApp registers an operator-created OAuth application
// for one instance.
func (s *Server) handleCreateGitLabApp(w http.ResponseWriter, r *http.Request) {
	var req createGitLabAppRequest
	if err := decodeJSON(r, &req); err != nil {
		s.renderError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		s.renderError(w, http.StatusBadRequest, "client_id and client_secret are required")
		return
	}
	instance, err := gitlab.NormalizeInstanceURL(req.InstanceURL)
	if err != nil {
		s.renderError(w, http.StatusBadRequest, err.Error())
		return
	}

	app := &credentials.GitLabApp{
		InstanceURL:  instance,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
	}
	if err := s.creds.SaveGitLabApp(r.Context(), app); err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to save oauth application")
		return
	}

	s.h.RenderJSON(w, http.StatusCreated, map[string]string{
		"id":           app.ID,
		"instance_url": instance,
		"client_id":    app.ClientID,
	})
}
