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
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/oore-ci/oore/pkg/credentials"
	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/setup"
	"github.com/oore-ci/oore/pkg/store"
)

// setupErrorStatus maps setup state errors to response codes.
func setupErrorStatus(err error) int {
	switch {
	case errors.Is(err, setup.ErrStateNotFound):
		return http.StatusNotFound
	case errors.Is(err, setup.ErrStateUnusable):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// handleGitHubManifest opens a GitHub App manifest flow: it mints a
// state token and returns the browser URL of the creation page.
func (s *Server) handleGitHubManifest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state, err := s.setup.CreateState(ctx, model.ProviderGitHub, "")
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to start setup flow")
		return
	}
	manifest, _ := s.setup.GitHubManifest(state.State)

	s.h.RenderJSON(w, http.StatusCreated, map[string]any{
		"state":      state.State,
		"expires_at": state.ExpiresAt,
		"create_url": s.cfg.BaseURL + "/setup/github/create?state=" + state.State,
		"manifest":   manifest,
	})
}

type setupCallbackRequest struct {
	State string `json:"state"`
	Code  string `json:"code"`
}

// handleGitHubCallback completes a manifest flow from the API instead of
// the browser page, for headless setups.
func (s *Server) handleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	var req setupCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.renderError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.State == "" || req.Code == "" {
		s.renderError(w, http.StatusBadRequest, "state and code are required")
		return
	}

	if err := s.setup.CompleteGitHubManifest(r.Context(), req.State, req.Code); err != nil {
		s.renderError(w, setupErrorStatus(err), err.Error())
		return
	}
	s.h.RenderJSON(w, http.StatusOK, map[string]string{"status": "configured"})
}

// handleGetGitHubApp returns metadata of the configured app. Secret
// material never leaves the credential store.
func (s *Server) handleGetGitHubApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.creds.ActiveGitHubApp(r.Context())
	if errors.Is(err, credentials.ErrNotConfigured) {
		s.renderError(w, http.StatusNotFound, "no github app configured")
		return
	}
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to load github app")
		return
	}
	s.h.RenderJSON(w, http.StatusOK, map[string]any{
		"id":         app.ID,
		"app_id":     app.AppID,
		"app_slug":   app.AppSlug,
		"app_name":   app.AppName,
		"html_url":   app.HTMLURL,
		"created_at": app.CreatedAt,
	})
}

// handleDeleteGitHubApp removes the stored app credential. Destroying
// the only path to installation tokens requires force=true.
func (s *Server) handleDeleteGitHubApp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.URL.Query().Get("force") != "true" {
		s.renderError(w, http.StatusBadRequest, "deleting the github app credential requires force=true")
		return
	}
	app, err := s.creds.ActiveGitHubApp(ctx)
	if errors.Is(err, credentials.ErrNotConfigured) {
		s.renderError(w, http.StatusNotFound, "no github app configured")
		return
	}
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to load github app")
		return
	}
	if err := s.creds.DeleteGitHubApp(ctx, app.ID); err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to delete github app")
		return
	}

	logging.FromContext(ctx).InfoContext(ctx, "github app credential deleted",
		"app_id", app.AppID)
	s.h.RenderJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListInstallations(w http.ResponseWriter, r *http.Request) {
	installations, err := s.gh.ListInstallations(r.Context())
	if errors.Is(err, credentials.ErrNotConfigured) {
		s.renderError(w, http.StatusNotFound, "no github app configured")
		return
	}
	if err != nil {
		s.renderError(w, http.StatusBadGateway, "failed to list installations")
		return
	}

	out := make([]map[string]any, 0, len(installations))
	for _, inst := range installations {
		out = append(out, map[string]any{
			"id":      inst.GetID(),
			"account": inst.GetAccount().GetLogin(),
		})
	}
	s.h.RenderJSON(w, http.StatusOK, map[string]any{"installations": out})
}

// handleSyncRepositories mirrors every repository the app's
// installations can reach into the local repository table.
func (s *Server) handleSyncRepositories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	installations, err := s.gh.ListInstallations(ctx)
	if errors.Is(err, credentials.ErrNotConfigured) {
		s.renderError(w, http.StatusNotFound, "no github app configured")
		return
	}
	if err != nil {
		s.renderError(w, http.StatusBadGateway, "failed to list installations")
		return
	}

	var created, updated int
	for _, inst := range installations {
		repos, err := s.gh.InstallationRepos(ctx, inst.GetID())
		if err != nil {
			logger.WarnContext(ctx, "failed to list installation repositories",
				"installation_id", inst.GetID(), "error", err)
			continue
		}
		for _, ghRepo := range repos {
			c, u, err := s.upsertGitHubRepo(ctx, inst.GetID(), ghRepo.GetID(),
				ghRepo.GetOwner().GetLogin(), ghRepo.GetName(),
				ghRepo.GetCloneURL(), ghRepo.GetDefaultBranch())
			if err != nil {
				logger.WarnContext(ctx, "failed to sync repository",
					"repo", ghRepo.GetFullName(), "error", err)
				continue
			}
			created += c
			updated += u
		}
	}

	logger.InfoContext(ctx, "repository sync finished",
		"created", created, "updated", updated)
	s.h.RenderJSON(w, http.StatusOK, map[string]int{
		"created": created,
		"updated": updated,
	})
}

func (s *Server) upsertGitHubRepo(ctx context.Context, installationID, nativeID int64, owner, name, cloneURL, defaultBranch string) (created, updated int, _ error) {
	now := time.Now().UTC()

	existing, err := s.ds.GetRepositoryByNativeID(ctx, model.ProviderGitHub, nativeID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		repo := &model.Repository{
			ID:             model.NewID(),
			Provider:       model.ProviderGitHub,
			Owner:          owner,
			RepoName:       name,
			CloneURL:       cloneURL,
			DefaultBranch:  defaultBranch,
			IsActive:       true,
			GitHubRepoID:   nativeID,
			InstallationID: installationID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.ds.CreateRepository(ctx, repo); err != nil {
			return 0, 0, err
		}
		return 1, 0, nil
	case err != nil:
		return 0, 0, err
	default:
		existing.Owner = owner
		existing.RepoName = name
		existing.CloneURL = cloneURL
		existing.DefaultBranch = defaultBranch
		existing.InstallationID = installationID
		existing.UpdatedAt = now
		if err := s.ds.UpdateRepository(ctx, existing); err != nil {
			return 0, 0, err
		}
		return 0, 1, nil
	}
}
