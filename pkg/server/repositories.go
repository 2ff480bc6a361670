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
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/go-chi/chi/v5"

	"github.com/oore-ci/oore/pkg/crypto"
	"github.com/oore-ci/oore/pkg/gitlab"
	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/store"
)

// maxBodyBytes bounds every admin request body.
const maxBodyBytes = 1 << 20

// decodeJSON reads a bounded JSON request body.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// newWebhookToken returns a fresh per-repository webhook token: 160 bits
// of entropy, hex-encoded. The server stores only its fingerprint.
func newWebhookToken() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate webhook token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// webhookURL returns the delivery endpoint for a repository.
func (s *Server) webhookURL(repo *model.Repository) string {
	if repo.Provider == model.ProviderGitLab {
		return s.cfg.BaseURL + "/api/webhooks/gitlab/" + repo.ID
	}
	return s.cfg.BaseURL + "/api/webhooks/github"
}

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	repos, err := s.ds.ListRepositories(r.Context(), activeOnly)
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to list repositories")
		return
	}
	s.h.RenderJSON(w, http.StatusOK, map[string]any{"repositories": repos})
}

type createRepositoryRequest struct {
	Provider          model.Provider `json:"provider"`
	Owner             string         `json:"owner"`
	RepoName          string         `json:"repo_name"`
	CloneURL          string         `json:"clone_url"`
	DefaultBranch     string         `json:"default_branch"`
	GitHubRepoID      int64          `json:"github_repo_id,omitempty"`
	GitLabProjectID   int64          `json:"gitlab_project_id,omitempty"`
	GitLabInstanceURL string         `json:"gitlab_instance_url,omitempty"`
}

func (s *Server) handleCreateRepository(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createRepositoryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.renderError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Provider != model.ProviderGitHub && req.Provider != model.ProviderGitLab {
		s.renderError(w, http.StatusBadRequest, "provider must be github or gitlab")
		return
	}
	if req.Owner == "" || req.RepoName == "" || req.CloneURL == "" {
		s.renderError(w, http.StatusBadRequest, "owner, repo_name and clone_url are required")
		return
	}

	now := time.Now().UTC()
	repo := &model.Repository{
		ID:            model.NewID(),
		Provider:      req.Provider,
		Owner:         req.Owner,
		RepoName:      req.RepoName,
		CloneURL:      req.CloneURL,
		DefaultBranch: req.DefaultBranch,
		IsActive:      true,
		GitHubRepoID:  req.GitHubRepoID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}

	// GitLab deliveries authenticate with a per-repository token. It is
	// returned exactly once; only its fingerprint is stored.
	var webhookToken string
	if req.Provider == model.ProviderGitLab {
		if req.GitLabProjectID == 0 {
			s.renderError(w, http.StatusBadRequest, "gitlab_project_id is required for gitlab repositories")
			return
		}
		instance, err := gitlab.NormalizeInstanceURL(req.GitLabInstanceURL)
		if err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		token, err := newWebhookToken()
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, err.Error())
			return
		}
		webhookToken = token
		repo.GitLabProjectID = req.GitLabProjectID
		repo.GitLabInstanceURL = instance
		repo.WebhookSecretFingerprint = crypto.MAC(s.cfg.GitLabServerPepper, token)
	}

	if err := s.ds.CreateRepository(ctx, repo); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			s.renderError(w, http.StatusConflict, "repository already exists")
			return
		}
		s.renderError(w, http.StatusInternalServerError, "failed to create repository")
		return
	}

	resp := map[string]any{
		"repository":  repo,
		"webhook_url": s.webhookURL(repo),
	}
	if webhookToken != "" {
		resp["webhook_token"] = webhookToken
	}
	s.h.RenderJSON(w, http.StatusCreated, resp)
}

// getRepository loads a repository and renders the 404 itself on a miss.
func (s *Server) getRepository(w http.ResponseWriter, r *http.Request) *model.Repository {
	repo, err := s.ds.GetRepository(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.renderError(w, http.StatusNotFound, "repository not found")
		return nil
	}
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to load repository")
		return nil
	}
	return repo
}

func (s *Server) handleGetRepository(w http.ResponseWriter, r *http.Request) {
	repo := s.getRepository(w, r)
	if repo == nil {
		return
	}
	s.h.RenderJSON(w, http.StatusOK, repo)
}

type updateRepositoryRequest struct {
	CloneURL      *string `json:"clone_url,omitempty"`
	DefaultBranch *string `json:"default_branch,omitempty"`
	IsActive      *bool   `json:"is_active,omitempty"`
}

func (s *Server) handleUpdateRepository(w http.ResponseWriter, r *http.Request) {
	repo := s.getRepository(w, r)
	if repo == nil {
		return
	}
	var req updateRepositoryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.renderError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.CloneURL != nil {
		repo.CloneURL = *req.CloneURL
	}
	if req.DefaultBranch != nil {
		repo.DefaultBranch = *req.DefaultBranch
	}
	if req.IsActive != nil {
		repo.IsActive = *req.IsActive
	}
	repo.UpdatedAt = time.Now().UTC()

	if err := s.ds.UpdateRepository(r.Context(), repo); err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to update repository")
		return
	}
	s.h.RenderJSON(w, http.StatusOK, repo)
}

// handleDeleteRepository soft-deletes: build history stays intact and
// webhook deliveries for the repository are refused.
func (s *Server) handleDeleteRepository(w http.ResponseWriter, r *http.Request) {
	repo := s.getRepository(w, r)
	if repo == nil {
		return
	}
	repo.IsActive = false
	repo.UpdatedAt = time.Now().UTC()
	if err := s.ds.UpdateRepository(r.Context(), repo); err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to deactivate repository")
		return
	}
	s.h.RenderJSON(w, http.StatusOK, repo)
}

func (s *Server) handleRepositoryWebhookURL(w http.ResponseWriter, r *http.Request) {
	repo := s.getRepository(w, r)
	if repo == nil {
		return
	}
	s.h.RenderJSON(w, http.StatusOK, map[string]string{
		"webhook_url": s.webhookURL(repo),
	})
}

type triggerBuildRequest struct {
	Branch    string `json:"branch,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
}

// handleTriggerBuild starts a manual build. Without a commit sha the
// build resolves the branch head at clone time.
func (s *Server) handleTriggerBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	repo := s.getRepository(w, r)
	if repo == nil {
		return
	}
	if !repo.IsActive {
		s.renderError(w, http.StatusConflict, "repository is not active")
		return
	}

	var req triggerBuildRequest
	if err := decodeJSON(r, &req); err != nil {
		s.renderError(w, http.StatusBadRequest, err.Error())
		return
	}
	branch := req.Branch
	if branch == "" {
		branch = repo.DefaultBranch
	}
	sha := req.CommitSHA
	if sha == "" {
		sha = branch
	}

	build := &model.Build{
		ID:           model.NewID(),
		RepositoryID: repo.ID,
		CommitSHA:    sha,
		Branch:       branch,
		TriggerType:  model.TriggerManual,
		Status:       model.BuildPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.ds.CreateBuild(ctx, build); err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to create build")
		return
	}
	s.sched.Enqueue(ctx, build.ID)

	logging.FromContext(ctx).InfoContext(ctx, "manual build triggered",
		"repository_id", repo.ID, "build_id", build.ID, "branch", branch)
	s.h.RenderJSON(w, http.StatusAccepted, build)
}
