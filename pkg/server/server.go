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

// Package server assembles the HTTP surface: public webhook and setup
// routes, browser pages for the onboarding round-trips, and the
// token-guarded admin API.
package server

import (
	"fmt"
	"net/http"

	"github.com/abcxyz/pkg/renderer"
	"github.com/go-chi/chi/v5"

	"github.com/oore-ci/oore/pkg/config"
	"github.com/oore-ci/oore/pkg/credentials"
	"github.com/oore-ci/oore/pkg/githubapp"
	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/scheduler"
	"github.com/oore-ci/oore/pkg/setup"
	"github.com/oore-ci/oore/pkg/store"
	"github.com/oore-ci/oore/pkg/version"
	"github.com/oore-ci/oore/pkg/webhook"
)

// Server holds the wired subsystems behind the HTTP surface.
type Server struct {
	cfg   *config.ServerConfig
	h     *renderer.Renderer
	ds    store.Datastore
	creds *credentials.Store
	gh    *githubapp.Client
	setup *setup.Service
	sched *scheduler.Scheduler

	ingress      *webhook.Ingress
	gitlabClient setup.GitLabClientFunc
	auth         *AuthMiddleware
}

// Options carries the dependencies of New.
type Options struct {
	Config       *config.ServerConfig
	Renderer     *renderer.Renderer
	Datastore    store.Datastore
	Credentials  *credentials.Store
	GitHub       *githubapp.Client
	Setup        *setup.Service
	Scheduler    *scheduler.Scheduler
	Ingress      *webhook.Ingress
	GitLabClient setup.GitLabClientFunc
}

// New wires a server. The auth middleware is built from the config's
// trusted-proxy list.
func New(opts *Options) (*Server, error) {
	auth, err := NewAuthMiddleware(opts.Renderer, opts.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to build auth middleware: %w", err)
	}
	return &Server{
		cfg:          opts.Config,
		h:            opts.Renderer,
		ds:           opts.Datastore,
		creds:        opts.Credentials,
		gh:           opts.GitHub,
		setup:        opts.Setup,
		sched:        opts.Scheduler,
		ingress:      opts.Ingress,
		gitlabClient: opts.GitLabClient,
		auth:         auth,
	}, nil
}

// Routes builds the full router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s.h.RenderJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		s.h.RenderJSON(w, http.StatusOK, map[string]string{
			"name":    version.Name,
			"version": version.Version,
			"commit":  version.Commit,
		})
	})

	// Public: webhook ingress.
	r.Post("/api/webhooks/github", s.ingress.HandleGitHub().ServeHTTP)
	r.Post("/api/webhooks/gitlab/{repository_id}", s.ingress.HandleGitLab().ServeHTTP)

	// Public: browser pages of the setup round-trips.
	r.Get("/setup/github/create", s.handleGitHubCreatePage)
	r.Get("/setup/github/callback", s.handleGitHubCallbackPage)
	r.Get("/setup/github/installed", s.handleGitHubInstalledPage)
	r.Get("/setup/gitlab/callback", s.handleGitLabCallbackPage)

	// Public: CLI polling, authorized by the state token itself.
	r.Get("/api/github/setup/status", s.handleSetupStatus(model.ProviderGitHub))
	r.Get("/api/gitlab/setup/status", s.handleSetupStatus(model.ProviderGitLab))

	// Admin API.
	r.Group(func(admin chi.Router) {
		admin.Use(s.auth.RequireAdmin)

		admin.Route("/api/repositories", func(r chi.Router) {
			r.Get("/", s.handleListRepositories)
			r.Post("/", s.handleCreateRepository)
			r.Get("/{id}", s.handleGetRepository)
			r.Put("/{id}", s.handleUpdateRepository)
			r.Delete("/{id}", s.handleDeleteRepository)
			r.Get("/{id}/webhook-url", s.handleRepositoryWebhookURL)
			r.Post("/{id}/trigger", s.handleTriggerBuild)
		})

		admin.Route("/api/builds", func(r chi.Router) {
			r.Get("/", s.handleListBuilds)
			r.Get("/{id}", s.handleGetBuild)
			r.Post("/{id}/cancel", s.handleCancelBuild)
			r.Get("/{id}/steps", s.handleListBuildSteps)
			r.Get("/{id}/logs", s.handleListBuildLogs)
			r.Get("/{id}/logs/content", s.handleBuildLogContent)
			r.Get("/{id}/artifacts", s.handleListArtifacts)
			r.Get("/{id}/artifacts/{artifact_id}", s.handleDownloadArtifact)
		})

		admin.Route("/api/github", func(r chi.Router) {
			r.Get("/manifest", s.handleGitHubManifest)
			r.Post("/callback", s.handleGitHubCallback)
			r.Get("/app", s.handleGetGitHubApp)
			r.Delete("/app", s.handleDeleteGitHubApp)
			r.Get("/installations", s.handleListInstallations)
			r.Post("/sync", s.handleSyncRepositories)
		})

		admin.Route("/api/gitlab", func(r chi.Router) {
			r.Post("/setup", s.handleGitLabSetup)
			r.Post("/callback", s.handleGitLabCallback)
			r.Get("/credentials", s.handleListGitLabCredentials)
			r.Delete("/credentials/{id}", s.handleDeleteGitLabCredential)
			r.Get("/projects", s.handleListGitLabProjects)
			r.Put("/projects/{project_id}/enabled", s.handleEnableGitLabProject)
			r.Delete("/projects/{project_id}/enabled", s.handleDisableGitLabProject)
			r.Post("/refresh", s.handleRefreshGitLabToken)
			r.Post("/apps", s.handleCreateGitLabApp)
		})
	})

	return r
}

// renderError writes the uniform error body.
func (s *Server) renderError(w http.ResponseWriter, code int, msg string) {
	s.h.RenderJSON(w, code, map[string]string{"error": msg})
}
