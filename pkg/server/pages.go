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

	"github.com/abcxyz/pkg/logging"

	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/setup"
)

// Browser endpoints of the setup round-trips. They are public: the
// one-time state token is the authorization, the CLI polls the status
// endpoint with the same token.

func (s *Server) handleGitHubCreatePage(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		setup.RenderResultPage(w, http.StatusBadRequest, "Missing state", //nolint:errcheck
			"The setup link is incomplete. Start the flow again from the CLI.")
		return
	}
	if err := s.setup.RenderCreatePage(w, state); err != nil {
		logging.FromContext(r.Context()).ErrorContext(r.Context(),
			"failed to render create page", "error", err)
	}
}

func (s *Server) handleGitHubCallbackPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		setup.RenderResultPage(w, http.StatusBadRequest, "Setup failed", //nolint:errcheck
			"GitHub did not return the expected parameters. Start the flow again from the CLI.")
		return
	}

	if err := s.setup.CompleteGitHubManifest(ctx, state, code); err != nil {
		// The message reaches the polling CLI through the state row; the
		// page stays generic.
		setup.RenderResultPage(w, setupErrorStatus(err), "Setup failed", //nolint:errcheck
			"The GitHub App could not be configured. Check the CLI for details.")
		return
	}
	setup.RenderResultPage(w, http.StatusOK, "GitHub App created", //nolint:errcheck
		"The app is configured. Install it on your account to start receiving webhooks.")
}

func (s *Server) handleGitHubInstalledPage(w http.ResponseWriter, r *http.Request) {
	if err := setup.RenderInstalledPage(w); err != nil {
		logging.FromContext(r.Context()).ErrorContext(r.Context(),
			"failed to render installed page", "error", err)
	}
}

func (s *Server) handleGitLabCallbackPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		setup.RenderResultPage(w, http.StatusBadRequest, "Setup failed", //nolint:errcheck
			"GitLab did not return the expected parameters. Start the flow again from the CLI.")
		return
	}

	if err := s.setup.CompleteGitLab(ctx, state, code); err != nil {
		setup.RenderResultPage(w, setupErrorStatus(err), "Setup failed", //nolint:errcheck
			"The GitLab connection could not be configured. Check the CLI for details.")
		return
	}
	setup.RenderResultPage(w, http.StatusOK, "GitLab connected", //nolint:errcheck
		"The GitLab credential is stored. Enable projects from the CLI to start building.")
}

// handleSetupStatus is the CLI polling endpoint of one provider's setup
// flow.
func (s *Server) handleSetupStatus(provider model.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := r.URL.Query().Get("state")
		if state == "" {
			s.renderError(w, http.StatusBadRequest, "state is required")
			return
		}

		status, err := s.setup.Status(r.Context(), state)
		if errors.Is(err, setup.ErrStateNotFound) {
			s.renderError(w, http.StatusNotFound, "setup state not found")
			return
		}
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "failed to load setup state")
			return
		}
		if status.Provider != provider {
			s.renderError(w, http.StatusNotFound, "setup state not found")
			return
		}
		s.h.RenderJSON(w, http.StatusOK, status)
	}
}
