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
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/store"
)

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.BuildFilter{
		RepositoryID: q.Get("repo"),
		Status:       model.BuildStatus(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			s.renderError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	builds, err := s.ds.ListBuilds(r.Context(), filter)
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to list builds")
		return
	}
	s.h.RenderJSON(w, http.StatusOK, map[string]any{"builds": builds})
}

// getBuild loads a build and renders the 404 itself on a miss.
func (s *Server) getBuild(w http.ResponseWriter, r *http.Request) *model.Build {
	build, err := s.ds.GetBuild(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.renderError(w, http.StatusNotFound, "build not found")
		return nil
	}
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to load build")
		return nil
	}
	return build
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	build := s.getBuild(w, r)
	if build == nil {
		return
	}
	s.h.RenderJSON(w, http.StatusOK, build)
}

func (s *Server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	err := s.sched.Cancel(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.renderError(w, http.StatusNotFound, "build not found")
		return
	case errors.Is(err, store.ErrConflict):
		s.renderError(w, http.StatusConflict, "build already finished")
		return
	case err != nil:
		s.renderError(w, http.StatusInternalServerError, "failed to cancel build")
		return
	}
	s.h.RenderJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleListBuildSteps(w http.ResponseWriter, r *http.Request) {
	build := s.getBuild(w, r)
	if build == nil {
		return
	}
	steps, err := s.ds.ListBuildSteps(r.Context(), build.ID)
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to list build steps")
		return
	}
	s.h.RenderJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (s *Server) handleListBuildLogs(w http.ResponseWriter, r *http.Request) {
	build := s.getBuild(w, r)
	if build == nil {
		return
	}

	var stepIndex *int
	if raw := r.URL.Query().Get("step"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.renderError(w, http.StatusBadRequest, "step must be a non-negative integer")
			return
		}
		stepIndex = &n
	}

	logs, err := s.ds.ListBuildLogs(r.Context(), build.ID, stepIndex)
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to list build logs")
		return
	}
	s.h.RenderJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// handleBuildLogContent streams one captured log file as plain text.
func (s *Server) handleBuildLogContent(w http.ResponseWriter, r *http.Request) {
	build := s.getBuild(w, r)
	if build == nil {
		return
	}

	q := r.URL.Query()
	stepIndex, err := strconv.Atoi(q.Get("step"))
	if err != nil || stepIndex < 0 {
		s.renderError(w, http.StatusBadRequest, "step must be a non-negative integer")
		return
	}
	stream := model.LogStream(q.Get("stream"))
	if stream == "" {
		stream = model.StreamStdout
	}

	logs, err := s.ds.ListBuildLogs(r.Context(), build.ID, &stepIndex)
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to list build logs")
		return
	}
	var row *model.BuildLog
	for _, l := range logs {
		if l.Stream == stream {
			row = l
			break
		}
	}
	if row == nil {
		s.renderError(w, http.StatusNotFound, "log not found")
		return
	}

	// Log paths are stored relative to the logs root; anything else is a
	// corrupted row, not a file to serve.
	if !filepath.IsLocal(row.LogFilePath) {
		s.renderError(w, http.StatusInternalServerError, "invalid log path")
		return
	}
	f, err := os.Open(filepath.Join(s.cfg.LogsDir, filepath.FromSlash(row.LogFilePath)))
	if err != nil {
		s.renderError(w, http.StatusNotFound, "log file not found")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f) //nolint:errcheck // client went away
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	build := s.getBuild(w, r)
	if build == nil {
		return
	}
	artifacts, err := s.ds.ListBuildArtifacts(r.Context(), build.ID)
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	s.h.RenderJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	build := s.getBuild(w, r)
	if build == nil {
		return
	}

	artifact, err := s.ds.GetBuildArtifact(r.Context(), build.ID, chi.URLParam(r, "artifact_id"))
	if errors.Is(err, store.ErrNotFound) {
		s.renderError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "failed to load artifact")
		return
	}

	f, err := os.Open(artifact.StoragePath)
	if err != nil {
		s.renderError(w, http.StatusNotFound, "artifact file not found")
		return
	}
	defer f.Close()

	contentType := artifact.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(artifact.SizeBytes, 10))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", sanitizeFilename(artifact.Name)))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f) //nolint:errcheck // client went away
}

// sanitizeFilename strips characters that would break or abuse the
// Content-Disposition header.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == '"' || r == '\\' || r == 0x7f {
			return '_'
		}
		return r
	}, name)
}
