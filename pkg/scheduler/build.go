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

package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/oore-ci/oore/pkg/credentials"
	"github.com/oore-ci/oore/pkg/crypto"
	"github.com/oore-ci/oore/pkg/executor"
	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/pipeline"
	"github.com/oore-ci/oore/pkg/signing"
	"github.com/oore-ci/oore/pkg/store"
)

// runBuild executes one build end to end and always leaves it in a
// terminal state. The signal is the cancellation channel shared with the
// Cancel endpoint.
func (s *Scheduler) runBuild(ctx context.Context, buildID string, cancel *executor.Signal) {
	logger := logging.FromContext(ctx)

	build, err := s.ds.GetBuild(ctx, buildID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to load build", "build_id", buildID, "error", err)
		return
	}
	if build.Status != model.BuildPending {
		// Cancelled (or otherwise settled) between enqueue and pickup.
		logger.InfoContext(ctx, "skipping build no longer pending",
			"build_id", buildID, "status", build.Status)
		return
	}

	repo, err := s.ds.GetRepository(ctx, build.RepositoryID)
	if err != nil {
		s.fail(ctx, buildID, fmt.Sprintf("repository %s not found", build.RepositoryID))
		return
	}

	startedAt := time.Now().UTC()
	if err := s.ds.MarkBuildRunning(ctx, buildID, startedAt); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return
		}
		logger.ErrorContext(ctx, "failed to mark build running", "build_id", buildID, "error", err)
		return
	}
	logger.InfoContext(ctx, "build started",
		"build_id", buildID,
		"repository_id", repo.ID,
		"commit_sha", build.CommitSHA,
		"trigger", build.TriggerType)

	bctx, cancelBuild := context.WithTimeout(ctx, time.Duration(s.limits.MaxBuildDurationSecs)*time.Second)
	defer cancelBuild()

	// Keychain setup runs before the clone so provisioning profiles are
	// in place for every step.
	keychain, err := s.setupSigning(bctx, buildID, repo.ID)
	if err != nil {
		s.fail(ctx, buildID, fmt.Sprintf("failed to prepare signing keychain: %v", err))
		return
	}
	if keychain != nil {
		defer keychain.Teardown(ctx)
	}

	workspace := filepath.Join(s.workspacesDir, buildID)
	defer func() {
		if err := s.exec.Cleanup(ctx, workspace); err != nil {
			logger.WarnContext(ctx, "failed to remove workspace",
				"build_id", buildID, "error", err)
		}
	}()

	token, err := s.cloneToken(bctx, repo)
	if err != nil {
		s.fail(ctx, buildID, fmt.Sprintf("failed to resolve clone credentials: %v", err))
		return
	}
	if err := s.exec.CloneRepo(bctx, repo.CloneURL, build.CommitSHA, workspace, token); err != nil {
		s.fail(ctx, buildID, fmt.Sprintf("failed to clone repository: %v", err))
		return
	}

	resolved, err := pipeline.Resolve(bctx, s.ds, repo.ID, workspace)
	if err != nil {
		s.fail(ctx, buildID, err.Error())
		return
	}
	workflow, err := pipeline.Select(bctx, resolved.Pipeline, build.TriggerType, build.Branch)
	if err != nil {
		s.fail(ctx, buildID, err.Error())
		return
	}
	if err := s.ds.SetBuildWorkflow(ctx, buildID, workflow.Key, resolved.Source); err != nil {
		logger.ErrorContext(ctx, "failed to record workflow selection",
			"build_id", buildID, "error", err)
	}

	// A workflow duration shorter than the server cap tightens the
	// deadline; it can never extend it.
	if workflow.MaxBuildDurationMin > 0 {
		wfDeadline := startedAt.Add(time.Duration(workflow.MaxBuildDurationMin) * time.Minute)
		if d, ok := bctx.Deadline(); !ok || wfDeadline.Before(d) {
			var cancelWf context.CancelFunc
			bctx, cancelWf = context.WithDeadline(bctx, wfDeadline)
			defer cancelWf()
		}
	}

	steps := make([]*model.BuildStep, 0, len(workflow.Steps))
	for i, st := range workflow.Steps {
		steps = append(steps, &model.BuildStep{
			ID:            model.NewID(),
			BuildID:       buildID,
			StepIndex:     i,
			Name:          st.Name,
			Script:        st.Script,
			TimeoutSecs:   st.TimeoutSecs,
			IgnoreFailure: st.IgnoreFailure,
			Status:        model.StepPending,
		})
	}
	if err := s.ds.CreateBuildSteps(ctx, steps); err != nil {
		s.fail(ctx, buildID, fmt.Sprintf("failed to persist build steps: %v", err))
		return
	}

	env := buildEnv(build, repo, workflow)
	outcome := s.runSteps(ctx, bctx, build, steps, workspace, env, cancel)

	switch {
	case outcome.cancelled:
		s.finish(ctx, buildID, model.BuildCancelled, "Build cancelled")
	case outcome.failed:
		s.finish(ctx, buildID, model.BuildFailure, outcome.message)
	default:
		if err := s.harvestArtifacts(ctx, build, workflow, workspace); err != nil {
			logger.WarnContext(ctx, "artifact harvest failed",
				"build_id", buildID, "error", err)
		}
		s.finish(ctx, buildID, model.BuildSuccess, "")
	}
}

// stepOutcome summarizes the step loop for the terminal transition.
type stepOutcome struct {
	failed    bool
	cancelled bool
	message   string
}

// runSteps executes the step sequence in index order. A stopping failure
// skips the remainder; a cancellation marks the remainder cancelled.
// Database writes use the parent context so terminal records survive a
// build-deadline expiry.
func (s *Scheduler) runSteps(ctx, bctx context.Context, build *model.Build, steps []*model.BuildStep, workspace string, env []string, cancel *executor.Signal) stepOutcome {
	logger := logging.FromContext(ctx)
	logDir := filepath.Join(s.logsDir, build.ID)

	var out stepOutcome
	for _, step := range steps {
		if out.failed || out.cancelled {
			status := model.StepSkipped
			if out.cancelled {
				status = model.StepCancelled
			}
			if err := s.ds.SkipStep(ctx, step.ID, status); err != nil {
				logger.ErrorContext(ctx, "failed to skip step", "step_id", step.ID, "error", err)
			}
			continue
		}
		if cancel.IsSet() {
			out.cancelled = true
			if err := s.ds.SkipStep(ctx, step.ID, model.StepCancelled); err != nil {
				logger.ErrorContext(ctx, "failed to cancel step", "step_id", step.ID, "error", err)
			}
			continue
		}

		if err := s.ds.MarkStepRunning(ctx, step.ID, time.Now().UTC()); err != nil {
			out.failed = true
			out.message = fmt.Sprintf("failed to start step %d: %v", step.StepIndex, err)
			continue
		}

		timeout := s.limits.StepTimeout(step.TimeoutSecs)
		res, err := s.exec.ExecuteStep(bctx, &executor.StepRequest{
			Workspace:   workspace,
			Script:      step.Script,
			Env:         env,
			TimeoutSecs: int(timeout.Seconds()),
			LogDir:      logDir,
			StepIndex:   step.StepIndex,
			MaxLogBytes: s.limits.MaxLogSizeBytes,
			Cancel:      cancel,
		})
		if res != nil {
			s.recordLogs(ctx, build.ID, step.StepIndex, res)
		}
		finishedAt := time.Now().UTC()

		switch {
		case errors.Is(err, executor.ErrStepCancelled):
			code := -1
			s.finishStep(ctx, step.ID, model.StepCancelled, &code, finishedAt)
			out.cancelled = true

		case errors.Is(err, executor.ErrStepTimeout):
			code := -1
			s.finishStep(ctx, step.ID, model.StepFailure, &code, finishedAt)
			out.failed = true
			out.message = fmt.Sprintf("Step %q timed out after %s", step.Name, timeout)

		case err != nil:
			code := -1
			s.finishStep(ctx, step.ID, model.StepFailure, &code, finishedAt)
			out.failed = true
			if bctx.Err() != nil {
				out.message = fmt.Sprintf("Build exceeded the maximum duration at step %q", step.Name)
			} else {
				out.message = fmt.Sprintf("Step %q failed: %v", step.Name, err)
			}

		case res.ExitCode == 0:
			code := res.ExitCode
			s.finishStep(ctx, step.ID, model.StepSuccess, &code, finishedAt)

		default:
			code := res.ExitCode
			s.finishStep(ctx, step.ID, model.StepFailure, &code, finishedAt)
			if step.IgnoreFailure {
				logger.InfoContext(ctx, "ignoring step failure",
					"build_id", build.ID, "step_index", step.StepIndex, "exit_code", code)
			} else {
				out.failed = true
				out.message = fmt.Sprintf("Step %q failed with exit code %d", step.Name, code)
			}
		}
	}
	return out
}

func (s *Scheduler) finishStep(ctx context.Context, stepID string, status model.StepStatus, exitCode *int, now time.Time) {
	if err := s.ds.FinishStep(ctx, stepID, status, exitCode, now); err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "failed to finish step",
			"step_id", stepID, "status", status, "error", err)
	}
}

// recordLogs writes one metadata row per captured stream. Paths are
// stored relative to the log root so the tree can be relocated.
func (s *Scheduler) recordLogs(ctx context.Context, buildID string, stepIndex int, res *executor.StepResult) {
	logger := logging.FromContext(ctx)

	streams := []struct {
		stream model.LogStream
		path   string
		lines  int
	}{
		{model.StreamStdout, res.StdoutPath, res.StdoutLines},
		{model.StreamStderr, res.StderrPath, res.StderrLines},
	}
	for _, st := range streams {
		if st.path == "" {
			continue
		}
		rel, err := filepath.Rel(s.logsDir, st.path)
		if err != nil {
			rel = st.path
		}
		if err := s.ds.InsertBuildLog(ctx, &model.BuildLog{
			ID:          model.NewID(),
			BuildID:     buildID,
			StepIndex:   stepIndex,
			Stream:      st.stream,
			LogFilePath: rel,
			LineCount:   st.lines,
		}); err != nil {
			logger.ErrorContext(ctx, "failed to insert log row",
				"build_id", buildID, "step_index", stepIndex, "stream", st.stream, "error", err)
		}
	}
}

// cloneToken resolves provider credentials for the clone. Configuration
// errors (missing credential rows, a decryption failure) are fatal for
// the build; transient provider errors degrade to an unauthenticated
// clone, which still works for public repositories.
func (s *Scheduler) cloneToken(ctx context.Context, repo *model.Repository) (string, error) {
	if s.auth == nil {
		return "", nil
	}
	token, err := s.auth.CloneToken(ctx, repo)
	if err != nil {
		if errors.Is(err, credentials.ErrNotConfigured) || errors.Is(err, crypto.ErrDecrypt) {
			return "", err
		}
		logging.FromContext(ctx).WarnContext(ctx, "failed to mint clone token, cloning unauthenticated",
			"repository_id", repo.ID, "error", err)
		return "", nil
	}
	return token, nil
}

// setupSigning builds the ephemeral keychain when the repository has
// signing assets. Returns nil when there is nothing to sign with.
func (s *Scheduler) setupSigning(ctx context.Context, buildID, repositoryID string) (*signing.Keychain, error) {
	if s.creds == nil {
		return nil, nil
	}
	certs, profiles, err := s.creds.SigningAssets(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 && len(profiles) == 0 {
		return nil, nil
	}
	return signing.Setup(ctx, buildID, certs, profiles, s.signingOpts)
}

// buildEnv assembles the step environment: server variables first, then
// workflow variables in sorted order so collisions resolve in favor of
// the workflow.
func buildEnv(build *model.Build, repo *model.Repository, workflow *pipeline.Workflow) []string {
	env := []string{
		"CI=true",
		"OORE=true",
		"OORE_BUILD_ID=" + build.ID,
		"OORE_COMMIT_SHA=" + build.CommitSHA,
		"OORE_BRANCH=" + build.Branch,
		"OORE_REPOSITORY_ID=" + repo.ID,
	}
	keys := make([]string, 0, len(workflow.EnvVars))
	for k := range workflow.EnvVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+workflow.EnvVars[k])
	}
	return env
}

// harvestArtifacts copies workspace files matching the workflow's
// artifact globs into per-build storage and records one row per file. A
// pattern matching nothing is not an error.
func (s *Scheduler) harvestArtifacts(ctx context.Context, build *model.Build, workflow *pipeline.Workflow, workspace string) error {
	if len(workflow.Artifacts) == 0 {
		return nil
	}
	logger := logging.FromContext(ctx)
	root := os.DirFS(workspace)
	seen := map[string]struct{}{}

	for _, pattern := range workflow.Artifacts {
		matches, err := doublestar.Glob(root, pattern)
		if err != nil {
			logger.WarnContext(ctx, "invalid artifact pattern",
				"build_id", build.ID, "pattern", pattern)
			continue
		}
		for _, match := range matches {
			if _, dup := seen[match]; dup {
				continue
			}
			seen[match] = struct{}{}

			info, err := fs.Stat(root, match)
			if err != nil || info.IsDir() {
				continue
			}
			artifact, err := s.storeArtifact(build.ID, workspace, match, info.Size())
			if err != nil {
				logger.WarnContext(ctx, "failed to store artifact",
					"build_id", build.ID, "path", match, "error", err)
				continue
			}
			if err := s.ds.InsertBuildArtifact(ctx, artifact); err != nil {
				logger.ErrorContext(ctx, "failed to record artifact",
					"build_id", build.ID, "path", match, "error", err)
				continue
			}
			logger.InfoContext(ctx, "artifact harvested",
				"build_id", build.ID, "path", match, "size_bytes", info.Size())
		}
	}
	return nil
}

// storeArtifact copies one workspace file into artifact storage,
// hashing it along the way.
func (s *Scheduler) storeArtifact(buildID, workspace, relPath string, size int64) (*model.BuildArtifact, error) {
	src, err := os.Open(filepath.Join(workspace, filepath.FromSlash(relPath)))
	if err != nil {
		return nil, err
	}
	defer src.Close()

	dstPath := filepath.Join(s.artifactsDir, buildID, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return nil, err
	}
	dst, err := os.Create(dstPath)
	if err != nil {
		return nil, err
	}
	defer dst.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(dst, h), src); err != nil {
		os.Remove(dstPath)
		return nil, err
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return nil, err
	}

	contentType := mime.TypeByExtension(filepath.Ext(relPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &model.BuildArtifact{
		ID:             model.NewID(),
		BuildID:        buildID,
		Name:           filepath.Base(relPath),
		RelativePath:   relPath,
		StoragePath:    dstPath,
		SizeBytes:      size,
		ContentType:    contentType,
		ChecksumSHA256: hex.EncodeToString(h.Sum(nil)),
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func (s *Scheduler) fail(ctx context.Context, buildID, message string) {
	s.finish(ctx, buildID, model.BuildFailure, message)
}

func (s *Scheduler) finish(ctx context.Context, buildID string, status model.BuildStatus, message string) {
	logger := logging.FromContext(ctx)
	if err := s.ds.FinishBuild(ctx, buildID, status, message, time.Now().UTC()); err != nil {
		logger.ErrorContext(ctx, "failed to finish build",
			"build_id", buildID, "status", status, "error", err)
		return
	}
	logger.InfoContext(ctx, "build finished",
		"build_id", buildID, "status", status, "error_message", message)
}

// sweepDir removes direct children of dir older than the retention
// window.
func sweepDir(dir string, retention time.Duration) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-retention)

	var firstErr error
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
