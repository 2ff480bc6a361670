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

// Package scheduler dispatches pending builds to the executor with
// bounded concurrency, owns per-build cancellation, and recovers
// interrupted work at startup. The database is the source of truth:
// every contested transition is optimistic and a conflict means another
// actor got there first.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/oore-ci/oore/pkg/config"
	"github.com/oore-ci/oore/pkg/credentials"
	"github.com/oore-ci/oore/pkg/executor"
	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/signing"
	"github.com/oore-ci/oore/pkg/store"
)

// interruptedMessage is recorded on builds found Running at startup.
const interruptedMessage = "Build interrupted by server restart"

// CloneAuthorizer mints a clone token for a repository. Implementations
// wrap the provider clients; an error satisfying errors.Is with
// [credentials.ErrNotConfigured] or a decryption failure is fatal for
// the build, anything else degrades to an unauthenticated clone.
type CloneAuthorizer interface {
	CloneToken(ctx context.Context, repo *model.Repository) (string, error)
}

// Config wires a Scheduler.
type Config struct {
	Datastore store.Datastore
	Executor  executor.BuildExecutor
	Limits    *config.Limits
	Auth      CloneAuthorizer

	// Credentials supplies iOS signing assets; nil disables signing.
	Credentials *credentials.Store

	// SigningOptions overrides the signing defaults, used by tests.
	SigningOptions *signing.Options

	// Queue carries build ids from the webhook processor and the
	// manual-trigger endpoint.
	Queue chan string

	WorkspacesDir string
	LogsDir       string
	ArtifactsDir  string
}

// Scheduler is the build processor.
type Scheduler struct {
	ds          store.Datastore
	exec        executor.BuildExecutor
	limits      *config.Limits
	auth        CloneAuthorizer
	creds       *credentials.Store
	signingOpts *signing.Options
	queue       chan string

	workspacesDir string
	logsDir       string
	artifactsDir  string

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]*executor.Signal
}

// New creates a scheduler. Call Recover before Run.
func New(cfg *Config) *Scheduler {
	return &Scheduler{
		ds:            cfg.Datastore,
		exec:          cfg.Executor,
		limits:        cfg.Limits,
		auth:          cfg.Auth,
		creds:         cfg.Credentials,
		signingOpts:   cfg.SigningOptions,
		queue:         cfg.Queue,
		workspacesDir: cfg.WorkspacesDir,
		logsDir:       cfg.LogsDir,
		artifactsDir:  cfg.ArtifactsDir,
		sem:           make(chan struct{}, cfg.Limits.MaxConcurrentBuilds),
		cancels:       map[string]*executor.Signal{},
	}
}

// Enqueue offers a build to the dispatcher without blocking. A full
// queue is not an error: the build row is durable and the next startup
// recovery re-enqueues it.
func (s *Scheduler) Enqueue(ctx context.Context, buildID string) {
	select {
	case s.queue <- buildID:
	default:
		logging.FromContext(ctx).WarnContext(ctx, "build queue saturated, deferring to recovery",
			"build_id", buildID)
	}
}

// Recover runs the startup sequence: interrupted Running builds are
// failed, Pending builds are re-enqueued. Must complete before Run
// accepts new work.
func (s *Scheduler) Recover(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	now := time.Now().UTC()

	running, err := s.ds.ListBuilds(ctx, store.BuildFilter{Status: model.BuildRunning})
	if err != nil {
		return fmt.Errorf("failed to list running builds: %w", err)
	}
	for _, b := range running {
		if err := s.ds.FinishBuild(ctx, b.ID, model.BuildFailure, interruptedMessage, now); err != nil {
			logger.ErrorContext(ctx, "failed to fail interrupted build",
				"build_id", b.ID, "error", err)
			continue
		}
		s.failOrphanSteps(ctx, b.ID, now)
		logger.InfoContext(ctx, "failed interrupted build", "build_id", b.ID)
	}

	pending, err := s.ds.ListBuilds(ctx, store.BuildFilter{Status: model.BuildPending})
	if err != nil {
		return fmt.Errorf("failed to list pending builds: %w", err)
	}
	for _, b := range pending {
		s.Enqueue(ctx, b.ID)
	}
	if len(running) > 0 || len(pending) > 0 {
		logger.InfoContext(ctx, "startup recovery complete",
			"interrupted", len(running), "re_enqueued", len(pending))
	}
	return nil
}

// failOrphanSteps closes out steps stranded by a crash: running steps
// fail, pending steps are skipped.
func (s *Scheduler) failOrphanSteps(ctx context.Context, buildID string, now time.Time) {
	logger := logging.FromContext(ctx)

	steps, err := s.ds.ListBuildSteps(ctx, buildID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list steps of interrupted build",
			"build_id", buildID, "error", err)
		return
	}
	for _, step := range steps {
		switch step.Status {
		case model.StepRunning:
			if err := s.ds.FinishStep(ctx, step.ID, model.StepFailure, nil, now); err != nil {
				logger.ErrorContext(ctx, "failed to fail interrupted step",
					"step_id", step.ID, "error", err)
			}
		case model.StepPending:
			if err := s.ds.SkipStep(ctx, step.ID, model.StepSkipped); err != nil {
				logger.ErrorContext(ctx, "failed to skip interrupted step",
					"step_id", step.ID, "error", err)
			}
		}
	}
}

// Run dispatches builds until the context ends, then waits for builds
// in flight to finish.
func (s *Scheduler) Run(ctx context.Context) {
	logger := logging.FromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "scheduler stopping, waiting for builds in flight")
			s.wg.Wait()
			return
		case buildID := <-s.queue:
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				s.wg.Wait()
				return
			}

			signal := executor.NewSignal()
			s.mu.Lock()
			s.cancels[buildID] = signal
			s.mu.Unlock()

			s.wg.Add(1)
			go func() {
				defer func() {
					s.mu.Lock()
					delete(s.cancels, buildID)
					s.mu.Unlock()
					<-s.sem
					s.wg.Done()
				}()
				s.runBuild(ctx, buildID, signal)
			}()
		}
	}
}

// Cancel requests cancellation of a build. Running builds observe the
// signal at their next checkpoint; builds not yet picked up transition
// straight to Cancelled and are skipped at pickup. Cancelling a build
// already terminal returns [store.ErrConflict].
func (s *Scheduler) Cancel(ctx context.Context, buildID string) error {
	s.mu.Lock()
	signal, running := s.cancels[buildID]
	s.mu.Unlock()

	if running {
		signal.Set()
		// The build goroutine records the terminal status itself.
		return nil
	}

	if err := s.ds.FinishBuild(ctx, buildID, model.BuildCancelled, "Build cancelled before execution", time.Now().UTC()); err != nil {
		return err
	}
	logging.FromContext(ctx).InfoContext(ctx, "cancelled queued build", "build_id", buildID)
	return nil
}

// SweepWorkspaces removes leftover workspace directories older than the
// retention window. Completed builds clean up after themselves; this
// catches crash leftovers.
func (s *Scheduler) SweepWorkspaces(ctx context.Context, interval time.Duration) {
	logger := logging.FromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sweepDir(s.workspacesDir, s.limits.WorkspaceRetention()); err != nil {
				logger.WarnContext(ctx, "workspace sweep failed", "error", err)
			}
		}
	}
}
