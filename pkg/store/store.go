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

// Package store defines the persistence contract of the server. The
// database is the source of truth; contested state transitions are
// expressed as optimistic updates that fail with [ErrConflict] when the
// expected prior state no longer holds.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/oore-ci/oore/pkg/model"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned on unique-constraint violations, notably a
	// webhook (provider, delivery_id) re-delivery.
	ErrDuplicate = errors.New("duplicate")

	// ErrConflict is returned when an optimistic state transition finds the
	// row in an unexpected state.
	ErrConflict = errors.New("state conflict")
)

// BuildFilter narrows ListBuilds.
type BuildFilter struct {
	RepositoryID string
	Status       model.BuildStatus
	Limit        int
}

// Datastore is the single persistence interface the core depends on.
// Implementations must be safe for concurrent use.
type Datastore interface {
	// Repositories. Create fails with ErrDuplicate when
	// (provider, owner, repo_name) or the provider-native id is taken.
	CreateRepository(ctx context.Context, r *model.Repository) error
	UpdateRepository(ctx context.Context, r *model.Repository) error
	GetRepository(ctx context.Context, id string) (*model.Repository, error)
	GetRepositoryByNativeID(ctx context.Context, provider model.Provider, nativeID int64) (*model.Repository, error)
	GetRepositoryByName(ctx context.Context, provider model.Provider, owner, name string) (*model.Repository, error)
	ListRepositories(ctx context.Context, activeOnly bool) ([]*model.Repository, error)

	// Webhook events. Insert fails with ErrDuplicate when
	// (provider, delivery_id) already exists.
	InsertWebhookEvent(ctx context.Context, e *model.WebhookEvent) error
	GetWebhookEvent(ctx context.Context, id string) (*model.WebhookEvent, error)
	GetWebhookEventByDelivery(ctx context.Context, provider model.Provider, deliveryID string) (*model.WebhookEvent, error)
	MarkWebhookEventProcessed(ctx context.Context, id, errorMessage string) error
	ListUnprocessedWebhookEvents(ctx context.Context) ([]*model.WebhookEvent, error)

	// Builds. MarkBuildRunning requires the build to be pending and sets
	// started_at; FinishBuild requires a non-terminal status and sets
	// finished_at. Both fail with ErrConflict otherwise, keeping terminal
	// statuses immutable.
	CreateBuild(ctx context.Context, b *model.Build) error
	GetBuild(ctx context.Context, id string) (*model.Build, error)
	ListBuilds(ctx context.Context, f BuildFilter) ([]*model.Build, error)
	MarkBuildRunning(ctx context.Context, id string, now time.Time) error
	FinishBuild(ctx context.Context, id string, status model.BuildStatus, errorMessage string, now time.Time) error
	SetBuildWorkflow(ctx context.Context, id, workflowName string, source model.ConfigSource) error

	// Build steps.
	CreateBuildSteps(ctx context.Context, steps []*model.BuildStep) error
	ListBuildSteps(ctx context.Context, buildID string) ([]*model.BuildStep, error)
	MarkStepRunning(ctx context.Context, id string, now time.Time) error
	FinishStep(ctx context.Context, id string, status model.StepStatus, exitCode *int, now time.Time) error
	// SkipStep records a terminal status without ever setting started_at.
	SkipStep(ctx context.Context, id string, status model.StepStatus) error

	// Build logs.
	InsertBuildLog(ctx context.Context, l *model.BuildLog) error
	ListBuildLogs(ctx context.Context, buildID string, stepIndex *int) ([]*model.BuildLog, error)

	// Build artifacts.
	InsertBuildArtifact(ctx context.Context, a *model.BuildArtifact) error
	ListBuildArtifacts(ctx context.Context, buildID string) ([]*model.BuildArtifact, error)
	GetBuildArtifact(ctx context.Context, buildID, artifactID string) (*model.BuildArtifact, error)

	// Pipeline configs. Upsert keys on (repository_id, name), activates the
	// written config and deactivates any other active config for the
	// repository in the same transaction.
	UpsertPipelineConfig(ctx context.Context, c *model.PipelineConfig) error
	GetActivePipelineConfig(ctx context.Context, repositoryID string) (*model.PipelineConfig, error)
	ListPipelineConfigs(ctx context.Context, repositoryID string) ([]*model.PipelineConfig, error)

	// OAuth states. ConsumeOAuthState is atomic single-use: it verifies
	// (state, provider), records consumption, and fails with ErrConflict
	// for every consumer but the first. A state past its expires_at is
	// never consumable and also fails with ErrConflict.
	CreateOAuthState(ctx context.Context, s *model.OAuthState) error
	GetOAuthState(ctx context.Context, state string) (*model.OAuthState, error)
	ConsumeOAuthState(ctx context.Context, state string, provider model.Provider, now time.Time) (*model.OAuthState, error)
	CompleteOAuthState(ctx context.Context, state string, appID int64, appName string, now time.Time) error
	FailOAuthState(ctx context.Context, state, errorMessage string) error
	DeleteExpiredOAuthStates(ctx context.Context, before time.Time) error

	// GitHub App credential. There is at most one active app; Save
	// deactivates any existing active row and inserts the new one in a
	// single transaction.
	SaveGitHubApp(ctx context.Context, c *model.GitHubAppCredential) error
	GetActiveGitHubApp(ctx context.Context) (*model.GitHubAppCredential, error)
	DeleteGitHubApp(ctx context.Context, id string) error

	// GitLab credentials, keyed by normalized instance URL. Save follows
	// the same deactivate-then-insert contract per instance.
	SaveGitLabCredential(ctx context.Context, c *model.GitLabCredential) error
	GetActiveGitLabCredential(ctx context.Context, instanceURL string) (*model.GitLabCredential, error)
	ListGitLabCredentials(ctx context.Context) ([]*model.GitLabCredential, error)
	DeleteGitLabCredential(ctx context.Context, id string) error
	SaveGitLabOAuthApp(ctx context.Context, a *model.GitLabOAuthApp) error
	GetActiveGitLabOAuthApp(ctx context.Context, instanceURL string) (*model.GitLabOAuthApp, error)

	// iOS signing assets.
	ListSigningCertificates(ctx context.Context, repositoryID string) ([]*model.SigningCertificate, error)
	ListProvisioningProfiles(ctx context.Context, repositoryID string) ([]*model.ProvisioningProfile, error)

	Close() error
}
