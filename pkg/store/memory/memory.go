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

// Package memory is an in-memory Datastore used by tests and by dev mode.
// It honors the same transition semantics as the durable backends.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/store"
)

// Store is an in-memory store.Datastore.
type Store struct {
	mu sync.RWMutex

	repositories  map[string]*model.Repository
	webhookEvents map[string]*model.WebhookEvent
	builds        map[string]*model.Build
	steps         map[string]*model.BuildStep
	logs          []*model.BuildLog
	artifacts     map[string]*model.BuildArtifact
	configs       map[string]*model.PipelineConfig
	oauthStates   map[string]*model.OAuthState
	githubApps    map[string]*model.GitHubAppCredential
	gitlabCreds   map[string]*model.GitLabCredential
	gitlabApps    map[string]*model.GitLabOAuthApp
	certificates  map[string]*model.SigningCertificate
	profiles      map[string]*model.ProvisioningProfile
}

var _ store.Datastore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		repositories:  map[string]*model.Repository{},
		webhookEvents: map[string]*model.WebhookEvent{},
		builds:        map[string]*model.Build{},
		steps:         map[string]*model.BuildStep{},
		artifacts:     map[string]*model.BuildArtifact{},
		configs:       map[string]*model.PipelineConfig{},
		oauthStates:   map[string]*model.OAuthState{},
		githubApps:    map[string]*model.GitHubAppCredential{},
		gitlabCreds:   map[string]*model.GitLabCredential{},
		gitlabApps:    map[string]*model.GitLabOAuthApp{},
		certificates:  map[string]*model.SigningCertificate{},
		profiles:      map[string]*model.ProvisioningProfile{},
	}
}

func (s *Store) Close() error { return nil }

//
// Repositories
//

func (s *Store) CreateRepository(_ context.Context, r *model.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.repositories {
		if existing.Provider == r.Provider && existing.Owner == r.Owner && existing.RepoName == r.RepoName {
			return store.ErrDuplicate
		}
		if existing.Provider == r.Provider && existing.NativeID() != 0 && existing.NativeID() == r.NativeID() {
			return store.ErrDuplicate
		}
	}
	cp := *r
	s.repositories[r.ID] = &cp
	return nil
}

func (s *Store) UpdateRepository(_ context.Context, r *model.Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.repositories[r.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *r
	s.repositories[r.ID] = &cp
	return nil
}

func (s *Store) GetRepository(_ context.Context, id string) (*model.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.repositories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) GetRepositoryByNativeID(_ context.Context, provider model.Provider, nativeID int64) (*model.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.repositories {
		if r.Provider == provider && r.NativeID() == nativeID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetRepositoryByName(_ context.Context, provider model.Provider, owner, name string) (*model.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.repositories {
		if r.Provider == provider && strings.EqualFold(r.Owner, owner) && strings.EqualFold(r.RepoName, name) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListRepositories(_ context.Context, activeOnly bool) ([]*model.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Repository, 0, len(s.repositories))
	for _, r := range s.repositories {
		if activeOnly && !r.IsActive {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

//
// Webhook events
//

func (s *Store) InsertWebhookEvent(_ context.Context, e *model.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.webhookEvents {
		if existing.Provider == e.Provider && existing.DeliveryID == e.DeliveryID {
			return store.ErrDuplicate
		}
	}
	cp := *e
	s.webhookEvents[e.ID] = &cp
	return nil
}

func (s *Store) GetWebhookEvent(_ context.Context, id string) (*model.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.webhookEvents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) GetWebhookEventByDelivery(_ context.Context, provider model.Provider, deliveryID string) (*model.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.webhookEvents {
		if e.Provider == provider && e.DeliveryID == deliveryID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) MarkWebhookEventProcessed(_ context.Context, id, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.webhookEvents[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Processed = true
	e.ErrorMessage = errorMessage
	return nil
}

func (s *Store) ListUnprocessedWebhookEvents(_ context.Context) ([]*model.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.WebhookEvent
	for _, e := range s.webhookEvents {
		if !e.Processed {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

//
// Builds
//

func (s *Store) CreateBuild(_ context.Context, b *model.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.builds[b.ID]; ok {
		return store.ErrDuplicate
	}
	cp := *b
	s.builds[b.ID] = &cp
	return nil
}

func (s *Store) GetBuild(_ context.Context, id string) (*model.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.builds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *Store) ListBuilds(_ context.Context, f store.BuildFilter) ([]*model.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Build
	for _, b := range s.builds {
		if f.RepositoryID != "" && b.RepositoryID != f.RepositoryID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	// Newest first; ULIDs sort by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) MarkBuildRunning(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builds[id]
	if !ok {
		return store.ErrNotFound
	}
	if b.Status != model.BuildPending {
		return store.ErrConflict
	}
	b.Status = model.BuildRunning
	t := now.UTC()
	b.StartedAt = &t
	return nil
}

func (s *Store) FinishBuild(_ context.Context, id string, status model.BuildStatus, errorMessage string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builds[id]
	if !ok {
		return store.ErrNotFound
	}
	if b.Status.Terminal() {
		return store.ErrConflict
	}
	b.Status = status
	b.ErrorMessage = errorMessage
	t := now.UTC()
	b.FinishedAt = &t
	return nil
}

func (s *Store) SetBuildWorkflow(_ context.Context, id, workflowName string, source model.ConfigSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builds[id]
	if !ok {
		return store.ErrNotFound
	}
	b.WorkflowName = workflowName
	b.ConfigSource = source
	return nil
}

//
// Build steps
//

func (s *Store) CreateBuildSteps(_ context.Context, steps []*model.BuildStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, step := range steps {
		cp := *step
		s.steps[step.ID] = &cp
	}
	return nil
}

func (s *Store) ListBuildSteps(_ context.Context, buildID string) ([]*model.BuildStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.BuildStep
	for _, step := range s.steps {
		if step.BuildID == buildID {
			cp := *step
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (s *Store) MarkStepRunning(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[id]
	if !ok {
		return store.ErrNotFound
	}
	if step.Status != model.StepPending {
		return store.ErrConflict
	}
	step.Status = model.StepRunning
	t := now.UTC()
	step.StartedAt = &t
	return nil
}

func (s *Store) FinishStep(_ context.Context, id string, status model.StepStatus, exitCode *int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[id]
	if !ok {
		return store.ErrNotFound
	}
	step.Status = status
	step.ExitCode = exitCode
	t := now.UTC()
	step.FinishedAt = &t
	return nil
}

func (s *Store) SkipStep(_ context.Context, id string, status model.StepStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[id]
	if !ok {
		return store.ErrNotFound
	}
	if step.Status != model.StepPending {
		return store.ErrConflict
	}
	step.Status = status
	return nil
}

//
// Build logs
//

func (s *Store) InsertBuildLog(_ context.Context, l *model.BuildLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *l
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *Store) ListBuildLogs(_ context.Context, buildID string, stepIndex *int) ([]*model.BuildLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.BuildLog
	for _, l := range s.logs {
		if l.BuildID != buildID {
			continue
		}
		if stepIndex != nil && l.StepIndex != *stepIndex {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepIndex != out[j].StepIndex {
			return out[i].StepIndex < out[j].StepIndex
		}
		return out[i].Stream < out[j].Stream
	})
	return out, nil
}

//
// Build artifacts
//

func (s *Store) InsertBuildArtifact(_ context.Context, a *model.BuildArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.artifacts[a.ID] = &cp
	return nil
}

func (s *Store) ListBuildArtifacts(_ context.Context, buildID string) ([]*model.BuildArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.BuildArtifact
	for _, a := range s.artifacts {
		if a.BuildID == buildID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out, nil
}

func (s *Store) GetBuildArtifact(_ context.Context, buildID, artifactID string) (*model.BuildArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.artifacts[artifactID]
	if !ok || a.BuildID != buildID {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

//
// Pipeline configs
//

func (s *Store) UpsertPipelineConfig(_ context.Context, c *model.PipelineConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *model.PipelineConfig
	for _, cfg := range s.configs {
		if cfg.RepositoryID == c.RepositoryID && cfg.Name == c.Name {
			existing = cfg
			break
		}
	}
	for _, cfg := range s.configs {
		if cfg.RepositoryID == c.RepositoryID {
			cfg.IsActive = false
		}
	}
	if existing != nil {
		existing.ConfigContent = c.ConfigContent
		existing.ConfigFormat = c.ConfigFormat
		existing.IsActive = true
		existing.UpdatedAt = c.UpdatedAt
		c.ID = existing.ID
		return nil
	}
	cp := *c
	cp.IsActive = true
	s.configs[c.ID] = &cp
	return nil
}

func (s *Store) GetActivePipelineConfig(_ context.Context, repositoryID string) (*model.PipelineConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.configs {
		if c.RepositoryID == repositoryID && c.IsActive {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListPipelineConfigs(_ context.Context, repositoryID string) ([]*model.PipelineConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.PipelineConfig
	for _, c := range s.configs {
		if c.RepositoryID == repositoryID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

//
// OAuth states
//

func (s *Store) CreateOAuthState(_ context.Context, st *model.OAuthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.oauthStates[st.State]; ok {
		return store.ErrDuplicate
	}
	cp := *st
	s.oauthStates[st.State] = &cp
	return nil
}

func (s *Store) GetOAuthState(_ context.Context, state string) (*model.OAuthState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.oauthStates[state]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *Store) ConsumeOAuthState(_ context.Context, state string, provider model.Provider, now time.Time) (*model.OAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.oauthStates[state]
	if !ok || st.Provider != provider {
		return nil, store.ErrNotFound
	}
	if now.After(st.ExpiresAt) {
		return nil, store.ErrConflict
	}
	if st.ConsumedAt != nil {
		return nil, store.ErrConflict
	}
	t := now.UTC()
	st.ConsumedAt = &t
	cp := *st
	return &cp, nil
}

func (s *Store) CompleteOAuthState(_ context.Context, state string, appID int64, appName string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.oauthStates[state]
	if !ok {
		return store.ErrNotFound
	}
	t := now.UTC()
	st.CompletedAt = &t
	st.AppID = appID
	st.AppName = appName
	return nil
}

func (s *Store) FailOAuthState(_ context.Context, state, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.oauthStates[state]
	if !ok {
		return store.ErrNotFound
	}
	st.ErrorMessage = errorMessage
	return nil
}

func (s *Store) DeleteExpiredOAuthStates(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, st := range s.oauthStates {
		if st.ExpiresAt.Before(before) {
			delete(s.oauthStates, k)
		}
	}
	return nil
}

//
// GitHub App credential
//

func (s *Store) SaveGitHubApp(_ context.Context, c *model.GitHubAppCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, app := range s.githubApps {
		app.IsActive = false
	}
	cp := *c
	cp.IsActive = true
	s.githubApps[c.ID] = &cp
	return nil
}

func (s *Store) GetActiveGitHubApp(_ context.Context) (*model.GitHubAppCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, app := range s.githubApps {
		if app.IsActive {
			cp := *app
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) DeleteGitHubApp(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.githubApps[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.githubApps, id)
	return nil
}

//
// GitLab credentials
//

func (s *Store) SaveGitLabCredential(_ context.Context, c *model.GitLabCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cred := range s.gitlabCreds {
		if cred.InstanceURL == c.InstanceURL {
			cred.IsActive = false
		}
	}
	cp := *c
	cp.IsActive = true
	s.gitlabCreds[c.ID] = &cp
	return nil
}

func (s *Store) GetActiveGitLabCredential(_ context.Context, instanceURL string) (*model.GitLabCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cred := range s.gitlabCreds {
		if cred.InstanceURL == instanceURL && cred.IsActive {
			cp := *cred
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListGitLabCredentials(_ context.Context) ([]*model.GitLabCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.GitLabCredential, 0, len(s.gitlabCreds))
	for _, cred := range s.gitlabCreds {
		cp := *cred
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteGitLabCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.gitlabCreds[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.gitlabCreds, id)
	return nil
}

func (s *Store) SaveGitLabOAuthApp(_ context.Context, a *model.GitLabOAuthApp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, app := range s.gitlabApps {
		if app.InstanceURL == a.InstanceURL {
			app.IsActive = false
		}
	}
	cp := *a
	cp.IsActive = true
	s.gitlabApps[a.ID] = &cp
	return nil
}

func (s *Store) GetActiveGitLabOAuthApp(_ context.Context, instanceURL string) (*model.GitLabOAuthApp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, app := range s.gitlabApps {
		if app.InstanceURL == instanceURL && app.IsActive {
			cp := *app
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

//
// Signing assets
//

// AddSigningCertificate seeds a certificate row. Used by tests and the
// credential import paths.
func (s *Store) AddSigningCertificate(c *model.SigningCertificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.certificates[c.ID] = &cp
}

// AddProvisioningProfile seeds a profile row.
func (s *Store) AddProvisioningProfile(p *model.ProvisioningProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.profiles[p.ID] = &cp
}

func (s *Store) ListSigningCertificates(_ context.Context, repositoryID string) ([]*model.SigningCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.SigningCertificate
	for _, c := range s.certificates {
		if c.RepositoryID == repositoryID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListProvisioningProfiles(_ context.Context, repositoryID string) ([]*model.ProvisioningProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.ProvisioningProfile
	for _, p := range s.profiles {
		if p.RepositoryID == repositoryID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
