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
	"fmt"

	"github.com/oore-ci/oore/pkg/githubapp"
	"github.com/oore-ci/oore/pkg/gitlab"
	"github.com/oore-ci/oore/pkg/model"
)

// GitLabClientFunc builds an API client for one GitLab instance.
type GitLabClientFunc func(ctx context.Context, instanceURL string) (*gitlab.Client, error)

// ProviderAuth mints clone tokens from the configured provider
// credentials: GitHub App installation tokens for GitHub repositories,
// OAuth access tokens for GitLab ones.
type ProviderAuth struct {
	gh           *githubapp.Client
	gitlabClient GitLabClientFunc
}

// NewProviderAuth wires the provider clients.
func NewProviderAuth(gh *githubapp.Client, gitlabClient GitLabClientFunc) *ProviderAuth {
	return &ProviderAuth{gh: gh, gitlabClient: gitlabClient}
}

var _ CloneAuthorizer = (*ProviderAuth)(nil)

// CloneToken implements [CloneAuthorizer]. Configuration errors pass
// through unwrapped so the scheduler can tell them from transient ones.
func (a *ProviderAuth) CloneToken(ctx context.Context, repo *model.Repository) (string, error) {
	switch repo.Provider {
	case model.ProviderGitLab:
		client, err := a.gitlabClient(ctx, repo.GitLabInstanceURL)
		if err != nil {
			return "", fmt.Errorf("failed to build gitlab client: %w", err)
		}
		token, err := client.AccessToken(ctx)
		if err != nil {
			return "", err
		}
		return token, nil
	default:
		if repo.InstallationID == 0 {
			return "", fmt.Errorf("repository %s has no installation id; run a repository sync", repo.ID)
		}
		token, err := a.gh.InstallationToken(ctx, repo.InstallationID)
		if err != nil {
			return "", err
		}
		return token, nil
	}
}
