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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/abcxyz/pkg/logging"
	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/store"
)

// Config file names probed in the cloned workspace, in order.
var workspaceConfigNames = []string{"codemagic.yaml", ".codemagic.yaml"}

// ErrConfigNotFound is returned when neither the workspace nor the store
// holds a pipeline configuration for the repository.
var ErrConfigNotFound = errors.New("no pipeline configuration found: commit a codemagic.yaml to the repository root, or store a configuration via the API")

// ResolvedConfig is the outcome of config resolution: a parsed pipeline
// and where it came from.
type ResolvedConfig struct {
	Pipeline *Pipeline
	Source   model.ConfigSource
	Format   model.ConfigFormat
}

// Resolve finds the effective pipeline configuration for a repository.
// Workspace files win over the stored config; the first hit is parsed
// and returned.
func Resolve(ctx context.Context, ds store.Datastore, repositoryID, workspaceDir string) (*ResolvedConfig, error) {
	logger := logging.FromContext(ctx)

	if workspaceDir != "" {
		for _, name := range workspaceConfigNames {
			path := filepath.Join(workspaceDir, name)
			content, err := os.ReadFile(path)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", name, err)
			}
			logger.DebugContext(ctx, "resolved pipeline config from workspace",
				"repository_id", repositoryID, "file", name)
			p, err := Parse(ctx, content)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			return &ResolvedConfig{
				Pipeline: p,
				Source:   model.ConfigSourceRepository,
				Format:   DetectFormat(content),
			}, nil
		}
	}

	stored, err := ds.GetActivePipelineConfig(ctx, repositoryID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stored pipeline config: %w", err)
	}

	logger.DebugContext(ctx, "resolved pipeline config from store",
		"repository_id", repositoryID, "config", stored.Name)
	p, err := Parse(ctx, []byte(stored.ConfigContent))
	if err != nil {
		return nil, fmt.Errorf("stored config %q: %w", stored.Name, err)
	}
	return &ResolvedConfig{
		Pipeline: p,
		Source:   model.ConfigSourceStored,
		Format:   stored.ConfigFormat,
	}, nil
}
