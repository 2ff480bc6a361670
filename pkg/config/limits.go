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

package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Limits are the execution ceilings loaded from the environment at
// start-up. Step timeouts declared in pipelines are clamped to
// MaxStepDurationSecs.
type Limits struct {
	MaxBuildDurationSecs    int   `env:"OORE_MAX_BUILD_DURATION_SECS, default=3600"`
	MaxStepDurationSecs     int   `env:"OORE_MAX_STEP_DURATION_SECS, default=1800"`
	MaxLogSizeBytes         int64 `env:"OORE_MAX_LOG_SIZE_BYTES, default=52428800"`
	MaxConcurrentBuilds     int   `env:"OORE_MAX_CONCURRENT_BUILDS, default=2"`
	WorkspaceRetentionHours int   `env:"OORE_WORKSPACE_RETENTION_HOURS, default=24"`
}

// LoadLimits reads the limit block from the process environment.
func LoadLimits(ctx context.Context) (*Limits, error) {
	var l Limits
	if err := envconfig.Process(ctx, &l); err != nil {
		return nil, fmt.Errorf("failed to load limits: %w", err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Validate rejects non-positive ceilings.
func (l *Limits) Validate() error {
	var merr error
	if l.MaxBuildDurationSecs <= 0 {
		merr = errors.Join(merr, fmt.Errorf("OORE_MAX_BUILD_DURATION_SECS must be positive"))
	}
	if l.MaxStepDurationSecs <= 0 {
		merr = errors.Join(merr, fmt.Errorf("OORE_MAX_STEP_DURATION_SECS must be positive"))
	}
	if l.MaxLogSizeBytes <= 0 {
		merr = errors.Join(merr, fmt.Errorf("OORE_MAX_LOG_SIZE_BYTES must be positive"))
	}
	if l.MaxConcurrentBuilds <= 0 {
		merr = errors.Join(merr, fmt.Errorf("OORE_MAX_CONCURRENT_BUILDS must be positive"))
	}
	if l.WorkspaceRetentionHours <= 0 {
		merr = errors.Join(merr, fmt.Errorf("OORE_WORKSPACE_RETENTION_HOURS must be positive"))
	}
	return merr
}

// StepTimeout clamps a requested step timeout to the server ceiling.
func (l *Limits) StepTimeout(requestedSecs int) time.Duration {
	if requestedSecs <= 0 || requestedSecs > l.MaxStepDurationSecs {
		requestedSecs = l.MaxStepDurationSecs
	}
	return time.Duration(requestedSecs) * time.Second
}

// WorkspaceRetention is the retention window as a duration.
func (l *Limits) WorkspaceRetention() time.Duration {
	return time.Duration(l.WorkspaceRetentionHours) * time.Hour
}
