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

// Package pipeline loads, parses and selects per-repository pipeline
// configurations. Both supported formats (YAML and HUML) deserialize
// into the same model.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oore-ci/oore/pkg/model"

	"github.com/abcxyz/pkg/logging"
)

// Event is a triggering event a workflow can subscribe to.
type Event string

const (
	EventPush        Event = "push"
	EventPullRequest Event = "pull_request"
	EventTag         Event = "tag"
)

// Default values applied during parsing.
const (
	DefaultMaxBuildDurationMin = 60
	DefaultStepTimeoutSecs     = 900
)

// Pipeline is the parsed configuration of one repository. Workflows keep
// their document order for display, but selection never depends on it.
type Pipeline struct {
	workflows map[string]*Workflow
	order     []string
}

// Workflow is one named sequence of steps.
type Workflow struct {
	Key                 string
	Name                string
	MaxBuildDurationMin int
	EnvVars             map[string]string
	Triggering          *Triggering
	Steps               []Step
	Artifacts           []string
}

// Triggering restricts when a workflow is eligible. A nil Triggering
// matches every event and branch.
type Triggering struct {
	Events  []Event
	Include []string
	Exclude []string
}

// Step is one shell script execution.
type Step struct {
	Name          string
	Script        string
	TimeoutSecs   int
	IgnoreFailure bool
}

// WorkflowNames returns the workflow keys in document order.
func (p *Pipeline) WorkflowNames() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Workflow looks a workflow up by key.
func (p *Pipeline) Workflow(key string) (*Workflow, bool) {
	w, ok := p.workflows[key]
	return w, ok
}

// Len returns the number of workflows.
func (p *Pipeline) Len() int { return len(p.order) }

func (p *Pipeline) add(key string, w *Workflow) {
	if p.workflows == nil {
		p.workflows = map[string]*Workflow{}
	}
	if _, exists := p.workflows[key]; !exists {
		p.order = append(p.order, key)
	}
	p.workflows[key] = w
}

// Selection errors.
var (
	// ErrNoDefaultWorkflow is returned for a manual trigger when no
	// workflow named "default" exists and the choice is ambiguous.
	ErrNoDefaultWorkflow = errors.New(`no workflow named "default" and more than one workflow defined; name one "default" or trigger a specific workflow`)

	// ErrNoMatchingWorkflow is returned when no workflow is eligible for
	// the trigger and branch.
	ErrNoMatchingWorkflow = errors.New("no workflow matches this trigger and branch")
)

// AmbiguousWorkflowError reports multiple eligible workflows. Candidate
// names are sorted so the message is stable.
type AmbiguousWorkflowError struct {
	Candidates []string
}

func (e *AmbiguousWorkflowError) Error() string {
	return fmt.Sprintf("multiple workflows match this trigger and branch: %v; add branch_patterns or triggering events to disambiguate", e.Candidates)
}

// Select picks exactly one workflow for a trigger and branch, or returns
// one of the selection errors. The result is a pure function of the
// pipeline contents.
func Select(ctx context.Context, p *Pipeline, trigger model.TriggerType, branch string) (*Workflow, error) {
	if trigger == model.TriggerManual {
		if w, ok := p.Workflow("default"); ok {
			return w, nil
		}
		if p.Len() == 1 {
			w, _ := p.Workflow(p.order[0])
			return w, nil
		}
		return nil, ErrNoDefaultWorkflow
	}

	event := EventPush
	if trigger == model.TriggerPullRequest || trigger == model.TriggerMergeRequest {
		event = EventPullRequest
	}

	var matched []string
	var untriggered []string
	for key, w := range p.workflows {
		if w.Triggering == nil {
			untriggered = append(untriggered, key)
			continue
		}
		if w.eligible(ctx, event, branch) {
			matched = append(matched, key)
		}
	}
	sort.Strings(matched)
	sort.Strings(untriggered)

	switch len(matched) {
	case 1:
		w, _ := p.Workflow(matched[0])
		return w, nil
	case 0:
		// Fall back to workflows with no triggering clause at all.
		if len(untriggered) == 1 {
			w, _ := p.Workflow(untriggered[0])
			return w, nil
		}
		return nil, ErrNoMatchingWorkflow
	default:
		return nil, &AmbiguousWorkflowError{Candidates: matched}
	}
}

func (w *Workflow) eligible(ctx context.Context, event Event, branch string) bool {
	if w.Triggering == nil {
		return true
	}
	if len(w.Triggering.Events) > 0 {
		found := false
		for _, e := range w.Triggering.Events {
			if e == event {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, pattern := range w.Triggering.Exclude {
		if matchBranch(ctx, pattern, branch) {
			return false
		}
	}
	if len(w.Triggering.Include) == 0 {
		return true
	}
	for _, pattern := range w.Triggering.Include {
		if matchBranch(ctx, pattern, branch) {
			return true
		}
	}
	return false
}

// matchBranch applies shell glob semantics. An invalid pattern degrades
// to exact match.
func matchBranch(ctx context.Context, pattern, branch string) bool {
	ok, err := doublestar.Match(pattern, branch)
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "invalid branch pattern, falling back to exact match",
			"pattern", pattern)
		return pattern == branch
	}
	return ok
}
