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
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/abcxyz/pkg/logging"
	"github.com/oore-ci/oore/pkg/model"
)

// humlMarker opens every HUML document.
const humlMarker = "%HUML"

// Upstream schema fields accepted but not executed. Their presence logs
// a warning instead of failing the parse.
var unsupportedFields = map[string]struct{}{
	"cache":             {},
	"publishing":        {},
	"groups":            {},
	"instance_type":     {},
	"integrations":      {},
	"labels":            {},
	"working_directory": {},
	"definitions":       {},
	"includes":          {},
}

// DetectFormat inspects the first non-whitespace bytes of a config
// document.
func DetectFormat(content []byte) model.ConfigFormat {
	trimmed := bytes.TrimLeft(content, " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte(humlMarker)) {
		return model.ConfigFormatHUML
	}
	return model.ConfigFormatYAML
}

// Parse deserializes a pipeline document, auto-detecting the format, and
// validates it. Validation produces one error per violated rule.
func Parse(ctx context.Context, content []byte) (*Pipeline, error) {
	if DetectFormat(content) == model.ConfigFormatHUML {
		converted, err := humlToYAML(content)
		if err != nil {
			return nil, fmt.Errorf("failed to parse HUML: %w", err)
		}
		content = converted
	}
	return parseYAML(ctx, content)
}

type workflowDoc struct {
	Name             string `yaml:"name"`
	MaxBuildDuration int    `yaml:"max_build_duration"`
	Environment      struct {
		Vars map[string]string `yaml:"vars"`
	} `yaml:"environment"`
	Triggering *triggeringDoc `yaml:"triggering"`
	Scripts    []stepDoc      `yaml:"scripts"`
	Artifacts  []string       `yaml:"artifacts"`
}

type triggeringDoc struct {
	Events         []string `yaml:"events"`
	BranchPatterns struct {
		Include []string `yaml:"include"`
		Exclude []string `yaml:"exclude"`
	} `yaml:"branch_patterns"`
}

type stepDoc struct {
	Name          string `yaml:"name"`
	Script        string `yaml:"script"`
	Timeout       int    `yaml:"timeout"`
	IgnoreFailure bool   `yaml:"ignore_failure"`
}

func parseYAML(ctx context.Context, content []byte) (*Pipeline, error) {
	logger := logging.FromContext(ctx)

	var root yaml.Node
	if err := yaml.Unmarshal(content, &root); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("empty pipeline document")
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("pipeline document must be a mapping")
	}

	var workflowsNode *yaml.Node
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i].Value
		if key == "workflows" {
			workflowsNode = doc.Content[i+1]
			continue
		}
		if _, ok := unsupportedFields[key]; ok {
			logger.WarnContext(ctx, "ignoring unsupported pipeline field", "field", key)
			continue
		}
		logger.WarnContext(ctx, "ignoring unknown pipeline field", "field", key)
	}
	if workflowsNode == nil {
		return nil, fmt.Errorf("pipeline must define at least one workflow under 'workflows'")
	}
	if workflowsNode.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("'workflows' must be a mapping of name to workflow")
	}

	p := &Pipeline{}
	var merr error
	for i := 0; i+1 < len(workflowsNode.Content); i += 2 {
		key := workflowsNode.Content[i].Value
		node := workflowsNode.Content[i+1]

		if node.Kind == yaml.MappingNode {
			for j := 0; j+1 < len(node.Content); j += 2 {
				if _, ok := unsupportedFields[node.Content[j].Value]; ok {
					logger.WarnContext(ctx, "ignoring unsupported workflow field",
						"workflow", key, "field", node.Content[j].Value)
				}
			}
		}

		var doc workflowDoc
		if err := node.Decode(&doc); err != nil {
			merr = errors.Join(merr, fmt.Errorf("workflow %q: %w", key, err))
			continue
		}
		w, err := buildWorkflow(key, &doc)
		if err != nil {
			merr = errors.Join(merr, err)
			continue
		}
		p.add(key, w)
	}
	if merr != nil {
		return nil, merr
	}
	if p.Len() == 0 {
		return nil, fmt.Errorf("pipeline must define at least one workflow under 'workflows'")
	}
	return p, nil
}

func buildWorkflow(key string, doc *workflowDoc) (*Workflow, error) {
	var merr error

	w := &Workflow{
		Key:                 key,
		Name:                doc.Name,
		MaxBuildDurationMin: doc.MaxBuildDuration,
		EnvVars:             doc.Environment.Vars,
		Artifacts:           doc.Artifacts,
	}
	if w.MaxBuildDurationMin == 0 {
		w.MaxBuildDurationMin = DefaultMaxBuildDurationMin
	}
	if w.MaxBuildDurationMin < 0 {
		merr = errors.Join(merr, fmt.Errorf("workflow %q: max_build_duration must be greater than 0", key))
	}

	if doc.Triggering != nil {
		t := &Triggering{
			Include: doc.Triggering.BranchPatterns.Include,
			Exclude: doc.Triggering.BranchPatterns.Exclude,
		}
		for _, e := range doc.Triggering.Events {
			switch Event(strings.ToLower(e)) {
			case EventPush, EventPullRequest, EventTag:
				t.Events = append(t.Events, Event(strings.ToLower(e)))
			default:
				merr = errors.Join(merr, fmt.Errorf("workflow %q: unknown triggering event %q (expected push, pull_request or tag)", key, e))
			}
		}
		w.Triggering = t
	}

	if len(doc.Scripts) == 0 {
		merr = errors.Join(merr, fmt.Errorf("workflow %q: scripts must not be empty", key))
	}
	for i, s := range doc.Scripts {
		if strings.TrimSpace(s.Script) == "" {
			merr = errors.Join(merr, fmt.Errorf("workflow %q: script %d has empty script text", key, i))
		}
		timeout := s.Timeout
		if timeout == 0 {
			timeout = DefaultStepTimeoutSecs
		}
		if timeout < 0 {
			merr = errors.Join(merr, fmt.Errorf("workflow %q: script %d has negative timeout", key, i))
		}
		w.Steps = append(w.Steps, Step{
			Name:          s.Name,
			Script:        s.Script,
			TimeoutSecs:   timeout,
			IgnoreFailure: s.IgnoreFailure,
		})
	}

	if merr != nil {
		return nil, merr
	}
	return w, nil
}
