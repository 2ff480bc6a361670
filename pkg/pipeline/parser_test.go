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
	"testing"

	"github.com/abcxyz/pkg/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/oore-ci/oore/pkg/model"
)

func TestDetectFormat(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
		want    model.ConfigFormat
	}{
		{name: "yaml", content: "workflows:\n", want: model.ConfigFormatYAML},
		{name: "huml", content: "%HUML v0.1.0\nworkflows::\n", want: model.ConfigFormatHUML},
		{name: "huml_leading_whitespace", content: "\n  %HUML\n", want: model.ConfigFormatHUML},
		{name: "empty", content: "", want: model.ConfigFormatYAML},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := DetectFormat([]byte(tc.content)); got != tc.want {
				t.Errorf("DetectFormat = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	cases := []struct {
		name    string
		content string
		expErr  string
		check   func(t *testing.T, p *Pipeline)
	}{
		{
			name: "minimal",
			content: `
workflows:
  default:
    scripts:
      - script: echo hello
`,
			check: func(t *testing.T, p *Pipeline) {
				w, ok := p.Workflow("default")
				if !ok {
					t.Fatal("missing workflow default")
				}
				if w.MaxBuildDurationMin != DefaultMaxBuildDurationMin {
					t.Errorf("MaxBuildDurationMin = %d, want %d", w.MaxBuildDurationMin, DefaultMaxBuildDurationMin)
				}
				if len(w.Steps) != 1 || w.Steps[0].Script != "echo hello" {
					t.Errorf("unexpected steps: %+v", w.Steps)
				}
				if w.Steps[0].TimeoutSecs != DefaultStepTimeoutSecs {
					t.Errorf("TimeoutSecs = %d, want %d", w.Steps[0].TimeoutSecs, DefaultStepTimeoutSecs)
				}
			},
		},
		{
			name: "full_workflow",
			content: `
workflows:
  ios-release:
    name: iOS Release
    max_build_duration: 90
    environment:
      vars:
        FOO: bar
    triggering:
      events: [push, pull_request]
      branch_patterns:
        include: ["main", "release/*"]
        exclude: ["release/*-rc"]
    scripts:
      - name: build
        script: make build
        timeout: 120
      - name: lint
        script: make lint
        ignore_failure: true
    artifacts:
      - build/**/*.ipa
`,
			check: func(t *testing.T, p *Pipeline) {
				w, ok := p.Workflow("ios-release")
				if !ok {
					t.Fatal("missing workflow ios-release")
				}
				want := &Workflow{
					Key:                 "ios-release",
					Name:                "iOS Release",
					MaxBuildDurationMin: 90,
					EnvVars:             map[string]string{"FOO": "bar"},
					Triggering: &Triggering{
						Events:  []Event{EventPush, EventPullRequest},
						Include: []string{"main", "release/*"},
						Exclude: []string{"release/*-rc"},
					},
					Steps: []Step{
						{Name: "build", Script: "make build", TimeoutSecs: 120},
						{Name: "lint", Script: "make lint", TimeoutSecs: DefaultStepTimeoutSecs, IgnoreFailure: true},
					},
					Artifacts: []string{"build/**/*.ipa"},
				}
				if diff := cmp.Diff(want, w); diff != "" {
					t.Errorf("workflow mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name:    "workflow_order_preserved",
			content: "workflows:\n  zeta:\n    scripts: [{script: a}]\n  alpha:\n    scripts: [{script: b}]\n",
			check: func(t *testing.T, p *Pipeline) {
				want := []string{"zeta", "alpha"}
				if diff := cmp.Diff(want, p.WorkflowNames()); diff != "" {
					t.Errorf("order mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name: "unsupported_fields_ignored",
			content: `
workflows:
  default:
    instance_type: mac_mini_m2
    cache:
      cache_paths: [~/.gradle]
    scripts:
      - script: echo ok
`,
			check: func(t *testing.T, p *Pipeline) {
				if p.Len() != 1 {
					t.Errorf("Len = %d, want 1", p.Len())
				}
			},
		},
		{
			name:    "invalid_yaml",
			content: "workflows: [\n",
			expErr:  "invalid YAML",
		},
		{
			name:    "no_workflows",
			content: "definitions:\n  x: 1\n",
			expErr:  "at least one workflow",
		},
		{
			name:    "empty_scripts",
			content: "workflows:\n  default:\n    scripts: []\n",
			expErr:  "scripts must not be empty",
		},
		{
			name:    "empty_script_text",
			content: "workflows:\n  default:\n    scripts:\n      - script: \"  \"\n",
			expErr:  "empty script text",
		},
		{
			name:    "unknown_event",
			content: "workflows:\n  default:\n    triggering:\n      events: [deploy]\n    scripts: [{script: x}]\n",
			expErr:  `unknown triggering event "deploy"`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p, err := Parse(ctx, []byte(tc.content))
			if diff := testutil.DiffErrString(err, tc.expErr); diff != "" {
				t.Fatal(diff)
			}
			if err != nil {
				return
			}
			if tc.check != nil {
				tc.check(t, p)
			}
		})
	}
}

func TestParseHUML(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	content := `%HUML v0.1.0
workflows::
  default::
    max_build_duration: 30
    environment::
      vars::
        STAGE: "prod"
    triggering::
      events:: "push"
      branch_patterns::
        include:: "main", "release/*"
    scripts::
      - script: "echo hello"
        timeout: 60
    artifacts:: "dist/*.apk"
`

	p, err := Parse(ctx, []byte(content))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	w, ok := p.Workflow("default")
	if !ok {
		t.Fatal("missing workflow default")
	}
	if w.MaxBuildDurationMin != 30 {
		t.Errorf("MaxBuildDurationMin = %d, want 30", w.MaxBuildDurationMin)
	}
	if got := w.EnvVars["STAGE"]; got != "prod" {
		t.Errorf("STAGE = %q, want prod", got)
	}
	if w.Triggering == nil || len(w.Triggering.Events) != 1 || w.Triggering.Events[0] != EventPush {
		t.Errorf("unexpected triggering: %+v", w.Triggering)
	}
	wantInclude := []string{"main", "release/*"}
	if diff := cmp.Diff(wantInclude, w.Triggering.Include); diff != "" {
		t.Errorf("include mismatch (-want +got):\n%s", diff)
	}
	if len(w.Steps) != 1 || w.Steps[0].Script != "echo hello" || w.Steps[0].TimeoutSecs != 60 {
		t.Errorf("unexpected steps: %+v", w.Steps)
	}
	if len(w.Artifacts) != 1 || w.Artifacts[0] != "dist/*.apk" {
		t.Errorf("unexpected artifacts: %+v", w.Artifacts)
	}
}

// The same logical document must parse identically from both formats.
func TestParseFormatsAgree(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	yamlDoc := `
workflows:
  default:
    scripts:
      - script: "make test"
        timeout: 300
`
	humlDoc := `%HUML v0.1.0
workflows::
  default::
    scripts::
      - script: "make test"
        timeout: 300
`

	fromYAML, err := Parse(ctx, []byte(yamlDoc))
	if err != nil {
		t.Fatalf("Parse YAML: %v", err)
	}
	fromHUML, err := Parse(ctx, []byte(humlDoc))
	if err != nil {
		t.Fatalf("Parse HUML: %v", err)
	}

	wy, _ := fromYAML.Workflow("default")
	wh, _ := fromHUML.Workflow("default")
	if diff := cmp.Diff(wy, wh); diff != "" {
		t.Errorf("formats disagree (-yaml +huml):\n%s", diff)
	}
}
