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

// Package executor runs the mechanical parts of a build: cloning the
// repository, executing shell steps with streamed logs, and cleaning up
// the workspace. It is driven by the scheduler and knows nothing about
// build records.
package executor

import (
	"context"
	"errors"
	"sync"
)

// Termination errors for a step. A populated StepResult accompanies
// both: paths and line counts are valid even when the step was killed.
var (
	// ErrStepTimeout is returned when the step deadline fired and the
	// child was killed.
	ErrStepTimeout = errors.New("step timed out")

	// ErrStepCancelled is returned when the cancel signal was observed
	// and the child was killed.
	ErrStepCancelled = errors.New("step cancelled")
)

// Signal is a one-shot broadcast flag. The writer calls Set once; any
// number of readers observe it via Done or IsSet. The zero value is not
// usable, construct with NewSignal.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal returns an unset signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set trips the signal. Safe to call multiple times.
func (s *Signal) Set() {
	s.once.Do(func() { close(s.ch) })
}

// Done returns a channel closed once the signal is set.
func (s *Signal) Done() <-chan struct{} { return s.ch }

// IsSet reports whether the signal has been set.
func (s *Signal) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// StepRequest carries one shell script execution.
type StepRequest struct {
	// Workspace is the working directory of the child process.
	Workspace string

	// Script is passed verbatim to /bin/bash -c.
	Script string

	// Env holds fully-resolved KEY=VALUE additions appended to the
	// server's own environment.
	Env []string

	// TimeoutSecs is the effective (already clamped) step deadline.
	TimeoutSecs int

	// LogDir receives step-<n>-stdout.log and step-<n>-stderr.log.
	LogDir    string
	StepIndex int

	// MaxLogBytes caps each log file; output past the cap is dropped
	// while the pipe keeps draining.
	MaxLogBytes int64

	// Cancel, when set, kills the child. Nil means not cancellable.
	Cancel *Signal
}

// StepResult is the outcome of one step execution.
type StepResult struct {
	// ExitCode is the child's exit code, or -1 when it was killed.
	ExitCode    int
	StdoutPath  string
	StderrPath  string
	StdoutLines int
	StderrLines int
}

// BuildExecutor is the interface the scheduler drives. Implementations
// must return from ExecuteStep only after both output streams have
// drained.
type BuildExecutor interface {
	CloneRepo(ctx context.Context, cloneURL, commitSHA, workspaceDir, authToken string) error
	ExecuteStep(ctx context.Context, req *StepRequest) (*StepResult, error)
	Cleanup(ctx context.Context, workspaceDir string) error
}
