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

package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/abcxyz/pkg/logging"
)

// DefaultMaxLogBytes caps each per-step log file at 50 MiB when the
// request does not specify a limit.
const DefaultMaxLogBytes int64 = 50 * 1024 * 1024

// ExecuteStep runs one script through /bin/bash -c with streamed,
// capped log capture. It returns only after the child exited and both
// stream readers drained. Termination is the first of: child exit,
// deadline, cancel signal, context cancellation.
func (s *Shell) ExecuteStep(ctx context.Context, req *StepRequest) (*StepResult, error) {
	logger := logging.FromContext(ctx)

	if err := os.MkdirAll(req.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}

	maxBytes := req.MaxLogBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLogBytes
	}

	result := &StepResult{
		ExitCode:   -1,
		StdoutPath: filepath.Join(req.LogDir, fmt.Sprintf("step-%d-stdout.log", req.StepIndex)),
		StderrPath: filepath.Join(req.LogDir, fmt.Sprintf("step-%d-stderr.log", req.StepIndex)),
	}

	cmd := exec.Command("/bin/bash", "-c", req.Script)
	cmd.Dir = req.Workspace
	cmd.Env = append(os.Environ(), req.Env...)
	// Own process group so a kill reaches the whole script, not just
	// the bash parent.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Plain pipes instead of StdoutPipe so Wait can run independently
	// of the readers.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("failed to start step: %w", err)
	}
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		result.StdoutLines = captureLines(ctx, stdoutR, result.StdoutPath, maxBytes)
	}()
	go func() {
		defer readers.Done()
		result.StderrLines = captureLines(ctx, stderrR, result.StderrPath, maxBytes)
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	timeout := time.Duration(req.TimeoutSecs) * time.Second
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cancelCh <-chan struct{}
	if req.Cancel != nil {
		cancelCh = req.Cancel.Done()
	}

	var termErr error
	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-timer.C:
		killGroup(cmd)
		waitErr = <-waitDone
		termErr = ErrStepTimeout
	case <-cancelCh:
		killGroup(cmd)
		waitErr = <-waitDone
		termErr = ErrStepCancelled
	case <-ctx.Done():
		killGroup(cmd)
		waitErr = <-waitDone
		termErr = ctx.Err()
	}

	readers.Wait()

	if termErr == nil {
		result.ExitCode = exitCode(waitErr)
	}

	logger.DebugContext(ctx, "step finished",
		"step_index", req.StepIndex,
		"exit_code", result.ExitCode,
		"stdout_lines", result.StdoutLines,
		"stderr_lines", result.StderrLines)
	return result, termErr
}

// killGroup sends SIGKILL to the child's process group. Errors are
// ignored: the group may already be gone.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// exitCode extracts the child's exit code from a Wait error; -1 when
// the process was killed or the code is unknown.
func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode()
	}
	return -1
}

// captureLines copies one stream line-by-line into a log file, dropping
// lines past the byte cap while continuing to drain the pipe so the
// child never blocks on a full buffer. Returns the number of lines
// written.
func captureLines(ctx context.Context, r io.ReadCloser, path string, maxBytes int64) int {
	defer r.Close()

	f, err := os.Create(path)
	if err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "failed to create log file",
			"path", path, "error", err)
		// Drain anyway.
		_, _ = io.Copy(io.Discard, r)
		return 0
	}
	defer f.Close()

	br := bufio.NewReader(r)
	var written int64
	var lines int
	capped := false
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if !capped && written+int64(len(line)) <= maxBytes {
				if _, werr := f.Write(line); werr == nil {
					written += int64(len(line))
					lines++
				}
			} else if !capped {
				capped = true
				fmt.Fprintf(f, "[log truncated at %d bytes]\n", maxBytes)
			}
		}
		if err != nil {
			return lines
		}
	}
}
