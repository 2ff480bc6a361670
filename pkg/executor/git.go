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
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/abcxyz/pkg/logging"
)

// credentialPattern matches an embedded userinfo section in an HTTP(S)
// URL, as produced by token injection.
var credentialPattern = regexp.MustCompile(`https?://[^@\s]+@`)

// SanitizeError strips embedded URL credentials from a message before
// it reaches logs or build records.
func SanitizeError(msg string) string {
	return credentialPattern.ReplaceAllString(msg, "https://***@")
}

// injectToken rewrites an HTTPS clone URL to carry the access token as
// userinfo. Plain HTTP refuses injection (the token would travel in the
// clear) and SSH URLs pass through untouched.
func injectToken(ctx context.Context, cloneURL, token string) string {
	if token == "" {
		return cloneURL
	}
	switch {
	case strings.HasPrefix(cloneURL, "https://"):
		return "https://x-access-token:" + token + "@" + strings.TrimPrefix(cloneURL, "https://")
	case strings.HasPrefix(cloneURL, "http://"):
		logging.FromContext(ctx).WarnContext(ctx, "refusing to inject token into plain http clone url")
		return cloneURL
	default:
		return cloneURL
	}
}

// Shell runs builds on the local machine with the system git and bash.
type Shell struct{}

// NewShell returns the local executor.
func NewShell() *Shell { return &Shell{} }

var _ BuildExecutor = (*Shell)(nil)

// CloneRepo materializes a workspace at the exact commit: a
// blob-filtered partial clone, a fetch of the commit itself, then a
// detached checkout. Errors are token-sanitized.
func (s *Shell) CloneRepo(ctx context.Context, cloneURL, commitSHA, workspaceDir, authToken string) error {
	logger := logging.FromContext(ctx)

	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	url := injectToken(ctx, cloneURL, authToken)

	logger.InfoContext(ctx, "cloning repository",
		"clone_url", SanitizeError(url), "commit_sha", commitSHA)

	if err := runGit(ctx, "", "clone", "--filter=blob:none", "--no-checkout", url, workspaceDir); err != nil {
		return err
	}
	if err := runGit(ctx, workspaceDir, "fetch", "--quiet", "origin", commitSHA); err != nil {
		return err
	}
	// FETCH_HEAD resolves for both a raw sha and a branch name, which
	// manual triggers may pass instead of a commit.
	if err := runGit(ctx, workspaceDir, "checkout", "--quiet", "--detach", "FETCH_HEAD"); err != nil {
		return err
	}
	return nil
}

// Cleanup removes the workspace subtree. Logs live elsewhere and are
// retained.
func (s *Shell) Cleanup(ctx context.Context, workspaceDir string) error {
	if workspaceDir == "" {
		return nil
	}
	if err := os.RemoveAll(workspaceDir); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}

// runGit executes one git command, surfacing a sanitized stderr excerpt
// on failure.
func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	// Never let git fall back to an interactive credential prompt.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if len(detail) > 2048 {
			detail = detail[:2048]
		}
		return fmt.Errorf("git %s failed: %s: %w", args[0], SanitizeError(detail), err)
	}
	return nil
}
