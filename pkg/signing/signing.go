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

// Package signing manages the ephemeral per-build macOS keychain used
// for iOS code signing. Each build that carries signing assets gets a
// throw-away keychain and its provisioning profiles installed; teardown
// restores the machine to its pre-build state on every exit path.
package signing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/abcxyz/pkg/logging"
	"github.com/google/uuid"

	"github.com/oore-ci/oore/pkg/credentials"
)

// Runner executes one external command and returns its combined
// output. Indirection exists so the keychain lifecycle is testable on
// machines without the security tool.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands on the local machine.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if len(detail) > 1024 {
			detail = detail[:1024]
		}
		return string(out), fmt.Errorf("%s failed: %s: %w", name, detail, err)
	}
	return string(out), nil
}

// searchListMu serializes mutations of the process-global user keychain
// search list. Concurrent signing builds overlap, their search-list
// edits must not.
var searchListMu sync.Mutex

// Keychain is one build's ephemeral signing state. Teardown is
// idempotent and must be called on every exit path; defer it right
// after Setup succeeds.
type Keychain struct {
	buildID     string
	path        string
	password    string
	runner      Runner
	profilesDir string

	savedSearchList   []string
	installedProfiles []string

	teardownOnce sync.Once
}

// Path returns the keychain file location.
func (k *Keychain) Path() string { return k.path }

// Options tunes Setup. The zero value uses the system defaults.
type Options struct {
	// Runner defaults to ExecRunner.
	Runner Runner

	// ProfilesDir defaults to ~/Library/MobileDevice/Provisioning Profiles.
	ProfilesDir string
}

// DefaultProfilesDir returns the per-user provisioning profile
// directory.
func DefaultProfilesDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home dir: %w", err)
	}
	return filepath.Join(home, "Library", "MobileDevice", "Provisioning Profiles"), nil
}

// Setup creates and unlocks an ephemeral keychain at
// /tmp/oore-<build_id>.keychain-db, prepends it to the user search
// list, imports the certificates, and installs the provisioning
// profiles. On error, any partial state is torn down before returning.
func Setup(ctx context.Context, buildID string, certs []*credentials.Certificate, profiles []*credentials.Profile, opts *Options) (*Keychain, error) {
	logger := logging.FromContext(ctx)

	if opts == nil {
		opts = &Options{}
	}
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	profilesDir := opts.ProfilesDir
	if profilesDir == "" {
		dir, err := DefaultProfilesDir()
		if err != nil {
			return nil, err
		}
		profilesDir = dir
	}

	password, err := randomPassword()
	if err != nil {
		return nil, err
	}

	k := &Keychain{
		buildID:     buildID,
		path:        fmt.Sprintf("/tmp/oore-%s.keychain-db", buildID),
		password:    password,
		runner:      runner,
		profilesDir: profilesDir,
	}

	if err := k.create(ctx); err != nil {
		k.Teardown(ctx)
		return nil, err
	}
	if err := k.importCertificates(ctx, certs); err != nil {
		k.Teardown(ctx)
		return nil, err
	}
	if err := k.installProfiles(ctx, profiles); err != nil {
		k.Teardown(ctx)
		return nil, err
	}

	logger.InfoContext(ctx, "signing keychain ready",
		"build_id", buildID,
		"certificates", len(certs),
		"profiles", len(profiles))
	return k, nil
}

func (k *Keychain) create(ctx context.Context) error {
	if _, err := k.runner.Run(ctx, "security", "create-keychain", "-p", k.password, k.path); err != nil {
		return fmt.Errorf("failed to create keychain: %w", err)
	}
	if _, err := k.runner.Run(ctx, "security", "unlock-keychain", "-p", k.password, k.path); err != nil {
		return fmt.Errorf("failed to unlock keychain: %w", err)
	}
	// Auto-lock after an hour in case teardown is somehow missed.
	if _, err := k.runner.Run(ctx, "security", "set-keychain-settings", "-lut", "3600", k.path); err != nil {
		return fmt.Errorf("failed to set keychain settings: %w", err)
	}

	searchListMu.Lock()
	defer searchListMu.Unlock()

	out, err := k.runner.Run(ctx, "security", "list-keychains", "-d", "user")
	if err != nil {
		return fmt.Errorf("failed to read keychain search list: %w", err)
	}
	k.savedSearchList = parseSearchList(out)

	args := append([]string{"list-keychains", "-d", "user", "-s", k.path}, k.savedSearchList...)
	if _, err := k.runner.Run(ctx, "security", args...); err != nil {
		return fmt.Errorf("failed to update keychain search list: %w", err)
	}
	return nil
}

func (k *Keychain) importCertificates(ctx context.Context, certs []*credentials.Certificate) error {
	for _, cert := range certs {
		tmp, err := os.CreateTemp("", "oore-cert-*.p12")
		if err != nil {
			return fmt.Errorf("failed to stage certificate: %w", err)
		}
		tmpPath := tmp.Name()
		_, werr := tmp.Write(cert.P12)
		cerr := tmp.Close()

		if werr == nil && cerr == nil {
			_, werr = k.runner.Run(ctx, "security", "import", tmpPath,
				"-k", k.path,
				"-P", cert.Password,
				"-T", "/usr/bin/codesign",
				"-T", "/usr/bin/security")
		}
		os.Remove(tmpPath)
		if werr != nil {
			return fmt.Errorf("failed to import certificate %q: %w", cert.Name, werr)
		}
		if cerr != nil {
			return fmt.Errorf("failed to stage certificate %q: %w", cert.Name, cerr)
		}
	}

	if len(certs) > 0 {
		// Permit headless signing without a UI confirmation prompt.
		if _, err := k.runner.Run(ctx, "security", "set-key-partition-list",
			"-S", "apple-tool:,apple:,codesign:",
			"-s", "-k", k.password, k.path); err != nil {
			return fmt.Errorf("failed to set key partition list: %w", err)
		}
	}
	return nil
}

func (k *Keychain) installProfiles(ctx context.Context, profiles []*credentials.Profile) error {
	if len(profiles) == 0 {
		return nil
	}
	if err := os.MkdirAll(k.profilesDir, 0o755); err != nil {
		return fmt.Errorf("failed to create profiles dir: %w", err)
	}
	for _, p := range profiles {
		// The UUID names the installed file; reject anything that is
		// not one before it touches the filesystem.
		uid, err := uuid.Parse(p.UUID)
		if err != nil {
			return fmt.Errorf("profile %q has an invalid UUID: %w", p.Name, err)
		}
		dest := filepath.Join(k.profilesDir, uid.String()+".mobileprovision")
		if err := os.WriteFile(dest, p.Content, 0o644); err != nil {
			return fmt.Errorf("failed to install profile %q: %w", p.Name, err)
		}
		k.installedProfiles = append(k.installedProfiles, dest)
	}
	return nil
}

// Teardown reverses Setup: installed profiles are deleted, the search
// list is restored, and the keychain file is removed. It runs at most
// once; repeated calls are no-ops, and partial state already gone never
// fails the build.
func (k *Keychain) Teardown(ctx context.Context) {
	k.teardownOnce.Do(func() {
		logger := logging.FromContext(ctx)

		for _, path := range k.installedProfiles {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.WarnContext(ctx, "failed to remove provisioning profile",
					"path", path, "error", err)
			}
		}

		if k.savedSearchList != nil {
			searchListMu.Lock()
			args := append([]string{"list-keychains", "-d", "user", "-s"}, k.savedSearchList...)
			if _, err := k.runner.Run(ctx, "security", args...); err != nil {
				logger.WarnContext(ctx, "failed to restore keychain search list", "error", err)
			}
			searchListMu.Unlock()
		}

		if _, err := k.runner.Run(ctx, "security", "delete-keychain", k.path); err != nil {
			logger.WarnContext(ctx, "failed to delete keychain", "error", err)
		}
		if err := os.Remove(k.path); err != nil && !os.IsNotExist(err) {
			logger.WarnContext(ctx, "failed to remove keychain file",
				"path", k.path, "error", err)
		}

		logger.InfoContext(ctx, "signing keychain torn down", "build_id", k.buildID)
	})
}

func randomPassword() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate keychain password: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// parseSearchList extracts keychain paths from security list-keychains
// output, one quoted path per line.
func parseSearchList(out string) []string {
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		line = strings.Trim(line, `"`)
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths
}
