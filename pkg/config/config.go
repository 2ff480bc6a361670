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

// Package config defines the environment surface of the server.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/abcxyz/pkg/cli"
)

// ServerConfig is the configuration of the oored server process. Every
// option binds to an environment variable; flags exist for overrides.
type ServerConfig struct {
	Port         string
	DatabasePath string
	BaseURL      string

	AdminToken string
	DevMode    bool

	EncryptionKey      string
	GitLabServerPepper string

	TrustedProxies string

	GitLabAllowedHosts string
	GitLabAllowedCIDRs string
	GitLabCABundle     string
	AllowBroadCIDRs    string

	WorkspacesDir string
	LogsDir       string
	ArtifactsDir  string

	WebhookQueueSize int
	BuildQueueSize   int
}

// Validate checks the invariants that must hold before serving.
func (cfg *ServerConfig) Validate() error {
	var merr error

	if cfg.DatabasePath == "" {
		merr = errors.Join(merr, fmt.Errorf("OORE_DATABASE_PATH is required"))
	}
	if cfg.WorkspacesDir == "" {
		merr = errors.Join(merr, fmt.Errorf("OORE_WORKSPACES_DIR is required"))
	}
	if cfg.LogsDir == "" {
		merr = errors.Join(merr, fmt.Errorf("OORE_LOGS_DIR is required"))
	}
	if cfg.ArtifactsDir == "" {
		merr = errors.Join(merr, fmt.Errorf("OORE_ARTIFACTS_DIR is required"))
	}
	if cfg.WebhookQueueSize < 128 {
		merr = errors.Join(merr, fmt.Errorf("OORE_WEBHOOK_QUEUE_SIZE must be at least 128"))
	}
	if cfg.BuildQueueSize < 100 {
		merr = errors.Join(merr, fmt.Errorf("OORE_BUILD_QUEUE_SIZE must be at least 100"))
	}

	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || u.Host == "" {
			merr = errors.Join(merr, fmt.Errorf("OORE_BASE_URL must be an absolute URL"))
		} else if u.Scheme != "https" && !cfg.DevMode {
			merr = errors.Join(merr, fmt.Errorf("OORE_BASE_URL must be https unless OORE_DEV_MODE is enabled"))
		}
	}

	return merr
}

// TrustedProxyCIDRs splits the comma-separated proxy list.
func (cfg *ServerConfig) TrustedProxyCIDRs() []string {
	return splitList(cfg.TrustedProxies)
}

// AllowedGitLabHosts splits the SSRF host allow-list.
func (cfg *ServerConfig) AllowedGitLabHosts() []string {
	return splitList(cfg.GitLabAllowedHosts)
}

// AllowedGitLabCIDRs splits the SSRF CIDR allow-list.
func (cfg *ServerConfig) AllowedGitLabCIDRs() []string {
	return splitList(cfg.GitLabAllowedCIDRs)
}

// BroadCIDRsAllowed reports whether the operator disabled the /8
// guardrail with the explicit acknowledgement value.
func (cfg *ServerConfig) BroadCIDRsAllowed() bool {
	return cfg.AllowBroadCIDRs == "I_UNDERSTAND_THE_RISK"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ToFlags binds the config to the given [cli.FlagSet] and returns it.
func (cfg *ServerConfig) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("SERVER OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "port",
		Target:  &cfg.Port,
		EnvVar:  "PORT",
		Default: "8080",
		Usage:   `The port the server listens on.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "database-path",
		Target:  &cfg.DatabasePath,
		EnvVar:  "OORE_DATABASE_PATH",
		Default: "oore.db",
		Usage:   `Path of the SQLite database file.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "base-url",
		Target: &cfg.BaseURL,
		EnvVar: "OORE_BASE_URL",
		Usage:  `Absolute URL used in manifest and redirect construction.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "admin-token",
		Target: &cfg.AdminToken,
		EnvVar: "OORE_ADMIN_TOKEN",
		Usage:  `Bearer token enabling the admin routes.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:   "dev-mode",
		Target: &cfg.DevMode,
		EnvVar: "OORE_DEV_MODE",
		Usage:  `Permit HTTP on loopback and other dev conveniences.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "encryption-key",
		Target: &cfg.EncryptionKey,
		EnvVar: "ENCRYPTION_KEY",
		Usage:  `Base64 or hex encoded 32-byte key for credential encryption.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "gitlab-server-pepper",
		Target: &cfg.GitLabServerPepper,
		EnvVar: "GITLAB_SERVER_PEPPER",
		Usage:  `Server-wide pepper for GitLab webhook token fingerprints.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "trusted-proxies",
		Target: &cfg.TrustedProxies,
		EnvVar: "OORE_TRUSTED_PROXIES",
		Usage:  `Comma-separated CIDRs of reverse proxies allowed to set forwarding headers.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "gitlab-allowed-hosts",
		Target: &cfg.GitLabAllowedHosts,
		EnvVar: "OORE_GITLAB_ALLOWED_HOSTS",
		Usage:  `Comma-separated hostnames exempt from the GitLab SSRF gate.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "gitlab-allowed-cidrs",
		Target: &cfg.GitLabAllowedCIDRs,
		EnvVar: "OORE_GITLAB_ALLOWED_CIDRS",
		Usage:  `Comma-separated CIDRs of private addresses allowed for self-hosted GitLab.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "gitlab-ca-bundle",
		Target: &cfg.GitLabCABundle,
		EnvVar: "OORE_GITLAB_CA_BUNDLE",
		Usage:  `Path to a PEM bundle trusted for self-hosted GitLab instances.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "allow-broad-cidrs",
		Target: &cfg.AllowBroadCIDRs,
		EnvVar: "OORE_ALLOW_BROAD_CIDRS",
		Usage:  `Set to I_UNDERSTAND_THE_RISK to disable the /8 allow-list guardrail.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "workspaces-dir",
		Target:  &cfg.WorkspacesDir,
		EnvVar:  "OORE_WORKSPACES_DIR",
		Default: "workspaces",
		Usage:   `Directory holding per-build clone workspaces.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "logs-dir",
		Target:  &cfg.LogsDir,
		EnvVar:  "OORE_LOGS_DIR",
		Default: "logs",
		Usage:   `Directory holding per-build step logs.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "artifacts-dir",
		Target:  &cfg.ArtifactsDir,
		EnvVar:  "OORE_ARTIFACTS_DIR",
		Default: "artifacts",
		Usage:   `Directory holding harvested build artifacts.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "webhook-queue-size",
		Target:  &cfg.WebhookQueueSize,
		EnvVar:  "OORE_WEBHOOK_QUEUE_SIZE",
		Default: 128,
		Usage:   `Capacity of the in-process webhook queue.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "build-queue-size",
		Target:  &cfg.BuildQueueSize,
		EnvVar:  "OORE_BUILD_QUEUE_SIZE",
		Default: 100,
		Usage:   `Capacity of the in-process build queue.`,
	})

	return set
}
