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

// Package model defines the persisted entities shared across the server:
// repositories, webhook events, builds and their steps, logs, artifacts,
// pipeline configs, credential rows and OAuth setup states.
package model

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Provider identifies a source host.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitLab Provider = "gitlab"
)

// TriggerType is the provenance of a build.
type TriggerType string

const (
	TriggerPush         TriggerType = "push"
	TriggerPullRequest  TriggerType = "pull_request"
	TriggerMergeRequest TriggerType = "merge_request"
	TriggerManual       TriggerType = "manual"
)

// BuildStatus is the lifecycle state of a build.
type BuildStatus string

const (
	BuildPending   BuildStatus = "pending"
	BuildRunning   BuildStatus = "running"
	BuildSuccess   BuildStatus = "success"
	BuildFailure   BuildStatus = "failure"
	BuildCancelled BuildStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal statuses are
// immutable once reached.
func (s BuildStatus) Terminal() bool {
	return s == BuildSuccess || s == BuildFailure || s == BuildCancelled
}

// StepStatus is the lifecycle state of a single build step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSuccess   StepStatus = "success"
	StepFailure   StepStatus = "failure"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// ConfigSource records where a build's pipeline config came from.
type ConfigSource string

const (
	ConfigSourceRepository ConfigSource = "repository"
	ConfigSourceStored     ConfigSource = "stored"
)

// ConfigFormat is the serialization format of a stored pipeline config.
type ConfigFormat string

const (
	ConfigFormatYAML ConfigFormat = "yaml"
	ConfigFormatHUML ConfigFormat = "huml"
)

// LogStream names one of the captured output streams of a step.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
	StreamSystem LogStream = "system"
)

// NewID returns a 26-character Crockford base32 ULID. IDs sort
// lexicographically in creation order.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}

// Repository is a tracked source location. (provider, owner, repo_name) is
// unique; (provider, provider-native id) is the preferred lookup. Rows are
// soft-deleted via IsActive.
type Repository struct {
	ID            string   `json:"id"`
	Provider      Provider `json:"provider"`
	Owner         string   `json:"owner"`
	RepoName      string   `json:"repo_name"`
	CloneURL      string   `json:"clone_url"`
	DefaultBranch string   `json:"default_branch"`
	IsActive      bool     `json:"is_active"`

	// WebhookSecretFingerprint is the HMAC of the GitLab per-repo webhook
	// token under the server pepper. Empty for GitHub repositories, whose
	// webhook secret lives on the app credential.
	WebhookSecretFingerprint string `json:"-"`

	// Provider-native identifiers. Exactly one of these is set.
	GitHubRepoID    int64 `json:"github_repo_id,omitempty"`
	GitLabProjectID int64 `json:"gitlab_project_id,omitempty"`

	// GitLabInstanceURL is the normalized origin of the GitLab deployment
	// that owns this project. Empty for GitHub.
	GitLabInstanceURL string `json:"gitlab_instance_url,omitempty"`

	InstallationID int64 `json:"-"` // GitHub App installation, 0 if unknown

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NativeID returns the provider-native identifier for the repository.
func (r *Repository) NativeID() int64 {
	if r.Provider == ProviderGitLab {
		return r.GitLabProjectID
	}
	return r.GitHubRepoID
}

// WebhookEvent is an immutable receipt of one webhook delivery.
// (provider, delivery_id) is unique; Processed and ErrorMessage are the
// only fields mutated after insert.
type WebhookEvent struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repository_id,omitempty"`
	Provider     Provider  `json:"provider"`
	EventType    string    `json:"event_type"`
	DeliveryID   string    `json:"delivery_id"`
	Payload      []byte    `json:"-"`
	Processed    bool      `json:"processed"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Build is the authoritative record of one pipeline execution.
type Build struct {
	ID             string       `json:"id"`
	RepositoryID   string       `json:"repository_id"`
	WebhookEventID string       `json:"webhook_event_id,omitempty"`
	CommitSHA      string       `json:"commit_sha"`
	Branch         string       `json:"branch"`
	TriggerType    TriggerType  `json:"trigger_type"`
	Status         BuildStatus  `json:"status"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty"`
	WorkflowName   string       `json:"workflow_name,omitempty"`
	ConfigSource   ConfigSource `json:"config_source,omitempty"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// BuildStep is one shell script execution within a build. StepIndex is
// dense and unique within a build; a skipped step never has StartedAt set.
type BuildStep struct {
	ID            string     `json:"id"`
	BuildID       string     `json:"build_id"`
	StepIndex     int        `json:"step_index"`
	Name          string     `json:"name"`
	Script        string     `json:"script"`
	TimeoutSecs   int        `json:"timeout_secs"`
	IgnoreFailure bool       `json:"ignore_failure"`
	Status        StepStatus `json:"status"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// BuildLog points at an on-disk log file; the row is metadata only.
type BuildLog struct {
	ID          string    `json:"id"`
	BuildID     string    `json:"build_id"`
	StepIndex   int       `json:"step_index"`
	Stream      LogStream `json:"stream"`
	LogFilePath string    `json:"log_file_path"`
	LineCount   int       `json:"line_count"`
}

// BuildArtifact is a file harvested from the workspace after a build.
type BuildArtifact struct {
	ID             string    `json:"id"`
	BuildID        string    `json:"build_id"`
	Name           string    `json:"name"`
	RelativePath   string    `json:"relative_path"`
	StoragePath    string    `json:"-"`
	SizeBytes      int64     `json:"size_bytes"`
	ContentType    string    `json:"content_type"`
	ChecksumSHA256 string    `json:"checksum_sha256"`
	CreatedAt      time.Time `json:"created_at"`
}

// PipelineConfig is a stored pipeline document for one repository. At most
// one config per repository is active at a time.
type PipelineConfig struct {
	ID            string       `json:"id"`
	RepositoryID  string       `json:"repository_id"`
	Name          string       `json:"name"`
	ConfigContent string       `json:"config_content"`
	ConfigFormat  ConfigFormat `json:"config_format"`
	IsActive      bool         `json:"is_active"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OAuthStateStatus is the observable status of a setup round-trip.
type OAuthStateStatus string

const (
	OAuthStatePending   OAuthStateStatus = "pending"
	OAuthStateConsumed  OAuthStateStatus = "consumed"
	OAuthStateCompleted OAuthStateStatus = "completed"
	OAuthStateFailed    OAuthStateStatus = "failed"
	OAuthStateExpired   OAuthStateStatus = "expired"
)

// OAuthState is a short-lived single-use token coordinating the external
// browser round-trip of a provider setup flow.
//
// For GitLab flows AppID/AppName are repurposed to carry the authenticated
// user id and username. The overload is storage-internal and must not leak
// into response bodies.
type OAuthState struct {
	State        string
	Provider     Provider
	InstanceURL  string
	ExpiresAt    time.Time
	ConsumedAt   *time.Time
	CompletedAt  *time.Time
	AppID        int64
	AppName      string
	ErrorMessage string
	CreatedAt    time.Time
}

// Status derives the observable state. Expiry wins over stored fields:
// any read past expires_at reports Expired no matter what else the row
// records.
func (s *OAuthState) Status(now time.Time) OAuthStateStatus {
	if now.After(s.ExpiresAt) {
		return OAuthStateExpired
	}
	switch {
	case s.ErrorMessage != "":
		return OAuthStateFailed
	case s.CompletedAt != nil:
		return OAuthStateCompleted
	case s.ConsumedAt != nil:
		return OAuthStateConsumed
	default:
		return OAuthStatePending
	}
}

// EncryptedField is a ciphertext+nonce pair produced by the credential
// store. The AEAD associated data binds it to its owning table and row.
type EncryptedField struct {
	Ciphertext []byte
	Nonce      []byte
}

// Empty reports whether the field holds no data.
func (f EncryptedField) Empty() bool { return len(f.Ciphertext) == 0 }

// GitHubAppCredential holds the single configured GitHub App. Secret
// fields are encrypted at rest.
type GitHubAppCredential struct {
	ID            string
	AppID         int64
	AppSlug       string
	AppName       string
	HTMLURL       string
	ClientID      string
	ClientSecret  EncryptedField
	WebhookSecret EncryptedField
	PrivateKey    EncryptedField
	IsActive      bool
	CreatedAt     time.Time
}

// GitLabCredential is an OAuth token pair for one GitLab instance, keyed
// by normalized instance URL.
type GitLabCredential struct {
	ID           string
	InstanceURL  string
	UserID       int64
	Username     string
	AccessToken  EncryptedField
	RefreshToken EncryptedField
	TokenExpiry  time.Time
	IsActive     bool
	CreatedAt    time.Time
}

// GitLabOAuthApp is an operator-registered OAuth application on a GitLab
// instance, used to mint GitLabCredential token pairs.
type GitLabOAuthApp struct {
	ID           string
	InstanceURL  string
	ClientID     string
	ClientSecret EncryptedField
	IsActive     bool
	CreatedAt    time.Time
}

// SigningCertificate is an iOS p12 blob plus its import password.
type SigningCertificate struct {
	ID           string
	RepositoryID string
	Name         string
	P12          EncryptedField
	Password     EncryptedField
	CreatedAt    time.Time
}

// ProvisioningProfile is an iOS provisioning profile blob.
type ProvisioningProfile struct {
	ID           string
	RepositoryID string
	UUID         string
	Name         string
	Profile      EncryptedField
	CreatedAt    time.Time
}
