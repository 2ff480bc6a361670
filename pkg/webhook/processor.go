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

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/store"
)

// parsedEvent is the subset of a payload the processor acts on.
type parsedEvent struct {
	trigger      model.TriggerType
	commitSHA    string
	branch       string
	nativeRepoID int64
	owner        string
	repoName     string
}

// Processor is the single logical consumer of the ingress queue. It
// turns verified webhook events into Pending builds and hands them to
// the scheduler queue.
type Processor struct {
	ds         store.Datastore
	queue      <-chan *model.WebhookEvent
	buildQueue chan<- string
}

// NewProcessor wires the processor between the two queues.
func NewProcessor(ds store.Datastore, queue <-chan *model.WebhookEvent, buildQueue chan<- string) *Processor {
	return &Processor{ds: ds, queue: queue, buildQueue: buildQueue}
}

// Run drains the queue until the context ends. Call Rescan first so
// deliveries stranded by a previous shutdown are not lost.
func (p *Processor) Run(ctx context.Context) {
	logger := logging.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "webhook processor stopping")
			return
		case event := <-p.queue:
			p.Process(ctx, event)
		}
	}
}

// Rescan re-processes every unprocessed webhook row. Invoked once at
// startup, before the HTTP listener accepts new deliveries.
func (p *Processor) Rescan(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	events, err := p.ds.ListUnprocessedWebhookEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unprocessed webhook events: %w", err)
	}
	if len(events) > 0 {
		logger.InfoContext(ctx, "re-processing stranded webhook events", "count", len(events))
	}
	for _, event := range events {
		p.Process(ctx, event)
	}
	return nil
}

// Process handles one event. Parse and resolution failures mark the
// row processed with an error message so a poison payload is never
// retried; failures persisting the build leave the row unprocessed for
// the next startup rescan.
func (p *Processor) Process(ctx context.Context, event *model.WebhookEvent) {
	logger := logging.FromContext(ctx)

	parsed, known, err := parsePayload(event)
	if err != nil {
		logger.WarnContext(ctx, "failed to parse webhook payload",
			"event_id", event.ID, "event_type", event.EventType, "error", err)
		p.markProcessed(ctx, event.ID, fmt.Sprintf("failed to parse payload: %v", err))
		return
	}
	if !known {
		logger.DebugContext(ctx, "ignoring webhook event type",
			"event_id", event.ID, "event_type", event.EventType)
		p.markProcessed(ctx, event.ID, "")
		return
	}

	repo, err := p.resolveRepository(ctx, event.Provider, parsed)
	if err != nil {
		logger.WarnContext(ctx, "webhook repository not resolvable",
			"event_id", event.ID,
			"native_repo_id", parsed.nativeRepoID,
			"owner", parsed.owner,
			"repo_name", parsed.repoName)
		p.markProcessed(ctx, event.ID, fmt.Sprintf("repository not found: %s/%s", parsed.owner, parsed.repoName))
		return
	}
	if !repo.IsActive {
		p.markProcessed(ctx, event.ID, "repository is disabled")
		return
	}

	build := &model.Build{
		ID:             model.NewID(),
		RepositoryID:   repo.ID,
		WebhookEventID: event.ID,
		CommitSHA:      parsed.commitSHA,
		Branch:         parsed.branch,
		TriggerType:    parsed.trigger,
		Status:         model.BuildPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.ds.CreateBuild(ctx, build); err != nil {
		// Leave the row unprocessed; startup recovery retries it.
		logger.ErrorContext(ctx, "failed to create build",
			"event_id", event.ID, "error", err)
		return
	}

	select {
	case p.buildQueue <- build.ID:
	default:
		// Build row is durable; scheduler startup recovery re-enqueues
		// pending builds.
		logger.WarnContext(ctx, "build queue saturated, deferring to recovery",
			"build_id", build.ID)
	}

	p.markProcessed(ctx, event.ID, "")
	logger.InfoContext(ctx, "build created from webhook",
		"event_id", event.ID,
		"build_id", build.ID,
		"repository_id", repo.ID,
		"trigger", build.TriggerType,
		"branch", build.Branch)
}

func (p *Processor) markProcessed(ctx context.Context, eventID, errorMessage string) {
	if err := p.ds.MarkWebhookEventProcessed(ctx, eventID, errorMessage); err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "failed to mark webhook event processed",
			"event_id", eventID, "error", err)
	}
}

func (p *Processor) resolveRepository(ctx context.Context, provider model.Provider, parsed *parsedEvent) (*model.Repository, error) {
	if parsed.nativeRepoID != 0 {
		if repo, err := p.ds.GetRepositoryByNativeID(ctx, provider, parsed.nativeRepoID); err == nil {
			return repo, nil
		}
	}
	return p.ds.GetRepositoryByName(ctx, provider, parsed.owner, parsed.repoName)
}

// parsePayload extracts the build-relevant fields for the supported
// event types. known=false means the type is outside the handled
// subset and the event should be acknowledged without side effects.
func parsePayload(event *model.WebhookEvent) (parsed *parsedEvent, known bool, err error) {
	switch event.Provider {
	case model.ProviderGitHub:
		switch event.EventType {
		case "push":
			p, err := parseGitHubPush(event.Payload)
			return p, true, err
		case "pull_request":
			p, ok, err := parseGitHubPullRequest(event.Payload)
			return p, ok, err
		default:
			return nil, false, nil
		}
	case model.ProviderGitLab:
		switch event.EventType {
		case "Push Hook":
			p, err := parseGitLabPush(event.Payload)
			return p, true, err
		case "Merge Request Hook":
			p, ok, err := parseGitLabMergeRequest(event.Payload)
			return p, ok, err
		default:
			return nil, false, nil
		}
	default:
		return nil, false, fmt.Errorf("unknown provider %q", event.Provider)
	}
}

// branchFromRef strips refs/heads/ and refs/tags/ prefixes.
func branchFromRef(ref string) string {
	ref = strings.TrimPrefix(ref, "refs/heads/")
	ref = strings.TrimPrefix(ref, "refs/tags/")
	return ref
}

func parseGitHubPush(payload []byte) (*parsedEvent, error) {
	var doc struct {
		Ref        string `json:"ref"`
		After      string `json:"after"`
		Deleted    bool   `json:"deleted"`
		Repository struct {
			ID    int64  `json:"id"`
			Name  string `json:"name"`
			Owner struct {
				Login string `json:"login"`
			} `json:"owner"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("invalid push payload: %w", err)
	}
	if doc.Deleted || doc.After == "" || doc.After == strings.Repeat("0", 40) {
		return nil, fmt.Errorf("push has no buildable commit (branch deletion)")
	}
	return &parsedEvent{
		trigger:      model.TriggerPush,
		commitSHA:    doc.After,
		branch:       branchFromRef(doc.Ref),
		nativeRepoID: doc.Repository.ID,
		owner:        doc.Repository.Owner.Login,
		repoName:     doc.Repository.Name,
	}, nil
}

// buildablePRActions are the pull_request actions that produce a
// build.
var buildablePRActions = map[string]struct{}{
	"opened":      {},
	"synchronize": {},
	"reopened":    {},
}

func parseGitHubPullRequest(payload []byte) (*parsedEvent, bool, error) {
	var doc struct {
		Action      string `json:"action"`
		PullRequest struct {
			Head struct {
				SHA string `json:"sha"`
				Ref string `json:"ref"`
			} `json:"head"`
		} `json:"pull_request"`
		Repository struct {
			ID    int64  `json:"id"`
			Name  string `json:"name"`
			Owner struct {
				Login string `json:"login"`
			} `json:"owner"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, true, fmt.Errorf("invalid pull_request payload: %w", err)
	}
	if _, ok := buildablePRActions[doc.Action]; !ok {
		return nil, false, nil
	}
	if doc.PullRequest.Head.SHA == "" {
		return nil, true, fmt.Errorf("pull_request payload has no head sha")
	}
	return &parsedEvent{
		trigger:      model.TriggerPullRequest,
		commitSHA:    doc.PullRequest.Head.SHA,
		branch:       doc.PullRequest.Head.Ref,
		nativeRepoID: doc.Repository.ID,
		owner:        doc.Repository.Owner.Login,
		repoName:     doc.Repository.Name,
	}, true, nil
}

func parseGitLabPush(payload []byte) (*parsedEvent, error) {
	var doc struct {
		Ref     string `json:"ref"`
		After   string `json:"after"`
		Project struct {
			ID                int64  `json:"id"`
			Name              string `json:"name"`
			PathWithNamespace string `json:"path_with_namespace"`
		} `json:"project"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("invalid Push Hook payload: %w", err)
	}
	if doc.After == "" || doc.After == strings.Repeat("0", 40) {
		return nil, fmt.Errorf("push has no buildable commit (branch deletion)")
	}
	owner, name := splitNamespace(doc.Project.PathWithNamespace)
	return &parsedEvent{
		trigger:      model.TriggerPush,
		commitSHA:    doc.After,
		branch:       branchFromRef(doc.Ref),
		nativeRepoID: doc.Project.ID,
		owner:        owner,
		repoName:     name,
	}, nil
}

// buildableMRActions mirrors buildablePRActions for GitLab.
var buildableMRActions = map[string]struct{}{
	"open":   {},
	"update": {},
	"reopen": {},
}

func parseGitLabMergeRequest(payload []byte) (*parsedEvent, bool, error) {
	var doc struct {
		ObjectAttributes struct {
			Action       string `json:"action"`
			SourceBranch string `json:"source_branch"`
			LastCommit   struct {
				ID string `json:"id"`
			} `json:"last_commit"`
		} `json:"object_attributes"`
		Project struct {
			ID                int64  `json:"id"`
			PathWithNamespace string `json:"path_with_namespace"`
		} `json:"project"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, true, fmt.Errorf("invalid Merge Request Hook payload: %w", err)
	}
	if _, ok := buildableMRActions[doc.ObjectAttributes.Action]; !ok {
		return nil, false, nil
	}
	if doc.ObjectAttributes.LastCommit.ID == "" {
		return nil, true, fmt.Errorf("merge request payload has no last commit")
	}
	owner, name := splitNamespace(doc.Project.PathWithNamespace)
	return &parsedEvent{
		trigger:      model.TriggerMergeRequest,
		commitSHA:    doc.ObjectAttributes.LastCommit.ID,
		branch:       doc.ObjectAttributes.SourceBranch,
		nativeRepoID: doc.Project.ID,
		owner:        owner,
		repoName:     name,
	}, true, nil
}

func splitNamespace(path string) (owner, name string) {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i], path[i+1:]
	}
	return "", path
}
