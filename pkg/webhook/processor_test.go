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
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/store"
	"github.com/oore-ci/oore/pkg/store/memory"
)

func seedRepo(t *testing.T, ds *memory.Store) *model.Repository {
	t.Helper()
	repo := &model.Repository{
		ID:           model.NewID(),
		Provider:     model.ProviderGitHub,
		Owner:        "acme",
		RepoName:     "widget",
		IsActive:     true,
		GitHubRepoID: 777,
		CreatedAt:    time.Now().UTC(),
	}
	if err := ds.CreateRepository(context.Background(), repo); err != nil {
		t.Fatal(err)
	}
	return repo
}

func seedEvent(t *testing.T, ds *memory.Store, eventType, payload string) *model.WebhookEvent {
	t.Helper()
	event := &model.WebhookEvent{
		ID:         model.NewID(),
		Provider:   model.ProviderGitHub,
		EventType:  eventType,
		DeliveryID: uuid.New().String(),
		Payload:    []byte(payload),
		ReceivedAt: time.Now().UTC(),
	}
	if err := ds.InsertWebhookEvent(context.Background(), event); err != nil {
		t.Fatal(err)
	}
	return event
}

func TestProcessPushCreatesBuild(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ds := memory.New()
	repo := seedRepo(t, ds)
	event := seedEvent(t, ds, "push", githubPushPayload)

	buildQueue := make(chan string, 4)
	p := NewProcessor(ds, nil, buildQueue)
	p.Process(ctx, event)

	builds, err := ds.ListBuilds(ctx, store.BuildFilter{RepositoryID: repo.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(builds) != 1 {
		t.Fatalf("builds = %d, want 1", len(builds))
	}
	b := builds[0]
	if b.Status != model.BuildPending {
		t.Errorf("Status = %q, want pending", b.Status)
	}
	if b.TriggerType != model.TriggerPush || b.Branch != "main" {
		t.Errorf("trigger/branch = %q/%q", b.TriggerType, b.Branch)
	}
	if b.WebhookEventID != event.ID {
		t.Errorf("WebhookEventID = %q, want %q", b.WebhookEventID, event.ID)
	}

	select {
	case id := <-buildQueue:
		if id != b.ID {
			t.Errorf("enqueued %q, want %q", id, b.ID)
		}
	default:
		t.Error("build not enqueued")
	}

	// Event marked processed with no error.
	stored, err := ds.GetWebhookEvent(ctx, event.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Processed || stored.ErrorMessage != "" {
		t.Errorf("event processed=%t error=%q", stored.Processed, stored.ErrorMessage)
	}
}

func TestProcessUnknownEventTypeIgnored(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ds := memory.New()
	seedRepo(t, ds)
	event := seedEvent(t, ds, "issues", `{"action":"opened"}`)

	p := NewProcessor(ds, nil, make(chan string, 1))
	p.Process(ctx, event)

	stored, err := ds.GetWebhookEvent(ctx, event.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Processed || stored.ErrorMessage != "" {
		t.Errorf("unknown type must be acknowledged cleanly: processed=%t error=%q", stored.Processed, stored.ErrorMessage)
	}
	builds, err := ds.ListBuilds(ctx, store.BuildFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(builds) != 0 {
		t.Errorf("builds = %d, want 0", len(builds))
	}
}

func TestProcessUnresolvableRepository(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ds := memory.New() // no repo seeded
	event := seedEvent(t, ds, "push", githubPushPayload)

	p := NewProcessor(ds, nil, make(chan string, 1))
	p.Process(ctx, event)

	stored, err := ds.GetWebhookEvent(ctx, event.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Processed || stored.ErrorMessage == "" {
		t.Errorf("unresolvable repo must mark processed with error: processed=%t error=%q", stored.Processed, stored.ErrorMessage)
	}
}

func TestProcessBranchDeletionIgnored(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ds := memory.New()
	seedRepo(t, ds)
	payload := `{"ref":"refs/heads/gone","after":"0000000000000000000000000000000000000000","deleted":true,"repository":{"id":777,"name":"widget","owner":{"login":"acme"}}}`
	event := seedEvent(t, ds, "push", payload)

	p := NewProcessor(ds, nil, make(chan string, 1))
	p.Process(ctx, event)

	stored, err := ds.GetWebhookEvent(ctx, event.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Processed {
		t.Error("deletion push must be marked processed")
	}
	builds, err := ds.ListBuilds(ctx, store.BuildFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(builds) != 0 {
		t.Errorf("builds = %d, want 0", len(builds))
	}
}

func TestProcessPullRequestActions(t *testing.T) {
	t.Parallel()

	prPayload := func(action string) string {
		return `{"action":"` + action + `","pull_request":{"head":{"sha":"fff000","ref":"feature/x"}},"repository":{"id":777,"name":"widget","owner":{"login":"acme"}}}`
	}

	cases := []struct {
		action    string
		wantBuild bool
	}{
		{action: "opened", wantBuild: true},
		{action: "synchronize", wantBuild: true},
		{action: "reopened", wantBuild: true},
		{action: "closed", wantBuild: false},
		{action: "labeled", wantBuild: false},
	}

	for _, tc := range cases {
		t.Run(tc.action, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			ds := memory.New()
			seedRepo(t, ds)
			event := seedEvent(t, ds, "pull_request", prPayload(tc.action))

			p := NewProcessor(ds, nil, make(chan string, 1))
			p.Process(ctx, event)

			builds, err := ds.ListBuilds(ctx, store.BuildFilter{})
			if err != nil {
				t.Fatal(err)
			}
			if got := len(builds) == 1; got != tc.wantBuild {
				t.Errorf("build created = %t, want %t", got, tc.wantBuild)
			}
			if tc.wantBuild && builds[0].TriggerType != model.TriggerPullRequest {
				t.Errorf("TriggerType = %q", builds[0].TriggerType)
			}
		})
	}
}

func TestProcessGitLabMergeRequest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ds := memory.New()
	repo := &model.Repository{
		ID:              model.NewID(),
		Provider:        model.ProviderGitLab,
		Owner:           "acme",
		RepoName:        "widget",
		IsActive:        true,
		GitLabProjectID: 555,
		CreatedAt:       time.Now().UTC(),
	}
	if err := ds.CreateRepository(ctx, repo); err != nil {
		t.Fatal(err)
	}

	payload := `{"object_attributes":{"action":"open","source_branch":"feature/x","last_commit":{"id":"abc999"}},"project":{"id":555,"path_with_namespace":"acme/widget"}}`
	event := &model.WebhookEvent{
		ID:         model.NewID(),
		Provider:   model.ProviderGitLab,
		EventType:  "Merge Request Hook",
		DeliveryID: uuid.New().String(),
		Payload:    []byte(payload),
		ReceivedAt: time.Now().UTC(),
	}
	if err := ds.InsertWebhookEvent(ctx, event); err != nil {
		t.Fatal(err)
	}

	p := NewProcessor(ds, nil, make(chan string, 1))
	p.Process(ctx, event)

	builds, err := ds.ListBuilds(ctx, store.BuildFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(builds) != 1 {
		t.Fatalf("builds = %d, want 1", len(builds))
	}
	if builds[0].TriggerType != model.TriggerMergeRequest || builds[0].CommitSHA != "abc999" {
		t.Errorf("unexpected build: %+v", builds[0])
	}
}

func TestRescanProcessesStrandedEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ds := memory.New()
	seedRepo(t, ds)
	seedEvent(t, ds, "push", githubPushPayload)

	p := NewProcessor(ds, nil, make(chan string, 4))
	if err := p.Rescan(ctx); err != nil {
		t.Fatalf("Rescan: %v", err)
	}

	builds, err := ds.ListBuilds(ctx, store.BuildFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(builds) != 1 {
		t.Errorf("builds = %d, want 1", len(builds))
	}

	// Second rescan finds nothing unprocessed: no duplicate builds.
	if err := p.Rescan(ctx); err != nil {
		t.Fatal(err)
	}
	builds, err = ds.ListBuilds(ctx, store.BuildFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(builds) != 1 {
		t.Errorf("builds after second rescan = %d, want 1", len(builds))
	}
}
