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

package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oore-ci/oore/pkg/config"
	"github.com/oore-ci/oore/pkg/credentials"
	"github.com/oore-ci/oore/pkg/executor"
	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/pipeline"
	"github.com/oore-ci/oore/pkg/store"
	"github.com/oore-ci/oore/pkg/store/memory"
)

// fakeExecutor simulates the build executor. The clone step populates
// the workspace from files, and scripts select the simulated behavior:
// "fail" exits 1, "timeout" times out, "waitcancel" blocks until the
// cancel signal fires.
type fakeExecutor struct {
	mu       sync.Mutex
	files    map[string]string
	cloneErr error
	clones   []cloneCall
	executed []int
	cleaned  []string
	onClone  func()

	// started receives the step index as execution begins.
	started chan int
}

type cloneCall struct {
	url, sha, workspace, token string
}

func newFakeExecutor(files map[string]string) *fakeExecutor {
	return &fakeExecutor{files: files, started: make(chan int, 16)}
}

func (f *fakeExecutor) CloneRepo(ctx context.Context, cloneURL, commitSHA, workspaceDir, authToken string) error {
	f.mu.Lock()
	f.clones = append(f.clones, cloneCall{cloneURL, commitSHA, workspaceDir, authToken})
	f.mu.Unlock()

	if f.onClone != nil {
		f.onClone()
	}
	if f.cloneErr != nil {
		return f.cloneErr
	}
	for name, content := range f.files {
		path := filepath.Join(workspaceDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeExecutor) ExecuteStep(ctx context.Context, req *executor.StepRequest) (*executor.StepResult, error) {
	f.mu.Lock()
	f.executed = append(f.executed, req.StepIndex)
	f.mu.Unlock()
	f.started <- req.StepIndex

	res := &executor.StepResult{
		StdoutPath:  filepath.Join(req.LogDir, fmt.Sprintf("step-%d-stdout.log", req.StepIndex)),
		StderrPath:  filepath.Join(req.LogDir, fmt.Sprintf("step-%d-stderr.log", req.StepIndex)),
		StdoutLines: 1,
	}
	if err := os.MkdirAll(req.LogDir, 0o755); err != nil {
		return nil, err
	}
	for _, p := range []string{res.StdoutPath, res.StderrPath} {
		if err := os.WriteFile(p, []byte("out\n"), 0o644); err != nil {
			return nil, err
		}
	}

	switch {
	case strings.Contains(req.Script, "waitcancel"):
		select {
		case <-req.Cancel.Done():
			res.ExitCode = -1
			return res, executor.ErrStepCancelled
		case <-ctx.Done():
			res.ExitCode = -1
			return res, ctx.Err()
		}
	case strings.Contains(req.Script, "timeout"):
		res.ExitCode = -1
		return res, executor.ErrStepTimeout
	case strings.Contains(req.Script, "fail"):
		res.ExitCode = 1
		return res, nil
	default:
		res.ExitCode = 0
		return res, nil
	}
}

func (f *fakeExecutor) Cleanup(ctx context.Context, workspaceDir string) error {
	f.mu.Lock()
	f.cleaned = append(f.cleaned, workspaceDir)
	f.mu.Unlock()
	return os.RemoveAll(workspaceDir)
}

func (f *fakeExecutor) executedSteps() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.executed...)
}

func testLimits() *config.Limits {
	return &config.Limits{
		MaxBuildDurationSecs:    3600,
		MaxStepDurationSecs:     1800,
		MaxLogSizeBytes:         1 << 20,
		MaxConcurrentBuilds:     2,
		WorkspaceRetentionHours: 24,
	}
}

type fixture struct {
	ds    *memory.Store
	exec  *fakeExecutor
	s     *Scheduler
	queue chan string
}

type fixtureOpt func(*Config)

func withAuth(a CloneAuthorizer) fixtureOpt {
	return func(c *Config) { c.Auth = a }
}

func newFixture(t *testing.T, fe *fakeExecutor, opts ...fixtureOpt) *fixture {
	t.Helper()

	ds := memory.New()
	queue := make(chan string, 16)
	root := t.TempDir()
	cfg := &Config{
		Datastore:     ds,
		Executor:      fe,
		Limits:        testLimits(),
		Queue:         queue,
		WorkspacesDir: filepath.Join(root, "workspaces"),
		LogsDir:       filepath.Join(root, "logs"),
		ArtifactsDir:  filepath.Join(root, "artifacts"),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &fixture{ds: ds, exec: fe, s: New(cfg), queue: queue}
}

func seedBuild(t *testing.T, ds *memory.Store) (*model.Repository, *model.Build) {
	t.Helper()

	repo := &model.Repository{
		ID:           model.NewID(),
		Provider:     model.ProviderGitHub,
		Owner:        "acme",
		RepoName:     "widget",
		CloneURL:     "https://github.com/acme/widget.git",
		IsActive:     true,
		GitHubRepoID: 777,
		CreatedAt:    time.Now().UTC(),
	}
	if err := ds.CreateRepository(context.Background(), repo); err != nil {
		t.Fatal(err)
	}
	build := &model.Build{
		ID:           model.NewID(),
		RepositoryID: repo.ID,
		CommitSHA:    "abc123",
		Branch:       "main",
		TriggerType:  model.TriggerPush,
		Status:       model.BuildPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := ds.CreateBuild(context.Background(), build); err != nil {
		t.Fatal(err)
	}
	return repo, build
}

const twoStepConfig = `
workflows:
  default:
    name: Default
    scripts:
      - name: Build
        script: echo build
      - name: Test
        script: echo test
    artifacts:
      - build/*.txt
`

func TestRunBuildSuccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fe := newFakeExecutor(map[string]string{
		"codemagic.yaml":   twoStepConfig,
		"build/output.txt": "artifact-data",
	})
	f := newFixture(t, fe)
	_, build := seedBuild(t, f.ds)

	f.s.runBuild(ctx, build.ID, executor.NewSignal())

	got, err := f.ds.GetBuild(ctx, build.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.BuildSuccess {
		t.Fatalf("Status = %q (%s), want success", got.Status, got.ErrorMessage)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("StartedAt/FinishedAt not set")
	}
	if got.WorkflowName != "default" || got.ConfigSource != model.ConfigSourceRepository {
		t.Errorf("workflow = %q source = %q", got.WorkflowName, got.ConfigSource)
	}

	steps, err := f.ds.ListBuildSteps(ctx, build.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	for i, step := range steps {
		if step.StepIndex != i || step.Status != model.StepSuccess {
			t.Errorf("step %d: index=%d status=%q", i, step.StepIndex, step.Status)
		}
		if step.ExitCode == nil || *step.ExitCode != 0 {
			t.Errorf("step %d exit code = %v, want 0", i, step.ExitCode)
		}
	}

	logs, err := f.ds.ListBuildLogs(ctx, build.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 4 {
		t.Errorf("log rows = %d, want 4 (two streams per step)", len(logs))
	}

	artifacts, err := f.ds.ListBuildArtifacts(ctx, build.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(artifacts))
	}
	a := artifacts[0]
	if a.Name != "output.txt" || a.RelativePath != "build/output.txt" {
		t.Errorf("artifact = %q / %q", a.Name, a.RelativePath)
	}
	sum := sha256.Sum256([]byte("artifact-data"))
	if a.ChecksumSHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum = %q", a.ChecksumSHA256)
	}
	data, err := os.ReadFile(a.StoragePath)
	if err != nil {
		t.Fatalf("artifact not stored: %v", err)
	}
	if string(data) != "artifact-data" {
		t.Errorf("stored content = %q", data)
	}

	if len(fe.cleaned) != 1 {
		t.Errorf("workspace cleanups = %d, want 1", len(fe.cleaned))
	}
}

func TestRunBuildStepFailureSkipsRemainder(t *testing.T) {
	t.Parallel()

	cfg := `
workflows:
  default:
    scripts:
      - name: First
        script: echo ok
      - name: Breaks
        script: fail
      - name: Never
        script: echo unreachable
`
	ctx := context.Background()
	fe := newFakeExecutor(map[string]string{"codemagic.yaml": cfg})
	f := newFixture(t, fe)
	_, build := seedBuild(t, f.ds)

	f.s.runBuild(ctx, build.ID, executor.NewSignal())

	got, err := f.ds.GetBuild(ctx, build.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.BuildFailure {
		t.Fatalf("Status = %q, want failure", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "exit code 1") {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}

	steps, err := f.ds.ListBuildSteps(ctx, build.ID)
	if err != nil {
		t.Fatal(err)
	}
	wantStatus := []model.StepStatus{model.StepSuccess, model.StepFailure, model.StepSkipped}
	for i, step := range steps {
		if step.Status != wantStatus[i] {
			t.Errorf("step %d status = %q, want %q", i, step.Status, wantStatus[i])
		}
	}
	if steps[2].StartedAt != nil {
		t.Error("skipped step must never start")
	}
	if got := fe.executedSteps(); len(got) != 2 {
		t.Errorf("executed steps = %v, want first two only", got)
	}
}

func TestRunBuildIgnoreFailureContinues(t *testing.T) {
	t.Parallel()

	cfg := `
workflows:
  default:
    scripts:
      - name: Flaky
        script: fail
        ignore_failure: true
      - name: Rest
        script: echo ok
`
	ctx := context.Background()
	fe := newFakeExecutor(map[string]string{"codemagic.yaml": cfg})
	f := newFixture(t, fe)
	_, build := seedBuild(t, f.ds)

	f.s.runBuild(ctx, build.ID, executor.NewSignal())

	got, err := f.ds.GetBuild(ctx, build.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.BuildSuccess {
		t.Fatalf("Status = %q (%s), want success", got.Status, got.ErrorMessage)
	}
	steps, err := f.ds.ListBuildSteps(ctx, build.ID)
	if err != nil {
		t.Fatal(err)
	}
	if steps[0].Status != model.StepFailure || steps[1].Status != model.StepSuccess {
		t.Errorf("statuses = %q, %q", steps[0].Status, steps[1].Status)
	}
}

func TestRunBuildStepTimeout(t *testing.T) {
	t.Parallel()

	cfg := `
workflows:
  default:
    scripts:
      - name: Hangs
        script: timeout
        timeout: 60
      - name: Never
        script: echo unreachable
`
	ctx := context.Background()
	fe := newFakeExecutor(map[string]string{"codemagic.yaml": cfg})
	f := newFixture(t, fe)
	_, build := seedBuild(t, f.ds)

	f.s.runBuild(ctx, build.ID, executor.NewSignal())

	got, err := f.ds.GetBuild(ctx, build.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.BuildFailure {
		t.Fatalf("Status = %q, want failure", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "timed out") {
		t.Errorf("ErrorMessage = %q, want timeout mention", got.ErrorMessage)
	}

	steps, err := f.ds.ListBuildSteps(ctx, build.ID)
	if err != nil {
		t.Fatal(err)
	}
	if steps[0].Status != model.StepFailure {
		t.Errorf("step 0 status = %q", steps[0].Status)
	}
	if steps[0].ExitCode == nil || *steps[0].ExitCode != -1 {
		t.Errorf("step 0 exit code = %v, want -1", steps[0].ExitCode)
	}
	if steps[1].Status != model.StepSkipped {
		t.Errorf("step 1 status = %q, want skipped", steps[1].Status)
	}
}

func TestRunBuildCancellation(t *testing.T) {
	t.Parallel()

	cfg := `
workflows:
  default:
    scripts:
      - name: First
        script: echo ok
      - name: Blocks
        script: waitcancel
      - name: Never
        script: echo unreachable
`
	ctx := context.Background()
	fe := newFakeExecutor(map[string]string{"codemagic.yaml": cfg})
	f := newFixture(t, fe)
	_, build := seedBuild(t, f.ds)

	signal := executor.NewSignal()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.s.runBuild(ctx, build.ID, signal)
	}()

	// Let the first step pass, then cancel while the second blocks.
	<-fe.started
	<-fe.started
	signal.Set()
	<-done

	got, err := f.ds.GetBuild(ctx, build.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.BuildCancelled {
		t.Fatalf("Status = %q, want cancelled", got.Status)
	}

	steps, err := f.ds.ListBuildSteps(ctx, build.ID)
	if err != nil {
		t.Fatal(err)
	}
	wantStatus := []model.StepStatus{model.StepSuccess, model.StepCancelled, model.StepCancelled}
	for i, step := range steps {
		if step.Status != wantStatus[i] {
			t.Errorf("step %d status = %q, want %q", i, step.Status, wantStatus[i])
		}
	}
	if steps[2].StartedAt != nil {
		t.Error("step after cancellation must never start")
	}
	if got := fe.executedSteps(); len(got) != 2 {
		t.Errorf("executed steps = %v, want first two only", got)
	}
}

func TestRunBuildNoConfig(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fe := newFakeExecutor(map[string]string{"README.md": "no pipeline here"})
	f := newFixture(t, fe)
	_, build := seedBuild(t, f.ds)

	f.s.runBuild(ctx, build.ID, executor.NewSignal())

	got, err := f.ds.GetBuild(ctx, build.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.BuildFailure {
		t.Fatalf("Status = %q, want failure", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "no pipeline configuration") {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
}

func TestRunBuildCloneFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fe := newFakeExecutor(nil)
	fe.cloneErr = errors.New("remote hung up")
	f := newFixture(t, fe)
	_, build := seedBuild(t, f.ds)

	f.s.runBuild(ctx, build.ID, executor.NewSignal())

	got, err := f.ds.GetBuild(ctx, build.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.BuildFailure {
		t.Fatalf("Status = %q, want failure", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "clone") {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
	// Workspace cleanup still runs.
	if len(fe.cleaned) != 1 {
		t.Errorf("cleanups = %d, want 1", len(fe.cleaned))
	}
}

type fakeAuth struct {
	token string
	err   error
}

func (a *fakeAuth) CloneToken(ctx context.Context, repo *model.Repository) (string, error) {
	return a.token, a.err
}

func TestRunBuildCloneTokenPassed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fe := newFakeExecutor(map[string]string{"codemagic.yaml": twoStepConfig})
	f := newFixture(t, fe, withAuth(&fakeAuth{token: "installation-token"}))
	_, build := seedBuild(t, f.ds)

	f.s.runBuild(ctx, build.ID, executor.NewSignal())

	if len(fe.clones) != 1 || fe.clones[0].token != "installation-token" {
		t.Errorf("clones = %+v, want one authenticated clone", fe.clones)
	}
}

func TestRunBuildCredentialConfigErrorFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fe := newFakeExecutor(map[string]string{"codemagic.yaml": twoStepConfig})
	f := newFixture(t, fe, withAuth(&fakeAuth{err: credentials.ErrNotConfigured}))
	_, build := seedBuild(t, f.ds)

	f.s.runBuild(ctx, build.ID, executor.NewSignal())

	got, err := f.ds.GetBuild(ctx, build.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.BuildFailure {
		t.Fatalf("Status = %q, want failure", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "credentials") {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
	if len(fe.clones) != 0 {
		t.Errorf("clones = %d, want 0", len(fe.clones))
	}
}

func TestRunBuildTransientAuthErrorClonesUnauthenticated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fe := newFakeExecutor(map[string]string{"codemagic.yaml": twoStepConfig})
	f := newFixture(t, fe, withAuth(&fakeAuth{err: errors.New("api unreachable")}))
	_, build := seedBuild(t, f.ds)

	f.s.runBuild(ctx, build.ID, executor.NewSignal())

	got, err := f.ds.GetBuild(ctx, build.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.BuildSuccess {
		t.Fatalf("Status = %q (%s), want success via unauthenticated clone", got.Status, got.ErrorMessage)
	}
	if len(fe.clones) != 1 || fe.clones[0].token != "" {
		t.Errorf("clones = %+v, want one unauthenticated clone", fe.clones)
	}
}

func TestRunBuildSkipsNonPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fe := newFakeExecutor(map[string]string{"codemagic.yaml": twoStepConfig})
	f := newFixture(t, fe)
	_, build := seedBuild(t, f.ds)
	if err := f.ds.FinishBuild(ctx, build.ID, model.BuildCancelled, "Build cancelled before execution", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	f.s.runBuild(ctx, build.ID, executor.NewSignal())

	if len(fe.clones) != 0 || len(fe.executedSteps()) != 0 {
		t.Error("terminal build must not execute")
	}
	got, err := f.ds.GetBuild(ctx, build.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.BuildCancelled {
		t.Errorf("Status = %q, terminal status must be immutable", got.Status)
	}
}

func TestCancelQueuedBuild(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, newFakeExecutor(nil))
	_, build := seedBuild(t, f.ds)

	if err := f.s.Cancel(ctx, build.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err := f.ds.GetBuild(ctx, build.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.BuildCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}

	// A second cancel hits an already-terminal build.
	if err := f.s.Cancel(ctx, build.ID); !errors.Is(err, store.ErrConflict) {
		t.Errorf("second Cancel = %v, want ErrConflict", err)
	}
}

func TestRecover(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, newFakeExecutor(nil))
	repo, running := seedBuild(t, f.ds)
	if err := f.ds.MarkBuildRunning(ctx, running.ID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	steps := []*model.BuildStep{
		{ID: model.NewID(), BuildID: running.ID, StepIndex: 0, Name: "done", Status: model.StepSuccess},
		{ID: model.NewID(), BuildID: running.ID, StepIndex: 1, Name: "mid", Status: model.StepPending},
		{ID: model.NewID(), BuildID: running.ID, StepIndex: 2, Name: "queued", Status: model.StepPending},
	}
	if err := f.ds.CreateBuildSteps(ctx, steps); err != nil {
		t.Fatal(err)
	}
	if err := f.ds.MarkStepRunning(ctx, steps[1].ID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	pending := &model.Build{
		ID:           model.NewID(),
		RepositoryID: repo.ID,
		CommitSHA:    "def456",
		Branch:       "main",
		TriggerType:  model.TriggerPush,
		Status:       model.BuildPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := f.ds.CreateBuild(ctx, pending); err != nil {
		t.Fatal(err)
	}

	if err := f.s.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, err := f.ds.GetBuild(ctx, running.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.BuildFailure || got.ErrorMessage != interruptedMessage {
		t.Errorf("interrupted build: status=%q message=%q", got.Status, got.ErrorMessage)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not set on interrupted build")
	}

	gotSteps, err := f.ds.ListBuildSteps(ctx, running.ID)
	if err != nil {
		t.Fatal(err)
	}
	wantStatus := []model.StepStatus{model.StepSuccess, model.StepFailure, model.StepSkipped}
	for i, step := range gotSteps {
		if step.Status != wantStatus[i] {
			t.Errorf("step %d status = %q, want %q", i, step.Status, wantStatus[i])
		}
	}

	select {
	case id := <-f.queue:
		if id != pending.ID {
			t.Errorf("re-enqueued %q, want %q", id, pending.ID)
		}
	default:
		t.Error("pending build not re-enqueued")
	}
}

func TestRunExecutesQueuedBuild(t *testing.T) {
	t.Parallel()

	fe := newFakeExecutor(map[string]string{"codemagic.yaml": twoStepConfig})
	f := newFixture(t, fe)
	_, build := seedBuild(t, f.ds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.s.Run(ctx)
	}()

	f.s.Enqueue(ctx, build.ID)

	deadline := time.After(5 * time.Second)
	for {
		got, err := f.ds.GetBuild(context.Background(), build.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status.Terminal() {
			if got.Status != model.BuildSuccess {
				t.Fatalf("Status = %q (%s)", got.Status, got.ErrorMessage)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("build did not finish")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestCancelRunningBuildViaRegistry(t *testing.T) {
	t.Parallel()

	cfg := `
workflows:
  default:
    scripts:
      - name: Blocks
        script: waitcancel
`
	fe := newFakeExecutor(map[string]string{"codemagic.yaml": cfg})
	f := newFixture(t, fe)
	_, build := seedBuild(t, f.ds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.s.Run(ctx)
	}()

	f.s.Enqueue(ctx, build.ID)
	<-fe.started

	if err := f.s.Cancel(ctx, build.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		got, err := f.ds.GetBuild(context.Background(), build.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status.Terminal() {
			if got.Status != model.BuildCancelled {
				t.Fatalf("Status = %q, want cancelled", got.Status)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("build did not settle after cancel")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestBuildEnv(t *testing.T) {
	t.Parallel()

	build := &model.Build{ID: "B1", CommitSHA: "abc", Branch: "main"}
	repo := &model.Repository{ID: "R1"}

	env := buildEnv(build, repo, &pipeline.Workflow{
		EnvVars: map[string]string{"ZED": "z", "ALPHA": "a"},
	})

	want := []string{
		"CI=true",
		"OORE=true",
		"OORE_BUILD_ID=B1",
		"OORE_COMMIT_SHA=abc",
		"OORE_BRANCH=main",
		"OORE_REPOSITORY_ID=R1",
		"ALPHA=a",
		"ZED=z",
	}
	if len(env) != len(want) {
		t.Fatalf("env = %v", env)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("env[%d] = %q, want %q", i, env[i], want[i])
		}
	}
}

func TestSweepDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	old := filepath.Join(dir, "old-build")
	recent := filepath.Join(dir, "recent-build")
	for _, d := range []string{old, recent} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}

	if err := sweepDir(dir, 24*time.Hour); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(old); !errors.Is(err, os.ErrNotExist) {
		t.Error("stale workspace not removed")
	}
	if _, err := os.Stat(recent); err != nil {
		t.Error("recent workspace must survive the sweep")
	}

	// Sweeping a missing directory is a no-op.
	if err := sweepDir(filepath.Join(dir, "nope"), time.Hour); err != nil {
		t.Errorf("missing dir: %v", err)
	}
}
