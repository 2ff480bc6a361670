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

package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/abcxyz/pkg/serving"

	"github.com/oore-ci/oore/pkg/config"
	"github.com/oore-ci/oore/pkg/credentials"
	"github.com/oore-ci/oore/pkg/crypto"
	"github.com/oore-ci/oore/pkg/executor"
	"github.com/oore-ci/oore/pkg/githubapp"
	"github.com/oore-ci/oore/pkg/gitlab"
	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/scheduler"
	"github.com/oore-ci/oore/pkg/server"
	"github.com/oore-ci/oore/pkg/setup"
	"github.com/oore-ci/oore/pkg/store/sqlite"
	"github.com/oore-ci/oore/pkg/version"
	"github.com/oore-ci/oore/pkg/webhook"
)

// workspaceSweepInterval is how often crash-leftover workspaces are
// reaped.
const workspaceSweepInterval = time.Hour

var _ cli.Command = (*ServerCommand)(nil)

// ServerCommand runs the CI server.
type ServerCommand struct {
	cli.BaseCommand

	cfg *config.ServerConfig

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option
}

func (c *ServerCommand) Desc() string {
	return `Start the oore CI server`
}

func (c *ServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]

  Start the CI server: webhook ingress, build scheduler and the admin
  API, backed by a local SQLite database.
`
}

func (c *ServerCommand) Flags() *cli.FlagSet {
	c.cfg = &config.ServerConfig{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *ServerCommand) Run(ctx context.Context, args []string) error {
	httpServer, handler, closer, err := c.RunUnstarted(ctx, args)
	if closer != nil {
		defer closer()
	}
	if err != nil {
		return err
	}
	return httpServer.StartHTTPHandler(ctx, handler) //nolint:wrapcheck // Want passthrough
}

// RunUnstarted assembles every subsystem and runs the startup recovery
// sequence, but does not start the listener. The returned closer shuts
// the datastore.
func (c *ServerCommand) RunUnstarted(ctx context.Context, args []string) (*serving.Server, http.Handler, func(), error) {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return nil, nil, nil, fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.InfoContext(ctx, "server starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	if err := c.cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	limits, err := config.LoadLimits(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	key, err := crypto.ParseKey(c.cfg.EncryptionKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid ENCRYPTION_KEY: %w", err)
	}

	for _, dir := range []string{c.cfg.WorkspacesDir, c.cfg.LogsDir, c.cfg.ArtifactsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create directory %q: %w", dir, err)
		}
	}

	h, err := renderer.New(ctx, nil,
		renderer.WithOnError(func(err error) {
			logger.ErrorContext(ctx, "failed to render", "error", err)
		}))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create renderer: %w", err)
	}

	ds, err := sqlite.Open(ctx, c.cfg.DatabasePath)
	if err != nil {
		return nil, nil, nil, err
	}
	closer := func() {
		if err := ds.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close datastore", "error", err)
		}
	}

	creds, err := credentials.New(ds, key)
	if err != nil {
		return nil, nil, closer, err
	}

	gate, err := gitlab.NewGate(c.cfg.AllowedGitLabHosts(), c.cfg.AllowedGitLabCIDRs(), c.cfg.BroadCIDRsAllowed())
	if err != nil {
		return nil, nil, closer, err
	}
	var caBundle []byte
	if c.cfg.GitLabCABundle != "" {
		caBundle, err = os.ReadFile(c.cfg.GitLabCABundle)
		if err != nil {
			return nil, nil, closer, fmt.Errorf("failed to read CA bundle: %w", err)
		}
	}
	gitlabClient := func(ctx context.Context, instanceURL string) (*gitlab.Client, error) {
		return gitlab.NewClient(ctx, instanceURL, creds, gate, caBundle)
	}

	gh := githubapp.New(creds)

	webhookQueue := make(chan *model.WebhookEvent, c.cfg.WebhookQueueSize)
	buildQueue := make(chan string, c.cfg.BuildQueueSize)

	ingress := webhook.NewIngress(h, ds, creds, c.cfg.GitLabServerPepper, webhookQueue)
	processor := webhook.NewProcessor(ds, webhookQueue, buildQueue)

	sched := scheduler.New(&scheduler.Config{
		Datastore:     ds,
		Executor:      executor.NewShell(),
		Limits:        limits,
		Auth:          scheduler.NewProviderAuth(gh, gitlabClient),
		Credentials:   creds,
		Queue:         buildQueue,
		WorkspacesDir: c.cfg.WorkspacesDir,
		LogsDir:       c.cfg.LogsDir,
		ArtifactsDir:  c.cfg.ArtifactsDir,
	})

	setupSvc := setup.NewService(ds, creds, c.cfg.BaseURL, gitlabClient)

	srv, err := server.New(&server.Options{
		Config:       c.cfg,
		Renderer:     h,
		Datastore:    ds,
		Credentials:  creds,
		GitHub:       gh,
		Setup:        setupSvc,
		Scheduler:    sched,
		Ingress:      ingress,
		GitLabClient: gitlabClient,
	})
	if err != nil {
		return nil, nil, closer, err
	}

	// Startup recovery runs before the listener accepts new work:
	// stranded webhook rows first, then interrupted builds.
	if err := processor.Rescan(ctx); err != nil {
		return nil, nil, closer, err
	}
	if err := sched.Recover(ctx); err != nil {
		return nil, nil, closer, err
	}

	go processor.Run(ctx)
	go sched.Run(ctx)
	go sched.SweepWorkspaces(ctx, workspaceSweepInterval)

	if c.cfg.AdminToken == "" {
		logger.WarnContext(ctx, "no admin token configured, admin API is disabled")
	}

	httpServer, err := serving.New(c.cfg.Port)
	if err != nil {
		return nil, nil, closer, fmt.Errorf("failed to create serving infrastructure: %w", err)
	}
	return httpServer, srv.Routes(), closer, nil
}
