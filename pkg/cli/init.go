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
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
)

var _ cli.Command = (*InitCommand)(nil)

// InitCommand generates the server's environment file: fresh secrets
// plus commented defaults for everything else.
type InitCommand struct {
	cli.BaseCommand

	flagOutput string
	flagForce  bool
}

func (c *InitCommand) Desc() string {
	return `Generate the oored environment file`
}

func (c *InitCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]

  Generate an environment file with fresh secrets (encryption key,
  admin token, webhook pepper). Existing files are never overwritten
  without -force: the encryption key seals every stored credential.
`
}

func (c *InitCommand) Flags() *cli.FlagSet {
	set := cli.NewFlagSet()
	f := set.NewSection("INIT OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "output",
		Target:  &c.flagOutput,
		Default: defaultEnvFile(),
		Usage:   `Path of the environment file to write.`,
	})
	f.BoolVar(&cli.BoolVar{
		Name:   "force",
		Target: &c.flagForce,
		Usage:  `Overwrite an existing environment file.`,
	})
	return set
}

func defaultEnvFile() string {
	return filepath.Join("/etc", "oore", "oore.env")
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

func (c *InitCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	if len(f.Args()) > 0 {
		return fmt.Errorf("unexpected arguments: %q", f.Args())
	}

	if !c.flagForce {
		if _, err := os.Stat(c.flagOutput); err == nil {
			return fmt.Errorf("%s already exists; rotating the encryption key makes stored credentials unreadable (use -force to overwrite)", c.flagOutput)
		}
	}

	key, err := randomBytes(32)
	if err != nil {
		return err
	}
	adminToken, err := randomBytes(24)
	if err != nil {
		return err
	}
	pepper, err := randomBytes(24)
	if err != nil {
		return err
	}

	content := fmt.Sprintf(`# oored server configuration.
ENCRYPTION_KEY=%s
OORE_ADMIN_TOKEN=%s
GITLAB_SERVER_PEPPER=%s

# Externally reachable origin, required for webhooks and setup flows.
#OORE_BASE_URL=https://ci.example.com

#PORT=8080
#OORE_DATABASE_PATH=/var/lib/oore/oore.db
#OORE_WORKSPACES_DIR=/var/lib/oore/workspaces
#OORE_LOGS_DIR=/var/lib/oore/logs
#OORE_ARTIFACTS_DIR=/var/lib/oore/artifacts

# Reverse proxies allowed to set forwarding headers.
#OORE_TRUSTED_PROXIES=127.0.0.1/32
`,
		base64.StdEncoding.EncodeToString(key),
		hex.EncodeToString(adminToken),
		hex.EncodeToString(pepper))

	if err := os.MkdirAll(filepath.Dir(c.flagOutput), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	// 0600: the file holds the encryption key and admin token.
	if err := os.WriteFile(c.flagOutput, []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write environment file: %w", err)
	}

	logging.FromContext(ctx).InfoContext(ctx, "environment file written",
		"path", c.flagOutput)
	fmt.Fprintf(c.Stdout(), "Wrote %s\n", c.flagOutput)
	return nil
}
