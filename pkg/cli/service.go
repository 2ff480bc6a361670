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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/abcxyz/pkg/cli"
)

// ErrRequiresRoot marks a service action refused because the process is
// not running as root. main maps it to exit code 2.
var ErrRequiresRoot = errors.New("this command must be run as root")

type serviceAction string

const (
	actionInstall   serviceAction = "install"
	actionUninstall serviceAction = "uninstall"
	actionStart     serviceAction = "start"
	actionStop      serviceAction = "stop"
	actionRestart   serviceAction = "restart"
	actionStatus    serviceAction = "status"
	actionLogs      serviceAction = "logs"
)

const (
	systemdUnitPath = "/etc/systemd/system/oored.service"
	launchdLabel    = "com.oore.oored"
	launchdPlist    = "/Library/LaunchDaemons/com.oore.oored.plist"
	darwinLogPath   = "/var/log/oored.log"
)

var _ cli.Command = (*ServiceCommand)(nil)

// ServiceCommand manages the oored system service: a systemd unit on
// linux, a launchd daemon on darwin.
type ServiceCommand struct {
	cli.BaseCommand

	action serviceAction

	flagEnvFile string
}

func (c *ServiceCommand) Desc() string {
	switch c.action {
	case actionInstall:
		return `Install oored as a system service`
	case actionUninstall:
		return `Remove the oored system service`
	case actionStatus:
		return `Show the status of the oored service`
	case actionLogs:
		return `Show recent oored service logs`
	default:
		return fmt.Sprintf(`%s the oored system service`, capitalized(string(c.action)))
	}
}

func (c *ServiceCommand) Help() string {
	return fmt.Sprintf(`
Usage: {{ COMMAND }} [options]

  %s. Uses systemd on linux and launchd on darwin. Actions that change
  the service require root and exit with code 2 otherwise.
`, c.Desc())
}

func capitalized(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

func (c *ServiceCommand) Flags() *cli.FlagSet {
	set := cli.NewFlagSet()
	f := set.NewSection("SERVICE OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "env-file",
		Target:  &c.flagEnvFile,
		Default: defaultEnvFile(),
		Usage:   `Environment file the service loads (see "oored init").`,
	})
	return set
}

// mutating reports whether the action changes system state.
func (c *ServiceCommand) mutating() bool {
	switch c.action {
	case actionStatus, actionLogs:
		return false
	default:
		return true
	}
}

func (c *ServiceCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	if len(f.Args()) > 0 {
		return fmt.Errorf("unexpected arguments: %q", f.Args())
	}

	if c.mutating() && os.Geteuid() != 0 {
		return ErrRequiresRoot
	}

	switch runtime.GOOS {
	case "linux":
		return c.runSystemd(ctx)
	case "darwin":
		return c.runLaunchd(ctx)
	default:
		return fmt.Errorf("service management is not supported on %s", runtime.GOOS)
	}
}

// run executes one system command with output attached to the CLI
// streams.
func (c *ServiceCommand) run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = c.Stdout()
	cmd.Stderr = c.Stderr()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s failed: %w", name, args[0], err)
	}
	return nil
}

func (c *ServiceCommand) runSystemd(ctx context.Context) error {
	switch c.action {
	case actionInstall:
		if err := c.writeSystemdUnit(); err != nil {
			return err
		}
		if err := c.run(ctx, "systemctl", "daemon-reload"); err != nil {
			return err
		}
		return c.run(ctx, "systemctl", "enable", "oored")
	case actionUninstall:
		// Best-effort stop; the unit may not be running.
		_ = c.run(ctx, "systemctl", "stop", "oored")
		if err := c.run(ctx, "systemctl", "disable", "oored"); err != nil {
			return err
		}
		if err := os.Remove(systemdUnitPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove unit file: %w", err)
		}
		return c.run(ctx, "systemctl", "daemon-reload")
	case actionStart, actionStop, actionRestart:
		return c.run(ctx, "systemctl", string(c.action), "oored")
	case actionStatus:
		return c.run(ctx, "systemctl", "status", "oored", "--no-pager")
	case actionLogs:
		return c.run(ctx, "journalctl", "-u", "oored", "-n", "200", "--no-pager")
	default:
		return fmt.Errorf("unknown action %q", c.action)
	}
}

func (c *ServiceCommand) writeSystemdUnit() error {
	bin, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve binary path: %w", err)
	}

	unit := fmt.Sprintf(`[Unit]
Description=oore CI server
After=network-online.target
Wants=network-online.target

[Service]
EnvironmentFile=%s
ExecStart=%s server
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`, c.flagEnvFile, bin)

	if err := os.WriteFile(systemdUnitPath, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("failed to write unit file: %w", err)
	}
	return nil
}

func (c *ServiceCommand) runLaunchd(ctx context.Context) error {
	switch c.action {
	case actionInstall:
		if err := c.writeLaunchdPlist(); err != nil {
			return err
		}
		return c.run(ctx, "launchctl", "load", "-w", launchdPlist)
	case actionUninstall:
		_ = c.run(ctx, "launchctl", "unload", launchdPlist)
		if err := os.Remove(launchdPlist); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove plist: %w", err)
		}
		return nil
	case actionStart:
		return c.run(ctx, "launchctl", "load", "-w", launchdPlist)
	case actionStop:
		return c.run(ctx, "launchctl", "unload", launchdPlist)
	case actionRestart:
		_ = c.run(ctx, "launchctl", "unload", launchdPlist)
		return c.run(ctx, "launchctl", "load", "-w", launchdPlist)
	case actionStatus:
		return c.run(ctx, "launchctl", "list", launchdLabel)
	case actionLogs:
		return c.run(ctx, "tail", "-n", "200", darwinLogPath)
	default:
		return fmt.Errorf("unknown action %q", c.action)
	}
}

func (c *ServiceCommand) writeLaunchdPlist() error {
	bin, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve binary path: %w", err)
	}

	plist := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>%s</string>
	<key>ProgramArguments</key>
	<array>
		<string>/bin/sh</string>
		<string>-c</string>
		<string>set -a; . %s; exec %s server</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
	<key>StandardOutPath</key>
	<string>%s</string>
	<key>StandardErrorPath</key>
	<string>%s</string>
</dict>
</plist>
`, launchdLabel, c.flagEnvFile, bin, darwinLogPath, darwinLogPath)

	if err := os.WriteFile(launchdPlist, []byte(plist), 0o644); err != nil {
		return fmt.Errorf("failed to write plist: %w", err)
	}
	return nil
}
