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

package githubapp

import "strings"

// Manifest is the GitHub App manifest submitted during the one-click
// creation flow. Field names follow the manifest API.
type Manifest struct {
	Name           string            `json:"name"`
	URL            string            `json:"url"`
	HookAttributes map[string]string `json:"hook_attributes"`
	RedirectURL    string            `json:"redirect_url"`
	SetupURL       string            `json:"setup_url"`
	Public         bool              `json:"public"`
	DefaultPerms   map[string]string `json:"default_permissions"`
	DefaultEvents  []string          `json:"default_events"`
}

// NewManifest builds the manifest for a server reachable at baseURL.
// The app needs read access to clone and webhook events for push and
// pull_request.
func NewManifest(baseURL, appName string) *Manifest {
	base := strings.TrimRight(baseURL, "/")
	if appName == "" {
		appName = "Oore CI"
	}
	return &Manifest{
		Name: appName,
		URL:  base,
		HookAttributes: map[string]string{
			"url": base + "/api/webhooks/github",
		},
		RedirectURL: base + "/setup/github/callback",
		SetupURL:    base + "/setup/github/installed",
		Public:      false,
		DefaultPerms: map[string]string{
			"contents":      "read",
			"metadata":      "read",
			"pull_requests": "read",
		},
		DefaultEvents: []string{"push", "pull_request"},
	}
}
