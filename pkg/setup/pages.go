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

package setup

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
)

// Browser pages of the setup round-trip. They carry one-time state
// tokens, so every response forbids caching and referrer leakage.

const contentSecurityPolicy = "default-src 'none'; style-src 'unsafe-inline'; form-action https://github.com"

func setPageHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Security-Policy", contentSecurityPolicy)
	h.Set("Referrer-Policy", "no-referrer")
}

var createPageTmpl = template.Must(template.New("create").Parse(`<!DOCTYPE html>
<html>
<head><title>Create GitHub App</title></head>
<body>
<h1>Create the Oore GitHub App</h1>
<p>Submitting this form takes you to GitHub to create the app. You will be
redirected back here when GitHub is done.</p>
<form method="post" action="{{.Target}}">
  <input type="hidden" name="manifest" value="{{.Manifest}}">
  <button type="submit">Create GitHub App</button>
</form>
</body>
</html>
`))

var resultPageTmpl = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
<p>You can close this window and return to the terminal.</p>
</body>
</html>
`))

// RenderCreatePage writes the auto-submitting GitHub manifest form.
func (s *Service) RenderCreatePage(w http.ResponseWriter, stateToken string) error {
	manifest, target := s.GitHubManifest(stateToken)
	body, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	setPageHeaders(w)
	return createPageTmpl.Execute(w, map[string]string{
		"Target":   target,
		"Manifest": string(body),
	})
}

// RenderResultPage writes a terminal success or failure page.
func RenderResultPage(w http.ResponseWriter, status int, title, message string) error {
	setPageHeaders(w)
	w.WriteHeader(status)
	return resultPageTmpl.Execute(w, map[string]string{
		"Title":   title,
		"Message": message,
	})
}

// RenderInstalledPage acknowledges the post-install redirect from
// GitHub.
func RenderInstalledPage(w http.ResponseWriter) error {
	return RenderResultPage(w, http.StatusOK, "GitHub App installed",
		"The app is installed. Sync repositories from the CLI to start building.")
}
