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

package gitlab

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/abcxyz/pkg/testutil"
	"github.com/oore-ci/oore/pkg/credentials"
	"github.com/oore-ci/oore/pkg/crypto"
	"github.com/oore-ci/oore/pkg/store/memory"
)

func TestNormalizeInstanceURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		in     string
		want   string
		expErr string
	}{
		{name: "plain", in: "https://gitlab.example.com", want: "https://gitlab.example.com"},
		{name: "trailing_slash", in: "https://gitlab.example.com/", want: "https://gitlab.example.com"},
		{name: "path_stripped", in: "https://gitlab.example.com/group/project", want: "https://gitlab.example.com"},
		{name: "case_folded", in: "HTTPS://GitLab.Example.COM", want: "https://gitlab.example.com"},
		{name: "port_kept", in: "https://gitlab.example.com:8443", want: "https://gitlab.example.com:8443"},
		{name: "bad_scheme", in: "ftp://gitlab.example.com", expErr: "must be http(s)"},
		{name: "no_host", in: "https://", expErr: "has no host"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := NormalizeInstanceURL(tc.in)
			if diff := testutil.DiffErrString(err, tc.expErr); diff != "" {
				t.Fatal(diff)
			}
			if err == nil && got != tc.want {
				t.Errorf("NormalizeInstanceURL = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestProjectOwnerAndPathName(t *testing.T) {
	t.Parallel()

	p := &Project{PathWithNamespace: "group/subgroup/widget"}
	if got := p.Owner(); got != "group/subgroup" {
		t.Errorf("Owner = %q", got)
	}
	if got := p.PathName(); got != "widget" {
		t.Errorf("PathName = %q", got)
	}
}

func TestTokenPairExpiry(t *testing.T) {
	t.Parallel()

	pair := &TokenPair{ExpiresIn: 7200, CreatedAt: 1_700_000_000}
	want := time.Unix(1_700_000_000, 0).Add(2 * time.Hour).UTC()
	if got := pair.Expiry(); !got.Equal(want) {
		t.Errorf("Expiry = %v, want %v", got, want)
	}

	noExpiry := &TokenPair{}
	if !noExpiry.Expiry().IsZero() {
		t.Error("pair without expires_in must report zero expiry")
	}
}

// testClient builds a client pointed at an httptest server, with the
// loopback range allow-listed.
func testClient(t *testing.T, handler http.Handler) (*Client, *credentials.Store) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	key := make([]byte, crypto.KeySize)
	creds, err := credentials.New(memory.New(), key)
	if err != nil {
		t.Fatal(err)
	}

	gate, err := NewGate(nil, []string{"127.0.0.0/8", "::1/128"}, false)
	if err != nil {
		t.Fatal(err)
	}
	client, err := NewClient(context.Background(), srv.URL, creds, gate, nil)
	if err != nil {
		t.Fatal(err)
	}
	return client, creds
}

func TestExchangeCode(t *testing.T) {
	t.Parallel()

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.Form.Get("grant_type") != "authorization_code" || r.Form.Get("code") != "code-1" {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"access_token":"at","refresh_token":"rt","expires_in":7200,"created_at":1700000000}`)
	}))

	pair, err := client.ExchangeCode(context.Background(), "cid", "csecret", "code-1", "https://ci/cb")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if pair.AccessToken != "at" || pair.RefreshToken != "rt" {
		t.Errorf("unexpected pair: %+v", pair)
	}
}

func TestCurrentUser(t *testing.T) {
	t.Parallel()

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/user" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"id":7,"username":"builder","name":"Build Er"}`)
	}))

	user, err := client.CurrentUser(context.Background(), "tok")
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if user.ID != 7 || user.Username != "builder" {
		t.Errorf("unexpected user: %+v", user)
	}
}

func TestListProjectsPagination(t *testing.T) {
	t.Parallel()

	client, creds := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/projects" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Next-Page", "2")
		fmt.Fprint(w, `[{"id":42,"name":"widget","path_with_namespace":"acme/widget","default_branch":"main","http_url_to_repo":"https://gitlab.example.com/acme/widget.git"}]`)
	}))

	// Seed a live token so AccessToken succeeds without refresh.
	if err := creds.SaveGitLabToken(context.Background(), &credentials.GitLabToken{
		InstanceURL: client.InstanceURL(),
		AccessToken: "tok",
		TokenExpiry: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	projects, nextPage, err := client.ListProjects(context.Background(), 1, 20)
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 1 || projects[0].ID != 42 {
		t.Errorf("unexpected projects: %+v", projects)
	}
	if nextPage != 2 {
		t.Errorf("nextPage = %d, want 2", nextPage)
	}
}

func TestAccessTokenRefreshesExpired(t *testing.T) {
	t.Parallel()

	refreshed := false
	var client *Client
	client, creds := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			if err := r.ParseForm(); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "rt-old" {
				http.Error(w, "bad refresh", http.StatusBadRequest)
				return
			}
			refreshed = true
			fmt.Fprint(w, `{"access_token":"at-new","refresh_token":"rt-new","expires_in":7200}`)
			return
		}
		http.NotFound(w, r)
	}))

	ctx := context.Background()
	if err := creds.SaveGitLabApp(ctx, &credentials.GitLabApp{
		InstanceURL:  client.InstanceURL(),
		ClientID:     "cid",
		ClientSecret: "csecret",
	}); err != nil {
		t.Fatal(err)
	}
	if err := creds.SaveGitLabToken(ctx, &credentials.GitLabToken{
		InstanceURL:  client.InstanceURL(),
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		TokenExpiry:  time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	token, err := client.AccessToken(ctx)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if token != "at-new" {
		t.Errorf("token = %q, want at-new", token)
	}
	if !refreshed {
		t.Error("refresh endpoint was not called")
	}

	// The rotated pair must be persisted.
	stored, err := creds.ActiveGitLabToken(ctx, client.InstanceURL())
	if err != nil {
		t.Fatal(err)
	}
	if stored.AccessToken != "at-new" || stored.RefreshToken != "rt-new" {
		t.Errorf("rotated pair not stored: %+v", stored)
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	t.Parallel()

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"404 Project Not Found"}`, http.StatusNotFound)
	}))

	_, err := client.CurrentUser(context.Background(), "tok")
	if !IsAPIStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}

func TestRedirectsRefused(t *testing.T) {
	t.Parallel()

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data", http.StatusFound)
	}))

	// The redirect must not be followed; the 302 surfaces as an API
	// error instead.
	_, err := client.CurrentUser(context.Background(), "tok")
	if !IsAPIStatus(err, http.StatusFound) {
		t.Fatalf("expected 302 APIError (redirect not followed), got %v", err)
	}
}

func TestAuthorizeURL(t *testing.T) {
	t.Parallel()

	got := AuthorizeURL("https://gitlab.example.com", "cid", "https://ci/cb", "state-1")
	want := "https://gitlab.example.com/oauth/authorize?client_id=cid&redirect_uri=https%3A%2F%2Fci%2Fcb&response_type=code&scope=api&state=state-1"
	if got != want {
		t.Errorf("AuthorizeURL = %q, want %q", got, want)
	}
}
