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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/abcxyz/pkg/renderer"
	"github.com/go-chi/chi/v5"

	"github.com/oore-ci/oore/pkg/credentials"
	"github.com/oore-ci/oore/pkg/crypto"
	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/store/memory"
)

const testPepper = "test-pepper"

func testRenderer(t *testing.T) *renderer.Renderer {
	t.Helper()
	h, err := renderer.New(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func testCredentials(t *testing.T, ds *memory.Store) *credentials.Store {
	t.Helper()
	creds, err := credentials.New(ds, make([]byte, crypto.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	return creds
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const githubPushPayload = `{
	"ref": "refs/heads/main",
	"after": "abc123def456abc123def456abc123def456abc1",
	"repository": {"id": 777, "name": "widget", "owner": {"login": "acme"}}
}`

type ingressFixture struct {
	ingress *Ingress
	ds      *memory.Store
	queue   chan *model.WebhookEvent
}

func newIngressFixture(t *testing.T, queueSize int) *ingressFixture {
	t.Helper()

	ds := memory.New()
	creds := testCredentials(t, ds)
	if err := creds.SaveGitHubApp(context.Background(), &credentials.GitHubApp{
		AppID:         1,
		WebhookSecret: "wh-secret",
	}); err != nil {
		t.Fatal(err)
	}

	queue := make(chan *model.WebhookEvent, queueSize)
	return &ingressFixture{
		ingress: NewIngress(testRenderer(t), ds, creds, testPepper, queue),
		ds:      ds,
		queue:   queue,
	}
}

func postGitHub(t *testing.T, f *ingressFixture, payload, signature, deliveryID string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/github", strings.NewReader(payload))
	req.Header.Set(SHA256SignatureHeader, signature)
	req.Header.Set(GitHubEventHeader, "push")
	if deliveryID != "" {
		req.Header.Set(GitHubDeliveryHeader, deliveryID)
	}
	w := httptest.NewRecorder()
	f.ingress.HandleGitHub().ServeHTTP(w, req)
	return w
}

func TestHandleGitHubAccepted(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t, 8)

	w := postGitHub(t, f, githubPushPayload, sign("wh-secret", []byte(githubPushPayload)), "D1")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body)
	}

	// Durable insert happened before the response.
	event, err := f.ds.GetWebhookEventByDelivery(context.Background(), model.ProviderGitHub, "D1")
	if err != nil {
		t.Fatalf("event not persisted: %v", err)
	}
	if event.EventType != "push" {
		t.Errorf("EventType = %q", event.EventType)
	}

	select {
	case queued := <-f.queue:
		if queued.ID != event.ID {
			t.Errorf("queued event %q, persisted %q", queued.ID, event.ID)
		}
	default:
		t.Error("event not enqueued")
	}
}

func TestHandleGitHubDuplicate(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t, 8)
	signature := sign("wh-secret", []byte(githubPushPayload))

	if w := postGitHub(t, f, githubPushPayload, signature, "D1"); w.Code != http.StatusAccepted {
		t.Fatalf("first delivery status = %d", w.Code)
	}
	w := postGitHub(t, f, githubPushPayload, signature, "D1")
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200: %s", w.Code, w.Body)
	}
	if !strings.Contains(w.Body.String(), "duplicate") {
		t.Errorf("body = %s, want duplicate marker", w.Body)
	}

	// Exactly one row for the pair.
	events, err := f.ds.ListUnprocessedWebhookEvents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("rows = %d, want 1", len(events))
	}
}

func TestHandleGitHubBadSignature(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t, 8)

	w := postGitHub(t, f, githubPushPayload, sign("other-secret", []byte(githubPushPayload)), "D1")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", w.Code, w.Body)
	}

	// No row, nothing enqueued.
	events, err := f.ds.ListUnprocessedWebhookEvents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("rows = %d, want 0", len(events))
	}
	select {
	case <-f.queue:
		t.Error("unexpected enqueue")
	default:
	}
}

func TestHandleGitHubMissingSignature(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t, 8)
	if w := postGitHub(t, f, githubPushPayload, "", "D1"); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHandleGitHubBackpressure(t *testing.T) {
	t.Parallel()

	// Zero-capacity queue: every send would block.
	f := newIngressFixture(t, 0)

	w := postGitHub(t, f, githubPushPayload, sign("wh-secret", []byte(githubPushPayload)), "D1")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503: %s", w.Code, w.Body)
	}
	if !strings.Contains(w.Body.String(), "queued_for_recovery") {
		t.Errorf("body = %s", w.Body)
	}

	// The row is durable regardless.
	if _, err := f.ds.GetWebhookEventByDelivery(context.Background(), model.ProviderGitHub, "D1"); err != nil {
		t.Errorf("row not durable under backpressure: %v", err)
	}
}

func TestHandleGitHubDeliveryFingerprintFallback(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t, 8)

	w := postGitHub(t, f, githubPushPayload, sign("wh-secret", []byte(githubPushPayload)), "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}

	sum := sha256.Sum256([]byte(githubPushPayload))
	want := "sha256:" + hex.EncodeToString(sum[:])
	if _, err := f.ds.GetWebhookEventByDelivery(context.Background(), model.ProviderGitHub, want); err != nil {
		t.Errorf("content-hash fingerprint not used: %v", err)
	}
}

func gitlabFixture(t *testing.T) (*ingressFixture, *model.Repository) {
	t.Helper()

	f := newIngressFixture(t, 8)
	repo := &model.Repository{
		ID:                       model.NewID(),
		Provider:                 model.ProviderGitLab,
		Owner:                    "acme",
		RepoName:                 "widget",
		IsActive:                 true,
		GitLabProjectID:          555,
		WebhookSecretFingerprint: crypto.MAC(testPepper, "repo-token"),
		CreatedAt:                time.Now().UTC(),
	}
	if err := f.ds.CreateRepository(context.Background(), repo); err != nil {
		t.Fatal(err)
	}
	return f, repo
}

func postGitLab(t *testing.T, f *ingressFixture, repositoryID, token, payload string) *httptest.ResponseRecorder {
	t.Helper()

	r := chi.NewRouter()
	r.Post("/api/webhooks/gitlab/{repository_id}", f.ingress.HandleGitLab().ServeHTTP)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/gitlab/"+repositoryID, strings.NewReader(payload))
	req.Header.Set(GitLabTokenHeader, token)
	req.Header.Set(GitLabEventHeader, "Push Hook")
	req.Header.Set(GitLabDeliveryHeader, "GL-D1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleGitLabAccepted(t *testing.T) {
	t.Parallel()

	f, repo := gitlabFixture(t)
	payload := `{"ref":"refs/heads/main","after":"abc123","project":{"id":555,"path_with_namespace":"acme/widget"}}`

	w := postGitLab(t, f, repo.ID, "repo-token", payload)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body)
	}
}

func TestHandleGitLabBadToken(t *testing.T) {
	t.Parallel()

	f, repo := gitlabFixture(t)
	payload := `{"project":{"id":555}}`

	w := postGitLab(t, f, repo.ID, "wrong-token", payload)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", w.Code, w.Body)
	}
}

func TestHandleGitLabProjectMismatch(t *testing.T) {
	t.Parallel()

	f, repo := gitlabFixture(t)
	// Valid token replayed with a different project's payload.
	payload := `{"ref":"refs/heads/main","after":"abc123","project":{"id":999}}`

	w := postGitLab(t, f, repo.ID, "repo-token", payload)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", w.Code, w.Body)
	}
}

func TestHandleGitLabUnknownRepository(t *testing.T) {
	t.Parallel()

	f, _ := gitlabFixture(t)
	w := postGitLab(t, f, "nonexistent", "repo-token", `{"project":{"id":555}}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", w.Code, w.Body)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t, 8)

	big := strings.Repeat("x", maxPayloadBytes+1)
	w := postGitHub(t, f, big, sign("wh-secret", []byte(big)), "D1")
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
}

func TestDeliveryFingerprint(t *testing.T) {
	t.Parallel()

	if got := deliveryFingerprint("uuid-1", []byte("x")); got != "uuid-1" {
		t.Errorf("header fingerprint = %q", got)
	}
	got := deliveryFingerprint("", []byte("x"))
	if !strings.HasPrefix(got, "sha256:") || len(got) != len("sha256:")+64 {
		t.Errorf("fallback fingerprint = %q", got)
	}
	if got != deliveryFingerprint("", []byte("x")) {
		t.Error("fallback fingerprint must be deterministic")
	}
}

func TestValidGitHubSignatureEmptySecret(t *testing.T) {
	t.Parallel()

	// A missing secret must never validate, even against an empty
	// signature computed over the same payload.
	payload := []byte("body")
	if validGitHubSignature(fmt.Sprintf("sha256=%x", sha256.Sum256(payload)), payload, "") {
		t.Error("empty secret must not validate")
	}
}
