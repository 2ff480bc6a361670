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

// Package webhook receives and processes host-provider webhook
// deliveries. The ingress half verifies, deduplicates, persists and
// enqueues; the processor half drains the queue and creates builds.
// An HTTP response is never written before the delivery is durable.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/go-chi/chi/v5"

	"github.com/oore-ci/oore/pkg/credentials"
	"github.com/oore-ci/oore/pkg/crypto"
	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/store"
)

const (
	// SHA256SignatureHeader is the GitHub header carrying the HMAC-SHA256
	// hexdigest of the body.
	SHA256SignatureHeader = "X-Hub-Signature-256"

	// GitHubEventHeader is the GitHub header carrying the event type.
	GitHubEventHeader = "X-Github-Event"

	// GitHubDeliveryHeader is the GitHub header carrying the delivery UUID.
	GitHubDeliveryHeader = "X-Github-Delivery"

	// GitLabTokenHeader is the GitLab header carrying the per-repo token.
	GitLabTokenHeader = "X-Gitlab-Token"

	// GitLabEventHeader is the GitLab header carrying the event type.
	GitLabEventHeader = "X-Gitlab-Event"

	// GitLabDeliveryHeader is the GitLab header carrying the delivery UUID.
	GitLabDeliveryHeader = "X-Gitlab-Event-Uuid"

	// maxPayloadBytes caps webhook bodies at 25 MiB.
	maxPayloadBytes = 25 << 20
)

var (
	errPayloadTooLarge   = fmt.Errorf("webhook payload exceeds size limit")
	errReadingPayload    = fmt.Errorf("failed to read webhook payload")
	errNoPayload         = fmt.Errorf("no payload received")
	errInvalidSignature  = fmt.Errorf("failed to validate webhook signature")
	errUnknownRepository = fmt.Errorf("unknown repository")
	errProjectMismatch   = fmt.Errorf("payload project does not match this repository")
	errPersistingEvent   = fmt.Errorf("failed to persist webhook event")
	errAppNotConfigured  = fmt.Errorf("no provider app configured")
)

// Ingress is the HTTP half of webhook handling.
type Ingress struct {
	h      *renderer.Renderer
	ds     store.Datastore
	creds  *credentials.Store
	pepper string
	queue  chan<- *model.WebhookEvent
}

// NewIngress wires the ingress to its datastore, credential store, the
// GitLab server pepper, and the processor queue.
func NewIngress(h *renderer.Renderer, ds store.Datastore, creds *credentials.Store, pepper string, queue chan<- *model.WebhookEvent) *Ingress {
	return &Ingress{h: h, ds: ds, creds: creds, pepper: pepper, queue: queue}
}

// readPayload enforces the size cap and reads the raw body. A nil
// return means a response has already been written.
func (i *Ingress) readPayload(w http.ResponseWriter, r *http.Request) []byte {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		logger.ErrorContext(ctx, "failed to read webhook request body",
			"code", http.StatusInternalServerError,
			"body", errReadingPayload,
			"error", err)
		i.h.RenderJSON(w, http.StatusInternalServerError, errReadingPayload)
		return nil
	}
	if len(payload) > maxPayloadBytes {
		logger.WarnContext(ctx, "webhook payload too large",
			"code", http.StatusRequestEntityTooLarge,
			"size", len(payload))
		i.h.RenderJSON(w, http.StatusRequestEntityTooLarge, errPayloadTooLarge)
		return nil
	}
	if len(payload) == 0 {
		logger.WarnContext(ctx, "no payload received", "code", http.StatusBadRequest)
		i.h.RenderJSON(w, http.StatusBadRequest, errNoPayload)
		return nil
	}
	return payload
}

// HandleGitHub receives GitHub App webhook deliveries.
func (i *Ingress) HandleGitHub() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		payload := i.readPayload(w, r)
		if payload == nil {
			return
		}

		app, err := i.creds.ActiveGitHubApp(ctx)
		if errors.Is(err, credentials.ErrNotConfigured) {
			logger.WarnContext(ctx, "github webhook received with no app configured",
				"code", http.StatusServiceUnavailable)
			i.h.RenderJSON(w, http.StatusServiceUnavailable, errAppNotConfigured)
			return
		}
		if err != nil {
			logger.ErrorContext(ctx, "failed to load github app",
				"code", http.StatusInternalServerError, "error", err)
			i.h.RenderJSON(w, http.StatusInternalServerError, errAppNotConfigured)
			return
		}

		signature := r.Header.Get(SHA256SignatureHeader)
		if !validGitHubSignature(signature, payload, app.WebhookSecret) {
			logger.WarnContext(ctx, "invalid github webhook signature",
				"code", http.StatusUnauthorized,
				"delivery_id", r.Header.Get(GitHubDeliveryHeader))
			i.h.RenderJSON(w, http.StatusUnauthorized, errInvalidSignature)
			return
		}

		event := &model.WebhookEvent{
			ID:         model.NewID(),
			Provider:   model.ProviderGitHub,
			EventType:  r.Header.Get(GitHubEventHeader),
			DeliveryID: deliveryFingerprint(r.Header.Get(GitHubDeliveryHeader), payload),
			Payload:    payload,
			ReceivedAt: time.Now().UTC(),
		}
		if repo := githubRepositoryHint(ctx, payload, i.ds); repo != nil {
			event.RepositoryID = repo.ID
		}

		i.persistAndEnqueue(w, r, event)
	})
}

// HandleGitLab receives GitLab webhook deliveries on per-repository
// URLs; the repository_id path parameter selects the token to check.
func (i *Ingress) HandleGitLab() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		repositoryID := chi.URLParam(r, "repository_id")
		repo, err := i.ds.GetRepository(ctx, repositoryID)
		if errors.Is(err, store.ErrNotFound) {
			logger.WarnContext(ctx, "gitlab webhook for unknown repository",
				"code", http.StatusNotFound, "repository_id", repositoryID)
			i.h.RenderJSON(w, http.StatusNotFound, errUnknownRepository)
			return
		}
		if err != nil {
			logger.ErrorContext(ctx, "failed to load repository",
				"code", http.StatusInternalServerError, "error", err)
			i.h.RenderJSON(w, http.StatusInternalServerError, errUnknownRepository)
			return
		}

		token := r.Header.Get(GitLabTokenHeader)
		fingerprint := crypto.MAC(i.pepper, token)
		if token == "" || repo.WebhookSecretFingerprint == "" ||
			!crypto.ConstantTimeEqual(fingerprint, repo.WebhookSecretFingerprint) {
			logger.WarnContext(ctx, "invalid gitlab webhook token",
				"code", http.StatusUnauthorized, "repository_id", repositoryID)
			i.h.RenderJSON(w, http.StatusUnauthorized, errInvalidSignature)
			return
		}

		payload := i.readPayload(w, r)
		if payload == nil {
			return
		}

		// A valid token replayed against a different repository's URL
		// must not cross over: the payload's project id has to match.
		projectID := gitlabProjectID(payload)
		if projectID == 0 || projectID != repo.GitLabProjectID {
			logger.WarnContext(ctx, "gitlab webhook project mismatch",
				"code", http.StatusForbidden,
				"repository_id", repositoryID,
				"payload_project_id", projectID)
			i.h.RenderJSON(w, http.StatusForbidden, errProjectMismatch)
			return
		}

		event := &model.WebhookEvent{
			ID:           model.NewID(),
			RepositoryID: repo.ID,
			Provider:     model.ProviderGitLab,
			EventType:    r.Header.Get(GitLabEventHeader),
			DeliveryID:   deliveryFingerprint(r.Header.Get(GitLabDeliveryHeader), payload),
			Payload:      payload,
			ReceivedAt:   time.Now().UTC(),
		}

		i.persistAndEnqueue(w, r, event)
	})
}

// persistAndEnqueue is steps 5-9 of the ingress pipeline: duplicate
// check, durable insert, non-blocking enqueue, response. The insert
// happens-before both the response and the enqueue.
func (i *Ingress) persistAndEnqueue(w http.ResponseWriter, r *http.Request, event *model.WebhookEvent) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if _, err := i.ds.GetWebhookEventByDelivery(ctx, event.Provider, event.DeliveryID); err == nil {
		i.h.RenderJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	if err := i.ds.InsertWebhookEvent(ctx, event); err != nil {
		// The check above races concurrent deliveries; the unique
		// constraint is authoritative.
		if errors.Is(err, store.ErrDuplicate) {
			i.h.RenderJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		logger.ErrorContext(ctx, "failed to insert webhook event",
			"code", http.StatusInternalServerError,
			"body", errPersistingEvent,
			"error", err)
		i.h.RenderJSON(w, http.StatusInternalServerError, errPersistingEvent)
		return
	}

	select {
	case i.queue <- event:
		i.h.RenderJSON(w, http.StatusAccepted, map[string]string{
			"status":   "accepted",
			"event_id": event.ID,
		})
	default:
		// The row is durable; startup recovery will pick it up.
		logger.WarnContext(ctx, "webhook queue saturated",
			"code", http.StatusServiceUnavailable,
			"event_id", event.ID)
		i.h.RenderJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "queued_for_recovery",
			"event_id": event.ID,
		})
	}
}

// validGitHubSignature compares the HMAC-SHA256 of the payload under
// the app's webhook secret against the header value, constant-time.
func validGitHubSignature(signature string, payload []byte, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(signature), []byte(want)) == 1
}

// deliveryFingerprint is the idempotency key: the provider's delivery
// UUID, or a content hash when the header is absent.
func deliveryFingerprint(deliveryID string, payload []byte) string {
	if deliveryID != "" {
		return deliveryID
	}
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// githubRepositoryHint extracts the repository reference from a GitHub
// payload for forensics; resolution failures are not errors at ingress
// time.
func githubRepositoryHint(ctx context.Context, payload []byte, ds store.Datastore) *model.Repository {
	var doc struct {
		Repository struct {
			ID int64 `json:"id"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil || doc.Repository.ID == 0 {
		return nil
	}
	repo, err := ds.GetRepositoryByNativeID(ctx, model.ProviderGitHub, doc.Repository.ID)
	if err != nil {
		return nil
	}
	return repo
}

// gitlabProjectID parses just enough of a GitLab payload to extract
// the project id.
func gitlabProjectID(payload []byte) int64 {
	var doc struct {
		ProjectID int64 `json:"project_id"`
		Project   struct {
			ID int64 `json:"id"`
		} `json:"project"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return 0
	}
	if doc.Project.ID != 0 {
		return doc.Project.ID
	}
	return doc.ProjectID
}
