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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oore-ci/oore/pkg/credentials"
	"github.com/oore-ci/oore/pkg/crypto"
	"github.com/oore-ci/oore/pkg/executor"
	"github.com/oore-ci/oore/pkg/model"
	"github.com/oore-ci/oore/pkg/signing"
	"github.com/oore-ci/oore/pkg/store/memory"
)

// recordingRunner captures every security invocation.
type recordingRunner struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	return "", nil
}

func (r *recordingRunner) saw(fragment string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if strings.Contains(c, fragment) {
			return true
		}
	}
	return false
}

func seedSigningAssets(t *testing.T, ds *memory.Store, key []byte, repoID string) {
	t.Helper()

	certID := model.NewID()
	p12, nonce, err := crypto.Encrypt(key, []byte("p12-bytes"), "signing_certificates", certID)
	if err != nil {
		t.Fatal(err)
	}
	pw, pwNonce, err := crypto.Encrypt(key, []byte("p12-pass"), "signing_certificates", certID)
	if err != nil {
		t.Fatal(err)
	}
	ds.AddSigningCertificate(&model.SigningCertificate{
		ID:           certID,
		RepositoryID: repoID,
		Name:         "dist",
		P12:          model.EncryptedField{Ciphertext: p12, Nonce: nonce},
		Password:     model.EncryptedField{Ciphertext: pw, Nonce: pwNonce},
		CreatedAt:    time.Now().UTC(),
	})

	profileID := model.NewID()
	blob, blobNonce, err := crypto.Encrypt(key, []byte("profile-bytes"), "provisioning_profiles", profileID)
	if err != nil {
		t.Fatal(err)
	}
	ds.AddProvisioningProfile(&model.ProvisioningProfile{
		ID:           profileID,
		RepositoryID: repoID,
		UUID:         "11111111-2222-3333-4444-555555555555",
		Name:         "app-store",
		Profile:      model.EncryptedField{Ciphertext: blob, Nonce: blobNonce},
		CreatedAt:    time.Now().UTC(),
	})
}

func TestRunBuildSigningLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	key := make([]byte, crypto.KeySize)
	runner := &recordingRunner{}

	fe := newFakeExecutor(map[string]string{"codemagic.yaml": twoStepConfig})
	f := newFixture(t, fe)

	creds, err := credentials.New(f.ds, key)
	if err != nil {
		t.Fatal(err)
	}
	f.s.creds = creds
	f.s.signingOpts = &signing.Options{Runner: runner, ProfilesDir: t.TempDir()}

	repo, build := seedBuild(t, f.ds)
	seedSigningAssets(t, f.ds, key, repo.ID)

	// The keychain must exist before the clone runs.
	cloneSawKeychain := false
	fe.onClone = func() {
		cloneSawKeychain = runner.saw("create-keychain")
	}

	f.s.runBuild(ctx, build.ID, executor.NewSignal())

	got, err := f.ds.GetBuild(ctx, build.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.BuildSuccess {
		t.Fatalf("Status = %q (%s), want success", got.Status, got.ErrorMessage)
	}
	if !cloneSawKeychain {
		t.Error("keychain must be prepared before the clone")
	}
	if !runner.saw("import") {
		t.Error("certificate never imported")
	}
	if !runner.saw("delete-keychain") {
		t.Error("keychain never torn down")
	}
}

func TestRunBuildWithoutSigningAssetsSkipsKeychain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	runner := &recordingRunner{}

	fe := newFakeExecutor(map[string]string{"codemagic.yaml": twoStepConfig})
	f := newFixture(t, fe)

	creds, err := credentials.New(f.ds, make([]byte, crypto.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	f.s.creds = creds
	f.s.signingOpts = &signing.Options{Runner: runner, ProfilesDir: t.TempDir()}

	_, build := seedBuild(t, f.ds)
	f.s.runBuild(ctx, build.ID, executor.NewSignal())

	got, err := f.ds.GetBuild(ctx, build.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.BuildSuccess {
		t.Fatalf("Status = %q (%s)", got.Status, got.ErrorMessage)
	}
	if len(runner.calls) != 0 {
		t.Errorf("security invoked %d times for a repo with no assets", len(runner.calls))
	}
}
