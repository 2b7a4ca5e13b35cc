/*
Copyright 2023 The Wadm Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/lattice-dev/wadm/apis/v1alpha1"
	"github.com/lattice-dev/wadm/pkg/model"
	"github.com/lattice-dev/wadm/pkg/storage"
	"github.com/lattice-dev/wadm/pkg/storage/driver"
)

const (
	testLattice = "default"
	testReply   = "_INBOX.test"
)

type publishedMsg struct {
	subject string
	data    []byte
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []publishedMsg
}

func (p *capturePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, publishedMsg{subject: subject, data: data})
	return nil
}

func (p *capturePublisher) last(t *testing.T, out interface{}) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.msgs, "expected a reply to have been published")
	require.NoError(t, json.Unmarshal(p.msgs[len(p.msgs)-1].data, out))
}

type fakeNotifier struct {
	mu         sync.Mutex
	deployed   []string
	undeployed []string
	fail       bool
}

func (n *fakeNotifier) Deployed(_ string, m v1alpha1.Manifest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("bus unavailable")
	}
	n.deployed = append(n.deployed, m.Metadata.Name)
	return nil
}

func (n *fakeNotifier) Undeployed(_ string, name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("bus unavailable")
	}
	n.undeployed = append(n.undeployed, name)
	return nil
}

type fakeStatus struct {
	infos map[string]*v1alpha1.StatusInfo
}

func (s *fakeStatus) GetStatus(_ context.Context, _, name string) (*v1alpha1.StatusInfo, error) {
	return s.infos[name], nil
}

type testFixture struct {
	handler   *Handler
	store     *storage.Store
	notifier  *fakeNotifier
	status    *fakeStatus
	publisher *capturePublisher
}

func newFixture() *testFixture {
	f := &testFixture{
		store:     storage.NewStorage(driver.NewInMemoryStorage()),
		notifier:  &fakeNotifier{},
		status:    &fakeStatus{infos: map[string]*v1alpha1.StatusInfo{}},
		publisher: &capturePublisher{},
	}
	f.handler = NewHandler(f.store, f.status, f.notifier, f.publisher)
	return f
}

func capabilityComponent(name, image string) v1alpha1.Component {
	return v1alpha1.Component{
		Name:       name,
		Type:       v1alpha1.CapabilityType,
		Properties: &v1alpha1.CapabilityProperties{Image: image},
	}
}

func actorComponent(name, image string) v1alpha1.Component {
	return v1alpha1.Component{
		Name:       name,
		Type:       v1alpha1.ActorType,
		Properties: &v1alpha1.ComponentProperties{Image: image},
	}
}

func testManifest(name, version string, components ...v1alpha1.Component) v1alpha1.Manifest {
	if components == nil {
		components = []v1alpha1.Component{actorComponent("worker", "registry.example.com/worker:1.0")}
	}
	return v1alpha1.Manifest{
		APIVersion: "core.oam.dev/v1alpha1",
		Kind:       v1alpha1.ApplicationKind,
		Metadata: v1alpha1.Metadata{
			Name:        name,
			Annotations: map[string]string{v1alpha1.VersionAnnotationKey: version},
		},
		Spec: v1alpha1.Spec{Components: components},
	}
}

func (f *testFixture) put(t *testing.T, m v1alpha1.Manifest) v1alpha1.PutModelResponse {
	t.Helper()
	data, err := json.Marshal(&m)
	require.NoError(t, err)
	f.handler.PutModel(context.Background(), Request{Reply: testReply, Data: data}, "", testLattice)
	var resp v1alpha1.PutModelResponse
	f.publisher.last(t, &resp)
	return resp
}

func (f *testFixture) deploy(t *testing.T, name, version string) v1alpha1.DeployModelResponse {
	t.Helper()
	var data []byte
	if version != "" {
		var err error
		data, err = json.Marshal(v1alpha1.DeployModelRequest{Version: version})
		require.NoError(t, err)
	}
	f.handler.DeployModel(context.Background(), Request{Reply: testReply, Data: data}, "", testLattice, name)
	var resp v1alpha1.DeployModelResponse
	f.publisher.last(t, &resp)
	return resp
}

func TestPutModelCreate(t *testing.T) {
	t.Parallel()
	f := newFixture()

	resp := f.put(t, testManifest("app", "v1"))
	require.Equal(t, v1alpha1.PutResultCreated, resp.Result)
	require.Equal(t, "v1", resp.CurrentVersion)
	require.Equal(t, 1, resp.TotalVersions)
	require.Equal(t, "app", resp.Name)

	sm, revision, err := f.store.Get(context.Background(), "", testLattice, "app")
	require.NoError(t, err)
	require.NotNil(t, sm)
	require.NotZero(t, revision)

	resp = f.put(t, testManifest("app", "v2"))
	require.Equal(t, v1alpha1.PutResultNewVersion, resp.Result)
	require.Equal(t, 2, resp.TotalVersions)
}

func TestPutModelDuplicateVersionRejected(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.put(t, testManifest("app", "v1"))

	var resp struct {
		Result  string `json:"result"`
		Message string `json:"message"`
	}
	data, err := json.Marshal(testManifest("app", "v1"))
	require.NoError(t, err)
	f.handler.PutModel(context.Background(), Request{Reply: testReply, Data: data}, "", testLattice)
	f.publisher.last(t, &resp)
	require.Equal(t, "error", resp.Result)
	require.Contains(t, resp.Message, "Manifest version v1 already exists")

	sm, _, err := f.store.Get(context.Background(), "", testLattice, "app")
	require.NoError(t, err)
	require.Equal(t, 1, sm.Count())
}

func TestPutModelBadNameRejected(t *testing.T) {
	t.Parallel()
	f := newFixture()
	data, err := json.Marshal(testManifest("bad name!", "v1"))
	require.NoError(t, err)
	f.handler.PutModel(context.Background(), Request{Reply: testReply, Data: data}, "", testLattice)

	var resp struct {
		Result  string `json:"result"`
		Message string `json:"message"`
	}
	f.publisher.last(t, &resp)
	require.Equal(t, "error", resp.Result)
	require.Contains(t, resp.Message, "invalid characters")

	stored, err := f.store.List(context.Background(), "", testLattice)
	require.NoError(t, err)
	require.Empty(t, stored)
}

func TestPutModelVersionRules(t *testing.T) {
	t.Parallel()
	f := newFixture()
	for _, version := range []string{"", "latest"} {
		data, err := json.Marshal(testManifest("app", version))
		require.NoError(t, err)
		f.handler.PutModel(context.Background(), Request{Reply: testReply, Data: data}, "", testLattice)
		var resp struct {
			Result  string `json:"result"`
			Message string `json:"message"`
		}
		f.publisher.last(t, &resp)
		require.Equal(t, "error", resp.Result, "version %q must be rejected", version)
		require.Contains(t, resp.Message, "invalid manifest version")
	}
}

func TestGetModelRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture()
	put := testManifest("app", "v1")
	f.put(t, put)

	f.handler.GetModel(context.Background(), Request{Reply: testReply}, "", testLattice, "app")
	var resp v1alpha1.GetModelResponse
	f.publisher.last(t, &resp)
	require.Equal(t, v1alpha1.GetResultSuccess, resp.Result)
	require.Equal(t, "v1", resp.Manifest.Version())
	require.Equal(t, "app", resp.Manifest.Metadata.Name)

	// Specific absent version reads as not found.
	data, err := json.Marshal(v1alpha1.GetModelRequest{Version: "v9"})
	require.NoError(t, err)
	f.handler.GetModel(context.Background(), Request{Reply: testReply, Data: data}, "", testLattice, "app")
	f.publisher.last(t, &resp)
	require.Equal(t, v1alpha1.GetResultNotFound, resp.Result)

	f.handler.GetModel(context.Background(), Request{Reply: testReply}, "", testLattice, "ghost")
	f.publisher.last(t, &resp)
	require.Equal(t, v1alpha1.GetResultNotFound, resp.Result)
}

func TestListVersionsInsertionOrder(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.put(t, testManifest("app", "v1"))
	f.put(t, testManifest("app", "v3"))
	f.put(t, testManifest("app", "v2"))
	f.deploy(t, "app", "v3")

	f.handler.ListVersions(context.Background(), Request{Reply: testReply}, "", testLattice, "app")
	var resp v1alpha1.VersionResponse
	f.publisher.last(t, &resp)
	require.Equal(t, v1alpha1.GetResultSuccess, resp.Result)
	require.Equal(t, []v1alpha1.VersionInfo{
		{Version: "v1"},
		{Version: "v3", Deployed: true},
		{Version: "v2"},
	}, resp.Versions)
}

func TestListModelsOverlaysStatus(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.put(t, testManifest("alpha", "v1"))
	f.put(t, testManifest("beta", "v1"))
	f.status.infos["beta"] = &v1alpha1.StatusInfo{StatusType: v1alpha1.StatusDeployed, Message: "all good"}

	f.handler.ListModels(context.Background(), Request{Reply: testReply}, "", testLattice)
	var summaries []v1alpha1.ModelSummary
	f.publisher.last(t, &summaries)
	require.Len(t, summaries, 2)
	require.Equal(t, v1alpha1.StatusUndeployed, summaries[0].Status)
	require.Empty(t, summaries[0].StatusMessage)
	require.Equal(t, v1alpha1.StatusDeployed, summaries[1].Status)
	require.Equal(t, "all good", summaries[1].StatusMessage)
}

func TestDeployModel(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.put(t, testManifest("app", "v1"))
	f.put(t, testManifest("app", "v2"))

	resp := f.deploy(t, "app", "v1")
	require.Equal(t, v1alpha1.DeployResultAcknowledged, resp.Result)
	require.Contains(t, resp.Message, "v1")
	require.Equal(t, []string{"app"}, f.notifier.deployed)

	sm, _, err := f.store.Get(context.Background(), "", testLattice, "app")
	require.NoError(t, err)
	require.Equal(t, "v1", sm.DeployedVersion)

	// The latest literal and an empty version deploy the newest one.
	resp = f.deploy(t, "app", v1alpha1.LatestVersion)
	require.Equal(t, v1alpha1.DeployResultAcknowledged, resp.Result)
	sm, _, err = f.store.Get(context.Background(), "", testLattice, "app")
	require.NoError(t, err)
	require.Equal(t, "v2", sm.DeployedVersion)

	// Deploying an absent version changes nothing.
	resp = f.deploy(t, "app", "v9")
	require.Equal(t, v1alpha1.DeployResultError, resp.Result)
	sm, _, err = f.store.Get(context.Background(), "", testLattice, "app")
	require.NoError(t, err)
	require.Equal(t, "v2", sm.DeployedVersion)

	resp = f.deploy(t, "ghost", "")
	require.Equal(t, v1alpha1.DeployResultNotFound, resp.Result)
}

func TestDeployIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.put(t, testManifest("app", "v1"))

	first := f.deploy(t, "app", "v1")
	second := f.deploy(t, "app", "v1")
	require.Equal(t, v1alpha1.DeployResultAcknowledged, first.Result)
	require.Equal(t, v1alpha1.DeployResultAcknowledged, second.Result)
	require.Len(t, f.notifier.deployed, 2, "re-deploy re-emits the notification")

	sm, _, err := f.store.Get(context.Background(), "", testLattice, "app")
	require.NoError(t, err)
	require.Equal(t, "v1", sm.DeployedVersion)
}

func TestDeployProviderVersionConflict(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.put(t, testManifest("A", "v1", capabilityComponent("prov", "ghcr.io/prov:1.0")))
	f.deploy(t, "A", "")

	f.put(t, testManifest("B", "v1", capabilityComponent("prov", "ghcr.io/prov:2.0")))
	resp := f.deploy(t, "B", "")
	require.Equal(t, v1alpha1.DeployResultError, resp.Result)
	require.Contains(t, resp.Message, "already deployed with a different version in A")

	sm, _, err := f.store.Get(context.Background(), "", testLattice, "B")
	require.NoError(t, err)
	require.Equal(t, "", sm.DeployedVersion)
}

func TestDeploySameProviderVersionAllowed(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.put(t, testManifest("A", "v1", capabilityComponent("prov", "ghcr.io/prov:1.0")))
	f.deploy(t, "A", "")

	f.put(t, testManifest("B", "v1", capabilityComponent("prov", "ghcr.io/prov:1.0")))
	resp := f.deploy(t, "B", "")
	require.Equal(t, v1alpha1.DeployResultAcknowledged, resp.Result)
}

func TestDeployUpgradeOwnProviderAllowed(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.put(t, testManifest("A", "v1", capabilityComponent("prov", "ghcr.io/prov:1.0")))
	f.deploy(t, "A", "")

	// A newer version of the same model may move its own provider version.
	f.put(t, testManifest("A", "v2", capabilityComponent("prov", "ghcr.io/prov:2.0")))
	resp := f.deploy(t, "A", "v2")
	require.Equal(t, v1alpha1.DeployResultAcknowledged, resp.Result)
}

func TestUndeployIdempotentReEmit(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.put(t, testManifest("app", "v1"))
	f.deploy(t, "app", "")

	var resp v1alpha1.DeployModelResponse
	f.handler.UndeployModel(context.Background(), Request{Reply: testReply}, "", testLattice, "app")
	f.publisher.last(t, &resp)
	require.Equal(t, v1alpha1.DeployResultAcknowledged, resp.Result)

	f.handler.UndeployModel(context.Background(), Request{Reply: testReply}, "", testLattice, "app")
	f.publisher.last(t, &resp)
	require.Equal(t, v1alpha1.DeployResultAcknowledged, resp.Result)
	require.Contains(t, resp.Message, "already undeployed")

	// Both calls notify so a previously lost notification cannot wedge reconcilers.
	require.Equal(t, []string{"app", "app"}, f.notifier.undeployed)

	sm, _, err := f.store.Get(context.Background(), "", testLattice, "app")
	require.NoError(t, err)
	require.Equal(t, "", sm.DeployedVersion)
}

func TestDeleteDeployedLastVersion(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.put(t, testManifest("M", "v1"))
	f.deploy(t, "M", "")

	data, err := json.Marshal(v1alpha1.DeleteModelRequest{Version: "v1"})
	require.NoError(t, err)
	f.handler.DeleteModel(context.Background(), Request{Reply: testReply, Data: data}, "", testLattice, "M")

	var resp v1alpha1.DeleteModelResponse
	f.publisher.last(t, &resp)
	require.Equal(t, v1alpha1.DeleteResultDeleted, resp.Result)
	require.True(t, resp.Undeploy)
	require.Equal(t, []string{"M"}, f.notifier.undeployed)

	sm, _, err := f.store.Get(context.Background(), "", testLattice, "M")
	require.NoError(t, err)
	require.Nil(t, sm)
}

func TestDeleteVersionKeepsOthers(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.put(t, testManifest("app", "v1"))
	f.put(t, testManifest("app", "v2"))
	f.deploy(t, "app", "v1")

	data, err := json.Marshal(v1alpha1.DeleteModelRequest{Version: "v1"})
	require.NoError(t, err)
	f.handler.DeleteModel(context.Background(), Request{Reply: testReply, Data: data}, "", testLattice, "app")

	var resp v1alpha1.DeleteModelResponse
	f.publisher.last(t, &resp)
	require.Equal(t, v1alpha1.DeleteResultDeleted, resp.Result)
	require.True(t, resp.Undeploy, "deleting the deployed version hints an undeploy")

	sm, _, err := f.store.Get(context.Background(), "", testLattice, "app")
	require.NoError(t, err)
	require.Equal(t, []string{"v2"}, sm.AllVersions())
	require.Equal(t, "", sm.DeployedVersion)
}

func TestDeleteNoopStillNotifies(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.put(t, testManifest("app", "v1"))

	data, err := json.Marshal(v1alpha1.DeleteModelRequest{Version: "v9"})
	require.NoError(t, err)
	f.handler.DeleteModel(context.Background(), Request{Reply: testReply, Data: data}, "", testLattice, "app")

	var resp v1alpha1.DeleteModelResponse
	f.publisher.last(t, &resp)
	require.Equal(t, v1alpha1.DeleteResultNoop, resp.Result)
	require.False(t, resp.Undeploy)
	require.Equal(t, []string{"app"}, f.notifier.undeployed)
}

func TestDeleteWholeModel(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.put(t, testManifest("app", "v1"))
	f.put(t, testManifest("app", "v2"))

	f.handler.DeleteModel(context.Background(), Request{Reply: testReply}, "", testLattice, "app")
	var resp v1alpha1.DeleteModelResponse
	f.publisher.last(t, &resp)
	require.Equal(t, v1alpha1.DeleteResultDeleted, resp.Result)
	require.True(t, resp.Undeploy)

	sm, _, err := f.store.Get(context.Background(), "", testLattice, "app")
	require.NoError(t, err)
	require.Nil(t, sm)
}

func TestNotificationFailureSurfacedAfterPersist(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.put(t, testManifest("app", "v1"))
	f.notifier.fail = true

	resp := f.deploy(t, "app", "v1")
	require.Equal(t, v1alpha1.DeployResultError, resp.Result)
	require.Contains(t, resp.Message, "retry the request")

	// The store write happened before the failed notification.
	sm, _, err := f.store.Get(context.Background(), "", testLattice, "app")
	require.NoError(t, err)
	require.Equal(t, "v1", sm.DeployedVersion)

	var delResp v1alpha1.DeleteModelResponse
	f.handler.DeleteModel(context.Background(), Request{Reply: testReply}, "", testLattice, "app")
	f.publisher.last(t, &delResp)
	require.Equal(t, v1alpha1.DeleteResultError, delResp.Result)
	require.Contains(t, delResp.Message, "retry the request")
	sm, _, err = f.store.Get(context.Background(), "", testLattice, "app")
	require.NoError(t, err)
	require.Nil(t, sm, "delete persisted even though the notification failed")
}

// conflictSetDriver reads through to the wrapped driver but loses every
// compare-and-set write.
type conflictSetDriver struct {
	driver.Driver
}

func (conflictSetDriver) Set(context.Context, driver.Key, *model.StoredManifest, uint64) error {
	return driver.ErrConflict
}

func TestStorageConflictRepliesErrorWithoutRetry(t *testing.T) {
	t.Parallel()
	base := driver.NewInMemoryStorage()
	seedStore := storage.NewStorage(base)
	sm := &model.StoredManifest{}
	require.True(t, sm.AddVersion(testManifest("app", "v1")))
	require.NoError(t, seedStore.Set(context.Background(), "", testLattice, "app", sm, 0))

	notifier := &fakeNotifier{}
	publisher := &capturePublisher{}
	h := NewHandler(
		storage.NewStorage(conflictSetDriver{base}),
		&fakeStatus{infos: map[string]*v1alpha1.StatusInfo{}},
		notifier,
		publisher,
	)

	// A lost CAS race on put is answered with exactly one error reply; the
	// caller retries, not the handler.
	data, err := json.Marshal(testManifest("app", "v2"))
	require.NoError(t, err)
	h.PutModel(context.Background(), Request{Reply: testReply, Data: data}, "", testLattice)
	var putResp struct {
		Result  string `json:"result"`
		Message string `json:"message"`
	}
	publisher.last(t, &putResp)
	require.Equal(t, "error", putResp.Result)
	require.Equal(t, msgInternalStorageError, putResp.Message)
	require.Len(t, publisher.msgs, 1)

	// Same policy on deploy, and the failed write never notifies reconcilers.
	h.DeployModel(context.Background(), Request{Reply: testReply}, "", testLattice, "app")
	var deployResp v1alpha1.DeployModelResponse
	publisher.last(t, &deployResp)
	require.Equal(t, v1alpha1.DeployResultError, deployResp.Result)
	require.Equal(t, msgInternalStorageError, deployResp.Message)
	require.Empty(t, notifier.deployed)

	// The stored state is what it was before either request.
	current, _, err := seedStore.Get(context.Background(), "", testLattice, "app")
	require.NoError(t, err)
	require.Equal(t, 1, current.Count())
	require.Equal(t, "", current.DeployedVersion)
}

func TestModelStatus(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.put(t, testManifest("app", "v1"))

	var resp v1alpha1.StatusResponse
	f.handler.ModelStatus(context.Background(), Request{Reply: testReply}, "", testLattice, "app")
	f.publisher.last(t, &resp)
	require.Equal(t, v1alpha1.StatusResultOK, resp.Result)
	require.Equal(t, "v1", resp.Status.Version)
	require.Equal(t, v1alpha1.StatusUndeployed, resp.Status.Info.StatusType)
	require.Empty(t, resp.Status.Components)

	f.status.infos["app"] = &v1alpha1.StatusInfo{StatusType: v1alpha1.StatusReconciling, Message: "spreading"}
	f.handler.ModelStatus(context.Background(), Request{Reply: testReply}, "", testLattice, "app")
	f.publisher.last(t, &resp)
	require.Equal(t, v1alpha1.StatusReconciling, resp.Status.Info.StatusType)

	f.handler.ModelStatus(context.Background(), Request{Reply: testReply}, "", testLattice, "ghost")
	f.publisher.last(t, &resp)
	require.Equal(t, v1alpha1.StatusResultNotFound, resp.Result)
}

func TestFireAndForgetSkipsReply(t *testing.T) {
	t.Parallel()
	f := newFixture()
	data, err := json.Marshal(testManifest("app", "v1"))
	require.NoError(t, err)
	f.handler.PutModel(context.Background(), Request{Data: data}, "", testLattice)
	require.Empty(t, f.publisher.msgs)

	// The write still happened.
	sm, _, err := f.store.Get(context.Background(), "", testLattice, "app")
	require.NoError(t, err)
	require.NotNil(t, sm)
}

func TestParseImageRef(t *testing.T) {
	t.Parallel()
	repo, version, ok := parseImageRef("ghcr.io/prov:1.0")
	require.True(t, ok)
	require.Equal(t, "ghcr.io/prov", repo)
	require.Equal(t, "1.0", version)

	// Splitting happens on the first colon; registry ports land in the version.
	repo, version, ok = parseImageRef("host:5000/img:tag")
	require.True(t, ok)
	require.Equal(t, "host", repo)
	require.Equal(t, "5000/img:tag", version)

	_, _, ok = parseImageRef("no-version-ref")
	require.False(t, ok)
}
