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

// Package server implements the manifest control-plane API over the message bus.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/lattice-dev/wadm/apis/v1alpha1"
	"github.com/lattice-dev/wadm/pkg/model"
	"github.com/lattice-dev/wadm/pkg/storage"
	"github.com/lattice-dev/wadm/pkg/validation"
)

const (
	msgInternalStorageError = "Internal storage error"
	msgDeployNotifyFailed   = "Error notifying processors of newly deployed manifest. This is likely a transient error, so please retry the request"
	msgUndeployNotifyFailed = "Error notifying processors of undeployed manifest. This is likely a transient error, so please retry the request"
	msgDeleteNotifyFailed   = "Error notifying processors of newly undeployed manifest on delete. This is likely a transient error, so please retry the request"

	errFmtParseManifest    = "Unable to parse manifest: %v"
	errFmtParseRequest     = "Unable to parse %s model request: %v"
	errFmtInvalidName      = "Manifest name %s contains invalid characters. Manifest names can only contain alphanumeric characters, dashes, and underscores."
	errFmtDuplicateVersion = "Manifest version %s already exists"
	errFmtModelNotFound    = "Model with the name %s not found"
	errFmtNoSuchVersion    = "Model with the name %s does not have the specified version to deploy"
	errFmtProviderConflict = "Provider %s is already deployed with a different version in %s."
)

// Handler answers the model API verbs for every lattice this node serves. One
// handler instance is shared by all in-flight requests; it keeps no per-request
// state and suspends only at store, status, and bus boundaries.
type Handler struct {
	store     *storage.Store
	status    StatusReader
	notifier  Notifier
	publisher Publisher
}

// NewHandler wires a request handler to its collaborators.
func NewHandler(store *storage.Store, status StatusReader, notifier Notifier, publisher Publisher) *Handler {
	return &Handler{store: store, status: status, notifier: notifier, publisher: publisher}
}

// PutModel validates an incoming manifest and appends it as a new version of
// its model, creating the model on first put.
func (h *Handler) PutModel(ctx context.Context, req Request, account, lattice string) {
	manifest, err := ParseManifest(req.Data, req.Header)
	if err != nil {
		h.sendError(req.Reply, fmt.Sprintf(errFmtParseManifest, err))
		return
	}

	if err := validation.ValidateVersion(manifest.Version()); err != nil {
		h.sendError(req.Reply, fmt.Sprintf("invalid manifest version: %v", err))
		return
	}

	name := strings.TrimSpace(manifest.Metadata.Name)
	if !validation.ValidManifestName(name) {
		h.sendError(req.Reply, fmt.Sprintf(errFmtInvalidName, name))
		return
	}

	current, revision, err := h.store.Get(ctx, account, lattice, name)
	if err != nil {
		klog.ErrorS(err, "Unable to fetch data from store", "lattice", lattice, "model", name)
		h.sendError(req.Reply, msgInternalStorageError)
		return
	}
	if current == nil {
		current = &model.StoredManifest{}
	}

	if err := validation.ValidateManifest(manifest); err != nil {
		h.sendError(req.Reply, err.Error())
		return
	}

	resp := v1alpha1.PutModelResponse{
		// On successful insert the given version becomes the current one.
		CurrentVersion: manifest.Version(),
		Result:         v1alpha1.PutResultNewVersion,
		Name:           name,
		Message:        fmt.Sprintf("Successfully put manifest %s %s", name, manifest.Version()),
	}
	if current.IsEmpty() {
		resp.Result = v1alpha1.PutResultCreated
	}

	if !current.AddVersion(*manifest) {
		h.sendError(req.Reply, fmt.Sprintf(errFmtDuplicateVersion, resp.CurrentVersion))
		return
	}
	resp.TotalVersions = current.Count()

	if err := h.store.Set(ctx, account, lattice, name, current, revision); err != nil {
		klog.ErrorS(err, "Unable to store updated data", "lattice", lattice, "model", name)
		h.sendError(req.Reply, msgInternalStorageError)
		return
	}

	h.sendReply(req.Reply, resp)
}

// GetModel returns one stored version of a model; an empty payload or version
// selects the most recently put one.
func (h *Handler) GetModel(ctx context.Context, req Request, account, lattice, name string) {
	var getReq v1alpha1.GetModelRequest
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &getReq); err != nil {
			h.sendError(req.Reply, fmt.Sprintf(errFmtParseRequest, "get", err))
			return
		}
	}

	manifests, _, err := h.store.Get(ctx, account, lattice, name)
	if err != nil {
		klog.ErrorS(err, "Unable to fetch data", "lattice", lattice, "model", name)
		h.sendError(req.Reply, msgInternalStorageError)
		return
	}
	if manifests == nil {
		h.sendReply(req.Reply, v1alpha1.GetModelResponse{
			Result:  v1alpha1.GetResultNotFound,
			Message: fmt.Sprintf(errFmtModelNotFound, name),
		})
		return
	}

	if getReq.Version == "" {
		h.sendReply(req.Reply, v1alpha1.GetModelResponse{
			Result:   v1alpha1.GetResultSuccess,
			Message:  fmt.Sprintf("Successfully fetched model %s", name),
			Manifest: manifests.GetCurrent(),
		})
		return
	}
	if found := manifests.GetVersion(getReq.Version); found != nil {
		h.sendReply(req.Reply, v1alpha1.GetModelResponse{
			Result:   v1alpha1.GetResultSuccess,
			Message:  fmt.Sprintf("Successfully fetched model %s %s", name, getReq.Version),
			Manifest: found,
		})
		return
	}
	h.sendReply(req.Reply, v1alpha1.GetModelResponse{
		Result:  v1alpha1.GetResultNotFound,
		Message: fmt.Sprintf("Model %s with version %s doesn't exist", name, getReq.Version),
	})
}

// ListModels returns one summary per stored model with the last reported
// status overlaid; a model with no usable status reads as undeployed.
func (h *Handler) ListModels(ctx context.Context, req Request, account, lattice string) {
	summaries, err := h.store.Summaries(ctx, account, lattice)
	if err != nil {
		klog.ErrorS(err, "Unable to fetch data", "lattice", lattice)
		h.sendError(req.Reply, msgInternalStorageError)
		return
	}

	for i := range summaries {
		info, err := h.status.GetStatus(ctx, lattice, summaries[i].Name)
		if err != nil || info == nil {
			klog.V(2).InfoS("Could not fetch status for model, assuming undeployed", "model", summaries[i].Name)
			summaries[i].Status = v1alpha1.StatusUndeployed
			summaries[i].StatusMessage = ""
			continue
		}
		summaries[i].Status = info.StatusType
		summaries[i].StatusMessage = info.Message
	}

	h.sendReply(req.Reply, summaries)
}

// ListVersions returns every version of a model in insertion order with a
// deployed flag per entry.
func (h *Handler) ListVersions(ctx context.Context, req Request, account, lattice, name string) {
	manifests, _, err := h.store.Get(ctx, account, lattice, name)
	if err != nil {
		klog.ErrorS(err, "Unable to fetch data", "lattice", lattice, "model", name)
		h.sendError(req.Reply, msgInternalStorageError)
		return
	}
	if manifests == nil {
		h.sendReply(req.Reply, v1alpha1.VersionResponse{
			Result:   v1alpha1.GetResultNotFound,
			Message:  fmt.Sprintf(errFmtModelNotFound, name),
			Versions: []v1alpha1.VersionInfo{},
		})
		return
	}

	versions := make([]v1alpha1.VersionInfo, 0, manifests.Count())
	for _, version := range manifests.AllVersions() {
		versions = append(versions, v1alpha1.VersionInfo{
			Version:  version,
			Deployed: manifests.IsDeployed(version),
		})
	}
	h.sendReply(req.Reply, v1alpha1.VersionResponse{
		Result:   v1alpha1.GetResultSuccess,
		Message:  fmt.Sprintf("Successfully fetched versions for model %s", name),
		Versions: versions,
	})
}

// DeleteModel deletes one version or the whole model. The undeploy
// notification is also sent on the noop branch: if a previous delete reached
// the store but its notification was lost, erring on the side of re-sending
// keeps reconcilers from running a manifest the store no longer has.
func (h *Handler) DeleteModel(ctx context.Context, req Request, account, lattice, name string) {
	var delReq v1alpha1.DeleteModelRequest
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &delReq); err != nil {
			h.sendError(req.Reply, fmt.Sprintf(errFmtParseRequest, "delete", err))
			return
		}
	}

	var reply v1alpha1.DeleteModelResponse
	if delReq.Version != "" {
		reply = h.deleteVersion(ctx, account, lattice, name, delReq.Version)
	} else {
		reply = h.deleteWholeModel(ctx, account, lattice, name)
	}

	if reply.Undeploy || reply.Result == v1alpha1.DeleteResultNoop {
		klog.V(4).InfoS("Sending undeploy notification", "lattice", lattice, "model", name)
		if err := h.notifier.Undeployed(lattice, name); err != nil {
			klog.ErrorS(err, "Error when attempting to send undeploy notification during delete", "lattice", lattice, "model", name)
			h.sendReply(req.Reply, v1alpha1.DeleteModelResponse{
				Result:  v1alpha1.DeleteResultError,
				Message: msgDeleteNotifyFailed,
			})
			return
		}
	}

	h.sendReply(req.Reply, reply)
}

func (h *Handler) deleteVersion(ctx context.Context, account, lattice, name, version string) v1alpha1.DeleteModelResponse {
	current, revision, err := h.store.Get(ctx, account, lattice, name)
	if err != nil {
		klog.ErrorS(err, "Unable to fetch current data", "lattice", lattice, "model", name)
		return v1alpha1.DeleteModelResponse{Result: v1alpha1.DeleteResultError, Message: msgInternalStorageError}
	}
	if current == nil {
		return v1alpha1.DeleteModelResponse{
			Result:  v1alpha1.DeleteResultNoop,
			Message: fmt.Sprintf("Model %s doesn't exist", name),
		}
	}

	deployedBefore := current.DeployedVersion
	if !current.DeleteVersion(version) {
		return v1alpha1.DeleteModelResponse{
			Result:  v1alpha1.DeleteResultNoop,
			Message: fmt.Sprintf("Model version %s doesn't exist", version),
		}
	}

	if current.IsEmpty() {
		// The last version is gone, so the model is gone; whatever was
		// running is undeployed by definition.
		if err := h.store.Delete(ctx, account, lattice, name); err != nil {
			klog.ErrorS(err, "Unable to delete data", "lattice", lattice, "model", name)
			return v1alpha1.DeleteModelResponse{Result: v1alpha1.DeleteResultError, Message: msgInternalStorageError}
		}
		return v1alpha1.DeleteModelResponse{
			Result:   v1alpha1.DeleteResultDeleted,
			Message:  fmt.Sprintf("Successfully deleted last version of model %s", name),
			Undeploy: true,
		}
	}

	undeploy := deployedBefore != "" && deployedBefore == version
	if err := h.store.Set(ctx, account, lattice, name, current, revision); err != nil {
		klog.ErrorS(err, "Unable to delete data", "lattice", lattice, "model", name)
		return v1alpha1.DeleteModelResponse{Result: v1alpha1.DeleteResultError, Message: msgInternalStorageError}
	}
	return v1alpha1.DeleteModelResponse{
		Result:   v1alpha1.DeleteResultDeleted,
		Message:  fmt.Sprintf("Successfully deleted version %s of model %s", version, name),
		Undeploy: undeploy,
	}
}

func (h *Handler) deleteWholeModel(ctx context.Context, account, lattice, name string) v1alpha1.DeleteModelResponse {
	if err := h.store.Delete(ctx, account, lattice, name); err != nil {
		klog.ErrorS(err, "Unable to delete data", "lattice", lattice, "model", name)
		return v1alpha1.DeleteModelResponse{Result: v1alpha1.DeleteResultError, Message: msgInternalStorageError}
	}
	return v1alpha1.DeleteModelResponse{
		Result:   v1alpha1.DeleteResultDeleted,
		Message:  fmt.Sprintf("Successfully deleted model %s", name),
		Undeploy: true,
	}
}

// DeployModel marks one version of a model as deployed after checking that no
// other deployed manifest in the lattice pins a different version of any of
// its capability providers.
func (h *Handler) DeployModel(ctx context.Context, req Request, account, lattice, name string) {
	var deployReq v1alpha1.DeployModelRequest
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &deployReq); err != nil {
			h.sendError(req.Reply, fmt.Sprintf(errFmtParseRequest, "deploy", err))
			return
		}
	}

	manifests, revision, err := h.store.Get(ctx, account, lattice, name)
	if err != nil {
		klog.ErrorS(err, "Unable to fetch data", "lattice", lattice, "model", name)
		h.sendError(req.Reply, msgInternalStorageError)
		return
	}
	if manifests == nil {
		h.sendReply(req.Reply, v1alpha1.DeployModelResponse{
			Result:  v1alpha1.DeployResultNotFound,
			Message: fmt.Sprintf(errFmtModelNotFound, name),
		})
		return
	}

	staged := manifests.GetCurrent()
	if deployReq.Version != "" && deployReq.Version != v1alpha1.LatestVersion {
		if staged = manifests.GetVersion(deployReq.Version); staged == nil {
			h.sendReply(req.Reply, v1alpha1.DeployModelResponse{
				Result:  v1alpha1.DeployResultError,
				Message: fmt.Sprintf(errFmtNoSuchVersion, name),
			})
			return
		}
	}

	// Snapshot-read of the lattice for the admission check; racing deploys in
	// other models are not linearized against this one. Convergence after
	// such a race is the reconciler's responsibility.
	stored, err := h.store.List(ctx, account, lattice)
	if err != nil {
		klog.ErrorS(err, "Unable to fetch data", "lattice", lattice)
		h.sendError(req.Reply, msgInternalStorageError)
		return
	}
	if conflictMsg := findProviderConflict(stored, staged, name); conflictMsg != "" {
		klog.ErrorS(nil, conflictMsg, "lattice", lattice, "model", name)
		h.sendError(req.Reply, conflictMsg)
		return
	}

	if !manifests.Deploy(deployReq.Version) {
		h.sendReply(req.Reply, v1alpha1.DeployModelResponse{
			Result:  v1alpha1.DeployResultError,
			Message: fmt.Sprintf(errFmtNoSuchVersion, name),
		})
		return
	}
	deployed := *manifests.GetDeployed()

	if err := h.store.Set(ctx, account, lattice, name, manifests, revision); err != nil {
		klog.ErrorS(err, "Unable to store updated data", "lattice", lattice, "model", name)
		h.sendError(req.Reply, msgInternalStorageError)
		return
	}

	klog.V(4).InfoS("Manifest saved in store, sending notification", "lattice", lattice, "model", name)
	if err := h.notifier.Deployed(lattice, deployed); err != nil {
		klog.ErrorS(err, "Error when attempting to send deployed notification", "lattice", lattice, "model", name)
		h.sendReply(req.Reply, v1alpha1.DeployModelResponse{
			Result:  v1alpha1.DeployResultError,
			Message: msgDeployNotifyFailed,
		})
		return
	}

	h.sendReply(req.Reply, v1alpha1.DeployModelResponse{
		Result:  v1alpha1.DeployResultAcknowledged,
		Message: fmt.Sprintf("Successfully deployed model %s %s", name, deployed.Version()),
	})
}

// UndeployModel clears the deployed pointer of a model. The undeployed
// notification is re-sent even when the model was already undeployed so a
// previously lost notification cannot wedge reconcilers.
func (h *Handler) UndeployModel(ctx context.Context, req Request, account, lattice, name string) {
	if len(req.Data) > 0 {
		var undeployReq v1alpha1.UndeployModelRequest
		if err := json.Unmarshal(req.Data, &undeployReq); err != nil {
			h.sendError(req.Reply, fmt.Sprintf(errFmtParseRequest, "undeploy", err))
			return
		}
	}

	manifests, revision, err := h.store.Get(ctx, account, lattice, name)
	if err != nil {
		klog.ErrorS(err, "Unable to fetch data", "lattice", lattice, "model", name)
		h.sendError(req.Reply, msgInternalStorageError)
		return
	}
	if manifests == nil {
		h.sendReply(req.Reply, v1alpha1.DeployModelResponse{
			Result:  v1alpha1.DeployResultNotFound,
			Message: fmt.Sprintf(errFmtModelNotFound, name),
		})
		return
	}

	reply := v1alpha1.DeployModelResponse{
		Result:  v1alpha1.DeployResultAcknowledged,
		Message: fmt.Sprintf("Model %s was already undeployed", name),
	}
	if manifests.Undeploy() {
		if err := h.store.Set(ctx, account, lattice, name, manifests, revision); err != nil {
			klog.ErrorS(err, "Unable to store updated data", "lattice", lattice, "model", name)
			reply = v1alpha1.DeployModelResponse{Result: v1alpha1.DeployResultError, Message: msgInternalStorageError}
		} else {
			reply.Message = fmt.Sprintf("Successfully undeployed model %s", name)
		}
	}

	if reply.Result == v1alpha1.DeployResultAcknowledged {
		klog.V(4).InfoS("Sending undeploy notification", "lattice", lattice, "model", name)
		if err := h.notifier.Undeployed(lattice, name); err != nil {
			klog.ErrorS(err, "Error when attempting to send undeploy notification", "lattice", lattice, "model", name)
			h.sendReply(req.Reply, v1alpha1.DeployModelResponse{
				Result:  v1alpha1.DeployResultError,
				Message: msgUndeployNotifyFailed,
			})
			return
		}
	}

	h.sendReply(req.Reply, reply)
}

// ModelStatus reports the last reconciler-reported status of a model's
// current version. Per-component status stays empty.
func (h *Handler) ModelStatus(ctx context.Context, req Request, account, lattice, name string) {
	manifests, _, err := h.store.Get(ctx, account, lattice, name)
	if err != nil {
		klog.ErrorS(err, "Unable to fetch data", "lattice", lattice, "model", name)
		h.sendError(req.Reply, msgInternalStorageError)
		return
	}
	if manifests == nil {
		h.sendReply(req.Reply, v1alpha1.StatusResponse{
			Result:  v1alpha1.StatusResultNotFound,
			Message: fmt.Sprintf(errFmtModelNotFound, name),
		})
		return
	}

	info, err := h.status.GetStatus(ctx, lattice, name)
	if err != nil || info == nil {
		info = &v1alpha1.StatusInfo{StatusType: v1alpha1.StatusUndeployed}
	}

	h.sendReply(req.Reply, v1alpha1.StatusResponse{
		Result:  v1alpha1.StatusResultOK,
		Message: fmt.Sprintf("Successfully fetched status for model %s", name),
		Status: &v1alpha1.Status{
			Version:    manifests.GetCurrent().Version(),
			Info:       *info,
			Components: []v1alpha1.ComponentStatus{},
		},
	})
}

type providerRef struct {
	version      string
	manifestName string
}

// findProviderConflict checks the staged manifest's capability image refs
// against what every other deployed manifest in the lattice pins. Matching
// versions may co-deploy; prior versions of the staged model itself are
// excluded so upgrades stay legal.
func findProviderConflict(stored []model.StoredManifest, staged *v1alpha1.Manifest, name string) string {
	existing := make(map[string]providerRef)
	for i := range stored {
		sm := &stored[i]
		if sm.Name() == name {
			continue
		}
		deployed := sm.GetDeployed()
		if deployed == nil {
			continue
		}
		for _, component := range deployed.Spec.Components {
			capability, ok := component.Capability()
			if !ok {
				continue
			}
			if repository, version, ok := parseImageRef(capability.Image); ok {
				existing[repository] = providerRef{version: version, manifestName: sm.Name()}
			}
		}
	}

	for _, component := range staged.Spec.Components {
		capability, ok := component.Capability()
		if !ok {
			continue
		}
		repository, version, ok := parseImageRef(capability.Image)
		if !ok {
			continue
		}
		if ref, found := existing[repository]; found && ref.version != version {
			return fmt.Sprintf(errFmtProviderConflict, capability.Image, ref.manifestName)
		}
	}
	return ""
}

// parseImageRef splits an image ref of shape repository:version on the first
// colon. Refs without a colon have no version and are ignored for conflict
// checks.
func parseImageRef(image string) (repository, version string, ok bool) {
	repository, version, ok = strings.Cut(image, ":")
	if !ok || version == "" {
		return "", "", false
	}
	return repository, version, true
}

// sendReply publishes the JSON encoding of reply to the reply subject; an
// empty subject means fire-and-forget.
func (h *Handler) sendReply(reply string, payload interface{}) {
	if reply == "" {
		klog.V(4).InfoS("No reply subject was sent, skipping reply")
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		// All replies are constructed here, so this should never fire.
		klog.ErrorS(err, "Unable to encode reply")
		return
	}
	if err := h.publisher.Publish(reply, data); err != nil {
		klog.ErrorS(err, "Unable to send reply", "subject", reply)
	}
}

// sendError answers with the error reply shape every result enum shares.
func (h *Handler) sendError(reply string, message string) {
	h.sendReply(reply, map[string]string{
		"result":  "error",
		"message": message,
	})
}
