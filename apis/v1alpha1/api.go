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

package v1alpha1

// PutResult is the result discriminator of a put model reply.
type PutResult string

// Valid PutResult values.
const (
	PutResultError      PutResult = "error"
	PutResultCreated    PutResult = "created"
	PutResultNewVersion PutResult = "newversion"
)

// GetResult is the result discriminator of get model and list versions replies.
type GetResult string

// Valid GetResult values.
const (
	GetResultError    GetResult = "error"
	GetResultSuccess  GetResult = "success"
	GetResultNotFound GetResult = "notfound"
)

// DeleteResult is the result discriminator of a delete model reply.
type DeleteResult string

// Valid DeleteResult values.
const (
	DeleteResultError   DeleteResult = "error"
	DeleteResultDeleted DeleteResult = "deleted"
	DeleteResultNoop    DeleteResult = "noop"
)

// DeployResult is the result discriminator of deploy and undeploy replies.
type DeployResult string

// Valid DeployResult values.
const (
	DeployResultError        DeployResult = "error"
	DeployResultAcknowledged DeployResult = "acknowledged"
	DeployResultNotFound     DeployResult = "notfound"
)

// StatusResult is the result discriminator of a model status reply.
type StatusResult string

// Valid StatusResult values.
const (
	StatusResultError    StatusResult = "error"
	StatusResultOK       StatusResult = "ok"
	StatusResultNotFound StatusResult = "notfound"
)

// StatusType is the lifecycle state a reconciler last reported for a model.
type StatusType string

// Valid StatusType values.
const (
	StatusUndeployed  StatusType = "undeployed"
	StatusReconciling StatusType = "reconciling"
	StatusDeployed    StatusType = "deployed"
	StatusFailed      StatusType = "failed"
	StatusWaiting     StatusType = "waiting"
)

// StatusInfo is one entry of the append-only status log.
type StatusInfo struct {
	StatusType StatusType `json:"status_type"`
	Message    string     `json:"message,omitempty"`
}

// PutModelResponse is the reply to a put model request.
type PutModelResponse struct {
	Result         PutResult `json:"result"`
	TotalVersions  int       `json:"total_versions"`
	CurrentVersion string    `json:"current_version"`
	Name           string    `json:"name"`
	Message        string    `json:"message"`
}

// GetModelRequest selects the version to fetch; an empty version means the
// most recently put one.
type GetModelRequest struct {
	Version string `json:"version,omitempty"`
}

// GetModelResponse is the reply to a get model request.
type GetModelResponse struct {
	Result   GetResult `json:"result"`
	Message  string    `json:"message"`
	Manifest *Manifest `json:"manifest,omitempty"`
}

// VersionInfo is one entry of a list versions reply, in insertion order.
type VersionInfo struct {
	Version  string `json:"version"`
	Deployed bool   `json:"deployed"`
}

// VersionResponse is the reply to a list versions request.
type VersionResponse struct {
	Result   GetResult     `json:"result"`
	Message  string        `json:"message"`
	Versions []VersionInfo `json:"versions"`
}

// DeleteModelRequest selects the version to delete; an empty version deletes
// the whole model.
type DeleteModelRequest struct {
	Version string `json:"version,omitempty"`
}

// DeleteModelResponse is the reply to a delete model request. Undeploy hints
// that the deletion removed the deployed version.
type DeleteModelResponse struct {
	Result   DeleteResult `json:"result"`
	Message  string       `json:"message"`
	Undeploy bool         `json:"undeploy"`
}

// DeployModelRequest selects the version to deploy; an empty version or the
// reserved literal latest resolves to the most recently put one.
type DeployModelRequest struct {
	Version string `json:"version,omitempty"`
}

// DeployModelResponse is the reply to deploy and undeploy requests.
type DeployModelResponse struct {
	Result  DeployResult `json:"result"`
	Message string       `json:"message"`
}

// UndeployModelRequest is the (empty) payload of an undeploy request.
type UndeployModelRequest struct{}

// ComponentStatus reports reconciler status for a single component of a model.
type ComponentStatus struct {
	Name string     `json:"name"`
	Info StatusInfo `json:"info"`
}

// Status is the full status of a model as reported by the status log.
type Status struct {
	Version string     `json:"version"`
	Info    StatusInfo `json:"info"`
	// Components is always empty for now; per-component status is not
	// populated by this control plane.
	Components []ComponentStatus `json:"components"`
}

// StatusResponse is the reply to a model status request.
type StatusResponse struct {
	Result  StatusResult `json:"result"`
	Message string       `json:"message"`
	Status  *Status      `json:"status,omitempty"`
}

// ModelSummary is one row of a list models reply.
type ModelSummary struct {
	Name            string     `json:"name"`
	Version         string     `json:"version"`
	Description     string     `json:"description,omitempty"`
	DeployedVersion string     `json:"deployed_version,omitempty"`
	Status          StatusType `json:"status"`
	StatusMessage   string     `json:"status_message,omitempty"`
}
