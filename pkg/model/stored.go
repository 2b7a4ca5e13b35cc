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

// Package model holds the versioned manifest aggregate persisted per model name.
package model

import (
	"github.com/lattice-dev/wadm/apis/v1alpha1"
)

// StoredManifest is the durable aggregate of all manifest versions stored
// under one model name. Versions keeps insertion order and is the
// authoritative history; DeployedVersion, when nonempty, names the single
// version reconcilers should converge toward and always matches an element of
// Versions.
type StoredManifest struct {
	Versions        []v1alpha1.Manifest `json:"manifests"`
	DeployedVersion string              `json:"deployed_version,omitempty"`
}

// Name returns the model name shared by every stored version, or the empty
// string for an empty aggregate.
func (s *StoredManifest) Name() string {
	if len(s.Versions) == 0 {
		return ""
	}
	return s.Versions[0].Metadata.Name
}

// IsEmpty reports whether no versions are stored.
func (s *StoredManifest) IsEmpty() bool {
	return len(s.Versions) == 0
}

// Count returns the number of stored versions.
func (s *StoredManifest) Count() int {
	return len(s.Versions)
}

// AddVersion appends m iff no stored version carries the same version string,
// and reports whether it was added.
func (s *StoredManifest) AddVersion(m v1alpha1.Manifest) bool {
	if s.GetVersion(m.Version()) != nil {
		return false
	}
	s.Versions = append(s.Versions, m)
	return true
}

// GetVersion returns the stored manifest with the given version, or nil.
func (s *StoredManifest) GetVersion(version string) *v1alpha1.Manifest {
	for i := range s.Versions {
		if s.Versions[i].Version() == version {
			return &s.Versions[i]
		}
	}
	return nil
}

// GetCurrent returns the most recently added manifest, or nil when empty.
func (s *StoredManifest) GetCurrent() *v1alpha1.Manifest {
	if len(s.Versions) == 0 {
		return nil
	}
	return &s.Versions[len(s.Versions)-1]
}

// AllVersions returns every stored version string in insertion order.
func (s *StoredManifest) AllVersions() []string {
	versions := make([]string, 0, len(s.Versions))
	for i := range s.Versions {
		versions = append(versions, s.Versions[i].Version())
	}
	return versions
}

// DeleteVersion removes the stored manifest with the given version and
// reports whether anything was removed. Deleting the deployed version clears
// the deployed pointer; callers that need to notify reconcilers should
// compare against the pointer before deleting.
func (s *StoredManifest) DeleteVersion(version string) bool {
	for i := range s.Versions {
		if s.Versions[i].Version() != version {
			continue
		}
		s.Versions = append(s.Versions[:i], s.Versions[i+1:]...)
		if s.DeployedVersion == version {
			s.DeployedVersion = ""
		}
		return true
	}
	return false
}

// Deploy marks the given version as deployed and reports success. An empty
// version or the reserved latest literal targets the most recently added
// version.
func (s *StoredManifest) Deploy(version string) bool {
	if version == "" || version == v1alpha1.LatestVersion {
		current := s.GetCurrent()
		if current == nil {
			return false
		}
		s.DeployedVersion = current.Version()
		return true
	}
	if s.GetVersion(version) == nil {
		return false
	}
	s.DeployedVersion = version
	return true
}

// Undeploy clears the deployed pointer and reports whether the state changed.
func (s *StoredManifest) Undeploy() bool {
	if s.DeployedVersion == "" {
		return false
	}
	s.DeployedVersion = ""
	return true
}

// IsDeployed reports whether the given version is the deployed one.
func (s *StoredManifest) IsDeployed(version string) bool {
	return s.DeployedVersion != "" && s.DeployedVersion == version
}

// GetDeployed returns the deployed manifest, or nil when nothing is deployed.
func (s *StoredManifest) GetDeployed() *v1alpha1.Manifest {
	if s.DeployedVersion == "" {
		return nil
	}
	return s.GetVersion(s.DeployedVersion)
}
