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

package model

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattice-dev/wadm/apis/v1alpha1"
)

func manifest(name, version string) v1alpha1.Manifest {
	return v1alpha1.Manifest{
		APIVersion: "core.oam.dev/v1alpha1",
		Kind:       v1alpha1.ApplicationKind,
		Metadata: v1alpha1.Metadata{
			Name:        name,
			Annotations: map[string]string{v1alpha1.VersionAnnotationKey: version},
		},
	}
}

func TestAddVersionRejectsDuplicates(t *testing.T) {
	t.Parallel()
	sm := &StoredManifest{}
	require.True(t, sm.IsEmpty())
	require.True(t, sm.AddVersion(manifest("app", "v1")))
	require.False(t, sm.AddVersion(manifest("app", "v1")))
	require.True(t, sm.AddVersion(manifest("app", "v2")))
	require.Equal(t, 2, sm.Count())
	require.Equal(t, "app", sm.Name())
	require.Equal(t, []string{"v1", "v2"}, sm.AllVersions())
	require.Equal(t, "v2", sm.GetCurrent().Version())
}

func TestDeployTargets(t *testing.T) {
	t.Parallel()
	sm := &StoredManifest{}
	require.False(t, sm.Deploy(""), "deploy on empty aggregate must fail")

	require.True(t, sm.AddVersion(manifest("app", "v1")))
	require.True(t, sm.AddVersion(manifest("app", "v2")))

	require.False(t, sm.Deploy("v9"), "absent version must not deploy")
	require.Equal(t, "", sm.DeployedVersion)

	require.True(t, sm.Deploy("v1"))
	require.True(t, sm.IsDeployed("v1"))
	require.Equal(t, "v1", sm.GetDeployed().Version())

	// Empty and the latest literal both resolve to the newest version.
	require.True(t, sm.Deploy(""))
	require.True(t, sm.IsDeployed("v2"))
	require.True(t, sm.Deploy("v1"))
	require.True(t, sm.Deploy(v1alpha1.LatestVersion))
	require.True(t, sm.IsDeployed("v2"))
}

func TestUndeployIdempotent(t *testing.T) {
	t.Parallel()
	sm := &StoredManifest{}
	require.True(t, sm.AddVersion(manifest("app", "v1")))
	require.True(t, sm.Deploy("v1"))

	require.True(t, sm.Undeploy())
	require.False(t, sm.Undeploy(), "second undeploy reports no state change")
	require.Nil(t, sm.GetDeployed())
}

func TestDeleteVersionClearsDeployedPointer(t *testing.T) {
	t.Parallel()
	sm := &StoredManifest{}
	require.True(t, sm.AddVersion(manifest("app", "v1")))
	require.True(t, sm.AddVersion(manifest("app", "v2")))
	require.True(t, sm.Deploy("v1"))

	require.False(t, sm.DeleteVersion("v9"))
	require.True(t, sm.DeleteVersion("v1"))
	require.Equal(t, "", sm.DeployedVersion)
	require.Nil(t, sm.GetVersion("v1"))
	require.Equal(t, []string{"v2"}, sm.AllVersions())

	// Deleting a non-deployed version leaves the pointer alone.
	require.True(t, sm.AddVersion(manifest("app", "v3")))
	require.True(t, sm.Deploy("v3"))
	require.True(t, sm.DeleteVersion("v2"))
	require.Equal(t, "v3", sm.DeployedVersion)
}

// The aggregate invariants hold after any sequence of mutations: versions are
// pairwise distinct and the deployed pointer always matches a stored version.
func TestAggregateInvariants(t *testing.T) {
	t.Parallel()
	sm := &StoredManifest{}
	mutations := []func(){
		func() { sm.AddVersion(manifest("app", "v1")) },
		func() { sm.AddVersion(manifest("app", "v2")) },
		func() { sm.AddVersion(manifest("app", "v2")) },
		func() { sm.Deploy("v2") },
		func() { sm.DeleteVersion("v2") },
		func() { sm.Deploy("") },
		func() { sm.Undeploy() },
		func() { sm.AddVersion(manifest("app", "v3")) },
		func() { sm.Deploy(v1alpha1.LatestVersion) },
		func() { sm.DeleteVersion("v1") },
	}
	for _, mutate := range mutations {
		mutate()
		seen := map[string]struct{}{}
		for _, v := range sm.AllVersions() {
			_, dup := seen[v]
			require.False(t, dup, "duplicate version %s", v)
			seen[v] = struct{}{}
		}
		if sm.DeployedVersion != "" {
			require.NotNil(t, sm.GetVersion(sm.DeployedVersion))
		}
	}
}
