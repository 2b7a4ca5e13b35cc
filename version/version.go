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

// Package version holds build metadata stamped in at link time.
package version

import "github.com/hashicorp/go-version"

// GitRevision is the commit of repo
var GitRevision = "UNKNOWN"

// WadmVersion is the version of the wadm binary.
var WadmVersion = "UNKNOWN"

// IsOfficialWadmVersion checks whether the provided version string follows a
// released wadm version pattern
func IsOfficialWadmVersion(versionStr string) bool {
	_, err := version.NewSemver(versionStr)
	return err == nil
}
