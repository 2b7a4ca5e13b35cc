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

package validation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "embed"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lattice-dev/wadm/apis/v1alpha1"
)

const (
	errFmtInvalidLabel        = "invalid OAM label or annotation key in manifest metadata: %q"
	errFmtDuplicateComponent  = "Duplicate component name in manifest: %s"
	errFmtDuplicateID         = "Duplicate component identifier in manifest: %s"
	errFmtDuplicateLinkTarget = "Duplicate target %s for component %s linkdef trait in manifest"
	errFmtMissingLinkTargets  = "The following capability component(s) are missing from the manifest: %v"
	errFmtEmptyVersion        = "manifest version cannot be empty"
	errFmtReservedVersion     = "manifest version %s is reserved and cannot be used, please set a different version"
)

//go:embed oam.schema.json
var oamSchemaJSON string

// The compiled schema is process-wide and built at most once; every validator
// call after the first shares it.
var (
	schemaOnce sync.Once
	oamSchema  *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft7
		if err := compiler.AddResource("oam.schema.json", strings.NewReader(oamSchemaJSON)); err != nil {
			schemaErr = errors.Wrap(err, "unable to load manifest schema")
			return
		}
		oamSchema, schemaErr = compiler.Compile("oam.schema.json")
	})
	return oamSchema, schemaErr
}

// Error is the single error kind produced by manifest validation. Its message
// names the first failing rule.
type Error struct {
	msg string
}

func (e *Error) Error() string {
	return e.msg
}

func newErrorf(format string, args ...interface{}) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err originated from manifest validation.
func IsValidationError(err error) bool {
	var verr *Error
	return errors.As(err, &verr)
}

// ValidateVersion checks that a manifest version string is usable: nonempty
// after trimming and not the reserved latest literal.
func ValidateVersion(version string) error {
	if strings.TrimSpace(version) == "" {
		return newErrorf(errFmtEmptyVersion)
	}
	if version == v1alpha1.LatestVersion {
		return newErrorf(errFmtReservedVersion, v1alpha1.LatestVersion)
	}
	return nil
}

// ValidateManifest checks one manifest against the OAM JSON schema and the
// uniqueness and referential-integrity rules, in order: schema, label and
// annotation keys, component name uniqueness, component identifier uniqueness,
// per-component link target uniqueness, and link target referential
// integrity. The first failing rule is returned as a validation Error; the
// check is side-effect free and idempotent.
func ValidateManifest(m *v1alpha1.Manifest) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "unable to serialize manifest for validation")
	}
	var instance interface{}
	if err := json.Unmarshal(raw, &instance); err != nil {
		return errors.Wrap(err, "unable to serialize manifest for validation")
	}
	if err := schema.Validate(instance); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return schemaError(verr)
		}
		return &Error{msg: err.Error()}
	}

	for key := range m.Metadata.Labels {
		if !ValidLabelKey(key) {
			return newErrorf(errFmtInvalidLabel, key)
		}
	}
	for key := range m.Metadata.Annotations {
		if !ValidLabelKey(key) {
			return newErrorf(errFmtInvalidLabel, key)
		}
	}

	componentNames := make(map[string]struct{})
	componentIDs := make(map[string]struct{})
	linkTargets := make(map[string]struct{})

	for _, component := range m.Spec.Components {
		if _, dup := componentNames[component.Name]; dup {
			return newErrorf(errFmtDuplicateComponent, component.Name)
		}
		componentNames[component.Name] = struct{}{}

		var id string
		switch props := component.Properties.(type) {
		case *v1alpha1.ComponentProperties:
			id = props.ID
		case *v1alpha1.CapabilityProperties:
			id = props.ID
		}
		if id != "" {
			if _, dup := componentIDs[id]; dup {
				return newErrorf(errFmtDuplicateID, id)
			}
			componentIDs[id] = struct{}{}
		}

		// Link targets must be unique within one component's traits; across
		// components the same target is fine.
		perComponentTargets := make(map[string]struct{})
		for _, trait := range component.Traits {
			link, ok := trait.Link()
			if !ok {
				continue
			}
			if _, dup := perComponentTargets[link.Target]; dup {
				return newErrorf(errFmtDuplicateLinkTarget, link.Target, component.Name)
			}
			perComponentTargets[link.Target] = struct{}{}
			linkTargets[link.Target] = struct{}{}
		}
	}

	var missing []string
	for target := range linkTargets {
		if _, ok := componentNames[target]; !ok {
			missing = append(missing, target)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return newErrorf(errFmtMissingLinkTargets, missing)
	}

	return nil
}

// schemaError flattens a jsonschema cause tree into one human-readable block
// naming the JSON pointer path of every failing instance.
func schemaError(verr *jsonschema.ValidationError) *Error {
	var sb strings.Builder
	sb.WriteString("Validation Error: \n")
	seen := make(map[string]struct{})
	for _, leaf := range leafCauses(verr) {
		path := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		fmt.Fprintf(&sb, "Should be able to parse object at: %s \n", path)
	}
	sb.WriteString("Please check for missing or incorrect elements")
	return &Error{msg: sb.String()}
}

func leafCauses(verr *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(verr.Causes) == 0 {
		return []*jsonschema.ValidationError{verr}
	}
	var leaves []*jsonschema.ValidationError
	for _, cause := range verr.Causes {
		leaves = append(leaves, leafCauses(cause)...)
	}
	return leaves
}
