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

import (
	"encoding/json"

	"github.com/pkg/errors"
)

const (
	// ApplicationKind is the kind every manifest must carry.
	ApplicationKind = "Application"

	// LatestVersion is the reserved version literal that resolves to the most
	// recently put version of a model.
	LatestVersion = "latest"

	// VersionAnnotationKey is the metadata annotation carrying the manifest version.
	VersionAnnotationKey = "version"
	// DescriptionAnnotationKey is the metadata annotation carrying a human description.
	DescriptionAnnotationKey = "description"
)

// Component type discriminators. The older actor/provider spellings are
// accepted on read and preserved on write.
const (
	ComponentType  = "component"
	ActorType      = "actor"
	CapabilityType = "capability"
	ProviderType   = "provider"
)

// Trait type discriminators for link definitions.
const (
	LinkTraitType      = "linkdef"
	LinkTraitTypeAlias = "link"
)

// Manifest is a declarative Open Application Model document describing an
// application deployable to a lattice.
type Manifest struct {
	APIVersion string   `json:"apiVersion"`
	Kind       string   `json:"kind"`
	Metadata   Metadata `json:"metadata"`
	Spec       Spec     `json:"spec"`
}

// Metadata identifies a manifest and carries its labels and annotations.
type Metadata struct {
	Name        string            `json:"name"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// Spec holds the ordered component list of a manifest.
type Spec struct {
	Components []Component `json:"components"`
}

// Version returns the manifest version carried in the version annotation, or
// the empty string when unset.
func (m *Manifest) Version() string {
	return m.Metadata.Annotations[VersionAnnotationKey]
}

// Description returns the description annotation, or the empty string when unset.
func (m *Manifest) Description() string {
	return m.Metadata.Annotations[DescriptionAnnotationKey]
}

// Component is one addressable unit inside a manifest. Its properties are a
// tagged union discriminated by Type; unknown component types round-trip
// opaquely.
type Component struct {
	Name       string
	Type       string
	Properties Properties
	Traits     []Trait
}

// Properties is the component properties variant.
type Properties interface {
	isProperties()
}

// ComponentProperties are the properties of a regular (actor) component.
type ComponentProperties struct {
	Image  string                 `json:"image"`
	ID     string                 `json:"id,omitempty"`
	Config map[string]interface{} `json:"config,omitempty"`
}

func (*ComponentProperties) isProperties() {}

// CapabilityProperties are the properties of a capability provider component.
// The image ref has the shape repository:version.
type CapabilityProperties struct {
	Image  string                 `json:"image"`
	ID     string                 `json:"id,omitempty"`
	Config map[string]interface{} `json:"config,omitempty"`
}

func (*CapabilityProperties) isProperties() {}

// RawProperties preserve the properties of an unrecognized component type.
type RawProperties json.RawMessage

func (RawProperties) isProperties() {}

// MarshalJSON emits the preserved raw bytes unmodified.
func (p RawProperties) MarshalJSON() ([]byte, error) {
	return json.RawMessage(p).MarshalJSON()
}

// Capability returns the capability properties and true when this component is
// a capability provider.
func (c *Component) Capability() (*CapabilityProperties, bool) {
	p, ok := c.Properties.(*CapabilityProperties)
	return p, ok
}

// Actor returns the component properties and true when this component is a
// regular component.
func (c *Component) Actor() (*ComponentProperties, bool) {
	p, ok := c.Properties.(*ComponentProperties)
	return p, ok
}

type componentAlias struct {
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Traits     []Trait         `json:"traits,omitempty"`
}

// UnmarshalJSON decodes a component, selecting the properties variant by the
// type discriminator.
func (c *Component) UnmarshalJSON(data []byte) error {
	var alias componentAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	c.Name = alias.Name
	c.Type = alias.Type
	c.Traits = alias.Traits
	c.Properties = nil
	if len(alias.Properties) == 0 {
		return nil
	}
	switch alias.Type {
	case ComponentType, ActorType:
		props := &ComponentProperties{}
		if err := json.Unmarshal(alias.Properties, props); err != nil {
			return errors.Wrapf(err, "unable to decode properties of component %s", alias.Name)
		}
		c.Properties = props
	case CapabilityType, ProviderType:
		props := &CapabilityProperties{}
		if err := json.Unmarshal(alias.Properties, props); err != nil {
			return errors.Wrapf(err, "unable to decode properties of capability %s", alias.Name)
		}
		c.Properties = props
	default:
		raw := make(RawProperties, len(alias.Properties))
		copy(raw, alias.Properties)
		c.Properties = raw
	}
	return nil
}

// MarshalJSON re-emits the component with its original type discriminator.
func (c Component) MarshalJSON() ([]byte, error) {
	alias := componentAlias{
		Name:   c.Name,
		Type:   c.Type,
		Traits: c.Traits,
	}
	if c.Properties != nil {
		raw, err := json.Marshal(c.Properties)
		if err != nil {
			return nil, err
		}
		alias.Properties = raw
	}
	return json.Marshal(alias)
}

// Trait decorates a component. Its properties are a tagged union discriminated
// by Type; non-link traits round-trip opaquely.
type Trait struct {
	Type       string
	Properties TraitProperty
}

// TraitProperty is the trait properties variant.
type TraitProperty interface {
	isTraitProperty()
}

// LinkProperty is the properties variant of a link trait, naming another
// component in the same manifest as its target.
type LinkProperty struct {
	Target string            `json:"target"`
	Name   string            `json:"name,omitempty"`
	Values map[string]string `json:"values,omitempty"`
}

func (*LinkProperty) isTraitProperty() {}

// RawTraitProperty preserves the properties of an unrecognized trait type.
type RawTraitProperty json.RawMessage

func (RawTraitProperty) isTraitProperty() {}

// MarshalJSON emits the preserved raw bytes unmodified.
func (p RawTraitProperty) MarshalJSON() ([]byte, error) {
	return json.RawMessage(p).MarshalJSON()
}

// Link returns the link properties and true when this trait is a link definition.
func (t *Trait) Link() (*LinkProperty, bool) {
	p, ok := t.Properties.(*LinkProperty)
	return p, ok
}

type traitAlias struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// UnmarshalJSON decodes a trait, selecting the properties variant by the type
// discriminator.
func (t *Trait) UnmarshalJSON(data []byte) error {
	var alias traitAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	t.Type = alias.Type
	t.Properties = nil
	if len(alias.Properties) == 0 {
		return nil
	}
	switch alias.Type {
	case LinkTraitType, LinkTraitTypeAlias:
		props := &LinkProperty{}
		if err := json.Unmarshal(alias.Properties, props); err != nil {
			return errors.Wrap(err, "unable to decode link trait properties")
		}
		t.Properties = props
	default:
		raw := make(RawTraitProperty, len(alias.Properties))
		copy(raw, alias.Properties)
		t.Properties = raw
	}
	return nil
}

// MarshalJSON re-emits the trait with its original type discriminator.
func (t Trait) MarshalJSON() ([]byte, error) {
	alias := traitAlias{Type: t.Type}
	if t.Properties != nil {
		raw, err := json.Marshal(t.Properties)
		if err != nil {
			return nil, err
		}
		alias.Properties = raw
	}
	return json.Marshal(alias)
}
