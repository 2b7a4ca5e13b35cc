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
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/lattice-dev/wadm/apis/v1alpha1"
)

// DefaultNotifyPrefix is the subject prefix reconciler notifications are
// published under.
const DefaultNotifyPrefix = "wadm.internal"

// Publisher sends one message on a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Notifier tells reconcilers about deploy and undeploy decisions. Delivery is
// at least once; duplicate suppression is the reconciler's problem.
type Notifier interface {
	Deployed(lattice string, m v1alpha1.Manifest) error
	Undeployed(lattice, name string) error
}

// Notification event discriminators.
const (
	eventManifestDeployed   = "manifest_deployed"
	eventManifestUndeployed = "manifest_undeployed"
)

type manifestEvent struct {
	Type     string             `json:"type"`
	Name     string             `json:"name,omitempty"`
	Manifest *v1alpha1.Manifest `json:"manifest,omitempty"`
}

// ManifestNotifier publishes manifest events to the per-lattice notify subject.
type ManifestNotifier struct {
	prefix    string
	publisher Publisher
}

// NewManifestNotifier builds a notifier over a publisher; an empty prefix
// selects DefaultNotifyPrefix.
func NewManifestNotifier(prefix string, publisher Publisher) *ManifestNotifier {
	if prefix == "" {
		prefix = DefaultNotifyPrefix
	}
	return &ManifestNotifier{prefix: prefix, publisher: publisher}
}

func (n *ManifestNotifier) subject(lattice string) string {
	return fmt.Sprintf("%s.%s.notify", n.prefix, lattice)
}

// Deployed publishes the manifest reconcilers should converge toward.
func (n *ManifestNotifier) Deployed(lattice string, m v1alpha1.Manifest) error {
	data, err := json.Marshal(manifestEvent{
		Type:     eventManifestDeployed,
		Name:     m.Metadata.Name,
		Manifest: &m,
	})
	if err != nil {
		return errors.Wrap(err, "unable to encode deployed event")
	}
	return n.publisher.Publish(n.subject(lattice), data)
}

// Undeployed tells reconcilers the named model should no longer run.
func (n *ManifestNotifier) Undeployed(lattice, name string) error {
	data, err := json.Marshal(manifestEvent{
		Type: eventManifestUndeployed,
		Name: name,
	})
	if err != nil {
		return errors.Wrap(err, "unable to encode undeployed event")
	}
	return n.publisher.Publish(n.subject(lattice), data)
}
