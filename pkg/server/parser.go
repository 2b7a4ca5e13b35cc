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

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/lattice-dev/wadm/apis/v1alpha1"
)

const (
	contentTypeHeader = "Content-Type"
	yamlContentType   = "application/yaml"
)

// Request is one decoded bus message. An empty Reply means fire-and-forget.
type Request struct {
	Subject string
	Reply   string
	Header  nats.Header
	Data    []byte
}

// ParseManifest decodes a put model payload. The payload is JSON unless the
// request carries a Content-Type header selecting YAML.
func ParseManifest(data []byte, header nats.Header) (*v1alpha1.Manifest, error) {
	if len(data) == 0 {
		return nil, errors.New("empty manifest payload")
	}
	m := &v1alpha1.Manifest{}
	if header.Get(contentTypeHeader) == yamlContentType {
		if err := yaml.Unmarshal(data, m); err != nil {
			return nil, errors.Wrap(err, "unable to decode YAML manifest")
		}
		return m, nil
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.Wrap(err, "unable to decode JSON manifest")
	}
	return m, nil
}
