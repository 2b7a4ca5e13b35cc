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
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"k8s.io/klog/v2"

	"github.com/lattice-dev/wadm/apis/v1alpha1"
)

// StatusSubject renders the per-model status log subject. Status is keyed by
// lattice and name only; accounts do not partition it.
func StatusSubject(lattice, name string) string {
	return fmt.Sprintf("wadm.status.%s.%s", lattice, name)
}

// StatusReader reads the last status a reconciler reported for a model. A nil
// StatusInfo with a nil error means no (usable) status has been reported.
type StatusReader interface {
	GetStatus(ctx context.Context, lattice, name string) (*v1alpha1.StatusInfo, error)
}

// StreamStatusReader reads statuses from the append-only JetStream status
// stream. Reads fetch the last message on the subject from the cluster leader
// so a stale replica never masks a newer status.
type StreamStatusReader struct {
	stream jetstream.Stream
}

// NewStreamStatusReader wraps an existing status stream handle.
func NewStreamStatusReader(stream jetstream.Stream) *StreamStatusReader {
	return &StreamStatusReader{stream: stream}
}

// GetStatus decodes the base64 JSON payload of the last status message.
// Malformed payloads are treated as no status.
func (r *StreamStatusReader) GetStatus(ctx context.Context, lattice, name string) (*v1alpha1.StatusInfo, error) {
	raw, err := r.stream.GetLastMsgForSubject(ctx, StatusSubject(lattice, name))
	if err != nil {
		// No message on the subject means nothing was ever reported.
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(string(raw.Data))
	if err != nil {
		klog.V(2).InfoS("Ignoring undecodable status payload", "lattice", lattice, "model", name, "err", err)
		return nil, nil
	}
	info := &v1alpha1.StatusInfo{}
	if err := json.Unmarshal(decoded, info); err != nil {
		klog.V(2).InfoS("Ignoring malformed status payload", "lattice", lattice, "model", name, "err", err)
		return nil, nil
	}
	return info, nil
}
