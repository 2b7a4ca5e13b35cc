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

package driver

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"

	"github.com/lattice-dev/wadm/pkg/model"
)

// NATSDriverName is the NATS JetStream KV storage driver name.
const NATSDriverName = "NATSKV"

// NATS stores model aggregates in a JetStream key/value bucket, using the
// bucket's per-key sequence as the CAS revision.
type NATS struct {
	kv jetstream.KeyValue
}

// NewNATSStorage wraps an existing KV bucket handle.
func NewNATSStorage(kv jetstream.KeyValue) *NATS {
	return &NATS{kv: kv}
}

// Name is the NATS storage driver name.
func (n *NATS) Name() string {
	return NATSDriverName
}

// Get fetches one aggregate and its KV revision; nil when the key is absent.
func (n *NATS) Get(ctx context.Context, key Key) (*model.StoredManifest, uint64, error) {
	entry, err := n.kv.Get(ctx, key.String())
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, nil
		}
		return nil, 0, errors.Wrapf(err, "unable to fetch model %s", key.Name)
	}
	sm := &model.StoredManifest{}
	if err := json.Unmarshal(entry.Value(), sm); err != nil {
		return nil, 0, errors.Wrapf(err, "unable to decode stored model %s", key.Name)
	}
	return sm, entry.Revision(), nil
}

// Set writes one aggregate with compare-and-set on the KV revision.
func (n *NATS) Set(ctx context.Context, key Key, sm *model.StoredManifest, revision uint64) error {
	data, err := json.Marshal(sm)
	if err != nil {
		return errors.Wrapf(err, "unable to encode model %s", key.Name)
	}
	if revision == 0 {
		_, err = n.kv.Create(ctx, key.String(), data)
	} else {
		_, err = n.kv.Update(ctx, key.String(), data, revision)
	}
	if err != nil {
		if isRevisionMismatch(err) {
			return ErrConflict
		}
		return errors.Wrapf(err, "unable to store model %s", key.Name)
	}
	return nil
}

// List fetches every aggregate stored under one account and lattice by
// scanning the bucket's key space for the lattice prefix.
func (n *NATS) List(ctx context.Context, account, lattice string) ([]model.StoredManifest, error) {
	keys, err := n.kv.Keys(ctx)
	if err != nil {
		// An empty bucket is an empty lattice, not a failure.
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "unable to list stored models")
	}
	prefix := Prefix(account, lattice)
	var out []model.StoredManifest
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := n.kv.Get(ctx, key)
		if err != nil {
			// The key may have been deleted between the scan and the read.
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, errors.Wrapf(err, "unable to fetch model key %s", key)
		}
		sm := model.StoredManifest{}
		if err := json.Unmarshal(entry.Value(), &sm); err != nil {
			return nil, errors.Wrapf(err, "unable to decode stored model key %s", key)
		}
		out = append(out, sm)
	}
	return out, nil
}

// Delete purges one aggregate and its KV history.
func (n *NATS) Delete(ctx context.Context, key Key) error {
	if err := n.kv.Purge(ctx, key.String()); err != nil {
		return errors.Wrapf(err, "unable to delete model %s", key.Name)
	}
	return nil
}

// isRevisionMismatch recognizes the JetStream wrong-last-sequence failure that
// signals a lost CAS race, for both Create and Update.
func isRevisionMismatch(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
