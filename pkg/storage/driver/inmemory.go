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
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/lattice-dev/wadm/pkg/model"
)

// InMemoryDriverName is the in-memory storage driver name.
const InMemoryDriverName = "InMemory"

type memoryEntry struct {
	data     []byte
	revision uint64
}

// InMemory keeps model aggregates in process memory with the same
// compare-and-set semantics as the NATS driver. Rows are stored serialized so
// callers never alias the stored aggregate.
type InMemory struct {
	mu       sync.Mutex
	rows     map[string]memoryEntry
	revision uint64
}

// NewInMemoryStorage returns an empty in-memory store.
func NewInMemoryStorage() *InMemory {
	return &InMemory{rows: make(map[string]memoryEntry)}
}

// Name is the in-memory storage driver name.
func (m *InMemory) Name() string {
	return InMemoryDriverName
}

// Get fetches one aggregate and its revision; nil when absent.
func (m *InMemory) Get(_ context.Context, key Key) (*model.StoredManifest, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.rows[key.String()]
	if !ok {
		return nil, 0, nil
	}
	sm := &model.StoredManifest{}
	if err := json.Unmarshal(entry.data, sm); err != nil {
		return nil, 0, errors.Wrapf(err, "unable to decode stored model %s", key.Name)
	}
	return sm, entry.revision, nil
}

// Set writes one aggregate conditional on the revision last observed.
func (m *InMemory) Set(_ context.Context, key Key, sm *model.StoredManifest, revision uint64) error {
	data, err := json.Marshal(sm)
	if err != nil {
		return errors.Wrapf(err, "unable to encode model %s", key.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.rows[key.String()]
	if !ok && revision != 0 {
		return ErrConflict
	}
	if ok && current.revision != revision {
		return ErrConflict
	}
	m.revision++
	m.rows[key.String()] = memoryEntry{data: data, revision: m.revision}
	return nil
}

// List fetches every aggregate stored under one account and lattice in key order.
func (m *InMemory) List(_ context.Context, account, lattice string) ([]model.StoredManifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := Prefix(account, lattice)
	keys := make([]string, 0, len(m.rows))
	for key := range m.rows {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := make([]model.StoredManifest, 0, len(keys))
	for _, key := range keys {
		sm := model.StoredManifest{}
		if err := json.Unmarshal(m.rows[key].data, &sm); err != nil {
			return nil, errors.Wrapf(err, "unable to decode stored model key %s", key)
		}
		out = append(out, sm)
	}
	return out, nil
}

// Delete removes one aggregate; deleting an absent key is not an error.
func (m *InMemory) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, key.String())
	return nil
}
