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

// Package storage exposes the model store over a pluggable driver.
package storage

import (
	"context"

	"github.com/lattice-dev/wadm/apis/v1alpha1"
	"github.com/lattice-dev/wadm/pkg/model"
	"github.com/lattice-dev/wadm/pkg/storage/driver"
)

// Store is the model store client; all request handling goes through it.
type Store struct {
	driver.Driver
}

// NewStorage wraps a storage driver.
func NewStorage(d driver.Driver) *Store {
	return &Store{d}
}

// Get fetches one model aggregate and its revision; nil when absent.
func (s *Store) Get(ctx context.Context, account, lattice, name string) (*model.StoredManifest, uint64, error) {
	return s.Driver.Get(ctx, driver.Key{Account: account, Lattice: lattice, Name: name})
}

// Set writes one model aggregate conditional on the revision last observed.
func (s *Store) Set(ctx context.Context, account, lattice, name string, sm *model.StoredManifest, revision uint64) error {
	return s.Driver.Set(ctx, driver.Key{Account: account, Lattice: lattice, Name: name}, sm, revision)
}

// Delete removes one model aggregate unconditionally.
func (s *Store) Delete(ctx context.Context, account, lattice, name string) error {
	return s.Driver.Delete(ctx, driver.Key{Account: account, Lattice: lattice, Name: name})
}

// List fetches every model aggregate of one lattice.
func (s *Store) List(ctx context.Context, account, lattice string) ([]model.StoredManifest, error) {
	return s.Driver.List(ctx, account, lattice)
}

// Summaries lists one summary row per stored model. Status defaults to
// undeployed; callers overlay the status log on top.
func (s *Store) Summaries(ctx context.Context, account, lattice string) ([]v1alpha1.ModelSummary, error) {
	stored, err := s.List(ctx, account, lattice)
	if err != nil {
		return nil, err
	}
	summaries := make([]v1alpha1.ModelSummary, 0, len(stored))
	for i := range stored {
		sm := &stored[i]
		current := sm.GetCurrent()
		if current == nil {
			continue
		}
		summaries = append(summaries, v1alpha1.ModelSummary{
			Name:            sm.Name(),
			Version:         current.Version(),
			Description:     current.Description(),
			DeployedVersion: sm.DeployedVersion,
			Status:          v1alpha1.StatusUndeployed,
		})
	}
	return summaries, nil
}
