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

// Package driver defines the revisioned model store contract and its backends.
package driver

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/lattice-dev/wadm/pkg/model"
)

// ErrConflict is returned by Set when the expected revision no longer matches
// the stored row. The caller is expected to retry the whole request.
var ErrConflict = errors.New("storage revision conflict")

// DefaultAccount partitions models whose request did not carry an account.
const DefaultAccount = "default"

// Key identifies one stored model within an account and lattice.
type Key struct {
	Account string
	Lattice string
	Name    string
}

// String renders the dotted store key. Model names are restricted to
// [A-Za-z0-9_-], so the dot separator is unambiguous.
func (k Key) String() string {
	account := k.Account
	if account == "" {
		account = DefaultAccount
	}
	return strings.Join([]string{account, k.Lattice, k.Name}, ".")
}

// Prefix renders the key prefix shared by every model of one lattice.
func Prefix(account, lattice string) string {
	if account == "" {
		account = DefaultAccount
	}
	return account + "." + lattice + "."
}

// Driver is the revisioned get/set/list/delete contract backing the model
// store. Each row carries an opaque monotonic revision; Set is a compare-and-
// set against the revision last observed and fails with ErrConflict on a
// mismatch. A Get miss is reported as a nil aggregate, not an error.
type Driver interface {
	// Name returns the storage driver name.
	Name() string
	// Get fetches one aggregate and its revision; nil when absent.
	Get(ctx context.Context, key Key) (*model.StoredManifest, uint64, error)
	// Set writes one aggregate conditional on revision; revision 0 requires
	// the row to be absent.
	Set(ctx context.Context, key Key, sm *model.StoredManifest, revision uint64) error
	// List fetches every aggregate stored under one account and lattice.
	List(ctx context.Context, account, lattice string) ([]model.StoredManifest, error)
	// Delete removes one aggregate unconditionally.
	Delete(ctx context.Context, key Key) error
}
