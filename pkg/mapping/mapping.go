// Copyright 2020-2026 Bastion Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mapping defines the per-user denormalized projection of the
// granted tree. The rows for a user are the minimal set of nodes that are
// node-granted or asset-granted plus their ancestors; a granted row covers
// its whole subtree on its own.
package mapping

import (
	"context"

	"github.com/bastionlabs/grantree/pkg/scope"
)

// Row is one mapping-tree row for one user.
type Row struct {
	UserID    string
	NodeID    string
	Key       string
	ParentKey string

	// Granted marks a node-granted row. The entire subtree below the key is
	// authorized by this row alone.
	Granted bool

	// AssetGranted marks that at least one directly granted asset lives in
	// this node.
	AssetGranted bool

	// AssetsAmount is the number of effective-granted assets rooted at this
	// row's subtree.
	AssetsAmount int

	// Value is the display value of the node, joined in on reads. It is not
	// stored with the row.
	Value string
}

// Filter narrows List calls. Zero values leave the dimension unconstrained.
type Filter struct {
	Key           string  // exact key match
	ParentKey     *string // exact parent-key match, "" selects the roots
	DescendantsOf string  // strict descendants of this key
	Granted       *bool
	AssetGranted  *bool
}

// Store owns the mapping_node table.
type Store interface {
	// Replace atomically swaps the user's mapping rows for the given set.
	Replace(ctx context.Context, userID string, rows []*Row) error

	// List returns the user's mapping rows matching the filter.
	List(ctx context.Context, sc scope.Org, userID string, f Filter) ([]*Row, error)

	// Get returns the user's mapping row with the key, or errtypes.NotFound.
	Get(ctx context.Context, sc scope.Org, userID, key string) (*Row, error)

	// HasGrantedAmong reports whether any of the keys carries a granted row
	// for the user.
	HasGrantedAmong(ctx context.Context, userID string, keys []string) (bool, error)

	// DeleteForUser removes all mapping rows of the user.
	DeleteForUser(ctx context.Context, userID string) error
}

// Bool returns a pointer to b, for use in Filter.
func Bool(b bool) *bool {
	return &b
}

// Parent returns a pointer to key, for use in Filter.ParentKey.
func Parent(key string) *string {
	return &key
}
