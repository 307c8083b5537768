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

// Package grant defines the read model over the authoritative permission
// relations. A user is linked to a permission either directly or through a
// group; the permission in turn grants nodes (whole subtrees) and single
// assets.
package grant

import (
	"context"
	"strings"

	"github.com/bastionlabs/grantree/pkg/scope"
)

// Node is a node of the asset tree.
type Node struct {
	ID           string
	Key          string
	ParentKey    string
	Value        string
	AssetsAmount int
	OrgID        string
}

// Asset is a host that belongs to zero or more nodes.
type Asset struct {
	ID        string
	Hostname  string
	IP        string
	Platform  string
	Protocols []string
	OrgID     string
}

// HasProtocol reports whether the asset carries the named protocol.
// Protocol entries are stored as "name" or "name/port".
func (a *Asset) HasProtocol(name string) bool {
	for _, p := range a.Protocols {
		if p == name || strings.HasPrefix(p, name+"/") {
			return true
		}
	}
	return false
}

// AssetNodeRef records that an asset lives in a node.
type AssetNodeRef struct {
	AssetID string
	NodeID  string
	NodeKey string
}

// Store is the read-only projection over the authoritative tables. All
// operations run index-backed queries; none of them mutates state or keeps
// per-user state between calls.
type Store interface {
	// NodeGrantedNodes returns the nodes granted to the user through any
	// linked permission's node set.
	NodeGrantedNodes(ctx context.Context, sc scope.Org, userID string) ([]*Node, error)

	// AssetGrantedAssetIDs returns the ids of assets granted to the user
	// through any linked permission's asset set.
	AssetGrantedAssetIDs(ctx context.Context, sc scope.Org, userID string) ([]string, error)

	// AssetsBelowKey returns the assets living in the subtree rooted at the
	// key, the node with the key itself included.
	AssetsBelowKey(ctx context.Context, sc scope.Org, key string) ([]*Asset, error)

	// AssetsByIDs returns the assets with the given ids.
	AssetsByIDs(ctx context.Context, sc scope.Org, assetIDs []string) ([]*Asset, error)

	// AssetNodes returns the asset to node links for the given assets.
	AssetNodes(ctx context.Context, sc scope.Org, assetIDs []string) ([]AssetNodeRef, error)

	// NodesByKeys returns the nodes with the given keys.
	NodesByKeys(ctx context.Context, sc scope.Org, keys []string) ([]*Node, error)

	// UsersLinkedToPermission returns the users linked to the permission,
	// directly or through a group.
	UsersLinkedToPermission(ctx context.Context, permissionID string) ([]string, error)

	// UsersAffectedByGroup returns the members of the group.
	UsersAffectedByGroup(ctx context.Context, groupID string) ([]string, error)

	// UsersAffectedByAsset returns the users linked to any permission that
	// references the asset directly or grants a node covering it.
	UsersAffectedByAsset(ctx context.Context, assetID string) ([]string, error)

	// AssetsGrantedToUserInNodes returns the assets directly granted to the
	// user that live in one of the given nodes.
	AssetsGrantedToUserInNodes(ctx context.Context, sc scope.Org, userID string, nodeIDs []string) ([]*Asset, error)
}
