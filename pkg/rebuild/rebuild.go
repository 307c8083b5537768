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

// Package rebuild recomputes a user's mapping tree from the authoritative
// grant relations and drains the rebuild-task queue.
package rebuild

import (
	"context"
	"sort"

	"github.com/bastionlabs/grantree/pkg/errtypes"
	"github.com/bastionlabs/grantree/pkg/grant"
	"github.com/bastionlabs/grantree/pkg/mapping"
	"github.com/bastionlabs/grantree/pkg/nodekey"
	"github.com/bastionlabs/grantree/pkg/scope"
)

// Rebuilder computes the complete replacement row set for one user. It
// always reads under the root scope so the mapping tree covers every
// organization the user has grants in.
type Rebuilder struct {
	grants grant.Store
}

// NewRebuilder returns a rebuilder reading from the given grant store.
func NewRebuilder(grants grant.Store) *Rebuilder {
	return &Rebuilder{grants: grants}
}

// leaf is the intermediate record for a node-granted or asset-granted node
// while the row set is being computed.
type leaf struct {
	nodeID       string
	key          string
	granted      bool
	assetGranted bool
}

// Rebuild returns the full mapping row set for the user, ordered by key.
// Re-running it without an upstream change in between produces an identical
// set.
func (r *Rebuilder) Rebuild(ctx context.Context, userID string) ([]*mapping.Row, error) {
	grantedNodes, err := r.grants.NodeGrantedNodes(ctx, scope.Root, userID)
	if err != nil {
		return nil, err
	}

	leaves := map[string]*leaf{}
	for _, n := range grantedNodes {
		if existing, ok := leaves[n.Key]; ok && existing.granted {
			// the same node must not be granted twice for one user
			return nil, errtypes.IntegrityViolation("node " + n.Key + " granted twice for user " + userID)
		}
		leaves[n.Key] = &leaf{nodeID: n.ID, key: n.Key, granted: true}
	}

	directAssetIDs, err := r.grants.AssetGrantedAssetIDs(ctx, scope.Root, userID)
	if err != nil {
		return nil, err
	}
	assetLocations, err := r.grants.AssetNodes(ctx, scope.Root, directAssetIDs)
	if err != nil {
		return nil, err
	}
	for _, ref := range assetLocations {
		if l, ok := leaves[ref.NodeKey]; ok {
			l.assetGranted = true
			continue
		}
		leaves[ref.NodeKey] = &leaf{nodeID: ref.NodeID, key: ref.NodeKey, assetGranted: true}
	}

	if len(leaves) == 0 {
		// a user without grants legally has an empty mapping tree
		return nil, nil
	}

	ancestorKeys := map[string]struct{}{}
	for key := range leaves {
		for _, ancestor := range nodekey.Ancestors(key) {
			if _, isLeaf := leaves[ancestor]; !isLeaf {
				ancestorKeys[ancestor] = struct{}{}
			}
		}
	}
	keys := make([]string, 0, len(ancestorKeys))
	for key := range ancestorKeys {
		keys = append(keys, key)
	}
	ancestorNodes, err := r.grants.NodesByKeys(ctx, scope.Root, keys)
	if err != nil {
		return nil, err
	}
	if len(ancestorNodes) != len(keys) {
		return nil, errtypes.IntegrityViolation("missing ancestor nodes for user " + userID)
	}

	// subtree asset ids per granted leaf; descending from a granted node
	// covers everything below it
	grantedSubtrees := map[string][]string{}
	for _, l := range leaves {
		if !l.granted {
			continue
		}
		assets, err := r.grants.AssetsBelowKey(ctx, scope.Root, l.key)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(assets))
		for _, a := range assets {
			ids = append(ids, a.ID)
		}
		grantedSubtrees[l.key] = ids
	}

	var rows []*mapping.Row
	for _, l := range leaves {
		rows = append(rows, &mapping.Row{
			UserID:       userID,
			NodeID:       l.nodeID,
			Key:          l.key,
			ParentKey:    nodekey.Parent(l.key),
			Granted:      l.granted,
			AssetGranted: l.assetGranted,
		})
	}
	for _, n := range ancestorNodes {
		rows = append(rows, &mapping.Row{
			UserID:    userID,
			NodeID:    n.ID,
			Key:       n.Key,
			ParentKey: n.ParentKey,
		})
	}

	for _, row := range rows {
		row.AssetsAmount = countAssets(row, grantedSubtrees, assetLocations)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
	return rows, nil
}

// countAssets computes the number of effective-granted assets rooted at the
// row's subtree. For a granted row that is every asset below it; for any
// other row it is the union of the granted subtrees below it and the
// directly granted assets living in its subtree, deduplicated.
func countAssets(row *mapping.Row, grantedSubtrees map[string][]string, assetLocations []grant.AssetNodeRef) int {
	if row.Granted {
		return len(grantedSubtrees[row.Key])
	}

	union := map[string]struct{}{}
	for key, ids := range grantedSubtrees {
		if nodekey.IsDescendant(key, row.Key) {
			for _, id := range ids {
				union[id] = struct{}{}
			}
		}
	}
	for _, ref := range assetLocations {
		if nodekey.InSubtree(ref.NodeKey, row.Key) {
			union[ref.AssetID] = struct{}{}
		}
	}
	return len(union)
}
