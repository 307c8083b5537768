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

// Package events converts edge changes on the authoritative relations into
// rebuild tasks. The write layer reports every many-to-many change and
// permission deletion from inside its own database transaction; the bus
// computes the affected users and enqueues their tasks in that same
// transaction, so a committed change always has its tasks committed with
// it.
package events

import (
	"context"
	"database/sql"

	"github.com/bastionlabs/grantree/pkg/appctx"
	"github.com/bastionlabs/grantree/pkg/errtypes"
	grantsql "github.com/bastionlabs/grantree/pkg/grant/manager/sql"
	"github.com/bastionlabs/grantree/pkg/rebuild"
	tasksql "github.com/bastionlabs/grantree/pkg/task/manager/sql"
)

// Action is the kind of a many-to-many change.
type Action string

// Actions reported by the write layer.
const (
	PostAdd    Action = "post_add"
	PostRemove Action = "post_remove"
	PreClear   Action = "pre_clear"
)

// Relation identifies one of the watched many-to-many relations.
type Relation string

// Watched relations. The instance of a change is the forward side: the
// permission for permission.*, the group for group.members and the asset
// for asset.nodes.
const (
	RelationPermissionUsers  Relation = "permission.users"
	RelationPermissionGroups Relation = "permission.groups"
	RelationPermissionNodes  Relation = "permission.nodes"
	RelationPermissionAssets Relation = "permission.assets"
	RelationGroupMembers     Relation = "group.members"
	RelationAssetNodes       Relation = "asset.nodes"
)

// Change is one edge change on a watched relation.
type Change struct {
	Relation   Relation
	InstanceID string
	Action     Action
	PKSet      []string

	// Reverse marks a change reported from the reverse side of the
	// relation. Only asset.nodes allows it; the pk set then holds asset
	// ids and the instance is the node.
	Reverse bool
}

// Bus enqueues rebuild tasks for the users affected by upstream changes.
type Bus struct {
	driver string
	runner *rebuild.Runner
}

// NewBus returns a bus enqueueing into the given driver's task table and
// kicking the given runner after commits.
func NewBus(driver string, runner *rebuild.Runner) *Bus {
	return &Bus{driver: driver, runner: runner}
}

// OnM2MChange handles one edge change. It must run in the write layer's
// transaction; a returned error means the upstream change must not commit.
func (b *Bus) OnM2MChange(ctx context.Context, tx *sql.Tx, change Change) error {
	if change.Action == PreClear {
		// a clear carries no primary-key set, so the affected users cannot
		// be computed
		return errtypes.IllegalBulkOp(string(change.Relation) + ": pre_clear")
	}
	if change.Reverse && change.Relation != RelationAssetNodes {
		return errtypes.ReverseNotAllowed(string(change.Relation))
	}

	grants := grantsql.New(b.driver, tx)

	var affected []string
	var err error
	switch change.Relation {
	case RelationPermissionUsers, RelationGroupMembers:
		affected = change.PKSet
	case RelationPermissionGroups:
		for _, groupID := range change.PKSet {
			members, merr := grants.UsersAffectedByGroup(ctx, groupID)
			if merr != nil {
				return merr
			}
			affected = append(affected, members...)
		}
	case RelationPermissionNodes, RelationPermissionAssets:
		affected, err = grants.UsersLinkedToPermission(ctx, change.InstanceID)
	case RelationAssetNodes:
		assetIDs := []string{change.InstanceID}
		if change.Reverse {
			assetIDs = change.PKSet
		}
		for _, assetID := range assetIDs {
			users, aerr := grants.UsersAffectedByAsset(ctx, assetID)
			if aerr != nil {
				return aerr
			}
			affected = append(affected, users...)
		}
	default:
		return errtypes.IllegalBulkOp("unknown relation " + string(change.Relation))
	}
	if err != nil {
		return err
	}

	affected = dedupe(affected)
	if len(affected) == 0 {
		return nil
	}

	appctx.GetLogger(ctx).Debug().
		Str("relation", string(change.Relation)).
		Str("action", string(change.Action)).
		Int("users", len(affected)).
		Msg("events: enqueueing rebuild tasks")

	return tasksql.New(b.driver, tx).Create(ctx, affected)
}

// OnPermissionPreDelete handles a permission deletion. While any rebuild
// task is pending anywhere, deletion is refused so no running rebuild races
// against the disappearance of its source of truth. Otherwise the affected
// users are computed before the rows go away and their tasks are enqueued.
func (b *Bus) OnPermissionPreDelete(ctx context.Context, tx *sql.Tx, permissionID string) error {
	tasks := tasksql.New(b.driver, tx)

	pending, err := tasks.HasAnyPending(ctx)
	if err != nil {
		return err
	}
	if pending {
		b.runner.Submit(ctx)
		return errtypes.CannotRemovePermNow(permissionID)
	}

	affected, err := grantsql.New(b.driver, tx).UsersLinkedToPermission(ctx, permissionID)
	if err != nil {
		return err
	}
	if len(affected) == 0 {
		return nil
	}
	return tasks.Create(ctx, dedupe(affected))
}

// Committed signals that the write layer's transaction committed and the
// enqueued tasks are visible. It kicks the runner.
func (b *Bus) Committed(ctx context.Context) {
	b.runner.Submit(ctx)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	result := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}
