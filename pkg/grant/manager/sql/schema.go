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

package sql

import (
	"context"
	"fmt"

	"github.com/bastionlabs/grantree/pkg/appctx"
	"github.com/bastionlabs/grantree/pkg/nodekey"
	"github.com/bastionlabs/grantree/pkg/scope"
	"github.com/pkg/errors"
)

// authoritativeSchema creates the shared tables the engine reads from. The
// write layer owns these in production; the bootstrap exists for development
// and test databases.
var authoritativeSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		username VARCHAR(128) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_groups (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		name VARCHAR(128) NOT NULL,
		org_id VARCHAR(36) NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS user_group_members (
		group_id VARCHAR(36) NOT NULL,
		user_id VARCHAR(36) NOT NULL,
		PRIMARY KEY (group_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS nodes (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		node_key VARCHAR(191) NOT NULL UNIQUE,
		parent_key VARCHAR(191) NOT NULL DEFAULT '',
		value VARCHAR(128) NOT NULL DEFAULT '',
		assets_amount INTEGER NOT NULL DEFAULT 0,
		org_id VARCHAR(36) NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS assets (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		hostname VARCHAR(128) NOT NULL,
		ip VARCHAR(45) NOT NULL DEFAULT '',
		platform VARCHAR(32) NOT NULL DEFAULT 'Linux',
		protocols VARCHAR(128) NOT NULL DEFAULT 'ssh/22',
		org_id VARCHAR(36) NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS asset_nodes (
		asset_id VARCHAR(36) NOT NULL,
		node_id VARCHAR(36) NOT NULL,
		PRIMARY KEY (asset_id, node_id)
	)`,
	`CREATE TABLE IF NOT EXISTS permissions (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		name VARCHAR(128) NOT NULL,
		org_id VARCHAR(36) NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS permission_users (
		permission_id VARCHAR(36) NOT NULL,
		user_id VARCHAR(36) NOT NULL,
		PRIMARY KEY (permission_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS permission_groups (
		permission_id VARCHAR(36) NOT NULL,
		group_id VARCHAR(36) NOT NULL,
		PRIMARY KEY (permission_id, group_id)
	)`,
	`CREATE TABLE IF NOT EXISTS permission_nodes (
		permission_id VARCHAR(36) NOT NULL,
		node_id VARCHAR(36) NOT NULL,
		PRIMARY KEY (permission_id, node_id)
	)`,
	`CREATE TABLE IF NOT EXISTS permission_assets (
		permission_id VARCHAR(36) NOT NULL,
		asset_id VARCHAR(36) NOT NULL,
		PRIMARY KEY (permission_id, asset_id)
	)`,
}

var authoritativeIndexes = []struct{ name, table, columns string }{
	{"idx_nodes_parent_key", "nodes", "parent_key"},
	{"idx_asset_nodes_node", "asset_nodes", "node_id"},
	{"idx_permission_users_user", "permission_users", "user_id"},
	{"idx_permission_groups_group", "permission_groups", "group_id"},
	{"idx_permission_nodes_node", "permission_nodes", "node_id"},
	{"idx_permission_assets_asset", "permission_assets", "asset_id"},
}

// CreateSchema creates the shared authoritative tables if they do not exist.
func (m *Manager) CreateSchema(ctx context.Context) error {
	for _, stmt := range authoritativeSchema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "grantsql: error creating schema")
		}
	}
	for _, idx := range authoritativeIndexes {
		if err := m.createIndex(ctx, idx.name, idx.table, idx.columns); err != nil {
			return err
		}
	}
	return nil
}

// createIndex creates the index unless it exists. MySQL has no IF NOT
// EXISTS for indexes, so that path probes information_schema first.
func (m *Manager) createIndex(ctx context.Context, name, table, columns string) error {
	if m.driver == "mysql" {
		var count int
		err := m.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM information_schema.statistics
			WHERE table_schema = DATABASE() AND table_name = ? AND index_name = ?`,
			table, name,
		).Scan(&count)
		if err != nil {
			return errors.Wrap(err, "grantsql: error probing index")
		}
		if count > 0 {
			return nil
		}
		_, err = m.db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX %s ON %s (%s)", name, table, columns))
		return errors.Wrap(err, "grantsql: error creating index")
	}
	_, err := m.db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, table, columns))
	return errors.Wrap(err, "grantsql: error creating index")
}

// BackfillNodes recomputes nodes.parent_key from the node key and
// nodes.assets_amount from the subtree asset count. It exists to migrate
// databases created before those columns were denormalized.
func (m *Manager) BackfillNodes(ctx context.Context) error {
	log := appctx.GetLogger(ctx)

	rows, err := m.db.QueryContext(ctx, "SELECT id, node_key FROM nodes")
	if err != nil {
		return errors.Wrap(err, "grantsql: error listing nodes for backfill")
	}
	defer rows.Close()

	type nodeRef struct {
		id  string
		key string
	}
	var refs []nodeRef
	for rows.Next() {
		var ref nodeRef
		if err := rows.Scan(&ref.id, &ref.key); err != nil {
			return err
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, ref := range refs {
		assets, err := m.AssetsBelowKey(ctx, scope.Root, ref.key)
		if err != nil {
			return err
		}
		_, err = m.db.ExecContext(ctx,
			"UPDATE nodes SET parent_key = ?, assets_amount = ? WHERE id = ?",
			nodekey.Parent(ref.key), len(assets), ref.id,
		)
		if err != nil {
			return errors.Wrap(err, "grantsql: error backfilling node")
		}
		log.Debug().Str("key", ref.key).Int("assets_amount", len(assets)).Msg("backfilled node")
	}
	return nil
}
