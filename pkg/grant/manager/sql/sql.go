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

// Package sql implements the grant read model against a relational
// database. All queries are written to run on both mysql and sqlite3.
package sql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bastionlabs/grantree/pkg/appctx"
	"github.com/bastionlabs/grantree/pkg/grant"
	"github.com/bastionlabs/grantree/pkg/nodekey"
	"github.com/bastionlabs/grantree/pkg/scope"
	"github.com/pkg/errors"

	// Provides mysql drivers.
	_ "github.com/go-sql-driver/mysql"
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Passing a transaction makes every read observe the transaction's state.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Manager answers the grant read queries over the authoritative tables.
type Manager struct {
	driver string
	db     Querier
}

// NewMysql returns a grant store connected to a mysql database.
func NewMysql(dsn string) (*Manager, error) {
	sqldb, err := sql.Open("mysql", dsn+"?parseTime=true")
	if err != nil {
		return nil, errors.Wrap(err, "grantsql: error connecting to the database")
	}

	sqldb.SetConnMaxLifetime(time.Minute * 3)
	sqldb.SetConnMaxIdleTime(time.Second * 30)
	sqldb.SetMaxOpenConns(100)
	sqldb.SetMaxIdleConns(10)

	if err = sqldb.Ping(); err != nil {
		return nil, errors.Wrap(err, "grantsql: error connecting to the database")
	}

	return New("mysql", sqldb), nil
}

// New returns a grant store reading through the given querier.
func New(driver string, db Querier) *Manager {
	return &Manager{driver: driver, db: db}
}

// WithTx returns a copy of the manager whose reads run in the transaction.
func (m *Manager) WithTx(tx *sql.Tx) *Manager {
	return New(m.driver, tx)
}

// DB returns the underlying database handle, nil when the manager runs in a
// transaction.
func (m *Manager) DB() *sql.DB {
	db, _ := m.db.(*sql.DB)
	return db
}

// linkedPermissionsSQL selects the ids of permissions the user is linked to,
// directly or through a group. It consumes two user-id arguments.
const linkedPermissionsSQL = `
	SELECT pu.permission_id FROM permission_users pu WHERE pu.user_id = ?
	UNION
	SELECT pg.permission_id FROM permission_groups pg
	JOIN user_group_members m ON m.group_id = pg.group_id
	WHERE m.user_id = ?`

// Scannable describes the interface providing a Scan method
type Scannable interface {
	Scan(...interface{}) error
}

func (m *Manager) rowToNode(ctx context.Context, row Scannable) (*grant.Node, error) {
	n := grant.Node{}
	if err := row.Scan(&n.ID, &n.Key, &n.ParentKey, &n.Value, &n.AssetsAmount, &n.OrgID); err != nil {
		appctx.GetLogger(ctx).Error().Err(err).Msg("grantsql: could not scan node row")
		return nil, err
	}
	return &n, nil
}

func (m *Manager) rowToAsset(ctx context.Context, row Scannable) (*grant.Asset, error) {
	a := grant.Asset{}
	var protocols string
	if err := row.Scan(&a.ID, &a.Hostname, &a.IP, &a.Platform, &protocols, &a.OrgID); err != nil {
		appctx.GetLogger(ctx).Error().Err(err).Msg("grantsql: could not scan asset row")
		return nil, err
	}
	if protocols != "" {
		a.Protocols = strings.Fields(protocols)
	}
	return &a, nil
}

// NodeGrantedNodes returns the nodes granted to the user through any linked
// permission.
func (m *Manager) NodeGrantedNodes(ctx context.Context, sc scope.Org, userID string) ([]*grant.Node, error) {
	query := `
		SELECT DISTINCT n.id, n.node_key, n.parent_key, n.value, n.assets_amount, n.org_id
		FROM nodes n
		JOIN permission_nodes pn ON pn.node_id = n.id
		WHERE pn.permission_id IN (` + linkedPermissionsSQL + `)`
	args := []interface{}{userID, userID}
	if !sc.IsRoot() {
		query += " AND n.org_id = ?"
		args = append(args, string(sc))
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "grantsql: node granted nodes query failed")
	}
	defer rows.Close()

	var nodes []*grant.Node
	for rows.Next() {
		n, err := m.rowToNode(ctx, rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// AssetGrantedAssetIDs returns the ids of the assets granted to the user
// through any linked permission.
func (m *Manager) AssetGrantedAssetIDs(ctx context.Context, sc scope.Org, userID string) ([]string, error) {
	query := `
		SELECT DISTINCT a.id
		FROM assets a
		JOIN permission_assets pa ON pa.asset_id = a.id
		WHERE pa.permission_id IN (` + linkedPermissionsSQL + `)`
	args := []interface{}{userID, userID}
	if !sc.IsRoot() {
		query += " AND a.org_id = ?"
		args = append(args, string(sc))
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "grantsql: asset granted assets query failed")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AssetsBelowKey returns the assets whose node set intersects the subtree
// rooted at the key.
func (m *Manager) AssetsBelowKey(ctx context.Context, sc scope.Org, key string) ([]*grant.Asset, error) {
	query := `
		SELECT DISTINCT a.id, a.hostname, a.ip, a.platform, a.protocols, a.org_id
		FROM assets a
		JOIN asset_nodes an ON an.asset_id = a.id
		JOIN nodes n ON n.id = an.node_id
		WHERE (n.node_key = ? OR n.node_key LIKE ?)`
	args := []interface{}{key, nodekey.SubtreePattern(key)}
	if !sc.IsRoot() {
		query += " AND a.org_id = ?"
		args = append(args, string(sc))
	}

	return m.queryAssets(ctx, query, args...)
}

// AssetsByIDs returns the assets with the given ids.
func (m *Manager) AssetsByIDs(ctx context.Context, sc scope.Org, assetIDs []string) ([]*grant.Asset, error) {
	if len(assetIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT a.id, a.hostname, a.ip, a.platform, a.protocols, a.org_id
		FROM assets a
		WHERE a.id IN (%s)`, placeholders(len(assetIDs)))
	args := stringArgs(assetIDs)
	if !sc.IsRoot() {
		query += " AND a.org_id = ?"
		args = append(args, string(sc))
	}

	return m.queryAssets(ctx, query, args...)
}

// AssetNodes returns the asset to node links for the given assets.
func (m *Manager) AssetNodes(ctx context.Context, sc scope.Org, assetIDs []string) ([]grant.AssetNodeRef, error) {
	if len(assetIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT an.asset_id, n.id, n.node_key
		FROM asset_nodes an
		JOIN nodes n ON n.id = an.node_id
		WHERE an.asset_id IN (%s)`, placeholders(len(assetIDs)))
	args := stringArgs(assetIDs)
	if !sc.IsRoot() {
		query += " AND n.org_id = ?"
		args = append(args, string(sc))
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "grantsql: asset nodes query failed")
	}
	defer rows.Close()

	var refs []grant.AssetNodeRef
	for rows.Next() {
		var ref grant.AssetNodeRef
		if err := rows.Scan(&ref.AssetID, &ref.NodeID, &ref.NodeKey); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// NodesByKeys returns the nodes with the given keys.
func (m *Manager) NodesByKeys(ctx context.Context, sc scope.Org, keys []string) ([]*grant.Node, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT n.id, n.node_key, n.parent_key, n.value, n.assets_amount, n.org_id
		FROM nodes n
		WHERE n.node_key IN (%s)`, placeholders(len(keys)))
	args := stringArgs(keys)
	if !sc.IsRoot() {
		query += " AND n.org_id = ?"
		args = append(args, string(sc))
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "grantsql: nodes by keys query failed")
	}
	defer rows.Close()

	var nodes []*grant.Node
	for rows.Next() {
		n, err := m.rowToNode(ctx, rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// UsersLinkedToPermission returns the users linked to the permission,
// directly or through a group.
func (m *Manager) UsersLinkedToPermission(ctx context.Context, permissionID string) ([]string, error) {
	query := `
		SELECT pu.user_id FROM permission_users pu WHERE pu.permission_id = ?
		UNION
		SELECT m.user_id FROM permission_groups pg
		JOIN user_group_members m ON m.group_id = pg.group_id
		WHERE pg.permission_id = ?`

	return m.queryUserIDs(ctx, query, permissionID, permissionID)
}

// UsersAffectedByGroup returns the members of the group.
func (m *Manager) UsersAffectedByGroup(ctx context.Context, groupID string) ([]string, error) {
	return m.queryUserIDs(ctx, "SELECT user_id FROM user_group_members WHERE group_id = ?", groupID)
}

// UsersAffectedByAsset returns the users linked to any permission that
// references the asset directly or grants a node covering it. Covering
// nodes are the ancestors-or-self of the nodes the asset lives in.
func (m *Manager) UsersAffectedByAsset(ctx context.Context, assetID string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT n.node_key FROM nodes n
		JOIN asset_nodes an ON an.node_id = n.id
		WHERE an.asset_id = ?`, assetID)
	if err != nil {
		return nil, errors.Wrap(err, "grantsql: asset node keys query failed")
	}
	defer rows.Close()

	covering := map[string]struct{}{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		covering[key] = struct{}{}
		for _, ancestor := range nodekey.Ancestors(key) {
			covering[ancestor] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(covering))
	for key := range covering {
		keys = append(keys, key)
	}

	query := `
		SELECT DISTINCT pa.permission_id FROM permission_assets pa WHERE pa.asset_id = ?`
	args := []interface{}{assetID}
	if len(keys) > 0 {
		query += fmt.Sprintf(`
		UNION
		SELECT DISTINCT pn.permission_id FROM permission_nodes pn
		JOIN nodes n ON n.id = pn.node_id
		WHERE n.node_key IN (%s)`, placeholders(len(keys)))
		args = append(args, stringArgs(keys)...)
	}

	userQuery := `
		SELECT pu.user_id FROM permission_users pu WHERE pu.permission_id IN (` + query + `)
		UNION
		SELECT m.user_id FROM permission_groups pg
		JOIN user_group_members m ON m.group_id = pg.group_id
		WHERE pg.permission_id IN (` + query + `)`

	return m.queryUserIDs(ctx, userQuery, append(args, args...)...)
}

// AssetsGrantedToUserInNodes returns the assets directly granted to the user
// that live in one of the given nodes.
func (m *Manager) AssetsGrantedToUserInNodes(ctx context.Context, sc scope.Org, userID string, nodeIDs []string) ([]*grant.Asset, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT DISTINCT a.id, a.hostname, a.ip, a.platform, a.protocols, a.org_id
		FROM assets a
		JOIN asset_nodes an ON an.asset_id = a.id
		JOIN permission_assets pa ON pa.asset_id = a.id
		WHERE an.node_id IN (%s)
		AND pa.permission_id IN (`+linkedPermissionsSQL+`)`, placeholders(len(nodeIDs)))
	args := append(stringArgs(nodeIDs), userID, userID)
	if !sc.IsRoot() {
		query += " AND a.org_id = ?"
		args = append(args, string(sc))
	}

	return m.queryAssets(ctx, query, args...)
}

func (m *Manager) queryAssets(ctx context.Context, query string, args ...interface{}) ([]*grant.Asset, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "grantsql: asset query failed")
	}
	defer rows.Close()

	var assets []*grant.Asset
	for rows.Next() {
		a, err := m.rowToAsset(ctx, rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (m *Manager) queryUserIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "grantsql: user id query failed")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, 0, len(values))
	for _, v := range values {
		args = append(args, v)
	}
	return args
}
