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

// Package sql implements the mapping-tree store on the core-owned
// mapping_node table.
package sql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/bastionlabs/grantree/pkg/errtypes"
	"github.com/bastionlabs/grantree/pkg/mapping"
	"github.com/bastionlabs/grantree/pkg/nodekey"
	"github.com/bastionlabs/grantree/pkg/scope"
	"github.com/pkg/errors"
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Manager owns the mapping_node table.
type Manager struct {
	driver string
	db     Querier
}

// New returns a mapping store writing through the given querier.
func New(driver string, db Querier) *Manager {
	return &Manager{driver: driver, db: db}
}

// WithTx returns a copy of the manager whose statements run in the
// transaction. Replace calls on the copy rely on the caller's commit.
func (m *Manager) WithTx(tx *sql.Tx) *Manager {
	return New(m.driver, tx)
}

const schema = `CREATE TABLE IF NOT EXISTS mapping_node (
	user_id VARCHAR(36) NOT NULL,
	node_id VARCHAR(36) NOT NULL,
	node_key VARCHAR(191) NOT NULL,
	parent_key VARCHAR(191) NOT NULL DEFAULT '',
	granted BOOLEAN NOT NULL DEFAULT FALSE,
	asset_granted BOOLEAN NOT NULL DEFAULT FALSE,
	assets_amount INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, node_key)
)`

// CreateSchema creates the mapping_node table if it does not exist.
func (m *Manager) CreateSchema(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "mappingsql: error creating schema")
	}
	if err := m.createIndex(ctx, "idx_mapping_node_parent", "mapping_node", "user_id, parent_key"); err != nil {
		return err
	}
	return m.createIndex(ctx, "idx_mapping_node_granted", "mapping_node", "user_id, granted")
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
			return errors.Wrap(err, "mappingsql: error probing index")
		}
		if count > 0 {
			return nil
		}
		_, err = m.db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX %s ON %s (%s)", name, table, columns))
		return errors.Wrap(err, "mappingsql: error creating index")
	}
	_, err := m.db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, table, columns))
	return errors.Wrap(err, "mappingsql: error creating index")
}

// Replace atomically swaps the user's mapping rows. When the manager is
// bound to a transaction the delete and inserts join it; otherwise a local
// transaction is used.
func (m *Manager) Replace(ctx context.Context, userID string, rows []*mapping.Row) error {
	if db, ok := m.db.(*sql.DB); ok {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "mappingsql: error starting transaction")
		}
		if err := m.WithTx(tx).Replace(ctx, userID, rows); err != nil {
			_ = tx.Rollback()
			return err
		}
		return errors.Wrap(tx.Commit(), "mappingsql: error committing replace")
	}

	if _, err := m.db.ExecContext(ctx, "DELETE FROM mapping_node WHERE user_id = ?", userID); err != nil {
		return errors.Wrap(err, "mappingsql: error deleting mapping rows")
	}
	for _, row := range rows {
		_, err := m.db.ExecContext(ctx, `
			INSERT INTO mapping_node (user_id, node_id, node_key, parent_key, granted, asset_granted, assets_amount)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			userID, row.NodeID, row.Key, row.ParentKey, row.Granted, row.AssetGranted, row.AssetsAmount,
		)
		if err != nil {
			return errors.Wrapf(err, "mappingsql: error inserting mapping row %s", row.Key)
		}
	}
	return nil
}

const selectRows = `
	SELECT mn.user_id, mn.node_id, mn.node_key, mn.parent_key, mn.granted, mn.asset_granted, mn.assets_amount, n.value
	FROM mapping_node mn
	JOIN nodes n ON n.id = mn.node_id
	WHERE mn.user_id = ?`

// List returns the user's mapping rows matching the filter, ordered by key.
func (m *Manager) List(ctx context.Context, sc scope.Org, userID string, f mapping.Filter) ([]*mapping.Row, error) {
	query := selectRows
	args := []interface{}{userID}

	if f.Key != "" {
		query += " AND mn.node_key = ?"
		args = append(args, f.Key)
	}
	if f.ParentKey != nil {
		query += " AND mn.parent_key = ?"
		args = append(args, *f.ParentKey)
	}
	if f.DescendantsOf != "" {
		query += " AND mn.node_key LIKE ?"
		args = append(args, nodekey.SubtreePattern(f.DescendantsOf))
	}
	if f.Granted != nil {
		query += " AND mn.granted = ?"
		args = append(args, *f.Granted)
	}
	if f.AssetGranted != nil {
		query += " AND mn.asset_granted = ?"
		args = append(args, *f.AssetGranted)
	}
	if !sc.IsRoot() {
		query += " AND n.org_id = ?"
		args = append(args, string(sc))
	}
	query += " ORDER BY mn.node_key"

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "mappingsql: list query failed")
	}
	defer rows.Close()

	var result []*mapping.Row
	for rows.Next() {
		row := mapping.Row{}
		if err := rows.Scan(&row.UserID, &row.NodeID, &row.Key, &row.ParentKey, &row.Granted, &row.AssetGranted, &row.AssetsAmount, &row.Value); err != nil {
			return nil, err
		}
		result = append(result, &row)
	}
	return result, rows.Err()
}

// Get returns the user's mapping row with the key, or errtypes.NotFound.
func (m *Manager) Get(ctx context.Context, sc scope.Org, userID, key string) (*mapping.Row, error) {
	rows, err := m.List(ctx, sc, userID, mapping.Filter{Key: key})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errtypes.NotFound(key)
	}
	return rows[0], nil
}

// HasGrantedAmong reports whether any of the keys carries a granted row for
// the user.
func (m *Manager) HasGrantedAmong(ctx context.Context, userID string, keys []string) (bool, error) {
	if len(keys) == 0 {
		return false, nil
	}
	query := fmt.Sprintf(
		"SELECT COUNT(*) FROM mapping_node WHERE user_id = ? AND granted = ? AND node_key IN (%s)",
		placeholders(len(keys)),
	)
	args := []interface{}{userID, true}
	for _, key := range keys {
		args = append(args, key)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, errors.Wrap(err, "mappingsql: granted ancestor query failed")
	}
	return count > 0, nil
}

// DeleteForUser removes all mapping rows of the user.
func (m *Manager) DeleteForUser(ctx context.Context, userID string) error {
	_, err := m.db.ExecContext(ctx, "DELETE FROM mapping_node WHERE user_id = ?", userID)
	return errors.Wrap(err, "mappingsql: error deleting mapping rows")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
