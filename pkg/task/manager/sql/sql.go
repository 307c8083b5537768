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

// Package sql implements the rebuild-task queue on the core-owned
// rebuild_user_tree_task table.
package sql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bastionlabs/grantree/pkg/errtypes"
	"github.com/bastionlabs/grantree/pkg/task"
	"github.com/pkg/errors"
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Manager owns the rebuild_user_tree_task table.
type Manager struct {
	driver string
	db     Querier
}

// New returns a task store writing through the given querier.
func New(driver string, db Querier) *Manager {
	return &Manager{driver: driver, db: db}
}

// WithTx returns a copy of the manager whose statements run in the
// transaction.
func (m *Manager) WithTx(tx *sql.Tx) *Manager {
	return New(m.driver, tx)
}

// CreateSchema creates the rebuild_user_tree_task table if it does not
// exist.
func (m *Manager) CreateSchema(ctx context.Context) error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if m.driver == "mysql" {
		idColumn = "id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY"
	}
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rebuild_user_tree_task (
		%s,
		user_id VARCHAR(36) NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`, idColumn)
	if _, err := m.db.ExecContext(ctx, stmt); err != nil {
		return errors.Wrap(err, "tasksql: error creating schema")
	}
	return m.createIndex(ctx, "idx_rebuild_task_user", "rebuild_user_tree_task", "user_id")
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
			return errors.Wrap(err, "tasksql: error probing index")
		}
		if count > 0 {
			return nil
		}
		_, err = m.db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX %s ON %s (%s)", name, table, columns))
		return errors.Wrap(err, "tasksql: error creating index")
	}
	_, err := m.db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, table, columns))
	return errors.Wrap(err, "tasksql: error creating index")
}

// Create inserts one task row per user id.
func (m *Manager) Create(ctx context.Context, userIDs []string) error {
	now := time.Now().UTC()
	for _, userID := range userIDs {
		_, err := m.db.ExecContext(ctx,
			"INSERT INTO rebuild_user_tree_task (user_id, created_at) VALUES (?, ?)",
			userID, now,
		)
		if err != nil {
			return errors.Wrapf(err, "tasksql: error creating task for user %s", userID)
		}
	}
	return nil
}

// OldestPending returns the oldest task whose user is not excluded, or
// errtypes.NotFound when no eligible task remains.
func (m *Manager) OldestPending(ctx context.Context, excludeUsers []string) (*task.Task, error) {
	query := "SELECT id, user_id, created_at FROM rebuild_user_tree_task"
	var args []interface{}
	if len(excludeUsers) > 0 {
		query += fmt.Sprintf(" WHERE user_id NOT IN (%s)", placeholders(len(excludeUsers)))
		for _, u := range excludeUsers {
			args = append(args, u)
		}
	}
	query += " ORDER BY id LIMIT 1"

	t := task.Task{}
	err := m.db.QueryRowContext(ctx, query, args...).Scan(&t.ID, &t.UserID, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errtypes.NotFound("no pending rebuild task")
	}
	if err != nil {
		return nil, errors.Wrap(err, "tasksql: oldest pending query failed")
	}
	return &t, nil
}

// MaxIDForUser returns the highest task id for the user, zero when none.
func (m *Manager) MaxIDForUser(ctx context.Context, userID string) (int64, error) {
	var id sql.NullInt64
	err := m.db.QueryRowContext(ctx,
		"SELECT MAX(id) FROM rebuild_user_tree_task WHERE user_id = ?", userID,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "tasksql: max id query failed")
	}
	return id.Int64, nil
}

// HasPendingForUser reports whether the user has a pending task.
func (m *Manager) HasPendingForUser(ctx context.Context, userID string) (bool, error) {
	var count int
	err := m.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM rebuild_user_tree_task WHERE user_id = ?", userID,
	).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "tasksql: pending for user query failed")
	}
	return count > 0, nil
}

// HasAnyPending reports whether any task is pending system wide.
func (m *Manager) HasAnyPending(ctx context.Context) (bool, error) {
	var count int
	err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rebuild_user_tree_task").Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "tasksql: pending query failed")
	}
	return count > 0, nil
}

// DeleteForUser removes the user's task rows with id up to and including
// upTo.
func (m *Manager) DeleteForUser(ctx context.Context, userID string, upTo int64) error {
	_, err := m.db.ExecContext(ctx,
		"DELETE FROM rebuild_user_tree_task WHERE user_id = ? AND id <= ?", userID, upTo,
	)
	return errors.Wrap(err, "tasksql: error deleting tasks")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
