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

// Package task defines the rebuild-task queue. A pending task row means the
// user's mapping tree needs a rebuild; multiple rows for one user coalesce
// into a single rebuild.
package task

import (
	"context"
	"time"
)

// Task requests a wholesale recomputation of one user's mapping tree.
type Task struct {
	ID        int64
	UserID    string
	CreatedAt time.Time
}

// Store owns the rebuild_user_tree_task table.
type Store interface {
	// Create inserts one task row per user id.
	Create(ctx context.Context, userIDs []string) error

	// OldestPending returns the oldest task whose user is not excluded, or
	// errtypes.NotFound when no eligible task remains.
	OldestPending(ctx context.Context, excludeUsers []string) (*Task, error)

	// MaxIDForUser returns the highest task id for the user, zero when none.
	MaxIDForUser(ctx context.Context, userID string) (int64, error)

	// HasPendingForUser reports whether the user has a pending task.
	HasPendingForUser(ctx context.Context, userID string) (bool, error)

	// HasAnyPending reports whether any task is pending system wide.
	HasAnyPending(ctx context.Context) (bool, error)

	// DeleteForUser removes the user's task rows with id up to and including
	// upTo.
	DeleteForUser(ctx context.Context, userID string, upTo int64) error
}
