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

// Package lock defines the named two-phase lock that serializes mapping-tree
// rebuilds per user. A holder acquires in the DOING stage, swaps to
// COMMITTING right before the outer transaction commits and releases after.
// Readers treat DOING as "admin is modifying" and COMMITTING as "a correct
// commit is imminent".
package lock

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stages of a held lock.
const (
	StageDoing      = "DOING"
	StageCommitting = "COMMITTING"
)

// DefaultTTL bounds how long a stuck worker can hold a lock.
const DefaultTTL = 60 * time.Second

// Manager is the named-lock contract.
type Manager interface {
	// Acquire takes the lock iff it has no other holder and sets its TTL.
	Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// ChangeState swaps the lock's value iff the current value is from. A
	// false return means the TTL expired and another holder took over.
	ChangeState(ctx context.Context, key, from, to string) (bool, error)

	// Release deletes the lock iff its current value matches one of the
	// given values.
	Release(ctx context.Context, key string, values ...string) error

	// Peek returns the current value of the lock and whether it is held.
	Peek(ctx context.Context, key string) (string, bool, error)
}

// KeyForUser returns the lock key serializing one user's rebuilds.
func KeyForUser(userID string) string {
	return "update_mapping_node_task:" + userID
}

// NewValue returns a lock value identifying holder and stage, of the form
// <stage>:<rand>:<worker>:<timestamp>.
func NewValue(stage string) string {
	return fmt.Sprintf("%s:%s:%s-%d:%d", stage, uuid.New().String(), hostname(), os.Getpid(), time.Now().UnixNano())
}

// StageOf extracts the stage from a lock value.
func StageOf(value string) string {
	if i := strings.Index(value, ":"); i > 0 {
		return value[:i]
	}
	return ""
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
