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

// Package memory implements the two-phase lock in process memory. It backs
// tests and single-process deployments; multi-process deployments need the
// redis driver.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/bastionlabs/grantree/pkg/lock"
	"github.com/bastionlabs/grantree/pkg/lock/registry"
)

func init() {
	registry.Register("memory", New)
}

type entry struct {
	value     string
	expiresAt time.Time
}

type manager struct {
	mu    sync.Mutex
	locks map[string]entry
}

// New returns an in-process lock manager. The configuration map is unused.
func New(_ map[string]interface{}) (lock.Manager, error) {
	return &manager{locks: map[string]entry{}}, nil
}

// current returns the live entry for the key, dropping it when expired.
// Callers must hold m.mu.
func (m *manager) current(key string) (entry, bool) {
	e, ok := m.locks[key]
	if !ok {
		return entry{}, false
	}
	if time.Now().After(e.expiresAt) {
		delete(m.locks, key)
		return entry{}, false
	}
	return e, true
}

func (m *manager) Acquire(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.current(key); held {
		return false, nil
	}
	m.locks[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (m *manager) ChangeState(_ context.Context, key, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, held := m.current(key)
	if !held || e.value != from {
		return false, nil
	}
	e.value = to
	m.locks[key] = e
	return true, nil
}

func (m *manager) Release(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, held := m.current(key)
	if !held {
		return nil
	}
	for _, v := range values {
		if e.value == v {
			delete(m.locks, key)
			return nil
		}
	}
	return nil
}

func (m *manager) Peek(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, held := m.current(key)
	if !held {
		return "", false, nil
	}
	return e.value, true, nil
}
