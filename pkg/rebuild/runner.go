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

package rebuild

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/bastionlabs/grantree/pkg/appctx"
	"github.com/bastionlabs/grantree/pkg/errtypes"
	grantsql "github.com/bastionlabs/grantree/pkg/grant/manager/sql"
	"github.com/bastionlabs/grantree/pkg/lock"
	mappingsql "github.com/bastionlabs/grantree/pkg/mapping/manager/sql"
	tasksql "github.com/bastionlabs/grantree/pkg/task/manager/sql"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Runner drains the rebuild-task queue. One runner exists per process;
// Submit is an idempotent kick that starts the worker pool when it is not
// already draining. Per-user serialization comes from the two-phase lock,
// so several runners in several processes stay correct.
type Runner struct {
	driver  string
	db      *sql.DB
	locks   lock.Manager
	grants  *grantsql.Manager
	rows    *mappingsql.Manager
	tasks   *tasksql.Manager
	ttl     time.Duration
	workers int

	mu      sync.Mutex
	running bool
}

// RunnerOption configures a runner.
type RunnerOption func(*Runner)

// WithTTL overrides the lock TTL.
func WithTTL(ttl time.Duration) RunnerOption {
	return func(r *Runner) { r.ttl = ttl }
}

// WithWorkers overrides the worker-pool size.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) { r.workers = n }
}

// NewRunner returns a runner draining tasks from the given database under
// the given lock namespace.
func NewRunner(driver string, db *sql.DB, locks lock.Manager, opts ...RunnerOption) *Runner {
	r := &Runner{
		driver:  driver,
		db:      db,
		locks:   locks,
		grants:  grantsql.New(driver, db),
		rows:    mappingsql.New(driver, db),
		tasks:   tasksql.New(driver, db),
		ttl:     lock.DefaultTTL,
		workers: 4,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit kicks the worker pool if it is idle. It returns immediately.
func (r *Runner) Submit(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	// the drain must outlive the request that kicked it; the trigger is
	// typically a write layer's post-commit hook whose context dies with
	// the request
	ctx = context.WithoutCancel(ctx)
	log := appctx.GetLogger(ctx)
	go func() {
		defer func() {
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
		}()

		g := errgroup.Group{}
		g.SetLimit(r.workers)
		for i := 0; i < r.workers; i++ {
			g.Go(func() error {
				r.Drain(ctx)
				return nil
			})
		}
		_ = g.Wait()
		log.Debug().Msg("rebuild: task queue drained")
	}()
}

// Drain processes pending tasks until no eligible task remains. Users whose
// rebuild failed are skipped for the remainder of this invocation; the next
// Submit retries them.
func (r *Runner) Drain(ctx context.Context) {
	log := appctx.GetLogger(ctx)
	var failed []string

	for {
		t, err := r.tasks.OldestPending(ctx, failed)
		if err != nil {
			var notFound errtypes.IsNotFound
			if !errors.As(err, &notFound) {
				log.Error().Err(err).Msg("rebuild: error fetching pending task")
			}
			return
		}

		if err := r.RunForUser(ctx, t.UserID); err != nil {
			var busy errtypes.IsSomeoneIsDoingThis
			if errors.As(err, &busy) {
				log.Debug().Str("user", t.UserID).Msg("rebuild: user locked by another worker, skipping")
			} else {
				log.Error().Err(err).Str("user", t.UserID).Msg("rebuild: rebuild failed")
			}
			failed = append(failed, t.UserID)
		}
	}
}

// RunForUser rebuilds the user's mapping tree, serialized by the two-phase
// lock. The replacement of the mapping rows and the deletion of the user's
// task rows commit in one transaction; the lock swaps from DOING to
// COMMITTING right before that commit.
func (r *Runner) RunForUser(ctx context.Context, userID string) (err error) {
	key := lock.KeyForUser(userID)
	doing := lock.NewValue(lock.StageDoing)
	committing := lock.NewValue(lock.StageCommitting)

	ok, err := r.locks.Acquire(ctx, key, doing, r.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return errtypes.SomeoneIsDoingThis(userID)
	}
	defer func() {
		if rerr := r.locks.Release(ctx, key, doing, committing); rerr != nil && err == nil {
			err = rerr
		}
	}()

	// tasks created after this point stay pending and trigger the next
	// rebuild
	upTo, err := r.tasks.MaxIDForUser(ctx, userID)
	if err != nil {
		return err
	}
	if upTo == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "rebuild: error starting transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := NewRebuilder(r.grants.WithTx(tx)).Rebuild(ctx, userID)
	if err != nil {
		return err
	}
	if err = r.rows.WithTx(tx).Replace(ctx, userID, rows); err != nil {
		return err
	}
	if err = r.tasks.WithTx(tx).DeleteForUser(ctx, userID, upTo); err != nil {
		return err
	}

	swapped, err := r.locks.ChangeState(ctx, key, doing, committing)
	if err != nil {
		return err
	}
	if !swapped {
		// the TTL expired while writing and another worker may hold the
		// lock now; the transaction must not commit
		appctx.GetLogger(ctx).Error().Str("user", userID).Msg("rebuild: lock expired before commit")
		return errtypes.LockTimeout(userID)
	}

	return errors.Wrap(tx.Commit(), "rebuild: error committing transaction")
}
