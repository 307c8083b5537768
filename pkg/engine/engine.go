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

// Package engine assembles the stores, the lock, the task runner, the
// invalidation bus and the query engine from one configuration map.
package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/bastionlabs/grantree/pkg/errtypes"
	"github.com/bastionlabs/grantree/pkg/events"
	grantsql "github.com/bastionlabs/grantree/pkg/grant/manager/sql"
	"github.com/bastionlabs/grantree/pkg/lock"
	"github.com/bastionlabs/grantree/pkg/lock/registry"
	mappingsql "github.com/bastionlabs/grantree/pkg/mapping/manager/sql"
	"github.com/bastionlabs/grantree/pkg/query"
	"github.com/bastionlabs/grantree/pkg/rebuild"
	tasksql "github.com/bastionlabs/grantree/pkg/task/manager/sql"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	// wired lock drivers
	_ "github.com/bastionlabs/grantree/pkg/lock/manager/memory"
	_ "github.com/bastionlabs/grantree/pkg/lock/manager/redis"
)

type config struct {
	// DBDriver is "mysql" in production; tests use "sqlite3".
	DBDriver string `mapstructure:"db_driver"`
	DBDSN    string `mapstructure:"db_dsn"`

	// LockDriver selects a registered lock implementation, "memory" by
	// default.
	LockDriver string                 `mapstructure:"lock_driver"`
	LockConfig map[string]interface{} `mapstructure:"lock_config"`

	// LockTTLSeconds bounds one rebuild; 0 keeps the default of 60s.
	LockTTLSeconds int `mapstructure:"lock_ttl_seconds"`

	// Workers sizes the runner's worker pool; 0 keeps the default of 4.
	Workers int `mapstructure:"workers"`
}

// Engine bundles the wired components of the granted-tree service.
type Engine struct {
	Grants  *grantsql.Manager
	Rows    *mappingsql.Manager
	Tasks   *tasksql.Manager
	Locks   lock.Manager
	Runner  *rebuild.Runner
	Bus     *events.Bus
	Queries *query.Engine

	db     *sql.DB
	driver string
}

// New wires an engine from a configuration map.
func New(m map[string]interface{}) (*Engine, error) {
	c := &config{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "engine: error decoding conf")
	}
	if c.LockDriver == "" {
		c.LockDriver = "memory"
	}

	var grants *grantsql.Manager
	var err error
	switch c.DBDriver {
	case "mysql":
		grants, err = grantsql.NewMysql(c.DBDSN)
		if err != nil {
			return nil, err
		}
	default:
		db, oerr := sql.Open(c.DBDriver, c.DBDSN)
		if oerr != nil {
			return nil, errors.Wrap(oerr, "engine: error opening db")
		}
		grants = grantsql.New(c.DBDriver, db)
	}
	db := grants.DB()

	f, ok := registry.NewFuncs[c.LockDriver]
	if !ok {
		return nil, errtypes.NotFound("lock driver " + c.LockDriver)
	}
	locks, err := f(c.LockConfig)
	if err != nil {
		return nil, err
	}

	ttl := lock.DefaultTTL
	if c.LockTTLSeconds > 0 {
		ttl = time.Duration(c.LockTTLSeconds) * time.Second
	}

	runnerOpts := []rebuild.RunnerOption{rebuild.WithTTL(ttl)}
	if c.Workers > 0 {
		runnerOpts = append(runnerOpts, rebuild.WithWorkers(c.Workers))
	}
	runner := rebuild.NewRunner(c.DBDriver, db, locks, runnerOpts...)

	rows := mappingsql.New(c.DBDriver, db)
	tasks := tasksql.New(c.DBDriver, db)

	return &Engine{
		Grants:  grants,
		Rows:    rows,
		Tasks:   tasks,
		Locks:   locks,
		Runner:  runner,
		Bus:     events.NewBus(c.DBDriver, runner),
		Queries: query.New(grants, rows, tasks, locks, runner, query.WithTTL(ttl)),
		db:      db,
		driver:  c.DBDriver,
	}, nil
}

// DB exposes the underlying handle, for write layers that report their
// changes to the bus from their own transactions.
func (e *Engine) DB() *sql.DB {
	return e.db
}

// CreateSchema creates the core-owned tables and, for dev and test
// databases, the shared authoritative tables.
func (e *Engine) CreateSchema(ctx context.Context) error {
	if err := e.Grants.CreateSchema(ctx); err != nil {
		return err
	}
	if err := e.Rows.CreateSchema(ctx); err != nil {
		return err
	}
	return e.Tasks.CreateSchema(ctx)
}
