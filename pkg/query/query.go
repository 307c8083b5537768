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

// Package query answers the read operations over a user's mapping tree:
// which assets a user may reach under a node, and which children of a node
// the user may see. Reads can demand a fresh tree or accept the rows as
// they are stored.
package query

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/bastionlabs/grantree/pkg/appctx"
	"github.com/bastionlabs/grantree/pkg/errtypes"
	"github.com/bastionlabs/grantree/pkg/grant"
	"github.com/bastionlabs/grantree/pkg/lock"
	"github.com/bastionlabs/grantree/pkg/mapping"
	"github.com/bastionlabs/grantree/pkg/nodekey"
	"github.com/bastionlabs/grantree/pkg/rebuild"
	"github.com/bastionlabs/grantree/pkg/scope"
	"github.com/bastionlabs/grantree/pkg/task"
	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
)

// CachePolicy controls how a read treats a possibly stale mapping tree.
type CachePolicy string

const (
	// PolicyStrict refreshes the user's tree before reading when a rebuild
	// task is pending.
	PolicyStrict CachePolicy = "0"

	// PolicyTolerant serves the stored rows as they are.
	PolicyTolerant CachePolicy = "1"
)

// Filter narrows asset listings. Search matches a case-insensitive
// substring of the hostname or the IP.
type Filter struct {
	Search string
}

// Paging selects a window of a listing. A Limit of zero or less returns
// everything from Offset on.
type Paging struct {
	Offset int
	Limit  int
}

// Page is one window of an asset listing. Total counts the matches before
// paging.
type Page struct {
	Assets []*grant.Asset
	Total  int
}

// Engine serves reads over the mapping trees.
type Engine struct {
	grants grant.Store
	rows   mapping.Store
	tasks  task.Store
	locks  lock.Manager
	runner *rebuild.Runner
	ttl    time.Duration
}

// Option configures an engine.
type Option func(*Engine)

// WithTTL overrides the lock TTL the engine derives its commit-wait bound
// from.
func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.ttl = ttl }
}

// New returns an engine reading mapping rows from rows, resolving assets
// through grants and refreshing stale trees through the runner.
func New(grants grant.Store, rows mapping.Store, tasks task.Store, locks lock.Manager, runner *rebuild.Runner, opts ...Option) *Engine {
	e := &Engine{
		grants: grants,
		rows:   rows,
		tasks:  tasks,
		locks:  locks,
		runner: runner,
		ttl:    lock.DefaultTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ListGrantedAssets returns the assets the user may reach under the node
// with the given key. An empty key means all granted assets. A key outside
// the user's mapping tree and under no granted ancestor returns
// errtypes.PermissionDenied.
func (e *Engine) ListGrantedAssets(ctx context.Context, sc scope.Org, userID, key string, f Filter, p Paging, policy CachePolicy) (*Page, error) {
	if err := e.ensureFresh(ctx, userID, policy); err != nil {
		return nil, err
	}

	var assets []*grant.Asset
	var err error
	if key == "" {
		assets, err = e.allGrantedAssets(ctx, sc, userID)
	} else {
		assets, err = e.grantedAssetsUnderKey(ctx, sc, userID, key)
	}
	if err != nil {
		return nil, err
	}

	return page(filterAssets(assets, f), p), nil
}

// allGrantedAssets unions the subtrees of every granted node with the
// directly granted assets.
func (e *Engine) allGrantedAssets(ctx context.Context, sc scope.Org, userID string) ([]*grant.Asset, error) {
	grantedRows, err := e.rows.List(ctx, scope.Root, userID, mapping.Filter{Granted: mapping.Bool(true)})
	if err != nil {
		return nil, err
	}

	union := newAssetSet()
	for _, row := range grantedRows {
		subtree, err := e.grants.AssetsBelowKey(ctx, sc, row.Key)
		if err != nil {
			return nil, err
		}
		union.add(subtree...)
	}

	directIDs, err := e.grants.AssetGrantedAssetIDs(ctx, sc, userID)
	if err != nil {
		return nil, err
	}
	direct, err := e.grants.AssetsByIDs(ctx, sc, directIDs)
	if err != nil {
		return nil, err
	}
	union.add(direct...)

	return union.slice(), nil
}

// grantedAssetsUnderKey resolves the assets reachable under one key. Three
// cases: the key sits below a granted row, the key itself carries a granted
// row, or the key's subtree is only partially covered.
func (e *Engine) grantedAssetsUnderKey(ctx context.Context, sc scope.Org, userID, key string) ([]*grant.Asset, error) {
	if err := nodekey.Validate(key); err != nil {
		return nil, err
	}

	row, err := e.rows.Get(ctx, scope.Root, userID, key)
	if err != nil {
		var notFound errtypes.IsNotFound
		if !errors.As(err, &notFound) {
			return nil, err
		}
		// not in the mapping tree: allowed only below a granted ancestor
		covered, err := e.rows.HasGrantedAmong(ctx, userID, nodekey.Ancestors(key))
		if err != nil {
			return nil, err
		}
		if !covered {
			return nil, errtypes.PermissionDenied(key)
		}
		return e.grants.AssetsBelowKey(ctx, sc, key)
	}

	if row.Granted {
		return e.grants.AssetsBelowKey(ctx, sc, key)
	}

	// partial cover: every granted subtree below the key, plus the directly
	// granted assets living in the key's asset-granted rows
	union := newAssetSet()

	grantedBelow, err := e.rows.List(ctx, scope.Root, userID, mapping.Filter{DescendantsOf: key, Granted: mapping.Bool(true)})
	if err != nil {
		return nil, err
	}
	for _, g := range grantedBelow {
		subtree, err := e.grants.AssetsBelowKey(ctx, sc, g.Key)
		if err != nil {
			return nil, err
		}
		union.add(subtree...)
	}

	assetGranted, err := e.rows.List(ctx, scope.Root, userID, mapping.Filter{
		DescendantsOf: key,
		Granted:       mapping.Bool(false),
		AssetGranted:  mapping.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	nodeIDs := make([]string, 0, len(assetGranted)+1)
	for _, s := range assetGranted {
		nodeIDs = append(nodeIDs, s.NodeID)
	}
	if row.AssetGranted {
		nodeIDs = append(nodeIDs, row.NodeID)
	}
	direct, err := e.grants.AssetsGrantedToUserInNodes(ctx, sc, userID, nodeIDs)
	if err != nil {
		return nil, err
	}
	union.add(direct...)

	return union.slice(), nil
}

// ListVisibleChildren returns the children of the node that appear in the
// user's mapping tree, counts included. An empty key returns the visible
// roots.
func (e *Engine) ListVisibleChildren(ctx context.Context, sc scope.Org, userID, key string, policy CachePolicy) ([]*mapping.Row, error) {
	if err := e.ensureFresh(ctx, userID, policy); err != nil {
		return nil, err
	}

	if key == "" {
		return e.rows.List(ctx, sc, userID, mapping.Filter{ParentKey: mapping.Parent("")})
	}
	if err := nodekey.Validate(key); err != nil {
		return nil, err
	}
	return e.rows.List(ctx, sc, userID, mapping.Filter{ParentKey: mapping.Parent(key)})
}

// ensureFresh rebuilds the user's tree inline when a task is pending and the
// policy demands freshness. A rebuild held by another worker in its writing
// stage surfaces as errtypes.AdminIsModifyingPerm; one in its committing
// stage is waited out for a bounded time. A waited-out holder may have
// rolled back after swapping stages, so the staleness check runs again
// after every wait.
func (e *Engine) ensureFresh(ctx context.Context, userID string, policy CachePolicy) error {
	if policy == PolicyTolerant {
		return nil
	}

	for attempt := 0; attempt < 3; attempt++ {
		pending, err := e.tasks.HasPendingForUser(ctx, userID)
		if err != nil {
			return err
		}
		if !pending {
			return nil
		}

		err = e.runner.RunForUser(ctx, userID)
		if err == nil {
			return nil
		}
		var busy errtypes.IsSomeoneIsDoingThis
		if !errors.As(err, &busy) {
			return err
		}

		value, held, err := e.locks.Peek(ctx, lock.KeyForUser(userID))
		if err != nil {
			return err
		}
		if held && lock.StageOf(value) == lock.StageDoing {
			return errtypes.AdminIsModifyingPerm(userID)
		}

		appctx.GetLogger(ctx).Debug().Str("user", userID).Msg("query: waiting for concurrent rebuild to commit")
		if err := e.waitForCommit(ctx, userID); err != nil {
			return err
		}
	}
	return errtypes.AdminIsModifyingPerm(userID)
}

// waitForCommit polls the user's lock until it is released. The committing
// stage is short, so the wait is bounded well below the lock TTL; a lock
// observed back in the writing stage means a new rebuild started.
func (e *Engine) waitForCommit(ctx context.Context, userID string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = e.ttl / 4

	o := func() error {
		value, held, err := e.locks.Peek(ctx, lock.KeyForUser(userID))
		if err != nil {
			return backoff.Permanent(err)
		}
		if !held {
			return nil
		}
		if lock.StageOf(value) == lock.StageDoing {
			return backoff.Permanent(errtypes.AdminIsModifyingPerm(userID))
		}
		return errStillCommitting
	}

	err := backoff.Retry(o, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}
	if err == errStillCommitting || err == ctx.Err() {
		// the wait bound ran out before the holder released the lock
		return errtypes.AdminIsModifyingPerm(userID)
	}
	return err
}

var errStillCommitting = errors.New("query: rebuild still committing")

// assetSet accumulates assets deduplicated by id, preserving no particular
// order; slice() returns them sorted by hostname then id.
type assetSet struct {
	byID map[string]*grant.Asset
}

func newAssetSet() *assetSet {
	return &assetSet{byID: map[string]*grant.Asset{}}
}

func (s *assetSet) add(assets ...*grant.Asset) {
	for _, a := range assets {
		s.byID[a.ID] = a
	}
}

func (s *assetSet) slice() []*grant.Asset {
	assets := make([]*grant.Asset, 0, len(s.byID))
	for _, a := range s.byID {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool {
		if assets[i].Hostname != assets[j].Hostname {
			return assets[i].Hostname < assets[j].Hostname
		}
		return assets[i].ID < assets[j].ID
	})
	return assets
}

func filterAssets(assets []*grant.Asset, f Filter) []*grant.Asset {
	if f.Search == "" {
		return assets
	}
	needle := strings.ToLower(f.Search)
	matched := make([]*grant.Asset, 0, len(assets))
	for _, a := range assets {
		if strings.Contains(strings.ToLower(a.Hostname), needle) || strings.Contains(a.IP, needle) {
			matched = append(matched, a)
		}
	}
	return matched
}

func page(assets []*grant.Asset, p Paging) *Page {
	total := len(assets)
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Offset > total {
		return &Page{Assets: []*grant.Asset{}, Total: total}
	}
	assets = assets[p.Offset:]
	if p.Limit > 0 && p.Limit < len(assets) {
		assets = assets[:p.Limit]
	}
	return &Page{Assets: assets, Total: total}
}
