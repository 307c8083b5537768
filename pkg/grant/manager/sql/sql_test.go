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

package sql_test

import (
	"context"
	"database/sql"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bastionlabs/grantree/pkg/grant"
	grantsql "github.com/bastionlabs/grantree/pkg/grant/manager/sql"
	"github.com/bastionlabs/grantree/pkg/nodekey"
	"github.com/bastionlabs/grantree/pkg/scope"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Manager", func() {
	var (
		ctx        context.Context
		testDbFile *os.File
		sqldb      *sql.DB
		mgr        *grantsql.Manager
	)

	exec := func(query string, args ...interface{}) {
		_, err := sqldb.ExecContext(ctx, query, args...)
		ExpectWithOffset(1, err).ToNot(HaveOccurred())
	}

	addNode := func(id, key, value string) {
		exec("INSERT INTO nodes (id, node_key, parent_key, value) VALUES (?, ?, ?, ?)",
			id, key, nodekey.Parent(key), value)
	}

	addAsset := func(id, hostname string, nodeIDs ...string) {
		exec("INSERT INTO assets (id, hostname, ip) VALUES (?, ?, ?)", id, hostname, "10.0.0.1")
		for _, nodeID := range nodeIDs {
			exec("INSERT INTO asset_nodes (asset_id, node_id) VALUES (?, ?)", id, nodeID)
		}
	}

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		testDbFile, err = os.CreateTemp("", "grant-test-*.db")
		Expect(err).ToNot(HaveOccurred())
		Expect(testDbFile.Close()).To(Succeed())

		sqldb, err = sql.Open("sqlite3", testDbFile.Name())
		Expect(err).ToNot(HaveOccurred())

		mgr = grantsql.New("sqlite3", sqldb)
		Expect(mgr.CreateSchema(ctx)).To(Succeed())

		// tree: 1 > 1:2 > 1:2:3, assets A and B in 1:2, C in 1:2:3
		addNode("n1", "1", "root")
		addNode("n11", "1:2", "dev")
		addNode("n111", "1:2:3", "web")
		addAsset("A", "host-a", "n11")
		addAsset("B", "host-b", "n11")
		addAsset("C", "host-c", "n111")

		exec("INSERT INTO users (id, username) VALUES ('u1', 'alice')")
		exec("INSERT INTO users (id, username) VALUES ('u2', 'bob')")
		exec("INSERT INTO users (id, username) VALUES ('u3', 'carol')")
		exec("INSERT INTO user_groups (id, name) VALUES ('g1', 'admins')")
		exec("INSERT INTO user_group_members (group_id, user_id) VALUES ('g1', 'u2')")
	})

	AfterEach(func() {
		sqldb.Close()
		os.Remove(testDbFile.Name())
	})

	Describe("CreateSchema", func() {
		It("is idempotent", func() {
			Expect(mgr.CreateSchema(ctx)).To(Succeed())
		})
	})

	addPermission := func(id string, userIDs, groupIDs, nodeIDs, assetIDs []string) {
		exec("INSERT INTO permissions (id, name) VALUES (?, ?)", id, "perm-"+id)
		for _, u := range userIDs {
			exec("INSERT INTO permission_users (permission_id, user_id) VALUES (?, ?)", id, u)
		}
		for _, g := range groupIDs {
			exec("INSERT INTO permission_groups (permission_id, group_id) VALUES (?, ?)", id, g)
		}
		for _, n := range nodeIDs {
			exec("INSERT INTO permission_nodes (permission_id, node_id) VALUES (?, ?)", id, n)
		}
		for _, a := range assetIDs {
			exec("INSERT INTO permission_assets (permission_id, asset_id) VALUES (?, ?)", id, a)
		}
	}

	assetIDs := func(assets []*grant.Asset) []string {
		ids := []string{}
		for _, a := range assets {
			ids = append(ids, a.ID)
		}
		return ids
	}

	Describe("NodeGrantedNodes", func() {
		It("returns nodes granted directly", func() {
			addPermission("p1", []string{"u1"}, nil, []string{"n11"}, nil)

			nodes, err := mgr.NodeGrantedNodes(ctx, scope.Root, "u1")
			Expect(err).ToNot(HaveOccurred())
			Expect(nodes).To(HaveLen(1))
			Expect(nodes[0].Key).To(Equal("1:2"))
			Expect(nodes[0].ParentKey).To(Equal("1"))
		})

		It("returns nodes granted through a group", func() {
			addPermission("p1", nil, []string{"g1"}, []string{"n111"}, nil)

			nodes, err := mgr.NodeGrantedNodes(ctx, scope.Root, "u2")
			Expect(err).ToNot(HaveOccurred())
			Expect(nodes).To(HaveLen(1))
			Expect(nodes[0].Key).To(Equal("1:2:3"))
		})

		It("deduplicates a node granted by two permissions", func() {
			addPermission("p1", []string{"u1"}, nil, []string{"n11"}, nil)
			addPermission("p2", []string{"u1"}, nil, []string{"n11"}, nil)

			nodes, err := mgr.NodeGrantedNodes(ctx, scope.Root, "u1")
			Expect(err).ToNot(HaveOccurred())
			Expect(nodes).To(HaveLen(1))
		})

		It("returns nothing for an unlinked user", func() {
			addPermission("p1", []string{"u1"}, nil, []string{"n11"}, nil)

			nodes, err := mgr.NodeGrantedNodes(ctx, scope.Root, "u3")
			Expect(err).ToNot(HaveOccurred())
			Expect(nodes).To(BeEmpty())
		})

		It("filters by organization", func() {
			exec("INSERT INTO nodes (id, node_key, parent_key, value, org_id) VALUES ('n2', '2', '', 'other', 'org-b')")
			addPermission("p1", []string{"u1"}, nil, []string{"n11", "n2"}, nil)

			nodes, err := mgr.NodeGrantedNodes(ctx, scope.Org("org-b"), "u1")
			Expect(err).ToNot(HaveOccurred())
			Expect(nodes).To(HaveLen(1))
			Expect(nodes[0].Key).To(Equal("2"))
		})
	})

	Describe("AssetGrantedAssetIDs", func() {
		It("returns directly granted assets, direct and group links combined", func() {
			addPermission("p1", []string{"u2"}, nil, nil, []string{"A"})
			addPermission("p2", nil, []string{"g1"}, nil, []string{"C"})

			ids, err := mgr.AssetGrantedAssetIDs(ctx, scope.Root, "u2")
			Expect(err).ToNot(HaveOccurred())
			Expect(ids).To(ConsistOf("A", "C"))
		})
	})

	Describe("AssetsBelowKey", func() {
		It("returns the assets of the whole subtree", func() {
			assets, err := mgr.AssetsBelowKey(ctx, scope.Root, "1")
			Expect(err).ToNot(HaveOccurred())
			Expect(assetIDs(assets)).To(ConsistOf("A", "B", "C"))
		})

		It("includes assets of the node itself", func() {
			assets, err := mgr.AssetsBelowKey(ctx, scope.Root, "1:2:3")
			Expect(err).ToNot(HaveOccurred())
			Expect(assetIDs(assets)).To(ConsistOf("C"))
		})

		It("does not match sibling keys sharing a prefix", func() {
			addNode("n120", "1:20", "staging")
			addAsset("X", "host-x", "n120")

			assets, err := mgr.AssetsBelowKey(ctx, scope.Root, "1:2")
			Expect(err).ToNot(HaveOccurred())
			Expect(assetIDs(assets)).To(ConsistOf("A", "B", "C"))
		})
	})

	Describe("AssetNodes", func() {
		It("returns the locations of the given assets", func() {
			refs, err := mgr.AssetNodes(ctx, scope.Root, []string{"A", "C"})
			Expect(err).ToNot(HaveOccurred())
			Expect(refs).To(ConsistOf(
				grant.AssetNodeRef{AssetID: "A", NodeID: "n11", NodeKey: "1:2"},
				grant.AssetNodeRef{AssetID: "C", NodeID: "n111", NodeKey: "1:2:3"},
			))
		})

		It("returns nothing for an empty id list", func() {
			refs, err := mgr.AssetNodes(ctx, scope.Root, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(refs).To(BeEmpty())
		})
	})

	Describe("NodesByKeys", func() {
		It("returns the nodes with the given keys", func() {
			nodes, err := mgr.NodesByKeys(ctx, scope.Root, []string{"1", "1:2"})
			Expect(err).ToNot(HaveOccurred())
			Expect(nodes).To(HaveLen(2))
		})
	})

	Describe("UsersLinkedToPermission", func() {
		It("combines direct and group links without duplicates", func() {
			exec("INSERT INTO user_group_members (group_id, user_id) VALUES ('g1', 'u1')")
			addPermission("p1", []string{"u1"}, []string{"g1"}, nil, nil)

			users, err := mgr.UsersLinkedToPermission(ctx, "p1")
			Expect(err).ToNot(HaveOccurred())
			Expect(users).To(ConsistOf("u1", "u2"))
		})
	})

	Describe("UsersAffectedByGroup", func() {
		It("returns the members", func() {
			users, err := mgr.UsersAffectedByGroup(ctx, "g1")
			Expect(err).ToNot(HaveOccurred())
			Expect(users).To(ConsistOf("u2"))
		})
	})

	Describe("UsersAffectedByAsset", func() {
		It("finds users granted the asset directly", func() {
			addPermission("p1", []string{"u1"}, nil, nil, []string{"C"})

			users, err := mgr.UsersAffectedByAsset(ctx, "C")
			Expect(err).ToNot(HaveOccurred())
			Expect(users).To(ConsistOf("u1"))
		})

		It("finds users granted a node covering the asset", func() {
			// C lives in 1:2:3; a grant of the root node covers it
			addPermission("p1", []string{"u3"}, nil, []string{"n1"}, nil)

			users, err := mgr.UsersAffectedByAsset(ctx, "C")
			Expect(err).ToNot(HaveOccurred())
			Expect(users).To(ConsistOf("u3"))
		})

		It("finds users linked through a group", func() {
			addPermission("p1", nil, []string{"g1"}, []string{"n11"}, nil)

			users, err := mgr.UsersAffectedByAsset(ctx, "A")
			Expect(err).ToNot(HaveOccurred())
			Expect(users).To(ConsistOf("u2"))
		})

		It("ignores grants of unrelated subtrees", func() {
			addPermission("p1", []string{"u1"}, nil, []string{"n111"}, nil)

			users, err := mgr.UsersAffectedByAsset(ctx, "A")
			Expect(err).ToNot(HaveOccurred())
			Expect(users).To(BeEmpty())
		})
	})

	Describe("AssetsGrantedToUserInNodes", func() {
		It("intersects direct grants with node membership", func() {
			addPermission("p1", []string{"u1"}, nil, nil, []string{"A", "C"})

			assets, err := mgr.AssetsGrantedToUserInNodes(ctx, scope.Root, "u1", []string{"n11"})
			Expect(err).ToNot(HaveOccurred())
			Expect(assetIDs(assets)).To(ConsistOf("A"))
		})
	})

	Describe("BackfillNodes", func() {
		It("recomputes parent keys and asset counts", func() {
			exec("UPDATE nodes SET parent_key = 'wrong', assets_amount = 99 WHERE id = 'n11'")

			Expect(mgr.BackfillNodes(ctx)).To(Succeed())

			var parentKey string
			var amount int
			err := sqldb.QueryRowContext(ctx,
				"SELECT parent_key, assets_amount FROM nodes WHERE id = 'n11'",
			).Scan(&parentKey, &amount)
			Expect(err).ToNot(HaveOccurred())
			Expect(parentKey).To(Equal("1"))
			Expect(amount).To(Equal(3))
		})
	})
})
