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

	"github.com/bastionlabs/grantree/pkg/errtypes"
	grantsql "github.com/bastionlabs/grantree/pkg/grant/manager/sql"
	"github.com/bastionlabs/grantree/pkg/mapping"
	mappingsql "github.com/bastionlabs/grantree/pkg/mapping/manager/sql"
	"github.com/bastionlabs/grantree/pkg/scope"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Manager", func() {
	var (
		ctx        context.Context
		testDbFile *os.File
		sqldb      *sql.DB
		mgr        *mappingsql.Manager
	)

	row := func(nodeID, key, parentKey string, granted, assetGranted bool, amount int) *mapping.Row {
		return &mapping.Row{
			UserID:       "u1",
			NodeID:       nodeID,
			Key:          key,
			ParentKey:    parentKey,
			Granted:      granted,
			AssetGranted: assetGranted,
			AssetsAmount: amount,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		testDbFile, err = os.CreateTemp("", "mapping-test-*.db")
		Expect(err).ToNot(HaveOccurred())
		Expect(testDbFile.Close()).To(Succeed())

		sqldb, err = sql.Open("sqlite3", testDbFile.Name())
		Expect(err).ToNot(HaveOccurred())

		// the value column is joined in from the nodes table
		Expect(grantsql.New("sqlite3", sqldb).CreateSchema(ctx)).To(Succeed())
		mgr = mappingsql.New("sqlite3", sqldb)
		Expect(mgr.CreateSchema(ctx)).To(Succeed())

		for _, n := range [][3]string{
			{"n1", "1", "root"},
			{"n11", "1:2", "dev"},
			{"n111", "1:2:3", "web"},
			{"n2", "2", "ops"},
		} {
			parent := ""
			if n[1] == "1:2" {
				parent = "1"
			}
			if n[1] == "1:2:3" {
				parent = "1:2"
			}
			_, err := sqldb.ExecContext(ctx,
				"INSERT INTO nodes (id, node_key, parent_key, value, org_id) VALUES (?, ?, ?, ?, ?)",
				n[0], n[1], parent, n[2], "org-a",
			)
			Expect(err).ToNot(HaveOccurred())
		}

		Expect(mgr.Replace(ctx, "u1", []*mapping.Row{
			row("n1", "1", "", false, false, 3),
			row("n11", "1:2", "1", true, false, 3),
			row("n111", "1:2:3", "1:2", false, true, 1),
			row("n2", "2", "", false, false, 0),
		})).To(Succeed())
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

	Describe("List", func() {
		It("returns all rows of the user ordered by key", func() {
			rows, err := mgr.List(ctx, scope.Root, "u1", mapping.Filter{})
			Expect(err).ToNot(HaveOccurred())
			Expect(rows).To(HaveLen(4))
			Expect(rows[0].Key).To(Equal("1"))
			Expect(rows[1].Key).To(Equal("1:2"))
			Expect(rows[2].Key).To(Equal("1:2:3"))
			Expect(rows[3].Key).To(Equal("2"))
		})

		It("joins the node value", func() {
			rows, err := mgr.List(ctx, scope.Root, "u1", mapping.Filter{Key: "1:2"})
			Expect(err).ToNot(HaveOccurred())
			Expect(rows).To(HaveLen(1))
			Expect(rows[0].Value).To(Equal("dev"))
		})

		It("selects roots by empty parent key", func() {
			rows, err := mgr.List(ctx, scope.Root, "u1", mapping.Filter{ParentKey: mapping.Parent("")})
			Expect(err).ToNot(HaveOccurred())
			Expect(rows).To(HaveLen(2))
			Expect(rows[0].Key).To(Equal("1"))
			Expect(rows[1].Key).To(Equal("2"))
		})

		It("selects children by parent key", func() {
			rows, err := mgr.List(ctx, scope.Root, "u1", mapping.Filter{ParentKey: mapping.Parent("1:2")})
			Expect(err).ToNot(HaveOccurred())
			Expect(rows).To(HaveLen(1))
			Expect(rows[0].Key).To(Equal("1:2:3"))
		})

		It("selects strict descendants", func() {
			rows, err := mgr.List(ctx, scope.Root, "u1", mapping.Filter{DescendantsOf: "1"})
			Expect(err).ToNot(HaveOccurred())
			Expect(rows).To(HaveLen(2))
			Expect(rows[0].Key).To(Equal("1:2"))
			Expect(rows[1].Key).To(Equal("1:2:3"))
		})

		It("filters by flags", func() {
			granted, err := mgr.List(ctx, scope.Root, "u1", mapping.Filter{Granted: mapping.Bool(true)})
			Expect(err).ToNot(HaveOccurred())
			Expect(granted).To(HaveLen(1))
			Expect(granted[0].Key).To(Equal("1:2"))

			assetGranted, err := mgr.List(ctx, scope.Root, "u1", mapping.Filter{AssetGranted: mapping.Bool(true)})
			Expect(err).ToNot(HaveOccurred())
			Expect(assetGranted).To(HaveLen(1))
			Expect(assetGranted[0].Key).To(Equal("1:2:3"))
		})

		It("scopes by organization", func() {
			_, err := sqldb.ExecContext(ctx, "UPDATE nodes SET org_id = 'org-b' WHERE id = 'n2'")
			Expect(err).ToNot(HaveOccurred())

			rows, err := mgr.List(ctx, scope.Org("org-a"), "u1", mapping.Filter{})
			Expect(err).ToNot(HaveOccurred())
			Expect(rows).To(HaveLen(3))
		})

		It("does not leak rows of other users", func() {
			rows, err := mgr.List(ctx, scope.Root, "u2", mapping.Filter{})
			Expect(err).ToNot(HaveOccurred())
			Expect(rows).To(BeEmpty())
		})
	})

	Describe("Get", func() {
		It("returns the row", func() {
			r, err := mgr.Get(ctx, scope.Root, "u1", "1:2")
			Expect(err).ToNot(HaveOccurred())
			Expect(r.Granted).To(BeTrue())
			Expect(r.AssetsAmount).To(Equal(3))
		})

		It("returns not found for an absent key", func() {
			_, err := mgr.Get(ctx, scope.Root, "u1", "9")
			Expect(err).To(HaveOccurred())
			Expect(err).To(BeAssignableToTypeOf(errtypes.NotFound("")))
		})
	})

	Describe("HasGrantedAmong", func() {
		It("reports a granted key", func() {
			ok, err := mgr.HasGrantedAmong(ctx, "u1", []string{"1", "1:2"})
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		It("ignores non-granted keys", func() {
			ok, err := mgr.HasGrantedAmong(ctx, "u1", []string{"1", "1:2:3"})
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("handles an empty key list", func() {
			ok, err := mgr.HasGrantedAmong(ctx, "u1", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Replace", func() {
		It("swaps the full row set", func() {
			Expect(mgr.Replace(ctx, "u1", []*mapping.Row{
				row("n2", "2", "", true, false, 5),
			})).To(Succeed())

			rows, err := mgr.List(ctx, scope.Root, "u1", mapping.Filter{})
			Expect(err).ToNot(HaveOccurred())
			Expect(rows).To(HaveLen(1))
			Expect(rows[0].Key).To(Equal("2"))
			Expect(rows[0].AssetsAmount).To(Equal(5))
		})

		It("accepts an empty replacement", func() {
			Expect(mgr.Replace(ctx, "u1", nil)).To(Succeed())

			rows, err := mgr.List(ctx, scope.Root, "u1", mapping.Filter{})
			Expect(err).ToNot(HaveOccurred())
			Expect(rows).To(BeEmpty())
		})

		It("leaves other users untouched", func() {
			Expect(mgr.Replace(ctx, "u2", []*mapping.Row{
				{UserID: "u2", NodeID: "n1", Key: "1"},
			})).To(Succeed())
			Expect(mgr.Replace(ctx, "u1", nil)).To(Succeed())

			rows, err := mgr.List(ctx, scope.Root, "u2", mapping.Filter{})
			Expect(err).ToNot(HaveOccurred())
			Expect(rows).To(HaveLen(1))
		})
	})

	Describe("DeleteForUser", func() {
		It("removes the user's rows", func() {
			Expect(mgr.DeleteForUser(ctx, "u1")).To(Succeed())

			rows, err := mgr.List(ctx, scope.Root, "u1", mapping.Filter{})
			Expect(err).ToNot(HaveOccurred())
			Expect(rows).To(BeEmpty())
		})
	})
})
