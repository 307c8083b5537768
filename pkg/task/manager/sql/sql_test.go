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
	tasksql "github.com/bastionlabs/grantree/pkg/task/manager/sql"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Manager", func() {
	var (
		ctx        context.Context
		testDbFile *os.File
		sqldb      *sql.DB
		mgr        *tasksql.Manager
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		testDbFile, err = os.CreateTemp("", "task-test-*.db")
		Expect(err).ToNot(HaveOccurred())
		Expect(testDbFile.Close()).To(Succeed())

		sqldb, err = sql.Open("sqlite3", testDbFile.Name())
		Expect(err).ToNot(HaveOccurred())

		mgr = tasksql.New("sqlite3", sqldb)
		Expect(mgr.CreateSchema(ctx)).To(Succeed())
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

	Describe("OldestPending", func() {
		It("returns not found on an empty queue", func() {
			_, err := mgr.OldestPending(ctx, nil)
			Expect(err).To(HaveOccurred())
			Expect(err).To(BeAssignableToTypeOf(errtypes.NotFound("")))
		})

		It("returns tasks in insertion order", func() {
			Expect(mgr.Create(ctx, []string{"u1", "u2"})).To(Succeed())

			t, err := mgr.OldestPending(ctx, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(t.UserID).To(Equal("u1"))
		})

		It("skips excluded users", func() {
			Expect(mgr.Create(ctx, []string{"u1", "u2"})).To(Succeed())

			t, err := mgr.OldestPending(ctx, []string{"u1"})
			Expect(err).ToNot(HaveOccurred())
			Expect(t.UserID).To(Equal("u2"))
		})

		It("returns not found when every user is excluded", func() {
			Expect(mgr.Create(ctx, []string{"u1"})).To(Succeed())

			_, err := mgr.OldestPending(ctx, []string{"u1"})
			Expect(err).To(BeAssignableToTypeOf(errtypes.NotFound("")))
		})
	})

	Describe("MaxIDForUser", func() {
		It("returns zero without tasks", func() {
			id, err := mgr.MaxIDForUser(ctx, "u1")
			Expect(err).ToNot(HaveOccurred())
			Expect(id).To(BeZero())
		})

		It("returns the highest id of the user", func() {
			Expect(mgr.Create(ctx, []string{"u1", "u2", "u1"})).To(Succeed())

			id, err := mgr.MaxIDForUser(ctx, "u1")
			Expect(err).ToNot(HaveOccurred())
			Expect(id).To(Equal(int64(3)))
		})
	})

	Describe("DeleteForUser", func() {
		It("deletes only up to the given id", func() {
			Expect(mgr.Create(ctx, []string{"u1"})).To(Succeed())
			upTo, err := mgr.MaxIDForUser(ctx, "u1")
			Expect(err).ToNot(HaveOccurred())

			// a task arriving mid-rebuild must survive
			Expect(mgr.Create(ctx, []string{"u1"})).To(Succeed())
			Expect(mgr.DeleteForUser(ctx, "u1", upTo)).To(Succeed())

			pending, err := mgr.HasPendingForUser(ctx, "u1")
			Expect(err).ToNot(HaveOccurred())
			Expect(pending).To(BeTrue())
		})

		It("leaves other users untouched", func() {
			Expect(mgr.Create(ctx, []string{"u1", "u2"})).To(Succeed())

			Expect(mgr.DeleteForUser(ctx, "u1", 99)).To(Succeed())

			pending, err := mgr.HasPendingForUser(ctx, "u2")
			Expect(err).ToNot(HaveOccurred())
			Expect(pending).To(BeTrue())
		})
	})

	Describe("pending checks", func() {
		It("reports per-user and global state", func() {
			anyPending, err := mgr.HasAnyPending(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(anyPending).To(BeFalse())

			Expect(mgr.Create(ctx, []string{"u1"})).To(Succeed())

			anyPending, err = mgr.HasAnyPending(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(anyPending).To(BeTrue())

			pending, err := mgr.HasPendingForUser(ctx, "u1")
			Expect(err).ToNot(HaveOccurred())
			Expect(pending).To(BeTrue())

			pending, err = mgr.HasPendingForUser(ctx, "u2")
			Expect(err).ToNot(HaveOccurred())
			Expect(pending).To(BeFalse())
		})
	})
})
