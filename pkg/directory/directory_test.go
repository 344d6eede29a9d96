// Copyright 2018-2023 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package directory_test

import (
	"context"
	"crypto/md5"
	"io"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hatrac/hatrac/pkg/client"
	"github.com/hatrac/hatrac/pkg/directory"
	"github.com/hatrac/hatrac/pkg/errtypes"
	"github.com/hatrac/hatrac/pkg/metadata"
	"github.com/hatrac/hatrac/pkg/storage"
	"github.com/hatrac/hatrac/pkg/storage/fs/filesystem"
)

var _ = Describe("Directory", func() {
	var (
		ctx context.Context
		d   *directory.Directory

		admin = &client.Client{ID: "admin"}
		alice = &client.Client{ID: "alice", Attributes: []string{"staff"}}
		anon  *client.Client
	)

	BeforeEach(func() {
		ctx = context.Background()

		backend, err := filesystem.New(map[string]interface{}{
			"storage_path": GinkgoT().TempDir(),
		})
		Expect(err).ToNot(HaveOccurred())

		d, err = directory.NewSQLite(filepath.Join(GinkgoT().TempDir(), "directory.db"), backend)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.Deploy(ctx, []string{"admin"})).To(Succeed())
	})

	AfterEach(func() {
		Expect(d.Close()).To(Succeed())
	})

	resolve := func(path string) *directory.Name {
		n, err := d.Resolve(ctx, path)
		Expect(err).ToNot(HaveOccurred())
		return n
	}

	mkObject := func(path string) *directory.Name {
		obj, err := d.CreateName(ctx, path, directory.SubtypeObject, true, admin)
		Expect(err).ToNot(HaveOccurred())
		return obj
	}

	putVersion := func(obj *directory.Name, body string, md metadata.Map) *directory.Version {
		v, err := d.CreateVersionFromReader(ctx, obj, strings.NewReader(body), int64(len(body)), md, admin)
		Expect(err).ToNot(HaveOccurred())
		return v
	}

	readVersion := func(v *directory.Version, sl *storage.Slice, c *client.Client) string {
		content, err := d.GetVersionContent(ctx, v, sl, c)
		Expect(err).ToNot(HaveOccurred())
		defer content.Body.Close()
		b, err := io.ReadAll(content.Body)
		Expect(err).ToNot(HaveOccurred())
		return string(b)
	}

	Describe("Deploy", func() {
		It("seeds the root namespace with its owners", func() {
			root := resolve("/")
			Expect(root.IsRoot()).To(BeTrue())

			roles, err := d.GetACL(ctx, root, "owner", admin)
			Expect(err).ToNot(HaveOccurred())
			Expect(roles).To(Equal([]string{"admin"}))
		})

		It("can be re-run on a deployed catalog", func() {
			Expect(d.Deploy(ctx, []string{"admin", "ops"})).To(Succeed())

			roles, err := d.GetACL(ctx, resolve("/"), "owner", admin)
			Expect(err).ToNot(HaveOccurred())
			Expect(roles).To(Equal([]string{"admin", "ops"}))
		})
	})

	Describe("namespaces", func() {
		It("creates nested namespaces and lists children", func() {
			_, err := d.CreateName(ctx, "/a/b", directory.SubtypeNamespace, true, admin)
			Expect(err).ToNot(HaveOccurred())

			children, err := d.EnumerateChildren(ctx, resolve("/a"), false)
			Expect(err).ToNot(HaveOccurred())
			Expect(children).To(Equal([]string{"/a/b"}))

			children, err = d.EnumerateChildren(ctx, resolve("/a/b"), false)
			Expect(err).ToNot(HaveOccurred())
			Expect(children).To(BeEmpty())
		})

		It("refuses missing parents unless asked to create them", func() {
			_, err := d.CreateName(ctx, "/x/y", directory.SubtypeNamespace, false, admin)
			Expect(errtypes.IsConflict(err)).To(BeTrue())

			_, err = d.CreateName(ctx, "/x/y", directory.SubtypeNamespace, true, admin)
			Expect(err).ToNot(HaveOccurred())
		})

		It("refuses occupied and retired names", func() {
			obj := mkObject("/a/obj")

			_, err := d.CreateName(ctx, "/a/obj", directory.SubtypeObject, false, admin)
			Expect(errtypes.IsConflict(err)).To(BeTrue())

			Expect(d.DeleteName(ctx, obj, admin)).To(Succeed())
			_, err = d.CreateName(ctx, "/a/obj", directory.SubtypeObject, false, admin)
			Expect(errtypes.IsConflict(err)).To(BeTrue())
		})

		It("rejects malformed paths", func() {
			for _, p := range []string{"a/b", "/a//b", "/a/./b", "/a/../b", "/a:b", "/a;b", "/a?b", ""} {
				_, err := d.CreateName(ctx, p, directory.SubtypeNamespace, true, admin)
				Expect(errtypes.IsBadRequest(err)).To(BeTrue(), p)
			}
		})

		It("never deletes the root", func() {
			err := d.DeleteName(ctx, resolve("/"), admin)
			Expect(errtypes.IsPermissionDenied(err)).To(BeTrue())
		})

		It("grants creation through the create ACL and records ownership", func() {
			_, err := d.CreateName(ctx, "/mine", directory.SubtypeNamespace, false, alice)
			Expect(errtypes.IsPermissionDenied(err)).To(BeTrue())

			_, err = d.CreateName(ctx, "/mine", directory.SubtypeNamespace, false, anon)
			Expect(errtypes.IsUnauthenticated(err)).To(BeTrue())

			Expect(d.SetACLRole(ctx, resolve("/"), "create", "staff", admin)).To(Succeed())
			mine, err := d.CreateName(ctx, "/mine", directory.SubtypeNamespace, false, alice)
			Expect(err).ToNot(HaveOccurred())

			roles, err := d.GetACL(ctx, mine, "owner", alice)
			Expect(err).ToNot(HaveOccurred())
			Expect(roles).To(Equal([]string{"alice"}))
		})
	})

	Describe("object versions", func() {
		var obj *directory.Name

		BeforeEach(func() {
			obj = mkObject("/a/obj")
		})

		It("streams a version and reads it back", func() {
			body := "test data 1\n"
			v1 := putVersion(obj, body, metadata.Map{metadata.ContentType: "text/plain"})
			Expect(v1.Tag).To(HaveLen(26))

			cur, err := d.CurrentVersion(ctx, obj)
			Expect(err).ToNot(HaveOccurred())
			Expect(cur.ID).To(Equal(v1.ID))

			content, err := d.GetVersionContent(ctx, cur, nil, admin)
			Expect(err).ToNot(HaveOccurred())
			defer content.Body.Close()
			Expect(content.NBytes).To(Equal(int64(len(body))))
			Expect(content.Metadata[metadata.ContentType]).To(Equal("text/plain"))
			b, err := io.ReadAll(content.Body)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(b)).To(Equal(body))

			byTag, err := d.ResolveVersion(ctx, obj, v1.Tag)
			Expect(err).ToNot(HaveOccurred())
			Expect(byTag.ID).To(Equal(v1.ID))
		})

		It("keeps the highest surviving version current", func() {
			v1 := putVersion(obj, "test data 1\n", metadata.Map{})
			v2 := putVersion(obj, "test data 2\n", metadata.Map{})

			cur, err := d.CurrentVersion(ctx, obj)
			Expect(err).ToNot(HaveOccurred())
			Expect(cur.ID).To(Equal(v2.ID))
			Expect(readVersion(cur, nil, admin)).To(Equal("test data 2\n"))

			Expect(d.DeleteVersion(ctx, v2, admin)).To(Succeed())
			cur, err = d.CurrentVersion(ctx, obj)
			Expect(err).ToNot(HaveOccurred())
			Expect(cur.ID).To(Equal(v1.ID))
			Expect(readVersion(cur, nil, admin)).To(Equal("test data 1\n"))

			Expect(d.DeleteVersion(ctx, v1, admin)).To(Succeed())
			_, err = d.CurrentVersion(ctx, obj)
			Expect(errtypes.IsConflict(err)).To(BeTrue())
		})

		It("verifies declared digests before the version becomes visible", func() {
			body := "test data 1\n"
			sum := md5.Sum([]byte(body))

			wrong := md5.Sum([]byte("something else"))
			_, err := d.CreateVersionFromReader(ctx, obj, strings.NewReader(body), int64(len(body)),
				metadata.Map{metadata.ContentMD5: string(wrong[:])}, admin)
			Expect(errtypes.IsBadRequest(err)).To(BeTrue())

			versions, err := d.ListVersions(ctx, obj, admin)
			Expect(err).ToNot(HaveOccurred())
			Expect(versions).To(BeEmpty())
			_, err = d.CurrentVersion(ctx, obj)
			Expect(errtypes.IsConflict(err)).To(BeTrue())

			v := putVersion(obj, body, metadata.Map{metadata.ContentMD5: string(sum[:])})
			content, err := d.GetVersionContent(ctx, v, nil, admin)
			Expect(err).ToNot(HaveOccurred())
			defer content.Body.Close()
			Expect(content.Metadata[metadata.ContentMD5]).To(Equal(string(sum[:])))
		})

		It("serves slices and strips whole-entity metadata from them", func() {
			body := "test data 1\n"
			sum := md5.Sum([]byte(body))
			v := putVersion(obj, body, metadata.Map{
				metadata.ContentType: "text/plain",
				metadata.ContentMD5:  string(sum[:]),
			})

			content, err := d.GetVersionContent(ctx, v, &storage.Slice{Start: 2, Stop: 8}, admin)
			Expect(err).ToNot(HaveOccurred())
			defer content.Body.Close()
			Expect(content.NBytes).To(Equal(int64(6)))
			Expect(content.Metadata).To(HaveKey(metadata.ContentType))
			Expect(content.Metadata).ToNot(HaveKey(metadata.ContentMD5))
			b, err := io.ReadAll(content.Body)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(b)).To(Equal("st dat"))
		})

		It("lists versions in serial order under the read ACL", func() {
			v1 := putVersion(obj, "one", metadata.Map{})
			v2 := putVersion(obj, "two", metadata.Map{})

			_, err := d.ListVersions(ctx, obj, anon)
			Expect(errtypes.IsUnauthenticated(err)).To(BeTrue())

			versions, err := d.ListVersions(ctx, obj, admin)
			Expect(err).ToNot(HaveOccurred())
			Expect(versions).To(HaveLen(2))
			Expect(versions[0].ID).To(Equal(v1.ID))
			Expect(versions[1].ID).To(Equal(v2.ID))
		})

		It("reports unknown version tags", func() {
			putVersion(obj, "one", metadata.Map{})
			_, err := d.ResolveVersion(ctx, obj, "NOSUCHTAG")
			Expect(errtypes.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("version metadata", func() {
		var v *directory.Version

		BeforeEach(func() {
			v = putVersion(mkObject("/a/obj"), "test data 1\n", metadata.Map{metadata.ContentType: "text/plain"})
		})

		It("merges new fields and lets text fields be replaced", func() {
			updated, err := d.UpdateVersionMetadata(ctx, v, metadata.Map{metadata.ContentType: "text/csv"}, admin)
			Expect(err).ToNot(HaveOccurred())
			Expect(updated.Metadata[metadata.ContentType]).To(Equal("text/csv"))
		})

		It("holds digests write-once", func() {
			sum := md5.Sum([]byte("test data 1\n"))
			_, err := d.UpdateVersionMetadata(ctx, v, metadata.Map{metadata.ContentMD5: string(sum[:])}, admin)
			Expect(err).ToNot(HaveOccurred())

			// re-setting the same bytes stays a no-op
			_, err = d.UpdateVersionMetadata(ctx, v, metadata.Map{metadata.ContentMD5: string(sum[:])}, admin)
			Expect(err).ToNot(HaveOccurred())

			other := md5.Sum([]byte("different"))
			_, err = d.UpdateVersionMetadata(ctx, v, metadata.Map{metadata.ContentMD5: string(other[:])}, admin)
			Expect(errtypes.IsConflict(err)).To(BeTrue())
		})

		It("pops fields and reports absent ones", func() {
			updated, err := d.PopVersionMetadata(ctx, v, metadata.ContentType, admin)
			Expect(err).ToNot(HaveOccurred())
			Expect(updated.Metadata).ToNot(HaveKey(metadata.ContentType))

			_, err = d.PopVersionMetadata(ctx, v, metadata.ContentType, admin)
			Expect(errtypes.IsNotFound(err)).To(BeTrue())

			_, err = d.PopVersionMetadata(ctx, v, "x-custom", admin)
			Expect(errtypes.IsBadRequest(err)).To(BeTrue())
		})
	})

	Describe("chunked uploads", func() {
		const body = "test data that will be sent in multiple parts"
		var obj *directory.Name

		BeforeEach(func() {
			obj = mkObject("/a/obj")
		})

		putChunk := func(u *directory.Upload, position int64, chunk string, c *client.Client) error {
			return d.UploadChunkFromReader(ctx, u, position, strings.NewReader(chunk), int64(len(chunk)), metadata.Map{}, c)
		}

		It("assembles out-of-order chunks into one visible version", func() {
			u, err := d.CreateUpload(ctx, obj, int64(len(body)), 10, metadata.Map{metadata.ContentType: "text/plain"}, admin)
			Expect(err).ToNot(HaveOccurred())
			Expect(u.Job).ToNot(BeEmpty())
			Expect(u.Created.IsZero()).To(BeFalse())

			for _, position := range []int64{4, 0, 2, 1, 3} {
				start := position * 10
				stop := start + 10
				if stop > int64(len(body)) {
					stop = int64(len(body))
				}
				Expect(putChunk(u, position, body[start:stop], admin)).To(Succeed())
			}

			v, err := d.FinalizeUpload(ctx, u, admin)
			Expect(err).ToNot(HaveOccurred())
			Expect(v.NBytes).To(Equal(int64(len(body))))
			Expect(readVersion(v, nil, admin)).To(Equal(body))

			cur, err := d.CurrentVersion(ctx, obj)
			Expect(err).ToNot(HaveOccurred())
			Expect(cur.ID).To(Equal(v.ID))

			_, err = d.ResolveUpload(ctx, obj, u.Job)
			Expect(errtypes.IsNotFound(err)).To(BeTrue())
		})

		It("enforces the declared chunk shape", func() {
			u, err := d.CreateUpload(ctx, obj, 45, 10, metadata.Map{}, admin)
			Expect(err).ToNot(HaveOccurred())

			Expect(errtypes.IsConflict(putChunk(u, -1, strings.Repeat("x", 10), admin))).To(BeTrue())
			Expect(errtypes.IsConflict(putChunk(u, 5, strings.Repeat("x", 10), admin))).To(BeTrue())
			Expect(errtypes.IsConflict(putChunk(u, 2, "short", admin))).To(BeTrue())
			Expect(errtypes.IsConflict(putChunk(u, 4, strings.Repeat("x", 10), admin))).To(BeTrue())

			exact, err := d.CreateUpload(ctx, obj, 20, 10, metadata.Map{}, admin)
			Expect(err).ToNot(HaveOccurred())
			Expect(errtypes.IsConflict(putChunk(exact, 2, strings.Repeat("x", 10), admin))).To(BeTrue())
		})

		It("rejects degenerate job shapes", func() {
			_, err := d.CreateUpload(ctx, obj, 45, 0, metadata.Map{}, admin)
			Expect(errtypes.IsBadRequest(err)).To(BeTrue())

			_, err = d.CreateUpload(ctx, obj, -1, 10, metadata.Map{}, admin)
			Expect(errtypes.IsBadRequest(err)).To(BeTrue())
		})

		It("keeps the job when finalize fails the digest check", func() {
			wrong := md5.Sum([]byte("not the body"))
			u, err := d.CreateUpload(ctx, obj, int64(len(body)), 10, metadata.Map{metadata.ContentMD5: string(wrong[:])}, admin)
			Expect(err).ToNot(HaveOccurred())

			for position := int64(0); position <= 4; position++ {
				start := position * 10
				stop := start + 10
				if stop > int64(len(body)) {
					stop = int64(len(body))
				}
				Expect(putChunk(u, position, body[start:stop], admin)).To(Succeed())
			}

			_, err = d.FinalizeUpload(ctx, u, admin)
			Expect(errtypes.IsBadRequest(err)).To(BeTrue())

			_, err = d.ResolveUpload(ctx, obj, u.Job)
			Expect(err).ToNot(HaveOccurred())
			Expect(d.CancelUpload(ctx, u, admin)).To(Succeed())
		})

		It("cancels jobs and forgets them", func() {
			u, err := d.CreateUpload(ctx, obj, 45, 10, metadata.Map{}, admin)
			Expect(err).ToNot(HaveOccurred())
			Expect(putChunk(u, 0, strings.Repeat("x", 10), admin)).To(Succeed())

			Expect(d.CancelUpload(ctx, u, admin)).To(Succeed())
			_, err = d.ResolveUpload(ctx, obj, u.Job)
			Expect(errtypes.IsNotFound(err)).To(BeTrue())
		})

		It("restricts chunks to the job owner but cancel to ancestor owners too", func() {
			u, err := d.CreateUpload(ctx, obj, 45, 10, metadata.Map{}, admin)
			Expect(err).ToNot(HaveOccurred())

			Expect(errtypes.IsPermissionDenied(putChunk(u, 0, strings.Repeat("x", 10), alice))).To(BeTrue())
			Expect(errtypes.IsPermissionDenied(d.CancelUpload(ctx, u, alice))).To(BeTrue())

			Expect(d.SetACLRole(ctx, resolve("/a"), "subtree-owner", "staff", admin)).To(Succeed())
			Expect(errtypes.IsPermissionDenied(putChunk(u, 0, strings.Repeat("x", 10), alice))).To(BeTrue())
			Expect(d.CancelUpload(ctx, u, alice)).To(Succeed())
		})

		It("lists jobs per object and per namespace subtree", func() {
			u, err := d.CreateUpload(ctx, obj, 45, 10, metadata.Map{}, admin)
			Expect(err).ToNot(HaveOccurred())

			uploads, err := d.EnumerateUploads(ctx, obj, admin)
			Expect(err).ToNot(HaveOccurred())
			Expect(uploads).To(HaveLen(1))
			Expect(uploads[0].Job).To(Equal(u.Job))

			uploads, err = d.EnumerateUploads(ctx, resolve("/a"), admin)
			Expect(err).ToNot(HaveOccurred())
			Expect(uploads).To(HaveLen(1))

			_, err = d.EnumerateUploads(ctx, resolve("/a"), alice)
			Expect(errtypes.IsPermissionDenied(err)).To(BeTrue())
		})
	})

	Describe("ACLs", func() {
		var (
			obj *directory.Name
			v   *directory.Version
		)

		BeforeEach(func() {
			obj = mkObject("/a/obj")
			v = putVersion(obj, "test data 1\n", metadata.Map{})
		})

		It("opens reads through the object read ACL", func() {
			_, err := d.GetVersionContent(ctx, v, nil, anon)
			Expect(errtypes.IsUnauthenticated(err)).To(BeTrue())

			Expect(d.SetACL(ctx, obj, "read", []string{"foo", "bar"}, admin)).To(Succeed())

			Expect(readVersion(v, nil, &client.Client{ID: "foo"})).To(Equal("test data 1\n"))

			Expect(d.DropACLRole(ctx, obj, "read", "bar", admin)).To(Succeed())
			_, err = d.GetVersionContent(ctx, v, nil, &client.Client{ID: "bar"})
			Expect(errtypes.IsPermissionDenied(err)).To(BeTrue())
			Expect(readVersion(v, nil, &client.Client{ID: "foo"})).To(Equal("test data 1\n"))
		})

		It("admits anyone through the wildcard", func() {
			Expect(d.SetACLRole(ctx, obj, "read", "*", admin)).To(Succeed())
			Expect(readVersion(v, nil, anon)).To(Equal("test data 1\n"))
		})

		It("only widens access as roles accumulate", func() {
			granted := []*client.Client{}
			for _, id := range []string{"red", "green", "blue"} {
				Expect(d.SetACLRole(ctx, obj, "read", id, admin)).To(Succeed())
				granted = append(granted, &client.Client{ID: id})
				for _, c := range granted {
					Expect(readVersion(v, nil, c)).To(Equal("test data 1\n"))
				}
			}
		})

		It("grants through version ACLs independently of the object", func() {
			Expect(d.SetACL(ctx, v, "read", []string{"alice"}, admin)).To(Succeed())
			Expect(readVersion(v, nil, alice)).To(Equal("test data 1\n"))

			_, err := d.GetVersionContent(ctx, v, nil, &client.Client{ID: "bob"})
			Expect(errtypes.IsPermissionDenied(err)).To(BeTrue())
		})

		It("inherits subtree grants from ancestors", func() {
			Expect(d.SetACLRole(ctx, resolve("/a"), "subtree-read", "staff", admin)).To(Succeed())
			Expect(readVersion(v, nil, alice)).To(Equal("test data 1\n"))

			Expect(d.SetACLRole(ctx, resolve("/a"), "subtree-owner", "staff", admin)).To(Succeed())
			Expect(d.DeleteVersion(ctx, v, alice)).To(Succeed())
		})

		It("rejects unknown and synthetic access names", func() {
			Expect(errtypes.IsBadRequest(d.SetACL(ctx, obj, "ancestor_owner", []string{"x"}, admin))).To(BeTrue())
			Expect(errtypes.IsBadRequest(d.SetACL(ctx, obj, "create", []string{"x"}, admin))).To(BeTrue())
			_, err := d.GetACL(ctx, resolve("/a"), "update", admin)
			Expect(errtypes.IsBadRequest(err)).To(BeTrue())
		})

		It("reports only direct ACLs, management restricted", func() {
			_, err := d.GetACLs(ctx, obj, alice)
			Expect(errtypes.IsPermissionDenied(err)).To(BeTrue())

			acls, err := d.GetACLs(ctx, obj, admin)
			Expect(err).ToNot(HaveOccurred())
			Expect(acls).To(HaveKey("owner"))
			Expect(acls).To(HaveKey("read"))
			Expect(acls).ToNot(HaveKey("ancestor_owner"))
			Expect(acls["owner"]).To(Equal([]string{"admin"}))
		})

		It("drops only present roles", func() {
			err := d.DropACLRole(ctx, obj, "read", "ghost", admin)
			Expect(errtypes.IsNotFound(err)).To(BeTrue())
		})

		It("returns single members of an ACL", func() {
			Expect(d.SetACLRole(ctx, obj, "read", "foo", admin)).To(Succeed())

			role, err := d.GetACLRole(ctx, obj, "read", "foo", admin)
			Expect(err).ToNot(HaveOccurred())
			Expect(role).To(Equal("foo"))

			_, err = d.GetACLRole(ctx, obj, "read", "bar", admin)
			Expect(errtypes.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("subtree deletion", func() {
		BeforeEach(func() {
			obj := mkObject("/a/obj")
			putVersion(obj, "test data 1\n", metadata.Map{})
			putVersion(obj, "test data 2\n", metadata.Map{})
			sub := mkObject("/a/sub/obj2")
			putVersion(sub, "nested\n", metadata.Map{})
			_, err := d.CreateUpload(ctx, sub, 45, 10, metadata.Map{}, admin)
			Expect(err).ToNot(HaveOccurred())
		})

		It("retires a whole subtree at once", func() {
			Expect(d.DeleteName(ctx, resolve("/a"), admin)).To(Succeed())

			for _, p := range []string{"/a", "/a/obj", "/a/sub", "/a/sub/obj2"} {
				_, err := d.Resolve(ctx, p)
				Expect(errtypes.IsNotFound(err)).To(BeTrue(), p)
			}
		})

		It("denies deletion to non-owners", func() {
			err := d.DeleteName(ctx, resolve("/a"), alice)
			Expect(errtypes.IsPermissionDenied(err)).To(BeTrue())
		})

		It("requires rights on every nested resource", func() {
			Expect(d.SetACLRole(ctx, resolve("/"), "subtree-create", "staff", admin)).To(Succeed())
			_, err := d.CreateName(ctx, "/a/mine", directory.SubtypeNamespace, false, alice)
			Expect(err).ToNot(HaveOccurred())

			err = d.DeleteName(ctx, resolve("/a"), admin)
			Expect(errtypes.IsPermissionDenied(err)).To(BeTrue())

			Expect(d.SetACLRole(ctx, resolve("/"), "subtree-owner", "admin", admin)).To(Succeed())
			Expect(d.DeleteName(ctx, resolve("/a"), admin)).To(Succeed())
		})
	})
})
