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

package hatrac_test

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hatrac/hatrac/internal/http/services/hatrac"
	"github.com/hatrac/hatrac/pkg/client"
	_ "github.com/hatrac/hatrac/pkg/storage/loader"
)

var _ = Describe("Service", func() {
	var (
		handler http.Handler

		admin = &client.Client{ID: "admin"}
		alice = &client.Client{ID: "alice", Attributes: []string{"staff"}}
	)

	newService := func(extra map[string]interface{}) http.Handler {
		m := map[string]interface{}{
			"storage_path": GinkgoT().TempDir(),
			"database": map[string]interface{}{
				"dsn": filepath.Join(GinkgoT().TempDir(), "hatrac.db"),
			},
			"root_owners": []string{"admin"},
		}
		for k, v := range extra {
			m[k] = v
		}
		s, err := hatrac.New(context.Background(), m)
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(s.Close)
		return s.Handler()
	}

	do := func(c *client.Client, method, path string, body io.Reader, hdr map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, body)
		for k, v := range hdr {
			req.Header.Set(k, v)
		}
		if c != nil {
			req = req.WithContext(client.ContextSetClient(req.Context(), c))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}
	get := func(c *client.Client, path string) *httptest.ResponseRecorder {
		return do(c, http.MethodGet, path, nil, nil)
	}
	put := func(c *client.Client, path, body, ctype string) *httptest.ResponseRecorder {
		return do(c, http.MethodPut, path, strings.NewReader(body), map[string]string{"Content-Type": ctype})
	}

	// relocate asserts a 201 and returns the Location with the
	// service prefix stripped, ready for a follow-up request.
	relocate := func(rec *httptest.ResponseRecorder) string {
		Expect(rec.Code).To(Equal(http.StatusCreated))
		loc := rec.Header().Get("Location")
		Expect(loc).To(HavePrefix("/hatrac/"))
		return strings.TrimPrefix(loc, "/hatrac")
	}

	digest := func(s string) string {
		sum := md5.Sum([]byte(s))
		return base64.StdEncoding.EncodeToString(sum[:])
	}

	BeforeEach(func() {
		handler = newService(nil)
	})

	Describe("namespaces", func() {
		It("creates, lists and deletes namespaces", func() {
			rec := put(admin, "/ns1", "", "application/x-hatrac-namespace")
			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(rec.Header().Get("Location")).To(Equal("/hatrac/ns1"))

			rec = put(admin, "/ns1/sub/deep?parents=true", "", "application/x-hatrac-namespace")
			Expect(rec.Code).To(Equal(http.StatusCreated))

			rec = get(admin, "/")
			Expect(rec.Code).To(Equal(http.StatusOK))
			var root []string
			Expect(json.Unmarshal(rec.Body.Bytes(), &root)).To(Succeed())
			Expect(root).To(ConsistOf("/hatrac/ns1"))

			rec = get(admin, "/ns1")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))
			Expect(rec.Header().Get("ETag")).ToNot(BeEmpty())
			var listing []string
			Expect(json.Unmarshal(rec.Body.Bytes(), &listing)).To(Succeed())
			Expect(listing).To(ConsistOf("/hatrac/ns1/sub"))

			rec = do(admin, http.MethodDelete, "/ns1/sub", nil, nil)
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(get(admin, "/ns1/sub").Code).To(Equal(http.StatusNotFound))
			Expect(get(admin, "/ns1/sub/deep").Code).To(Equal(http.StatusNotFound))
		})

		It("refuses what the grammar or the tree forbids", func() {
			rec := put(admin, "/ns1", "", "application/x-hatrac-namespace")
			Expect(rec.Code).To(Equal(http.StatusCreated))

			// existing namespaces do not take PUT
			Expect(put(admin, "/ns1", "", "application/x-hatrac-namespace").Code).To(Equal(http.StatusMethodNotAllowed))
			// missing intermediate namespaces are not implied
			Expect(put(admin, "/a/b/c", "", "application/x-hatrac-namespace").Code).To(Equal(http.StatusConflict))
			// the root cannot be deleted
			Expect(do(admin, http.MethodDelete, "/", nil, nil).Code).To(Equal(http.StatusForbidden))

			Expect(get(admin, "/absent").Code).To(Equal(http.StatusNotFound))
		})

		It("rejects unauthorized creation", func() {
			Expect(put(nil, "/ns1", "", "application/x-hatrac-namespace").Code).To(Equal(http.StatusUnauthorized))
			Expect(put(alice, "/ns1", "", "application/x-hatrac-namespace").Code).To(Equal(http.StatusForbidden))
		})
	})

	Describe("objects", func() {
		BeforeEach(func() {
			Expect(put(admin, "/ns1", "", "application/x-hatrac-namespace").Code).To(Equal(http.StatusCreated))
		})

		It("stores and serves versions", func() {
			rec := put(admin, "/ns1/obj", "hello world", "text/plain")
			v1 := relocate(rec)
			Expect(v1).To(HavePrefix("/ns1/obj:"))

			rec = get(admin, "/ns1/obj")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(Equal("hello world"))
			Expect(rec.Header().Get("Content-Type")).To(Equal("text/plain"))
			Expect(rec.Header().Get("Content-Length")).To(Equal("11"))
			Expect(rec.Header().Get("Accept-Ranges")).To(Equal("bytes"))
			tag1 := rec.Header().Get("ETag")
			Expect(tag1).ToNot(BeEmpty())

			rec = do(admin, http.MethodHead, "/ns1/obj", nil, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Length")).To(Equal("11"))
			Expect(rec.Body.Len()).To(BeZero())

			// a second version shadows the first for bare reads
			v2 := relocate(put(admin, "/ns1/obj", "fresher bytes", "text/plain"))
			Expect(get(admin, "/ns1/obj").Body.String()).To(Equal("fresher bytes"))
			Expect(get(admin, v1).Body.String()).To(Equal("hello world"))
			Expect(get(admin, v2).Body.String()).To(Equal("fresher bytes"))

			rec = get(admin, "/ns1/obj;versions")
			Expect(rec.Code).To(Equal(http.StatusOK))
			var versions []string
			Expect(json.Unmarshal(rec.Body.Bytes(), &versions)).To(Succeed())
			Expect(versions).To(ConsistOf("/hatrac"+v1, "/hatrac"+v2))

			// deleting the current version resurfaces the previous one
			Expect(do(admin, http.MethodDelete, v2, nil, nil).Code).To(Equal(http.StatusNoContent))
			Expect(get(admin, v2).Code).To(Equal(http.StatusNotFound))
			Expect(get(admin, "/ns1/obj").Body.String()).To(Equal("hello world"))

			// an object without versions has no content to serve
			Expect(do(admin, http.MethodDelete, v1, nil, nil).Code).To(Equal(http.StatusNoContent))
			Expect(get(admin, "/ns1/obj").Code).To(Equal(http.StatusConflict))

			Expect(do(admin, http.MethodDelete, "/ns1/obj", nil, nil).Code).To(Equal(http.StatusNoContent))
			Expect(get(admin, "/ns1/obj").Code).To(Equal(http.StatusNotFound))
		})

		It("answers conditional requests on the version fingerprint", func() {
			relocate(put(admin, "/ns1/obj", "hello world", "text/plain"))
			tag := get(admin, "/ns1/obj").Header().Get("ETag")

			rec := do(admin, http.MethodGet, "/ns1/obj", nil, map[string]string{"If-None-Match": tag})
			Expect(rec.Code).To(Equal(http.StatusNotModified))
			Expect(rec.Header().Get("ETag")).To(Equal(tag))

			rec = do(admin, http.MethodGet, "/ns1/obj", nil, map[string]string{"If-Match": `"stale"`})
			Expect(rec.Code).To(Equal(http.StatusPreconditionFailed))

			// writes can be fenced on the version they expect
			rec = do(admin, http.MethodPut, "/ns1/obj", strings.NewReader("v2"),
				map[string]string{"Content-Type": "text/plain", "If-Match": tag})
			Expect(rec.Code).To(Equal(http.StatusCreated))
			rec = do(admin, http.MethodPut, "/ns1/obj", strings.NewReader("v3"),
				map[string]string{"Content-Type": "text/plain", "If-Match": tag})
			Expect(rec.Code).To(Equal(http.StatusPreconditionFailed))

			rec = do(admin, http.MethodPut, "/ns1/fresh", strings.NewReader("x"),
				map[string]string{"Content-Type": "text/plain", "If-None-Match": "*"})
			Expect(rec.Code).To(Equal(http.StatusCreated))
			rec = do(admin, http.MethodPut, "/ns1/fresh", strings.NewReader("y"),
				map[string]string{"Content-Type": "text/plain", "If-None-Match": "*"})
			Expect(rec.Code).To(Equal(http.StatusPreconditionFailed))
		})

		It("serves single byte ranges", func() {
			relocate(put(admin, "/ns1/obj", "hello world", "text/plain"))

			rec := do(admin, http.MethodGet, "/ns1/obj", nil, map[string]string{"Range": "bytes=0-4"})
			Expect(rec.Code).To(Equal(http.StatusPartialContent))
			Expect(rec.Body.String()).To(Equal("hello"))
			Expect(rec.Header().Get("Content-Range")).To(Equal("bytes 0-4/11"))

			rec = do(admin, http.MethodGet, "/ns1/obj", nil, map[string]string{"Range": "bytes=6-"})
			Expect(rec.Code).To(Equal(http.StatusPartialContent))
			Expect(rec.Body.String()).To(Equal("world"))

			rec = do(admin, http.MethodGet, "/ns1/obj", nil, map[string]string{"Range": "bytes=-5"})
			Expect(rec.Code).To(Equal(http.StatusPartialContent))
			Expect(rec.Body.String()).To(Equal("world"))
			Expect(rec.Header().Get("Content-Range")).To(Equal("bytes 6-10/11"))

			rec = do(admin, http.MethodGet, "/ns1/obj", nil, map[string]string{"Range": "bytes=99-"})
			Expect(rec.Code).To(Equal(http.StatusRequestedRangeNotSatisfiable))
			Expect(rec.Header().Get("Content-Range")).To(Equal("bytes */11"))

			// multiple ranges fall back to the whole entity
			rec = do(admin, http.MethodGet, "/ns1/obj", nil, map[string]string{"Range": "bytes=0-1,3-4"})
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(Equal("hello world"))
		})

		It("verifies declared digests", func() {
			rec := do(admin, http.MethodPut, "/ns1/obj", strings.NewReader("hello world"),
				map[string]string{"Content-Type": "text/plain", "Content-MD5": digest("hello world")})
			relocate(rec)

			rec = get(admin, "/ns1/obj")
			Expect(rec.Header().Get("Content-MD5")).To(Equal(digest("hello world")))

			rec = do(admin, http.MethodPut, "/ns1/liar", strings.NewReader("hello world"),
				map[string]string{"Content-Type": "text/plain", "Content-MD5": digest("other bytes")})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(get(admin, "/ns1/liar").Code).To(Equal(http.StatusConflict))
		})

		It("requires a declared content length", func() {
			body := io.LimitReader(strings.NewReader("x"), 1)
			rec := do(admin, http.MethodPut, "/ns1/obj", body, map[string]string{"Content-Type": "text/plain"})
			Expect(rec.Code).To(Equal(http.StatusLengthRequired))
		})

		It("refuses methods a version does not support", func() {
			v1 := relocate(put(admin, "/ns1/obj", "hello world", "text/plain"))
			rec := do(admin, http.MethodPut, v1, strings.NewReader("nope"), map[string]string{"Content-Type": "text/plain"})
			Expect(rec.Code).To(Equal(http.StatusMethodNotAllowed))
			Expect(rec.Header().Get("Allow")).To(Equal("GET, HEAD, DELETE"))
		})
	})

	Describe("ACLs", func() {
		BeforeEach(func() {
			Expect(put(admin, "/ns1", "", "application/x-hatrac-namespace").Code).To(Equal(http.StatusCreated))
			relocate(put(admin, "/ns1/obj", "secret", "text/plain"))
		})

		It("guards version reads by subtree grants", func() {
			Expect(get(nil, "/ns1/obj").Code).To(Equal(http.StatusUnauthorized))
			Expect(get(alice, "/ns1/obj").Code).To(Equal(http.StatusForbidden))

			rec := put(admin, "/ns1/obj;acl/subtree-read", `["alice"]`, "application/json")
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(get(alice, "/ns1/obj").Body.String()).To(Equal("secret"))
			Expect(get(nil, "/ns1/obj").Code).To(Equal(http.StatusUnauthorized))

			rec = do(admin, http.MethodDelete, "/ns1/obj;acl/subtree-read/alice", nil, nil)
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(get(alice, "/ns1/obj").Code).To(Equal(http.StatusForbidden))

			// a namespace-level wildcard opens the subtree to anyone
			rec = put(admin, "/ns1;acl/subtree-read", `["*"]`, "application/json")
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(get(nil, "/ns1/obj").Body.String()).To(Equal("secret"))
		})

		It("exposes ACL state to owners only", func() {
			rec := get(admin, "/ns1/obj;acl")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("ETag")).ToNot(BeEmpty())
			var acls map[string][]string
			Expect(json.Unmarshal(rec.Body.Bytes(), &acls)).To(Succeed())
			Expect(acls).To(HaveKeyWithValue("owner", ConsistOf("admin")))

			Expect(get(alice, "/ns1/obj;acl").Code).To(Equal(http.StatusForbidden))
			Expect(get(nil, "/ns1/obj;acl").Code).To(Equal(http.StatusUnauthorized))

			rec = get(admin, "/ns1/obj;acl/owner")
			Expect(rec.Code).To(Equal(http.StatusOK))
			var roles []string
			Expect(json.Unmarshal(rec.Body.Bytes(), &roles)).To(Succeed())
			Expect(roles).To(ConsistOf("admin"))

			rec = get(admin, "/ns1/obj;acl/owner/admin")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(Equal("admin\n"))
			Expect(get(admin, "/ns1/obj;acl/owner/alice").Code).To(Equal(http.StatusNotFound))

			Expect(get(admin, "/ns1/obj;acl/bogus").Code).To(Equal(http.StatusBadRequest))
		})

		It("validates ACL updates", func() {
			Expect(put(admin, "/ns1/obj;acl/read", `["alice"]`, "text/plain").Code).To(Equal(http.StatusBadRequest))
			Expect(put(admin, "/ns1/obj;acl/read", `"alice"`, "application/json").Code).To(Equal(http.StatusBadRequest))
			Expect(put(admin, "/ns1/obj;acl/create", `["alice"]`, "application/json").Code).To(Equal(http.StatusBadRequest))
			Expect(put(alice, "/ns1/obj;acl/read", `["alice"]`, "application/json").Code).To(Equal(http.StatusForbidden))

			rec := do(admin, http.MethodPut, "/ns1/obj;acl/read/alice", nil, nil)
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(get(admin, "/ns1/obj;acl/read/alice").Code).To(Equal(http.StatusOK))

			rec = do(admin, http.MethodDelete, "/ns1/obj;acl/read", nil, nil)
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(get(admin, "/ns1/obj;acl/read/alice").Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("metadata", func() {
		BeforeEach(func() {
			Expect(put(admin, "/ns1", "", "application/x-hatrac-namespace").Code).To(Equal(http.StatusCreated))
			relocate(put(admin, "/ns1/obj", "hello world", "text/plain"))
		})

		It("reads and writes fields of the current version", func() {
			rec := get(admin, "/ns1/obj;metadata")
			Expect(rec.Code).To(Equal(http.StatusOK))
			var fields map[string]string
			Expect(json.Unmarshal(rec.Body.Bytes(), &fields)).To(Succeed())
			Expect(fields).To(HaveKeyWithValue("content-type", "text/plain"))

			rec = get(admin, "/ns1/obj;metadata/content-type")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(Equal("text/plain\n"))

			rec = put(admin, "/ns1/obj;metadata/content-type", "application/json", "text/plain")
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(get(admin, "/ns1/obj").Header().Get("Content-Type")).To(Equal("application/json"))

			rec = put(admin, "/ns1/obj;metadata/content-disposition", "filename*=UTF-8''data.csv", "text/plain")
			Expect(rec.Code).To(Equal(http.StatusNoContent))

			Expect(get(admin, "/ns1/obj;metadata/content-sha256").Code).To(Equal(http.StatusNotFound))
			Expect(get(admin, "/ns1/obj;metadata/bogus").Code).To(Equal(http.StatusBadRequest))
			Expect(get(admin, "/ns1;metadata").Code).To(Equal(http.StatusNotFound))

			// JSON is not a metadata transport
			Expect(put(admin, "/ns1/obj;metadata/content-type", "text/csv", "application/json").Code).To(Equal(http.StatusBadRequest))
		})

		It("treats digests as write-once", func() {
			rec := put(admin, "/ns1/obj;metadata/content-md5", digest("hello world"), "text/plain")
			Expect(rec.Code).To(Equal(http.StatusNoContent))

			// equal re-set is an idempotent no-op
			rec = put(admin, "/ns1/obj;metadata/content-md5", digest("hello world"), "text/plain")
			Expect(rec.Code).To(Equal(http.StatusNoContent))

			rec = put(admin, "/ns1/obj;metadata/content-md5", digest("something else"), "text/plain")
			Expect(rec.Code).To(Equal(http.StatusConflict))
		})

		It("fences field updates with preconditions", func() {
			rec := get(admin, "/ns1/obj;metadata/content-type")
			tag := rec.Header().Get("ETag")
			Expect(tag).ToNot(BeEmpty())

			rec = do(admin, http.MethodPut, "/ns1/obj;metadata/content-type",
				strings.NewReader("text/csv"), map[string]string{"Content-Type": "text/plain", "If-Match": `"stale"`})
			Expect(rec.Code).To(Equal(http.StatusPreconditionFailed))

			rec = do(admin, http.MethodPut, "/ns1/obj;metadata/content-type",
				strings.NewReader("text/csv"), map[string]string{"Content-Type": "text/plain", "If-Match": tag})
			Expect(rec.Code).To(Equal(http.StatusNoContent))

			// the old fingerprint no longer matches
			rec = do(admin, http.MethodDelete, "/ns1/obj;metadata/content-type", nil, map[string]string{"If-Match": tag})
			Expect(rec.Code).To(Equal(http.StatusPreconditionFailed))

			rec = do(admin, http.MethodDelete, "/ns1/obj;metadata/content-type", nil, nil)
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(get(admin, "/ns1/obj;metadata/content-type").Code).To(Equal(http.StatusNotFound))
		})

		It("denies updates to non-owners", func() {
			Expect(put(alice, "/ns1/obj;metadata/content-type", "text/csv", "text/plain").Code).To(Equal(http.StatusForbidden))
			Expect(put(nil, "/ns1/obj;metadata/content-type", "text/csv", "text/plain").Code).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("chunked uploads", func() {
		BeforeEach(func() {
			Expect(put(admin, "/ns1", "", "application/x-hatrac-namespace").Code).To(Equal(http.StatusCreated))
			relocate(put(admin, "/ns1/obj", "old", "text/plain"))
		})

		It("assembles a version from chunks", func() {
			rec := put(admin, "/ns1/obj;upload",
				`{"chunk-length": 4, "content-length": 11, "content-type": "text/plain"}`, "application/json")
			Expect(rec.Code).To(Equal(http.StatusMethodNotAllowed))

			rec = do(admin, http.MethodPost, "/ns1/obj;upload",
				strings.NewReader(`{"chunk-length": 4, "content-length": 11, "content-type": "text/plain"}`),
				map[string]string{"Content-Type": "application/json"})
			job := relocate(rec)
			Expect(job).To(HavePrefix("/ns1/obj;upload/"))

			rec = get(admin, job)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var status map[string]interface{}
			Expect(json.Unmarshal(rec.Body.Bytes(), &status)).To(Succeed())
			Expect(status).To(HaveKeyWithValue("target", "/hatrac/ns1/obj"))
			Expect(status).To(HaveKeyWithValue("url", "/hatrac"+job))
			Expect(status).To(HaveKeyWithValue("chunk-length", BeNumerically("==", 4)))
			Expect(status).To(HaveKeyWithValue("content-length", BeNumerically("==", 11)))
			Expect(status).To(HaveKeyWithValue("owner", ConsistOf("admin")))

			rec = get(admin, "/ns1/obj;upload")
			Expect(rec.Code).To(Equal(http.StatusOK))
			var jobs []string
			Expect(json.Unmarshal(rec.Body.Bytes(), &jobs)).To(Succeed())
			Expect(jobs).To(ConsistOf("/hatrac" + job))

			// chunks land in any order
			Expect(put(admin, job+"/1", "o wo", "application/octet-stream").Code).To(Equal(http.StatusNoContent))
			Expect(put(admin, job+"/0", "hell", "application/octet-stream").Code).To(Equal(http.StatusNoContent))
			Expect(put(admin, job+"/2", "rld", "application/octet-stream").Code).To(Equal(http.StatusNoContent))

			// shape violations are conflicts
			Expect(put(admin, job+"/0", "hello", "application/octet-stream").Code).To(Equal(http.StatusConflict))
			Expect(put(admin, job+"/7", "hell", "application/octet-stream").Code).To(Equal(http.StatusConflict))

			rec = do(admin, http.MethodPost, job, nil, nil)
			version := relocate(rec)

			Expect(get(admin, "/ns1/obj").Body.String()).To(Equal("hello world"))
			Expect(get(admin, "/ns1/obj").Header().Get("Content-Type")).To(Equal("text/plain"))
			Expect(get(admin, version).Code).To(Equal(http.StatusOK))
			Expect(get(admin, job).Code).To(Equal(http.StatusNotFound))
		})

		It("verifies a declared digest at finalize", func() {
			rec := do(admin, http.MethodPost, "/ns1/obj;upload",
				strings.NewReader(`{"chunk-length": 8, "content-length": 11, "content-md5": "`+digest("hello world")+`"}`),
				map[string]string{"Content-Type": "application/json"})
			job := relocate(rec)

			Expect(put(admin, job+"/0", "hello wo", "application/octet-stream").Code).To(Equal(http.StatusNoContent))

			// missing trailing chunk fails the digest
			rec = do(admin, http.MethodPost, job, nil, nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			Expect(put(admin, job+"/1", "rld", "application/octet-stream").Code).To(Equal(http.StatusNoContent))
			rec = do(admin, http.MethodPost, job, nil, nil)
			version := relocate(rec)
			Expect(get(admin, version).Header().Get("Content-MD5")).To(Equal(digest("hello world")))
		})

		It("cancels jobs", func() {
			rec := do(admin, http.MethodPost, "/ns1/obj;upload",
				strings.NewReader(`{"chunk-length": 4, "content-length": 8}`),
				map[string]string{"Content-Type": "application/json"})
			job := relocate(rec)

			Expect(put(admin, job+"/0", "hell", "application/octet-stream").Code).To(Equal(http.StatusNoContent))
			Expect(do(admin, http.MethodDelete, job, nil, nil).Code).To(Equal(http.StatusNoContent))
			Expect(get(admin, job).Code).To(Equal(http.StatusNotFound))
			Expect(put(admin, job+"/1", "o wo", "application/octet-stream").Code).To(Equal(http.StatusNotFound))
			Expect(do(admin, http.MethodPost, job, nil, nil).Code).To(Equal(http.StatusNotFound))
		})

		It("rejects malformed job descriptors", func() {
			post := func(body, ctype string) int {
				return do(admin, http.MethodPost, "/ns1/obj;upload", strings.NewReader(body),
					map[string]string{"Content-Type": ctype}).Code
			}
			Expect(post(`{"chunk-length": 4, "content-length": 8}`, "text/plain")).To(Equal(http.StatusBadRequest))
			Expect(post(`{"chunk-length": 4}`, "application/json")).To(Equal(http.StatusBadRequest))
			Expect(post(`{"content-length": 8}`, "application/json")).To(Equal(http.StatusBadRequest))
			Expect(post(`{"chunk-length": 4, "content-length": 8, "surprise": 1}`, "application/json")).To(Equal(http.StatusBadRequest))
			Expect(post(`{"chunk-length": "four", "content-length": 8}`, "application/json")).To(Equal(http.StatusBadRequest))
			Expect(post(`not json`, "application/json")).To(Equal(http.StatusBadRequest))

			// upload jobs bind to objects, not namespaces
			rec := do(admin, http.MethodPost, "/ns1;upload",
				strings.NewReader(`{"chunk-length": 4, "content-length": 8}`),
				map[string]string{"Content-Type": "application/json"})
			Expect(rec.Code).To(Equal(http.StatusConflict))
		})

		It("keeps jobs private to their owner", func() {
			rec := do(admin, http.MethodPost, "/ns1/obj;upload",
				strings.NewReader(`{"chunk-length": 4, "content-length": 8}`),
				map[string]string{"Content-Type": "application/json"})
			job := relocate(rec)

			Expect(get(alice, job).Code).To(Equal(http.StatusForbidden))
			Expect(put(alice, job+"/0", "hell", "application/octet-stream").Code).To(Equal(http.StatusForbidden))
			Expect(do(alice, http.MethodPost, job, nil, nil).Code).To(Equal(http.StatusForbidden))
			Expect(do(alice, http.MethodDelete, job, nil, nil).Code).To(Equal(http.StatusForbidden))
		})
	})

	Describe("deployment gates", func() {
		It("enforces firewall ACLs before resource ACLs", func() {
			handler = newService(map[string]interface{}{
				"firewall_acls": map[string]interface{}{
					"delete": []string{"ops"},
				},
			})
			Expect(put(admin, "/ns1", "", "application/x-hatrac-namespace").Code).To(Equal(http.StatusCreated))

			// even the owner cannot delete outside the firewall set
			Expect(do(admin, http.MethodDelete, "/ns1", nil, nil).Code).To(Equal(http.StatusForbidden))
			Expect(do(nil, http.MethodDelete, "/ns1", nil, nil).Code).To(Equal(http.StatusUnauthorized))

			ops := &client.Client{ID: "bob", Attributes: []string{"ops"}}
			// bob passes the firewall but still fails the resource ACL
			Expect(do(ops, http.MethodDelete, "/ns1", nil, nil).Code).To(Equal(http.StatusForbidden))
		})

		It("rejects writes on read-only deployments", func() {
			handler = newService(map[string]interface{}{"read_only": true})

			rec := put(admin, "/ns1", "", "application/x-hatrac-namespace")
			Expect(rec.Code).To(Equal(http.StatusMethodNotAllowed))
			Expect(rec.Header().Get("Allow")).To(Equal("GET, HEAD"))
			Expect(do(admin, http.MethodDelete, "/x", nil, nil).Code).To(Equal(http.StatusMethodNotAllowed))
			Expect(get(admin, "/").Code).To(Equal(http.StatusOK))
		})

		It("bounds request payloads", func() {
			handler = newService(map[string]interface{}{"max_request_payload_size": 8})
			Expect(put(admin, "/obj", "tiny", "text/plain").Code).To(Equal(http.StatusCreated))
			Expect(put(admin, "/obj", "way past the limit", "text/plain").Code).To(Equal(http.StatusRequestEntityTooLarge))
		})
	})
})
