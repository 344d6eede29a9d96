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

package hatrac

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hatrac/hatrac/pkg/client"
	"github.com/hatrac/hatrac/pkg/directory"
	"github.com/hatrac/hatrac/pkg/errtypes"
	"github.com/hatrac/hatrac/pkg/etag"
	"github.com/hatrac/hatrac/pkg/metadata"
)

// namespaceContentType marks a bare-name PUT as a namespace creation
// rather than an object body upload.
const namespaceContentType = "application/x-hatrac-namespace"

func (s *svc) handlePut(w http.ResponseWriter, r *http.Request) {
	if !s.mutating(w) {
		return
	}
	t, err := parseTarget(r.URL.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, _ := client.ContextGetClient(r.Context())

	switch t.facet {
	case facetNone:
		if t.isVersion() {
			methodNotAllowed(w, "GET, HEAD, DELETE")
			return
		}
		s.putName(w, r, t, c)
	case facetACL:
		s.putACL(w, r, t, c)
	case facetMetadata:
		s.putMetadata(w, r, t, c)
	case facetVersions:
		methodNotAllowed(w, "GET, HEAD")
	case facetUpload:
		switch {
		case t.hasPosition:
			s.putChunk(w, r, t, c)
		case t.job == "":
			methodNotAllowed(w, "GET, HEAD, POST")
		default:
			methodNotAllowed(w, "GET, HEAD, POST, DELETE")
		}
	}
}

// putName creates a namespace or writes an object version. An absent
// name is bound first: as a namespace when the body claims the
// namespace content type, as an object otherwise.
func (s *svc) putName(w http.ResponseWriter, r *http.Request, t *target, c *client.Client) {
	ctx := r.Context()
	if err := s.enforceFirewall(opCreate, c); err != nil {
		s.writeError(w, r, err)
		return
	}
	makeParents := r.URL.Query().Get("parents") == "true"

	n, err := s.dir.Resolve(ctx, t.path)
	switch {
	case err == nil:
		if !n.IsObject() {
			methodNotAllowed(w, "GET, HEAD, DELETE")
			return
		}
	case errtypes.IsNotFound(err):
		subtype := directory.SubtypeObject
		if contentTypeOf(r) == namespaceContentType {
			subtype = directory.SubtypeNamespace
		}
		if n, err = s.dir.CreateName(ctx, t.path, subtype, makeParents, c); err != nil {
			s.writeError(w, r, err)
			return
		}
	default:
		s.writeError(w, r, err)
		return
	}

	if !n.IsObject() {
		s.created(w, s.selfRef(n.Path))
		return
	}

	if r.ContentLength < 0 {
		s.writeError(w, r, errtypes.LengthRequired("content length required on "+t.path))
		return
	}
	if r.ContentLength > s.conf.MaxRequestPayloadSize {
		s.writeError(w, r, errtypes.PayloadTooLarge(fmt.Sprintf("request of %d bytes exceeds limit of %d", r.ContentLength, s.conf.MaxRequestPayloadSize)))
		return
	}
	md, err := requestMetadata(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// any precondition is evaluated against the current version
	if r.Header.Get("If-Match") != "" || r.Header.Get("If-None-Match") != "" {
		var tag string
		var exists bool
		switch cur, err := s.dir.CurrentVersion(ctx, n); {
		case err == nil:
			tag, exists = etag.HashValue(cur.Tag), true
		case errtypes.IsConflict(err) || errtypes.IsNotFound(err):
		default:
			s.writeError(w, r, err)
			return
		}
		if _, err := checkPreconditions(r, tag, exists); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	v, err := s.dir.CreateVersionFromReader(ctx, n, r.Body, r.ContentLength, md, c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.created(w, s.selfRef(v.String()))
}

func (s *svc) putACL(w http.ResponseWriter, r *http.Request, t *target, c *client.Client) {
	ctx := r.Context()
	if t.access == "" {
		methodNotAllowed(w, "GET, HEAD")
		return
	}
	if err := s.enforceFirewall(opManageACL, c); err != nil {
		s.writeError(w, r, err)
		return
	}

	n, err := s.dir.Resolve(ctx, t.path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.aclResource(ctx, t, n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if t.role != "" {
		if err := s.dir.SetACLRole(ctx, res, t.access, t.role, c); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if contentTypeOf(r) != "application/json" {
		s.writeError(w, r, errtypes.BadRequest("only application/json input is accepted for ACLs"))
		return
	}
	var roles []string
	if err := json.NewDecoder(io.LimitReader(r.Body, s.conf.MaxRequestPayloadSize)).Decode(&roles); err != nil {
		s.writeError(w, r, errtypes.BadRequest("ACL input must be a flat JSON array of role strings"))
		return
	}
	if err := s.dir.SetACL(ctx, res, t.access, roles, c); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *svc) putMetadata(w http.ResponseWriter, r *http.Request, t *target, c *client.Client) {
	ctx := r.Context()
	if t.field == "" {
		methodNotAllowed(w, "GET, HEAD")
		return
	}
	if err := s.enforceFirewall(opManageMetadata, c); err != nil {
		s.writeError(w, r, err)
		return
	}
	if contentTypeOf(r) != "text/plain" {
		s.writeError(w, r, errtypes.BadRequest("only text/plain input is accepted for metadata"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, s.conf.MaxRequestPayloadSize))
	if err != nil {
		s.writeError(w, r, errtypes.BadRequest("error reading metadata value"))
		return
	}

	n, err := s.dir.Resolve(ctx, t.path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.metadataVersion(ctx, t, n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	value, exists := v.Metadata.ToHTTP()[t.field]
	if _, err := checkPreconditions(r, etag.HashValue(value), exists); err != nil {
		s.writeError(w, r, err)
		return
	}

	updates, err := metadata.FromHTTP(map[string]string{t.field: string(body)})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.dir.UpdateVersionMetadata(ctx, v, updates, c); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// putChunk stages one chunk of an upload job.
func (s *svc) putChunk(w http.ResponseWriter, r *http.Request, t *target, c *client.Client) {
	ctx := r.Context()
	if err := s.enforceFirewall(opCreate, c); err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.ContentLength < 0 {
		s.writeError(w, r, errtypes.LengthRequired("content length required on chunk upload"))
		return
	}
	if r.ContentLength > s.conf.MaxRequestPayloadSize {
		s.writeError(w, r, errtypes.PayloadTooLarge(fmt.Sprintf("request of %d bytes exceeds limit of %d", r.ContentLength, s.conf.MaxRequestPayloadSize)))
		return
	}
	md, err := chunkMetadata(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	n, err := s.dir.Resolve(ctx, t.path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.dir.ResolveUpload(ctx, n, t.job)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.dir.UploadChunkFromReader(ctx, u, t.position, r.Body, r.ContentLength, md, c); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *svc) created(w http.ResponseWriter, location string) {
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusCreated)
}

// contentTypeOf returns the bare media type of the request body,
// lowercased with parameters stripped.
func contentTypeOf(r *http.Request) string {
	ct, _, _ := strings.Cut(r.Header.Get("Content-Type"), ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

// requestMetadata gathers the version metadata carried in the entity
// headers of an object PUT.
func requestMetadata(r *http.Request) (metadata.Map, error) {
	fields := make(map[string]string)
	if ct := contentTypeOf(r); ct != "" {
		fields[metadata.ContentType] = ct
	}
	for _, field := range []string{metadata.ContentMD5, metadata.ContentSHA256, metadata.ContentDisposition} {
		if v := r.Header.Get(field); v != "" {
			fields[field] = v
		}
	}
	return metadata.FromHTTP(fields)
}

// chunkMetadata gathers the digests guarding one chunk body.
func chunkMetadata(r *http.Request) (metadata.Map, error) {
	fields := make(map[string]string)
	for _, field := range []string{metadata.ContentMD5, metadata.ContentSHA256} {
		if v := r.Header.Get(field); v != "" {
			fields[field] = v
		}
	}
	return metadata.FromHTTP(fields)
}
