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
	"strconv"
	"strings"

	"github.com/hatrac/hatrac/pkg/acl"
	"github.com/hatrac/hatrac/pkg/appctx"
	"github.com/hatrac/hatrac/pkg/client"
	"github.com/hatrac/hatrac/pkg/directory"
	"github.com/hatrac/hatrac/pkg/errtypes"
	"github.com/hatrac/hatrac/pkg/etag"
	"github.com/hatrac/hatrac/pkg/metadata"
	"github.com/hatrac/hatrac/pkg/storage"
)

// versionReadACLs lists the access classes granting read on a version
// and on version-scoped state such as metadata.
var versionReadACLs = []string{
	acl.Owner, acl.Read,
	acl.SubtreeOwner, acl.SubtreeRead,
	acl.AncestorOwner, acl.AncestorRead,
}

func (s *svc) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := parseTarget(r.URL.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, _ := client.ContextGetClient(ctx)

	n, err := s.dir.Resolve(ctx, t.path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch t.facet {
	case facetNone:
		if !n.IsObject() {
			s.getNamespace(w, r, n)
			return
		}
		s.getContent(w, r, t, n, c)
	case facetACL:
		s.getACL(w, r, t, n, c)
	case facetMetadata:
		s.getMetadata(w, r, t, n, c)
	case facetVersions:
		s.getVersionList(w, r, n, c)
	case facetUpload:
		s.getUpload(w, r, t, n, c)
	}
}

// getNamespace lists the direct children of a namespace as a JSON
// array of their URL paths.
func (s *svc) getNamespace(w http.ResponseWriter, r *http.Request, n *directory.Name) {
	children, err := s.dir.EnumerateChildren(r.Context(), n, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	refs := make([]string, 0, len(children))
	for _, child := range children {
		refs = append(refs, s.selfRef(child))
	}

	if s.conditional(w, r, etag.HashList(refs), true) {
		return
	}
	s.writeJSON(w, r, refs)
}

// getContent serves the bytes of a version, the current one when the
// target has no tag. A single byte range is honoured; multiple ranges
// fall back to the whole entity.
func (s *svc) getContent(w http.ResponseWriter, r *http.Request, t *target, n *directory.Name, c *client.Client) {
	ctx := r.Context()
	v, err := s.resolveVersion(ctx, n, t)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := acl.Enforce(v.GetACLs(), c, v.String(), versionReadACLs...); err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.conditional(w, r, etag.HashValue(v.Tag), true) {
		return
	}

	sl, err := parseRange(r.Header.Get("Range"), v.NBytes)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", v.NBytes))
		s.writeError(w, r, err)
		return
	}

	content, err := s.dir.GetVersionContent(ctx, v, sl, c)
	if err != nil {
		if errtypes.IsBadRange(err) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", v.NBytes))
		}
		s.writeError(w, r, err)
		return
	}
	if content.Body != nil {
		defer content.Body.Close()
	}

	if content.RedirectURL != "" {
		w.Header().Set("Location", content.RedirectURL)
		w.WriteHeader(http.StatusSeeOther)
		return
	}

	for field, value := range content.Metadata.ToHTTP() {
		w.Header().Set(field, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(content.NBytes, 10))
	if sl != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", sl.Start, sl.Stop-1, v.NBytes))
		w.WriteHeader(http.StatusPartialContent)
	}

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, content.Body); err != nil {
		appctx.GetLogger(ctx).Error().Err(err).Str("version", v.String()).Msg("hatrac: error streaming content")
	}
}

func (s *svc) getVersionList(w http.ResponseWriter, r *http.Request, n *directory.Name, c *client.Client) {
	versions, err := s.dir.ListVersions(r.Context(), n, c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	refs := make([]string, 0, len(versions))
	for _, v := range versions {
		refs = append(refs, s.selfRef(v.String()))
	}
	s.writeJSON(w, r, refs)
}

func (s *svc) getACL(w http.ResponseWriter, r *http.Request, t *target, n *directory.Name, c *client.Client) {
	ctx := r.Context()
	res, err := s.aclResource(ctx, t, n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch {
	case t.access == "":
		acls, err := s.dir.GetACLs(ctx, res, c)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		flat := make(map[string]string, len(acls))
		for access, roles := range acls {
			flat[access] = etag.HashList(roles)
		}
		if s.conditional(w, r, etag.HashDict(flat), true) {
			return
		}
		s.writeJSON(w, r, acls)

	case t.role == "":
		roles, err := s.dir.GetACL(ctx, res, t.access, c)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if s.conditional(w, r, etag.HashList(roles), true) {
			return
		}
		s.writeJSON(w, r, roles)

	default:
		role, err := s.dir.GetACLRole(ctx, res, t.access, t.role, c)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if s.conditional(w, r, etag.HashValue(role), true) {
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintln(w, role)
	}
}

func (s *svc) getMetadata(w http.ResponseWriter, r *http.Request, t *target, n *directory.Name, c *client.Client) {
	ctx := r.Context()
	v, err := s.metadataVersion(ctx, t, n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := acl.Enforce(v.GetACLs(), c, v.String(), versionReadACLs...); err != nil {
		s.writeError(w, r, err)
		return
	}

	fields := v.Metadata.ToHTTP()
	if t.field == "" {
		if s.conditional(w, r, etag.HashDict(fields), true) {
			return
		}
		s.writeJSON(w, r, fields)
		return
	}

	if err := metadata.ValidField(t.field); err != nil {
		s.writeError(w, r, err)
		return
	}
	value, ok := fields[t.field]
	if !ok {
		s.writeError(w, r, errtypes.NotFound("metadata field "+t.field+" not set on "+v.String()))
		return
	}
	if s.conditional(w, r, etag.HashValue(value), true) {
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, value)
}

func (s *svc) getUpload(w http.ResponseWriter, r *http.Request, t *target, n *directory.Name, c *client.Client) {
	ctx := r.Context()
	if t.hasPosition {
		methodNotAllowed(w, "PUT")
		return
	}

	if t.job == "" {
		uploads, err := s.dir.EnumerateUploads(ctx, n, c)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		refs := make([]string, 0, len(uploads))
		for _, u := range uploads {
			refs = append(refs, s.selfRef(u.String()))
		}
		s.writeJSON(w, r, refs)
		return
	}

	u, err := s.dir.ResolveUpload(ctx, n, t.job)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := acl.Enforce(u.GetACLs(), c, u.String(), acl.Owner, acl.AncestorOwner); err != nil {
		s.writeError(w, r, err)
		return
	}

	status := map[string]interface{}{
		"url":            s.selfRef(u.String()),
		"target":         s.selfRef(u.Path),
		"owner":          u.GetACLs().Get(acl.Owner),
		"chunk-length":   u.ChunkSize,
		"content-length": u.NBytes,
	}
	for field, value := range u.Metadata.ToHTTP() {
		status[field] = value
	}
	s.writeJSON(w, r, status)
}

// aclResource resolves the resource whose ACLs a target addresses,
// the name itself or one of its versions.
func (s *svc) aclResource(ctx context.Context, t *target, n *directory.Name) (directory.Resource, error) {
	if t.isVersion() {
		return s.dir.ResolveVersion(ctx, n, t.version)
	}
	return n, nil
}

// metadataVersion resolves the version whose metadata a target
// addresses. A bare object name addresses its current version, and
// namespaces carry no metadata at all.
func (s *svc) metadataVersion(ctx context.Context, t *target, n *directory.Name) (*directory.Version, error) {
	if !n.IsObject() {
		return nil, errtypes.NotFound("namespace " + n.Path + " has no metadata")
	}
	return s.resolveVersion(ctx, n, t)
}

// conditional writes the entity tag and evaluates preconditions,
// reporting true when the request was already answered with 304.
func (s *svc) conditional(w http.ResponseWriter, r *http.Request, tag string, exists bool) bool {
	setETag(w, tag)
	notModified, err := checkPreconditions(r, tag, exists)
	if err != nil {
		s.writeError(w, r, err)
		return true
	}
	if notModified {
		w.WriteHeader(http.StatusNotModified)
		return true
	}
	return false
}

func (s *svc) writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appctx.GetLogger(r.Context()).Error().Err(err).Msg("hatrac: error writing json response")
	}
}

// parseRange interprets a Range header against an entity of the given
// size. Malformed headers and multi-range requests select the whole
// entity; a syntactically valid but unsatisfiable range yields
// BadRange.
func parseRange(header string, size int64) (*storage.Slice, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, nil
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, nil
	}

	if first == "" {
		// suffix form, the last n bytes
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil {
			return nil, nil
		}
		if n <= 0 || size == 0 {
			return nil, errtypes.BadRange("unsatisfiable range " + header)
		}
		if n > size {
			n = size
		}
		return &storage.Slice{Start: size - n, Stop: size}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return nil, nil
	}
	if start >= size {
		return nil, errtypes.BadRange("unsatisfiable range " + header)
	}
	stop := size
	if last != "" {
		end, err := strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return nil, nil
		}
		if end+1 < size {
			stop = end + 1
		}
	}
	return &storage.Slice{Start: start, Stop: stop}, nil
}
