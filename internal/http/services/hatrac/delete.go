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
	"net/http"

	"github.com/hatrac/hatrac/pkg/client"
	"github.com/hatrac/hatrac/pkg/directory"
	"github.com/hatrac/hatrac/pkg/etag"
)

func (s *svc) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.mutating(w) {
		return
	}
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
		s.deleteName(w, r, t, n, c)
	case facetACL:
		s.deleteACL(w, r, t, n, c)
	case facetMetadata:
		s.deleteMetadata(w, r, t, n, c)
	case facetVersions:
		methodNotAllowed(w, "GET, HEAD")
	case facetUpload:
		s.deleteUpload(w, r, t, n, c)
	}
}

// deleteName retires a whole name or a single version of an object.
func (s *svc) deleteName(w http.ResponseWriter, r *http.Request, t *target, n *directory.Name, c *client.Client) {
	ctx := r.Context()
	if err := s.enforceFirewall(opDelete, c); err != nil {
		s.writeError(w, r, err)
		return
	}

	if t.isVersion() {
		v, err := s.dir.ResolveVersion(ctx, n, t.version)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.dir.DeleteVersion(ctx, v, c); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.dir.DeleteName(ctx, n, c); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *svc) deleteACL(w http.ResponseWriter, r *http.Request, t *target, n *directory.Name, c *client.Client) {
	ctx := r.Context()
	if t.access == "" {
		methodNotAllowed(w, "GET, HEAD")
		return
	}
	if err := s.enforceFirewall(opManageACL, c); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.aclResource(ctx, t, n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if t.role != "" {
		err = s.dir.DropACLRole(ctx, res, t.access, t.role, c)
	} else {
		err = s.dir.ClearACL(ctx, res, t.access, c)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *svc) deleteMetadata(w http.ResponseWriter, r *http.Request, t *target, n *directory.Name, c *client.Client) {
	ctx := r.Context()
	if t.field == "" {
		methodNotAllowed(w, "GET, HEAD")
		return
	}
	if err := s.enforceFirewall(opManageMetadata, c); err != nil {
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

	if _, err := s.dir.PopVersionMetadata(ctx, v, t.field, c); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *svc) deleteUpload(w http.ResponseWriter, r *http.Request, t *target, n *directory.Name, c *client.Client) {
	ctx := r.Context()
	switch {
	case t.hasPosition:
		methodNotAllowed(w, "PUT")
		return
	case t.job == "":
		methodNotAllowed(w, "GET, HEAD, POST")
		return
	}
	if err := s.enforceFirewall(opDelete, c); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.dir.ResolveUpload(ctx, n, t.job)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.dir.CancelUpload(ctx, u, c); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
