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
	"io"
	"net/http"

	"github.com/hatrac/hatrac/pkg/client"
	"github.com/hatrac/hatrac/pkg/errtypes"
	"github.com/hatrac/hatrac/pkg/metadata"
)

func (s *svc) handlePost(w http.ResponseWriter, r *http.Request) {
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
		methodNotAllowed(w, "GET, HEAD, PUT, DELETE")
	case facetACL, facetMetadata:
		methodNotAllowed(w, "GET, HEAD, PUT, DELETE")
	case facetVersions:
		methodNotAllowed(w, "GET, HEAD")
	case facetUpload:
		switch {
		case t.hasPosition:
			methodNotAllowed(w, "PUT")
		case t.job == "":
			s.postUpload(w, r, t, c)
		default:
			s.postFinalize(w, r, t, c)
		}
	}
}

// postUpload opens a chunked upload job against an existing object.
func (s *svc) postUpload(w http.ResponseWriter, r *http.Request, t *target, c *client.Client) {
	ctx := r.Context()
	if err := s.enforceFirewall(opCreate, c); err != nil {
		s.writeError(w, r, err)
		return
	}
	if contentTypeOf(r) != "application/json" {
		s.writeError(w, r, errtypes.BadRequest("only application/json input is accepted for upload jobs"))
		return
	}
	req, err := parseUploadRequest(io.LimitReader(r.Body, s.conf.MaxRequestPayloadSize))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	n, err := s.dir.Resolve(ctx, t.path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.dir.CreateUpload(ctx, n, req.contentLength, req.chunkLength, req.metadata, c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.created(w, s.selfRef(u.String()))
}

// postFinalize closes a job whose chunks are all staged, making the
// assembled bytes visible as a new version.
func (s *svc) postFinalize(w http.ResponseWriter, r *http.Request, t *target, c *client.Client) {
	ctx := r.Context()
	if err := s.enforceFirewall(opCreate, c); err != nil {
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
	v, err := s.dir.FinalizeUpload(ctx, u, c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.created(w, s.selfRef(v.String()))
}

// uploadRequest is the JSON descriptor opening an upload job.
type uploadRequest struct {
	chunkLength   int64
	contentLength int64
	metadata      metadata.Map
}

// parseUploadRequest decodes the job descriptor. The field set is
// closed: chunk-length and content-length are required, the metadata
// fields optional, anything else rejected.
func parseUploadRequest(body io.Reader) (*uploadRequest, error) {
	dec := json.NewDecoder(body)
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, errtypes.BadRequest("error reading JSON input")
	}

	req := &uploadRequest{chunkLength: -1, contentLength: -1}
	fields := make(map[string]string)
	for k, v := range raw {
		switch k {
		case "chunk-length":
			n, err := jsonInt(k, v)
			if err != nil {
				return nil, err
			}
			req.chunkLength = n
		case "content-length":
			n, err := jsonInt(k, v)
			if err != nil {
				return nil, err
			}
			req.contentLength = n
		case metadata.ContentType, metadata.ContentMD5, metadata.ContentSHA256, metadata.ContentDisposition:
			sv, ok := v.(string)
			if !ok {
				return nil, errtypes.BadRequest("upload field " + k + " must be a string")
			}
			fields[k] = sv
		default:
			return nil, errtypes.BadRequest("unknown upload field " + k)
		}
	}
	if req.chunkLength < 0 || req.contentLength < 0 {
		return nil, errtypes.BadRequest("upload job requires chunk-length and content-length")
	}

	md, err := metadata.FromHTTP(fields)
	if err != nil {
		return nil, err
	}
	req.metadata = md
	return req, nil
}

func jsonInt(field string, v interface{}) (int64, error) {
	num, ok := v.(json.Number)
	if !ok {
		return 0, errtypes.BadRequest("upload field " + field + " must be an integer")
	}
	n, err := num.Int64()
	if err != nil || n < 0 {
		return 0, errtypes.BadRequest("upload field " + field + " must be a non-negative integer")
	}
	return n, nil
}
