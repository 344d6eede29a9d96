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
	"regexp"
	"strconv"
	"strings"

	"github.com/hatrac/hatrac/pkg/errtypes"
)

// Sub-resource facets of a name or version.
const (
	facetNone = iota
	facetACL
	facetMetadata
	facetVersions
	facetUpload
)

var segmentRe = regexp.MustCompile(`^[^/:;?]+$`)

// target is a parsed request URL: the name path, an optional version
// tag and an optional sub-resource facet.
type target struct {
	path    string
	version string

	facet  int
	access string // ;acl/<access>
	role   string // ;acl/<access>/<role>
	field  string // ;metadata/<field>
	job    string // ;upload/<job>
	// position is the chunk number of ;upload/<job>/<position>.
	// hasPosition distinguishes an addressed chunk from the job
	// itself; the position value may be out of range and is checked
	// by the upload engine.
	position    int64
	hasPosition bool
}

func (t *target) isVersion() bool { return t.version != "" }

// parseTarget splits a decoded request path into the addressed name,
// version and facet. Name grammar violations inside the path itself
// are left to the directory, which validates on resolve.
func parseTarget(p string) (*target, error) {
	if p == "" || p[0] != '/' {
		return nil, errtypes.BadRequest("malformed path " + p)
	}

	t := &target{}

	base := p
	if i := strings.IndexByte(p, ';'); i >= 0 {
		base = p[:i]
		if err := t.parseFacet(p[i+1:]); err != nil {
			return nil, err
		}
	}
	// one trailing slash is tolerated on the name itself
	if len(base) > 1 {
		base = strings.TrimSuffix(base, "/")
	}

	if i := strings.IndexByte(base, ':'); i >= 0 {
		t.version = base[i+1:]
		base = base[:i]
		if !segmentRe.MatchString(t.version) {
			return nil, errtypes.BadRequest("malformed version tag in " + p)
		}
	}
	if base == "" {
		return nil, errtypes.BadRequest("malformed path " + p)
	}
	t.path = base

	if t.isVersion() && (t.facet == facetVersions || t.facet == facetUpload) {
		return nil, errtypes.BadRequest("sub-resource not addressable on a version: " + p)
	}
	return t, nil
}

func (t *target) parseFacet(rest string) error {
	rest = strings.TrimSuffix(rest, "/")
	parts := strings.Split(rest, "/")

	switch parts[0] {
	case "acl":
		t.facet = facetACL
		if len(parts) > 3 {
			return errtypes.BadRequest("malformed ACL address ;" + rest)
		}
		if len(parts) > 1 {
			t.access = parts[1]
		}
		if len(parts) > 2 {
			t.role = parts[2]
		}
		for _, s := range parts[1:] {
			if !segmentRe.MatchString(s) {
				return errtypes.BadRequest("malformed ACL address ;" + rest)
			}
		}
	case "metadata":
		t.facet = facetMetadata
		if len(parts) > 2 {
			return errtypes.BadRequest("malformed metadata address ;" + rest)
		}
		if len(parts) > 1 {
			t.field = parts[1]
			if !segmentRe.MatchString(t.field) {
				return errtypes.BadRequest("malformed metadata address ;" + rest)
			}
		}
	case "versions":
		t.facet = facetVersions
		if len(parts) > 1 {
			return errtypes.BadRequest("malformed versions address ;" + rest)
		}
	case "upload":
		t.facet = facetUpload
		if len(parts) > 3 {
			return errtypes.BadRequest("malformed upload address ;" + rest)
		}
		if len(parts) > 1 {
			t.job = parts[1]
			if !segmentRe.MatchString(t.job) {
				return errtypes.BadRequest("malformed upload address ;" + rest)
			}
		}
		if len(parts) > 2 {
			pos, err := strconv.ParseInt(parts[2], 10, 64)
			if err != nil {
				return errtypes.BadRequest("malformed chunk position ;" + rest)
			}
			t.position = pos
			t.hasPosition = true
		}
	default:
		return errtypes.BadRequest("unknown sub-resource ;" + rest)
	}
	return nil
}
