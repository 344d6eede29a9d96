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
	"strings"

	"github.com/hatrac/hatrac/pkg/errtypes"
)

// checkPreconditions evaluates If-Match and If-None-Match against the
// entity tag of the addressed state. exists is false when the state
// has no representation yet, such as an unset metadata field, so that
// If-None-Match "*" guards creation. A matched If-None-Match on a
// read reports notModified, everything else that fails yields a
// precondition error.
func checkPreconditions(r *http.Request, tag string, exists bool) (notModified bool, err error) {
	if im := r.Header.Get("If-Match"); im != "" {
		if !exists || !etagIn(im, tag) {
			return false, errtypes.PreconditionFailed("if-match failed on " + r.URL.Path)
		}
	}
	if inm := r.Header.Get("If-None-Match"); inm != "" && exists && etagIn(inm, tag) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			return true, nil
		}
		return false, errtypes.PreconditionFailed("if-none-match failed on " + r.URL.Path)
	}
	return false, nil
}

// etagIn reports whether tag is named by an If-Match or If-None-Match
// header value. Weak comparison: a W/ prefix is ignored.
func etagIn(header, tag string) bool {
	for _, part := range strings.Split(header, ",") {
		p := strings.TrimSpace(part)
		if p == "*" {
			return true
		}
		p = strings.TrimPrefix(p, "W/")
		p = strings.Trim(p, `"`)
		if p == tag {
			return true
		}
	}
	return false
}

func setETag(w http.ResponseWriter, tag string) {
	w.Header().Set("ETag", `"`+tag+`"`)
}
