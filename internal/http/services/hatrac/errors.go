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
	"fmt"
	"net/http"

	"github.com/hatrac/hatrac/pkg/appctx"
	"github.com/hatrac/hatrac/pkg/errtypes"
)

// errorStatus maps a directory or storage error to the HTTP status
// the response carries. Unrecognized errors are internal.
func errorStatus(err error) int {
	switch {
	case errtypes.IsBadRequest(err):
		return http.StatusBadRequest
	case errtypes.IsUnauthenticated(err):
		return http.StatusUnauthorized
	case errtypes.IsPermissionDenied(err):
		return http.StatusForbidden
	case errtypes.IsNotFound(err):
		return http.StatusNotFound
	case errtypes.IsConflict(err):
		return http.StatusConflict
	case errtypes.IsLengthRequired(err):
		return http.StatusLengthRequired
	case errtypes.IsPreconditionFailed(err):
		return http.StatusPreconditionFailed
	case errtypes.IsPayloadTooLarge(err):
		return http.StatusRequestEntityTooLarge
	case errtypes.IsBadRange(err):
		return http.StatusRequestedRangeNotSatisfiable
	case errtypes.IsNotImplemented(err):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as a plain text response. Internal errors
// are logged with the cause and answered with a generic message so
// backend details never reach the client.
func (s *svc) writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := appctx.GetLogger(r.Context())
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("hatrac: request failed")
		http.Error(w, "internal server error", status)
		return
	}
	log.Debug().Err(err).Int("status", status).Str("path", r.URL.Path).Msg("hatrac: request rejected")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	fmt.Fprintln(w, err.Error())
}

// methodNotAllowed answers a method the target does not support,
// advertising the ones it does.
func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	w.WriteHeader(http.StatusMethodNotAllowed)
}
