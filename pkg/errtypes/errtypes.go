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

// Package errtypes contains the error types used across the service.
// Errors carry only a message; callers classify them through the
// predicates below and map them to protocol codes at the edge. The
// predicates look through wrapped errors.
package errtypes

import "errors"

// NotFound is the error to use when a resource is not found.
type NotFound string

func (e NotFound) Error() string { return "error: not found: " + string(e) }

// IsNotFound implements the IsNotFound interface.
func (e NotFound) IsNotFound() {}

// BadRequest is the error to use when the request is malformed: an
// illegal name, an unknown access or metadata key, or a body that
// does not parse.
type BadRequest string

func (e BadRequest) Error() string { return "error: bad request: " + string(e) }

// IsBadRequest implements the IsBadRequest interface.
func (e BadRequest) IsBadRequest() {}

// Unauthenticated is the error to use when an anonymous caller is
// denied access.
type Unauthenticated string

func (e Unauthenticated) Error() string { return "error: unauthenticated: " + string(e) }

// IsUnauthenticated implements the IsUnauthenticated interface.
func (e Unauthenticated) IsUnauthenticated() {}

// PermissionDenied is the error to use when an authenticated caller
// is denied access.
type PermissionDenied string

func (e PermissionDenied) Error() string { return "error: permission denied: " + string(e) }

// IsPermissionDenied implements the IsPermissionDenied interface.
func (e PermissionDenied) IsPermissionDenied() {}

// Conflict is the error to use when a request loses a race or
// violates a uniqueness or immutability rule: a name already in use,
// a parent that is not a namespace, a write-once value rewritten, a
// chunk of the wrong size, or a bucket without versioning.
type Conflict string

func (e Conflict) Error() string { return "error: conflict: " + string(e) }

// IsConflict implements the IsConflict interface.
func (e Conflict) IsConflict() {}

// LengthRequired is the error to use when a request body arrives
// without a usable content length.
type LengthRequired string

func (e LengthRequired) Error() string { return "error: length required: " + string(e) }

// IsLengthRequired implements the IsLengthRequired interface.
func (e LengthRequired) IsLengthRequired() {}

// PreconditionFailed is the error to use when an If-Match or
// If-None-Match condition does not hold.
type PreconditionFailed string

func (e PreconditionFailed) Error() string { return "error: precondition failed: " + string(e) }

// IsPreconditionFailed implements the IsPreconditionFailed interface.
func (e PreconditionFailed) IsPreconditionFailed() {}

// PayloadTooLarge is the error to use when a request body exceeds the
// configured maximum.
type PayloadTooLarge string

func (e PayloadTooLarge) Error() string { return "error: payload too large: " + string(e) }

// IsPayloadTooLarge implements the IsPayloadTooLarge interface.
func (e PayloadTooLarge) IsPayloadTooLarge() {}

// BadRange is the error to use when a byte range cannot be satisfied
// by the addressed content.
type BadRange string

func (e BadRange) Error() string { return "error: bad range: " + string(e) }

// IsBadRange implements the IsBadRange interface.
func (e BadRange) IsBadRange() {}

// NotImplemented is the error to use when a feature is not available.
type NotImplemented string

func (e NotImplemented) Error() string { return "error: not implemented: " + string(e) }

// IsNotImplemented implements the IsNotImplemented interface.
func (e NotImplemented) IsNotImplemented() {}

// ObjectVersionMissing signals that a storage backend does not hold
// the bytes of a version. It is only exchanged between the overlay
// backend and its sub-backends and never reaches a caller.
type ObjectVersionMissing string

func (e ObjectVersionMissing) Error() string {
	return "error: object version missing: " + string(e)
}

// IsObjectVersionMissing implements the IsObjectVersionMissing interface.
func (e ObjectVersionMissing) IsObjectVersionMissing() {}

// IsNotFound reports whether err says a resource is not found.
func IsNotFound(err error) bool {
	var t interface{ IsNotFound() }
	return errors.As(err, &t)
}

// IsBadRequest reports whether err says a request is malformed.
func IsBadRequest(err error) bool {
	var t interface{ IsBadRequest() }
	return errors.As(err, &t)
}

// IsUnauthenticated reports whether err says an anonymous caller was
// rejected.
func IsUnauthenticated(err error) bool {
	var t interface{ IsUnauthenticated() }
	return errors.As(err, &t)
}

// IsPermissionDenied reports whether err says an authenticated caller
// lacks authority.
func IsPermissionDenied(err error) bool {
	var t interface{ IsPermissionDenied() }
	return errors.As(err, &t)
}

// IsConflict reports whether err says a request conflicts with
// committed state.
func IsConflict(err error) bool {
	var t interface{ IsConflict() }
	return errors.As(err, &t)
}

// IsLengthRequired reports whether err says a body length was missing.
func IsLengthRequired(err error) bool {
	var t interface{ IsLengthRequired() }
	return errors.As(err, &t)
}

// IsPreconditionFailed reports whether err says a protocol
// precondition did not hold.
func IsPreconditionFailed(err error) bool {
	var t interface{ IsPreconditionFailed() }
	return errors.As(err, &t)
}

// IsPayloadTooLarge reports whether err says a body exceeded the
// configured maximum.
func IsPayloadTooLarge(err error) bool {
	var t interface{ IsPayloadTooLarge() }
	return errors.As(err, &t)
}

// IsBadRange reports whether err says a byte range is unsatisfiable.
func IsBadRange(err error) bool {
	var t interface{ IsBadRange() }
	return errors.As(err, &t)
}

// IsNotImplemented reports whether err says a feature is not
// available.
func IsNotImplemented(err error) bool {
	var t interface{ IsNotImplemented() }
	return errors.As(err, &t)
}

// IsObjectVersionMissing reports whether err says a backend does not
// hold a version's bytes.
func IsObjectVersionMissing(err error) bool {
	var t interface{ IsObjectVersionMissing() }
	return errors.As(err, &t)
}
