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

// Package acl implements the access-control model: per-resource role
// sets keyed by access name, the subtree/ancestor inheritance names,
// and the matching rules for a caller.
package acl

import (
	"encoding/json"
	"sort"

	"github.com/juliangruber/go-intersect"

	"github.com/hatrac/hatrac/pkg/client"
	"github.com/hatrac/hatrac/pkg/errtypes"
)

// Access names managed directly on resources.
const (
	Owner         = "owner"
	Create        = "create"
	Read          = "read"
	Update        = "update"
	SubtreeOwner  = "subtree-owner"
	SubtreeCreate = "subtree-create"
	SubtreeRead   = "subtree-read"
	SubtreeUpdate = "subtree-update"
)

// Synthetic access names holding inherited roles. They are computed
// when a resource is loaded, by unioning the corresponding subtree
// sets over the resource's proper ancestors, and cannot be addressed
// through the ACL API.
const (
	AncestorOwner  = "ancestor_owner"
	AncestorCreate = "ancestor_create"
	AncestorRead   = "ancestor_read"
	AncestorUpdate = "ancestor_update"
)

// Wildcard matches any caller, including anonymous ones.
const Wildcard = "*"

// Direct access names per resource kind. Anything else is rejected
// with a bad request.
var (
	NamespaceAccesses = []string{Owner, Create, SubtreeOwner, SubtreeCreate, SubtreeRead, SubtreeUpdate}
	ObjectAccesses    = []string{Owner, Update, Read, SubtreeOwner, SubtreeRead}
	VersionAccesses   = []string{Owner, Read}
	UploadAccesses    = []string{Owner}
)

// ValidAccess returns nil if access is one of the names in valid,
// else a BadRequest carrying the offending name.
func ValidAccess(valid []string, access string) error {
	for _, a := range valid {
		if a == access {
			return nil
		}
	}
	return errtypes.BadRequest("unknown ACL access name " + access)
}

// Set is an unordered, duplicate-free collection of role strings
// granting one access. The zero value is usable as an empty set.
type Set map[string]struct{}

// NewSet builds a set from the given roles.
func NewSet(roles ...string) Set {
	s := make(Set, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

// Add inserts a role.
func (s Set) Add(role string) { s[role] = struct{}{} }

// Remove deletes a role and reports whether it was present.
func (s Set) Remove(role string) bool {
	_, ok := s[role]
	delete(s, role)
	return ok
}

// Has reports role membership.
func (s Set) Has(role string) bool {
	_, ok := s[role]
	return ok
}

// Roles returns the members in sorted order.
func (s Set) Roles() []string {
	roles := make([]string, 0, len(s))
	for r := range s {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// Union returns a new set holding the members of s and others.
func (s Set) Union(others ...Set) Set {
	u := make(Set, len(s))
	for r := range s {
		u[r] = struct{}{}
	}
	for _, o := range others {
		for r := range o {
			u[r] = struct{}{}
		}
	}
	return u
}

// Matches reports whether the caller is granted by this set: the
// wildcard admits anyone, otherwise an authenticated caller matches
// on its id or on any of its attribute ids.
func (s Set) Matches(c *client.Client) bool {
	if s.Has(Wildcard) {
		return true
	}
	if !c.Authenticated() {
		return false
	}
	if s.Has(c.ID) {
		return true
	}
	return len(intersect.Simple(s.Roles(), c.Attributes)) > 0
}

// MarshalJSON encodes the set as a sorted JSON array of roles.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Roles())
}

// UnmarshalJSON decodes a JSON array of roles, collapsing duplicates.
func (s *Set) UnmarshalJSON(b []byte) error {
	var roles []string
	if err := json.Unmarshal(b, &roles); err != nil {
		return err
	}
	*s = NewSet(roles...)
	return nil
}

// Map relates access names to role sets. Loaded resources carry both
// their direct sets and the synthetic ancestor_* sets.
type Map map[string]Set

// Get returns the set for access, which may be nil.
func (m Map) Get(access string) Set { return m[access] }

// Enforce accepts if any of the named access sets grants the caller
// taken from ctx. A denied anonymous caller yields Unauthenticated,
// a denied authenticated caller PermissionDenied; resource names the
// denied resource in the error message.
func Enforce(m Map, c *client.Client, resource string, accesses ...string) error {
	for _, a := range accesses {
		if m[a].Matches(c) {
			return nil
		}
	}
	if c.Authenticated() {
		return errtypes.PermissionDenied("client " + c.ID + " on " + resource)
	}
	return errtypes.Unauthenticated("anonymous access on " + resource)
}
