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

package directory

import (
	"time"

	"github.com/hatrac/hatrac/pkg/acl"
	"github.com/hatrac/hatrac/pkg/metadata"
	"github.com/hatrac/hatrac/pkg/storage"
)

// Name subtypes.
const (
	SubtypeNamespace = 0
	SubtypeObject    = 1
)

// Name is a bound name: a namespace or an object.
type Name struct {
	ID        int64
	ParentID  int64
	Path      string
	Subtype   int
	IsDeleted bool
	Ancestors []int64
	ACLs      acl.Map
}

// IsObject reports whether the name is an object rather than a
// namespace.
func (n *Name) IsObject() bool { return n.Subtype == SubtypeObject }

// IsRoot reports whether the name is the root namespace.
func (n *Name) IsRoot() bool { return n.Path == "/" }

func (n *Name) String() string { return n.Path }

// GetACLs returns the effective ACL map of the name, direct classes
// plus the inherited ancestor classes.
func (n *Name) GetACLs() acl.Map { return n.ACLs }

func (n *Name) settableACLs() []string {
	if n.IsObject() {
		return acl.ObjectAccesses
	}
	return acl.NamespaceAccesses
}

func (n *Name) managementACLs() []string {
	return []string{acl.Owner, acl.AncestorOwner}
}

// Version is one immutable revision of an object. The Tag is empty
// while the version is still invisible (bytes not yet durable).
type Version struct {
	ID        int64
	NameID    int64
	Path      string
	Tag       string
	NBytes    int64
	Metadata  metadata.Map
	Aux       storage.Aux
	IsDeleted bool
	ACLs      acl.Map
}

func (v *Version) String() string { return v.Path + ":" + v.Tag }

// GetACLs returns the effective ACL map of the version, including the
// subtree classes rolled up from the owning object and the ancestor
// classes of the object's proper ancestors.
func (v *Version) GetACLs() acl.Map { return v.ACLs }

func (v *Version) settableACLs() []string { return acl.VersionAccesses }

func (v *Version) managementACLs() []string {
	return []string{acl.Owner, acl.SubtreeOwner, acl.AncestorOwner}
}

// readACLs lists the access classes granting read on a version.
func (v *Version) readACLs() []string {
	return []string{acl.Owner, acl.Read, acl.SubtreeOwner, acl.SubtreeRead, acl.AncestorOwner, acl.AncestorRead}
}

// Upload is a pending chunked-upload job bound to an object.
type Upload struct {
	ID        int64
	NameID    int64
	Path      string
	Job       string
	NBytes    int64
	ChunkSize int64
	Metadata  metadata.Map
	Created   time.Time
	ACLs      acl.Map
}

func (u *Upload) String() string { return u.Path + ";upload/" + u.Job }

// GetACLs returns the effective ACL map of the upload.
func (u *Upload) GetACLs() acl.Map { return u.ACLs }

func (u *Upload) settableACLs() []string { return acl.UploadAccesses }

func (u *Upload) managementACLs() []string {
	return []string{acl.Owner, acl.AncestorOwner}
}

// Chunk shape of the job: nchunks full chunks plus an optional final
// chunk of remainder bytes.
func (u *Upload) nchunks() int64   { return u.NBytes / u.ChunkSize }
func (u *Upload) remainder() int64 { return u.NBytes % u.ChunkSize }

// Resource is any ACL-bearing directory resource.
type Resource interface {
	String() string
	GetACLs() acl.Map
	settableACLs() []string
	managementACLs() []string
}

// Access class sets used by the lifecycle operations.
var (
	// creating a child under a namespace
	namespaceCreateACLs = []string{acl.Owner, acl.Create, acl.AncestorOwner, acl.AncestorCreate}
	// writing a new version or upload job to an object
	objectUpdateACLs = []string{acl.Owner, acl.Update, acl.AncestorOwner, acl.AncestorUpdate}
	// reading object state such as version listings
	objectReadACLs = []string{acl.Owner, acl.Read, acl.AncestorOwner}
)
