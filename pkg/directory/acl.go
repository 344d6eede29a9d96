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
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/hatrac/hatrac/pkg/acl"
	"github.com/hatrac/hatrac/pkg/client"
	"github.com/hatrac/hatrac/pkg/errtypes"
)

// reloadResource re-resolves any resource kind inside the transaction
// and names the table its direct ACLs live in.
func (d *Directory) reloadResource(tx *sql.Tx, r Resource) (Resource, int64, string, error) {
	switch t := r.(type) {
	case *Name:
		cur, err := d.reloadName(tx, t)
		if err != nil {
			return nil, 0, "", err
		}
		return cur, cur.ID, "name_acls", nil
	case *Version:
		cur, _, err := d.reloadVersion(tx, t)
		if err != nil {
			return nil, 0, "", err
		}
		return cur, cur.ID, "version_acls", nil
	case *Upload:
		cur, _, err := d.reloadUpload(tx, t)
		if err != nil {
			return nil, 0, "", err
		}
		return cur, cur.ID, "upload_acls", nil
	}
	return nil, 0, "", errors.Errorf("directory: unsupported resource %T", r)
}

// GetACLs returns the direct ACLs of a resource keyed by access name,
// each a sorted role list. The synthetic ancestor sets are not
// exposed here.
func (d *Directory) GetACLs(ctx context.Context, r Resource, c *client.Client) (map[string][]string, error) {
	var out map[string][]string
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		cur, _, _, err := d.reloadResource(tx, r)
		if err != nil {
			return err
		}
		if err := acl.Enforce(cur.GetACLs(), c, cur.String(), cur.managementACLs()...); err != nil {
			return err
		}
		out = make(map[string][]string, len(cur.settableACLs()))
		for _, a := range cur.settableACLs() {
			out[a] = cur.GetACLs().Get(a).Roles()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetACL returns one direct ACL of a resource as a sorted role list.
func (d *Directory) GetACL(ctx context.Context, r Resource, access string, c *client.Client) ([]string, error) {
	if err := acl.ValidAccess(r.settableACLs(), access); err != nil {
		return nil, err
	}
	var roles []string
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		cur, _, _, err := d.reloadResource(tx, r)
		if err != nil {
			return err
		}
		if err := acl.Enforce(cur.GetACLs(), c, cur.String(), cur.managementACLs()...); err != nil {
			return err
		}
		roles = cur.GetACLs().Get(access).Roles()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return roles, nil
}

// GetACLRole returns role if it is a member of the named ACL.
func (d *Directory) GetACLRole(ctx context.Context, r Resource, access, role string, c *client.Client) (string, error) {
	roles, err := d.GetACL(ctx, r, access, c)
	if err != nil {
		return "", err
	}
	for _, member := range roles {
		if member == role {
			return role, nil
		}
	}
	return "", errtypes.NotFound("role " + role + " not in ACL " + access + " of " + r.String())
}

// SetACL replaces one direct ACL of a resource with the given roles,
// collapsing duplicates. An empty list clears the ACL.
func (d *Directory) SetACL(ctx context.Context, r Resource, access string, roles []string, c *client.Client) error {
	if err := acl.ValidAccess(r.settableACLs(), access); err != nil {
		return err
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		cur, id, table, err := d.reloadResource(tx, r)
		if err != nil {
			return err
		}
		if err := acl.Enforce(cur.GetACLs(), c, cur.String(), cur.managementACLs()...); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE id = ? AND access = ?", id, access); err != nil {
			return errors.Wrap(err, "directory: error clearing acl")
		}
		for _, role := range acl.NewSet(roles...).Roles() {
			if _, err := tx.Exec("INSERT INTO "+table+" (id, access, role) VALUES (?, ?, ?)", id, access, role); err != nil {
				return errors.Wrap(err, "directory: error granting acl role")
			}
		}
		return nil
	})
}

// SetACLRole adds one role to a direct ACL; adding a present role is
// a no-op.
func (d *Directory) SetACLRole(ctx context.Context, r Resource, access, role string, c *client.Client) error {
	if err := acl.ValidAccess(r.settableACLs(), access); err != nil {
		return err
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		cur, id, table, err := d.reloadResource(tx, r)
		if err != nil {
			return err
		}
		if err := acl.Enforce(cur.GetACLs(), c, cur.String(), cur.managementACLs()...); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE id = ? AND access = ? AND role = ?", id, access, role); err != nil {
			return errors.Wrap(err, "directory: error replacing acl role")
		}
		if _, err := tx.Exec("INSERT INTO "+table+" (id, access, role) VALUES (?, ?, ?)", id, access, role); err != nil {
			return errors.Wrap(err, "directory: error granting acl role")
		}
		return nil
	})
}

// DropACLRole removes one role from a direct ACL.
func (d *Directory) DropACLRole(ctx context.Context, r Resource, access, role string, c *client.Client) error {
	if err := acl.ValidAccess(r.settableACLs(), access); err != nil {
		return err
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		cur, id, table, err := d.reloadResource(tx, r)
		if err != nil {
			return err
		}
		if err := acl.Enforce(cur.GetACLs(), c, cur.String(), cur.managementACLs()...); err != nil {
			return err
		}
		res, err := tx.Exec("DELETE FROM "+table+" WHERE id = ? AND access = ? AND role = ?", id, access, role)
		if err != nil {
			return errors.Wrap(err, "directory: error dropping acl role")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "directory: error dropping acl role")
		}
		if n == 0 {
			return errtypes.NotFound("role " + role + " not in ACL " + access + " of " + cur.String())
		}
		return nil
	})
}

// ClearACL empties one direct ACL of a resource.
func (d *Directory) ClearACL(ctx context.Context, r Resource, access string, c *client.Client) error {
	if err := acl.ValidAccess(r.settableACLs(), access); err != nil {
		return err
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		cur, id, table, err := d.reloadResource(tx, r)
		if err != nil {
			return err
		}
		if err := acl.Enforce(cur.GetACLs(), c, cur.String(), cur.managementACLs()...); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE id = ? AND access = ?", id, access); err != nil {
			return errors.Wrap(err, "directory: error clearing acl")
		}
		return nil
	})
}
