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
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/hatrac/hatrac/pkg/acl"
	"github.com/hatrac/hatrac/pkg/appctx"
	"github.com/hatrac/hatrac/pkg/client"
	"github.com/hatrac/hatrac/pkg/errtypes"
)

var segmentRe = regexp.MustCompile(`^[^/:;?]+$`)

func validatePath(p string) error {
	if p == "" || p[0] != '/' {
		return errtypes.BadRequest("name " + p + " is not absolute")
	}
	if p == "/" {
		return nil
	}
	for _, seg := range strings.Split(p[1:], "/") {
		switch {
		case seg == "":
			return errtypes.BadRequest("name component may not be empty")
		case seg == "." || seg == "..":
			return errtypes.BadRequest("name component " + seg + " is not allowed")
		case !segmentRe.MatchString(seg):
			return errtypes.BadRequest("name component " + seg + " contains illegal characters")
		}
	}
	return nil
}

func parentPath(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// likePattern escapes a path for use in a LIKE subtree match.
func likePattern(path string) string {
	esc := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(path)
	if path == "/" {
		return esc + "%"
	}
	return esc + "/%"
}

const nameColumns = "id, COALESCE(pid, 0), name, subtype, is_deleted, ancestors"

func scanName(row interface{ Scan(...interface{}) error }) (*Name, error) {
	n := &Name{}
	var ancestors string
	err := row.Scan(&n.ID, &n.ParentID, &n.Path, &n.Subtype, &n.IsDeleted, &ancestors)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "directory: error scanning name")
	}
	if n.Ancestors, err = decodeIDs(ancestors); err != nil {
		return nil, err
	}
	return n, nil
}

func (d *Directory) nameByPath(tx *sql.Tx, path string) (*Name, error) {
	return scanName(tx.QueryRow("SELECT "+nameColumns+" FROM names WHERE name = ?", path))
}

func (d *Directory) nameByID(tx *sql.Tx, id int64) (*Name, error) {
	return scanName(tx.QueryRow("SELECT "+nameColumns+" FROM names WHERE id = ?", id))
}

// reloadName re-resolves a name by id inside the transaction, so that
// checks and mutations act on current state rather than on whatever
// the caller resolved earlier.
func (d *Directory) reloadName(tx *sql.Tx, n *Name) (*Name, error) {
	cur, err := d.nameByID(tx, n.ID)
	if err != nil {
		return nil, err
	}
	if cur == nil || cur.IsDeleted {
		return nil, errtypes.NotFound("name " + n.Path + " not found")
	}
	return cur, d.loadNameACLs(tx, cur)
}

// loadNameACLs loads the direct ACLs of a name and computes the
// inherited ancestor classes from the subtree grants of its proper
// ancestors.
func (d *Directory) loadNameACLs(tx *sql.Tx, n *Name) error {
	n.ACLs = acl.Map{}
	for _, a := range n.settableACLs() {
		n.ACLs[a] = acl.NewSet()
	}

	rows, err := tx.Query("SELECT access, role FROM name_acls WHERE id = ?", n.ID)
	if err != nil {
		return errors.Wrap(err, "directory: error loading name acls")
	}
	defer rows.Close()
	for rows.Next() {
		var access, role string
		if err := rows.Scan(&access, &role); err != nil {
			return errors.Wrap(err, "directory: error scanning name acls")
		}
		if set, ok := n.ACLs[access]; ok {
			set.Add(role)
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "directory: error loading name acls")
	}

	inherited := map[string]string{acl.SubtreeOwner: acl.AncestorOwner, acl.SubtreeCreate: acl.AncestorCreate}
	if n.IsObject() {
		inherited = map[string]string{acl.SubtreeOwner: acl.AncestorOwner, acl.SubtreeUpdate: acl.AncestorUpdate}
	}
	return d.ancestorACLs(tx, n.Ancestors, inherited, n.ACLs)
}

// ancestorACLs unions subtree grants of the given names into the
// mapped inherited classes of the target map.
func (d *Directory) ancestorACLs(tx *sql.Tx, ids []int64, inherited map[string]string, into acl.Map) error {
	accesses := make([]string, 0, len(inherited))
	for a, target := range inherited {
		accesses = append(accesses, a)
		if _, ok := into[target]; !ok {
			into[target] = acl.NewSet()
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(accesses)

	args := make([]interface{}, 0, len(ids)+len(accesses))
	for _, id := range ids {
		args = append(args, id)
	}
	for _, a := range accesses {
		args = append(args, a)
	}
	rows, err := tx.Query(
		"SELECT access, role FROM name_acls WHERE id IN ("+placeholders(len(ids))+") AND access IN ("+placeholders(len(accesses))+")",
		args...)
	if err != nil {
		return errors.Wrap(err, "directory: error loading ancestor acls")
	}
	defer rows.Close()
	for rows.Next() {
		var access, role string
		if err := rows.Scan(&access, &role); err != nil {
			return errors.Wrap(err, "directory: error scanning ancestor acls")
		}
		into[inherited[access]].Add(role)
	}
	return rows.Err()
}

func (d *Directory) resolveTx(tx *sql.Tx, path string) (*Name, error) {
	n, err := d.nameByPath(tx, path)
	if err != nil {
		return nil, err
	}
	if n == nil || n.IsDeleted {
		return nil, errtypes.NotFound("name " + path + " not found")
	}
	return n, d.loadNameACLs(tx, n)
}

// Resolve returns the live name bound to path, with its effective
// ACLs loaded.
func (d *Directory) Resolve(ctx context.Context, path string) (*Name, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	var n *Name
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = d.resolveTx(tx, path)
		return err
	})
	return n, err
}

// CreateName binds a new namespace or object under an existing
// namespace. With makeParents, missing ancestor namespaces are created
// in the same transaction, enforcing create rights at every level. The
// caller becomes owner of everything newly created.
func (d *Directory) CreateName(ctx context.Context, path string, subtype int, makeParents bool, c *client.Client) (*Name, error) {
	if subtype != SubtypeNamespace && subtype != SubtypeObject {
		return nil, errtypes.BadRequest("unknown name subtype")
	}
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if path == "/" {
		return nil, errtypes.Conflict("name / is already in use")
	}

	var created *Name
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := d.nameByPath(tx, path)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.IsDeleted {
				return errtypes.Conflict("name " + path + " is not available")
			}
			return errtypes.Conflict("name " + path + " is already in use")
		}
		parent, err := d.ensureParent(tx, parentPath(path), makeParents, c)
		if err != nil {
			return err
		}
		created, err = d.insertName(tx, parent, path, subtype, c)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (d *Directory) ensureParent(tx *sql.Tx, path string, makeParents bool, c *client.Client) (*Name, error) {
	n, err := d.nameByPath(tx, path)
	if err != nil {
		return nil, err
	}
	if n != nil {
		if n.IsDeleted {
			return nil, errtypes.Conflict("parent " + path + " is not available")
		}
		if n.IsObject() {
			return nil, errtypes.Conflict("parent " + path + " is not a namespace")
		}
		return n, d.loadNameACLs(tx, n)
	}
	if path == "/" {
		return nil, errors.New("directory: root namespace missing, deploy the schema first")
	}
	if !makeParents {
		return nil, errtypes.Conflict("parent " + path + " does not exist")
	}
	grandparent, err := d.ensureParent(tx, parentPath(path), true, c)
	if err != nil {
		return nil, err
	}
	return d.insertName(tx, grandparent, path, SubtypeNamespace, c)
}

func (d *Directory) insertName(tx *sql.Tx, parent *Name, path string, subtype int, c *client.Client) (*Name, error) {
	if err := acl.Enforce(parent.ACLs, c, parent.String(), namespaceCreateACLs...); err != nil {
		return nil, err
	}

	ancestors := append(append([]int64{}, parent.Ancestors...), parent.ID)
	res, err := tx.Exec(
		"INSERT INTO names (pid, name, subtype, is_deleted, ancestors) VALUES (?, ?, ?, 0, ?)",
		parent.ID, path, subtype, encodeIDs(ancestors))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errtypes.Conflict("name " + path + " is already in use")
		}
		return nil, errors.Wrap(err, "directory: error inserting name")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "directory: error reading inserted name id")
	}
	if c.Authenticated() {
		if _, err := tx.Exec("INSERT INTO name_acls (id, access, role) VALUES (?, 'owner', ?)", id, c.ID); err != nil {
			return nil, errors.Wrap(err, "directory: error granting ownership")
		}
	}

	n := &Name{ID: id, ParentID: parent.ID, Path: path, Subtype: subtype, Ancestors: ancestors}
	return n, d.loadNameACLs(tx, n)
}

// DeleteName soft-deletes a name and its entire subtree: descendant
// names, their visible versions and pending uploads. Deletion of any
// descendant the caller does not own fails the whole operation. After
// commit the bulk backend is told to drop version bytes, abort upload
// jobs and prune empty directories; failures there are logged, not
// surfaced.
func (d *Directory) DeleteName(ctx context.Context, n *Name, c *client.Client) error {
	if n.IsRoot() {
		return errtypes.PermissionDenied("root namespace cannot be deleted")
	}

	var cleanup []func(context.Context)
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		cleanup = cleanup[:0]

		cur, err := d.reloadName(tx, n)
		if err != nil {
			return err
		}
		names, err := d.subtreeNames(tx, cur)
		if err != nil {
			return err
		}

		ids := make([]int64, 0, len(names))
		byID := make(map[int64]*Name, len(names))
		for _, sn := range names {
			if err := acl.Enforce(sn.ACLs, c, sn.String(), sn.managementACLs()...); err != nil {
				return err
			}
			ids = append(ids, sn.ID)
			byID[sn.ID] = sn
		}

		versions, err := d.versionsForNames(tx, ids, byID)
		if err != nil {
			return err
		}
		for _, v := range versions {
			if err := acl.Enforce(v.ACLs, c, v.String(), v.managementACLs()...); err != nil {
				return err
			}
			v := v
			cleanup = append(cleanup, func(ctx context.Context) {
				if err := d.backend.Delete(ctx, v.Path, v.Tag, v.Aux); err != nil && !errtypes.IsObjectVersionMissing(err) {
					appctx.GetLogger(ctx).Error().Err(err).Str("version", v.String()).Msg("error deleting version content")
				}
			})
		}

		uploads, err := d.uploadsForNames(tx, ids, byID)
		if err != nil {
			return err
		}
		for _, u := range uploads {
			if err := acl.Enforce(u.ACLs, c, u.String(), u.managementACLs()...); err != nil {
				return err
			}
			u := u
			cleanup = append(cleanup, func(ctx context.Context) {
				if err := d.backend.CancelUpload(ctx, u.Path, u.Job); err != nil {
					appctx.GetLogger(ctx).Error().Err(err).Str("upload", u.String()).Msg("error aborting upload job")
				}
			})
		}

		ph := placeholders(len(ids))
		args := make([]interface{}, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		if _, err := tx.Exec("UPDATE names SET is_deleted = 1 WHERE id IN ("+ph+")", args...); err != nil {
			return errors.Wrap(err, "directory: error deleting names")
		}
		if _, err := tx.Exec("UPDATE versions SET is_deleted = 1 WHERE nameid IN ("+ph+")", args...); err != nil {
			return errors.Wrap(err, "directory: error deleting versions")
		}
		if _, err := tx.Exec("DELETE FROM chunks WHERE uploadid IN (SELECT id FROM uploads WHERE nameid IN ("+ph+"))", args...); err != nil {
			return errors.Wrap(err, "directory: error deleting chunks")
		}
		if _, err := tx.Exec("DELETE FROM upload_acls WHERE id IN (SELECT id FROM uploads WHERE nameid IN ("+ph+"))", args...); err != nil {
			return errors.Wrap(err, "directory: error deleting upload acls")
		}
		if _, err := tx.Exec("DELETE FROM uploads WHERE nameid IN ("+ph+")", args...); err != nil {
			return errors.Wrap(err, "directory: error deleting uploads")
		}

		// prune directories children before parents
		for i := len(names) - 1; i >= 0; i-- {
			sn := names[i]
			if sn.IsObject() {
				continue
			}
			path := sn.Path
			cleanup = append(cleanup, func(ctx context.Context) {
				if err := d.backend.DeleteNamespace(ctx, path); err != nil {
					appctx.GetLogger(ctx).Error().Err(err).Str("namespace", path).Msg("error pruning namespace storage")
				}
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, f := range cleanup {
		f(ctx)
	}
	return nil
}

// subtreeNames returns the live subtree rooted at n, n itself first,
// sorted by path, with ACLs loaded.
func (d *Directory) subtreeNames(tx *sql.Tx, n *Name) ([]*Name, error) {
	rows, err := tx.Query(
		"SELECT "+nameColumns+" FROM names WHERE (name = ? OR name LIKE ? ESCAPE '!') AND is_deleted = 0 ORDER BY name",
		n.Path, likePattern(n.Path))
	if err != nil {
		return nil, errors.Wrap(err, "directory: error enumerating subtree")
	}
	defer rows.Close()

	var names []*Name
	for rows.Next() {
		sn, err := scanName(rows)
		if err != nil {
			return nil, err
		}
		names = append(names, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "directory: error enumerating subtree")
	}
	for _, sn := range names {
		if err := d.loadNameACLs(tx, sn); err != nil {
			return nil, err
		}
	}
	return names, nil
}

// EnumerateChildren lists the live names below a namespace, direct
// children only or the whole subtree.
func (d *Directory) EnumerateChildren(ctx context.Context, n *Name, recursive bool) ([]string, error) {
	if n.IsObject() {
		return nil, errtypes.BadRequest("name " + n.Path + " is not a namespace")
	}
	var children []string
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		children = children[:0]
		if _, err := d.reloadName(tx, n); err != nil {
			return err
		}

		query := "SELECT name FROM names WHERE pid = ? AND is_deleted = 0 ORDER BY name"
		args := []interface{}{n.ID}
		if recursive {
			query = "SELECT name FROM names WHERE name LIKE ? ESCAPE '!' AND name <> ? AND is_deleted = 0 ORDER BY name"
			args = []interface{}{likePattern(n.Path), n.Path}
		}
		rows, err := tx.Query(query, args...)
		if err != nil {
			return errors.Wrap(err, "directory: error enumerating children")
		}
		defer rows.Close()
		for rows.Next() {
			var child string
			if err := rows.Scan(&child); err != nil {
				return errors.Wrap(err, "directory: error scanning child name")
			}
			children = append(children, child)
		}
		return rows.Err()
	})
	return children, err
}
