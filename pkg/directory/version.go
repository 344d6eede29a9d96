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
	"io"

	"github.com/pkg/errors"

	"github.com/hatrac/hatrac/pkg/acl"
	"github.com/hatrac/hatrac/pkg/appctx"
	"github.com/hatrac/hatrac/pkg/client"
	"github.com/hatrac/hatrac/pkg/errtypes"
	"github.com/hatrac/hatrac/pkg/metadata"
	"github.com/hatrac/hatrac/pkg/storage"
)

const versionColumns = "id, nameid, COALESCE(version, ''), COALESCE(nbytes, 0), metadata, aux, is_deleted"

func scanVersion(row interface{ Scan(...interface{}) error }) (*Version, error) {
	v := &Version{}
	var mdDoc, auxDoc string
	err := row.Scan(&v.ID, &v.NameID, &v.Tag, &v.NBytes, &mdDoc, &auxDoc, &v.IsDeleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "directory: error scanning version")
	}
	if v.Metadata, err = metadata.FromSQL(mdDoc); err != nil {
		return nil, err
	}
	if v.Aux, err = decodeAux(auxDoc); err != nil {
		return nil, err
	}
	return v, nil
}

// loadVersionACLs loads the direct ACLs of a version, rolls up the
// owning object's subtree grants and computes the ancestor classes
// from the object's proper ancestors.
func (d *Directory) loadVersionACLs(tx *sql.Tx, v *Version, obj *Name) error {
	v.ACLs = acl.Map{}
	for _, a := range acl.VersionAccesses {
		v.ACLs[a] = acl.NewSet()
	}

	rows, err := tx.Query("SELECT access, role FROM version_acls WHERE id = ?", v.ID)
	if err != nil {
		return errors.Wrap(err, "directory: error loading version acls")
	}
	defer rows.Close()
	for rows.Next() {
		var access, role string
		if err := rows.Scan(&access, &role); err != nil {
			return errors.Wrap(err, "directory: error scanning version acls")
		}
		if set, ok := v.ACLs[access]; ok {
			set.Add(role)
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "directory: error loading version acls")
	}

	v.ACLs[acl.SubtreeOwner] = acl.NewSet().Union(obj.ACLs.Get(acl.SubtreeOwner))
	v.ACLs[acl.SubtreeRead] = acl.NewSet().Union(obj.ACLs.Get(acl.SubtreeRead))
	inherited := map[string]string{acl.SubtreeOwner: acl.AncestorOwner, acl.SubtreeRead: acl.AncestorRead}
	return d.ancestorACLs(tx, obj.Ancestors, inherited, v.ACLs)
}

// reloadVersion re-resolves a version and its owning object by id
// inside the transaction.
func (d *Directory) reloadVersion(tx *sql.Tx, v *Version) (*Version, *Name, error) {
	obj, err := d.nameByID(tx, v.NameID)
	if err != nil {
		return nil, nil, err
	}
	if obj == nil || obj.IsDeleted {
		return nil, nil, errtypes.NotFound("version " + v.String() + " not found")
	}
	if err := d.loadNameACLs(tx, obj); err != nil {
		return nil, nil, err
	}

	cur, err := scanVersion(tx.QueryRow("SELECT "+versionColumns+" FROM versions WHERE id = ?", v.ID))
	if err != nil {
		return nil, nil, err
	}
	if cur == nil || cur.IsDeleted {
		return nil, nil, errtypes.NotFound("version " + v.String() + " not found")
	}
	cur.Path = obj.Path
	return cur, obj, d.loadVersionACLs(tx, cur, obj)
}

// versionsForNames loads the visible versions of the given names,
// with ACLs, ordered by serial id.
func (d *Directory) versionsForNames(tx *sql.Tx, ids []int64, byID map[int64]*Name) ([]*Version, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := tx.Query(
		"SELECT "+versionColumns+" FROM versions WHERE nameid IN ("+placeholders(len(ids))+") AND is_deleted = 0 AND version IS NOT NULL ORDER BY id",
		args...)
	if err != nil {
		return nil, errors.Wrap(err, "directory: error enumerating versions")
	}
	defer rows.Close()

	var versions []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "directory: error enumerating versions")
	}
	for _, v := range versions {
		obj := byID[v.NameID]
		v.Path = obj.Path
		if err := d.loadVersionACLs(tx, v, obj); err != nil {
			return nil, err
		}
	}
	return versions, nil
}

// CreateVersionFromReader streams a complete new version of an object
// into the bulk backend. The version row is inserted invisible first;
// only after the backend reports the bytes durable does a second
// transaction set the version tag and flip visibility. A failure in
// between leaves a harmless tombstone.
func (d *Directory) CreateVersionFromReader(ctx context.Context, obj *Name, r io.Reader, nbytes int64, md metadata.Map, c *client.Client) (*Version, error) {
	if nbytes < 0 {
		return nil, errtypes.BadRequest("content length required")
	}
	mdDoc, err := md.ToSQL()
	if err != nil {
		return nil, err
	}

	var versionID int64
	err = d.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := d.reloadName(tx, obj)
		if err != nil {
			return err
		}
		if !cur.IsObject() {
			return errtypes.Conflict("name " + cur.Path + " is not an object")
		}
		if err := acl.Enforce(cur.ACLs, c, cur.String(), objectUpdateACLs...); err != nil {
			return err
		}

		res, err := tx.Exec(
			"INSERT INTO versions (nameid, version, nbytes, metadata, aux, is_deleted) VALUES (?, NULL, ?, ?, '{}', 1)",
			cur.ID, nbytes, mdDoc)
		if err != nil {
			return errors.Wrap(err, "directory: error inserting version")
		}
		if versionID, err = res.LastInsertId(); err != nil {
			return errors.Wrap(err, "directory: error reading inserted version id")
		}
		if c.Authenticated() {
			if _, err := tx.Exec("INSERT INTO version_acls (id, access, role) VALUES (?, 'owner', ?)", versionID, c.ID); err != nil {
				return errors.Wrap(err, "directory: error granting version ownership")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	tag, err := d.backend.CreateFromFile(ctx, obj.Path, r, nbytes, md)
	if err != nil {
		return nil, err
	}
	return d.completeVersion(ctx, obj, versionID, tag, nil)
}

// completeVersion makes the version visible in a fresh transaction,
// guarding against the object having been deleted in the meantime.
func (d *Directory) completeVersion(ctx context.Context, obj *Name, versionID int64, tag string, aux storage.Aux) (*Version, error) {
	var completed *Version
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := d.reloadName(tx, obj)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			"UPDATE versions SET version = ?, aux = ?, is_deleted = 0 WHERE id = ?",
			tag, encodeAux(aux), versionID); err != nil {
			if isUniqueViolation(err) {
				return errtypes.Conflict("version tag " + tag + " already bound on " + cur.Path)
			}
			return errors.Wrap(err, "directory: error completing version")
		}
		completed, err = scanVersion(tx.QueryRow("SELECT "+versionColumns+" FROM versions WHERE id = ?", versionID))
		if err != nil {
			return err
		}
		if completed == nil {
			return errtypes.NotFound("version " + cur.Path + ":" + tag + " not found")
		}
		completed.Path = cur.Path
		return d.loadVersionACLs(tx, completed, cur)
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// CurrentVersion returns the visible version with the highest serial
// id, the object's current content.
func (d *Directory) CurrentVersion(ctx context.Context, obj *Name) (*Version, error) {
	if !obj.IsObject() {
		return nil, errtypes.BadRequest("name " + obj.Path + " is not an object")
	}
	var v *Version
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := d.reloadName(tx, obj)
		if err != nil {
			return err
		}
		v, err = scanVersion(tx.QueryRow(
			"SELECT "+versionColumns+" FROM versions WHERE nameid = ? AND is_deleted = 0 AND version IS NOT NULL ORDER BY id DESC LIMIT 1",
			cur.ID))
		if err != nil {
			return err
		}
		if v == nil {
			return errtypes.Conflict("object " + cur.Path + " currently has no content")
		}
		v.Path = cur.Path
		return d.loadVersionACLs(tx, v, cur)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ResolveVersion returns the visible version bound to the given tag.
func (d *Directory) ResolveVersion(ctx context.Context, obj *Name, tag string) (*Version, error) {
	if !obj.IsObject() {
		return nil, errtypes.BadRequest("name " + obj.Path + " is not an object")
	}
	var v *Version
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := d.reloadName(tx, obj)
		if err != nil {
			return err
		}
		v, err = scanVersion(tx.QueryRow(
			"SELECT "+versionColumns+" FROM versions WHERE nameid = ? AND version = ?",
			cur.ID, tag))
		if err != nil {
			return err
		}
		if v == nil || v.IsDeleted {
			return errtypes.NotFound("version " + cur.Path + ":" + tag + " not found")
		}
		v.Path = cur.Path
		return d.loadVersionACLs(tx, v, cur)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ListVersions lists the visible versions of an object in serial
// order. Reading the listing takes the same rights as reading the
// object's state.
func (d *Directory) ListVersions(ctx context.Context, obj *Name, c *client.Client) ([]*Version, error) {
	if !obj.IsObject() {
		return nil, errtypes.BadRequest("name " + obj.Path + " is not an object")
	}
	var versions []*Version
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := d.reloadName(tx, obj)
		if err != nil {
			return err
		}
		if err := acl.Enforce(cur.ACLs, c, cur.String(), objectReadACLs...); err != nil {
			return err
		}
		versions, err = d.versionsForNames(tx, []int64{cur.ID}, map[int64]*Name{cur.ID: cur})
		return err
	})
	return versions, err
}

// DeleteVersion soft-deletes a version and then drops its bytes from
// the bulk backend; the backend failure is logged, not surfaced.
func (d *Directory) DeleteVersion(ctx context.Context, v *Version, c *client.Client) error {
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		cur, _, err := d.reloadVersion(tx, v)
		if err != nil {
			return err
		}
		if err := acl.Enforce(cur.ACLs, c, cur.String(), cur.managementACLs()...); err != nil {
			return err
		}
		_, err = tx.Exec("UPDATE versions SET is_deleted = 1 WHERE id = ?", cur.ID)
		return errors.Wrap(err, "directory: error deleting version")
	})
	if err != nil {
		return err
	}
	if err := d.backend.Delete(ctx, v.Path, v.Tag, v.Aux); err != nil && !errtypes.IsObjectVersionMissing(err) {
		appctx.GetLogger(ctx).Error().Err(err).Str("version", v.String()).Msg("error deleting version content")
	}
	return nil
}

// GetVersionContent checks read access under a transaction and then
// streams the version, or a slice of it, from the bulk backend.
func (d *Directory) GetVersionContent(ctx context.Context, v *Version, sl *storage.Slice, c *client.Client) (*storage.Content, error) {
	var fresh *Version
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		cur, _, err := d.reloadVersion(tx, v)
		if err != nil {
			return err
		}
		if err := acl.Enforce(cur.ACLs, c, cur.String(), cur.readACLs()...); err != nil {
			return err
		}
		fresh = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d.backend.GetContentRange(ctx, fresh.Path, fresh.Tag, fresh.Metadata.Copy(), sl, fresh.Aux)
}

// UpdateVersionMetadata merges new fields into the version metadata.
// Digest fields are write-once: re-setting an equal value is a no-op,
// a differing value is a conflict.
func (d *Directory) UpdateVersionMetadata(ctx context.Context, v *Version, updates metadata.Map, c *client.Client) (*Version, error) {
	var fresh *Version
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		cur, _, err := d.reloadVersion(tx, v)
		if err != nil {
			return err
		}
		if err := acl.Enforce(cur.ACLs, c, cur.String(), cur.managementACLs()...); err != nil {
			return err
		}
		if err := cur.Metadata.Merge(updates); err != nil {
			return err
		}
		doc, err := cur.Metadata.ToSQL()
		if err != nil {
			return err
		}
		if _, err := tx.Exec("UPDATE versions SET metadata = ? WHERE id = ?", doc, cur.ID); err != nil {
			return errors.Wrap(err, "directory: error updating version metadata")
		}
		fresh = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// PopVersionMetadata removes one metadata field from the version.
func (d *Directory) PopVersionMetadata(ctx context.Context, v *Version, field string, c *client.Client) (*Version, error) {
	if err := metadata.ValidField(field); err != nil {
		return nil, err
	}
	var fresh *Version
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		cur, _, err := d.reloadVersion(tx, v)
		if err != nil {
			return err
		}
		if err := acl.Enforce(cur.ACLs, c, cur.String(), cur.managementACLs()...); err != nil {
			return err
		}
		if err := cur.Metadata.Pop(field); err != nil {
			return err
		}
		doc, err := cur.Metadata.ToSQL()
		if err != nil {
			return err
		}
		if _, err := tx.Exec("UPDATE versions SET metadata = ? WHERE id = ?", doc, cur.ID); err != nil {
			return errors.Wrap(err, "directory: error updating version metadata")
		}
		fresh = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fresh, nil
}
