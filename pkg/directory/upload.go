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
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/hatrac/hatrac/pkg/acl"
	"github.com/hatrac/hatrac/pkg/appctx"
	"github.com/hatrac/hatrac/pkg/client"
	"github.com/hatrac/hatrac/pkg/errtypes"
	"github.com/hatrac/hatrac/pkg/metadata"
	"github.com/hatrac/hatrac/pkg/storage"
)

const uploadColumns = "id, nameid, job, nbytes, chunksize, metadata, created"

func scanUpload(row interface{ Scan(...interface{}) error }) (*Upload, error) {
	u := &Upload{}
	var mdDoc string
	var created interface{}
	err := row.Scan(&u.ID, &u.NameID, &u.Job, &u.NBytes, &u.ChunkSize, &mdDoc, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "directory: error scanning upload")
	}
	if u.Metadata, err = metadata.FromSQL(mdDoc); err != nil {
		return nil, err
	}
	if u.Created, err = scanTime(created); err != nil {
		return nil, err
	}
	return u, nil
}

// scanTime converts the driver representation of a TIMESTAMP column.
// go-sqlite3 hands over time.Time; go-sql-driver does so only with
// parseTime enabled and returns the raw text otherwise.
func scanTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case []byte:
		return parseSQLTime(string(t))
	case string:
		return parseSQLTime(t)
	case nil:
		return time.Time{}, nil
	}
	return time.Time{}, errors.Errorf("directory: unsupported timestamp representation %T", v)
}

func parseSQLTime(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("directory: error parsing timestamp " + s)
}

// loadUploadACLs loads the direct ACLs of an upload and computes the
// ancestor owners over the owning object and everything above it.
func (d *Directory) loadUploadACLs(tx *sql.Tx, u *Upload, obj *Name) error {
	u.ACLs = acl.Map{}
	for _, a := range acl.UploadAccesses {
		u.ACLs[a] = acl.NewSet()
	}

	rows, err := tx.Query("SELECT access, role FROM upload_acls WHERE id = ?", u.ID)
	if err != nil {
		return errors.Wrap(err, "directory: error loading upload acls")
	}
	defer rows.Close()
	for rows.Next() {
		var access, role string
		if err := rows.Scan(&access, &role); err != nil {
			return errors.Wrap(err, "directory: error scanning upload acls")
		}
		if set, ok := u.ACLs[access]; ok {
			set.Add(role)
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "directory: error loading upload acls")
	}

	lineage := make([]int64, 0, len(obj.Ancestors)+1)
	lineage = append(lineage, obj.Ancestors...)
	lineage = append(lineage, obj.ID)
	inherited := map[string]string{acl.SubtreeOwner: acl.AncestorOwner}
	return d.ancestorACLs(tx, lineage, inherited, u.ACLs)
}

// reloadUpload re-resolves an upload and its owning object by id
// inside the transaction.
func (d *Directory) reloadUpload(tx *sql.Tx, u *Upload) (*Upload, *Name, error) {
	obj, err := d.nameByID(tx, u.NameID)
	if err != nil {
		return nil, nil, err
	}
	if obj == nil || obj.IsDeleted {
		return nil, nil, errtypes.NotFound("upload " + u.String() + " not found")
	}
	if err := d.loadNameACLs(tx, obj); err != nil {
		return nil, nil, err
	}

	cur, err := scanUpload(tx.QueryRow("SELECT "+uploadColumns+" FROM uploads WHERE id = ?", u.ID))
	if err != nil {
		return nil, nil, err
	}
	if cur == nil {
		return nil, nil, errtypes.NotFound("upload " + u.String() + " not found")
	}
	cur.Path = obj.Path
	return cur, obj, d.loadUploadACLs(tx, cur, obj)
}

// uploadsForNames loads the upload jobs of the given names, with
// ACLs, ordered by serial id.
func (d *Directory) uploadsForNames(tx *sql.Tx, ids []int64, byID map[int64]*Name) ([]*Upload, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := tx.Query(
		"SELECT "+uploadColumns+" FROM uploads WHERE nameid IN ("+placeholders(len(ids))+") ORDER BY id",
		args...)
	if err != nil {
		return nil, errors.Wrap(err, "directory: error enumerating uploads")
	}
	defer rows.Close()

	var uploads []*Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "directory: error enumerating uploads")
	}
	for _, u := range uploads {
		obj := byID[u.NameID]
		u.Path = obj.Path
		if err := d.loadUploadACLs(tx, u, obj); err != nil {
			return nil, err
		}
	}
	return uploads, nil
}

// CreateUpload starts a resumable upload job on an object. The
// backend issues the job token; the row is persisted afterwards, so a
// failure in between leaves only an abandoned backend job.
func (d *Directory) CreateUpload(ctx context.Context, obj *Name, nbytes, chunksize int64, md metadata.Map, c *client.Client) (*Upload, error) {
	if nbytes < 0 {
		return nil, errtypes.BadRequest("upload length must be non-negative")
	}
	if chunksize <= 0 {
		return nil, errtypes.BadRequest("chunk size must be positive")
	}
	mdDoc, err := md.ToSQL()
	if err != nil {
		return nil, err
	}

	err = d.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := d.reloadName(tx, obj)
		if err != nil {
			return err
		}
		if !cur.IsObject() {
			return errtypes.Conflict("name " + cur.Path + " is not an object")
		}
		return acl.Enforce(cur.ACLs, c, cur.String(), objectUpdateACLs...)
	})
	if err != nil {
		return nil, err
	}

	job, err := d.backend.CreateUpload(ctx, obj.Path, nbytes, md)
	if err != nil {
		return nil, err
	}

	var created *Upload
	err = d.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := d.reloadName(tx, obj)
		if err != nil {
			return err
		}
		res, err := tx.Exec(
			"INSERT INTO uploads (nameid, job, nbytes, chunksize, metadata) VALUES (?, ?, ?, ?, ?)",
			cur.ID, job, nbytes, chunksize, mdDoc)
		if err != nil {
			if isUniqueViolation(err) {
				return errtypes.Conflict("upload job " + job + " already exists on " + cur.Path)
			}
			return errors.Wrap(err, "directory: error inserting upload")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "directory: error reading inserted upload id")
		}
		if c.Authenticated() {
			if _, err := tx.Exec("INSERT INTO upload_acls (id, access, role) VALUES (?, 'owner', ?)", id, c.ID); err != nil {
				return errors.Wrap(err, "directory: error granting upload ownership")
			}
		}
		created, err = scanUpload(tx.QueryRow("SELECT "+uploadColumns+" FROM uploads WHERE id = ?", id))
		if err != nil {
			return err
		}
		created.Path = cur.Path
		return d.loadUploadACLs(tx, created, cur)
	})
	if err != nil {
		if cerr := d.backend.CancelUpload(ctx, obj.Path, job); cerr != nil && !errtypes.IsNotFound(cerr) {
			appctx.GetLogger(ctx).Error().Err(cerr).Str("job", job).Msg("error cancelling orphaned upload job")
		}
		return nil, err
	}
	return created, nil
}

// ResolveUpload returns the upload job bound under an object.
func (d *Directory) ResolveUpload(ctx context.Context, obj *Name, job string) (*Upload, error) {
	var u *Upload
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := d.reloadName(tx, obj)
		if err != nil {
			return err
		}
		u, err = scanUpload(tx.QueryRow(
			"SELECT "+uploadColumns+" FROM uploads WHERE nameid = ? AND job = ?",
			cur.ID, job))
		if err != nil {
			return err
		}
		if u == nil {
			return errtypes.NotFound("upload " + cur.Path + ";upload/" + job + " not found")
		}
		u.Path = cur.Path
		return d.loadUploadACLs(tx, u, cur)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// checkChunkShape validates a chunk position and length against the
// declared job shape. Every chunk but the last must be exactly
// chunksize long; a trailing remainder claims one extra position.
func (u *Upload) checkChunkShape(position, nbytes int64) error {
	nchunks, remainder := u.nchunks(), u.remainder()
	maxpos := nchunks
	if remainder == 0 {
		maxpos = nchunks - 1
	}
	if position < 0 || position > maxpos {
		return errtypes.Conflict("chunk position " + strconv.FormatInt(position, 10) + " out of range for " + u.String())
	}
	if position < nchunks && nbytes != u.ChunkSize {
		return errtypes.Conflict("chunk length " + strconv.FormatInt(nbytes, 10) + " does not match chunk size " + strconv.FormatInt(u.ChunkSize, 10))
	}
	if position == nchunks && nbytes != remainder {
		return errtypes.Conflict("final chunk length " + strconv.FormatInt(nbytes, 10) + " does not match remainder " + strconv.FormatInt(remainder, 10))
	}
	return nil
}

// UploadChunkFromReader stores one chunk of a job. Chunks may arrive
// in any order and be resubmitted; the last write at a position wins.
func (d *Directory) UploadChunkFromReader(ctx context.Context, u *Upload, position int64, r io.Reader, nbytes int64, md metadata.Map, c *client.Client) error {
	var cur *Upload
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		fresh, _, err := d.reloadUpload(tx, u)
		if err != nil {
			return err
		}
		if err := acl.Enforce(fresh.ACLs, c, fresh.String(), acl.Owner); err != nil {
			return err
		}
		if err := fresh.checkChunkShape(position, nbytes); err != nil {
			return err
		}
		cur = fresh
		return nil
	})
	if err != nil {
		return err
	}

	aux, err := d.backend.UploadChunkFromFile(ctx, cur.Path, cur.Job, position, cur.ChunkSize, r, nbytes, md)
	if err != nil {
		return err
	}
	if !d.backend.TracksChunks() {
		return nil
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		if _, _, err := d.reloadUpload(tx, u); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM chunks WHERE uploadid = ? AND position = ?", cur.ID, position); err != nil {
			return errors.Wrap(err, "directory: error replacing chunk record")
		}
		if _, err := tx.Exec("INSERT INTO chunks (uploadid, position, aux) VALUES (?, ?, ?)", cur.ID, position, encodeAux(aux)); err != nil {
			return errors.Wrap(err, "directory: error recording chunk")
		}
		return nil
	})
}

// FinalizeUpload assembles the job into a new visible version. The
// backend reports the version tag first; one transaction then inserts
// the complete version row and retires the upload, so the new version
// appears atomically.
func (d *Directory) FinalizeUpload(ctx context.Context, u *Upload, c *client.Client) (*Version, error) {
	var cur *Upload
	var chunks []storage.Chunk
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		fresh, _, err := d.reloadUpload(tx, u)
		if err != nil {
			return err
		}
		if err := acl.Enforce(fresh.ACLs, c, fresh.String(), acl.Owner); err != nil {
			return err
		}
		cur = fresh
		if !d.backend.TracksChunks() {
			chunks = nil
			return nil
		}
		chunks, err = d.chunksForUpload(tx, fresh.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	tag, err := d.backend.FinalizeUpload(ctx, cur.Path, cur.Job, chunks, cur.Metadata)
	if err != nil {
		return nil, err
	}

	mdDoc, err := cur.Metadata.ToSQL()
	if err != nil {
		return nil, err
	}
	var completed *Version
	err = d.withTx(ctx, func(tx *sql.Tx) error {
		fresh, obj, err := d.reloadUpload(tx, u)
		if err != nil {
			return err
		}
		res, err := tx.Exec(
			"INSERT INTO versions (nameid, version, nbytes, metadata, aux, is_deleted) VALUES (?, ?, ?, ?, '{}', 0)",
			fresh.NameID, tag, fresh.NBytes, mdDoc)
		if err != nil {
			if isUniqueViolation(err) {
				return errtypes.Conflict("version tag " + tag + " already bound on " + fresh.Path)
			}
			return errors.Wrap(err, "directory: error inserting version")
		}
		versionID, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "directory: error reading inserted version id")
		}
		if c.Authenticated() {
			if _, err := tx.Exec("INSERT INTO version_acls (id, access, role) VALUES (?, 'owner', ?)", versionID, c.ID); err != nil {
				return errors.Wrap(err, "directory: error granting version ownership")
			}
		}
		if err := d.deleteUploadRows(tx, fresh.ID); err != nil {
			return err
		}
		completed, err = scanVersion(tx.QueryRow("SELECT "+versionColumns+" FROM versions WHERE id = ?", versionID))
		if err != nil {
			return err
		}
		completed.Path = obj.Path
		return d.loadVersionACLs(tx, completed, obj)
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// chunksForUpload loads the recorded chunks in ascending position
// order for replay into the backend finalize call.
func (d *Directory) chunksForUpload(tx *sql.Tx, uploadID int64) ([]storage.Chunk, error) {
	rows, err := tx.Query("SELECT position, aux FROM chunks WHERE uploadid = ? ORDER BY position", uploadID)
	if err != nil {
		return nil, errors.Wrap(err, "directory: error loading chunks")
	}
	defer rows.Close()

	var chunks []storage.Chunk
	for rows.Next() {
		var ch storage.Chunk
		var auxDoc string
		if err := rows.Scan(&ch.Position, &auxDoc); err != nil {
			return nil, errors.Wrap(err, "directory: error scanning chunk")
		}
		if ch.Aux, err = decodeAux(auxDoc); err != nil {
			return nil, err
		}
		chunks = append(chunks, ch)
	}
	return chunks, errors.Wrap(rows.Err(), "directory: error loading chunks")
}

func (d *Directory) deleteUploadRows(tx *sql.Tx, uploadID int64) error {
	if _, err := tx.Exec("DELETE FROM chunks WHERE uploadid = ?", uploadID); err != nil {
		return errors.Wrap(err, "directory: error deleting chunks")
	}
	if _, err := tx.Exec("DELETE FROM upload_acls WHERE id = ?", uploadID); err != nil {
		return errors.Wrap(err, "directory: error deleting upload acls")
	}
	if _, err := tx.Exec("DELETE FROM uploads WHERE id = ?", uploadID); err != nil {
		return errors.Wrap(err, "directory: error deleting upload")
	}
	return nil
}

// CancelUpload discards a job and its chunks. The backend cleanup
// runs after commit; its failure is logged, not surfaced.
func (d *Directory) CancelUpload(ctx context.Context, u *Upload, c *client.Client) error {
	var cur *Upload
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		fresh, _, err := d.reloadUpload(tx, u)
		if err != nil {
			return err
		}
		if err := acl.Enforce(fresh.ACLs, c, fresh.String(), fresh.managementACLs()...); err != nil {
			return err
		}
		cur = fresh
		return d.deleteUploadRows(tx, fresh.ID)
	})
	if err != nil {
		return err
	}
	if err := d.backend.CancelUpload(ctx, cur.Path, cur.Job); err != nil && !errtypes.IsNotFound(err) {
		appctx.GetLogger(ctx).Error().Err(err).Str("upload", cur.String()).Msg("error cancelling upload job")
	}
	return nil
}

// EnumerateUploads lists the upload jobs below a name: the jobs of
// one object, or every job in a namespace subtree.
func (d *Directory) EnumerateUploads(ctx context.Context, n *Name, c *client.Client) ([]*Upload, error) {
	var uploads []*Upload
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := d.reloadName(tx, n)
		if err != nil {
			return err
		}
		if cur.IsObject() {
			if err := acl.Enforce(cur.ACLs, c, cur.String(), objectUpdateACLs...); err != nil {
				return err
			}
			uploads, err = d.uploadsForNames(tx, []int64{cur.ID}, map[int64]*Name{cur.ID: cur})
			return err
		}
		if err := acl.Enforce(cur.ACLs, c, cur.String(), cur.managementACLs()...); err != nil {
			return err
		}
		names, err := d.subtreeNames(tx, cur)
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(names))
		byID := make(map[int64]*Name, len(names))
		for _, sub := range names {
			ids = append(ids, sub.ID)
			byID[sub.ID] = sub
		}
		uploads, err = d.uploadsForNames(tx, ids, byID)
		return err
	})
	return uploads, err
}
