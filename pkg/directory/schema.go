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

	"github.com/pkg/errors"
)

// The directory schema. Versions carry a monotonic serial id deciding
// which visible version is current; the version tag stays NULL until
// the bulk bytes are durable, and the check constraint keeps such rows
// tombstones. ACLs live in side tables keyed by resource id.

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS names (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		pid BIGINT,
		name VARCHAR(767) NOT NULL UNIQUE,
		subtype TINYINT NOT NULL DEFAULT 0,
		is_deleted TINYINT(1) NOT NULL DEFAULT 0,
		ancestors TEXT NOT NULL,
		FOREIGN KEY (pid) REFERENCES names(id)
	)`,
	`CREATE TABLE IF NOT EXISTS versions (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		nameid BIGINT NOT NULL,
		version VARCHAR(255),
		nbytes BIGINT,
		metadata TEXT NOT NULL,
		aux TEXT NOT NULL,
		is_deleted TINYINT(1) NOT NULL DEFAULT 0,
		UNIQUE KEY versions_nameid_version (nameid, version),
		KEY versions_nameid_id (nameid, id),
		FOREIGN KEY (nameid) REFERENCES names(id),
		CHECK (version IS NOT NULL OR is_deleted = 1)
	)`,
	`CREATE TABLE IF NOT EXISTS uploads (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		nameid BIGINT NOT NULL,
		job VARCHAR(255) NOT NULL,
		nbytes BIGINT NOT NULL,
		chunksize BIGINT NOT NULL,
		metadata TEXT NOT NULL,
		created TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uploads_nameid_job (nameid, job),
		FOREIGN KEY (nameid) REFERENCES names(id),
		CHECK (chunksize > 0)
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		uploadid BIGINT NOT NULL,
		position BIGINT NOT NULL,
		aux TEXT NOT NULL,
		PRIMARY KEY (uploadid, position),
		FOREIGN KEY (uploadid) REFERENCES uploads(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS name_acls (
		id BIGINT NOT NULL,
		access VARCHAR(32) NOT NULL,
		role VARCHAR(255) NOT NULL,
		PRIMARY KEY (id, access, role),
		FOREIGN KEY (id) REFERENCES names(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS version_acls (
		id BIGINT NOT NULL,
		access VARCHAR(32) NOT NULL,
		role VARCHAR(255) NOT NULL,
		PRIMARY KEY (id, access, role),
		FOREIGN KEY (id) REFERENCES versions(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS upload_acls (
		id BIGINT NOT NULL,
		access VARCHAR(32) NOT NULL,
		role VARCHAR(255) NOT NULL,
		PRIMARY KEY (id, access, role),
		FOREIGN KEY (id) REFERENCES uploads(id) ON DELETE CASCADE
	)`,
	`INSERT IGNORE INTO names (pid, name, subtype, is_deleted, ancestors)
		VALUES (NULL, '/', 0, 0, '[]')`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS names (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pid INTEGER REFERENCES names(id),
		name TEXT NOT NULL UNIQUE,
		subtype INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		ancestors TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		nameid INTEGER NOT NULL REFERENCES names(id),
		version TEXT,
		nbytes INTEGER,
		metadata TEXT NOT NULL,
		aux TEXT NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		UNIQUE (nameid, version),
		CHECK (version IS NOT NULL OR is_deleted)
	)`,
	`CREATE INDEX IF NOT EXISTS versions_nameid_id ON versions (nameid, id)`,
	`CREATE TABLE IF NOT EXISTS uploads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		nameid INTEGER NOT NULL REFERENCES names(id),
		job TEXT NOT NULL,
		nbytes INTEGER NOT NULL,
		chunksize INTEGER NOT NULL CHECK (chunksize > 0),
		metadata TEXT NOT NULL,
		created TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (nameid, job)
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		uploadid INTEGER NOT NULL REFERENCES uploads(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		aux TEXT NOT NULL,
		PRIMARY KEY (uploadid, position)
	)`,
	`CREATE TABLE IF NOT EXISTS name_acls (
		id INTEGER NOT NULL REFERENCES names(id) ON DELETE CASCADE,
		access TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (id, access, role)
	)`,
	`CREATE TABLE IF NOT EXISTS version_acls (
		id INTEGER NOT NULL REFERENCES versions(id) ON DELETE CASCADE,
		access TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (id, access, role)
	)`,
	`CREATE TABLE IF NOT EXISTS upload_acls (
		id INTEGER NOT NULL REFERENCES uploads(id) ON DELETE CASCADE,
		access TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (id, access, role)
	)`,
	`INSERT OR IGNORE INTO names (pid, name, subtype, is_deleted, ancestors)
		VALUES (NULL, '/', 0, 0, '[]')`,
}

// Deploy creates the schema if needed, seeds the root namespace and
// grants ownership of it to the given roles.
func (d *Directory) Deploy(ctx context.Context, rootOwners []string) error {
	schema := sqliteSchema
	if d.driver == "mysql" {
		schema = mysqlSchema
	}
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "directory: error deploying schema")
		}
	}

	insert := `INSERT OR IGNORE INTO name_acls (id, access, role)
		SELECT id, 'owner', ? FROM names WHERE name = '/'`
	if d.driver == "mysql" {
		insert = `INSERT IGNORE INTO name_acls (id, access, role)
			SELECT id, 'owner', ? FROM names WHERE name = '/'`
	}
	for _, role := range rootOwners {
		if _, err := d.db.ExecContext(ctx, insert, role); err != nil {
			return errors.Wrap(err, "directory: error granting root ownership")
		}
	}
	return nil
}
