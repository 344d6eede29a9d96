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

// Package directory implements the transactional metadata directory
// of the object store. It tracks bound names, object versions, chunked
// upload jobs and their ACLs in SQL, and orchestrates the bulk storage
// backend so that a version becomes visible only after its bytes are
// durable.
package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/hatrac/hatrac/pkg/storage"
)

// Config holds the database settings of the directory.
type Config struct {
	Driver          string `mapstructure:"driver"`
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime_secs"`
	ConnMaxIdleTime int    `mapstructure:"conn_max_idle_time_secs"`
}

// ApplyDefaults sets sane defaults on the configuration.
func (c *Config) ApplyDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite3"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 10
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 180
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 60
	}
}

// Directory is the stateful catalog of names and versions. All public
// operations run inside transactions on the pooled connection and
// re-resolve their resources by id before acting on them.
type Directory struct {
	driver  string
	db      *sql.DB
	backend storage.Backend
}

// New returns a Directory from the given configuration.
func New(c *Config, backend storage.Backend) (*Directory, error) {
	cfg := *c
	cfg.ApplyDefaults()
	switch cfg.Driver {
	case "mysql":
		return NewMysql(&cfg, backend)
	case "sqlite3":
		return NewSQLite(cfg.DSN, backend)
	default:
		return nil, errors.Errorf("directory: unknown database driver %s", cfg.Driver)
	}
}

// NewMysql returns a Directory backed by a MySQL database.
func NewMysql(c *Config, backend storage.Backend) (*Directory, error) {
	sqldb, err := sql.Open("mysql", c.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "directory: error connecting to the database")
	}
	sqldb.SetConnMaxLifetime(time.Duration(c.ConnMaxLifetime) * time.Second)
	sqldb.SetConnMaxIdleTime(time.Duration(c.ConnMaxIdleTime) * time.Second)
	sqldb.SetMaxOpenConns(c.MaxOpenConns)
	sqldb.SetMaxIdleConns(c.MaxIdleConns)

	if err = sqldb.Ping(); err != nil {
		return nil, errors.Wrap(err, "directory: error connecting to the database")
	}
	return &Directory{driver: "mysql", db: sqldb, backend: backend}, nil
}

// NewSQLite returns a Directory backed by a SQLite database file.
// The pool is held to a single connection so that transactions
// serialize instead of failing with a busy database.
func NewSQLite(dsn string, backend storage.Backend) (*Directory, error) {
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=10000&_foreign_keys=on"
	}
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "directory: error opening the database")
	}
	sqldb.SetMaxOpenConns(1)

	if err = sqldb.Ping(); err != nil {
		return nil, errors.Wrap(err, "directory: error opening the database")
	}
	return &Directory{driver: "sqlite3", db: sqldb, backend: backend}, nil
}

// Close releases the database pool.
func (d *Directory) Close() error {
	return d.db.Close()
}

func (d *Directory) txOptions() *sql.TxOptions {
	if d.driver == "mysql" {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	}
	return nil
}

// withTx runs f inside a transaction, retrying with exponential
// backoff when the database reports a deadlock or lock contention.
func (d *Directory) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	op := func() error {
		tx, err := d.db.BeginTx(ctx, d.txOptions())
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "directory: error starting transaction"))
		}
		defer func() { _ = tx.Rollback() }()

		if err := f(tx); err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(errors.Wrap(err, "directory: error committing transaction"))
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx))
}

func retryable(err error) bool {
	if me, ok := err.(*mysql.MySQLError); ok {
		// deadlock, lock wait timeout
		return me.Number == 1213 || me.Number == 1205
	}
	if se, ok := err.(sqlite3.Error); ok {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	if me, ok := err.(*mysql.MySQLError); ok {
		return me.Number == 1062
	}
	if se, ok := err.(sqlite3.Error); ok {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

func encodeIDs(ids []int64) string {
	b, _ := json.Marshal(ids)
	return string(b)
}

func decodeIDs(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil, errors.Wrap(err, "directory: error decoding ancestor list")
	}
	return ids, nil
}

func encodeAux(aux storage.Aux) string {
	if aux == nil {
		return "{}"
	}
	b, _ := json.Marshal(aux)
	return string(b)
}

func decodeAux(s string) (storage.Aux, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var aux storage.Aux
	if err := json.Unmarshal([]byte(s), &aux); err != nil {
		return nil, errors.Wrap(err, "directory: error decoding aux data")
	}
	return aux, nil
}

// placeholders returns "?, ?, ..." with n markers for IN clauses.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
