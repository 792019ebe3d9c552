// Package pg implements geocache containers in a PostgreSQL database.
//
// One database may hold any number of containers, distinguished by name.
package pg

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq" // register the postgres type for sql.Open
	"github.com/pkg/errors"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/store"
	"github.com/bobg/geocache/store/sqlstore"
)

// Schema is the SQL that New executes.
// It creates the `gc_archives`, `gc_groups`, `gc_data`, and `gc_children` tables if they do not exist.
// (If they do exist, they must have the columns, constraints, and indexing described here.)
const Schema = `
CREATE TABLE IF NOT EXISTS gc_archives (
  name TEXT PRIMARY KEY NOT NULL,
  root BIGINT,
  writing INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS gc_groups (
  id BIGSERIAL PRIMARY KEY,
  archive TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS gc_groups_archive_idx ON gc_groups (archive);

CREATE TABLE IF NOT EXISTS gc_data (
  id BIGSERIAL PRIMARY KEY,
  archive TEXT NOT NULL,
  bytes BYTEA NOT NULL
);

CREATE INDEX IF NOT EXISTS gc_data_archive_idx ON gc_data (archive);

CREATE TABLE IF NOT EXISTS gc_children (
  parent BIGINT NOT NULL,
  pos INTEGER NOT NULL,
  is_data INTEGER NOT NULL,
  child BIGINT NOT NULL,
  PRIMARY KEY (parent, pos)
);
`

// Backend is a named container in a PostgreSQL database.
type Backend = sqlstore.Backend

type dialect struct{}

func (dialect) Schema() string { return Schema }

// Insert uses RETURNING, since lib/pq does not support LastInsertId.
func (dialect) Insert(ctx context.Context, db *sql.DB, q string, args ...interface{}) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx, q+" RETURNING id", args...).Scan(&id)
	return id, err
}

// New produces a Backend for the container called name in db.
// It expects to create the tables in Schema,
// or for those tables already to exist with the correct schema.
func New(ctx context.Context, db *sql.DB, name string) (*Backend, error) {
	return sqlstore.New(ctx, db, dialect{}, name)
}

func init() {
	store.Register("pg", func(ctx context.Context, conf map[string]interface{}) (geocache.Backend, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		name, ok := conf["name"].(string)
		if !ok {
			name = "default"
		}
		db, err := sql.Open("postgres", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db, name)
	})
}
