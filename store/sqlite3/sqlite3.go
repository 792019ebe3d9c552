// Package sqlite3 implements geocache containers in a SQLite database.
//
// One database may hold any number of containers, distinguished by name.
package sqlite3

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3" // register the sqlite3 type for sql.Open
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
  root INTEGER,
  writing INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS gc_groups (
  id INTEGER PRIMARY KEY,
  archive TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS gc_groups_archive_idx ON gc_groups (archive);

CREATE TABLE IF NOT EXISTS gc_data (
  id INTEGER PRIMARY KEY,
  archive TEXT NOT NULL,
  bytes BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS gc_data_archive_idx ON gc_data (archive);

CREATE TABLE IF NOT EXISTS gc_children (
  parent INTEGER NOT NULL,
  pos INTEGER NOT NULL,
  is_data INTEGER NOT NULL,
  child INTEGER NOT NULL,
  PRIMARY KEY (parent, pos)
);
`

// Backend is a named container in a SQLite database.
type Backend = sqlstore.Backend

type dialect struct{}

func (dialect) Schema() string { return Schema }

func (dialect) Insert(ctx context.Context, db *sql.DB, q string, args ...interface{}) (int64, error) {
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// New produces a Backend for the container called name in db.
// It expects to create the tables in Schema,
// or for those tables already to exist with the correct schema.
func New(ctx context.Context, db *sql.DB, name string) (*Backend, error) {
	return sqlstore.New(ctx, db, dialect{}, name)
}

func init() {
	store.Register("sqlite3", func(ctx context.Context, conf map[string]interface{}) (geocache.Backend, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		name, ok := conf["name"].(string)
		if !ok {
			name = "default"
		}
		db, err := sql.Open("sqlite3", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db, name)
	})
}
