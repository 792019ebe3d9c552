package pg

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/testutil"
)

const connVar = "GEOCACHE_PG_TESTING_CONN"

var seq int64

func withBackend(t *testing.T) *Backend {
	connstr := os.Getenv(connVar)
	if connstr == "" {
		t.Skipf("to run %s, set %s to a valid Postgresql connection string", t.Name(), connVar)
	}

	db, err := sql.Open("postgres", connstr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	name := fmt.Sprintf("%s-%d-%d", t.Name(), os.Getpid(), atomic.AddInt64(&seq, 1))
	b, err := New(context.Background(), db, name)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestReadWrite(t *testing.T) {
	testutil.ReadWrite(context.Background(), t, func(t *testing.T) geocache.Backend { return withBackend(t) })
}

func TestHandles(t *testing.T) {
	testutil.Handles(context.Background(), t, func(t *testing.T) geocache.Backend { return withBackend(t) })
}

func TestAlreadyOpen(t *testing.T) {
	testutil.AlreadyOpen(context.Background(), t, withBackend(t))
}
