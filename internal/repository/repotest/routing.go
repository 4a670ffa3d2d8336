// Package repotest provides a dbpg.DB whose master and slave handles record
// the statements they receive, for asserting query routing in repository tests.
package repotest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/dbpg"
)

// Roles of the recorded handles.
const (
	Master = "master"
	Slave  = "slave"
)

// Recorder collects the statements sent to each handle. Every query returns
// no rows and every exec affects none.
type Recorder struct {
	mu    sync.Mutex
	calls map[string][]string
}

// Statements returns the statements the handle with the given role received.
func (r *Recorder) Statements(role string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls[role]...)
}

func (r *Recorder) record(role, query string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[role] = append(r.calls[role], query)
}

// NewDB returns a dbpg.DB with one master and one slave, both backed by rec.
func NewDB(t *testing.T) (*dbpg.DB, *Recorder) {
	t.Helper()

	db, err := dbpg.New("postgres://master", []string{"postgres://slave"}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Master.Close())
	require.NoError(t, db.Slaves[0].Close())

	rec := &Recorder{calls: make(map[string][]string)}
	db.Master = sql.OpenDB(connector{role: Master, rec: rec})
	db.Slaves[0] = sql.OpenDB(connector{role: Slave, rec: rec})
	t.Cleanup(func() {
		_ = db.Master.Close()
		_ = db.Slaves[0].Close()
	})

	return db, rec
}

type connector struct {
	role string
	rec  *Recorder
}

func (c connector) Connect(context.Context) (driver.Conn, error) { return conn(c), nil }
func (c connector) Driver() driver.Driver                       { return recordingDriver{} }

type recordingDriver struct{}

func (recordingDriver) Open(string) (driver.Conn, error) { return nil, driver.ErrBadConn }

type conn connector

func (c conn) Prepare(query string) (driver.Stmt, error) {
	return stmt{conn: c, query: query}, nil
}
func (c conn) Close() error              { return nil }
func (c conn) Begin() (driver.Tx, error) { return tx{}, nil }

type tx struct{}

func (tx) Commit() error   { return nil }
func (tx) Rollback() error { return nil }

type stmt struct {
	conn  conn
	query string
}

func (s stmt) Close() error  { return nil }
func (s stmt) NumInput() int { return -1 }

func (s stmt) Exec([]driver.Value) (driver.Result, error) {
	s.conn.rec.record(s.conn.role, s.query)
	return driver.RowsAffected(0), nil
}

func (s stmt) Query([]driver.Value) (driver.Rows, error) {
	s.conn.rec.record(s.conn.role, s.query)
	return rows{}, nil
}

type rows struct{}

func (rows) Columns() []string         { return nil }
func (rows) Close() error              { return nil }
func (rows) Next([]driver.Value) error { return io.EOF }
