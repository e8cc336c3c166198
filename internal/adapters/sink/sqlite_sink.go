package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ghalamif/pvflow/internal/domain"
	"github.com/ghalamif/pvflow/internal/ports"
)

// SQLiteSink stores records in an embedded SQLite database, one
// autocommitted INSERT per record.
type SQLiteSink struct {
	mu     sync.Mutex
	path   string
	table  string
	conn   *sqlite.Conn
	insert string
	closed bool
}

func NewSQLiteSink(path, table string) (*SQLiteSink, error) {
	t, err := checkTable(table)
	if err != nil {
		return nil, err
	}
	return &SQLiteSink{path: path, table: t}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite:" + s.path }

func (s *SQLiteSink) Initialize(schema []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.conn != nil {
		return nil
	}

	if dir := filepath.Dir(s.path); dir != "." && s.path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	conn, err := sqlite.OpenConn(s.path, sqlite.OpenReadWrite, sqlite.OpenCreate, sqlite.OpenWAL)
	if err != nil {
		return fmt.Errorf("sqlite sink: opening %s: %w", s.path, err)
	}

	ddl, err := createTableSQL(s.table, schema, sqliteColumnTypes)
	if err != nil {
		conn.Close()
		return err
	}
	for _, pragma := range []string{"PRAGMA synchronous=FULL", "PRAGMA busy_timeout=5000"} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			conn.Close()
			return fmt.Errorf("sqlite sink: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, ddl+";", nil); err != nil {
		conn.Close()
		return fmt.Errorf("sqlite sink: creating table %s: %w", s.table, err)
	}

	s.conn = conn
	s.insert = insertSQL(s.table, schema, false)
	return nil
}

func (s *SQLiteSink) Append(r *domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.conn == nil {
		return ErrNotInitialized
	}
	if err := sqlitex.Execute(s.conn, s.insert, &sqlitex.ExecOptions{Args: r.TypedArgs()}); err != nil {
		return fmt.Errorf("sqlite sink: insert seq %d: %w", r.Seq, err)
	}
	return nil
}

// Count returns the number of stored records.
func (s *SQLiteSink) Count() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0, ErrNotInitialized
	}
	var n int64
	err := sqlitex.Execute(s.conn, "SELECT COUNT(*) FROM "+s.table, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt64(0)
			return nil
		},
	})
	return n, err
}

// Sequences returns stored sequence numbers in insertion order.
func (s *SQLiteSink) Sequences() ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, ErrNotInitialized
	}
	var out []uint64
	err := sqlitex.Execute(s.conn, "SELECT sequence_number FROM "+s.table+" ORDER BY rowid", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, uint64(stmt.ColumnInt64(0)))
			return nil
		},
	})
	return out, err
}

func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

var _ ports.RecordSink = (*SQLiteSink)(nil)
