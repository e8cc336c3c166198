package sink

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/ghalamif/pvflow/internal/domain"
	"github.com/ghalamif/pvflow/internal/ports"
)

// DefaultStatementTimeout bounds every statement issued by SQLSink.
const DefaultStatementTimeout = 5 * time.Second

// SQLSink writes records to a PostgreSQL-compatible database, one INSERT per
// record in autocommit mode.
type SQLSink struct {
	mu      sync.Mutex
	db      *sql.DB
	driver  string
	table   string
	insert  string
	timeout time.Duration
	ready   bool
	closed  bool
}

// OpenSQLSink opens a pool for driver ("postgres" for lib/pq, "pgx" for
// pgx). No connection is made until Initialize.
func OpenSQLSink(driver, dsn, table string) (*SQLSink, error) {
	switch driver {
	case "", "postgres":
		driver = "postgres"
	case "pgx":
	default:
		return nil, fmt.Errorf("sink: unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLSink(db, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.driver = driver
	return s, nil
}

// NewSQLSink wraps an existing pool. The sink owns db and closes it.
func NewSQLSink(db *sql.DB, table string) (*SQLSink, error) {
	t, err := checkTable(table)
	if err != nil {
		return nil, err
	}
	return &SQLSink{db: db, driver: "sql", table: t, timeout: DefaultStatementTimeout}, nil
}

func (s *SQLSink) Name() string { return s.driver + ":" + s.table }

func (s *SQLSink) Initialize(schema []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.ready {
		return nil
	}
	ddl, err := createTableSQL(s.table, schema, columnTypes)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	s.insert = insertSQL(s.table, schema, true)
	s.ready = true
	return nil
}

func (s *SQLSink) Append(r *domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.ready {
		return ErrNotInitialized
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, s.insert, r.Args()...); err != nil {
		return fmt.Errorf("insert seq %d: %w", r.Seq, err)
	}
	return nil
}

func (s *SQLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ ports.RecordSink = (*SQLSink)(nil)
