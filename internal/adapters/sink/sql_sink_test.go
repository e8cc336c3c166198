package sink

import (
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ghalamif/pvflow/internal/domain"
)

func TestSQLSinkInitializeAndAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	s, err := NewSQLSink(db, "pv_records")
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS pv_records (sequence_number BIGINT NOT NULL, pv_name TEXT NOT NULL")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	expectedInsert := regexp.QuoteMeta("INSERT INTO pv_records (sequence_number, pv_name, pv_value, pv_type, epics_timestamp, epics_datetime, local_datetime, clock_skew_seconds, clock_offset_applied, previous_value, value_changed, connection_status, severity, alarm_status) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)")
	rec := testRecord(1, "TEMP", 20, nil)
	mock.ExpectExec(expectedInsert).
		WithArgs(int64(1), "TEMP", "20", "DBF_DOUBLE", sqlmock.AnyArg(),
			"2025-07-07T12:00:01.000000Z", "2025-07-07T12:00:00.750000Z",
			0.25, 0.0, nil, true, true, int64(0), int64(0)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectClose()

	if err := s.Initialize(domain.Schema); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := s.Initialize(domain.Schema); err != nil {
		t.Fatalf("second initialize should not touch the database: %v", err)
	}
	if err := s.Append(rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLSinkAppendErrorIsReturned(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	s, _ := NewSQLSink(db, "")
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS pv_records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO pv_records").WillReturnError(errors.New("connection reset"))

	if err := s.Initialize(domain.Schema); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := s.Append(testRecord(7, "TEMP", 1, nil)); err == nil {
		t.Fatalf("expected append error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLSinkInitializeFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	s, _ := NewSQLSink(db, "pv_records")
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
	if err := s.Initialize(domain.Schema); err == nil {
		t.Fatalf("expected initialize error")
	}
	if err := s.Append(testRecord(1, "TEMP", 1, nil)); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestSQLSinkName(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer db.Close()

	s, _ := NewSQLSink(db, "pv_records")
	if s.Name() != "sql:pv_records" {
		t.Fatalf("unexpected sink name %s", s.Name())
	}
}

func TestOpenRejectsUnknownFormat(t *testing.T) {
	if _, err := Open(Options{Format: "parquet", Path: "x"}); err == nil {
		t.Fatalf("expected unknown format error")
	}
	if _, err := Open(Options{Format: FormatPostgres}); err == nil {
		t.Fatalf("expected missing connection string error")
	}
	s, err := Open(Options{Path: "data.csv"})
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	if _, ok := s.(*CSVSink); !ok {
		t.Fatalf("expected csv to be the default format, got %T", s)
	}
}
