package history

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/querydeck/querydeck/internal/nlq"
)

func TestRecordRun(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)

	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO query_history (question, sql, success, attempts, error, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6)`)).
		WithArgs("total revenue", `SELECT SUM("total") FROM "orders"`, true, 2, "", int64(1250)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.RecordRun(context.Background(), nlq.RunRecord{
		Question: "total revenue",
		SQL:      `SELECT SUM("total") FROM "orders"`,
		Success:  true,
		Attempts: 2,
		Duration: 1250 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestRecordRunPropagatesError(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)

	mock.ExpectExec("INSERT INTO query_history").
		WillReturnError(errors.New("connection refused"))

	err := store.RecordRun(context.Background(), nlq.RunRecord{Question: "q", SQL: "SELECT 1"})
	if err == nil {
		t.Fatal("expected error")
	}
	assertSQLMock(t, mock)
}

func TestRecent(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "question", "sql", "success", "attempts", "error", "duration_ms", "created_at"}).
		AddRow(int64(2), "q2", "SELECT 2", false, 3, "binder error", int64(9000), now).
		AddRow(int64(1), "q1", "SELECT 1", true, 1, "", int64(300), now.Add(-time.Minute))

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT id, question, sql, success, attempts, error, duration_ms, created_at
FROM query_history
ORDER BY id DESC
LIMIT $1`)).
		WithArgs(10).
		WillReturnRows(rows)

	entries, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].ID != 2 || entries[0].Attempts != 3 || entries[0].Err != "binder error" {
		t.Fatalf("entries[0] = %+v", entries[0])
	}
	if !entries[1].Success || entries[1].DurationMS != 300 {
		t.Fatalf("entries[1] = %+v", entries[1])
	}
	assertSQLMock(t, mock)
}

func TestRecentDefaultsLimit(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)

	mock.ExpectQuery("SELECT id, question").
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "question", "sql", "success", "attempts", "error", "duration_ms", "created_at"}))

	entries, err := store.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %v, want none", entries)
	}
	assertSQLMock(t, mock)
}

func TestEnsureSchema(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS query_history").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
