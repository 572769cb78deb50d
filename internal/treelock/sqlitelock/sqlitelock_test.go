package sqlitelock

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Connect("sqlite3", "file::memory:?_foreign_keys=on&cache=shared")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE tree_locks (
		root_workflow_id INTEGER PRIMARY KEY,
		expires_at TIMESTAMP NOT NULL
	)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAcquireRelease(t *testing.T) {
	db := newTestDB(t)
	l := New(db)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, 1, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	ok, err = l.Acquire(ctx, 1, time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("expected second acquire to fail while lock held")
	}

	if err := l.Release(ctx, 1); err != nil {
		t.Fatalf("release: %v", err)
	}

	ok, err = l.Acquire(ctx, 1, time.Minute)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if !ok {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestAcquireExpiredLeaseIsTakenOver(t *testing.T) {
	db := newTestDB(t)
	l := New(db)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, 2, -time.Minute) // already expired
	if err != nil || !ok {
		t.Fatalf("acquire expired-immediately: ok=%v err=%v", ok, err)
	}

	ok, err = l.Acquire(ctx, 2, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected takeover of expired lease to succeed")
	}
}

func TestClearAll(t *testing.T) {
	db := newTestDB(t)
	l := New(db)
	ctx := context.Background()

	l.Acquire(ctx, 1, time.Minute)
	l.Acquire(ctx, 2, time.Minute)

	if err := l.ClearAll(ctx); err != nil {
		t.Fatalf("clear all: %v", err)
	}

	ok, err := l.Acquire(ctx, 1, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire after clear all to succeed: ok=%v err=%v", ok, err)
	}
}

func TestReleaseNotHeldIsNotError(t *testing.T) {
	db := newTestDB(t)
	l := New(db)
	if err := l.Release(context.Background(), 99); err != nil {
		t.Errorf("expected release of unheld lock to be a no-op, got %v", err)
	}
}
