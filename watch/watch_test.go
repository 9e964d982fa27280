package watch

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	// Force single connection so PRAGMA changes are visible to all callers.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func setUserVersion(t *testing.T, db *sql.DB, v int) {
	t.Helper()
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
		t.Fatal(err)
	}
}

func TestPragmaDataVersion(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	v, err := PragmaDataVersion(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v < 0 {
		t.Fatalf("expected non-negative version, got %d", v)
	}
}

func TestPragmaUserVersion(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	v, err := PragmaUserVersion(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("expected 0, got %d", v)
	}

	setUserVersion(t, db, 42)
	v, err = PragmaUserVersion(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestMaxColumnDetector(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, ts INTEGER)"); err != nil {
		t.Fatal(err)
	}

	det := MaxColumnDetector("items", "ts")
	v, err := det(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("expected 0 for empty table, got %d", v)
	}

	if _, err := db.Exec("INSERT INTO items (ts) VALUES (100)"); err != nil {
		t.Fatal(err)
	}
	v, err = det(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 100 {
		t.Fatalf("expected 100, got %d", v)
	}
}

func TestOnChangeFiresOnVersionChange(t *testing.T) {
	db := testDB(t)

	// Use user_version as detector so the test controls it.
	var reloads atomic.Int32
	w := New(db,
		WithInterval(20*time.Millisecond),
		WithDetector(PragmaUserVersion),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.OnChange(ctx, func() error {
		reloads.Add(1)
		return nil
	})

	// Wait for initial version to be read.
	time.Sleep(50 * time.Millisecond)

	setUserVersion(t, db, 1)
	time.Sleep(80 * time.Millisecond)

	if got := reloads.Load(); got != 1 {
		t.Fatalf("expected 1 reload, got %d", got)
	}

	setUserVersion(t, db, 2)
	time.Sleep(80 * time.Millisecond)

	if got := reloads.Load(); got != 2 {
		t.Fatalf("expected 2 reloads, got %d", got)
	}

	// No bump, no extra reload.
	time.Sleep(80 * time.Millisecond)
	if got := reloads.Load(); got != 2 {
		t.Fatalf("expected still 2, got %d", got)
	}
}

func TestOnChangeDebounce(t *testing.T) {
	db := testDB(t)

	var reloads atomic.Int32
	w := New(db,
		WithInterval(20*time.Millisecond),
		WithDebounce(100*time.Millisecond),
		WithDetector(PragmaUserVersion),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.OnChange(ctx, func() error {
		reloads.Add(1)
		return nil
	})

	time.Sleep(50 * time.Millisecond)

	// Rapid-fire 5 version bumps within the debounce window.
	for i := 1; i <= 5; i++ {
		setUserVersion(t, db, i)
		time.Sleep(15 * time.Millisecond)
	}

	// Window still open, nothing should have fired.
	if got := reloads.Load(); got != 0 {
		t.Fatalf("expected 0 reloads during debounce, got %d", got)
	}

	// Let the writes settle.
	time.Sleep(200 * time.Millisecond)

	if got := reloads.Load(); got != 1 {
		t.Fatalf("expected exactly 1 debounced reload, got %d", got)
	}
}

func TestOnChangeErrorDoesNotAdvanceVersion(t *testing.T) {
	db := testDB(t)

	var calls atomic.Int32
	w := New(db,
		WithInterval(20*time.Millisecond),
		WithDetector(PragmaUserVersion),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.OnChange(ctx, func() error {
		n := calls.Add(1)
		if n == 1 {
			return context.DeadlineExceeded // simulate failure
		}
		return nil
	})

	time.Sleep(50 * time.Millisecond)

	setUserVersion(t, db, 1)

	// First attempt fails, next poll retries and succeeds.
	time.Sleep(120 * time.Millisecond)

	if got := calls.Load(); got < 2 {
		t.Fatalf("expected at least 2 calls (1 fail + 1 success), got %d", got)
	}

	if v := w.Version(); v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}
}

func TestWaitForVersion(t *testing.T) {
	db := testDB(t)

	w := New(db,
		WithInterval(20*time.Millisecond),
		WithDetector(PragmaUserVersion),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go w.OnChange(ctx, func() error { return nil })

	time.Sleep(50 * time.Millisecond)

	// Bump version in the background after a short delay.
	go func() {
		time.Sleep(50 * time.Millisecond)
		db.Exec("PRAGMA user_version = 10")
	}()

	if err := w.WaitForVersion(ctx, 10); err != nil {
		t.Fatalf("WaitForVersion: %v", err)
	}

	if v := w.Version(); v < 10 {
		t.Fatalf("expected version >= 10, got %d", v)
	}
}

func TestWaitForVersionTimeout(t *testing.T) {
	db := testDB(t)

	w := New(db,
		WithInterval(20*time.Millisecond),
		WithDetector(PragmaUserVersion),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.OnChange(ctx, func() error { return nil })

	time.Sleep(50 * time.Millisecond)

	// Version 99 never appears.
	waitCtx, waitCancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer waitCancel()

	if err := w.WaitForVersion(waitCtx, 99); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestWatcherStats(t *testing.T) {
	db := testDB(t)

	w := New(db,
		WithInterval(20*time.Millisecond),
		WithDetector(PragmaUserVersion),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.OnChange(ctx, func() error { return nil })
	time.Sleep(50 * time.Millisecond)

	setUserVersion(t, db, 1)
	time.Sleep(80 * time.Millisecond)

	s := w.Stats()
	if s.Checks == 0 {
		t.Fatal("expected checks > 0")
	}
	if s.ChangesDetected == 0 {
		t.Fatal("expected changes > 0")
	}
	if s.Reloads == 0 {
		t.Fatal("expected reloads > 0")
	}
}
