package main

import (
	"database/sql"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
)

type fakeMigrator struct {
	upCalled    bool
	downCalled  bool
	stepsArg    int
	forceArg    int
	version     uint
	dirty       bool
	versionErr  error
	returnErr   error
	forceCalled bool
}

func (f *fakeMigrator) Up() error {
	f.upCalled = true
	return f.returnErr
}

func (f *fakeMigrator) Down() error {
	f.downCalled = true
	return f.returnErr
}

func (f *fakeMigrator) Steps(n int) error {
	f.stepsArg = n
	return f.returnErr
}

func (f *fakeMigrator) Force(version int) error {
	f.forceCalled = true
	f.forceArg = version
	return f.returnErr
}

func (f *fakeMigrator) Version() (uint, bool, error) {
	return f.version, f.dirty, f.versionErr
}

func stubFactories(t *testing.T, m migrator) {
	t.Helper()
	origInstance := withPostgresInstance
	origNew := newMigrateWithDB
	withPostgresInstance = func(db *sql.DB) (migratedb.Driver, error) { return nil, nil }
	newMigrateWithDB = func(sourceURL, databaseName string, driver migratedb.Driver) (migrator, error) {
		return m, nil
	}
	t.Cleanup(func() {
		withPostgresInstance = origInstance
		newMigrateWithDB = origNew
	})
}

func testDeps(t *testing.T, databaseURL string) deps {
	t.Helper()
	return deps{
		loadEnv: func(...string) error { return nil },
		getenv: func(key string) string {
			if key == "DATABASE_URL" {
				return databaseURL
			}
			return ""
		},
		openDB: func(driverName, dataSourceName string) (*sql.DB, error) {
			db, _, err := sqlmock.New()
			return db, err
		},
	}
}

func TestParseArgs(t *testing.T) {
	o, err := parseArgs([]string{"-direction", "down", "-steps", "2"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if o.direction != "down" || o.steps != 2 {
		t.Fatalf("unexpected options: %+v", o)
	}

	if _, err := parseArgs([]string{"-direction", "sideways"}); err == nil {
		t.Fatalf("expected error for invalid direction")
	}

	o, err = parseArgs(nil)
	if err != nil || o.direction != "up" || o.steps != 0 || o.force != -1 {
		t.Fatalf("unexpected defaults: %+v err=%v", o, err)
	}
}

func TestApplyDirection(t *testing.T) {
	m := &fakeMigrator{}
	if err := applyDirection(m, "up", 0); err != nil || !m.upCalled {
		t.Fatalf("expected Up, err=%v", err)
	}

	m = &fakeMigrator{}
	if err := applyDirection(m, "up", 3); err != nil || m.stepsArg != 3 {
		t.Fatalf("expected Steps(3), got %d err=%v", m.stepsArg, err)
	}

	m = &fakeMigrator{}
	if err := applyDirection(m, "down", 0); err != nil || !m.downCalled {
		t.Fatalf("expected Down, err=%v", err)
	}

	m = &fakeMigrator{}
	if err := applyDirection(m, "down", 2); err != nil || m.stepsArg != -2 {
		t.Fatalf("expected Steps(-2), got %d err=%v", m.stepsArg, err)
	}
}

func TestRun_RequiresDatabaseURL(t *testing.T) {
	_, err := run(nil, testDeps(t, ""))
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}
}

func TestRun_UpNoChange(t *testing.T) {
	stubFactories(t, &fakeMigrator{returnErr: migrate.ErrNoChange})

	msg, err := run(nil, testDeps(t, "postgres://localhost/app"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if msg != "No migrations to apply" {
		t.Fatalf("unexpected message: %q", msg)
	}
}

func TestRun_UpSuccess(t *testing.T) {
	m := &fakeMigrator{}
	stubFactories(t, m)

	msg, err := run(nil, testDeps(t, "postgres://localhost/app"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !m.upCalled || !strings.Contains(msg, "completed successfully") {
		t.Fatalf("unexpected result: up=%v msg=%q", m.upCalled, msg)
	}
}

func TestRun_StatusNoMigrations(t *testing.T) {
	stubFactories(t, &fakeMigrator{versionErr: migrate.ErrNilVersion})

	msg, err := run([]string{"-status"}, testDeps(t, "postgres://localhost/app"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if msg != "No migrations applied yet" {
		t.Fatalf("unexpected message: %q", msg)
	}
}

func TestRun_StatusReportsVersion(t *testing.T) {
	stubFactories(t, &fakeMigrator{version: 3, dirty: true})

	msg, err := run([]string{"-status"}, testDeps(t, "postgres://localhost/app"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if msg != "Version 3 dirty=true" {
		t.Fatalf("unexpected message: %q", msg)
	}
}

func TestRun_ForceVersion(t *testing.T) {
	m := &fakeMigrator{}
	stubFactories(t, m)

	msg, err := run([]string{"-force", "2"}, testDeps(t, "postgres://localhost/app"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !m.forceCalled || m.forceArg != 2 || !strings.Contains(msg, "version 2") {
		t.Fatalf("unexpected result: %+v msg=%q", m, msg)
	}
}
