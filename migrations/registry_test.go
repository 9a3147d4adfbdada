package migrations

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	redemptions "github.com/goliatone/go-redemptions"
	_ "github.com/mattn/go-sqlite3"
)

func TestFilesystems_ReturnsPostgresAndSQLite(t *testing.T) {
	filesystems, err := Filesystems()
	if err != nil {
		t.Fatalf("filesystems: %v", err)
	}
	if len(filesystems) != 2 {
		t.Fatalf("expected 2 filesystems, got %d", len(filesystems))
	}

	var postgresFound bool
	var sqliteFound bool
	for _, entry := range filesystems {
		matches, globErr := fs.Glob(entry.FS, "*.up.sql")
		if globErr != nil {
			t.Fatalf("glob %s: %v", entry.Dialect, globErr)
		}
		if len(matches) == 0 {
			t.Fatalf("expected %s migration files, got none", entry.Dialect)
		}
		switch entry.Dialect {
		case DialectPostgres:
			postgresFound = true
		case DialectSQLite:
			sqliteFound = true
		}
	}

	if !postgresFound {
		t.Fatalf("expected postgres filesystem")
	}
	if !sqliteFound {
		t.Fatalf("expected sqlite filesystem")
	}
}

func TestRegister_UsesValidationTargets(t *testing.T) {
	var calls []string
	_, err := Register(context.Background(), func(_ context.Context, dialect string, _ string, _ fs.FS) error {
		calls = append(calls, dialect)
		return nil
	}, WithValidationTargets(DialectSQLite))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if len(calls) != 1 {
		t.Fatalf("expected 1 registration call, got %d", len(calls))
	}
	if calls[0] != DialectSQLite {
		t.Fatalf("expected sqlite registration, got %q", calls[0])
	}
}

func TestRegister_DefaultsSourceLabel(t *testing.T) {
	var labels []string
	reg, err := Register(context.Background(), func(_ context.Context, _ string, label string, _ fs.FS) error {
		labels = append(labels, label)
		return nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.SourceLabel != "go-redemptions" || len(labels) != 2 {
		t.Fatalf("expected both dialects under go-redemptions, got %q %v", reg.SourceLabel, labels)
	}

	reg, err = Register(context.Background(), func(context.Context, string, string, fs.FS) error {
		return nil
	}, WithDialectSourceLabel("host-app"))
	if err != nil || reg.SourceLabel != "host-app" {
		t.Fatalf("expected overridden label, got %q %v", reg.SourceLabel, err)
	}
}

func TestCoreSchemaMigrationPair_ExistsForBothDialects(t *testing.T) {
	root := redemptions.GetCoreMigrationsFS()
	paths := []string{
		"data/sql/migrations/00001_redemptions_core_schema.up.sql",
		"data/sql/migrations/00001_redemptions_core_schema.down.sql",
		"data/sql/migrations/sqlite/00001_redemptions_core_schema.up.sql",
		"data/sql/migrations/sqlite/00001_redemptions_core_schema.down.sql",
	}
	for _, migrationPath := range paths {
		content, err := fs.ReadFile(root, migrationPath)
		if err != nil {
			t.Fatalf("read migration %s: %v", migrationPath, err)
		}
		if strings.TrimSpace(string(content)) == "" {
			t.Fatalf("expected migration %s to have SQL content", migrationPath)
		}
	}
}

func TestSQLiteCoreSchemaMigration_ApplyAndRollback(t *testing.T) {
	db, err := sql.Open("sqlite3", "file:migrations-core-schema?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()

	root := redemptions.GetCoreMigrationsFS()
	sqliteMigrations, err := fs.Sub(root, "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}

	ctx := context.Background()
	if err := execSQLMigration(ctx, db, sqliteMigrations, "00001_redemptions_core_schema.up.sql"); err != nil {
		t.Fatalf("apply core schema up: %v", err)
	}

	for _, tableName := range CoreTables {
		var count int
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`,
			tableName,
		).Scan(&count); err != nil {
			t.Fatalf("query sqlite_master for %s: %v", tableName, err)
		}
		if count != 1 {
			t.Fatalf("expected table %s to exist after up migration", tableName)
		}
	}

	insertCode := `INSERT INTO redemption_codes (id, code, good_ref) VALUES (?, ?, ?)`
	if _, err := db.ExecContext(ctx, insertCode, "c-1", "GIFT-0001", "good-a"); err != nil {
		t.Fatalf("insert code: %v", err)
	}
	if _, err := db.ExecContext(ctx, insertCode, "c-2", "GIFT-0001", "good-b"); err == nil {
		t.Fatalf("expected unique code violation")
	}

	if _, err := db.ExecContext(ctx,
		`INSERT INTO redemption_history (id, redemption_id, seq, kind, state, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`,
		"h-1", "missing", 1, "transition", "created", "2026-01-01 00:00:00",
	); err == nil {
		t.Fatalf("expected history to require its redemption")
	}

	if err := execSQLMigration(ctx, db, sqliteMigrations, "00001_redemptions_core_schema.down.sql"); err != nil {
		t.Fatalf("apply core schema down: %v", err)
	}
	var count int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name LIKE 'redemption%'`,
	).Scan(&count); err != nil {
		t.Fatalf("query sqlite_master after down migration: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected redemption tables to be dropped, %d remain", count)
	}
}

func execSQLMigration(ctx context.Context, db *sql.DB, fsys fs.FS, filename string) error {
	content, err := fs.ReadFile(fsys, filepath.Clean(filename))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(content))
	return err
}

func TestDialectForDriver(t *testing.T) {
	cases := map[string]string{
		"sqlite3":    DialectSQLite,
		" SQLite ":   DialectSQLite,
		"postgres":   DialectPostgres,
		"postgresql": DialectPostgres,
		"pg":         DialectPostgres,
	}
	for driver, want := range cases {
		got, err := DialectForDriver(driver)
		if err != nil || got != want {
			t.Fatalf("driver %q: expected %s, got %q %v", driver, want, got, err)
		}
	}
	if _, err := DialectForDriver("mysql"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestVersions_RequiresDownScripts(t *testing.T) {
	fsys := fstest.MapFS{
		"00002_more.up.sql":   {Data: []byte("SELECT 1;")},
		"00002_more.down.sql": {Data: []byte("SELECT 1;")},
		"00001_base.up.sql":   {Data: []byte("SELECT 1;")},
		"00001_base.down.sql": {Data: []byte("SELECT 1;")},
	}
	versions, err := Versions(fsys)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if strings.Join(versions, ",") != "00001_base,00002_more" {
		t.Fatalf("unexpected versions %v", versions)
	}

	delete(fsys, "00002_more.down.sql")
	if _, err := Versions(fsys); err == nil {
		t.Fatalf("expected missing down script to be rejected")
	}
}

func TestFilesystems_RejectsDialectDrift(t *testing.T) {
	root := fstest.MapFS{
		"data/sql/migrations/00001_base.up.sql":          {Data: []byte("SELECT 1;")},
		"data/sql/migrations/00001_base.down.sql":        {Data: []byte("SELECT 1;")},
		"data/sql/migrations/sqlite/00001_base.up.sql":   {Data: []byte("SELECT 1;")},
		"data/sql/migrations/sqlite/00001_base.down.sql": {Data: []byte("SELECT 1;")},
	}
	if _, err := Filesystems(root); err != nil {
		t.Fatalf("expected matching trees to resolve: %v", err)
	}

	root["data/sql/migrations/sqlite/00002_extra.up.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	root["data/sql/migrations/sqlite/00002_extra.down.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	if _, err := Filesystems(root); err == nil {
		t.Fatalf("expected sqlite-only migration to be rejected")
	}
}

func TestRegister_AcceptsDriverNamesAsTargets(t *testing.T) {
	var calls []string
	_, err := Register(context.Background(), func(_ context.Context, dialect string, _ string, _ fs.FS) error {
		calls = append(calls, dialect)
		return nil
	}, WithValidationTargets("sqlite3", "sqlite"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(calls) != 1 || calls[0] != DialectSQLite {
		t.Fatalf("expected one sqlite registration, got %v", calls)
	}
}

func TestCoreTables_CreatedByBothDialects(t *testing.T) {
	filesystems, err := Filesystems()
	if err != nil {
		t.Fatalf("filesystems: %v", err)
	}
	for _, spec := range filesystems {
		content, err := fs.ReadFile(spec.FS, "00001_redemptions_core_schema.up.sql")
		if err != nil {
			t.Fatalf("read %s schema: %v", spec.Dialect, err)
		}
		for _, table := range CoreTables {
			if !strings.Contains(string(content), "CREATE TABLE IF NOT EXISTS "+table+" (") {
				t.Fatalf("expected %s schema to create %s", spec.Dialect, table)
			}
		}
	}
}
