package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"sort"
	"strings"

	redemptions "github.com/goliatone/go-redemptions"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	DefaultSourceLabel = "go-redemptions"

	migrationsDir = "data/sql/migrations"
	upSuffix      = ".up.sql"
	downSuffix    = ".down.sql"
)

// CoreTables lists the tables the core schema creates, parents first.
var CoreTables = []string{
	"redemption_goods",
	"redemption_codes",
	"redemptions",
	"redemption_history",
	"redemption_status_outbox",
	"redemption_status_dispatches",
}

type FilesystemSpec struct {
	Dialect string
	Path    string
	FS      fs.FS
}

type Registration struct {
	SourceLabel       string
	ValidationTargets []string
	Filesystems       []FilesystemSpec
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*Registration)

func WithDialectSourceLabel(label string) Option {
	return func(r *Registration) {
		if trimmed := strings.TrimSpace(label); trimmed != "" {
			r.SourceLabel = trimmed
		}
	}
}

// WithValidationTargets limits registration to the given dialects. Driver
// names such as sqlite3 or postgresql are accepted.
func WithValidationTargets(targets ...string) Option {
	return func(r *Registration) {
		next := make([]string, 0, len(targets))
		for _, target := range targets {
			dialect, err := DialectForDriver(target)
			if err != nil || slices.Contains(next, dialect) {
				continue
			}
			next = append(next, dialect)
		}
		if len(next) > 0 {
			r.ValidationTargets = next
		}
	}
}

func WithFilesystems(filesystems ...FilesystemSpec) Option {
	return func(r *Registration) {
		copied := make([]FilesystemSpec, 0, len(filesystems))
		for _, spec := range filesystems {
			dialect, err := DialectForDriver(spec.Dialect)
			if err != nil || spec.FS == nil {
				continue
			}
			copied = append(copied, FilesystemSpec{Dialect: dialect, Path: spec.Path, FS: spec.FS})
		}
		if len(copied) > 0 {
			r.Filesystems = copied
		}
	}
}

// DialectForDriver maps a database/sql driver name to its migration dialect.
func DialectForDriver(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg", "pgx":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("migrations: unsupported driver %q", driver)
	}
}

// Versions returns the sorted migration versions in fsys. Every up script
// must have a matching down script.
func Versions(fsys fs.FS) ([]string, error) {
	ups, err := fs.Glob(fsys, "*"+upSuffix)
	if err != nil {
		return nil, fmt.Errorf("migrations: glob up scripts: %w", err)
	}
	if len(ups) == 0 {
		return nil, fmt.Errorf("migrations: no %s scripts found", upSuffix)
	}
	versions := make([]string, 0, len(ups))
	for _, name := range ups {
		version := strings.TrimSuffix(name, upSuffix)
		if _, statErr := fs.Stat(fsys, version+downSuffix); statErr != nil {
			return nil, fmt.Errorf("migrations: %s has no down script: %w", name, statErr)
		}
		versions = append(versions, version)
	}
	sort.Strings(versions)
	return versions, nil
}

// Filesystems returns the postgres tree and its sqlite sub-tree. Both must
// carry the same migration versions.
func Filesystems(sources ...fs.FS) ([]FilesystemSpec, error) {
	root := redemptions.GetCoreMigrationsFS()
	if len(sources) > 0 && sources[0] != nil {
		root = sources[0]
	}

	base, basePath, err := migrationsRoot(root)
	if err != nil {
		return nil, err
	}
	sqliteFS, err := fs.Sub(base, DialectSQLite)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite filesystem: %w", err)
	}
	filesystems := []FilesystemSpec{
		{Dialect: DialectPostgres, Path: basePath, FS: base},
		{Dialect: DialectSQLite, Path: path.Join(basePath, DialectSQLite), FS: sqliteFS},
	}

	var expected []string
	for i, spec := range filesystems {
		versions, versionErr := Versions(spec.FS)
		if versionErr != nil {
			return nil, fmt.Errorf("migrations: %s (%s): %w", spec.Dialect, spec.Path, versionErr)
		}
		if i == 0 {
			expected = versions
			continue
		}
		if !slices.Equal(expected, versions) {
			return nil, fmt.Errorf("migrations: %s versions %v differ from %s versions %v",
				spec.Dialect, versions, filesystems[0].Dialect, expected)
		}
	}
	return filesystems, nil
}

// Register hands every targeted dialect filesystem to registerFn.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	reg := Registration{
		SourceLabel:       DefaultSourceLabel,
		ValidationTargets: []string{DialectPostgres, DialectSQLite},
	}
	if registerFn == nil {
		return reg, fmt.Errorf("migrations: register function is required")
	}

	filesystems, err := Filesystems()
	if err != nil {
		return reg, err
	}
	reg.Filesystems = filesystems
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}

	registered := 0
	for _, spec := range reg.Filesystems {
		if !slices.Contains(reg.ValidationTargets, spec.Dialect) {
			continue
		}
		if err := registerFn(ctx, spec.Dialect, reg.SourceLabel, spec.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s (%s): %w", spec.Dialect, spec.Path, err)
		}
		registered++
	}
	if registered == 0 {
		return reg, fmt.Errorf("migrations: no filesystem matches targets %v", reg.ValidationTargets)
	}
	return reg, nil
}

func migrationsRoot(root fs.FS) (fs.FS, string, error) {
	if info, err := fs.Stat(root, migrationsDir); err == nil && info.IsDir() {
		sub, subErr := fs.Sub(root, migrationsDir)
		if subErr != nil {
			return nil, "", fmt.Errorf("migrations: resolve %s: %w", migrationsDir, subErr)
		}
		return sub, migrationsDir, nil
	}
	if matches, err := fs.Glob(root, "*"+upSuffix); err == nil && len(matches) > 0 {
		return root, ".", nil
	}
	return nil, "", fmt.Errorf("migrations: %s not found", migrationsDir)
}
