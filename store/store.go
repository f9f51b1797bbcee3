// Package store is the local message store of an account.
//
// Message metadata lives in a SQLite index (index.db) whose schema is managed
// by embedded golang-migrate migrations. Message content is written to
// content-addressed files under data/, named by the BLAKE3 hash of the raw
// message.
//
// All sub-accounts of an account share one *Account. Callers serialize
// mutations with Lock/Unlock, holding the lock for each individual mutation
// rather than for a whole synchronization pass.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/migadu/popsync/consts"
	"github.com/migadu/popsync/logger"
	"github.com/migadu/popsync/pkg/metrics"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const DataDir = "data"
const IndexDB = "index.db"

// Account is the message store of one local account.
type Account struct {
	name     string
	basePath string
	db       *sql.DB
	mu       sync.Mutex
}

// Open opens or creates the store rooted at path and applies pending
// migrations. The Inbox folder always exists afterwards.
func Open(ctx context.Context, name, path string) (*Account, error) {
	basePath := filepath.Clean(strings.TrimSpace(path))
	if basePath == "" || basePath == "." {
		return nil, fmt.Errorf("store path of account %q cannot be empty", name)
	}

	dataDir := filepath.Join(basePath, DataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data path %s: %w", dataDir, err)
	}

	dbPath := filepath.Join(basePath, IndexDB)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open index DB: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Store: failed to set WAL journal mode", "account", name, "error", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`); err != nil {
		logger.Warn("Store: failed to set busy timeout", "account", name, "error", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	a := &Account{name: name, basePath: basePath, db: db}
	if _, err := a.EnsureFolder(ctx, consts.FolderInbox); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("Store: opened", "account", name, "path", basePath)
	return a, nil
}

func migrateUp(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source driver: %w", err)
	}

	dbDriver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	logger.Debug("Store: migrate " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *migrationLogger) Verbose() bool {
	return false
}

// Close closes the index database.
func (a *Account) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func (a *Account) Name() string {
	return a.name
}

// Path returns the directory of the store, which also holds the UIDL files
// of the sub-accounts.
func (a *Account) Path() string {
	return a.basePath
}

// Lock acquires the exclusive mutation lock of the account.
func (a *Account) Lock() {
	a.mu.Lock()
}

func (a *Account) Unlock() {
	a.mu.Unlock()
}

// Folder is a named message container.
type Folder struct {
	ID   int64
	Name string
}

// EnsureFolder returns the folder with the given name, creating it if needed.
func (a *Account) EnsureFolder(ctx context.Context, name string) (*Folder, error) {
	if _, err := a.db.ExecContext(ctx, `INSERT OR IGNORE INTO folders (name) VALUES (?)`, name); err != nil {
		return nil, fmt.Errorf("failed to create folder %s: %w", name, err)
	}
	return a.Folder(ctx, name)
}

// Folder returns the folder with the given name.
func (a *Account) Folder(ctx context.Context, name string) (*Folder, error) {
	f := &Folder{}
	err := a.db.QueryRowContext(ctx, `SELECT id, name FROM folders WHERE name = ?`, name).Scan(&f.ID, &f.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consts.ErrFolderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query folder %s: %w", name, err)
	}
	return f, nil
}

// Inbox returns the folder receiving downloaded messages.
func (a *Account) Inbox(ctx context.Context) (*Folder, error) {
	return a.Folder(ctx, consts.FolderInbox)
}

// Folders returns all folders ordered by id.
func (a *Account) Folders(ctx context.Context) ([]*Folder, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT id, name FROM folders ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	var folders []*Folder
	for rows.Next() {
		f := &Folder{}
		if err := rows.Scan(&f.ID, &f.Name); err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// Stats reports message counts per folder and the total content size.
func (a *Account) Stats(ctx context.Context) (*metrics.StoreStats, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT f.name, COUNT(m.id), COALESCE(SUM(m.size), 0)
		FROM folders f LEFT JOIN messages m ON m.folder_id = f.id
		GROUP BY f.id ORDER BY f.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to collect store stats: %w", err)
	}
	defer rows.Close()

	stats := &metrics.StoreStats{}
	for rows.Next() {
		var fs metrics.FolderStats
		var size int64
		if err := rows.Scan(&fs.Folder, &fs.Messages, &size); err != nil {
			return nil, err
		}
		stats.Folders = append(stats.Folders, fs)
		stats.SizeBytes += size
	}
	return stats, rows.Err()
}
