package output

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Record is one stored output file in the persistent index.
type Record struct {
	ID        uint      `gorm:"primaryKey"`
	URL       string    `gorm:"uniqueIndex;size:128"` // "outputs/<slug>.<ext>"
	Format    string    `gorm:"size:16"`
	SizeBytes int64     ``
	Lines     int       ``
	TaskID    string    `gorm:"index;size:128"` // Producing execution, empty for ad-hoc saves.
	CreatedAt time.Time ``
}

// TableName keeps the table name stable across gorm naming strategies.
func (Record) TableName() string { return "output_records" }

// Index is a SQLite-backed catalog of stored output files.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez GORM driver,
// with WAL mode for concurrent reads.
type Index struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string
}

// OpenIndex opens (or creates) the index database at path and migrates
// the schema.
func OpenIndex(path string, slogger *slog.Logger) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("index path is required")
	}
	if slogger == nil {
		slogger = slog.Default()
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating index directory %s: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening output index: %w", err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrating output index: %w", err)
	}

	slogger.Info("output index opened", slog.String("path", path))
	return &Index{db: db, logger: slogger, path: path}, nil
}

// Put inserts or replaces a record by URL.
func (i *Index) Put(ctx context.Context, rec Record) error {
	if rec.URL == "" {
		return fmt.Errorf("record url is required")
	}
	err := i.db.WithContext(ctx).
		Where(Record{URL: rec.URL}).
		Assign(rec).
		FirstOrCreate(&rec).Error
	if err != nil {
		return fmt.Errorf("indexing %s: %w", rec.URL, err)
	}
	return nil
}

// Get looks up a record by URL.
func (i *Index) Get(ctx context.Context, url string) (*Record, error) {
	var rec Record
	err := i.db.WithContext(ctx).Where("url = ?", url).First(&rec).Error
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", url, err)
	}
	return &rec, nil
}

// List returns the most recent records, newest first.
func (i *Index) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []Record
	err := i.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing outputs: %w", err)
	}
	return recs, nil
}

// DeleteOlderThan removes records created before cutoff and returns them
// so the caller can delete the underlying files.
func (i *Index) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]Record, error) {
	var stale []Record
	err := i.db.WithContext(ctx).Where("created_at < ?", cutoff).Find(&stale).Error
	if err != nil {
		return nil, fmt.Errorf("finding stale outputs: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}
	err = i.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Record{}).Error
	if err != nil {
		return nil, fmt.Errorf("deleting stale outputs: %w", err)
	}
	return stale, nil
}

// Ping verifies the database is reachable. Used by readiness checks.
func (i *Index) Ping(ctx context.Context) error {
	sqlDB, err := i.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database handle.
func (i *Index) Close() error {
	sqlDB, err := i.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
