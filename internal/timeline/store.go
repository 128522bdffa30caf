package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/zsiec/replay/internal/index"
)

// ErrNotFound is returned by Load when no record exists for a path.
var ErrNotFound = errors.New("timeline: no record")

// timelineRow is the persisted form of a Record. The index is stored as its
// binary encoding.
type timelineRow struct {
	ID            uint   `gorm:"primarykey"`
	SourcePath    string `gorm:"uniqueIndex;not null"`
	Version       int
	SourceSize    int64
	SourceModTime int64 // unix nanoseconds
	SourceHash    string
	Duration      float64
	Width         int
	Height        int
	FrameRate     float64
	Strategy      string
	Degraded      bool
	Index         []byte
	CreatedAt     time.Time
	ToolVersion   string
}

func (timelineRow) TableName() string { return "timelines" }

// Store keeps timeline records in a SQLite database.
type Store struct {
	log *slog.Logger
	db  *gorm.DB
}

// OpenStore opens (creating if needed) the SQLite database at dsn. Use
// ":memory:" for a private in-memory store. If log is nil, slog.Default()
// is used.
func OpenStore(dsn string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open timeline store %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&timelineRow{}); err != nil {
		return nil, fmt.Errorf("migrate timeline store: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		// SQLite allows one writer; a single connection also keeps
		// ":memory:" databases shared across calls.
		sqlDB.SetMaxOpenConns(1)
	}
	return &Store{log: log.With("component", "timeline"), db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save inserts rec or replaces the record stored for the same source path.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.Index == nil {
		return fmt.Errorf("save timeline %s: nil index", rec.SourcePath)
	}
	blob, err := rec.Index.MarshalBinary()
	if err != nil {
		return fmt.Errorf("save timeline %s: %w", rec.SourcePath, err)
	}
	row := timelineRow{
		SourcePath:    rec.SourcePath,
		Version:       rec.Version,
		SourceSize:    rec.SourceSize,
		SourceModTime: rec.SourceModTime.UnixNano(),
		SourceHash:    rec.SourceHash,
		Duration:      rec.Duration,
		Width:         rec.Width,
		Height:        rec.Height,
		FrameRate:     rec.FrameRate,
		Strategy:      rec.Index.Strategy.String(),
		Degraded:      rec.Index.Degraded,
		Index:         blob,
		CreatedAt:     rec.CreatedAt,
		ToolVersion:   rec.ToolVersion,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_path"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save timeline %s: %w", rec.SourcePath, err)
	}
	s.log.Debug("timeline saved", "path", rec.SourcePath, "entries", rec.Index.Len(), "bytes", len(blob))
	return nil
}

// Load returns the record stored for path, or ErrNotFound.
func (s *Store) Load(ctx context.Context, path string) (Record, error) {
	var row timelineRow
	err := s.db.WithContext(ctx).Where("source_path = ?", path).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load timeline %s: %w", path, err)
	}

	idx := new(index.KeyframeIndex)
	if err := idx.UnmarshalBinary(row.Index); err != nil {
		return Record{}, fmt.Errorf("load timeline %s: %w", path, err)
	}
	idx.Width, idx.Height, idx.ToolVersion = row.Width, row.Height, row.ToolVersion
	return Record{
		Version:       row.Version,
		SourcePath:    row.SourcePath,
		SourceSize:    row.SourceSize,
		SourceModTime: time.Unix(0, row.SourceModTime).UTC(),
		SourceHash:    row.SourceHash,
		Duration:      row.Duration,
		Width:         row.Width,
		Height:        row.Height,
		FrameRate:     row.FrameRate,
		Index:         idx,
		CreatedAt:     row.CreatedAt,
		ToolVersion:   row.ToolVersion,
	}, nil
}

// Delete removes the record for path. Deleting a missing record is not an
// error.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.db.WithContext(ctx).Where("source_path = ?", path).Delete(&timelineRow{}).Error; err != nil {
		return fmt.Errorf("delete timeline %s: %w", path, err)
	}
	return nil
}

// Paths lists every source path with a stored record, in path order.
func (s *Store) Paths(ctx context.Context) ([]string, error) {
	var paths []string
	err := s.db.WithContext(ctx).Model(&timelineRow{}).Order("source_path").Pluck("source_path", &paths).Error
	if err != nil {
		return nil, fmt.Errorf("list timelines: %w", err)
	}
	return paths, nil
}
