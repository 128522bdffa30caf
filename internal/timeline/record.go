// Package timeline persists keyframe indexes between runs. A Record ties an
// index to the exact source file it was built from; Validate rejects records
// whose source has changed since.
package timeline

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zsiec/replay/internal/index"
)

// RecordVersion is bumped whenever the persisted index layout changes.
const RecordVersion = 1

// fingerprintChunk is how much of the head and the tail of a file is hashed.
const fingerprintChunk = 64 << 10

// ErrStale is returned by Validate when a record no longer matches its source.
var ErrStale = errors.New("timeline: record does not match source")

// Source identifies one version of a file on disk.
type Source struct {
	Size    int64
	ModTime time.Time
	Hash    string // hex SHA-256 of the first and last 64 KiB
}

// Record is a persisted keyframe index together with the source identity it
// was built against.
type Record struct {
	Version       int
	SourcePath    string
	SourceSize    int64
	SourceModTime time.Time
	SourceHash    string
	Duration      float64
	Width         int
	Height        int
	FrameRate     float64
	Index         *index.KeyframeIndex
	CreatedAt     time.Time
	ToolVersion   string // external tool version for degraded indexes
}

// NewRecord returns a record for idx built from the file identified by src.
func NewRecord(path string, src Source, idx *index.KeyframeIndex) Record {
	return Record{
		Version:       RecordVersion,
		SourcePath:    path,
		SourceSize:    src.Size,
		SourceModTime: src.ModTime,
		SourceHash:    src.Hash,
		Duration:      idx.TotalDuration,
		Width:         idx.Width,
		Height:        idx.Height,
		FrameRate:     idx.FrameRate,
		Index:         idx,
		CreatedAt:     time.Now(),
		ToolVersion:   idx.ToolVersion,
	}
}

// Fingerprint stats and hashes the file at path. Only the first and last
// 64 KiB are read, so the cost does not grow with the file.
func Fingerprint(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return Source{}, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return Source{}, err
	}

	h := sha256.New()
	if _, err := io.CopyN(h, f, fingerprintChunk); err != nil && !errors.Is(err, io.EOF) {
		return Source{}, fmt.Errorf("hash %s: %w", path, err)
	}
	if tail := fi.Size() - fingerprintChunk; tail > fingerprintChunk {
		if _, err := io.Copy(h, io.NewSectionReader(f, tail, fingerprintChunk)); err != nil {
			return Source{}, fmt.Errorf("hash %s: %w", path, err)
		}
	} else if tail > 0 {
		if _, err := io.Copy(h, io.NewSectionReader(f, fingerprintChunk, tail)); err != nil {
			return Source{}, fmt.Errorf("hash %s: %w", path, err)
		}
	}

	return Source{
		Size:    fi.Size(),
		ModTime: fi.ModTime().UTC(),
		Hash:    hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Validate reports whether rec may be trusted for the file identified by
// live. Any mismatch yields an error wrapping ErrStale that names the field.
func Validate(rec Record, live Source) error {
	switch {
	case rec.Version != RecordVersion:
		return fmt.Errorf("%w: version %d", ErrStale, rec.Version)
	case rec.Index == nil || rec.Index.Len() == 0:
		return fmt.Errorf("%w: empty index", ErrStale)
	case rec.SourceSize != live.Size:
		return fmt.Errorf("%w: size %d != %d", ErrStale, rec.SourceSize, live.Size)
	case !rec.SourceModTime.Equal(live.ModTime):
		return fmt.Errorf("%w: modification time", ErrStale)
	case rec.SourceHash != live.Hash:
		return fmt.Errorf("%w: content hash", ErrStale)
	}
	return nil
}
