package models

import (
	"path/filepath"
	"strings"
	"time"
)

// DeletedUpstream is the sentinel content hash of a tombstone row.
const DeletedUpstream = "DELETED_UPSTREAM"

// lockSuffix marks a file that is being written by another tool. Its kind is
// the suffix in front of it.
const lockSuffix = ".lock"

// File represents one captured artifact on local storage.
// (Path, Hash) is the natural key.
type File struct {
	Path    string
	Hash    string
	Size    int64
	ModTime time.Time
	Kind    string
}

// Name returns the base name of the file.
func (f File) Name() string {
	return filepath.Base(f.Path)
}

// SizeMB returns the size in megabytes, as stored in the ledger.
func (f File) SizeMB() float64 {
	return float64(f.Size) / 1024 / 1024
}

// IsTombstone reports whether the row marks an item deleted upstream.
func (f File) IsTombstone() bool {
	return f.Hash == DeletedUpstream
}

// Tombstone returns the tombstone row for path.
func Tombstone(path string, modTime time.Time) File {
	return File{
		Path:    path,
		Hash:    DeletedUpstream,
		ModTime: modTime,
		Kind:    KindOf(path),
	}
}

// KindOf derives the file kind from the logical suffix of path. A trailing
// lock marker defers to the suffix before it, so "visit.csv.lock" is "csv".
func KindOf(path string) string {
	name := strings.ToLower(filepath.Base(path))
	if strings.HasSuffix(name, lockSuffix) && name != lockSuffix {
		name = strings.TrimSuffix(name, lockSuffix)
	}
	ext := filepath.Ext(name)
	if ext == "" || ext == name {
		return ""
	}
	return strings.TrimPrefix(ext, ".")
}
