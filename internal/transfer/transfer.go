package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Kind tells whether a task moves bytes to or from the server.
type Kind string

const (
	KindUpload   Kind = "upload"
	KindDownload Kind = "download"
)

// Task identifies one logical transfer.
type Task struct {
	ID            string
	Kind          Kind
	URL           string
	ChunkSize     int64
	ResumeEnabled bool
	AutoSave      bool
	Name          string
}

// Validate checks the invariants every task must hold before a worker runs it.
func (t *Task) Validate() error {
	if t.URL == "" {
		return fmt.Errorf("task %s: url is required", t.ID)
	}

	if t.ChunkSize <= 0 {
		return fmt.Errorf("task %s: chunk size must be positive, got %d", t.ID, t.ChunkSize)
	}

	if t.Kind != KindUpload && t.Kind != KindDownload {
		return fmt.Errorf("task %s: unknown kind %q", t.ID, t.Kind)
	}

	return nil
}

// NewTaskID derives a task id from an identifier (file name or URL), a size and a timestamp.
func NewTaskID(identifier string, size int64, now time.Time) string {
	return fmt.Sprintf("task_%s_%d_%d", identifier, size, now.UnixMilli())
}

// Source is the content of an upload. Chunks are read with ReadAt so the whole file is never
// held in memory.
type Source interface {
	io.ReaderAt
	Size() int64
}

// File is a Source backed by a file on disk.
type File struct {
	*os.File

	size int64
}

// OpenFile opens path for upload.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	if info.IsDir() {
		f.Close()

		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &File{File: f, size: info.Size()}, nil
}

// Size returns the file size captured when the file was opened.
func (f *File) Size() int64 {
	return f.size
}

// BaseName returns the file name without its directory.
func (f *File) BaseName() string {
	return filepath.Base(f.Name())
}
