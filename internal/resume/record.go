// Package resume persists transfer progress snapshots so an interrupted task can continue from
// its last confirmed chunk.
package resume

import (
	"fmt"

	"github.com/italolelis/resumable_transfer/internal/chunkplan"
	"github.com/italolelis/resumable_transfer/internal/transfer"
)

// Record is the persisted snapshot of one task. Uploaded chunk indexes are deliberately absent:
// the server reports them again on every resume.
type Record struct {
	Kind              transfer.Kind      `json:"kind,omitempty"`
	Offset            int64              `json:"offset"`
	TotalSize         int64              `json:"totalSize"`
	ChunkSize         int64              `json:"chunkSize"`
	DownloadedIndexes chunkplan.IndexSet `json:"downloadedIndexes,omitempty"`
	FileHash          string             `json:"fileHash,omitempty"`
	FileName          string             `json:"fileName,omitempty"`
	URL               string             `json:"url"`
	RangeUnsupported  bool               `json:"rangeUnsupported,omitempty"`
	AutoSave          bool               `json:"autoSave,omitempty"`
	// Timestamp is the epoch-ms of the last save.
	Timestamp int64 `json:"timestamp"`
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	out := *r
	if r.DownloadedIndexes != nil {
		out.DownloadedIndexes = r.DownloadedIndexes.Clone()
	}

	return &out
}

// Validate checks the record invariants. TotalSize 0 means the size was not known yet.
func (r *Record) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("missing url")
	}

	if r.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", r.ChunkSize)
	}

	if r.Offset < 0 || r.TotalSize < 0 {
		return fmt.Errorf("negative offset %d or total size %d", r.Offset, r.TotalSize)
	}

	if r.TotalSize == 0 {
		if r.Offset != 0 || len(r.DownloadedIndexes) > 0 {
			return fmt.Errorf("progress recorded without a known total size")
		}

		return nil
	}

	if r.Offset > r.TotalSize {
		return fmt.Errorf("offset %d beyond total size %d", r.Offset, r.TotalSize)
	}

	count := chunkplan.Count(r.TotalSize, r.ChunkSize)
	for i := range r.DownloadedIndexes {
		if i < 0 || i >= count {
			return fmt.Errorf("downloaded index %d outside [0, %d)", i, count)
		}
	}

	return nil
}

// Percent reports progress as 0-100.
func (r *Record) Percent() float64 {
	if r.TotalSize <= 0 {
		return 0
	}

	return float64(r.Offset) / float64(r.TotalSize) * 100
}
