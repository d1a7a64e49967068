package worker

import (
	"github.com/italolelis/resumable_transfer/internal/resume"
)

// State is the lifecycle position of a Worker.
type State int32

const (
	StateIdle State = iota
	StatePreparing
	StateTransferring
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateTransferring:
		return "transferring"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type MessageKind int

const (
	MessageProgress MessageKind = iota
	MessageComplete
	MessageError
)

// Message is what a Worker reports back while it runs. The final message of a run is either
// MessageComplete or MessageError, unless the run was cancelled.
type Message struct {
	Kind MessageKind
	// Percent is 0-100.
	Percent float64
	// ChunkIndex is the chunk the message is about, -1 when none.
	ChunkIndex int64
	// Chunk holds the bytes of a freshly downloaded chunk.
	Chunk []byte
	// Snapshot is the resume state after this message; nil for hash failures.
	Snapshot *resume.Record

	Upload   *UploadResult
	Download *DownloadResult
	Err      error
}

type UploadResult struct {
	FileHash  string
	TotalSize int64
}

type DownloadResult struct {
	Data      []byte
	TotalSize int64
	FileName  string
}
