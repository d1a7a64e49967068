package transfer

import (
	"errors"
	"fmt"
)

// ErrNoActiveTask is returned when resume is requested but no task is remembered.
var ErrNoActiveTask = errors.New("no active task to resume")

// TransportError represents a network failure or a non-success response while talking to the
// chunk server. The transfer can be continued later through the resume path.
type TransportError struct {
	Operation  string // The operation that failed (e.g., "send_chunk", "fetch_range")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	ChunkIndex int64  // Chunk being transferred, -1 when not chunk specific
	Err        error  // Underlying error, if any
}

func (e *TransportError) Error() string {
	var msg string

	switch {
	case e.StatusCode > 0:
		msg = fmt.Sprintf("transport error during %s (HTTP %d)", e.Operation, e.StatusCode)
	default:
		msg = fmt.Sprintf("transport error during %s", e.Operation)
	}

	if e.ChunkIndex >= 0 {
		msg += fmt.Sprintf(" at chunk %d", e.ChunkIndex)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ResumeNotFoundError is returned when a resume is requested for a task with no persisted record.
type ResumeNotFoundError struct {
	TaskID string
}

func (e *ResumeNotFoundError) Error() string {
	return fmt.Sprintf("no resume data found for task %s", e.TaskID)
}

// SerializationError represents a resume record that could not be encoded or decoded.
type SerializationError struct {
	Key string // Store key of the record
	Err error  // Underlying error, if any
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("corrupt resume record %s: %v", e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// HashError represents a read failure while computing the content hash of an upload.
type HashError struct {
	Err error // Underlying error, if any
}

func (e *HashError) Error() string {
	return fmt.Sprintf("failed to hash file: %v", e.Err)
}

func (e *HashError) Unwrap() error {
	return e.Err
}
