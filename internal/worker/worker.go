// Package worker runs one transfer task in the background: hashing and chunk submission for
// uploads, the range-fetch loop for downloads. It reports through a message channel and never
// touches resume storage itself.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/resumable_transfer/internal/chunkplan"
	"github.com/italolelis/resumable_transfer/internal/hashstream"
	"github.com/italolelis/resumable_transfer/internal/logctx"
	"github.com/italolelis/resumable_transfer/internal/resume"
	"github.com/italolelis/resumable_transfer/internal/transfer"
)

// ErrBusy is returned by Run when the worker is already running a task.
var ErrBusy = errors.New("worker is already running a task")

const defaultFileName = "download"

// Job is everything a worker needs for one run.
type Job struct {
	Task transfer.Task
	// Source is the content of an upload.
	Source transfer.Source
	// Resume restores download progress. Uploads ignore it: the server knows their progress.
	Resume *resume.Record
	// Chunks holds previously buffered download chunk bytes by index.
	Chunks map[int64][]byte
}

type Worker struct {
	client     transfer.ChunkClient
	hashWindow int

	state   atomic.Int32
	running atomic.Bool
}

type Option func(*Worker)

// WithHashWindow sets the read window used while hashing uploads.
func WithHashWindow(n int) Option {
	return func(w *Worker) { w.hashWindow = n }
}

func New(client transfer.ChunkClient, opts ...Option) *Worker {
	w := &Worker{client: client, hashWindow: hashstream.DefaultWindow}
	for _, opt := range opts {
		opt(w)
	}

	return w
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Run executes job and closes out when it returns. Cancelling ctx stops the run at the next
// suspension point without a final message.
func (w *Worker) Run(ctx context.Context, job Job, out chan<- Message) error {
	defer close(out)

	if !w.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer w.running.Store(false)

	w.setState(StateIdle)

	if err := job.Task.Validate(); err != nil {
		w.fail(ctx, out, err, nil)

		return nil
	}

	ctx = logctx.WithTaskID(ctx, job.Task.ID)

	switch job.Task.Kind {
	case transfer.KindUpload:
		if job.Source == nil {
			w.fail(ctx, out, fmt.Errorf("task %s: upload without source", job.Task.ID), nil)

			return nil
		}

		w.upload(ctx, job, out)
	case transfer.KindDownload:
		w.download(ctx, job, out)
	}

	return nil
}

func (w *Worker) upload(ctx context.Context, job Job, out chan<- Message) {
	logger := logctx.LoggerFromContext(ctx)
	task := job.Task
	total := job.Source.Size()

	w.setState(StatePreparing)

	hash, err := hashstream.Digest(ctx, io.NewSectionReader(job.Source, 0, total),
		hashstream.WithWindow(w.hashWindow),
		hashstream.WithProgress(total, func(read, total int64) {
			logger.DebugContext(ctx, "hashing", "read", humanize.Bytes(uint64(read)), "total", humanize.Bytes(uint64(total)))
		}),
	)
	if err != nil {
		if ctx.Err() == nil {
			w.fail(ctx, out, &transfer.HashError{Err: err}, nil)
		}

		return
	}

	logger.InfoContext(ctx, "upload hashed", "hash", hash, "size", humanize.Bytes(uint64(total)))

	snapshot := func(offset int64) *resume.Record {
		return &resume.Record{
			Kind:      transfer.KindUpload,
			Offset:    offset,
			TotalSize: total,
			ChunkSize: task.ChunkSize,
			FileHash:  hash,
			FileName:  task.Name,
			URL:       task.URL,
		}
	}

	accepted, err := w.client.UploadedChunks(ctx, task.URL, hash)
	if err != nil {
		if ctx.Err() == nil {
			w.fail(ctx, out, err, snapshot(0))
		}

		return
	}

	w.setState(StateTransferring)

	var offset int64

	for _, r := range chunkplan.Plan(total, task.ChunkSize) {
		if accepted.Has(r.Index) {
			offset += r.Len()

			logger.DebugContext(ctx, "chunk already accepted", "chunk_index", r.Index)

			if !w.emit(ctx, out, progressMessage(offset, total, r.Index, snapshot(offset))) {
				return
			}

			continue
		}

		buf := make([]byte, r.Len())

		n, err := job.Source.ReadAt(buf, r.Start)
		if err != nil && !(errors.Is(err, io.EOF) && int64(n) == r.Len()) {
			w.fail(ctx, out, fmt.Errorf("failed to read chunk %d: %w", r.Index, err), snapshot(offset))

			return
		}

		err = w.client.SendChunk(ctx, task.URL, transfer.ChunkUpload{
			Hash:      hash,
			Index:     r.Index,
			TotalSize: total,
			Data:      buf[:n],
		})
		if err != nil {
			if ctx.Err() == nil {
				w.fail(ctx, out, err, snapshot(offset))
			}

			return
		}

		offset += int64(n)

		if !w.emit(ctx, out, progressMessage(offset, total, r.Index, snapshot(offset))) {
			return
		}
	}

	w.setState(StateComplete)

	logger.InfoContext(ctx, "upload complete", "hash", hash, "size", humanize.Bytes(uint64(total)))

	w.emit(ctx, out, Message{
		Kind:       MessageComplete,
		Percent:    100,
		ChunkIndex: -1,
		Snapshot:   snapshot(total),
		Upload:     &UploadResult{FileHash: hash, TotalSize: total},
	})
}

// downloadState is the bookkeeping of one download run. total is -1 until the first response.
type downloadState struct {
	task             transfer.Task
	offset           int64
	total            int64
	downloaded       chunkplan.IndexSet
	chunks           map[int64][]byte
	fileName         string
	rangeUnsupported bool
}

func (s *downloadState) snapshot() *resume.Record {
	return &resume.Record{
		Kind:              transfer.KindDownload,
		Offset:            s.offset,
		TotalSize:         max(s.total, 0),
		ChunkSize:         s.task.ChunkSize,
		DownloadedIndexes: s.downloaded.Clone(),
		FileName:          s.fileName,
		URL:               s.task.URL,
		RangeUnsupported:  s.rangeUnsupported,
		AutoSave:          s.task.AutoSave,
	}
}

// restore rebuilds state from a resume record. Indexes whose bytes did not survive are dropped so
// they are fetched again, and the offset falls back to the first missing chunk.
func (s *downloadState) restore(ctx context.Context, rec *resume.Record, buffered map[int64][]byte) {
	logger := logctx.LoggerFromContext(ctx)

	if rec == nil || rec.TotalSize <= 0 || rec.RangeUnsupported || rec.ChunkSize != s.task.ChunkSize {
		return
	}

	s.total = rec.TotalSize
	s.fileName = rec.FileName

	for i := range rec.DownloadedIndexes {
		data, ok := buffered[i]
		if !ok || int64(len(data)) != chunkplan.RangeOf(i, s.total, s.task.ChunkSize).Len() {
			logger.DebugContext(ctx, "buffered chunk missing, fetching again", "chunk_index", i)

			continue
		}

		s.downloaded.Add(i)
		s.chunks[i] = data
	}

	firstMissing := s.total
	for i := range chunkplan.Count(s.total, s.task.ChunkSize) {
		if !s.downloaded.Has(i) {
			firstMissing = i * s.task.ChunkSize

			break
		}
	}

	s.offset = min(rec.Offset, firstMissing)

	logger.InfoContext(ctx, "download restored",
		"offset", humanize.Bytes(uint64(s.offset)),
		"total", humanize.Bytes(uint64(s.total)),
		"chunks", len(s.downloaded),
	)
}

func (w *Worker) download(ctx context.Context, job Job, out chan<- Message) {
	logger := logctx.LoggerFromContext(ctx)
	task := job.Task
	cs := task.ChunkSize

	w.setState(StatePreparing)

	st := &downloadState{
		task:       task,
		total:      -1,
		downloaded: chunkplan.NewIndexSet(),
		chunks:     make(map[int64][]byte),
	}
	st.restore(ctx, job.Resume, job.Chunks)

	w.setState(StateTransferring)

	var whole []byte

	for st.total < 0 || st.offset < st.total {
		idx := chunkplan.IndexOf(st.offset, cs)

		if st.downloaded.Has(idx) {
			st.offset = min((idx+1)*cs, st.total)

			if !w.emit(ctx, out, progressMessage(st.offset, st.total, idx, st.snapshot())) {
				return
			}

			continue
		}

		resp, err := w.client.FetchRange(ctx, task.URL, st.offset, st.offset+cs-1)
		if err != nil {
			if ctx.Err() == nil {
				w.fail(ctx, out, err, st.snapshot())
			}

			return
		}

		if resp.FileName != "" {
			st.fileName = resp.FileName
		}

		if !resp.Partial {
			logger.WarnContext(ctx, "server ignored the range request, resumability degrades to all-or-nothing",
				"size", humanize.Bytes(uint64(len(resp.Data))))

			whole = resp.Data
			st.rangeUnsupported = true
			st.total = int64(len(whole))
			st.offset = st.total
			st.downloaded = chunkplan.NewIndexSet()
			st.chunks = nil

			if !w.emit(ctx, out, progressMessage(st.offset, st.total, -1, st.snapshot())) {
				return
			}

			break
		}

		if err := st.accept(idx, resp); err != nil {
			w.fail(ctx, out, err, st.snapshot())

			return
		}

		if st.total == 0 {
			break
		}

		logger.DebugContext(ctx, "chunk fetched", "chunk_index", idx, "size", humanize.Bytes(uint64(len(resp.Data))))

		msg := progressMessage(st.offset, st.total, idx, st.snapshot())
		msg.Chunk = resp.Data

		if !w.emit(ctx, out, msg) {
			return
		}
	}

	if whole == nil {
		whole = st.assemble()
	}

	fileName := st.fileName
	if fileName == "" {
		fileName = fileNameFromURL(task.URL)
	}

	w.setState(StateComplete)

	logger.InfoContext(ctx, "download complete", "file_name", fileName, "size", humanize.Bytes(uint64(len(whole))))

	w.emit(ctx, out, Message{
		Kind:       MessageComplete,
		Percent:    100,
		ChunkIndex: -1,
		Snapshot:   st.snapshot(),
		Download:   &DownloadResult{Data: whole, TotalSize: int64(len(whole)), FileName: fileName},
	})
}

// accept validates a partial response for chunk idx and records it.
func (s *downloadState) accept(idx int64, resp *transfer.RangeResponse) error {
	rangeErr := func(format string, args ...any) error {
		return &transfer.TransportError{Operation: "fetch_range", ChunkIndex: idx, Err: fmt.Errorf(format, args...)}
	}

	switch {
	case resp.TotalSize < 0:
		return rangeErr("server did not report the object size")
	case s.total < 0:
		s.total = resp.TotalSize
	case resp.TotalSize != s.total:
		return rangeErr("object size changed from %d to %d", s.total, resp.TotalSize)
	}

	if s.total == 0 {
		return nil
	}

	if resp.Start != s.offset {
		return rangeErr("server answered offset %d for a request at %d", resp.Start, s.offset)
	}

	want := chunkplan.RangeOf(idx, s.total, s.task.ChunkSize).Len()
	if int64(len(resp.Data)) != want {
		return rangeErr("got %d bytes, expected %d", len(resp.Data), want)
	}

	s.chunks[idx] = resp.Data
	s.downloaded.Add(idx)
	s.offset = resp.Start + int64(len(resp.Data))

	return nil
}

// assemble concatenates the chunks in index order, regardless of the order they arrived in.
func (s *downloadState) assemble() []byte {
	out := make([]byte, 0, s.total)
	for i := range chunkplan.Count(s.total, s.task.ChunkSize) {
		out = append(out, s.chunks[i]...)
	}

	return out
}

func (w *Worker) fail(ctx context.Context, out chan<- Message, err error, snapshot *resume.Record) {
	w.setState(StateFailed)

	logctx.LoggerFromContext(ctx).ErrorContext(ctx, "transfer failed", "err", err)

	w.emit(ctx, out, Message{Kind: MessageError, ChunkIndex: -1, Snapshot: snapshot, Err: err})
}

// emit delivers msg unless ctx is cancelled first.
func (w *Worker) emit(ctx context.Context, out chan<- Message, msg Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func progressMessage(offset, total, index int64, snapshot *resume.Record) Message {
	percent := 100.0
	if total > 0 {
		percent = float64(offset) / float64(total) * 100
	}

	return Message{Kind: MessageProgress, Percent: percent, ChunkIndex: index, Snapshot: snapshot}
}

func fileNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return defaultFileName
	}

	base := path.Base(u.Path)
	if base == "/" || base == "." || base == "" {
		return defaultFileName
	}

	return base
}
