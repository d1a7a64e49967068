// Package coordinator is the caller-facing API for chunked transfers. It owns at most one
// running worker, bridges worker messages to caller callbacks, and keeps resume records current.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/italolelis/resumable_transfer/internal/hashstream"
	"github.com/italolelis/resumable_transfer/internal/logctx"
	"github.com/italolelis/resumable_transfer/internal/resume"
	"github.com/italolelis/resumable_transfer/internal/spool"
	"github.com/italolelis/resumable_transfer/internal/telemetry"
	"github.com/italolelis/resumable_transfer/internal/transfer"
	"github.com/italolelis/resumable_transfer/internal/worker"
)

// Progress is reported after every chunk, whether it was moved or skipped.
type Progress struct {
	TaskID     string
	Percent    float64
	ChunkIndex int64
}

// Result describes a finished transfer.
type Result struct {
	TaskID    string
	Kind      transfer.Kind
	TotalSize int64

	// Upload
	FileHash string

	// Download
	Data     []byte
	FileName string
	// SavedPath is set when the download was written by the Saver.
	SavedPath string
	SaveErr   error
}

// Callbacks receive the outcome of a run. They are invoked sequentially from one goroutine per
// run; any of them may be nil.
type Callbacks struct {
	OnProgress func(Progress)
	OnComplete func(Result)
	OnError    func(err error, snapshot *resume.Record)
}

// Saver stores a completed download.
type Saver interface {
	Save(ctx context.Context, fileName string, data []byte) (string, error)
}

type UploadRequest struct {
	Source        transfer.Source
	Name          string
	URL           string
	ChunkSize     int64
	ResumeEnabled bool
	// TaskID is generated from Name, the size and the current time when empty.
	TaskID string
}

type DownloadRequest struct {
	URL       string
	ChunkSize int64
	AutoSave  bool
	TaskID    string
}

// run is one worker execution. A run stops being active when it finishes, is paused or is
// replaced; messages from inactive runs are dropped.
type run struct {
	task     transfer.Task
	cancel   context.CancelFunc
	started  time.Time
	snapshot *resume.Record
}

type Coordinator struct {
	client     transfer.ChunkClient
	store      *resume.Store
	spool      spool.Cache
	saver      Saver
	telemetry  *telemetry.Telemetry
	hashWindow int
	now        func() time.Time

	mu      sync.Mutex
	current *transfer.Task
	active  *run

	wg sync.WaitGroup
}

type Option func(*Coordinator)

// WithSpool buffers downloaded chunk bytes so resumed downloads skip them.
func WithSpool(c spool.Cache) Option {
	return func(co *Coordinator) { co.spool = c }
}

func WithSaver(s Saver) Option {
	return func(co *Coordinator) { co.saver = s }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(co *Coordinator) { co.telemetry = t }
}

func WithHashWindow(n int) Option {
	return func(co *Coordinator) { co.hashWindow = n }
}

func WithClock(now func() time.Time) Option {
	return func(co *Coordinator) { co.now = now }
}

func New(client transfer.ChunkClient, store *resume.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:     client,
		store:      store,
		spool:      spool.NewMemory(),
		hashWindow: hashstream.DefaultWindow,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Upload starts a new upload, replacing any running task, and returns its task id.
func (c *Coordinator) Upload(ctx context.Context, req UploadRequest, cb Callbacks) (string, error) {
	if req.Source == nil {
		return "", errors.New("upload requires a source")
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = transfer.NewTaskID(req.Name, req.Source.Size(), c.now())
	}

	task := transfer.Task{
		ID:            taskID,
		Kind:          transfer.KindUpload,
		URL:           req.URL,
		ChunkSize:     req.ChunkSize,
		ResumeEnabled: req.ResumeEnabled,
		Name:          req.Name,
	}

	if err := task.Validate(); err != nil {
		return "", err
	}

	c.start(ctx, worker.Job{Task: task, Source: req.Source}, cb)

	return taskID, nil
}

// Download starts a new download, replacing any running task, and returns its task id.
func (c *Coordinator) Download(ctx context.Context, req DownloadRequest, cb Callbacks) (string, error) {
	taskID := req.TaskID
	if taskID == "" {
		taskID = transfer.NewTaskID(req.URL, 0, c.now())
	}

	task := transfer.Task{
		ID:            taskID,
		Kind:          transfer.KindDownload,
		URL:           req.URL,
		ChunkSize:     req.ChunkSize,
		ResumeEnabled: true,
		AutoSave:      req.AutoSave,
	}

	if err := task.Validate(); err != nil {
		return "", err
	}

	c.start(ctx, worker.Job{Task: task}, cb)

	return taskID, nil
}

// ResumeUpload restarts the upload recorded under taskID with source. Chunks the server already
// holds are skipped.
func (c *Coordinator) ResumeUpload(ctx context.Context, taskID string, source transfer.Source, cb Callbacks) error {
	if source == nil {
		return errors.New("upload requires a source")
	}

	rec, err := c.load(ctx, taskID, transfer.KindUpload)
	if err != nil {
		return err
	}

	if rec.TotalSize != source.Size() {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "source size differs from the recorded upload",
			"task_id", taskID, "recorded", rec.TotalSize, "source", source.Size())
	}

	task := transfer.Task{
		ID:            taskID,
		Kind:          transfer.KindUpload,
		URL:           rec.URL,
		ChunkSize:     rec.ChunkSize,
		ResumeEnabled: true,
		Name:          rec.FileName,
	}

	c.start(ctx, worker.Job{Task: task, Source: source}, cb)

	return nil
}

// ResumeDownload restarts the download recorded under taskID from its last snapshot.
func (c *Coordinator) ResumeDownload(ctx context.Context, taskID string, cb Callbacks) error {
	rec, err := c.load(ctx, taskID, transfer.KindDownload)
	if err != nil {
		return err
	}

	chunks, err := c.spool.Chunks(ctx, taskID)
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to read buffered chunks, fetching them again",
			"task_id", taskID, "err", err)

		chunks = nil
	}

	task := transfer.Task{
		ID:            taskID,
		Kind:          transfer.KindDownload,
		URL:           rec.URL,
		ChunkSize:     rec.ChunkSize,
		ResumeEnabled: true,
		AutoSave:      rec.AutoSave,
	}

	c.start(ctx, worker.Job{Task: task, Resume: rec, Chunks: chunks}, cb)

	return nil
}

func (c *Coordinator) load(ctx context.Context, taskID string, kind transfer.Kind) (*resume.Record, error) {
	rec, found, err := c.store.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, &transfer.ResumeNotFoundError{TaskID: taskID}
	}

	if rec.Kind != "" && rec.Kind != kind {
		return nil, fmt.Errorf("task %s is a %s, not a %s", taskID, rec.Kind, kind)
	}

	return rec, nil
}

// Pause stops the running worker immediately. The chunk in flight is abandoned: its request is
// cancelled, though the server may still have applied it. An upload with resume enabled is
// checkpointed from its last progress message; downloads already persist every tick.
func (c *Coordinator) Pause(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stopLocked(ctx, "paused")
}

// Resume re-dispatches the remembered task through ResumeUpload or ResumeDownload. source is
// only used for uploads.
func (c *Coordinator) Resume(ctx context.Context, source transfer.Source, cb Callbacks) error {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()

	if current == nil {
		return transfer.ErrNoActiveTask
	}

	if current.Kind == transfer.KindUpload {
		return c.ResumeUpload(ctx, current.ID, source, cb)
	}

	return c.ResumeDownload(ctx, current.ID, cb)
}

// Status describes the remembered task.
type Status struct {
	Task    transfer.Task
	Running bool
}

// Current returns the remembered task, if any.
func (c *Coordinator) Current() (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return Status{}, false
	}

	return Status{Task: *c.current, Running: c.active != nil}, true
}

// Tasks lists every persisted resume record.
func (c *Coordinator) Tasks(ctx context.Context) ([]resume.Entry, error) {
	return c.store.List(ctx)
}

// Forget drops the resume record and buffered chunks of taskID.
func (c *Coordinator) Forget(ctx context.Context, taskID string) error {
	if err := c.store.Delete(ctx, taskID); err != nil {
		return err
	}

	return c.spool.Remove(ctx, taskID)
}

// Sweep removes expired resume records and their buffered chunks.
func (c *Coordinator) Sweep(ctx context.Context) ([]string, error) {
	logger := logctx.LoggerFromContext(ctx)

	swept, err := c.store.Sweep(ctx)

	for _, taskID := range swept {
		if rerr := c.spool.Remove(ctx, taskID); rerr != nil {
			logger.WarnContext(ctx, "failed to remove buffered chunks", "task_id", taskID, "err", rerr)
		}
	}

	c.telemetry.RecordSweep(ctx, len(swept))

	return swept, err
}

// Wait blocks until every run started so far has stopped and its callbacks have returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) start(ctx context.Context, job worker.Job, cb Callbacks) {
	// The run outlives the call that started it; only Pause or a replacement stops it.
	runCtx, cancel := context.WithCancel(logctx.WithAttrs(context.WithoutCancel(ctx),
		slog.String(logctx.TaskIDKey, job.Task.ID),
		slog.String("kind", string(job.Task.Kind)),
	))

	r := &run{task: job.Task, cancel: cancel, started: c.now()}

	c.mu.Lock()
	c.stopLocked(ctx, "replaced")

	task := job.Task
	c.current = &task
	c.active = r
	c.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(runCtx, "transfer started",
		"url", job.Task.URL, "chunk_size", job.Task.ChunkSize)

	c.telemetry.TransferStarted(runCtx, string(job.Task.Kind))

	out := make(chan worker.Message)
	w := worker.New(c.client, worker.WithHashWindow(c.hashWindow))

	c.wg.Add(2)

	go func() {
		defer c.wg.Done()

		_ = w.Run(runCtx, job, out)
	}()

	go func() {
		defer c.wg.Done()

		c.bridge(runCtx, r, out, cb)
	}()
}

// stopLocked cancels the active run. c.mu must be held.
func (c *Coordinator) stopLocked(ctx context.Context, reason string) bool {
	r := c.active
	if r == nil {
		return false
	}

	r.cancel()
	c.active = nil

	logger := logctx.LoggerFromContext(ctx)
	logger.InfoContext(ctx, "transfer stopped", "task_id", r.task.ID, "reason", reason)

	if r.task.Kind == transfer.KindUpload && r.task.ResumeEnabled && r.snapshot != nil {
		if err := c.store.Save(ctx, r.task.ID, r.snapshot); err != nil {
			logger.ErrorContext(ctx, "failed to checkpoint upload", "task_id", r.task.ID, "err", err)
		}
	}

	c.telemetry.TransferFinished(ctx, string(r.task.Kind), reason, c.now().Sub(r.started))

	return true
}

func (c *Coordinator) isActive(r *run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.active == r
}

// whileActive runs fn with c.mu held if r is still the active run, so nothing it persists can
// land after Pause or a replacement returned. It reports whether fn ran.
func (c *Coordinator) whileActive(r *run, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != r {
		return false
	}

	fn()

	return true
}

// bridge forwards worker messages to the store and the callbacks until the worker closes out.
// Messages keep being drained after the run went inactive so the worker never blocks.
func (c *Coordinator) bridge(ctx context.Context, r *run, out <-chan worker.Message, cb Callbacks) {
	for msg := range out {
		if !c.isActive(r) {
			continue
		}

		switch msg.Kind {
		case worker.MessageProgress:
			c.handleProgress(ctx, r, msg, cb)
		case worker.MessageComplete:
			c.handleComplete(ctx, r, msg, cb)
		case worker.MessageError:
			c.handleError(ctx, r, msg, cb)
		}
	}
}

func (c *Coordinator) handleProgress(ctx context.Context, r *run, msg worker.Message, cb Callbacks) {
	logger := logctx.LoggerFromContext(ctx)
	task := r.task

	active := c.whileActive(r, func() {
		r.snapshot = msg.Snapshot

		if task.Kind != transfer.KindDownload || msg.Snapshot == nil {
			return
		}

		if msg.Chunk != nil {
			if err := c.spool.Put(ctx, task.ID, msg.ChunkIndex, msg.Chunk); err != nil {
				logger.WarnContext(ctx, "failed to buffer chunk", "chunk_index", msg.ChunkIndex, "err", err)
			}
		}

		if err := c.store.Save(ctx, task.ID, msg.Snapshot); err != nil {
			logger.ErrorContext(ctx, "failed to persist resume record", "err", err)
		}
	})
	if !active {
		return
	}

	if cb.OnProgress != nil {
		cb.OnProgress(Progress{TaskID: task.ID, Percent: msg.Percent, ChunkIndex: msg.ChunkIndex})
	}
}

func (c *Coordinator) handleComplete(ctx context.Context, r *run, msg worker.Message, cb Callbacks) {
	logger := logctx.LoggerFromContext(ctx)
	task := r.task

	if err := c.store.Delete(ctx, task.ID); err != nil {
		logger.ErrorContext(ctx, "failed to delete resume record", "err", err)
	}

	if err := c.spool.Remove(ctx, task.ID); err != nil {
		logger.WarnContext(ctx, "failed to remove buffered chunks", "err", err)
	}

	result := Result{TaskID: task.ID, Kind: task.Kind}

	switch {
	case msg.Upload != nil:
		result.FileHash = msg.Upload.FileHash
		result.TotalSize = msg.Upload.TotalSize
	case msg.Download != nil:
		result.Data = msg.Download.Data
		result.TotalSize = msg.Download.TotalSize
		result.FileName = msg.Download.FileName

		if task.AutoSave && c.saver != nil {
			result.SavedPath, result.SaveErr = c.saver.Save(ctx, result.FileName, result.Data)
			if result.SaveErr != nil {
				logger.ErrorContext(ctx, "failed to save download", "file_name", result.FileName, "err", result.SaveErr)
			}
		}
	}

	c.mu.Lock()
	if c.active == r {
		c.active = nil
		c.current = nil
	}
	c.mu.Unlock()

	c.telemetry.TransferFinished(ctx, string(task.Kind), "complete", c.now().Sub(r.started))

	if cb.OnComplete != nil {
		cb.OnComplete(result)
	}
}

func (c *Coordinator) handleError(ctx context.Context, r *run, msg worker.Message, cb Callbacks) {
	logger := logctx.LoggerFromContext(ctx)
	task := r.task

	c.whileActive(r, func() {
		if msg.Snapshot != nil && task.ResumeEnabled {
			if err := c.store.Save(ctx, task.ID, msg.Snapshot); err != nil {
				logger.ErrorContext(ctx, "failed to persist resume record", "err", err)
			}
		}

		c.active = nil
	})

	c.telemetry.TransferFinished(ctx, string(task.Kind), "failed", c.now().Sub(r.started))

	if cb.OnError != nil {
		cb.OnError(msg.Err, msg.Snapshot)
	}
}
