package coordinator_test

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/resumable_transfer/internal/chunktest"
	"github.com/italolelis/resumable_transfer/internal/coordinator"
	"github.com/italolelis/resumable_transfer/internal/resume"
	"github.com/italolelis/resumable_transfer/internal/spool"
	"github.com/italolelis/resumable_transfer/internal/storage"
	"github.com/italolelis/resumable_transfer/internal/storage/memory"
	"github.com/italolelis/resumable_transfer/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	totalSize = 10_000_000
	chunkSize = 2_000_000
)

func payload(n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(7)).Read(data)

	return data
}

// recorder collects callback invocations.
type recorder struct {
	mu        sync.Mutex
	progress  []coordinator.Progress
	results   []coordinator.Result
	errs      []error
	snapshots []*resume.Record

	firstProgress chan struct{}
	once          sync.Once
}

func newRecorder() *recorder {
	return &recorder{firstProgress: make(chan struct{})}
}

func (r *recorder) callbacks() coordinator.Callbacks {
	return coordinator.Callbacks{
		OnProgress: func(p coordinator.Progress) {
			r.mu.Lock()
			r.progress = append(r.progress, p)
			r.mu.Unlock()
			r.once.Do(func() { close(r.firstProgress) })
		},
		OnComplete: func(res coordinator.Result) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.results = append(r.results, res)
		},
		OnError: func(err error, snap *resume.Record) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
			r.snapshots = append(r.snapshots, snap)
		},
	}
}

func (r *recorder) chunkIndexes() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int64, 0, len(r.progress))
	for _, p := range r.progress {
		out = append(out, p.ChunkIndex)
	}

	return out
}

type env struct {
	cs    *chunktest.Server
	url   string
	store *resume.Store
	spool *spool.Memory
	co    *coordinator.Coordinator

	// block makes every chunk request after the first wait for the client to give up.
	block  atomic.Bool
	served atomic.Int32
}

type savedFile struct {
	name string
	data []byte
}

type fakeSaver struct {
	mu    sync.Mutex
	files []savedFile
}

func (s *fakeSaver) Save(_ context.Context, name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.files = append(s.files, savedFile{name: name, data: data})

	return "/downloads/" + name, nil
}

func newEnv(t *testing.T, opts ...coordinator.Option) *env {
	t.Helper()

	e := &env{cs: chunktest.NewServer(), spool: spool.NewMemory()}

	inner := e.cs.Handler()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isChunk := r.Method == http.MethodPost || r.Header.Get("Range") != ""
		if isChunk && e.served.Add(1) > 1 && e.block.Load() {
			<-r.Context().Done()

			return
		}

		inner.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	e.url = ts.URL
	e.store = resume.NewStore(memory.New())
	e.co = coordinator.New(transfer.NewClient(ts.Client()), e.store,
		append([]coordinator.Option{coordinator.WithSpool(e.spool), coordinator.WithHashWindow(1 << 20)}, opts...)...)

	return e
}

func TestUpload_FailureThenResumeUpload(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := payload(totalSize)

	e.cs.FailUploadAt(3)

	rec := newRecorder()
	taskID, err := e.co.Upload(ctx, coordinator.UploadRequest{
		Source:        bytes.NewReader(data),
		Name:          "big.bin",
		URL:           e.url + "/upload",
		ChunkSize:     chunkSize,
		ResumeEnabled: true,
	}, rec.callbacks())
	require.NoError(t, err)
	assert.Contains(t, taskID, "task_big.bin_10000000_")

	e.co.Wait()

	require.Len(t, rec.errs, 1)

	var terr *transfer.TransportError
	require.True(t, errors.As(rec.errs[0], &terr))

	saved, found, err := e.store.Load(ctx, taskID)
	require.NoError(t, err)
	require.True(t, found, "upload failure must persist a resume record")
	assert.Equal(t, int64(chunkSize), saved.ChunkSize)
	assert.NotEmpty(t, saved.FileHash)
	assert.Equal(t, e.url+"/upload", saved.URL)

	rec2 := newRecorder()
	require.NoError(t, e.co.ResumeUpload(ctx, taskID, bytes.NewReader(data), rec2.callbacks()))
	e.co.Wait()

	require.Empty(t, rec2.errs)
	require.Len(t, rec2.results, 1)
	assert.Equal(t, saved.FileHash, rec2.results[0].FileHash)
	assert.Equal(t, int64(totalSize), rec2.results[0].TotalSize)
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, rec2.chunkIndexes())

	var resent []int64
	for _, p := range e.cs.Posts()[3:] {
		resent = append(resent, p.Index)
	}

	assert.Equal(t, []int64{3, 4}, resent)

	_, found, err = e.store.Load(ctx, taskID)
	require.NoError(t, err)
	assert.False(t, found, "completion clears the resume record")

	_, ok := e.co.Current()
	assert.False(t, ok)
}

func TestUpload_WithoutResumeDoesNotPersist(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.cs.FailUploadAt(0)

	rec := newRecorder()
	taskID, err := e.co.Upload(ctx, coordinator.UploadRequest{
		Source:    bytes.NewReader(payload(100)),
		URL:       e.url + "/upload",
		ChunkSize: 10,
		TaskID:    "no-resume",
	}, rec.callbacks())
	require.NoError(t, err)
	assert.Equal(t, "no-resume", taskID)

	e.co.Wait()
	require.Len(t, rec.errs, 1)
	require.NotNil(t, rec.snapshots[0])

	_, found, err := e.store.Load(ctx, taskID)
	require.NoError(t, err)
	assert.False(t, found)

	var notFound *transfer.ResumeNotFoundError
	require.True(t, errors.As(e.co.Resume(ctx, bytes.NewReader(payload(100)), rec.callbacks()), &notFound))
}

func TestUpload_RejectsInvalidRequest(t *testing.T) {
	e := newEnv(t)

	_, err := e.co.Upload(context.Background(), coordinator.UploadRequest{URL: "x", ChunkSize: 1}, coordinator.Callbacks{})
	require.Error(t, err)

	_, err = e.co.Upload(context.Background(), coordinator.UploadRequest{
		Source: bytes.NewReader(nil), URL: "x", ChunkSize: 0,
	}, coordinator.Callbacks{})
	require.Error(t, err)
}

func TestDownload_InterruptedThenResumedAtOffset(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := payload(totalSize)

	e.cs.PutObject("movie.bin", data, "movie.mkv")
	e.cs.FailRangesAfter(2)

	rec := newRecorder()
	taskID, err := e.co.Download(ctx, coordinator.DownloadRequest{
		URL:       e.url + "/files/movie.bin",
		ChunkSize: chunkSize,
	}, rec.callbacks())
	require.NoError(t, err)

	e.co.Wait()
	require.Len(t, rec.errs, 1)

	saved, found, err := e.store.Load(ctx, taskID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(4_000_000), saved.Offset)
	assert.Equal(t, int64(totalSize), saved.TotalSize)
	assert.Equal(t, []int64{0, 1}, saved.DownloadedIndexes.Sorted())

	buffered, err := e.spool.Chunks(ctx, taskID)
	require.NoError(t, err)
	assert.Len(t, buffered, 2)

	e.cs.FailRangesAfter(-1)

	rec2 := newRecorder()
	require.NoError(t, e.co.ResumeDownload(ctx, taskID, rec2.callbacks()))
	e.co.Wait()

	require.Empty(t, rec2.errs)
	require.Len(t, rec2.results, 1)

	reqs := e.cs.RangeRequests()
	require.Len(t, reqs, 6)
	assert.Equal(t, "bytes=4000000-5999999", reqs[3], "resume continues at the recorded offset")

	res := rec2.results[0]
	assert.Equal(t, data, res.Data)
	assert.Equal(t, "movie.mkv", res.FileName)
	assert.Empty(t, res.SavedPath)

	_, found, err = e.store.Load(ctx, taskID)
	require.NoError(t, err)
	assert.False(t, found)

	buffered, err = e.spool.Chunks(ctx, taskID)
	require.NoError(t, err)
	assert.Empty(t, buffered)
}

func TestDownload_AutoSave(t *testing.T) {
	saver := &fakeSaver{}
	e := newEnv(t, coordinator.WithSaver(saver))
	data := payload(3_000_000)
	e.cs.PutObject("report.pdf", data, "")

	rec := newRecorder()
	_, err := e.co.Download(context.Background(), coordinator.DownloadRequest{
		URL:       e.url + "/files/report.pdf",
		ChunkSize: chunkSize,
		AutoSave:  true,
	}, rec.callbacks())
	require.NoError(t, err)

	e.co.Wait()

	require.Len(t, rec.results, 1)
	assert.Equal(t, "/downloads/report.pdf", rec.results[0].SavedPath)
	require.Len(t, saver.files, 1)
	assert.Equal(t, "report.pdf", saver.files[0].name)
	assert.Equal(t, data, saver.files[0].data)
}

func TestResume_Errors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	err := e.co.Resume(ctx, nil, coordinator.Callbacks{})
	require.ErrorIs(t, err, transfer.ErrNoActiveTask)

	var notFound *transfer.ResumeNotFoundError

	err = e.co.ResumeDownload(ctx, "missing", coordinator.Callbacks{})
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "missing", notFound.TaskID)

	err = e.co.ResumeUpload(ctx, "missing", bytes.NewReader(nil), coordinator.Callbacks{})
	require.True(t, errors.As(err, &notFound))
}

func TestResume_KindMismatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.store.Save(ctx, "t1", &resume.Record{Kind: transfer.KindDownload, ChunkSize: 1, URL: "u"}))

	err := e.co.ResumeUpload(ctx, "t1", bytes.NewReader(nil), coordinator.Callbacks{})
	require.ErrorContains(t, err, "is a download")
}

func TestPause_DownloadThenResume(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := payload(totalSize)

	e.cs.PutObject("movie.bin", data, "")
	e.block.Store(true)

	rec := newRecorder()
	taskID, err := e.co.Download(ctx, coordinator.DownloadRequest{
		URL:       e.url + "/files/movie.bin",
		ChunkSize: chunkSize,
	}, rec.callbacks())
	require.NoError(t, err)

	select {
	case <-rec.firstProgress:
	case <-time.After(5 * time.Second):
		t.Fatal("no progress before pause")
	}

	require.True(t, e.co.Pause(ctx))
	e.co.Wait()

	assert.Empty(t, rec.errs, "pause is not an error")
	assert.Empty(t, rec.results)

	status, ok := e.co.Current()
	require.True(t, ok)
	assert.False(t, status.Running)
	assert.Equal(t, taskID, status.Task.ID)

	saved, found, err := e.store.Load(ctx, taskID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(chunkSize), saved.Offset)

	assert.False(t, e.co.Pause(ctx), "nothing left to pause")

	e.block.Store(false)

	rec2 := newRecorder()
	require.NoError(t, e.co.Resume(ctx, nil, rec2.callbacks()))
	e.co.Wait()

	require.Empty(t, rec2.errs)
	require.Len(t, rec2.results, 1)
	assert.Equal(t, data, rec2.results[0].Data)
}

// gatedStore holds the first Set until release is closed.
type gatedStore struct {
	storage.KeyValueStore

	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Set(ctx context.Context, key string, value []byte) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})

	return g.KeyValueStore.Set(ctx, key, value)
}

func TestPause_ForgetWinsOverInFlightSave(t *testing.T) {
	ctx := context.Background()

	cs := chunktest.NewServer()
	cs.PutObject("movie.bin", payload(totalSize), "")

	ts := httptest.NewServer(cs.Handler())
	t.Cleanup(ts.Close)

	kv := &gatedStore{KeyValueStore: memory.New(), entered: make(chan struct{}), release: make(chan struct{})}
	store := resume.NewStore(kv)
	co := coordinator.New(transfer.NewClient(ts.Client()), store)

	taskID, err := co.Download(ctx, coordinator.DownloadRequest{
		URL:       ts.URL + "/files/movie.bin",
		ChunkSize: chunkSize,
	}, coordinator.Callbacks{})
	require.NoError(t, err)

	select {
	case <-kv.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("resume record was never saved")
	}

	forgotten := make(chan error, 1)

	go func() {
		co.Pause(ctx)
		forgotten <- co.Forget(ctx, taskID)
	}()

	// Give Pause and Forget the chance to run ahead of the pending save.
	time.Sleep(50 * time.Millisecond)
	close(kv.release)

	select {
	case err := <-forgotten:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pause and forget did not return")
	}

	co.Wait()

	_, found, err := store.Load(ctx, taskID)
	require.NoError(t, err)
	assert.False(t, found, "a paused run must not write its record back after Forget")
}

func TestPause_UploadCheckpoint(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := payload(totalSize)

	e.block.Store(true)

	rec := newRecorder()
	taskID, err := e.co.Upload(ctx, coordinator.UploadRequest{
		Source:        bytes.NewReader(data),
		Name:          "big.bin",
		URL:           e.url + "/upload",
		ChunkSize:     chunkSize,
		ResumeEnabled: true,
	}, rec.callbacks())
	require.NoError(t, err)

	select {
	case <-rec.firstProgress:
	case <-time.After(10 * time.Second):
		t.Fatal("no progress before pause")
	}

	require.True(t, e.co.Pause(ctx))
	e.co.Wait()

	saved, found, err := e.store.Load(ctx, taskID)
	require.NoError(t, err)
	require.True(t, found, "pausing an upload checkpoints it")
	assert.Equal(t, int64(chunkSize), saved.Offset)
	assert.Equal(t, "big.bin", saved.FileName)

	e.block.Store(false)

	rec2 := newRecorder()
	require.NoError(t, e.co.Resume(ctx, bytes.NewReader(data), rec2.callbacks()))
	e.co.Wait()

	require.Empty(t, rec2.errs)
	require.Len(t, rec2.results, 1)
	assert.Equal(t, data, e.cs.Assembled(saved.FileHash))
}

func TestStart_ReplacesRunningTask(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.cs.PutObject("a.bin", payload(totalSize), "")
	e.block.Store(true)

	other := chunktest.NewServer()
	other.PutObject("b.bin", payload(10), "")

	ots := httptest.NewServer(other.Handler())
	t.Cleanup(ots.Close)

	first := newRecorder()
	_, err := e.co.Download(ctx, coordinator.DownloadRequest{URL: e.url + "/files/a.bin", ChunkSize: chunkSize}, first.callbacks())
	require.NoError(t, err)

	select {
	case <-first.firstProgress:
	case <-time.After(5 * time.Second):
		t.Fatal("first download made no progress")
	}

	second := newRecorder()
	secondID, err := e.co.Download(ctx, coordinator.DownloadRequest{URL: ots.URL + "/files/b.bin", ChunkSize: chunkSize}, second.callbacks())
	require.NoError(t, err)

	e.co.Wait()

	assert.Empty(t, first.results)
	assert.Empty(t, first.errs)
	require.Len(t, second.results, 1)
	assert.Equal(t, secondID, second.results[0].TaskID)
	assert.Equal(t, payload(10), second.results[0].Data)

	_, ok := e.co.Current()
	assert.False(t, ok)
}

func TestTasksAndSweep(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	kv := memory.New()
	store := resume.NewStore(kv, resume.WithClock(now))
	sp := spool.NewMemory()
	co := coordinator.New(transfer.NewClient(nil), store, coordinator.WithSpool(sp), coordinator.WithClock(now))
	ctx := context.Background()

	rec := &resume.Record{Kind: transfer.KindDownload, Offset: 2, TotalSize: 4, ChunkSize: 2,
		DownloadedIndexes: map[int64]struct{}{0: {}}, URL: "u"}
	require.NoError(t, store.Save(ctx, "old", rec))
	require.NoError(t, sp.Put(ctx, "old", 0, []byte("ab")))

	clock = clock.Add(8 * 24 * time.Hour)
	require.NoError(t, store.Save(ctx, "fresh", rec))

	tasks, err := co.Tasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	swept, err := co.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, swept)

	chunks, err := sp.Chunks(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	require.NoError(t, co.Forget(ctx, "fresh"))

	tasks, err = co.Tasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
