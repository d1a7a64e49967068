// Package chunktest provides an in-memory chunk server that speaks the upload/download wire
// protocol, with knobs to inject the failures a resumable transfer has to survive.
package chunktest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

const maxChunkMemory = 64 << 20

// Post records one chunk submission received by the server.
type Post struct {
	Hash      string
	Index     int64
	TotalSize int64
	Size      int
}

type object struct {
	data        []byte
	disposition string
}

// Server stores uploaded chunks per content hash and serves named objects for download.
type Server struct {
	mu sync.Mutex

	chunks       map[string]map[int64][]byte
	posts        []Post
	failUploadAt map[int64]int

	statusUnavailable bool

	objects        map[string]object
	rangesDisabled bool
	failRangeAfter int
	rangeServed    int
	rangeRequests  []string
}

func NewServer() *Server {
	return &Server{
		chunks:         make(map[string]map[int64][]byte),
		failUploadAt:   make(map[int64]int),
		objects:        make(map[string]object),
		failRangeAfter: -1,
	}
}

// Handler routes POST /upload, GET /upload/status and GET /files/{name}.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Post("/upload", s.handleChunk)
	r.Get("/upload/status", s.handleStatus)
	r.Get("/files/{name}", s.handleFile)

	return r
}

// FailUploadAt makes the next submission of chunk index fail with 500.
func (s *Server) FailUploadAt(index int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failUploadAt[index]++
}

// SetStatusUnavailable makes the status endpoint answer 503.
func (s *Server) SetStatusUnavailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statusUnavailable = v
}

// Accepted returns the sorted chunk indexes stored for hash.
func (s *Server) Accepted(hash string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int64, 0, len(s.chunks[hash]))
	for i := range s.chunks[hash] {
		out = append(out, i)
	}

	slices.Sort(out)

	return out
}

// Posts returns every successful chunk submission in arrival order.
func (s *Server) Posts() []Post {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.posts)
}

// Assembled concatenates the stored chunks of hash in index order.
func (s *Server) Assembled(hash string) []byte {
	var buf bytes.Buffer

	for _, i := range s.Accepted(hash) {
		s.mu.Lock()
		buf.Write(s.chunks[hash][i])
		s.mu.Unlock()
	}

	return buf.Bytes()
}

// PutObject makes data downloadable at /files/{name}. A non-empty fileName is announced through
// Content-Disposition.
func (s *Server) PutObject(name string, data []byte, fileName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var disposition string
	if fileName != "" {
		disposition = `attachment; filename="` + fileName + `"`
	}

	s.objects[name] = object{data: data, disposition: disposition}
}

// DisableRanges makes the server ignore Range headers and always send the whole object.
func (s *Server) DisableRanges() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rangesDisabled = true
}

// FailRangesAfter lets n range requests succeed and fails every later one with 503.
func (s *Server) FailRangesAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failRangeAfter = n
	s.rangeServed = 0
}

// RangeRequests returns the Range headers received, in order.
func (s *Server) RangeRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.rangeRequests)
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxChunkMemory); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	hash := r.FormValue("hash")

	index, err := strconv.ParseInt(r.FormValue("chunkIndex"), 10, 64)
	if err != nil || hash == "" {
		http.Error(w, "hash and chunkIndex are required", http.StatusBadRequest)

		return
	}

	total, _ := strconv.ParseInt(r.FormValue("totalSize"), 10, 64)

	f, _, err := r.FormFile("chunk")
	if err != nil {
		http.Error(w, "chunk is required", http.StatusBadRequest)

		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failUploadAt[index] > 0 {
		s.failUploadAt[index]--
		http.Error(w, "injected failure", http.StatusInternalServerError)

		return
	}

	if s.chunks[hash] == nil {
		s.chunks[hash] = make(map[int64][]byte)
	}

	s.chunks[hash][index] = data
	s.posts = append(s.posts, Post{Hash: hash, Index: index, TotalSize: total, Size: len(data)})

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	unavailable := s.statusUnavailable
	s.mu.Unlock()

	if unavailable {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string][]int64{
		"uploadedChunks": s.Accepted(r.URL.Query().Get("hash")),
	})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.mu.Lock()
	obj, ok := s.objects[name]
	s.rangeRequests = append(s.rangeRequests, r.Header.Get("Range"))

	fail := s.failRangeAfter >= 0 && s.rangeServed >= s.failRangeAfter
	if !fail {
		s.rangeServed++
	}

	rangesDisabled := s.rangesDisabled
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)

		return
	}

	if fail {
		http.Error(w, "injected failure", http.StatusServiceUnavailable)

		return
	}

	if obj.disposition != "" {
		w.Header().Set("Content-Disposition", obj.disposition)
	}

	if rangesDisabled {
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(obj.data)

		return
	}

	// ServeContent answers 200 for an empty object; a range server reports it as unsatisfiable.
	if len(obj.data) == 0 && r.Header.Get("Range") != "" {
		w.Header().Set("Content-Range", "bytes */0")
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)

		return
	}

	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(obj.data))
}
