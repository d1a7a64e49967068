package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/resumable_transfer/internal/coordinator"
	"github.com/italolelis/resumable_transfer/internal/logctx"
	"github.com/italolelis/resumable_transfer/internal/resume"
	"github.com/italolelis/resumable_transfer/internal/transfer"
)

// Controller is the part of the coordinator the control API drives.
type Controller interface {
	Pause(ctx context.Context) bool
	Resume(ctx context.Context, source transfer.Source, cb coordinator.Callbacks) error
	Current() (coordinator.Status, bool)
	Tasks(ctx context.Context) ([]resume.Entry, error)
	Forget(ctx context.Context, taskID string) error
	Sweep(ctx context.Context) ([]string, error)
}

type TaskView struct {
	TaskID           string  `json:"taskId"`
	Kind             string  `json:"kind"`
	URL              string  `json:"url"`
	FileName         string  `json:"fileName,omitempty"`
	Offset           int64   `json:"offset"`
	TotalSize        int64   `json:"totalSize"`
	ChunkSize        int64   `json:"chunkSize"`
	Percent          float64 `json:"percent"`
	RangeUnsupported bool    `json:"rangeUnsupported,omitempty"`
	UpdatedAt        string  `json:"updatedAt"`
}

type StatusView struct {
	TaskID        string `json:"taskId"`
	Kind          string `json:"kind"`
	URL           string `json:"url"`
	Running       bool   `json:"running"`
	ResumeEnabled bool   `json:"resumeEnabled"`
}

type SweepView struct {
	Removed []string `json:"removed"`
}

type errorView struct {
	Error string `json:"error"`
}

// ControlHandler exposes the running transfer and the persisted resume records over HTTP.
type ControlHandler struct {
	username  string
	password  string
	ctrl      Controller
	callbacks func() coordinator.Callbacks
}

// NewControlHandler creates a control handler. Basic auth is enforced when username is set.
// callbacks builds the callbacks for transfers resumed through the API.
func NewControlHandler(username, password string, ctrl Controller, callbacks func() coordinator.Callbacks) *ControlHandler {
	if callbacks == nil {
		callbacks = func() coordinator.Callbacks { return coordinator.Callbacks{} }
	}

	return &ControlHandler{
		username:  username,
		password:  password,
		ctrl:      ctrl,
		callbacks: callbacks,
	}
}

func (h *ControlHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/tasks", h.HandleListTasks)
	r.Post("/tasks/sweep", h.HandleSweep)
	r.Delete("/tasks/{taskID}", h.HandleForgetTask)

	r.Get("/transfer", h.HandleStatus)
	r.Post("/transfer/pause", h.HandlePause)
	r.Post("/transfer/resume", h.HandleResume)

	return r
}

func (h *ControlHandler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	entries, err := h.ctrl.Tasks(r.Context())
	if err != nil {
		logger.Error("failed to list resume records", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list tasks")

		return
	}

	views := make([]TaskView, 0, len(entries))
	for _, e := range entries {
		views = append(views, TaskView{
			TaskID:           e.TaskID,
			Kind:             string(e.Record.Kind),
			URL:              e.Record.URL,
			FileName:         e.Record.FileName,
			Offset:           e.Record.Offset,
			TotalSize:        e.Record.TotalSize,
			ChunkSize:        e.Record.ChunkSize,
			Percent:          e.Record.Percent(),
			RangeUnsupported: e.Record.RangeUnsupported,
			UpdatedAt:        time.UnixMilli(e.Record.Timestamp).UTC().Format(time.RFC3339),
		})
	}

	logger.Debug("listed resume records", "count", len(views))

	writeJSON(w, http.StatusOK, views)
}

func (h *ControlHandler) HandleForgetTask(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	taskID := chi.URLParam(r, "taskID")

	if err := h.ctrl.Forget(r.Context(), taskID); err != nil {
		logger.Error("failed to forget task", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to forget task")

		return
	}

	logger.Info("task forgotten", "task_id", taskID)

	w.WriteHeader(http.StatusNoContent)
}

func (h *ControlHandler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	removed, err := h.ctrl.Sweep(r.Context())
	if err != nil {
		logger.Error("failed to sweep resume records", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to sweep tasks")

		return
	}

	if removed == nil {
		removed = []string{}
	}

	writeJSON(w, http.StatusOK, SweepView{Removed: removed})
}

func (h *ControlHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := h.ctrl.Current()
	if !ok {
		writeError(w, http.StatusNotFound, transfer.ErrNoActiveTask.Error())

		return
	}

	writeJSON(w, http.StatusOK, StatusView{
		TaskID:        status.Task.ID,
		Kind:          string(status.Task.Kind),
		URL:           status.Task.URL,
		Running:       status.Running,
		ResumeEnabled: status.Task.ResumeEnabled,
	})
}

func (h *ControlHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	if !h.ctrl.Pause(r.Context()) {
		writeError(w, http.StatusConflict, "no transfer is running")

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// HandleResume resumes the remembered download. Uploads need their source file, which only the
// process that started them can provide.
func (h *ControlHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	status, ok := h.ctrl.Current()
	if !ok {
		writeError(w, http.StatusNotFound, transfer.ErrNoActiveTask.Error())

		return
	}

	if status.Running {
		writeError(w, http.StatusConflict, "transfer is already running")

		return
	}

	if status.Task.Kind == transfer.KindUpload {
		writeError(w, http.StatusConflict, "uploads can only be resumed by the process that holds the source file")

		return
	}

	err := h.ctrl.Resume(r.Context(), nil, h.callbacks())

	var notFound *transfer.ResumeNotFoundError

	switch {
	case err == nil:
		logger.Info("transfer resumed", "task_id", status.Task.ID)
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, transfer.ErrNoActiveTask), errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		logger.Error("failed to resume transfer", "task_id", status.Task.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to resume transfer")
	}
}

func (h *ControlHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorView{Error: msg})
}
