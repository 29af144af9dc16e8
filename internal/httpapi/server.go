// Package httpapi is the Job Surface: a minimal local HTTP
// front end for UI/IPC processes outside the kagan daemon to submit jobs
// and poll task/execution state.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kagan-dev/kagan/internal/automation"
	"github.com/kagan-dev/kagan/internal/store"
)

// Store is the subset of store.Store the Job Surface reads and writes
// directly (task CRUD, queued messages, logs); everything that must
// reach the live worker loop goes through Engine instead.
type Store interface {
	CreateTask(title, description, baseBranch string, taskType store.TaskType, parentID *string) (*store.Task, error)
	GetTask(id string) (*store.Task, error)
	ListTasks(parentID *string) ([]store.Task, error)
	QueueMessage(taskID string, lane store.Lane, content string) error
	GetEvents(taskID string) ([]store.Event, error)
	GetLatestExecutionForTask(taskID string) (*store.Execution, error)
	GetExecutionLogEntries(executionID string) ([]store.ExecutionLogEntry, error)
}

// Server wires the Job Surface onto the running Engine and Store.
type Server struct {
	engine *automation.Engine
	store  Store
	logger *log.Logger
	router *mux.Router
}

// New builds the Job Surface router. Call ListenAndServe (via
// http.Server) with Server as the handler.
func New(engine *automation.Engine, st Store, logger *log.Logger) *Server {
	s := &Server{engine: engine, store: st, logger: logger}
	s.router = mux.NewRouter()
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/tasks", s.handleCreateTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/run", s.handleRun).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/queue", s.handleQueue).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/log", s.handleLog).Methods(http.MethodGet)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("httpapi: encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	http.Error(w, err.Error(), status)
}

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	BaseBranch  string `json:"base_branch"`
	ParentID    string `json:"parent_id,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	var parentID *string
	if req.ParentID != "" {
		parentID = &req.ParentID
	}
	task, err := s.store.CreateTask(req.Title, req.Description, req.BaseBranch, store.TypeAuto, parentID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(nil)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := s.store.GetTask(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if task == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("task %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// handleRun submits a spawn request. The worker loop, not this handler,
// decides whether to admit immediately or enqueue it FIFO.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.engine.SpawnForTask(id)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "submitted"})
}

// handleStop submits a stop request (task_id, IN_PROGRESS, BACKLOG).
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.engine.StopTask(id)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "submitted"})
}

type queueRequest struct {
	Lane    string `json:"lane"`
	Content string `json:"content"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req queueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	lane := store.Lane(req.Lane)
	if lane == "" {
		lane = store.LaneImplementation
	}
	if err := s.store.QueueMessage(id, lane, req.Content); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	events, err := s.store.GetEvents(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	exec, err := s.store.GetLatestExecutionForTask(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if exec == nil {
		s.writeJSON(w, http.StatusOK, []store.ExecutionLogEntry{})
		return
	}
	entries, err := s.store.GetExecutionLogEntries(exec.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}
