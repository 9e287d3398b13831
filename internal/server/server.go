package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lucasnoah/taintbridge/internal/pipeline"
)

// maxBodyBytes bounds trigger and event bodies; session excerpts are the
// largest payload.
const maxBodyBytes = 1 << 20

// HelloFunc asks the host's agent for a one-line greeting.
type HelloFunc func(ctx context.Context, side string) (string, error)

// Deps holds the server's collaborators. A nil Hello means the agent is
// disabled on this host.
type Deps struct {
	Secret   string
	Jobs     *pipeline.JobStore
	Events   *pipeline.EventLog
	Queue    *Queue
	Hello    HelloFunc
	Redactor *pipeline.Redactor
	Logger   *slog.Logger
}

// Server exposes the trigger/result/event protocol.
type Server struct {
	secret   string
	jobs     *pipeline.JobStore
	events   *pipeline.EventLog
	queue    *Queue
	hello    HelloFunc
	redact   *pipeline.Redactor
	validate *validator.Validate
	log      *slog.Logger
	now      func() time.Time
}

// New creates a Server.
func New(deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	redact := deps.Redactor
	if redact == nil {
		redact = pipeline.NewRedactor(deps.Secret)
	}
	return &Server{
		secret:   deps.Secret,
		jobs:     deps.Jobs,
		events:   deps.Events,
		queue:    deps.Queue,
		hello:    deps.Hello,
		redact:   redact,
		validate: validator.New(),
		log:      log,
		now:      time.Now,
	}
}

// Router builds the chi router. Health and hello are public; everything that
// touches job or event state requires the shared secret.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Logger)
	r.Use(Recovery)

	r.Get("/health", s.handleHealth)
	r.Get("/hello", s.handleHello)

	r.Group(func(r chi.Router) {
		r.Use(RequireToken(s.secret))

		r.Get("/result", s.handleResult)
		r.Get("/events", s.handleEvents)
		r.Post("/trigger", s.handleTrigger)
		r.Post("/event", s.handleEvent)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, pipeline.StatusReply{Status: "not_found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, pipeline.StatusReply{Status: "error", Message: "method not allowed"})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pipeline.StatusReply{Status: "ok"})
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	side := strings.TrimSpace(r.URL.Query().Get("side"))
	if side == "" {
		side = "unknown"
	}
	s.log.Info("hello", "side", side)

	reply := pipeline.HelloReply{
		Message:    fmt.Sprintf("bridge server is listening (%s)", side),
		ServerTime: s.now().Unix(),
	}
	if s.hello == nil {
		reply.Status = "error"
		reply.ReplySource = pipeline.ReplyAgentOffline
		reply.Error = "server agent disabled"
		writeJSON(w, http.StatusServiceUnavailable, reply)
		return
	}

	text, err := s.hello(r.Context(), side)
	if err != nil {
		reply.Status = "error"
		reply.ReplySource = pipeline.ReplyAgentError
		reply.Error = s.redact.Redact(err.Error())
		s.log.Warn("hello agent error", "error", reply.Error)
		writeJSON(w, http.StatusServiceUnavailable, reply)
		return
	}
	reply.Status = "ok"
	reply.ReplySource = pipeline.ReplyAgent
	reply.Reply = &text
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := s.jobs.Read(jobID)
	if errors.Is(err, pipeline.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, pipeline.StatusReply{Status: "pending", JobID: jobID})
		return
	}
	if err != nil {
		s.log.Error("read job", "job_id", jobID, "error", err)
		writeJSON(w, http.StatusInternalServerError, pipeline.StatusReply{Status: "error", Message: "failed to read job"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobIDParam(w, r)
	if !ok {
		return
	}
	events, err := s.events.Read(jobID)
	if err != nil {
		s.log.Error("read events", "job_id", jobID, "error", err)
		writeJSON(w, http.StatusInternalServerError, pipeline.StatusReply{Status: "error", Message: "failed to read events"})
		return
	}
	writeJSON(w, http.StatusOK, pipeline.EventsReply{Status: "ok", JobID: jobID, Events: events})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req pipeline.TriggerRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Task = strings.TrimSpace(req.Task)
	req.Commit = strings.TrimSpace(req.Commit)
	req.JobID = strings.TrimSpace(req.JobID)
	if err := s.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, pipeline.StatusReply{Status: "error", Message: "task, commit, job_id, timestamp are required"})
		return
	}
	if err := pipeline.ValidateJobID(req.JobID); err != nil {
		writeJSON(w, http.StatusBadRequest, pipeline.StatusReply{Status: "error", Message: err.Error()})
		return
	}

	queuedAt := s.now().Unix()
	job := &pipeline.Job{
		JobID:          req.JobID,
		Task:           req.Task,
		Commit:         req.Commit,
		Stage:          pipeline.JobQueued,
		Status:         pipeline.StatusQueued,
		QueuedAt:       queuedAt,
		SessionContext: req.SessionContext,
	}
	prev, err := s.jobs.Advance(job)
	if errors.Is(err, pipeline.ErrStageRegression) {
		s.log.Info("trigger replay ignored", "job_id", req.JobID, "stage", prev.Stage)
		writeJSON(w, http.StatusOK, pipeline.TriggerAck{
			Status: string(prev.Stage),
			JobID:  req.JobID,
			Ack:    fmt.Sprintf("Job already %s, not queued again.", prev.Stage),
		})
		return
	}
	if err != nil {
		s.log.Error("write queued job", "job_id", req.JobID, "error", err)
		writeJSON(w, http.StatusInternalServerError, pipeline.StatusReply{Status: "error", Message: "failed to store job"})
		return
	}
	if !s.queue.Has(req.JobID) {
		s.queue.Enqueue(req, queuedAt)
	}
	s.log.Info("trigger queued", "job_id", req.JobID, "task", req.Task, "commit", shortCommit(req.Commit), "replay", prev != nil)
	writeJSON(w, http.StatusOK, pipeline.TriggerAck{Status: "triggered", JobID: req.JobID, Ack: "Trigger received, waiting."})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req pipeline.EventRequest
	if !s.decode(w, r, &req) {
		return
	}
	ev := pipeline.Event{
		JobID:      strings.TrimSpace(req.JobID),
		EventType:  strings.TrimSpace(req.EventType),
		Task:       strings.TrimSpace(req.Task),
		Commit:     strings.TrimSpace(req.Commit),
		Workflow:   strings.TrimSpace(req.Workflow),
		Status:     strings.TrimSpace(req.Status),
		Conclusion: strings.TrimSpace(req.Conclusion),
		Message:    s.redact.Redact(strings.TrimSpace(req.Message)),
		Timestamp:  s.now().Unix(),
	}
	req.JobID, req.EventType = ev.JobID, ev.EventType
	if err := s.validate.Struct(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, pipeline.StatusReply{Status: "error", Message: "job_id, event_type are required"})
		return
	}
	if err := pipeline.ValidateJobID(ev.JobID); err != nil {
		writeJSON(w, http.StatusBadRequest, pipeline.StatusReply{Status: "error", Message: err.Error()})
		return
	}
	if err := s.events.Append(ev); err != nil {
		s.log.Error("append event", "job_id", ev.JobID, "error", err)
		writeJSON(w, http.StatusInternalServerError, pipeline.StatusReply{Status: "error", JobID: ev.JobID, Message: "failed to append event"})
		return
	}
	s.log.Info("event",
		"job_id", ev.JobID,
		"type", ev.EventType,
		"workflow", dash(ev.Workflow),
		"status", dash(ev.Status),
		"conclusion", dash(ev.Conclusion),
		"msg", dash(ev.Message),
	)
	writeJSON(w, http.StatusOK, pipeline.EventAck{Status: "ok", Ack: Ack(ev), EventType: ev.EventType, JobID: ev.JobID})
}

// Ack is the human reply to an appended event.
func Ack(ev pipeline.Event) string {
	status := strings.ToLower(ev.Status)
	conclusion := strings.ToLower(ev.Conclusion)
	inFlight := status == "queued" || status == "in_progress" || status == "waiting"

	switch ev.EventType {
	case pipeline.EventHello:
		return "Good, I'm listening."
	case pipeline.EventCIStatus:
		switch {
		case conclusion == "success":
			return ev.Workflow + " succeeded, waiting."
		case conclusion != "":
			return ev.Workflow + " failed, fix it and push again."
		case inFlight:
			return ev.Workflow + " is being watched, waiting."
		}
	case pipeline.EventDeployStatus:
		switch {
		case conclusion == "success":
			return "Deploy accepted, waiting for runtime results."
		case conclusion != "":
			return "Deploy failed, fix it and push again."
		case inFlight:
			return "Deploy in progress, waiting."
		}
	case pipeline.EventRuntime:
		switch conclusion {
		case "success":
			return ev.Workflow + " runtime OK, carry on."
		case "failure":
			return ev.Workflow + " runtime failed, fix it and push again."
		}
	}
	return "Received."
}

func (s *Server) jobIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := strings.TrimSpace(r.URL.Query().Get("job_id"))
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, pipeline.StatusReply{Status: "error", Message: "job_id is required"})
		return "", false
	}
	if err := pipeline.ValidateJobID(jobID); err != nil {
		writeJSON(w, http.StatusBadRequest, pipeline.StatusReply{Status: "error", Message: err.Error()})
		return "", false
	}
	return jobID, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, pipeline.StatusReply{Status: "error", Message: "invalid json: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func shortCommit(c string) string {
	if len(c) > 8 {
		return c[:8]
	}
	return c
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
