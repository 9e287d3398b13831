package pipeline

// TokenHeader carries the shared secret on authenticated calls.
const TokenHeader = "X-Bridge-Token"

// TriggerRequest asks the verification host to start a job. Replaying the
// same job id overwrites a queued snapshot and is ignored once the job has
// started.
type TriggerRequest struct {
	Task           string          `json:"task" validate:"required"`
	Commit         string          `json:"commit" validate:"required"`
	JobID          string          `json:"job_id" validate:"required,max=128"`
	Timestamp      int64           `json:"timestamp" validate:"required"`
	SessionContext *SessionContext `json:"session_context,omitempty"`
}

// TriggerAck is the reply to a TriggerRequest.
type TriggerAck struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
	Ack    string `json:"ack"`
}

// EventRequest appends one entry to a job's timeline.
type EventRequest struct {
	JobID      string `json:"job_id" validate:"required,max=128"`
	EventType  string `json:"event_type" validate:"required"`
	Task       string `json:"task"`
	Commit     string `json:"commit"`
	Message    string `json:"message"`
	Workflow   string `json:"workflow"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

// EventAck is the reply to an EventRequest.
type EventAck struct {
	Status    string `json:"status"`
	Ack       string `json:"ack"`
	EventType string `json:"event_type"`
	JobID     string `json:"job_id"`
}

// EventsReply carries a job's ordered timeline.
type EventsReply struct {
	Status string  `json:"status"`
	JobID  string  `json:"job_id"`
	Events []Event `json:"events"`
}

// Hello reply sources.
const (
	ReplyAgent        = "server_codex"
	ReplyAgentError   = "server_codex_error"
	ReplyAgentOffline = "bridge_server_disabled"
)

// HelloReply answers a liveness probe. A 503 reply means the host is
// reachable but its agent is unavailable.
type HelloReply struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Reply       *string `json:"reply"`
	ReplySource string  `json:"reply_source"`
	Error       string  `json:"error,omitempty"`
	ServerTime  int64   `json:"server_time"`
}

// StatusReply is the body of health, pending and error responses.
type StatusReply struct {
	Status  string `json:"status"`
	JobID   string `json:"job_id,omitempty"`
	Message string `json:"message,omitempty"`
}
