package types

// InferRequest represents an inference request payload.
type InferRequest struct {
	// Required prompt text. May contain one <__media__> marker for image placement.
	// example: Describe this picture: <__media__>
	Prompt string `json:"prompt" example:"Describe this picture: <__media__>"`
	// Optional image bytes (PNG, JPEG, GIF, BMP or WebP), base64 encoded in JSON.
	Image []byte `json:"image,omitempty" swaggertype:"string" format:"base64"`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature; 0 selects greedy decoding.
	// example: 0.7
	Temperature *float32 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP *float32 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens. 0 disables.
	// example: 40
	TopK *int `json:"top_k,omitempty" example:"40"`
	// Repetition penalty over the penalty window.
	// example: 1.1
	RepeatPenalty *float32 `json:"repeat_penalty,omitempty" example:"1.1"`
	// Number of trailing tokens the penalties look at.
	// example: 64
	RepeatLastN *int `json:"repeat_last_n,omitempty" example:"64"`
	// Random seed for reproducibility; 0 is a valid seed.
	// example: 42
	Seed *uint64 `json:"seed,omitempty" example:"42"`
	// Evict old context instead of failing when the window fills.
	// example: false
	Truncate bool `json:"truncate,omitempty" example:"false"`
}

// InferChunk is one NDJSON line of a streamed inference response.
type InferChunk struct {
	// Session handle, usable with DELETE /sessions/{handle}. Sent on the first line.
	// example: 3.1
	Handle string `json:"handle,omitempty" example:"3.1"`
	// Text of one generated token.
	// example: The
	Delta string `json:"delta,omitempty" example:"The"`
	// True on the last line.
	Done bool `json:"done,omitempty"`
	// Final session state on the last line.
	// example: Completed
	State string `json:"state,omitempty" example:"Completed"`
	// Why generation stopped: stop, length, cancelled or error.
	// example: length
	FinishReason string `json:"finish_reason,omitempty" example:"length"`
	// Error message when the session failed.
	Error string `json:"error,omitempty"`
	// Numeric error code when the session failed.
	// example: -7
	Code int `json:"code,omitempty" example:"-7"`
	// Prompt positions consumed.
	// example: 12
	PromptTokens int `json:"prompt_tokens,omitempty" example:"12"`
	// Tokens delivered.
	// example: 128
	CompletionTokens int `json:"completion_tokens,omitempty" example:"128"`
	// Model generation the session ran on.
	// example: 2
	Generation uint64 `json:"generation,omitempty" example:"2"`
}

// LoadModelRequest asks the runtime to hot-swap its model.
type LoadModelRequest struct {
	// Model path, or a model id from GET /models.
	// example: qwen2-vl-2b-q4_k_m.gguf
	Model string `json:"model" example:"qwen2-vl-2b-q4_k_m.gguf"`
	// Optional projector path; when empty the registry match is used.
	ProjectorPath string `json:"projector_path,omitempty"`
}

// LoadModelResponse reports a completed swap.
type LoadModelResponse struct {
	// Path of the loaded model.
	Path string `json:"path"`
	// New model generation.
	// example: 3
	Generation uint64 `json:"generation" example:"3"`
	// Projector type now active, if any.
	// example: qwen2vl
	ProjectorType string `json:"projector_type,omitempty" example:"qwen2vl"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Runtime error code (negative), when the error came from the runtime.
	// example: -6
	RuntimeCode int `json:"runtime_code,omitempty" example:"-6"`
}

// ModelStatus describes the active model.
type ModelStatus struct {
	// Whether a model is loaded.
	Loaded bool `json:"loaded"`
	// Model name.
	// example: Qwen2-VL 2B Instruct
	Name string `json:"name,omitempty" example:"Qwen2-VL 2B Instruct"`
	// Model path.
	Path string `json:"path,omitempty"`
	// Architecture from the model metadata.
	Architecture string `json:"architecture,omitempty"`
	// Active projector type.
	// example: qwen2vl
	ProjectorType string `json:"projector_type,omitempty" example:"qwen2vl"`
	// Model generation; increments on every swap.
	// example: 2
	Generation uint64 `json:"generation" example:"2"`
	// When the current model finished loading (unix seconds).
	LoadedAtUnix int64 `json:"loaded_at_unix,omitempty"`
	// Swapped-out models still pinned by running sessions.
	RetiredAlive int `json:"retired_alive"`
}

// WorkerStatus describes the orchestrator connection.
type WorkerStatus struct {
	// Connection state: Disconnected, Connecting, Connected or Degraded.
	// example: Connected
	State string `json:"state" example:"Connected"`
	// Orchestrator address.
	Addr string `json:"addr,omitempty"`
	// Control connection port.
	ControlPort int `json:"control_port,omitempty"`
	// Proxy connection port.
	ProxyPort int `json:"proxy_port,omitempty"`
	// Transport: TCP or WS.
	Type string `json:"type,omitempty"`
	// Last heartbeat sent (unix seconds).
	LastHeartbeatUnix int64 `json:"last_heartbeat_unix,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Active model.
	Model ModelStatus `json:"model"`
	// Orchestrator connection.
	Worker WorkerStatus `json:"worker"`
	// Sessions currently running.
	// example: 1
	ActiveSessions int `json:"active_sessions" example:"1"`
	// Maximum concurrent sessions.
	// example: 4
	MaxSessions int `json:"max_sessions" example:"4"`
	// Last lifecycle event in "NAME - message" form.
	// example: HEARTBEAT - cpu=3.0% mem=41.2% sessions=0
	LastEvent string `json:"last_event,omitempty" example:"HEARTBEAT - cpu=3.0% mem=41.2% sessions=0"`
	// Last error observed by the runtime (if any).
	LastError string `json:"last_error,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
