// Package protocol defines the messages exchanged with the orchestrator and
// their framing on the control and proxy connections.
//
// Every message travels as a JSON envelope {"type": ..., "payload": ...}.
// On TCP an envelope is prefixed with its length as a 4-byte big-endian
// integer; on WebSocket each envelope is one text message.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"fabricd/internal/fault"
	"fabricd/internal/sampler"
	"fabricd/internal/sysinfo"
)

// Version is the protocol version announced at login.
const Version = 2

// MaxFrameSize bounds a single frame. Inference tasks may carry an image,
// so this is far above what control traffic needs.
const MaxFrameSize = 16 << 20

// Type names a message kind on the wire.
type Type string

const (
	TypeLogin          Type = "login"
	TypeLoginResult    Type = "login_result"
	TypeHeartbeat      Type = "heartbeat"
	TypeLoadModel      Type = "load_model"
	TypeModelStatus    Type = "model_status"
	TypeInferenceTask  Type = "inference_task"
	TypeChatTask       Type = "chat_inference_task"
	TypeResultChunk    Type = "inference_result_chunk"
	TypeCancel         Type = "cancel_inference"
	TypeStop           Type = "stop"
	TypeProxyHello     Type = "proxy_hello"
	TypeProxyHelloDone Type = "proxy_hello_ack"
)

// Message is implemented by every payload type.
type Message interface {
	MessageType() Type
}

// Envelope is the outer wire object.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Login registers the worker on the control connection.
type Login struct {
	ClientID   string       `json:"client_id"`
	Version    int          `json:"version"`
	OS         string       `json:"os"`
	Model      string       `json:"model,omitempty"`
	SystemInfo sysinfo.Info `json:"system_info"`
}

// LoginResult answers Login.
type LoginResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Heartbeat is sent periodically while connected.
type Heartbeat struct {
	ClientID   string       `json:"client_id"`
	Model      string       `json:"model,omitempty"`
	Generation uint64       `json:"generation"`
	Sessions   int          `json:"sessions"`
	SystemInfo sysinfo.Info `json:"system_info"`
}

// LoadModel asks the worker to swap its active model.
type LoadModel struct {
	TaskID        string `json:"task_id"`
	Path          string `json:"path"`
	ProjectorPath string `json:"projector_path,omitempty"`
}

// ModelStatus reports the outcome of LoadModel, or the current model.
type ModelStatus struct {
	ClientID   string `json:"client_id"`
	TaskID     string `json:"task_id,omitempty"`
	Model      string `json:"model,omitempty"`
	Generation uint64 `json:"generation"`
	Loaded     bool   `json:"loaded"`
	Error      string `json:"error,omitempty"`
	Code       int    `json:"code,omitempty"`
}

// InferenceTask is one generation request.
type InferenceTask struct {
	TaskID        string  `json:"task_id"`
	Prompt        string  `json:"prompt"`
	Image         []byte  `json:"image,omitempty"`
	MaxTokens     int     `json:"max_tokens"`
	Temperature   float32 `json:"temperature"`
	TopK          int     `json:"top_k"`
	TopP          float32 `json:"top_p"`
	RepeatPenalty float32 `json:"repeat_penalty"`
	RepeatLastN   int     `json:"repeat_last_n"`
	MinKeep       int     `json:"min_keep,omitempty"`
	Seed          uint64  `json:"seed,omitempty"`
	// Messages replace Prompt when set. Only ChatInferenceTask fills them;
	// they never travel as part of an inference_task.
	Messages []ChatMessage `json:"-"`
}

// Sampling converts the task parameters to a sampler configuration.
func (t InferenceTask) Sampling() sampler.Config {
	return sampler.Config{
		Temperature:   t.Temperature,
		TopK:          t.TopK,
		TopP:          t.TopP,
		RepeatPenalty: t.RepeatPenalty,
		PenaltyWindow: t.RepeatLastN,
		MinKeep:       t.MinKeep,
		Seed:          t.Seed,
	}.WithDefaults()
}

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatInferenceTask is a generation request given as conversation turns.
// The worker renders the prompt with the active model's chat template and
// streams ResultChunks exactly as for an InferenceTask. Model is advisory.
type ChatInferenceTask struct {
	TaskID        string        `json:"task_id"`
	Model         string        `json:"model,omitempty"`
	Messages      []ChatMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens"`
	Temperature   float32       `json:"temperature"`
	TopK          int           `json:"top_k"`
	TopP          float32       `json:"top_p"`
	RepeatPenalty float32       `json:"repeat_penalty"`
	RepeatLastN   int           `json:"repeat_last_n"`
	MinKeep       int           `json:"min_keep,omitempty"`
	Seed          uint64        `json:"seed,omitempty"`
}

// Inference returns the equivalent plain task. The handler renders its
// Messages into the prompt.
func (t ChatInferenceTask) Inference() InferenceTask {
	return InferenceTask{
		TaskID:        t.TaskID,
		Messages:      t.Messages,
		MaxTokens:     t.MaxTokens,
		Temperature:   t.Temperature,
		TopK:          t.TopK,
		TopP:          t.TopP,
		RepeatPenalty: t.RepeatPenalty,
		RepeatLastN:   t.RepeatLastN,
		MinKeep:       t.MinKeep,
		Seed:          t.Seed,
	}
}

// ResultChunk streams generated text back on the proxy connection. The last
// chunk of a task has Done set and carries the token counts.
type ResultChunk struct {
	TaskID           string `json:"task_id"`
	Seq              int    `json:"seq"`
	Delta            string `json:"delta"`
	Done             bool   `json:"done"`
	Error            string `json:"error,omitempty"`
	Code             int    `json:"code,omitempty"`
	FinishReason     string `json:"finish_reason,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// CancelInference cancels one task.
type CancelInference struct {
	TaskID string `json:"task_id"`
}

// Stop cancels everything and closes the connections.
type Stop struct {
	Reason string `json:"reason,omitempty"`
}

// ProxyHello opens the proxy connection for ClientID.
type ProxyHello struct {
	ClientID string `json:"client_id"`
}

// ProxyHelloAck answers ProxyHello.
type ProxyHelloAck struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (Login) MessageType() Type             { return TypeLogin }
func (LoginResult) MessageType() Type       { return TypeLoginResult }
func (Heartbeat) MessageType() Type         { return TypeHeartbeat }
func (LoadModel) MessageType() Type         { return TypeLoadModel }
func (ModelStatus) MessageType() Type       { return TypeModelStatus }
func (InferenceTask) MessageType() Type     { return TypeInferenceTask }
func (ChatInferenceTask) MessageType() Type { return TypeChatTask }
func (ResultChunk) MessageType() Type       { return TypeResultChunk }
func (CancelInference) MessageType() Type   { return TypeCancel }
func (Stop) MessageType() Type              { return TypeStop }
func (ProxyHello) MessageType() Type        { return TypeProxyHello }
func (ProxyHelloAck) MessageType() Type     { return TypeProxyHelloDone }

// Encode marshals m into an envelope.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fault.New(fault.InvalidArgument, "protocol.encode", "nil message")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fault.Wrap(fault.ProtocolError, "protocol.encode", err)
	}
	b, err := json.Marshal(Envelope{Type: m.MessageType(), Payload: payload})
	if err != nil {
		return nil, fault.Wrap(fault.ProtocolError, "protocol.encode", err)
	}
	return b, nil
}

// Decode parses an envelope and returns its typed payload.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fault.Wrap(fault.ProtocolError, "protocol.decode", err)
	}
	var m Message
	switch env.Type {
	case TypeLogin:
		m = &Login{}
	case TypeLoginResult:
		m = &LoginResult{}
	case TypeHeartbeat:
		m = &Heartbeat{}
	case TypeLoadModel:
		m = &LoadModel{}
	case TypeModelStatus:
		m = &ModelStatus{}
	case TypeInferenceTask:
		m = &InferenceTask{}
	case TypeChatTask:
		m = &ChatInferenceTask{}
	case TypeResultChunk:
		m = &ResultChunk{}
	case TypeCancel:
		m = &CancelInference{}
	case TypeStop:
		m = &Stop{}
	case TypeProxyHello:
		m = &ProxyHello{}
	case TypeProxyHelloDone:
		m = &ProxyHelloAck{}
	case "":
		return nil, fault.New(fault.ProtocolError, "protocol.decode", "envelope has no type")
	default:
		return nil, fault.New(fault.ProtocolError, "protocol.decode", "unknown message type %q", env.Type)
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, m); err != nil {
			return nil, fault.Wrap(fault.ProtocolError, "protocol.decode", fmt.Errorf("%s payload: %w", env.Type, err))
		}
	}
	return deref(m), nil
}

// deref returns payloads by value so callers can type-switch on the plain
// struct types.
func deref(m Message) Message {
	switch v := m.(type) {
	case *Login:
		return *v
	case *LoginResult:
		return *v
	case *Heartbeat:
		return *v
	case *LoadModel:
		return *v
	case *ModelStatus:
		return *v
	case *InferenceTask:
		return *v
	case *ChatInferenceTask:
		return *v
	case *ResultChunk:
		return *v
	case *CancelInference:
		return *v
	case *Stop:
		return *v
	case *ProxyHello:
		return *v
	case *ProxyHelloAck:
		return *v
	}
	return m
}

// WriteFrame writes m as one length-prefixed frame.
func WriteFrame(w io.Writer, m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	if len(b) > MaxFrameSize {
		return fault.New(fault.ProtocolError, "protocol.write_frame", "frame of %d bytes exceeds limit %d", len(b), MaxFrameSize)
	}
	buf := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)
	if _, err := w.Write(buf); err != nil {
		return fault.Wrap(fault.ConnectionFailed, "protocol.write_frame", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. A clean EOF before the length
// prefix is returned as io.EOF.
func ReadFrame(r io.Reader) (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fault.Wrap(fault.ConnectionFailed, "protocol.read_frame", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fault.New(fault.ProtocolError, "protocol.read_frame", "invalid frame length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fault.Wrap(fault.ConnectionFailed, "protocol.read_frame", err)
	}
	return Decode(body)
}
