package httpapi

import (
	"bytes"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

var httpLog atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stderr).With().Timestamp().Str("component", "http").Logger()
	httpLog.Store(&l)
}

// SetLogger installs the logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) {
	l = l.With().Str("component", "http").Logger()
	httpLog.Store(&l)
}

func logger() *zerolog.Logger { return httpLog.Load() }

// LogLevel controls per-request logging.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug", "1":
		return LevelDebug
	default:
		return LevelInfo
	}
}

var defaultLogLevel = parseLevel(os.Getenv("FABRICD_LOG_LEVEL"))

// requestLogLevel picks ?log= first, then X-Log-Level, then the process
// default.
func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// logRequest writes one request line at lvl. Errors are logged at warn
// whenever logging is not off.
func logRequest(r *http.Request, lvl LogLevel, msg string, status int, start time.Time, err error) {
	if lvl == LevelOff || (lvl == LevelError && err == nil) {
		return
	}
	l := logger()
	ev := l.Info()
	if err != nil {
		ev = l.Warn().Err(err)
	}
	ev = ev.Str("method", r.Method).Str("path", r.URL.Path)
	if status > 0 {
		ev = ev.Int("status", status).Dur("dur", time.Since(start))
	}
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		ev = ev.Str("request_id", rid)
	}
	ev.Msg(msg)
}

// streamLogger echoes each complete NDJSON line of an /infer response. It
// is only attached when the request asked for debug logging. Partial lines
// are held until their newline arrives.
type streamLogger struct {
	log *zerolog.Logger
	rid string
	buf []byte
}

func newStreamLogger(r *http.Request) *streamLogger {
	return &streamLogger{log: logger(), rid: middleware.GetReqID(r.Context())}
}

func (s *streamLogger) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(s.buf[:i]); len(line) > 0 {
			s.log.Info().Str("request_id", s.rid).RawJSON("line", line).Msg("infer stream")
		}
		s.buf = s.buf[i+1:]
	}
	return len(p), nil
}
