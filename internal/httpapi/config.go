package httpapi

import (
	"sync"
	"time"
)

// DefaultMaxBodyBytes leaves room for a base64 image in an /infer body.
const DefaultMaxBodyBytes int64 = 32 << 20

// settings are the process-wide knobs the serve command applies before
// building the mux. Handlers read a snapshot per request.
type settings struct {
	maxBodyBytes int64
	inferTimeout time.Duration

	// CORS is opt-in; no middleware is added while disabled.
	corsEnabled bool
	corsOrigins []string
	corsMethods []string
	corsHeaders []string
}

var (
	settingsMu sync.RWMutex
	cur        = settings{maxBodyBytes: DefaultMaxBodyBytes}
)

func current() settings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return cur
}

func update(fn func(*settings)) {
	settingsMu.Lock()
	fn(&cur)
	settingsMu.Unlock()
}

// SetMaxBodyBytes caps JSON request bodies; n <= 0 restores the default.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		n = DefaultMaxBodyBytes
	}
	update(func(s *settings) { s.maxBodyBytes = n })
}

// SetInferTimeoutSeconds bounds one /infer request (0 disables).
func SetInferTimeoutSeconds(sec int64) {
	if sec < 0 {
		sec = 0
	}
	update(func(s *settings) { s.inferTimeout = time.Duration(sec) * time.Second })
}

// SetCORSOptions configures CORS for routers built afterwards.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	update(func(s *settings) {
		s.corsEnabled = enabled
		s.corsOrigins = append([]string(nil), origins...)
		s.corsMethods = append([]string(nil), methods...)
		s.corsHeaders = append([]string(nil), headers...)
	})
}
