package socket

import (
	"errors"
	"time"
)

// State is the connection state machine position
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateFailed       State = "FAILED"
)

var (
	// ErrNotConnected is returned when emitting while no connection is open
	ErrNotConnected = errors.New("socket not connected")
	// ErrConnectTimeout is returned when no handshake ack arrives within the connect timeout
	ErrConnectTimeout = errors.New("connection timeout")
	// ErrMaxReconnects is recorded as the last error once the reconnect cap is reached
	ErrMaxReconnects = errors.New("max reconnect attempts exceeded")
	// ErrClosed is returned by Connect after Close
	ErrClosed = errors.New("connection manager closed")
)

// Status is the full observable connection status. Ready implies Connected.
type Status struct {
	State             State      `json:"state"`
	Connected         bool       `json:"connected"`
	Ready             bool       `json:"ready"`
	ReconnectAttempts int        `json:"reconnectAttempts"`
	LastConnected     *time.Time `json:"lastConnected,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
}

// BackoffDelay returns the delay before reconnect attempt n (zero based):
// min(base * 2^n, max).
func BackoffDelay(n int, base, max time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
