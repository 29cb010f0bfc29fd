package matchsync

import (
	"time"

	"github.com/mcdev12/matchsync/go/internal/matchsync/access"
	"github.com/mcdev12/matchsync/go/internal/matchsync/events"
	"github.com/mcdev12/matchsync/go/internal/matchsync/socket"
	"github.com/mcdev12/matchsync/go/internal/matchsync/statesync"
	"github.com/mcdev12/matchsync/go/internal/matchsync/tabs"
	"github.com/mcdev12/matchsync/go/internal/matchsync/throttle"
)

// DefaultURL is used when no connection URL is configured
const DefaultURL = "ws://localhost:3001/socket"

// Config holds configuration for the match sync service
type Config struct {
	// URL of the named-event socket
	URL string
	// UserID identifies this client in collaborative sessions
	UserID string
	// Role is the initial access role
	Role access.Role
	// HeartbeatInterval between session_heartbeat emissions; zero disables heartbeats
	HeartbeatInterval time.Duration

	Socket   socket.Config
	Sync     statesync.Config
	Tabs     tabs.Config
	Debounce map[events.Name]throttle.Config
}

// DefaultConfig returns default service configuration
func DefaultConfig() Config {
	return Config{
		URL:               DefaultURL,
		Role:              access.RoleUnknown,
		HeartbeatInterval: 30 * time.Second,
		Socket:            socket.DefaultConfig(),
		Sync:              statesync.DefaultConfig(),
		Tabs:              tabs.DefaultConfig(),
	}
}
