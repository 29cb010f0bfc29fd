package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/matchsync/go/internal/envconfig"
	"github.com/mcdev12/matchsync/go/internal/matchsync"
	"github.com/mcdev12/matchsync/go/internal/matchsync/access"
	"github.com/mcdev12/matchsync/go/internal/matchsync/events"
	"github.com/mcdev12/matchsync/go/internal/matchsync/statesync"
	"github.com/mcdev12/matchsync/go/internal/matchsync/throttle"
)

// DebounceFile is the YAML document named by MATCHSYNC_DEBOUNCE_FILE
type DebounceFile struct {
	Debounce map[events.Name]throttle.Config `yaml:"debounce"`
}

// Rooms lists what the watcher joins once connected
type Rooms struct {
	TournamentID string
	FieldID      string
	MatchID      string
}

func loadConfig() (matchsync.Config, error) {
	cfg := matchsync.DefaultConfig()
	cfg.URL = envconfig.String("MATCHSYNC_URL", matchsync.DefaultURL)
	cfg.UserID = envconfig.String("MATCHSYNC_USER_ID", "")
	cfg.HeartbeatInterval = envconfig.Duration("MATCHSYNC_HEARTBEAT", cfg.HeartbeatInterval)
	cfg.Socket.MaxReconnectAttempts = envconfig.Int("MATCHSYNC_MAX_RECONNECTS", cfg.Socket.MaxReconnectAttempts)
	cfg.Sync.SnapshotInterval = envconfig.Duration("MATCHSYNC_SNAPSHOT_INTERVAL", cfg.Sync.SnapshotInterval)
	cfg.Sync.ConflictWindow = envconfig.Duration("MATCHSYNC_CONFLICT_WINDOW", cfg.Sync.ConflictWindow)
	cfg.Sync.HistoryLimit = envconfig.Int("MATCHSYNC_HISTORY_LIMIT", cfg.Sync.HistoryLimit)

	if v := envconfig.String("MATCHSYNC_CONFLICT_STRATEGY", ""); v != "" {
		strategy, err := statesync.ParseStrategy(v)
		if err != nil {
			return cfg, fmt.Errorf("MATCHSYNC_CONFLICT_STRATEGY: %w", err)
		}
		cfg.Sync.Strategy = strategy
	}
	if v := envconfig.String("MATCHSYNC_ROLE", ""); v != "" {
		role, err := access.ParseRole(v)
		if err != nil {
			return cfg, fmt.Errorf("MATCHSYNC_ROLE: %w", err)
		}
		cfg.Role = role
	}
	if path := envconfig.String("MATCHSYNC_DEBOUNCE_FILE", ""); path != "" {
		overrides, err := loadDebounce(path)
		if err != nil {
			return cfg, err
		}
		cfg.Debounce = overrides
	}
	return cfg, nil
}

func loadDebounce(path string) (map[events.Name]throttle.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read debounce file: %w", err)
	}

	var file DebounceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse debounce file: %w", err)
	}
	for name, c := range file.Debounce {
		if c.Delay <= 0 || c.MaxCalls <= 0 || c.Window <= 0 {
			return nil, fmt.Errorf("debounce override for %s: delay, maxCalls and window must be positive", name)
		}
	}
	return file.Debounce, nil
}

func loadRooms() Rooms {
	return Rooms{
		TournamentID: envconfig.String("MATCHSYNC_TOURNAMENT_ID", ""),
		FieldID:      envconfig.String("MATCHSYNC_FIELD_ID", ""),
		MatchID:      envconfig.String("MATCHSYNC_MATCH_ID", ""),
	}
}
