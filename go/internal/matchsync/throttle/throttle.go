package throttle

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/matchsync/go/internal/matchsync/events"
)

// Config controls coalescing for one key: the trailing call fires after Delay of quiet,
// and at most MaxCalls calls fire within any Window.
type Config struct {
	Delay    time.Duration `yaml:"delay"`
	MaxCalls int           `yaml:"maxCalls"`
	Window   time.Duration `yaml:"window"`
}

// Event categories with distinct defaults
var (
	ScoreConfig    = Config{Delay: 100 * time.Millisecond, MaxCalls: 10, Window: time.Second}
	TimerConfig    = Config{Delay: 500 * time.Millisecond, MaxCalls: 2, Window: time.Second}
	MatchConfig    = Config{Delay: 200 * time.Millisecond, MaxCalls: 5, Window: time.Second}
	DisplayConfig  = Config{Delay: 300 * time.Millisecond, MaxCalls: 3, Window: time.Second}
	FallbackConfig = Config{Delay: 250 * time.Millisecond, MaxCalls: 4, Window: time.Second}
)

// Func receives the most recent payload for a key
type Func func(events.Payload)

// Option configures a Limiter
type Option func(*Limiter)

// WithClock sets the clock driving debounce timers
func WithClock(clock clockwork.Clock) Option {
	return func(l *Limiter) { l.clock = clock }
}

// WithLogger sets the limiter's logger
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.log = logger }
}

// WithOverrides replaces the default config for specific event names
func WithOverrides(overrides map[events.Name]Config) Option {
	return func(l *Limiter) {
		for name, cfg := range overrides {
			l.overrides[name] = cfg
		}
	}
}

type entry struct {
	config Config
	fn     Func
	latest events.Payload
	timer  clockwork.Timer
	reaper clockwork.Timer
	seq    uint64
	calls  []time.Time
}

func (e *entry) stop() {
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.reaper != nil {
		e.reaper.Stop()
	}
}

// Limiter coalesces rapid calls per key into trailing-edge invocations
type Limiter struct {
	clock     clockwork.Clock
	log       zerolog.Logger
	overrides map[events.Name]Config

	mu   sync.Mutex
	keys map[string]*entry
}

// New creates a limiter
func New(opts ...Option) *Limiter {
	l := &Limiter{
		clock:     clockwork.NewRealClock(),
		log:       log.Logger,
		overrides: make(map[events.Name]Config),
		keys:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key builds the debounce key for an event and its routing context
func Key(name events.Name, r events.Routing) string {
	return fmt.Sprintf("%s:%s:%s:%s", name, r.TournamentID, r.FieldID, r.MatchID)
}

// ConfigForEvent returns the config used for name
func (l *Limiter) ConfigForEvent(name events.Name) Config {
	if cfg, ok := l.overrides[name]; ok {
		return cfg
	}
	switch name {
	case events.ScoreUpdate:
		return ScoreConfig
	case events.TimerUpdate, events.TimerStart, events.TimerPause, events.TimerReset:
		return TimerConfig
	case events.MatchUpdate, events.MatchStateChange, events.CollaborativeStateUpdate:
		return MatchConfig
	case events.DisplayModeChange, events.Announcement:
		return DisplayConfig
	default:
		return FallbackConfig
	}
}

// Debounce records p as the latest payload for key and (re)arms its trailing timer
func (l *Limiter) Debounce(key string, fn Func, p events.Payload, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.keys[key]
	if !ok {
		e = &entry{}
		l.keys[key] = e
	}
	e.config = cfg
	e.fn = fn
	e.latest = p
	l.armLocked(key, e, cfg.Delay)
}

func (l *Limiter) armLocked(key string, e *entry, d time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.seq++
	seq := e.seq
	e.timer = l.clock.AfterFunc(d, func() {
		l.fire(key, seq)
	})
}

func (l *Limiter) fire(key string, seq uint64) {
	l.mu.Lock()
	e, ok := l.keys[key]
	if !ok || e.seq != seq || e.timer == nil {
		l.mu.Unlock()
		return
	}

	now := l.clock.Now()
	e.calls = pruneCalls(e.calls, now, e.config.Window)
	if e.config.MaxCalls > 0 && len(e.calls) >= e.config.MaxCalls {
		wait := e.calls[0].Add(e.config.Window).Sub(now)
		l.armLocked(key, e, wait)
		l.mu.Unlock()
		l.log.Debug().Str("key", key).Dur("wait", wait).Msg("Debounce window full, deferring")
		return
	}

	e.calls = append(e.calls, now)
	e.timer = nil
	fn, p := e.fn, e.latest
	e.latest = nil
	l.armReaperLocked(key, e)
	l.mu.Unlock()

	l.invoke(key, fn, p)
}

// armReaperLocked drops an idle key once its last call has left the window
func (l *Limiter) armReaperLocked(key string, e *entry) {
	if e.reaper != nil {
		e.reaper.Stop()
	}
	e.reaper = l.clock.AfterFunc(e.config.Window, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.keys[key] != e || e.timer != nil {
			return
		}
		e.calls = pruneCalls(e.calls, l.clock.Now(), e.config.Window)
		if len(e.calls) == 0 {
			delete(l.keys, key)
		}
	})
}

// pruneCalls keeps the invocations still inside the window ending at now
func pruneCalls(calls []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(calls) && now.Sub(calls[i]) >= window {
		i++
	}
	return calls[i:]
}

func (l *Limiter) invoke(key string, fn Func, p events.Payload) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Str("key", key).Msg("Debounced call panicked")
		}
	}()
	fn(p)
}

// Cancel drops any pending trailing call for key
func (l *Limiter) Cancel(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.keys[key]; ok {
		e.stop()
		delete(l.keys, key)
	}
}

// CancelPrefix drops every key starting with prefix and returns how many were dropped
func (l *Limiter) CancelPrefix(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, e := range l.keys {
		if strings.HasPrefix(key, prefix) {
			e.stop()
			delete(l.keys, key)
			n++
		}
	}
	return n
}

// CancelAll drops every pending trailing call
func (l *Limiter) CancelAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.keys {
		e.stop()
		delete(l.keys, key)
	}
}

// Pending returns the number of keys with an armed trailing call
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.keys {
		if e.timer != nil {
			n++
		}
	}
	return n
}

// Keys returns the number of tracked keys, idle ones included
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
