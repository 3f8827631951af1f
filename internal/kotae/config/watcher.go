package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Keys whose changes take effect without a restart.
const (
	KeyCooldown         = "cooldown_seconds"
	KeySelectedChannels = "selected_channels"
	KeyBotPrompt        = "bot_prompt"
	KeyFallbackReply    = "fallback_reply"
	KeyMaxRetries       = "max_retries"
	KeyRetryDelay       = "retry_delay"
	KeyMaxSavedMessages = "max_saved_messages"
	KeyAutoSelectNewDMs = "auto_select_new_dms"
	KeyLogLevel         = "log_level"
)

var hotKeys = map[string]bool{
	KeyCooldown:         true,
	KeySelectedChannels: true,
	KeyBotPrompt:        true,
	KeyFallbackReply:    true,
	KeyMaxRetries:       true,
	KeyRetryDelay:       true,
	KeyMaxSavedMessages: true,
	KeyAutoSelectNewDMs: true,
	KeyLogLevel:         true,
}

// Change is published by Watcher when the file on disk differs from the
// last applied snapshot. Config is the full new snapshot; Keys lists the
// YAML keys that changed.
type Change struct {
	Config *Config
	Keys   []string
}

// Has reports whether key is among the changed keys.
func (c Change) Has(key string) bool {
	for _, k := range c.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// merge folds an older pending change into c so that no changed key is lost
// when the consumer has not caught up.
func (c Change) merge(older Change) Change {
	seen := make(map[string]bool, len(c.Keys))
	for _, k := range c.Keys {
		seen[k] = true
	}
	for _, k := range older.Keys {
		if !seen[k] {
			c.Keys = append(c.Keys, k)
			seen[k] = true
		}
	}
	return c
}

// Diff returns the YAML keys whose values differ between prev and cur.
func Diff(prev, cur *Config) []string {
	pv := reflect.ValueOf(prev).Elem()
	cv := reflect.ValueOf(cur).Elem()
	t := pv.Type()

	var keys []string
	for i := 0; i < t.NumField(); i++ {
		if reflect.DeepEqual(pv.Field(i).Interface(), cv.Field(i).Interface()) {
			continue
		}
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		keys = append(keys, tag)
	}
	return keys
}

// Watcher reloads the config file when it changes on disk and publishes the
// differences on Changes(). Invalid edits are logged and ignored; the last
// good snapshot stays in effect.
type Watcher struct {
	path     string
	debounce time.Duration
	// normalize is applied to every reloaded snapshot before diffing
	// (ApplyEnv in production).
	normalize func(*Config)

	mu      sync.Mutex
	current *Config
	changes chan Change
}

// NewWatcher creates a Watcher for path seeded with the snapshot the
// process started with.
func NewWatcher(path string, initial *Config, normalize func(*Config)) *Watcher {
	if normalize == nil {
		normalize = func(*Config) {}
	}
	return &Watcher{
		path:      path,
		debounce:  250 * time.Millisecond,
		normalize: normalize,
		current:   initial.Clone(),
		changes:   make(chan Change, 1),
	}
}

// Changes returns the channel on which reloads are published. It holds at
// most one pending Change; newer reloads are merged into it.
func (w *Watcher) Changes() <-chan Change { return w.changes }

// Current returns the last applied snapshot.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.Clone()
}

// Reload reads the file once and publishes a Change when anything differs.
// It returns the changed keys.
func (w *Watcher) Reload() ([]string, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", w.path, err)
	}
	// An empty file is usually a save in progress, not a request to reset
	// every key to its default.
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &Error{Msg: "file is empty"}
	}
	next, err := Parse(data)
	if err != nil {
		return nil, err
	}
	w.normalize(next)

	w.mu.Lock()
	keys := Diff(w.current, next)
	if len(keys) > 0 {
		w.current = next
	}
	w.mu.Unlock()

	if len(keys) == 0 {
		return nil, nil
	}
	for _, k := range keys {
		if !hotKeys[k] {
			slog.Warn("config key changed on disk; restart required to apply", "key", k)
		}
	}
	w.publish(Change{Config: next.Clone(), Keys: keys})
	return keys, nil
}

// publish replaces any unconsumed change with the merged newer one. Watcher
// is the only sender, so the send after draining never blocks.
func (w *Watcher) publish(c Change) {
	select {
	case old := <-w.changes:
		c = c.merge(old)
	default:
	}
	w.changes <- c
}

// Run watches the directory containing the config file until ctx is done.
// The directory is watched rather than the file because editors and Save
// replace the file via rename.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	slog.Info("watching configuration for changes", "path", abs)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "err", err)
		case <-fire:
			fire = nil
			keys, err := w.Reload()
			if err != nil {
				slog.Warn("ignoring invalid configuration edit", "path", w.path, "err", err)
				continue
			}
			if len(keys) > 0 {
				slog.Info("configuration reloaded", "changed", keys)
			}
		}
	}
}
