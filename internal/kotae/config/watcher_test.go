package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestWatcherReload_PublishesChangedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	initial := Default()
	writeConfig(t, path, initial)

	w := NewWatcher(path, initial, nil)

	keys, err := w.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("unchanged file reported keys %v", keys)
	}
	select {
	case c := <-w.Changes():
		t.Fatalf("unexpected change published: %v", c.Keys)
	default:
	}

	edited := initial.Clone()
	edited.CooldownSeconds = 3
	writeConfig(t, path, edited)

	keys, err = w.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(keys) != 1 || keys[0] != KeyCooldown {
		t.Fatalf("keys = %v", keys)
	}

	c := <-w.Changes()
	if !c.Has(KeyCooldown) || c.Config.CooldownSeconds != 3 {
		t.Errorf("change = %+v", c)
	}
	if w.Current().CooldownSeconds != 3 {
		t.Errorf("current snapshot not updated")
	}
}

func TestWatcherReload_MergesPendingChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	initial := Default()
	writeConfig(t, path, initial)
	w := NewWatcher(path, initial, nil)

	first := initial.Clone()
	first.CooldownSeconds = 1
	writeConfig(t, path, first)
	if _, err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	second := first.Clone()
	second.SelectedChannels = []string{"!room:example.org"}
	writeConfig(t, path, second)
	if _, err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	c := <-w.Changes()
	if !c.Has(KeyCooldown) || !c.Has(KeySelectedChannels) {
		t.Fatalf("merged change lost keys: %v", c.Keys)
	}
	if c.Config.CooldownSeconds != 1 || len(c.Config.SelectedChannels) != 1 {
		t.Errorf("merged change should carry the newest snapshot: %+v", c.Config)
	}
	select {
	case extra := <-w.Changes():
		t.Fatalf("expected a single pending change, got another: %v", extra.Keys)
	default:
	}
}

func TestWatcherReload_InvalidEditKeepsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	initial := Default()
	writeConfig(t, path, initial)
	w := NewWatcher(path, initial, nil)

	if err := os.WriteFile(path, []byte("max_retries: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Reload(); err == nil {
		t.Fatal("expected error for invalid edit")
	}
	if w.Current().MaxRetries != 3 {
		t.Errorf("invalid edit replaced the snapshot")
	}
	select {
	case c := <-w.Changes():
		t.Fatalf("invalid edit published change %v", c.Keys)
	default:
	}
}

func TestWatcherReload_EmptyFileKeepsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	initial := Default()
	initial.SelectedChannels = []string{"!a:example.org"}
	initial.CooldownSeconds = 60
	writeConfig(t, path, initial)
	w := NewWatcher(path, initial, nil)

	for _, body := range []string{"", "  \n\t\n"} {
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		keys, err := w.Reload()
		var cerr *Error
		if !errors.As(err, &cerr) {
			t.Fatalf("Reload(%q) err = %v, want *Error", body, err)
		}
		if len(keys) != 0 {
			t.Errorf("Reload(%q) keys = %v", body, keys)
		}
	}

	cur := w.Current()
	if cur.CooldownSeconds != 60 || len(cur.SelectedChannels) != 1 {
		t.Errorf("empty file replaced the snapshot: %+v", cur)
	}
	select {
	case c := <-w.Changes():
		t.Fatalf("empty file published change %v", c.Keys)
	default:
	}
}

func TestWatcherReload_AppliesNormalize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	initial := Default()
	initial.BotToken = "from-env"
	writeConfig(t, path, Default())

	w := NewWatcher(path, initial, func(c *Config) { c.BotToken = "from-env" })
	keys, err := w.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("normalized reload should not report bot_token, got %v", keys)
	}
}

func TestWatcherRun_DetectsFileEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	initial := Default()
	writeConfig(t, path, initial)

	w := NewWatcher(path, initial, nil)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	edited := initial.Clone()
	edited.FallbackReply = "hmm"

	// The watch is registered asynchronously; keep rewriting until a change
	// arrives or the deadline passes.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	writeConfig(t, path, edited)
	for {
		select {
		case c := <-w.Changes():
			if !c.Has(KeyFallbackReply) || c.Config.FallbackReply != "hmm" {
				t.Fatalf("unexpected change %+v", c)
			}
			return
		case <-tick.C:
			writeConfig(t, path, edited)
		case <-deadline:
			t.Fatal("timed out waiting for config change")
		}
	}
}

func TestChangeMerge(t *testing.T) {
	newer := Change{Keys: []string{KeyCooldown}}
	older := Change{Keys: []string{KeyBotPrompt, KeyCooldown}}
	got := newer.merge(older)
	if len(got.Keys) != 2 || !got.Has(KeyBotPrompt) || !got.Has(KeyCooldown) {
		t.Errorf("merge = %v", got.Keys)
	}
}
