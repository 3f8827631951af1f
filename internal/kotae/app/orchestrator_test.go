package app

// Whitebox tests for the per-event pipeline. Events, the query service and
// the config channel are in-process stubs; memory and policy are real.

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Kotae/internal/kotae/chat"
	"github.com/bdobrica/Kotae/internal/kotae/config"
	"github.com/bdobrica/Kotae/internal/kotae/llm"
	"github.com/bdobrica/Kotae/internal/kotae/memory"
	"github.com/bdobrica/Kotae/internal/kotae/observability"
	"github.com/bdobrica/Kotae/internal/kotae/policy"
	"github.com/bdobrica/Kotae/internal/kotae/query"
	"github.com/bdobrica/Kotae/internal/kotae/store"
)

const (
	selfID  = "@kotae:example.org"
	room    = "!dm:example.org"
	alice   = "@alice:example.org"
	botName = "kotae"
)

// --- stub event ---

type fakeEvent struct {
	kind     chat.Kind
	convID   string
	authorID string
	name     string
	bot      bool
	content  string

	mu       sync.Mutex
	replies  []string
	replyErr error
}

func newEvent(content string) *fakeEvent {
	return &fakeEvent{kind: chat.KindDirect, convID: room, authorID: alice, name: "alice", content: content}
}

func (e *fakeEvent) Kind() chat.Kind        { return e.kind }
func (e *fakeEvent) ConversationID() string { return e.convID }
func (e *fakeEvent) AuthorID() string       { return e.authorID }
func (e *fakeEvent) AuthorName() string     { return e.name }
func (e *fakeEvent) IsBot() bool            { return e.bot }
func (e *fakeEvent) Content() string        { return e.content }

func (e *fakeEvent) Reply(_ context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replyErr != nil {
		return e.replyErr
	}
	e.replies = append(e.replies, text)
	return nil
}

func (e *fakeEvent) sent() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.replies...)
}

// --- stub query service ---

// capturingAsker records every prompt and answers with a fixed outcome.
type capturingAsker struct {
	outcome  query.Outcome
	err      error
	panicMsg string
	prompts  []string
	policies []query.Policy
}

func (c *capturingAsker) Ask(_ context.Context, prompt string) (query.Outcome, error) {
	c.prompts = append(c.prompts, prompt)
	if c.panicMsg != "" {
		panic(c.panicMsg)
	}
	return c.outcome, c.err
}

func (c *capturingAsker) SetPolicy(p query.Policy) { c.policies = append(c.policies, p) }

func replying(text string) *capturingAsker {
	return &capturingAsker{outcome: query.Outcome{Reply: text, OK: true, Attempts: 1}}
}

// failingCompleter fails every upstream call with a transport error.
type failingCompleter struct{ calls int }

func (f *failingCompleter) Query(context.Context, string) (string, error) {
	f.calls++
	return "", &llm.UpstreamError{StatusCode: http.StatusInternalServerError, Err: errors.New("boom")}
}

// --- helpers ---

type harness struct {
	orch    *Orchestrator
	state   *policy.State
	mem     *memory.Store
	metrics *observability.Metrics
	changes chan config.Change
	clock   time.Time
}

func newHarness(t *testing.T, q asker, eligible ...string) *harness {
	t.Helper()
	h := &harness{
		state:   policy.NewState(10*time.Second, eligible),
		mem:     memory.New(50, nil),
		metrics: observability.NewMetrics(),
		changes: make(chan config.Change, 1),
		clock:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.orch = NewOrchestrator(OrchestratorOptions{
		SelfID: selfID,
		Settings: Settings{
			BotName:       botName,
			BotPrompt:     "Hi {x}",
			FallbackReply: config.DefaultFallbackReply,
		},
		Policy:  policy.New(h.state),
		Memory:  h.mem,
		Query:   q,
		Metrics: h.metrics,
		Changes: h.changes,
	})
	h.orch.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

// --- scenarios ---

func TestHandleEvent_RepliesAndRemembers(t *testing.T) {
	q := replying("hey")
	h := newHarness(t, q, room)
	ev := newEvent("hello")

	h.orch.HandleEvent(context.Background(), ev)

	assert.Equal(t, []string{"hey"}, ev.sent())
	hist := h.mem.History(room)
	require.Len(t, hist, 2)
	assert.Equal(t, memory.Entry{Author: "alice", Content: "hello", Timestamp: h.clock}, hist[0])
	assert.Equal(t, botName, hist[1].Author)
	assert.Equal(t, "hey", hist[1].Content)

	require.Len(t, q.prompts, 1)
	assert.Equal(t, "Hi {x}\nMessage: hello", q.prompts[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsTotal.WithLabelValues(observability.OutcomeReplied)))
	assert.Equal(t, h.clock, h.state.LastReply())
}

func TestHandleEvent_UpstreamExhaustedSendsFallback(t *testing.T) {
	fc := &failingCompleter{}
	svc := query.New(fc, query.Policy{MaxRetries: 3, BaseDelay: 0}, nil)
	h := newHarness(t, svc, room)
	ev := newEvent("hello")

	h.orch.HandleEvent(context.Background(), ev)

	assert.Equal(t, 3, fc.calls)
	assert.Equal(t, []string{config.DefaultFallbackReply}, ev.sent())
	hist := h.mem.History(room)
	require.Len(t, hist, 1)
	assert.Equal(t, "hello", hist[0].Content)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RepliesTotal.WithLabelValues("fallback")))
}

func TestHandleEvent_AbsentReplySendsFallback(t *testing.T) {
	q := &capturingAsker{outcome: query.Outcome{}}
	h := newHarness(t, q, room)
	ev := newEvent("hello")

	h.orch.HandleEvent(context.Background(), ev)

	assert.Equal(t, []string{config.DefaultFallbackReply}, ev.sent())
	assert.Len(t, h.mem.History(room), 1)
}

func TestHandleEvent_IneligibleConversationIsIgnored(t *testing.T) {
	q := replying("hey")
	h := newHarness(t, q, "!other:example.org")
	ev := newEvent("hello")

	h.orch.HandleEvent(context.Background(), ev)

	assert.Empty(t, ev.sent())
	assert.Nil(t, h.mem.History(room))
	assert.Empty(t, q.prompts)
	assert.True(t, h.state.LastReply().IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsTotal.WithLabelValues(observability.OutcomeNotAdmitted)))
}

func TestHandleEvent_Filters(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fakeEvent)
	}{
		{"self authored", func(e *fakeEvent) { e.authorID = selfID }},
		{"bot flagged", func(e *fakeEvent) { e.bot = true }},
		{"other kind", func(e *fakeEvent) { e.kind = chat.KindOther }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := replying("hey")
			h := newHarness(t, q, room)
			ev := newEvent("hello")
			tt.mutate(ev)

			h.orch.HandleEvent(context.Background(), ev)

			assert.Empty(t, ev.sent())
			assert.Empty(t, q.prompts)
			assert.Nil(t, h.mem.History(room))
		})
	}
}

func TestHandleEvent_GroupConversationAnswered(t *testing.T) {
	q := replying("hey all")
	h := newHarness(t, q, "!group:example.org")
	ev := newEvent("hello")
	ev.kind = chat.KindGroup
	ev.convID = "!group:example.org"

	h.orch.HandleEvent(context.Background(), ev)
	assert.Equal(t, []string{"hey all"}, ev.sent())
}

func TestHandleEvent_CooldownIsGlobal(t *testing.T) {
	q := replying("hey")
	h := newHarness(t, q, room, "!b:example.org")

	h.orch.HandleEvent(context.Background(), newEvent("first"))

	h.advance(5 * time.Second)
	other := newEvent("second")
	other.convID = "!b:example.org"
	h.orch.HandleEvent(context.Background(), other)
	assert.Empty(t, other.sent(), "within cooldown")

	h.advance(5 * time.Second)
	third := newEvent("third")
	h.orch.HandleEvent(context.Background(), third)
	assert.Equal(t, []string{"hey"}, third.sent(), "exactly at cooldown")
}

func TestHandleEvent_PromptIncludesHistoryWithoutCurrentMessage(t *testing.T) {
	q := replying("hey")
	h := newHarness(t, q, room)
	h.state.SetCooldown(0)

	h.orch.HandleEvent(context.Background(), newEvent("hello"))
	h.orch.HandleEvent(context.Background(), newEvent("again"))

	require.Len(t, q.prompts, 2)
	assert.Equal(t, "Hi {x}\nalice: hello\nkotae: hey\nMessage: again", q.prompts[1])
	assert.Len(t, h.mem.History(room), 4)
}

func TestHandleEvent_PanicIsRecovered(t *testing.T) {
	q := &capturingAsker{panicMsg: "kaboom"}
	h := newHarness(t, q, room)
	ev := newEvent("hello")

	assert.NotPanics(t, func() { h.orch.HandleEvent(context.Background(), ev) })
	assert.Len(t, h.mem.History(room), 1, "user message recorded before the failure")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsTotal.WithLabelValues(observability.OutcomeFailed)))

	// The orchestrator keeps working afterwards.
	q.panicMsg = ""
	q.outcome = query.Outcome{Reply: "fine", OK: true}
	h.advance(time.Minute)
	next := newEvent("still there?")
	h.orch.HandleEvent(context.Background(), next)
	assert.Equal(t, []string{"fine"}, next.sent())
}

func TestHandleEvent_ReplyFailureSkipsBotEntry(t *testing.T) {
	h := newHarness(t, replying("hey"), room)
	ev := newEvent("hello")
	ev.replyErr = errors.New("homeserver down")

	h.orch.HandleEvent(context.Background(), ev)
	assert.Len(t, h.mem.History(room), 1)
}

func TestHandleEvent_PersistenceFailureIsSwallowed(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "memory.json")
	require.NoError(t, os.Mkdir(target, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "keep"), nil, 0o600))

	q := replying("hey")
	h := newHarness(t, q, room)
	h.orch.memory = memory.New(50, memory.NewFilePersister(target))
	ev := newEvent("hello")

	h.orch.HandleEvent(context.Background(), ev)

	assert.Equal(t, []string{"hey"}, ev.sent())
	assert.Len(t, h.orch.memory.History(room), 2)
}

func TestHandleEvent_AppliesPendingConfigChanges(t *testing.T) {
	q := replying("hey")
	h := newHarness(t, q)

	cfg := config.Default()
	cfg.SelectedChannels = []string{room}
	cfg.CooldownSeconds = 0
	cfg.BotPrompt = "Be kind to {name}."
	cfg.FallbackReply = "hmm"
	cfg.MaxRetries = 5
	cfg.MaxSavedMessages = 3
	h.changes <- config.Change{Config: cfg, Keys: []string{
		config.KeySelectedChannels, config.KeyCooldown, config.KeyBotPrompt,
		config.KeyFallbackReply, config.KeyMaxRetries, config.KeyMaxSavedMessages,
	}}

	ev := newEvent("hello")
	h.orch.HandleEvent(context.Background(), ev)

	assert.Equal(t, []string{"hey"}, ev.sent())
	require.Len(t, q.prompts, 1)
	assert.True(t, strings.HasPrefix(q.prompts[0], "Be kind to alice."), q.prompts[0])
	assert.Equal(t, time.Duration(0), h.state.Cooldown())
	assert.Equal(t, 3, h.mem.Capacity())
	require.Len(t, q.policies, 1)
	assert.Equal(t, query.Policy{MaxRetries: 5, BaseDelay: time.Second}, q.policies[0])
}

func TestHandleEvent_CapacityShrinkIsPersisted(t *testing.T) {
	memFile := filepath.Join(t.TempDir(), "memory.json")
	h := newHarness(t, replying("hey"))
	h.orch.memory = memory.New(50, memory.NewFilePersister(memFile))
	for _, c := range []string{"one", "two", "three", "four"} {
		h.orch.memory.Append(room, memory.Entry{Author: "alice", Content: c, Timestamp: h.clock})
	}
	require.NoError(t, h.orch.memory.Save(context.Background()))

	cfg := config.Default()
	cfg.MaxSavedMessages = 2
	h.changes <- config.Change{Config: cfg, Keys: []string{config.KeyMaxSavedMessages}}

	// Ineligible event: only the config drain runs, no Record follows.
	h.orch.HandleEvent(context.Background(), newEvent("hello"))

	reloaded := memory.New(50, memory.NewFilePersister(memFile))
	require.NoError(t, reloaded.Load(context.Background()))
	got := reloaded.History(room)
	require.Len(t, got, 2)
	assert.Equal(t, "three", got[0].Content)
	assert.Equal(t, "four", got[1].Content)
}

func TestHandleEvent_AutoSelectsNewDirectConversation(t *testing.T) {
	q := replying("hey")
	h := newHarness(t, q)
	h.orch.settings.AutoSelectNewDMs = true
	var persisted []string
	h.orch.selectDM = func(id string) error {
		persisted = append(persisted, id)
		return nil
	}

	ev := newEvent("hello")
	h.orch.HandleEvent(context.Background(), ev)

	assert.Equal(t, []string{"hey"}, ev.sent())
	assert.Equal(t, []string{room}, persisted)
	assert.True(t, h.state.IsEligible(room))

	// Groups are never auto-selected.
	group := newEvent("hi")
	group.kind = chat.KindGroup
	group.convID = "!group:example.org"
	h.advance(time.Minute)
	h.orch.HandleEvent(context.Background(), group)
	assert.Empty(t, group.sent())
	assert.Equal(t, []string{room}, persisted)
}

func TestHandleEvent_WritesTurnLog(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "kotae.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := &capturingAsker{outcome: query.Outcome{Reply: "hey", OK: true, Attempts: 2}}
	h := newHarness(t, q, room)
	h.orch.turns = st

	h.orch.HandleEvent(context.Background(), newEvent("hello"))

	turns, err := st.RecentTurns(context.Background(), room, 5)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, turnReplied, turns[0].Outcome)
	assert.Equal(t, 2, turns[0].Attempts)
	assert.Equal(t, "hey", turns[0].Reply)
	assert.True(t, strings.HasPrefix(turns[0].TraceID, "t_"))
}

func TestSelectChannel_EditsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	_, _, err := config.Load(path)
	require.NoError(t, err)

	require.NoError(t, SelectChannel(path, room))
	require.NoError(t, SelectChannel(path, room))
	cfg, _, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{room}, cfg.SelectedChannels)

	require.NoError(t, DeselectChannel(path, room))
	cfg, _, err = config.Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.SelectedChannels)
}
