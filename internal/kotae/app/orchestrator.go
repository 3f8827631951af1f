package app

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bdobrica/Kotae/common/trace"
	"github.com/bdobrica/Kotae/internal/kotae/chat"
	"github.com/bdobrica/Kotae/internal/kotae/config"
	"github.com/bdobrica/Kotae/internal/kotae/memory"
	"github.com/bdobrica/Kotae/internal/kotae/observability"
	"github.com/bdobrica/Kotae/internal/kotae/policy"
	"github.com/bdobrica/Kotae/internal/kotae/query"
)

// asker is the retrying query service. *query.Service implements it.
type asker interface {
	Ask(ctx context.Context, prompt string) (query.Outcome, error)
	SetPolicy(p query.Policy)
}

// turnLogger records one row per admitted event. *store.Store implements it.
type turnLogger interface {
	LogTurn(ctx context.Context, traceID, conversationID, author, message string) (int64, error)
	FinishTurn(ctx context.Context, id int64, outcome string, attempts int, d time.Duration, reply, errMsg string) error
}

// Turn outcomes written to the turn log.
const (
	turnReplied  = "replied"
	turnFallback = "fallback"
	turnFailed   = "failed"
)

// Settings are the orchestrator values that follow the config file.
type Settings struct {
	BotName          string
	BotPrompt        string
	FallbackReply    string
	AutoSelectNewDMs bool
}

// SettingsFromConfig extracts the orchestrator settings from cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		BotName:          cfg.BotName,
		BotPrompt:        cfg.BotPrompt,
		FallbackReply:    cfg.FallbackReply,
		AutoSelectNewDMs: cfg.AutoSelectNewDMs,
	}
}

// Orchestrator runs the per-event pipeline: filter, admit, record, compose,
// query, reply. Events are handled one at a time.
type Orchestrator struct {
	selfID  string
	policy  *policy.Policy
	memory  *memory.Store
	query   asker
	turns   turnLogger
	metrics *observability.Metrics

	// changes delivers config reloads; drained at the start of each event.
	changes  <-chan config.Change
	logLevel *slog.LevelVar
	// selectDM persists a newly auto-selected direct conversation.
	selectDM func(conversationID string) error
	now      func() time.Time

	mu       sync.Mutex
	settings Settings
}

// OrchestratorOptions wires an Orchestrator. Policy, Memory and Query are
// required; everything else is optional.
type OrchestratorOptions struct {
	SelfID   string
	Settings Settings
	Policy   *policy.Policy
	Memory   *memory.Store
	Query    asker
	Turns    turnLogger
	Metrics  *observability.Metrics
	Changes  <-chan config.Change
	LogLevel *slog.LevelVar
	SelectDM func(conversationID string) error
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	return &Orchestrator{
		selfID:   opts.SelfID,
		policy:   opts.Policy,
		memory:   opts.Memory,
		query:    opts.Query,
		turns:    opts.Turns,
		metrics:  opts.Metrics,
		changes:  opts.Changes,
		logLevel: opts.LogLevel,
		selectDM: opts.SelectDM,
		now:      time.Now,
		settings: opts.Settings,
	}
}

// HandleEvent processes one inbound event to completion. It never panics and
// never returns an error; every failure is logged and, once the event was
// admitted, answered with the fallback reply.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev chat.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.drainChanges(ctx)

	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	log := observability.WithTrace(ctx).With("conversation", ev.ConversationID())

	if ev.AuthorID() == o.selfID || ev.IsBot() || ev.Kind() == chat.KindOther {
		o.metrics.Event(observability.OutcomeFiltered)
		log.Debug("event filtered", "author", ev.AuthorID(), "kind", ev.Kind().String(), "bot", ev.IsBot())
		return
	}

	id := ev.ConversationID()
	if ev.Kind() == chat.KindDirect && o.settings.AutoSelectNewDMs {
		o.autoSelect(log, id)
	}

	now := o.now()
	if !o.policy.Admit(id, now) {
		o.metrics.Event(observability.OutcomeNotAdmitted)
		log.Debug("event not admitted", "eligible", o.policy.State().IsEligible(id))
		return
	}
	o.policy.State().MarkReplied(now)

	o.respond(ctx, log, ev, now)
}

// respond runs the record, compose, query and reply steps. A panic in any of
// them is recovered and logged.
func (o *Orchestrator) respond(ctx context.Context, log *slog.Logger, ev chat.Event, now time.Time) {
	var (
		turnID int64
		start  = time.Now()
	)
	defer func() {
		if r := recover(); r != nil {
			o.metrics.Event(observability.OutcomeFailed)
			log.Error("panic while handling event", "panic", r, "stack", string(debug.Stack()))
			o.finishTurn(ctx, log, turnID, turnFailed, 0, start, "", "panic")
		}
	}()

	id := ev.ConversationID()
	turnID = o.logTurn(ctx, log, ev)

	if err := o.memory.Record(ctx, id, memory.Entry{
		Author:    ev.AuthorName(),
		Content:   ev.Content(),
		Timestamp: now,
	}); err != nil {
		log.Warn("could not persist conversation memory", "err", err)
	}

	history := o.memory.History(id)
	if n := len(history); n > 0 {
		history = history[:n-1]
	}
	prompt := composePrompt(o.settings.BotPrompt, ev.AuthorName(), history, ev.Content())

	out, err := o.query.Ask(ctx, prompt)
	if err != nil || !out.OK {
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
			log.Error("query failed; sending fallback reply", "attempts", out.Attempts, "err", err)
		} else {
			log.Warn("no reply available; sending fallback reply")
		}
		outcome := turnFallback
		if err := ev.Reply(ctx, o.settings.FallbackReply); err != nil {
			log.Error("could not send fallback reply", "err", err)
			outcome = turnFailed
			o.metrics.Event(observability.OutcomeFailed)
		} else {
			o.metrics.Reply("fallback")
			o.metrics.Event(observability.OutcomeFallback)
		}
		o.finishTurn(ctx, log, turnID, outcome, out.Attempts, start, "", errMsg)
		return
	}

	if err := ev.Reply(ctx, out.Reply); err != nil {
		o.metrics.Event(observability.OutcomeFailed)
		log.Error("could not send reply", "err", err)
		o.finishTurn(ctx, log, turnID, turnFailed, out.Attempts, start, out.Reply, err.Error())
		return
	}
	o.metrics.Reply("generated")
	o.metrics.Event(observability.OutcomeReplied)

	if err := o.memory.Record(ctx, id, memory.Entry{
		Author:    o.settings.BotName,
		Content:   out.Reply,
		Timestamp: o.now(),
	}); err != nil {
		log.Warn("could not persist conversation memory", "err", err)
	}
	log.Info("reply sent", "attempts", out.Attempts, "duration", time.Since(start))
	o.finishTurn(ctx, log, turnID, turnReplied, out.Attempts, start, out.Reply, "")
}

// autoSelect makes a direct conversation eligible the first time it is seen
// and writes it back to the config file.
func (o *Orchestrator) autoSelect(log *slog.Logger, id string) {
	if !o.policy.State().AddEligible(id) {
		return
	}
	log.Info("auto-selected new direct conversation")
	if o.selectDM == nil {
		return
	}
	if err := o.selectDM(id); err != nil {
		log.Warn("could not persist auto-selected conversation", "err", err)
	}
}

func (o *Orchestrator) logTurn(ctx context.Context, log *slog.Logger, ev chat.Event) int64 {
	if o.turns == nil {
		return 0
	}
	id, err := o.turns.LogTurn(ctx, trace.FromContext(ctx), ev.ConversationID(), ev.AuthorID(), ev.Content())
	if err != nil {
		log.Warn("could not log turn", "err", err)
		return 0
	}
	return id
}

func (o *Orchestrator) finishTurn(ctx context.Context, log *slog.Logger, id int64, outcome string, attempts int, start time.Time, reply, errMsg string) {
	if o.turns == nil || id == 0 {
		return
	}
	if err := o.turns.FinishTurn(ctx, id, outcome, attempts, time.Since(start), reply, errMsg); err != nil {
		log.Warn("could not finish turn", "err", err)
	}
}

// drainChanges applies every pending config change. Callers hold o.mu.
func (o *Orchestrator) drainChanges(ctx context.Context) {
	for {
		select {
		case c, ok := <-o.changes:
			if !ok {
				o.changes = nil
				return
			}
			o.applyChange(ctx, c)
		default:
			return
		}
	}
}

func (o *Orchestrator) applyChange(ctx context.Context, c config.Change) {
	cfg := c.Config
	state := o.policy.State()
	if c.Has(config.KeyCooldown) {
		state.SetCooldown(cfg.Cooldown())
	}
	if c.Has(config.KeySelectedChannels) {
		state.SetEligible(cfg.SelectedChannels)
	}
	if c.Has(config.KeyMaxRetries) || c.Has(config.KeyRetryDelay) {
		o.query.SetPolicy(query.Policy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryDelay.D()})
	}
	if c.Has(config.KeyMaxSavedMessages) {
		o.memory.SetCapacity(cfg.MaxSavedMessages)
		if err := o.memory.Save(ctx); err != nil {
			slog.Warn("could not persist truncated conversation memory", "err", err)
		}
	}
	if c.Has(config.KeyBotPrompt) {
		o.settings.BotPrompt = cfg.BotPrompt
	}
	if c.Has(config.KeyFallbackReply) {
		o.settings.FallbackReply = cfg.FallbackReply
	}
	if c.Has(config.KeyAutoSelectNewDMs) {
		o.settings.AutoSelectNewDMs = cfg.AutoSelectNewDMs
	}
	if c.Has(config.KeyLogLevel) && o.logLevel != nil {
		o.logLevel.Set(observability.ParseLevel(cfg.LogLevel))
	}
	slog.Info("configuration change applied", "keys", c.Keys)
}
