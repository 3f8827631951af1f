// Package matrix connects Kotae to a Matrix homeserver with mautrix-go.
//
// The client syncs continuously, joins rooms it is invited to and hands every
// text message to a Handler as a chat.Event. Rooms are classified by their
// joined-member count: two members is a direct chat, a handful is a group,
// anything larger is ignored by the pipeline.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Kotae/common/redact"
	"github.com/bdobrica/Kotae/common/retry"
	"github.com/bdobrica/Kotae/internal/kotae/chat"
)

const (
	syncBackoffMin = 2 * time.Second
	syncBackoffMax = 5 * time.Minute

	// roomInfoTTL bounds how long a membership count is trusted when no
	// member event for the room has been seen.
	roomInfoTTL = 10 * time.Minute
)

// Config holds the Matrix connection parameters.
type Config struct {
	Homeserver      string
	UserID          string
	AccessToken     string
	GroupMaxMembers int
	// DB persists the sync token across restarts. When nil, an in-memory
	// store is used and recent history is skipped on every start instead.
	DB *sql.DB
}

// Handler receives every inbound text message.
type Handler func(ctx context.Context, ev chat.Event)

type memberLister interface {
	JoinedMembers(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinedMembers, error)
}

type roomInfo struct {
	joined  int
	names   map[id.UserID]string
	fetched time.Time
}

// Client is the Kotae Matrix client.
type Client struct {
	mxc     *mautrix.Client
	cfg     Config
	members memberLister

	mu    sync.Mutex
	rooms map[id.RoomID]roomInfo
}

// New creates a client but does not start syncing.
func New(cfg Config) (*Client, error) {
	mxc, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	if cfg.DB != nil {
		mxc.Store = NewDBSyncStore(cfg.DB)
		slog.Info("matrix sync store: using persistent SQLite store")
	} else {
		slog.Warn("matrix sync store: no DB configured, using in-memory store")
	}
	return &Client{
		mxc:     mxc,
		cfg:     cfg,
		members: mxc,
		rooms:   make(map[id.RoomID]roomInfo),
	}, nil
}

// UserID returns the bot's Matrix user ID.
func (c *Client) UserID() string { return c.cfg.UserID }

// Run syncs until ctx is done, calling handler for each text message.
// Sync failures are retried with exponential back-off; Run only returns an
// error when the homeserver rejects the access token.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	slog.Warn("Matrix E2EE is not enabled; messages are transmitted in plaintext")

	syncer, ok := c.mxc.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnSync(c.mxc.DontProcessOldEvents)
	syncer.OnEventType(event.StateMember, c.handleMember)
	syncer.OnEventType(event.EventMessage, func(evCtx context.Context, evt *event.Event) {
		if ev, ok := c.toEvent(evCtx, evt); ok {
			handler(ctx, ev)
		}
	})

	backoff := retry.Exponential(syncBackoffMin, syncBackoffMax)
	failures := 0
	for {
		started := time.Now()
		err := c.mxc.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, mautrix.MUnknownToken) {
			return fmt.Errorf("matrix: access token rejected: %w", err)
		}
		if time.Since(started) > syncBackoffMax {
			failures = 0
		}
		delay := backoff(failures)
		failures++
		slog.Error("matrix sync stopped; reconnecting",
			"err", redact.Error(err, c.cfg.AccessToken), "backoff", delay)
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// handleMember joins rooms on invite and drops cached membership for rooms
// whose membership changed.
func (c *Client) handleMember(ctx context.Context, evt *event.Event) {
	c.mu.Lock()
	delete(c.rooms, evt.RoomID)
	c.mu.Unlock()

	mem := evt.Content.AsMember()
	if mem == nil || mem.Membership != event.MembershipInvite {
		return
	}
	if evt.GetStateKey() != c.cfg.UserID {
		return
	}
	if _, err := c.mxc.JoinRoomByID(ctx, evt.RoomID); err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("matrix: cannot join room, continuing", "room", evt.RoomID)
			return
		}
		slog.Error("matrix: join on invite failed", "room", evt.RoomID, "inviter", evt.Sender, "err", err)
		return
	}
	slog.Info("matrix: joined room on invite", "room", evt.RoomID, "inviter", evt.Sender)
}

// toEvent converts a room message to a chat.Event. Non-text messages are
// dropped. m.notice is the Matrix convention for automated senders.
func (c *Client) toEvent(ctx context.Context, evt *event.Event) (chat.Event, bool) {
	content := evt.Content.AsMessage()
	if content == nil {
		return nil, false
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
	default:
		return nil, false
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return nil, false
	}

	info := c.roomInfo(ctx, evt.RoomID)
	name := info.names[evt.Sender]
	if name == "" {
		name = localpart(evt.Sender)
	}
	return &message{
		r:       c,
		roomID:  evt.RoomID,
		eventID: evt.ID,
		sender:  evt.Sender,
		name:    name,
		kind:    Classify(info.joined, c.cfg.GroupMaxMembers),
		isBot:   content.MsgType == event.MsgNotice,
		body:    content.Body,
	}, true
}

// roomInfo returns the cached membership of roomID, refreshing it when stale.
// A failed lookup yields a zero count, which classifies as chat.KindOther.
func (c *Client) roomInfo(ctx context.Context, roomID id.RoomID) roomInfo {
	c.mu.Lock()
	info, ok := c.rooms[roomID]
	c.mu.Unlock()
	if ok && time.Since(info.fetched) < roomInfoTTL {
		return info
	}

	resp, err := c.members.JoinedMembers(ctx, roomID)
	if err != nil {
		slog.Warn("matrix: could not list room members", "room", roomID, "err", err)
		return roomInfo{}
	}
	info = roomInfo{
		joined:  len(resp.Joined),
		names:   make(map[id.UserID]string, len(resp.Joined)),
		fetched: time.Now(),
	}
	for uid, m := range resp.Joined {
		info.names[uid] = m.DisplayName
	}

	c.mu.Lock()
	c.rooms[roomID] = info
	c.mu.Unlock()
	return info
}

func (c *Client) sendReply(ctx context.Context, roomID id.RoomID, to id.EventID, text string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: to},
		},
	}
	if _, err := c.mxc.SendMessageEvent(ctx, roomID, event.EventMessage, &content); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}
