package matrix

import (
	"context"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Kotae/internal/kotae/chat"
)

// replier posts a threaded reply. *Client implements it.
type replier interface {
	sendReply(ctx context.Context, roomID id.RoomID, to id.EventID, text string) error
}

// message adapts one Matrix m.room.message event to chat.Event.
type message struct {
	r       replier
	roomID  id.RoomID
	eventID id.EventID
	sender  id.UserID
	name    string
	kind    chat.Kind
	isBot   bool
	body    string
}

var _ chat.Event = (*message)(nil)

func (m *message) Kind() chat.Kind        { return m.kind }
func (m *message) ConversationID() string { return m.roomID.String() }
func (m *message) AuthorID() string       { return m.sender.String() }
func (m *message) AuthorName() string     { return m.name }
func (m *message) IsBot() bool            { return m.isBot }
func (m *message) Content() string        { return m.body }

func (m *message) Reply(ctx context.Context, text string) error {
	return m.r.sendReply(ctx, m.roomID, m.eventID, text)
}

// Classify maps a joined-member count to a conversation kind. A count of two
// is a direct chat; up to groupMax members is a group.
func Classify(joined, groupMax int) chat.Kind {
	switch {
	case joined == 2:
		return chat.KindDirect
	case joined >= 3 && joined <= groupMax:
		return chat.KindGroup
	default:
		return chat.KindOther
	}
}

// localpart returns "alice" for "@alice:example.org".
func localpart(userID id.UserID) string {
	s := strings.TrimPrefix(userID.String(), "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}
