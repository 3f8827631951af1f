// Package chat defines the platform-neutral view of an inbound message that
// the response pipeline works with. Platform adapters (internal/kotae/matrix)
// translate their native events into Event.
package chat

import "context"

// Kind classifies the conversation an event arrived in.
type Kind int

const (
	// KindOther covers conversations the bot never answers in, such as
	// large rooms or rooms whose membership could not be determined.
	KindOther Kind = iota
	// KindDirect is a one-to-one conversation with the bot.
	KindDirect
	// KindGroup is a small multi-party conversation.
	KindGroup
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindGroup:
		return "group"
	default:
		return "other"
	}
}

// Event is one inbound chat message.
type Event interface {
	Kind() Kind
	// ConversationID is the stable identifier of the conversation; memory and
	// eligibility are keyed by it.
	ConversationID() string
	AuthorID() string
	// AuthorName is the display name used in prompts and memory.
	AuthorName() string
	// IsBot reports whether the author is an automated account.
	IsBot() bool
	Content() string
	// Reply posts text into the conversation as a reply to this message.
	Reply(ctx context.Context, text string) error
}
