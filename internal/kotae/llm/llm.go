// Package llm is the streaming client for the chat-completion endpoint Kotae
// answers with (Ollama /api/chat by default, OpenAI-compatible SSE streams
// are understood too).
//
// A Client sends one system message and one user message per query and
// concatenates the streamed content fragments into the reply.
package llm

import (
	"errors"
	"fmt"
)

// Placeholder is returned in place of an empty model reply.
const Placeholder = "..."

// ErrUninitialized is returned by Query before Setup or after Close.
var ErrUninitialized = errors.New("llm: client not initialized")

// Role is the role of a chat message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Message is a single chat message on the wire.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UpstreamError reports a transport failure, a timeout or a non-2xx status
// from the model endpoint. StatusCode is 0 when no response was received.
type UpstreamError struct {
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm: upstream status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm: upstream request failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
