package domain

import (
	"fmt"
	"strings"
	"time"
)

// Speaker roles as stored in the comment tables.
const (
	RoleCustomer = "customer"
	RoleAgent    = "service"
	RoleSystem   = "system"
)

type Message struct {
	ID        int64
	Role      string
	UserID    string
	Name      string
	Content   string
	CreatedAt time.Time
}

// Conversation is the ordered message sequence of one work order. It is
// immutable once fetched; denoising returns a new Conversation.
type Conversation struct {
	WorkID   int64
	Messages []Message
}

func (c Conversation) Len() int { return len(c.Messages) }

// WorkOrder bundles the order metadata with its conversation. It is what
// a conversation source hands the processor for one pending record.
type WorkOrder struct {
	WorkID       int64
	OrderID      int64
	OrderNo      string
	Conversation Conversation
}

// Text renders the full transcript, one "name: content" line per message,
// the format the classification prompt and persisted outcome use.
func (c Conversation) Text() string {
	var b strings.Builder
	for _, m := range c.Messages {
		name := m.Name
		if name == "" {
			name = m.Role
		}
		fmt.Fprintf(&b, "%s: %s\n", name, strings.TrimSpace(m.Content))
	}
	return strings.TrimRight(b.String(), "\n")
}

// AgentText concatenates only agent-authored content. Prescreening scores
// the service side of the dialogue, not the customer side.
func (c Conversation) AgentText() string {
	var b strings.Builder
	for _, m := range c.Messages {
		if m.Role == RoleAgent {
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (c Conversation) CountByRole(role string) int {
	n := 0
	for _, m := range c.Messages {
		if m.Role == role {
			n++
		}
	}
	return n
}

// SessionBounds returns the timestamps of the first and last message.
// ok is false for an empty conversation.
func (c Conversation) SessionBounds() (start, end time.Time, ok bool) {
	if len(c.Messages) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return c.Messages[0].CreatedAt, c.Messages[len(c.Messages)-1].CreatedAt, true
}
