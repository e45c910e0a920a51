// Package chat keeps the text transcript and presence count of a session and
// forwards outgoing text to the relay.
package chat

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
)

// Sender is the part of the signaling channel chat needs.
type Sender interface {
	Send(event string, args ...any) error
}

// Client is not safe for concurrent use; the session serializes calls.
type Client struct {
	out    Sender
	logger zerolog.Logger

	role domain.Role
	room domain.RoomID

	transcript []domain.ChatMessage
	queued     []string
	presence   int
}

func New(out Sender) *Client {
	return &Client{
		out:    out,
		logger: log.With().Str("module", "agent.chat").Logger(),
	}
}

// SendText echoes text into the transcript immediately and forwards it to
// the relay. Before a role and room are known the text is held and
// forwarded once they are. Blank text is ignored.
func (c *Client) SendText(text string) (domain.ChatMessage, bool, error) {
	if strings.TrimSpace(text) == "" {
		return domain.ChatMessage{}, false, nil
	}
	msg := c.append(domain.SenderSelf, text)
	if !c.ready() {
		c.queued = append(c.queued, text)
		c.logger.Debug().Int("queued", len(c.queued)).Msg("text held until paired")
		return msg, true, nil
	}
	return msg, true, c.forward(text)
}

// Bind records the role and room. Held text is forwarded once both are set.
func (c *Client) Bind(role domain.Role, room domain.RoomID) error {
	if role != domain.RoleUnassigned {
		c.role = role
	}
	if room != "" {
		c.room = room
	}
	if !c.ready() || len(c.queued) == 0 {
		return nil
	}
	held := c.queued
	c.queued = nil
	for i, text := range held {
		if err := c.forward(text); err != nil {
			c.queued = held[i+1:]
			return err
		}
	}
	return nil
}

func (c *Client) ready() bool {
	return c.role != domain.RoleUnassigned && c.room != ""
}

func (c *Client) forward(text string) error {
	return c.out.Send(protocol.EventSendMessage, text, c.role.Wire(), string(c.room))
}

// Receive appends a remote message.
func (c *Client) Receive(text string) domain.ChatMessage {
	return c.append(domain.SenderRemote, text)
}

func (c *Client) append(from domain.Sender, text string) domain.ChatMessage {
	msg := domain.ChatMessage{Sender: from, Text: text, Sequence: len(c.transcript)}
	c.transcript = append(c.transcript, msg)
	return msg
}

// SetPresence keeps the latest count received.
func (c *Client) SetPresence(n int) { c.presence = n }

func (c *Client) Presence() int { return c.presence }

// Queued is the number of texts waiting for pairing.
func (c *Client) Queued() int { return len(c.queued) }

// Transcript returns a copy of the transcript.
func (c *Client) Transcript() []domain.ChatMessage {
	out := make([]domain.ChatMessage, len(c.transcript))
	copy(out, c.transcript)
	return out
}
