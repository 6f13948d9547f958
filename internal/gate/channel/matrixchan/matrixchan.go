// Package matrixchan implements the approval channel over a Matrix room.
//
// Prompts are posted as m.notice events carrying the broker's callback-data
// tokens on their own lines; an operator (or the session tailer watching the
// room log) feeds the chosen token back through the broker's
// /channel-callback ingress. Outcome updates are posted as replies to the
// original prompt.
package matrixchan

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/rudenavuud/agent-gate/internal/gate/channel"
)

// api is the subset of the Matrix client the channel needs. Defined as an
// interface so the channel can be unit-tested without a live homeserver.
type api interface {
	sendMessage(ctx context.Context, roomID string, content *event.MessageEventContent) (eventID string, err error)
	whoami(ctx context.Context) error
}

// Channel posts approval prompts to a single Matrix room.
type Channel struct {
	client api
	roomID string
}

// New constructs the channel from its config section. Recognised keys:
//
//	homeserver    homeserver base URL (required)
//	user_id       bot's Matrix user id (required)
//	access_token  bot's access token (required)
//	room_id       approval room id (required)
func New(cfg map[string]string) (channel.Channel, error) {
	for _, key := range []string{"homeserver", "user_id", "access_token", "room_id"} {
		if cfg[key] == "" {
			return nil, fmt.Errorf("matrix channel: %s is required", key)
		}
	}

	cli, err := mautrix.NewClient(cfg["homeserver"], id.UserID(cfg["user_id"]), cfg["access_token"])
	if err != nil {
		return nil, fmt.Errorf("matrix channel: create client: %w", err)
	}

	return &Channel{
		client: &mautrixAPI{cli: cli},
		roomID: cfg["room_id"],
	}, nil
}

// Name implements channel.Channel.
func (c *Channel) Name() string { return "matrix" }

// SendPrompt posts the approval request as a room notice.
func (c *Channel) SendPrompt(ctx context.Context, p channel.Prompt) (channel.Handle, error) {
	body := fmt.Sprintf(
		"🔐 Secret request %s\nItem: %s/%s (vault %s)\nReason: %s\nReply with one of:\n%s\n%s",
		p.RequestID, p.Item, p.Field, p.Container, p.Reason,
		channel.ApproveToken(p.RequestID), channel.DenyToken(p.RequestID),
	)
	content := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    body,
	}

	eventID, err := c.client.sendMessage(ctx, c.roomID, content)
	if err != nil {
		return channel.Handle{}, fmt.Errorf("matrix send prompt: %w", err)
	}
	return channel.Handle{MessageID: eventID, Ref: c.roomID}, nil
}

// UpdateOutcome posts the verdict as a reply to the original prompt.
func (c *Channel) UpdateOutcome(ctx context.Context, h channel.Handle, approved bool, p channel.Prompt) error {
	verdict := "✅ APPROVED"
	if !approved {
		verdict = "❌ DENIED"
	}
	content := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    fmt.Sprintf("%s — secret request %s (%s/%s)", verdict, p.RequestID, p.Item, p.Field),
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(h.MessageID)},
		},
	}

	if _, err := c.client.sendMessage(ctx, h.Ref, content); err != nil {
		return fmt.Errorf("matrix update outcome: %w", err)
	}
	return nil
}

// Validate confirms the access token works via /account/whoami.
func (c *Channel) Validate(ctx context.Context) error {
	if err := c.client.whoami(ctx); err != nil {
		return fmt.Errorf("matrix channel: %w", err)
	}
	return nil
}

// mautrixAPI adapts *mautrix.Client to the api interface.
type mautrixAPI struct {
	cli *mautrix.Client
}

func (m *mautrixAPI) sendMessage(ctx context.Context, roomID string, content *event.MessageEventContent) (string, error) {
	resp, err := m.cli.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID.String(), nil
}

func (m *mautrixAPI) whoami(ctx context.Context) error {
	_, err := m.cli.Whoami(ctx)
	return err
}
