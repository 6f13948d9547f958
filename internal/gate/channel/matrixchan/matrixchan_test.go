package matrixchan

import (
	"context"
	"errors"
	"strings"
	"testing"

	"maunium.net/go/mautrix/event"

	"github.com/rudenavuud/agent-gate/internal/gate/channel"
)

// fakeAPI records sent messages instead of talking to a homeserver.
type fakeAPI struct {
	sent      []sentMessage
	sendErr   error
	whoamiErr error
}

type sentMessage struct {
	roomID  string
	content *event.MessageEventContent
}

func (f *fakeAPI) sendMessage(ctx context.Context, roomID string, content *event.MessageEventContent) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, sentMessage{roomID: roomID, content: content})
	return "$event1", nil
}

func (f *fakeAPI) whoami(ctx context.Context) error { return f.whoamiErr }

func newTestChannel(api *fakeAPI) *Channel {
	return &Channel{client: api, roomID: "!approvals:example.com"}
}

func TestNew_RequiresAllKeys(t *testing.T) {
	cfg := map[string]string{
		"homeserver":   "https://matrix.example.com",
		"user_id":      "@gate:example.com",
		"access_token": "syt_secret",
		"room_id":      "!approvals:example.com",
	}
	for key := range cfg {
		broken := make(map[string]string, len(cfg))
		for k, v := range cfg {
			broken[k] = v
		}
		delete(broken, key)
		if _, err := New(broken); err == nil {
			t.Errorf("expected error without %s", key)
		}
	}
}

func TestSendPrompt_CarriesTokens(t *testing.T) {
	api := &fakeAPI{}
	c := newTestChannel(api)

	h, err := c.SendPrompt(context.Background(), channel.Prompt{
		RequestID: "0123456789abcdef",
		Item:      "stripe",
		Field:     "key",
		Container: "prod",
		Reason:    "check webhook",
	})
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if h.MessageID != "$event1" || h.Ref != "!approvals:example.com" {
		t.Errorf("handle = %+v", h)
	}

	if len(api.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(api.sent))
	}
	body := api.sent[0].content.Body
	for _, want := range []string{"ag:approve:0123456789abcdef", "ag:deny:0123456789abcdef", "check webhook", "stripe/key"} {
		if !strings.Contains(body, want) {
			t.Errorf("prompt body missing %q:\n%s", want, body)
		}
	}
	if api.sent[0].content.MsgType != event.MsgNotice {
		t.Errorf("msgtype = %v, want notice", api.sent[0].content.MsgType)
	}
}

func TestSendPrompt_Error(t *testing.T) {
	c := newTestChannel(&fakeAPI{sendErr: errors.New("M_FORBIDDEN")})
	if _, err := c.SendPrompt(context.Background(), channel.Prompt{RequestID: "0123456789abcdef"}); err == nil {
		t.Error("expected send error to propagate")
	}
}

func TestUpdateOutcome_RepliesToPrompt(t *testing.T) {
	api := &fakeAPI{}
	c := newTestChannel(api)

	p := channel.Prompt{RequestID: "0123456789abcdef", Item: "stripe", Field: "key"}
	h := channel.Handle{MessageID: "$event1", Ref: "!approvals:example.com"}
	if err := c.UpdateOutcome(context.Background(), h, true, p); err != nil {
		t.Fatalf("UpdateOutcome: %v", err)
	}

	if len(api.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(api.sent))
	}
	msg := api.sent[0]
	if !strings.Contains(msg.content.Body, "APPROVED") {
		t.Errorf("expected APPROVED verdict in %q", msg.content.Body)
	}
	if msg.content.RelatesTo == nil || msg.content.RelatesTo.InReplyTo == nil ||
		msg.content.RelatesTo.InReplyTo.EventID.String() != "$event1" {
		t.Error("outcome update should reply to the original prompt")
	}
}

func TestValidate(t *testing.T) {
	if err := newTestChannel(&fakeAPI{}).Validate(context.Background()); err != nil {
		t.Errorf("Validate: %v", err)
	}
	err := newTestChannel(&fakeAPI{whoamiErr: errors.New("M_UNKNOWN_TOKEN")}).Validate(context.Background())
	if err == nil {
		t.Error("expected Validate to fail on whoami error")
	}
}
