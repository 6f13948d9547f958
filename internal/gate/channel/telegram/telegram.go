// Package telegram implements the approval channel over the Telegram Bot
// API.
//
// Prompts are sent as a message with an inline keyboard whose buttons carry
// the broker's callback-data tokens verbatim; Telegram echoes the pressed
// button's callback_data back through whatever webhook or tailer feeds the
// broker's /channel-callback ingress. Outcome updates edit the original
// message so resolved prompts cannot be acted on twice.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rudenavuud/agent-gate/common/retry"
	"github.com/rudenavuud/agent-gate/internal/gate/channel"
)

const defaultAPIBase = "https://api.telegram.org"

// Channel posts approval prompts to a single Telegram chat.
type Channel struct {
	apiBase  string
	botToken string
	chatID   string
	client   *http.Client
}

// New constructs the channel from its config section. Recognised keys:
//
//	bot_token  Telegram bot token (required)
//	chat_id    target chat id (required)
//	api_base   API base URL override (tests, self-hosted bot API)
func New(cfg map[string]string) (channel.Channel, error) {
	c := &Channel{
		apiBase:  cfg["api_base"],
		botToken: cfg["bot_token"],
		chatID:   cfg["chat_id"],
		client:   &http.Client{Timeout: 15 * time.Second},
	}
	if c.botToken == "" {
		return nil, fmt.Errorf("telegram channel: bot_token is required")
	}
	if c.chatID == "" {
		return nil, fmt.Errorf("telegram channel: chat_id is required")
	}
	if c.apiBase == "" {
		c.apiBase = defaultAPIBase
	}
	return c, nil
}

// Name implements channel.Channel.
func (c *Channel) Name() string { return "telegram" }

// --- wire types (subset of the Bot API) ---

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sendMessageRequest struct {
	ChatID      string       `json:"chat_id"`
	Text        string       `json:"text"`
	ReplyMarkup *replyMarkup `json:"reply_markup,omitempty"`
}

type editMessageRequest struct {
	ChatID    string `json:"chat_id"`
	MessageID int    `json:"message_id"`
	Text      string `json:"text"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type sentMessage struct {
	MessageID int `json:"message_id"`
}

// SendPrompt posts the approval request with Approve/Deny buttons.
func (c *Channel) SendPrompt(ctx context.Context, p channel.Prompt) (channel.Handle, error) {
	req := sendMessageRequest{
		ChatID: c.chatID,
		Text: fmt.Sprintf("🔐 Secret request %s\nItem: %s/%s (vault %s)\nReason: %s",
			p.RequestID, p.Item, p.Field, p.Container, p.Reason),
		ReplyMarkup: &replyMarkup{
			InlineKeyboard: [][]inlineButton{{
				{Text: "✅ Approve", CallbackData: channel.ApproveToken(p.RequestID)},
				{Text: "❌ Deny", CallbackData: channel.DenyToken(p.RequestID)},
			}},
		},
	}

	var msg sentMessage
	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond}, func() error {
		return c.call(ctx, "sendMessage", req, &msg)
	})
	if err != nil {
		return channel.Handle{}, fmt.Errorf("telegram sendMessage: %w", err)
	}

	return channel.Handle{
		MessageID: strconv.Itoa(msg.MessageID),
		Ref:       c.chatID,
	}, nil
}

// UpdateOutcome edits the prompt message, removing the keyboard.
// Single-shot: update failures are the caller's to ignore.
func (c *Channel) UpdateOutcome(ctx context.Context, h Handle, approved bool, p channel.Prompt) error {
	messageID, err := strconv.Atoi(h.MessageID)
	if err != nil {
		return fmt.Errorf("telegram: malformed message handle %q", h.MessageID)
	}

	verdict := "✅ APPROVED"
	if !approved {
		verdict = "❌ DENIED"
	}
	req := editMessageRequest{
		ChatID:    h.Ref,
		MessageID: messageID,
		Text: fmt.Sprintf("%s — secret request %s\nItem: %s/%s (vault %s)",
			verdict, p.RequestID, p.Item, p.Field, p.Container),
	}

	if err := c.call(ctx, "editMessageText", req, nil); err != nil {
		return fmt.Errorf("telegram editMessageText: %w", err)
	}
	return nil
}

// Validate calls getMe to confirm the bot token works.
func (c *Channel) Validate(ctx context.Context) error {
	if err := c.call(ctx, "getMe", struct{}{}, nil); err != nil {
		return fmt.Errorf("telegram channel: %w", err)
	}
	return nil
}

// Handle is re-exported so UpdateOutcome's signature reads naturally.
type Handle = channel.Handle

// call POSTs a Bot API method and decodes the result into out (when non-nil).
func (c *Channel) call(ctx context.Context, method string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(data, &apiResp); err != nil {
		return fmt.Errorf("decode %s response (HTTP %d): %w", method, resp.StatusCode, err)
	}
	if !apiResp.OK {
		return fmt.Errorf("%s failed (HTTP %d): %s", method, resp.StatusCode, apiResp.Description)
	}

	if out != nil {
		if err := json.Unmarshal(apiResp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}
