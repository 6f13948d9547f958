// Package channel defines the notification-backend contract: send an
// approval prompt to a human, and later update that prompt with the final
// outcome.
//
// Any number of channels may be active at once. The broker requires at
// least one successful SendPrompt per approval request; UpdateOutcome is
// strictly best-effort and never retried.
package channel

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Prompt carries everything a channel needs to render an approval request.
// It deliberately excludes the secret value — prompts describe what is being
// asked for, never what it is.
type Prompt struct {
	RequestID string
	Item      string
	Field     string
	Container string
	Reason    string
}

// Handle identifies a sent prompt so the channel can later update it.
// MessageID is the channel-native message identifier; Ref is whatever
// addressing context the channel needs to find it again (chat id, room id).
type Handle struct {
	MessageID string
	Ref       string
}

// Channel is the notification-backend adapter contract.
type Channel interface {
	// Name identifies the channel in status output and audit records.
	Name() string

	// SendPrompt delivers an approval prompt and returns a handle to the
	// sent message.
	SendPrompt(ctx context.Context, p Prompt) (Handle, error)

	// UpdateOutcome annotates the previously sent prompt with the final
	// outcome. Best-effort: the broker ignores the returned error.
	UpdateOutcome(ctx context.Context, h Handle, approved bool, p Prompt) error

	// Validate checks the channel is usable. Called once at startup.
	Validate(ctx context.Context) error
}

// Factory constructs a Channel from its configuration section.
type Factory func(cfg map[string]string) (Channel, error)

// Registry maps channel names to factories, populated during startup wiring.
type Registry map[string]Factory

// New builds the named channel from cfg.
func (r Registry) New(name string, cfg map[string]string) (Channel, error) {
	f, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("unknown channel %q", name)
	}
	return f(cfg)
}

// Callback-data tokens are the opaque strings embedded in channel prompts
// and recognised by every callback ingress: "ag:approve:<id>" or
// "ag:deny:<id>" with id exactly 16 lowercase hex characters.

const tokenPrefix = "ag:"

var idPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// ApproveToken returns the callback-data string approving request id.
func ApproveToken(id string) string { return tokenPrefix + "approve:" + id }

// DenyToken returns the callback-data string denying request id.
func DenyToken(id string) string { return tokenPrefix + "deny:" + id }

// ParseCallbackData parses a callback-data token into its request id and
// decision. Returns an error for anything that is not a well-formed token.
func ParseCallbackData(data string) (id string, approved bool, err error) {
	rest, ok := strings.CutPrefix(data, tokenPrefix)
	if !ok {
		return "", false, fmt.Errorf("invalid callback data %q", data)
	}

	verb, id, ok := strings.Cut(rest, ":")
	if !ok {
		return "", false, fmt.Errorf("invalid callback data %q", data)
	}

	switch verb {
	case "approve":
		approved = true
	case "deny":
		approved = false
	default:
		return "", false, fmt.Errorf("invalid callback verb %q", verb)
	}

	if !idPattern.MatchString(id) {
		return "", false, fmt.Errorf("invalid request id in callback data %q", data)
	}
	return id, approved, nil
}
