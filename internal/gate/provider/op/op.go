// Package op implements the 1Password provider over the `op` CLI.
//
// References take the form op://<vault>/<item>/<field>. Fetches shell out to
// `op read` with a service-account token injected through the environment.
// Two token files are configured: the regular one, readable by the broker's
// caller-facing identity, and the elevated one, held in a directory only the
// broker user can read. Gated reads always use the elevated token, which is
// what keeps the high-privilege credential out of the requesting agent's
// reach.
package op

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rudenavuud/agent-gate/common/redact"
	"github.com/rudenavuud/agent-gate/internal/gate/provider"
)

const refPrefix = "op://"

// Provider fetches secrets via the 1Password CLI.
type Provider struct {
	binary            string
	tokenFile         string
	elevatedTokenFile string

	// runCommand is swapped out in tests.
	runCommand func(ctx context.Context, binary string, args []string, token string) (string, string, error)
}

// New constructs the provider from its config section. Recognised keys:
//
//	token_file          path to the service-account token for open reads (required)
//	elevated_token_file path to the high-privilege token for gated reads (required)
//	binary              op CLI binary (default "op")
func New(cfg map[string]string) (provider.Provider, error) {
	p := &Provider{
		binary:            cfg["binary"],
		tokenFile:         cfg["token_file"],
		elevatedTokenFile: cfg["elevated_token_file"],
		runCommand:        runOp,
	}
	if p.binary == "" {
		p.binary = "op"
	}
	if p.tokenFile == "" {
		return nil, fmt.Errorf("op provider: token_file is required")
	}
	if p.elevatedTokenFile == "" {
		return nil, fmt.Errorf("op provider: elevated_token_file is required")
	}
	return p, nil
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "op" }

// ParseReference parses op://<vault>/<item>/<field>.
func (p *Provider) ParseReference(raw string) (provider.Reference, error) {
	if !strings.HasPrefix(raw, refPrefix) {
		return provider.Reference{}, fmt.Errorf("%w: %q", provider.ErrUnrecognized, raw)
	}
	parts := strings.Split(strings.TrimPrefix(raw, refPrefix), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return provider.Reference{}, fmt.Errorf("%w: expected op://<vault>/<item>/<field>", provider.ErrUnrecognized)
	}
	return provider.Reference{
		Container: parts[0],
		Item:      parts[1],
		Field:     parts[2],
		Raw:       raw,
	}, nil
}

// Fetch runs `op read` with the token selected by elevated.
func (p *Provider) Fetch(ctx context.Context, ref provider.Reference, elevated bool) (string, error) {
	token, err := p.loadToken(elevated)
	if err != nil {
		return "", err
	}

	stdout, stderr, err := p.runCommand(ctx, p.binary, []string{"read", "--no-newline", ref.Raw}, token)
	if err != nil {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = err.Error()
		}
		// The CLI occasionally echoes its authentication material in error
		// output; strip it before the message reaches logs or the caller.
		return "", fmt.Errorf("op read %s/%s: %s", ref.Container, ref.Item, redact.String(msg, token))
	}
	return stdout, nil
}

// Validate checks the CLI is installed and both token files are readable.
func (p *Provider) Validate(ctx context.Context) error {
	if _, err := exec.LookPath(p.binary); err != nil {
		return fmt.Errorf("op provider: CLI %q not found: %w", p.binary, err)
	}
	for _, f := range []string{p.tokenFile, p.elevatedTokenFile} {
		if _, err := p.readTokenFile(f); err != nil {
			return fmt.Errorf("op provider: %w", err)
		}
	}
	return nil
}

func (p *Provider) loadToken(elevated bool) (string, error) {
	file := p.tokenFile
	if elevated {
		file = p.elevatedTokenFile
	}
	token, err := p.readTokenFile(file)
	if err != nil {
		return "", fmt.Errorf("op provider: %w", err)
	}
	return token, nil
}

func (p *Provider) readTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file %s: %w", path, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return token, nil
}

// runOp executes the CLI with the service-account token in its environment.
func runOp(ctx context.Context, binary string, args []string, token string) (string, string, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = append(os.Environ(), "OP_SERVICE_ACCOUNT_TOKEN="+token)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
