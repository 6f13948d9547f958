package op

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rudenavuud/agent-gate/internal/gate/provider"
)

func writeToken(t *testing.T, name, value string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(value+"\n"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	return path
}

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(map[string]string{
		"token_file":          writeToken(t, "token", "ops_low"),
		"elevated_token_file": writeToken(t, "elevated", "ops_high"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p.(*Provider)
}

func TestNew_RequiresTokenFiles(t *testing.T) {
	if _, err := New(map[string]string{"elevated_token_file": "x"}); err == nil {
		t.Error("expected error when token_file missing")
	}
	if _, err := New(map[string]string{"token_file": "x"}); err == nil {
		t.Error("expected error when elevated_token_file missing")
	}
}

func TestParseReference(t *testing.T) {
	p := newTestProvider(t)

	tests := []struct {
		raw     string
		want    provider.Reference
		wantErr bool
	}{
		{raw: "op://prod/stripe/key", want: provider.Reference{Container: "prod", Item: "stripe", Field: "key", Raw: "op://prod/stripe/key"}},
		{raw: "op://pub/k/f", want: provider.Reference{Container: "pub", Item: "k", Field: "f", Raw: "op://pub/k/f"}},
		{raw: "vault://prod/x/y", wantErr: true},
		{raw: "op://prod/x", wantErr: true},
		{raw: "op://prod/x/y/z", wantErr: true},
		{raw: "op:///x/y", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := p.ParseReference(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseReference(%q): expected error", tt.raw)
			} else if !errors.Is(err, provider.ErrUnrecognized) {
				t.Errorf("ParseReference(%q): error %v is not ErrUnrecognized", tt.raw, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseReference(%q): %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseReference(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}

func TestFetch_SelectsTokenByElevation(t *testing.T) {
	p := newTestProvider(t)

	var gotTokens []string
	p.runCommand = func(ctx context.Context, binary string, args []string, token string) (string, string, error) {
		gotTokens = append(gotTokens, token)
		return "secret-value", "", nil
	}

	ref, _ := p.ParseReference("op://prod/db/pass")
	if _, err := p.Fetch(context.Background(), ref, false); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if _, err := p.Fetch(context.Background(), ref, true); err != nil {
		t.Fatalf("Fetch elevated: %v", err)
	}

	if len(gotTokens) != 2 || gotTokens[0] != "ops_low" || gotTokens[1] != "ops_high" {
		t.Errorf("tokens used = %v, want [ops_low ops_high]", gotTokens)
	}
}

func TestFetch_PassesRawReference(t *testing.T) {
	p := newTestProvider(t)

	var gotArgs []string
	p.runCommand = func(ctx context.Context, binary string, args []string, token string) (string, string, error) {
		gotArgs = args
		return "v", "", nil
	}

	ref, _ := p.ParseReference("op://prod/db/pass")
	if _, err := p.Fetch(context.Background(), ref, true); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(gotArgs) != 3 || gotArgs[0] != "read" || gotArgs[2] != "op://prod/db/pass" {
		t.Errorf("args = %v", gotArgs)
	}
}

func TestFetch_RedactsTokenFromErrors(t *testing.T) {
	p := newTestProvider(t)
	p.runCommand = func(ctx context.Context, binary string, args []string, token string) (string, string, error) {
		return "", "authorization failed for token ops_high", errors.New("exit status 1")
	}

	ref, _ := p.ParseReference("op://prod/db/pass")
	_, err := p.Fetch(context.Background(), ref, true)
	if err == nil {
		t.Fatal("expected fetch error")
	}
	if strings.Contains(err.Error(), "ops_high") {
		t.Errorf("error leaks the token: %v", err)
	}
	if !strings.Contains(err.Error(), "[REDACTED]") {
		t.Errorf("expected redaction marker in %v", err)
	}
}

func TestValidate_MissingTokenFile(t *testing.T) {
	p, err := New(map[string]string{
		"token_file":          writeToken(t, "token", "ops_low"),
		"elevated_token_file": filepath.Join(t.TempDir(), "absent"),
		"binary":              "sh", // present on any test host
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Validate(context.Background()); err == nil {
		t.Error("expected Validate to fail for missing elevated token file")
	}
}
