package environment_test

import (
	"testing"

	"github.com/rudenavuud/agent-gate/common/environment"
)

func TestStringOr(t *testing.T) {
	t.Setenv("AG_TEST_SET", "value")
	t.Setenv("AG_TEST_EMPTY", "")

	tests := []struct {
		name string
		key  string
		def  string
		want string
	}{
		{"set", "AG_TEST_SET", "fallback", "value"},
		{"empty falls back", "AG_TEST_EMPTY", "fallback", "fallback"},
		{"unset falls back", "AG_TEST_UNSET", "fallback", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := environment.StringOr(tt.key, tt.def); got != tt.want {
				t.Errorf("StringOr(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestBoolOr(t *testing.T) {
	t.Setenv("AG_TEST_TRUE", "1")
	t.Setenv("AG_TEST_FALSE", "false")
	t.Setenv("AG_TEST_GARBAGE", "yes-ish")

	if !environment.BoolOr("AG_TEST_TRUE", false) {
		t.Error("expected true for \"1\"")
	}
	if environment.BoolOr("AG_TEST_FALSE", true) {
		t.Error("expected false for \"false\"")
	}
	if !environment.BoolOr("AG_TEST_GARBAGE", true) {
		t.Error("expected default for unparseable value")
	}
	if environment.BoolOr("AG_TEST_UNSET", false) {
		t.Error("expected default for unset variable")
	}
}
