// Package provider defines the uniform contract the broker uses to parse
// secret references and fetch values from an arbitrary secret backend.
//
// Exactly one provider is active per broker instance, selected by name at
// startup. The provider is stateless from the broker's perspective; the
// elevated flag on Fetch tells it to use the separately-stored high-privilege
// credential for gated reads.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnrecognized is returned by ParseReference when the string is not a
// reference this provider understands.
var ErrUnrecognized = errors.New("unrecognised secret reference")

// Reference is a parsed secret reference. The broker only assigns meaning to
// Container (open/gated classification); Item and Field are opaque and used
// for audit records and standing-approval matching.
type Reference struct {
	Container string
	Item      string
	Field     string

	// Raw is the original reference string, passed back to Fetch verbatim.
	Raw string
}

// Provider is the secret-backend adapter contract.
type Provider interface {
	// Name identifies the provider in status output and audit records.
	Name() string

	// ParseReference parses a raw reference string. Returns ErrUnrecognized
	// (possibly wrapped) when the string is not a valid reference.
	ParseReference(raw string) (Reference, error)

	// Fetch retrieves the secret value. elevated is true for all gated
	// reads and signals the provider to authenticate with its separately
	// stored high-privilege credential.
	Fetch(ctx context.Context, ref Reference, elevated bool) (string, error)

	// Validate checks that the provider is usable (credentials present,
	// backend reachable). Called once at startup; failure is fatal.
	Validate(ctx context.Context) error
}

// Factory constructs a Provider from its nested configuration section.
type Factory func(cfg map[string]string) (Provider, error)

// Registry maps provider names to factories. It is populated during startup
// wiring and read-only afterwards.
type Registry map[string]Factory

// New builds the named provider from cfg.
func (r Registry) New(name string, cfg map[string]string) (Provider, error) {
	f, ok := r[name]
	if !ok {
		return Provider(nil), fmt.Errorf("unknown provider %q", name)
	}
	return f(cfg)
}
