// Package broker implements the request orchestrator: it classifies incoming
// secret requests, resolves them from standing approvals or the cache when
// possible, and otherwise fans prompts out to the notification channels and
// suspends until a callback, the deadline timer, or shutdown resolves the
// pending entry.
//
// The orchestrator never panics out of a request: every path terminates in a
// value or an error, and the error text is what the caller sees. Audit events
// for one request are emitted in causal order.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rudenavuud/agent-gate/common/trace"
	"github.com/rudenavuud/agent-gate/internal/gate/audit"
	"github.com/rudenavuud/agent-gate/internal/gate/cache"
	"github.com/rudenavuud/agent-gate/internal/gate/channel"
	"github.com/rudenavuud/agent-gate/internal/gate/history"
	"github.com/rudenavuud/agent-gate/internal/gate/pending"
	"github.com/rudenavuud/agent-gate/internal/gate/provider"
	"github.com/rudenavuud/agent-gate/internal/gate/standing"
)

// Caller-visible error messages. Denial and timeout share the error shape
// (the message alone distinguishes them for human diagnosis).
var (
	ErrInvalidURI = errors.New("Invalid URI")
	ErrDenied     = errors.New("Request denied by operator")
	ErrShutdown   = errors.New("Request denied: broker is shutting down")
	ErrNoChannels = errors.New("Failed to send approval request to any channel")
)

// Config assembles the orchestrator's collaborators.
type Config struct {
	Provider provider.Provider
	Channels []channel.Channel
	Registry *pending.Registry
	Cache    *cache.Cache
	Audit    *audit.Logger
	// History is optional; nil disables request-history recording.
	History  *history.Store
	Standing []standing.Rule
	// Open and Gated are lower-cased container names.
	Open  []string
	Gated []string
	// ApprovalTimeout is the deadline for gated approvals.
	ApprovalTimeout time.Duration
}

// Broker orchestrates secret read requests.
type Broker struct {
	provider provider.Provider
	channels []channel.Channel
	registry *pending.Registry
	cache    *cache.Cache
	audit    *audit.Logger
	history  *history.Store
	standing []standing.Rule
	open     map[string]bool
	gated    map[string]bool
	timeout  time.Duration
	started  time.Time
	now      func() time.Time
}

// New creates a Broker.
func New(cfg Config) *Broker {
	return &Broker{
		provider: cfg.Provider,
		channels: cfg.Channels,
		registry: cfg.Registry,
		cache:    cfg.Cache,
		audit:    cfg.Audit,
		history:  cfg.History,
		standing: cfg.Standing,
		open:     toSet(cfg.Open),
		gated:    toSet(cfg.Gated),
		timeout:  cfg.ApprovalTimeout,
		started:  time.Now(),
		now:      time.Now,
	}
}

// Status is the snapshot served by the transport's status action.
type Status struct {
	Pending       int
	CacheSize     int
	UptimeSeconds int
	Channels      []string
	Provider      string
}

// Pending returns the number of outstanding approvals.
func (b *Broker) Pending() int {
	return b.registry.Snapshot()
}

// Status returns the broker's current status snapshot.
func (b *Broker) Status() Status {
	names := make([]string, len(b.channels))
	for i, ch := range b.channels {
		names[i] = ch.Name()
	}
	return Status{
		Pending:       b.registry.Snapshot(),
		CacheSize:     b.cache.Len(),
		UptimeSeconds: int(time.Since(b.started).Seconds()),
		Channels:      names,
		Provider:      b.provider.Name(),
	}
}

// Read handles one read request and returns the secret value or the error
// the caller should see.
func (b *Broker) Read(ctx context.Context, uri, reason string) (string, error) {
	ref, err := b.provider.ParseReference(uri)
	if err != nil {
		return "", ErrInvalidURI
	}

	container := strings.ToLower(ref.Container)
	switch {
	case b.open[container]:
		return b.readOpen(ctx, ref)
	case b.gated[container]:
		return b.readGated(ctx, ref, reason)
	default:
		return "", fmt.Errorf("Vault %q is not configured as open or gated", ref.Container)
	}
}

// readOpen serves a read from an open container: no approval, no elevation.
func (b *Broker) readOpen(ctx context.Context, ref provider.Reference) (string, error) {
	b.audit.Event(audit.ActionRead, audit.Record{
		"result": audit.ResultAllowed,
		"uri":    ref.Raw,
		"vault":  ref.Container,
		"item":   ref.Item,
		"trace":  trace.FromContext(ctx),
	})

	value, err := b.provider.Fetch(ctx, ref, false)
	if err != nil {
		b.auditReadError(ctx, ref, "", err)
		return "", err
	}
	return value, nil
}

// readGated runs the approval pipeline for a gated container.
func (b *Broker) readGated(ctx context.Context, ref provider.Reference, reason string) (string, error) {
	// A missing reason never reaches approval consideration, so it is
	// deliberately not audited.
	if strings.TrimSpace(reason) == "" {
		return "", fmt.Errorf("Reason is REQUIRED when reading gated vault %q; say why the secret is needed", ref.Container)
	}

	if rule := standing.Match(b.standing, ref.Item, reason); rule != nil {
		return b.readStanding(ctx, ref, reason, rule)
	}

	if value, ok := b.cache.Lookup(ref.Raw); ok {
		b.audit.Event(audit.ActionRead, audit.Record{
			"result": audit.ResultCacheHit,
			"uri":    ref.Raw,
			"vault":  ref.Container,
			"item":   ref.Item,
			"trace":  trace.FromContext(ctx),
		})
		return value, nil
	}

	return b.readApproved(ctx, ref, reason)
}

// readStanding serves a gated read pre-authorised by a standing rule.
func (b *Broker) readStanding(ctx context.Context, ref provider.Reference, reason string, rule *standing.Rule) (string, error) {
	b.audit.Event(audit.ActionRead, audit.Record{
		"result": audit.ResultStandingApproval,
		"uri":    ref.Raw,
		"vault":  ref.Container,
		"item":   ref.Item,
		"reason": reason,
		"rule":   rule.Note,
		"trace":  trace.FromContext(ctx),
	})

	value, err := b.provider.Fetch(ctx, ref, true)
	if err != nil {
		b.auditReadError(ctx, ref, "", err)
		return "", err
	}

	b.audit.Event(audit.ActionRead, audit.Record{
		"result": audit.ResultStandingApprovedRead,
		"uri":    ref.Raw,
		"vault":  ref.Container,
		"item":   ref.Item,
		"trace":  trace.FromContext(ctx),
	})
	return value, nil
}

// readApproved is the human-approval path: prompt, suspend, resolve.
func (b *Broker) readApproved(ctx context.Context, ref provider.Reference, reason string) (string, error) {
	id, err := pending.NewID()
	if err != nil {
		return "", fmt.Errorf("mint request id: %w", err)
	}
	createdAt := b.now()

	b.audit.Event(audit.ActionRequest, audit.Record{
		"result": audit.ResultPending,
		"id":     id,
		"uri":    ref.Raw,
		"vault":  ref.Container,
		"item":   ref.Item,
		"reason": reason,
		"trace":  trace.FromContext(ctx),
	})

	prompt := channel.Prompt{
		RequestID: id,
		Item:      ref.Item,
		Field:     ref.Field,
		Container: ref.Container,
		Reason:    reason,
	}

	type sentPrompt struct {
		ch     channel.Channel
		handle channel.Handle
	}
	var sent []sentPrompt
	for _, ch := range b.channels {
		handle, err := ch.SendPrompt(ctx, prompt)
		if err != nil {
			b.audit.Event(audit.ActionChannelError, audit.Record{
				"id":      id,
				"channel": ch.Name(),
				"error":   err.Error(),
				"trace":   trace.FromContext(ctx),
			})
			slog.Warn("channel prompt failed", "channel", ch.Name(), "request", id, "err", err)
			continue
		}
		sent = append(sent, sentPrompt{ch: ch, handle: handle})
	}
	if len(sent) == 0 {
		return "", ErrNoChannels
	}

	done := b.registry.Register(id, b.timeout)
	slog.Info("approval pending", "request", id, "item", ref.Item, "vault", ref.Container, "timeout", b.timeout)

	// Suspend. Caller disconnects do not cancel the approval: an approved
	// secret is still fetched and audited even if nobody reads the response.
	outcome := <-done

	// updateOutcome is best-effort and issued at most once per prompt.
	notify := func(approved bool) {
		for _, s := range sent {
			if err := s.ch.UpdateOutcome(ctx, s.handle, approved, prompt); err != nil {
				slog.Debug("channel outcome update failed", "channel", s.ch.Name(), "request", id, "err", err)
			}
		}
	}

	switch outcome {
	case pending.OutcomeApproved:
		b.audit.Event(audit.ActionApproved, audit.Record{
			"id":    id,
			"uri":   ref.Raw,
			"item":  ref.Item,
			"trace": trace.FromContext(ctx),
		})
		notify(true)
		b.recordHistory(ctx, id, ref, reason, outcome, createdAt)

		value, err := b.provider.Fetch(ctx, ref, true)
		if err != nil {
			b.auditReadError(ctx, ref, id, err)
			return "", err
		}
		b.cache.Store(ref.Raw, value)
		b.audit.Event(audit.ActionRead, audit.Record{
			"result": audit.ResultApprovedRead,
			"id":     id,
			"uri":    ref.Raw,
			"vault":  ref.Container,
			"item":   ref.Item,
			"trace":  trace.FromContext(ctx),
		})
		return value, nil

	case pending.OutcomeDenied:
		b.audit.Event(audit.ActionDenied, audit.Record{
			"id":    id,
			"uri":   ref.Raw,
			"item":  ref.Item,
			"trace": trace.FromContext(ctx),
		})
		notify(false)
		b.recordHistory(ctx, id, ref, reason, outcome, createdAt)
		return "", ErrDenied

	case pending.OutcomeTimeout:
		notify(false)
		b.audit.Event(audit.ActionTimeout, audit.Record{
			"id":         id,
			"uri":        ref.Raw,
			"item":       ref.Item,
			"timeout_ms": b.timeout.Milliseconds(),
			"trace":      trace.FromContext(ctx),
		})
		b.recordHistory(ctx, id, ref, reason, outcome, createdAt)
		return "", fmt.Errorf("Approval request timed out after %s", b.timeout)

	default: // pending.OutcomeShutdown
		// Shutdown resolves as a denial without notifying channels.
		b.audit.Event(audit.ActionDenied, audit.Record{
			"id":       id,
			"uri":      ref.Raw,
			"item":     ref.Item,
			"shutdown": true,
			"trace":    trace.FromContext(ctx),
		})
		b.recordHistory(ctx, id, ref, reason, outcome, createdAt)
		return "", ErrShutdown
	}
}

func (b *Broker) auditReadError(ctx context.Context, ref provider.Reference, id string, err error) {
	rec := audit.Record{
		"uri":   ref.Raw,
		"vault": ref.Container,
		"item":  ref.Item,
		"error": err.Error(),
		"trace": trace.FromContext(ctx),
	}
	if id != "" {
		rec["id"] = id
	}
	b.audit.Event(audit.ActionReadError, rec)
}

func (b *Broker) recordHistory(ctx context.Context, id string, ref provider.Reference, reason string, outcome pending.Outcome, createdAt time.Time) {
	if b.history == nil {
		return
	}
	err := b.history.Record(ctx, history.Entry{
		ID:         id,
		Reference:  ref.Raw,
		Item:       ref.Item,
		Reason:     reason,
		Outcome:    outcome.String(),
		CreatedAt:  createdAt,
		ResolvedAt: b.now(),
	})
	if err != nil {
		slog.Warn("history record failed", "request", id, "err", err)
	}
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = true
	}
	return set
}
