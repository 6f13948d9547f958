// Package dropdir implements the filesystem callback ingress.
//
// A watcher or integration that cannot reach the HTTP listener resolves a
// pending approval by writing <requestId>.json with body {"approved": bool}
// into the pending drop directory. One shared scanner, keyed off the pending
// registry, polls the directory on a fixed cadence and consumes files whose
// name matches an outstanding id.
//
// The unlink is the commit point: a file is removed before its resolver runs
// so it can never be observed again by a later scan. Files for unknown ids
// are left in place (an external writer may still be racing registration),
// as are files that fail to read or parse.
package dropdir

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rudenavuud/agent-gate/internal/gate/pending"
)

// pollInterval is the fixed scan cadence. It bounds perceived approval
// latency only when the HTTP callback path is unavailable.
const pollInterval = 500 * time.Millisecond

// resolution is the drop file body.
type resolution struct {
	Approved bool `json:"approved"`
}

// Poller scans the pending drop directory and resolves matching requests.
type Poller struct {
	dir      string
	registry *pending.Registry
	interval time.Duration
}

// New creates a Poller over dir.
func New(dir string, registry *pending.Registry) *Poller {
	return &Poller{
		dir:      dir,
		registry: registry,
		interval: pollInterval,
	}
}

// Start creates the drop directory and begins scanning until ctx is done.
func (p *Poller) Start(ctx context.Context) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("create pending drop directory %s: %w", p.dir, err)
	}
	slog.Info("pending drop directory watched", "dir", p.dir, "interval", p.interval)

	go p.loop(ctx)
	return nil
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Scan()
		}
	}
}

// Scan performs one pass over the drop directory: for every file named after
// a currently pending id, read, parse, unlink, then resolve.
func (p *Poller) Scan() {
	ids := p.registry.IDs()
	if len(ids) == 0 {
		return
	}

	for _, id := range ids {
		path := filepath.Join(p.dir, id+".json")

		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			slog.Warn("drop file unreadable", "path", path, "err", err)
			continue
		}

		var res resolution
		if err := json.Unmarshal(data, &res); err != nil {
			// Possibly a partial write; the writer may still finish it.
			slog.Debug("drop file not yet parseable", "path", path, "err", err)
			continue
		}

		// Commit point: the file must be gone before the resolver wakes the
		// suspended request.
		if err := os.Remove(path); err != nil {
			slog.Warn("drop file unlink failed", "path", path, "err", err)
			continue
		}

		resolved := p.registry.Resolve(id, res.Approved)
		slog.Info("drop file resolution", "request", id, "approved", res.Approved, "resolved", resolved)
	}
}
