// Package app assembles and runs the broker daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rudenavuud/agent-gate/common/redact"
	"github.com/rudenavuud/agent-gate/internal/gate/audit"
	"github.com/rudenavuud/agent-gate/internal/gate/broker"
	"github.com/rudenavuud/agent-gate/internal/gate/cache"
	"github.com/rudenavuud/agent-gate/internal/gate/channel"
	"github.com/rudenavuud/agent-gate/internal/gate/channel/matrixchan"
	"github.com/rudenavuud/agent-gate/internal/gate/channel/telegram"
	"github.com/rudenavuud/agent-gate/internal/gate/config"
	"github.com/rudenavuud/agent-gate/internal/gate/dropdir"
	"github.com/rudenavuud/agent-gate/internal/gate/history"
	"github.com/rudenavuud/agent-gate/internal/gate/httpd"
	"github.com/rudenavuud/agent-gate/internal/gate/pending"
	"github.com/rudenavuud/agent-gate/internal/gate/provider"
	"github.com/rudenavuud/agent-gate/internal/gate/provider/op"
	"github.com/rudenavuud/agent-gate/internal/gate/sockd"
)

// validateTimeout bounds startup validation calls against provider and
// channel backends.
const validateTimeout = 15 * time.Second

// providerRegistry lists the providers compiled into this binary.
func providerRegistry() provider.Registry {
	return provider.Registry{
		"op": op.New,
	}
}

// channelRegistry lists the notification channels compiled into this binary.
func channelRegistry() channel.Registry {
	return channel.Registry{
		"telegram": telegram.New,
		"matrix":   matrixchan.New,
	}
}

// App is the assembled broker daemon.
type App struct {
	cfg      *config.Config
	auditLog *audit.Logger
	registry *pending.Registry
	broker   *broker.Broker
	hist     *history.Store
	sock     *sockd.Server
	callback *httpd.Server
	poller   *dropdir.Poller

	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New builds the daemon from its configuration. The provider must validate
// or New fails; channels that fail validation are kept with a warning (their
// failures surface per-request as channel errors).
func New(cfg *config.Config) (*App, error) {
	auditLog := audit.New(cfg.AuditLog)

	prov, err := providerRegistry().New(cfg.Provider.Name, cfg.Provider.Config)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", cfg.Provider.Name, err)
	}
	vctx, vcancel := context.WithTimeout(context.Background(), validateTimeout)
	defer vcancel()
	if err := prov.Validate(vctx); err != nil {
		return nil, fmt.Errorf("provider %q failed validation: %w", cfg.Provider.Name, err)
	}
	slog.Info("provider ready", "provider", prov.Name(), "config", redact.Map(cfg.Provider.Config))

	registry := channelRegistry()
	var channels []channel.Channel
	for name, section := range cfg.Channels {
		ch, err := registry.New(name, section)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", name, err)
		}
		if err := ch.Validate(vctx); err != nil {
			slog.Warn("channel failed validation; keeping it anyway", "channel", name, "err", err)
		}
		channels = append(channels, ch)
		slog.Info("channel ready", "channel", name, "config", redact.Map(section))
	}

	var hist *history.Store
	if cfg.HistoryDB != "" {
		hist, err = history.Open(cfg.HistoryDB)
		if err != nil {
			return nil, fmt.Errorf("open history database: %w", err)
		}
		slog.Info("request history ready", "path", cfg.HistoryDB)
	}

	pendingReg := pending.NewRegistry()
	b := broker.New(broker.Config{
		Provider:        prov,
		Channels:        channels,
		Registry:        pendingReg,
		Cache:           cache.New(cfg.CacheTTL()),
		Audit:           auditLog,
		History:         hist,
		Standing:        cfg.StandingApprovals,
		Open:            cfg.Vault.Open,
		Gated:           cfg.Vault.Gated,
		ApprovalTimeout: cfg.ApprovalTimeout(),
	})

	return &App{
		cfg:      cfg,
		auditLog: auditLog,
		registry: pendingReg,
		broker:   b,
		hist:     hist,
		sock:     sockd.New(cfg.SocketPath, b),
		callback: httpd.New(cfg.HTTPPort, pendingReg, hist),
		poller:   dropdir.New(cfg.PendingDir, pendingReg),
	}, nil
}

// Run starts all listeners and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.writePIDFile()
	a.auditLog.Event(audit.ActionDaemonStart, audit.Record{
		"socket":   a.cfg.SocketPath,
		"provider": a.cfg.Provider.Name,
	})

	if err := os.MkdirAll(filepath.Dir(a.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := a.sock.Start(ctx); err != nil {
		return err
	}
	if err := a.callback.Start(ctx); err != nil {
		return err
	}
	if err := a.poller.Start(ctx); err != nil {
		return err
	}

	slog.Info("agent-gate is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop tears everything down. It is idempotent and safe against partial
// initialisation (a nil member is simply skipped).
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		// Wake every suspended request first so agents get their denial
		// before the transport goes away.
		if a.registry != nil {
			a.registry.ShutdownAll()
		}
		if a.cancel != nil {
			a.cancel()
		}
		if a.sock != nil {
			a.sock.Stop()
		}
		if a.callback != nil {
			a.callback.Stop()
		}
		if a.hist != nil {
			if err := a.hist.Close(); err != nil {
				slog.Warn("close history database", "err", err)
			}
		}
		a.removePIDFile()
		if a.auditLog != nil {
			a.auditLog.Event(audit.ActionDaemonStop, audit.Record{})
		}
	})
}

// writePIDFile records the daemon pid. Best-effort: failure is warned, never
// fatal.
func (a *App) writePIDFile() {
	if a.cfg.PIDFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.PIDFile), 0o755); err != nil {
		slog.Warn("pid file directory", "path", a.cfg.PIDFile, "err", err)
		return
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(a.cfg.PIDFile, []byte(pid+"\n"), 0o644); err != nil {
		slog.Warn("pid file write failed", "path", a.cfg.PIDFile, "err", err)
	}
}

func (a *App) removePIDFile() {
	if a.cfg.PIDFile == "" {
		return
	}
	if err := os.Remove(a.cfg.PIDFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("pid file remove failed", "path", a.cfg.PIDFile, "err", err)
	}
}
