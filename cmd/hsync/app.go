package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/config"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/conflict"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/events"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/netmon"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/queue"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/remote"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/repo"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/store"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/syncer"
)

// app wires the full stack for one command invocation.
//
// The local half (store, queue, repositories) always comes up; the
// remote half (client, monitor, resolver, sync manager) needs a
// configured remote_url and is built on demand by connect.
type app struct {
	cfg       *config.Config
	logWriter io.Writer

	db       *store.DB
	bus      *events.Bus
	queue    *queue.Queue
	members  *repo.Members
	payments *repo.Payments
	tickets  *repo.Tickets

	client   *remote.Client
	monitor  *netmon.Monitor
	resolver *conflict.Resolver
	manager  *syncer.Manager
}

// openApp loads configuration and opens the local half of the stack.
// logWriter receives component logs (default stderr).
func openApp(logWriter io.Writer) (*app, error) {
	if logWriter == nil {
		logWriter = os.Stderr
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		logWriter: logWriter,
		db:        db,
		bus:       events.New(a2Logger(logWriter, "events")),
	}
	a.queue = queue.New(db, a.bus, a2Logger(logWriter, "queue"))
	a.members = repo.NewMembers(db, a.queue, a.bus, a2Logger(logWriter, "repo"))
	a.payments = repo.NewPayments(db, a.queue, a.bus, a2Logger(logWriter, "repo"))
	a.tickets = repo.NewTickets(db, a.queue, a.bus, a2Logger(logWriter, "repo"))
	return a, nil
}

func a2Logger(w io.Writer, name string) *log.Logger {
	return log.New(w, "["+name+"] ", log.LstdFlags)
}

// connect builds the remote half of the stack. The monitor and sync
// manager are constructed but not started; callers start what they
// need.
func (a *app) connect() error {
	if a.cfg.RemoteURL == "" {
		return fmt.Errorf("remote_url is not configured (set it in %s or via HSYNC_REMOTE_URL)", config.DefaultPath())
	}

	client, err := remote.New(remote.Config{
		BaseURL: a.cfg.RemoteURL,
		APIKey:  a.cfg.APIKey,
		Logger:  a2Logger(a.logWriter, "remote"),
	})
	if err != nil {
		return err
	}
	a.client = client

	a.monitor = netmon.New(client, a.bus, &netmon.Config{
		CheckInterval: a.cfg.CheckInterval,
		ProbeTimeout:  a.cfg.ProbeTimeout,
		Logger:        a2Logger(a.logWriter, "netmon"),
	})

	a.resolver = conflict.New(a.db, client, a.bus, a2Logger(a.logWriter, "conflict"))

	a.manager = syncer.New(a.db, a.queue, client, a.monitor, a.resolver, a.bus, &syncer.Config{
		OpTimeout: a.cfg.OpTimeout,
		Strategy:  conflict.Strategy(a.cfg.ConflictStrategy),
		Logger:    a2Logger(a.logWriter, "syncer"),
	})
	return nil
}

// close releases everything openApp and connect built.
func (a *app) close() {
	if a.manager != nil {
		a.manager.Stop()
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
		}
	}
}
