// Package core wires every component together into one running instance:
// the journal, container pool and adapter, session manager, diff store,
// task plan store, reconciler, tool facade, and streaming API. cmd/workerd
// builds exactly one Core and drives it from the CLI.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgecore/workerd/internal/config"
	"github.com/forgecore/workerd/internal/containerx"
	"github.com/forgecore/workerd/internal/diffstore"
	"github.com/forgecore/workerd/internal/facade"
	"github.com/forgecore/workerd/internal/journal"
	"github.com/forgecore/workerd/internal/pool"
	"github.com/forgecore/workerd/internal/reconcile"
	"github.com/forgecore/workerd/internal/session"
	"github.com/forgecore/workerd/internal/streamserver"
	"github.com/forgecore/workerd/internal/taskplan"
	"github.com/forgecore/workerd/internal/titlegen"
)

// defaultMaxContainersPerKey and defaultIdleTTL bound the container pool.
// These aren't exposed as environment knobs since no documented tunable
// names them; adding an undocumented one would be silent scope creep.
const (
	defaultMaxContainersPerKey = 4
	defaultIdleTTL             = 5 * time.Minute
)

// Core is every long-lived component the daemon needs, open and wired.
type Core struct {
	Config config.Config
	Logger *slog.Logger

	Journal  *journal.Journal
	Adapter  containerx.Adapter
	Pool     *pool.Pool
	Diffs    *diffstore.Store
	Sessions *session.Manager
	Tasks    *taskplan.Store
	Titles   *titlegen.Generator

	Reconciler *reconcile.Reconciler
	Facade     *facade.Facade
	Stream     *streamserver.Server
}

// Open builds a Core from cfg: opens the journal, wires the container
// adapter and pool, and constructs every component on top of them. Callers
// own the returned Core and must call Close when done.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Core, error) {
	return openWithAdapter(ctx, cfg, &containerx.Docker{}, logger)
}

// openWithAdapter is Open with the container adapter injected, so tests can
// substitute containerx.Fake without a real container runtime.
func openWithAdapter(ctx context.Context, cfg config.Config, adapter containerx.Adapter, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}

	j, err := journal.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	p := pool.New(adapter, defaultMaxContainersPerKey, defaultIdleTTL)

	diffs, err := diffstore.NewStore(j)
	if err != nil {
		j.Close()
		return nil, fmt.Errorf("open diff store: %w", err)
	}

	sessions := session.NewManager(j, p, diffs, adapter, cfg.LogDir, cfg.DebugNoCleanup)

	tasks, err := taskplan.Open(cfg.TasksPath)
	if err != nil {
		j.Close()
		return nil, fmt.Errorf("open task plan: %w", err)
	}

	titles := titlegen.New(ctx, cfg.TitleProvider, cfg.TitleModel)

	retention := cfg.ReconcileRetention
	if retention <= 0 {
		retention = reconcile.DefaultRetention
	}
	reconciler := &reconcile.Reconciler{
		Adapter:   adapter,
		Journal:   j,
		Diffs:     diffs,
		Retention: retention,
	}

	f := facade.New(sessions, diffs, tasks, titles, logger)
	stream := streamserver.New(sessions, diffs)

	return &Core{
		Config:     cfg,
		Logger:     logger,
		Journal:    j,
		Adapter:    adapter,
		Pool:       p,
		Diffs:      diffs,
		Sessions:   sessions,
		Tasks:      tasks,
		Titles:     titles,
		Reconciler: reconciler,
		Facade:     f,
		Stream:     stream,
	}, nil
}

// Reconcile runs the startup reconciliation pass. Callers invoke this once,
// before serving any tool calls, so a prior crash's orphaned containers and
// stale sessions are cleaned up first.
func (c *Core) Reconcile(ctx context.Context) (reconcile.Report, error) {
	report, err := c.Reconciler.Run(ctx)
	if err != nil {
		return report, err
	}
	c.Logger.Info("reconcile: startup pass complete",
		"orphanedContainersStopped", report.OrphanedContainersStopped,
		"sessionsMarkedFailed", report.SessionsMarkedFailed,
		"diffsRejected", report.DiffsRejected,
		"recordsPurged", report.RecordsPurged,
	)
	return report, nil
}

// Close releases the journal and stops watching the task plan file. It does
// not tear down live containers; those outlive a clean daemon exit by
// design so a restart can reconcile them.
func (c *Core) Close() error {
	c.Tasks.StopWatch()
	return c.Journal.Close()
}
