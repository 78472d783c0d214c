// Package app wires the engine's components from settings and a catalog.
package app

import (
	"context"
	"fmt"
	"strconv"

	"f0oster/idsync/anyobject"
	"f0oster/idsync/config"
	"f0oster/idsync/connector"
	"f0oster/idsync/correlation"
	"f0oster/idsync/database"
	"f0oster/idsync/mapping"
	"f0oster/idsync/metrics"
	"f0oster/idsync/policy"
	"f0oster/idsync/propagation"
	"f0oster/idsync/provisioning"
	"f0oster/idsync/pull"
	"f0oster/idsync/resource"
	"f0oster/idsync/task"
	"f0oster/idsync/virattr"

	// connector types available to catalogs
	_ "f0oster/idsync/connector/dbtable"
	_ "f0oster/idsync/connector/flatfile"
	_ "f0oster/idsync/connector/ldap"
	_ "f0oster/idsync/connector/memory"

	"github.com/rs/zerolog"
)

type App struct {
	Log         zerolog.Logger
	Settings    config.Settings
	Schemas     *anyobject.SchemaRegistry
	Store       *anyobject.MemStore
	Catalog     *resource.Catalog
	Rules       *correlation.Rules
	Policies    *policy.Engine
	Connectors  *connector.Manager
	Mapper      *mapping.Resolver
	Virtual     *virattr.Resolver
	Propagation *propagation.Manager
	Provisioner *provisioning.Manager
	Pull        *pull.Engine
	Tasks       *task.Service
	Jobs        *task.Jobs
	Scheduler   *task.Scheduler

	db *database.DBClient
}

// New builds every component and applies the catalog. Tasks and sync
// tokens are kept in Postgres when settings carry a DSN, in memory
// otherwise.
func New(ctx context.Context, log zerolog.Logger, s config.Settings, cat *config.Catalog) (*App, error) {
	metrics.RegisterMetrics()

	a := &App{
		Log:        log,
		Settings:   s,
		Schemas:    anyobject.NewSchemaRegistry(),
		Catalog:    resource.NewCatalog(),
		Rules:      correlation.NewRules(),
		Connectors: connector.NewManager(log),
		Jobs:       task.NewJobs(),
	}

	var err error
	a.Store, err = anyobject.NewMemStore(a.Schemas)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity store: %w", err)
	}

	var (
		taskStore task.Store      = task.NewMemoryStore()
		tokens    pull.TokenStore = pull.NewMemoryTokens()
	)
	if s.DSN != "" {
		a.db, err = database.Connect(ctx, log, s.DSN)
		if err != nil {
			return nil, err
		}
		taskStore, tokens = a.db, a.db
	}
	a.Tasks = task.NewService(log, taskStore, task.Options{Workers: s.Workers})

	a.Policies = policy.NewEngine(a.Store, a.Catalog, a.Rules)
	a.Mapper = mapping.NewResolver(a.Schemas, nil)
	a.Virtual = virattr.NewResolver(log, a.Catalog, a.Schemas, a.Connectors, a.Mapper, virattr.Options{
		TTL:            s.CacheTTL,
		DefaultTimeout: s.RequestTimeout,
	})
	a.Mapper.SetVirtualSource(a.Virtual)

	a.Propagation = propagation.NewManager(log, a.Store, a.Catalog, a.Connectors, a.Mapper, a.Tasks, propagation.Options{
		Parallelism:    s.Parallelism,
		DefaultTimeout: s.RequestTimeout,
	})
	a.Provisioner = provisioning.NewManager(log, a.Store, a.Policies, a.Propagation, a.Virtual)
	a.Pull = pull.NewEngine(log, a.Store, a.Catalog, a.Connectors, a.Mapper, a.Policies, a.Provisioner, tokens, pull.Options{
		MaxMessages:    s.MaxMessages,
		DefaultTimeout: s.RequestTimeout,
	})
	a.Pull.SetVirtualCache(a.Virtual)

	a.registerJobs()
	a.Tasks.RegisterRunner(task.TypeSync, a.Pull.Runner())
	a.Tasks.RegisterRunner(task.TypePropagation, a.Propagation)
	a.Tasks.RegisterRunner(task.TypeNotification, task.NotificationRunner{Notifier: task.LogNotifier{Log: log}})
	a.Tasks.RegisterRunner(task.TypeScheduled, a.Jobs)
	a.Scheduler = task.NewScheduler(log, a.Tasks)

	if cat != nil {
		err := cat.Apply(ctx, config.Targets{
			Schemas:  a.Schemas,
			Catalog:  a.Catalog,
			Policies: a.Policies,
			Rules:    a.Rules,
			Store:    a.Store,
			Tasks:    a.Tasks,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// registerJobs adds the built-in SCHEDULED jobs.
func (a *App) registerJobs() {
	a.Jobs.Register("sync-all", func(ctx context.Context, params map[string]string) (string, error) {
		tasks, err := a.Tasks.Store().ListTasks(ctx)
		if err != nil {
			return "", err
		}
		dryRun, _ := strconv.ParseBool(params["dry_run"])
		submitted := 0
		for _, t := range tasks {
			if t.Type != task.TypeSync || a.Tasks.Running(t.Key) {
				continue
			}
			if _, err := a.Tasks.Execute(ctx, t.Key, dryRun); err != nil {
				return fmt.Sprintf("submitted %d", submitted), err
			}
			submitted++
		}
		return fmt.Sprintf("submitted %d", submitted), nil
	})
	a.Jobs.Register("flush-virtual-cache", func(_ context.Context, params map[string]string) (string, error) {
		res := params["resource"]
		if res == "" {
			return "", fmt.Errorf("resource parameter is required")
		}
		a.Virtual.InvalidateResource(res)
		return "flushed " + res, nil
	})
}

// Close stops the scheduler and the task service, then releases the
// connectors and the database.
func (a *App) Close() {
	a.Scheduler.Stop()
	a.Tasks.Close()
	if err := a.Connectors.Close(); err != nil {
		a.Log.Warn().Err(err).Msg("failed to close connectors")
	}
	if a.db != nil {
		a.db.Close()
	}
}
