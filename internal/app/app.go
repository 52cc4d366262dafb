// Package app assembles the sync core from configuration.
package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kimhsiao/tempo/backend/internal/config"
	"github.com/kimhsiao/tempo/backend/internal/db"
	"github.com/kimhsiao/tempo/backend/internal/logging"
	"github.com/kimhsiao/tempo/backend/internal/network"
	"github.com/kimhsiao/tempo/backend/internal/notify"
	"github.com/kimhsiao/tempo/backend/internal/remote"
	syncpkg "github.com/kimhsiao/tempo/backend/internal/sync"
	"github.com/kimhsiao/tempo/backend/internal/sync/queue"
	"github.com/kimhsiao/tempo/backend/internal/sync/scheduler"
)

// App holds the wired components.
type App struct {
	Config    *config.Config
	DB        *db.DB
	Repo      *db.Repository
	Client    *remote.Client
	Hub       *notify.Hub
	Engine    *syncpkg.Engine
	Queue     *queue.OfflineQueue
	Monitor   *network.Monitor
	Scheduler *scheduler.Scheduler

	closeOnce sync.Once
}

// New opens the store and wires every component. Callers must Close it.
func New(cfg *config.Config) (*App, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	repo := db.NewRepository(database.DB)

	client := remote.NewClient(remote.Config{
		BaseURL: cfg.APIBaseURL,
		Tokens:  remote.StaticToken(cfg.Token),
		Timeout: cfg.RequestTimeout,
	})

	hub := notify.NewHub()
	notifier := notify.Multi{hub, notify.LogNotifier{}}

	if cfg.UserID == "" {
		logging.Warn("No user_id configured; syncs will be skipped", nil)
	}
	engine := syncpkg.NewEngine(repo, client, syncpkg.Options{
		Session:  syncpkg.StaticSession(cfg.UserID),
		Notifier: notifier,
	})

	q := queue.NewOfflineQueue(repo, queue.Config{
		Capacity: cfg.QueueCapacity,
		Workers:  cfg.QueueWorkers,
		Notifier: notifier,
	})
	q.RegisterAll(client.ActionHandlers())

	monitor := network.NewMonitor(network.Config{
		ProbeURL:      cfg.ProbeURL,
		ProbeInterval: cfg.ProbeInterval,
		Online:        true,
		Notifier:      notifier,
	})

	sched := scheduler.NewScheduler(engine, q, &scheduler.SchedulerConfig{
		SyncInterval:  cfg.SyncInterval,
		QueueInterval: cfg.QueueInterval,
		SyncTimeout:   cfg.RequestTimeout * 10,
		Monitor:       monitor,
	})

	return &App{
		Config:    cfg,
		DB:        database,
		Repo:      repo,
		Client:    client,
		Hub:       hub,
		Engine:    engine,
		Queue:     q,
		Monitor:   monitor,
		Scheduler: sched,
	}, nil
}

// Run starts the background components and blocks until ctx is done.
func (a *App) Run(ctx context.Context) {
	go a.Monitor.Run(ctx)
	a.Scheduler.Start(ctx)
	<-ctx.Done()
	a.Scheduler.Stop()
}

// Apply takes the settings that can change without a restart.
func (a *App) Apply(cfg *config.Config) {
	logging.Get().SetLevel(cfg.Level())
	logging.Info("Applied config change", map[string]interface{}{"log_level": cfg.Level()})
}

// Close releases the hub and the database.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.Scheduler.Stop()
		a.Hub.Close()
		err = a.DB.Close()
	})
	return err
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetupLogging points the global logger at cfg's destination. With a log
// file the output is rotated by lumberjack and also written to stderr.
func SetupLogging(cfg *config.Config) io.Closer {
	logger := logging.Get()
	logger.SetLevel(cfg.Level())
	if cfg.LogFile == "" {
		logger.SetOutput(os.Stderr)
		return nopCloser{}
	}

	path := cfg.LogFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.DataDir, path)
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return rotator
}
