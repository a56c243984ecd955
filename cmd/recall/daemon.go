package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/deeprecall/recall-sync/internal/blobsync"
	"github.com/deeprecall/recall-sync/internal/buffer"
	"github.com/deeprecall/recall-sync/internal/cache"
	"github.com/deeprecall/recall-sync/internal/cas"
	"github.com/deeprecall/recall-sync/internal/config"
	"github.com/deeprecall/recall-sync/internal/durable"
	"github.com/deeprecall/recall-sync/internal/feed"
	"github.com/deeprecall/recall-sync/internal/store"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon",
	Long: `Run the full sync daemon:

  1. Opens the device store and blob catalog
  2. Connects to the durable store and registers this device
  3. Starts the flush worker draining the write buffer
  4. Subscribes to the change feed for every collection
  5. Watches the import directory (if configured) for new files`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runDaemon(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(parent context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.InitSchema(ctx); err != nil {
		return err
	}

	c := cache.New(db)

	remote, err := durable.Connect(ctx, durable.Config{
		DSN:    cfg.DatabaseURL,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer remote.Close()
	if err := remote.InitSchema(ctx); err != nil {
		return err
	}
	hostname, _ := os.Hostname()
	if err := remote.RegisterDevice(ctx, cfg.DeviceID, hostname); err != nil {
		return err
	}

	queue := buffer.NewQueue(db)
	worker := buffer.NewWorker(queue, remote, buffer.WorkerConfig{
		Interval:    cfg.FlushInterval,
		BatchSize:   cfg.BatchSize,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger,
	})
	if err := worker.Start(ctx); err != nil {
		return err
	}
	defer worker.Stop()

	stream, err := feed.NewWebsocketStream(cfg.FeedURL)
	if err != nil {
		return err
	}
	manager := feed.NewManager(stream, c, feed.NewOffsetStore(db), feed.SubscriberConfig{}, logger)
	if err := manager.SubscribeAll(); err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Stop()

	catalog := cas.NewCatalog(db)
	blobs, err := cas.NewStore(cfg.BlobDir, catalog)
	if err != nil {
		return err
	}
	bridge := blobsync.NewBridge(catalog, remote, cfg.DeviceID, logger)

	var watcher *cas.Watcher
	if cfg.ImportDir != "" {
		watcher, err = cas.NewWatcher(blobs, cas.WatcherConfig{
			Dir:    cfg.ImportDir,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	logger.Printf("daemon running: device=%s store=%s blobs=%s", cfg.DeviceID, cfg.StorePath, cfg.BlobDir)

	for {
		select {
		case <-ctx.Done():
			logger.Printf("shutting down")
			return nil
		case err := <-worker.Errors():
			logger.Printf("flush: %v", err)
		case err := <-manager.Errors():
			logger.Printf("feed: %v", err)
		case result := <-watchResults(watcher):
			logger.Printf("scan: %d files, %d added, %d updated, %d removed, %d duplicate groups",
				result.Scanned, result.Added, result.Updated, result.Removed, len(result.Duplicates))
			if report, err := bridge.CoordinateAll(ctx); err != nil {
				logger.Printf("blob coordination: %v", err)
			} else if report.Failed > 0 {
				logger.Printf("blob coordination: %d published, %d failed", report.Coordinated, report.Failed)
			}
		case err := <-watchErrors(watcher):
			logger.Printf("watch: %v", err)
		}
	}
}

// watchResults and watchErrors return nil channels when no watcher is
// configured, so their select cases never fire.
func watchResults(w *cas.Watcher) <-chan *cas.ScanResult {
	if w == nil {
		return nil
	}
	return w.Results()
}

func watchErrors(w *cas.Watcher) <-chan error {
	if w == nil {
		return nil
	}
	return w.Errors()
}

func newLogger(cfg *config.Config) *log.Logger {
	if cfg.LogFile == "" {
		return log.New(os.Stderr, "[recall] ", log.LstdFlags)
	}
	return log.New(&lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    50, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
		Compress:   true,
	}, "[recall] ", log.LstdFlags)
}
