package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deeprecall/recall-sync/internal/buffer"
	"github.com/deeprecall/recall-sync/internal/config"
	"github.com/deeprecall/recall-sync/internal/durable"
	"github.com/deeprecall/recall-sync/internal/store"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Drain the write buffer once and exit",
	Long: `Deliver every pending buffered write to the durable store in one
pass. Useful after working offline, or before shutting a device down.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		db, err := store.Open(cfg.StorePath)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.InitSchema(ctx); err != nil {
			return err
		}

		queue := buffer.NewQueue(db)
		pending, err := queue.PendingCount(ctx)
		if err != nil {
			return err
		}
		if pending == 0 {
			fmt.Println("Write buffer is empty, nothing to flush")
			return nil
		}

		remote, err := durable.Connect(ctx, durable.Config{DSN: cfg.DatabaseURL})
		if err != nil {
			return err
		}
		defer remote.Close()

		worker := buffer.NewWorker(queue, remote, buffer.WorkerConfig{
			BatchSize:   cfg.BatchSize,
			MaxAttempts: cfg.MaxAttempts,
		})
		for {
			if err := worker.Flush(ctx); err != nil {
				return err
			}
			left, err := queue.PendingCount(ctx)
			if err != nil {
				return err
			}
			if left == 0 || left == pending {
				pending = left
				break
			}
			pending = left
		}

		dead, err := queue.DeadLetters(ctx)
		if err != nil {
			return err
		}
		if pending > 0 || len(dead) > 0 {
			fmt.Fprintf(os.Stderr, "Flush incomplete: %d pending, %d dead-lettered\n", pending, len(dead))
			os.Exit(1)
		}
		fmt.Println("Write buffer drained")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(flushCmd)
}
