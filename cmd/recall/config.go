package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deeprecall/recall-sync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect daemon configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Printf("device_id:      %s\n", cfg.DeviceID)
		fmt.Printf("database_url:   %s\n", redactDSN(cfg.DatabaseURL))
		fmt.Printf("feed_url:       %s\n", cfg.FeedURL)
		fmt.Printf("store_path:     %s\n", cfg.StorePath)
		fmt.Printf("blob_dir:       %s\n", cfg.BlobDir)
		fmt.Printf("import_dir:     %s\n", cfg.ImportDir)
		fmt.Printf("flush_interval: %s\n", cfg.FlushInterval)
		fmt.Printf("batch_size:     %d\n", cfg.BatchSize)
		fmt.Printf("max_attempts:   %d\n", cfg.MaxAttempts)
		fmt.Printf("log_file:       %s\n", cfg.LogFile)
		return nil
	},
}

// redactDSN hides credentials embedded in a connection string.
func redactDSN(dsn string) string {
	for i := 0; i < len(dsn); i++ {
		if dsn[i] == '@' {
			for j := 0; j < i; j++ {
				if dsn[j] == ':' && j+2 < i && dsn[j+1] != '/' {
					return dsn[:j+1] + "***" + dsn[i:]
				}
			}
		}
	}
	return dsn
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
