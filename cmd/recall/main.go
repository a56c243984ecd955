package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "Local-first sync daemon and blob store for DeepRecall",
	Long: `recall keeps a device's local knowledge store in sync with the
durable store and the change feed, and manages the content-addressed
blob library.

Reads run against the local store and never block on the network. Writes
land locally first, queue in a durable buffer, and flush to the durable
store in the background.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default recall.yaml in . or ~/.config/recall)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
