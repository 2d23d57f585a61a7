package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chatflow",
	Short: "chatflow runs visual-editor chat flows for bot users",
	Long: `chatflow walks bot users through flow graphs built in the visual editor:
messages, media, button menus, conditions and delays. Configuration comes
from CHATFLOW_* environment variables and an optional .env file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("env", ".env", "Environment file loaded before reading CHATFLOW_* variables")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
