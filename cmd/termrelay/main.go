// termrelay runs sandboxed terminal tool calls for LLM-driven security scanners.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "termrelay",
	Short: "termrelay: sandboxed terminal tool calls for LLM security scanners.",
	Long: `termrelay streams a chat model's answer while executing the terminal commands it
requests inside short-lived sandboxes. Commands are checked against the selected
scanner plugin, output is streamed back live and reduced to a token budget before
it returns to the model.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	configPath string
	debug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (or TERMRELAY_CONFIG env)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd, runCmd, queryCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
