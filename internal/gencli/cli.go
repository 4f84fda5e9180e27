// Package gencli implements haggle-gen, which builds the negotiation
// dataset: listing pages, then scenarios, then simulated dialogues.
package gencli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// CLI encapsulates the haggle-gen command-line interface.
type CLI struct {
	version    string
	verbose    bool
	dataFolder string
	rootCmd    *cobra.Command
}

// New creates a new CLI instance with the given version string.
func New(version string) *CLI {
	c := &CLI{version: version}
	c.setupCommands()
	return c
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:     "haggle-gen",
		Short:   "Build negotiation scenarios and simulated dialogues",
		Version: c.version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.initLogging()
		},
	}

	c.rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Verbose output")
	c.rootCmd.PersistentFlags().StringVar(&c.dataFolder, "data-folder", "data", "Path to data folder")

	c.rootCmd.AddCommand(c.newCollectCommand())
	c.rootCmd.AddCommand(c.newCrawlCommand())
	c.rootCmd.AddCommand(c.newScenariosCommand())
	c.rootCmd.AddCommand(c.newDialoguesCommand())
}

// Run executes the CLI and returns any error.
func (c *CLI) Run() error {
	return c.rootCmd.Execute()
}

func (c *CLI) initLogging() {
	if c.verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
}
