// Command dsctl synchronizes Git repositories into the datasource database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/thediveo/enumflag/v2"

	"github.com/sotplane/datasync/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	return newRootCommand().ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{logLevel: logging.LevelInfo}

	rootCmd := &cobra.Command{
		Use:           "dsctl",
		Short:         "Synchronize Git repositories into the datasource database",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringArrayVarP(&opts.configFiles, "config", "c", nil, "configuration file or directory (repeatable, merged in order)")
	flags.Var(enumflag.New(&opts.logLevel, "level", logging.LevelNames, enumflag.EnumCaseInsensitive), "log-level", "log level: debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	flags.StringVar(&opts.dataDir, "data-dir", ".datasync", "directory holding the default SQLite database")
	flags.BoolVar(&opts.progress, "progress", false, "render progress bars")

	rootCmd.AddCommand(
		newMigrateCommand(opts),
		newLoadCommand(opts),
		newSyncCommand(opts),
		newRunCommand(opts),
		newLogCommand(opts),
		newDeleteCommand(opts),
		newValidateCommand(opts),
	)

	return rootCmd
}
