package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gkobilansky/abengine/internal/config"
	"github.com/gkobilansky/abengine/internal/logger"
)

var (
	dbPath   string
	logLevel string
	cfg      config.Config
	lggr     *zap.SugaredLogger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abengine",
		Short: "abengine - a self-hosted A/B experimentation engine",
		Long: `abengine runs A/B experiments: it stores experiments and variants,
assigns visitors deterministically, counts exposures and conversions, and
tells you when a variant has significantly beaten the control.

Single Go binary, embedded SQLite.

Running without a subcommand starts the server (same as 'abengine serve').`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
		RunE:              runServe, // Default action is to start server
	}

	// Global flags, overriding ABE_DB_PATH / ABE_LOG_LEVEL
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (default $ABE_DB_PATH or ./abengine.db)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (default $ABE_LOG_LEVEL or info)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default $ABE_PORT or 8080)")

	cmd.AddCommand(
		newServeCmd(),
		newCreateCmd(),
		newListCmd(),
		newResultsCmd(),
		newTransitionCmd(),
		newVariantCmd(),
		newTrafficCmd(),
		newDeleteCmd(),
		newAssignCmd(),
		newExportCmd(),
		newTokenCmd(),
		newSnippetCmd(),
	)
	return cmd
}

func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

// loadConfig reads the environment and lets explicit flags win over it.
func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return err
	}

	if dbPath == "" {
		dbPath = cfg.DBPath
	}
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	if port == 0 {
		port = cfg.Port
	}

	lggr, err = logger.New(logLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	return nil
}
