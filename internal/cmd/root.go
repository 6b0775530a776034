// Package cmd holds the labqc cobra commands.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"labqc/internal/config"
	"labqc/internal/core"
	"labqc/internal/logging"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// app carries the configuration and logger resolved before a subcommand runs.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

// NewRootCommand creates the labqc root command.
func NewRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "labqc",
		Short: "Specification matching and retest workflow for lab quality control",
		Long: `labqc decides whether lab results meet product specifications and tracks
retest requests that must be closed before a lot can be released.`,
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML config file (LABQC_* env vars override it)")

	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newEvaluateCommand())
	cmd.AddCommand(newClassifyCommand())
	cmd.AddCommand(newCanReleaseCommand(a))
	cmd.AddCommand(newListRetestsCommand(a))
	cmd.AddCommand(newCompleteRetestCommand(a))
	cmd.AddCommand(newExportHistoryCommand(a))
	return cmd
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.NewWithWriter(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

// openService opens the configured store. The caller must close the store.
func (a *app) openService(ctx context.Context, opts ...core.ServiceOption) (*core.Service, core.PersistentStore, error) {
	store, err := core.OpenPersistentStore(ctx, a.cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", a.cfg.Storage.Driver, err)
	}
	opts = append([]core.ServiceOption{core.WithLogger(a.logger)}, opts...)
	return core.NewService(store, opts...), store, nil
}
