// Package main implements the crossarch CLI for cross-architecture
// container migration: checkpoint, package, transfer, restore.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crossarch/internal/config"
	"github.com/fyrsmithlabs/crossarch/internal/criu"
	"github.com/fyrsmithlabs/crossarch/internal/execx"
	"github.com/fyrsmithlabs/crossarch/internal/inspect"
	"github.com/fyrsmithlabs/crossarch/internal/logging"
	"github.com/fyrsmithlabs/crossarch/internal/migration"
	"github.com/fyrsmithlabs/crossarch/internal/pack"
	"github.com/fyrsmithlabs/crossarch/internal/transport"
)

var (
	// configPath is the YAML config file; defaults and environment
	// variables apply when empty.
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "crossarch",
	Short: "Cross-architecture container migration toolkit",
	Long: `crossarch migrates running containers between hosts of different
architectures: it checkpoints the container with the configured
checkpoint/restore tool, packages the checkpoint into a checksummed
archive, transfers it over ssh/scp or adb, restores it on the target,
and validates the result.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (YAML)")
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(packageCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the crossarch version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("crossarch %s\n", version)
	},
}

// app holds the wired services for one command invocation.
type app struct {
	cfg *config.Config
	log *zap.Logger

	checkpoints criu.Service
	packages    pack.Service
	migrations  migration.Service
}

// newApp loads configuration and wires the service stack.
func newApp() (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, err
	}

	log, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	runner := execx.NewRunner(log)

	inspector, err := inspect.NewClient(cfg.Tool.RuntimeBinary, runner, log)
	if err != nil {
		return nil, err
	}

	checkpoints, err := criu.NewService(&criu.Config{
		Binary:  cfg.Tool.Binary,
		BaseDir: cfg.Work.CheckpointDir,
	}, runner, inspector, log)
	if err != nil {
		return nil, err
	}

	factory := transport.NewFactory(runner, transport.Config{
		ADBBinary:      cfg.Transport.ADBBinary,
		SSHBinary:      cfg.Transport.SSHBinary,
		SCPBinary:      cfg.Transport.SCPBinary,
		ConnectTimeout: cfg.Transport.ConnectTimeout.Duration(),
	}, log)

	packages, err := pack.NewService(&pack.Config{BaseDir: cfg.Work.Dir}, factory, log)
	if err != nil {
		return nil, err
	}

	migrations, err := migration.NewService(&migration.Config{
		RemoteDir:        cfg.Work.RemoteDir,
		RemoteToolBinary: cfg.Tool.RemoteBinary,
		RuntimeBinary:    cfg.Tool.RuntimeBinary,
	}, checkpoints, packages, factory, inspector, log)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:         cfg,
		log:         log,
		checkpoints: checkpoints,
		packages:    packages,
		migrations:  migrations,
	}, nil
}

func (a *app) close() {
	_ = a.log.Sync()
}

// printJSON writes a result as indented JSON to stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
