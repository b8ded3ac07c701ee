package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/crossarch/internal/migration"
)

var (
	migrateTargetHost string
	migrateTargetArch string
	migrateSourceArch string
	migrateRollback   bool
	migrateTimeout    time.Duration
	migrateCheckOnly  bool
)

// migrateCmd runs the full migration pipeline for one container.
var migrateCmd = &cobra.Command{
	Use:   "migrate <container-id>",
	Short: "Migrate a running container to a target host",
	Long: `Migrate a running container to a target host: checkpoint, package,
transfer, restore, validate. On failure after the checkpoint was taken,
--rollback restores the source container from its own checkpoint.

Examples:
  # Migrate to a remote host over ssh/scp
  crossarch migrate web1 --target-host arm-target.local --target-arch arm64

  # Migrate to an adb-attached device
  crossarch migrate web1 --target-host adb:emulator-5554 --target-arch arm64

  # Only check compatibility, do not migrate
  crossarch migrate web1 --target-host arm-target.local --target-arch arm64 --check-only`,
	Args: cobra.ExactArgs(1),
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateTargetHost, "target-host", "", "target host (hostname, user@host, or adb:<device>)")
	migrateCmd.Flags().StringVar(&migrateTargetArch, "target-arch", "", "target architecture (e.g. arm64)")
	migrateCmd.Flags().StringVar(&migrateSourceArch, "source-arch", "", "source architecture (informational)")
	migrateCmd.Flags().BoolVar(&migrateRollback, "rollback", false, "restore the source container if the migration fails")
	migrateCmd.Flags().DurationVar(&migrateTimeout, "timeout", 0, "deadline for the whole pipeline (0 = default)")
	migrateCmd.Flags().BoolVar(&migrateCheckOnly, "check-only", false, "run the compatibility check and exit")
	_ = migrateCmd.MarkFlagRequired("target-host")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	containerID := args[0]

	if migrateCheckOnly {
		check, err := app.migrations.CheckCompatibility(cmd.Context(), containerID, migrateTargetArch)
		if err != nil {
			return err
		}
		if err := printJSON(check); err != nil {
			return err
		}
		if !check.IsCompatible {
			return fmt.Errorf("container %s is not compatible with target", containerID)
		}
		return nil
	}

	result := app.migrations.Migrate(cmd.Context(), migration.MigrationConfig{
		ContainerID:       containerID,
		TargetHost:        migrateTargetHost,
		SourceArch:        migrateSourceArch,
		TargetArch:        migrateTargetArch,
		RollbackOnFailure: migrateRollback,
		ValidationTimeout: migrateTimeout,
	})

	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("migration failed: %s", result.ErrorMessage)
	}
	return nil
}
