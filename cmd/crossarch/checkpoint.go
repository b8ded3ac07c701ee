package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/crossarch/internal/criu"
)

var (
	checkpointDir          string
	checkpointLeaveRunning bool
	restoreContainerID     string
)

// checkpointCmd groups standalone checkpoint operations.
var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Create, validate, restore, and manage checkpoints",
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create <container-id>",
	Short: "Checkpoint a running container",
	Long: `Checkpoint a running container into a directory containing the process
images, a metadata record, and the tool's dump log.

Examples:
  # Checkpoint into the configured base directory
  crossarch checkpoint create web1

  # Checkpoint into a specific directory, keeping the container running
  crossarch checkpoint create web1 --dir /tmp/ckpt --leave-running`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckpointCreate,
}

var checkpointValidateCmd = &cobra.Command{
	Use:   "validate <checkpoint-path>",
	Short: "Structurally validate a checkpoint directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointValidate,
}

var checkpointRestoreCmd = &cobra.Command{
	Use:   "restore <checkpoint-path>",
	Short: "Restore a container from a checkpoint directory",
	Long: `Restore a container from a checkpoint directory, replaying the flag set
recorded at dump time.

Examples:
  crossarch checkpoint restore /var/lib/crossarch/checkpoints/web1
  crossarch checkpoint restore /tmp/ckpt/web1 --container-id web1-copy`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckpointRestore,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints under the configured base directory",
	RunE:  runCheckpointList,
}

var checkpointCleanupCmd = &cobra.Command{
	Use:   "cleanup <checkpoint-path>",
	Short: "Remove a checkpoint directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointCleanup,
}

func init() {
	checkpointCreateCmd.Flags().StringVar(&checkpointDir, "dir", "", "checkpoint parent directory (default: configured base)")
	checkpointCreateCmd.Flags().BoolVar(&checkpointLeaveRunning, "leave-running", false, "keep the container running after the dump")
	checkpointRestoreCmd.Flags().StringVar(&restoreContainerID, "container-id", "", "restore under a different container id")

	checkpointCmd.AddCommand(checkpointCreateCmd)
	checkpointCmd.AddCommand(checkpointValidateCmd)
	checkpointCmd.AddCommand(checkpointRestoreCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointCleanupCmd)
}

func runCheckpointCreate(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.checkpoints.ConfigureEnvironment(cmd.Context()); err != nil {
		return err
	}

	cfg := criu.DefaultCheckpointConfig(args[0], checkpointDir)
	cfg.LeaveRunning = checkpointLeaveRunning

	status := app.checkpoints.Dump(cmd.Context(), cfg)
	if err := printJSON(status); err != nil {
		return err
	}
	if !status.Success {
		return fmt.Errorf("checkpoint failed: %s", status.ErrorMessage)
	}
	return nil
}

func runCheckpointValidate(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	status := app.checkpoints.ValidateDump(cmd.Context(), args[0])
	if err := printJSON(status); err != nil {
		return err
	}
	if !status.Success {
		return fmt.Errorf("checkpoint validation failed: %s", status.ErrorMessage)
	}
	return nil
}

func runCheckpointRestore(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.checkpoints.ConfigureEnvironment(cmd.Context()); err != nil {
		return err
	}

	status := app.checkpoints.Restore(cmd.Context(), args[0], restoreContainerID)
	if err := printJSON(status); err != nil {
		return err
	}
	if !status.Success {
		return fmt.Errorf("restore failed: %s", status.ErrorMessage)
	}
	return nil
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	infos, err := app.checkpoints.ListCheckpoints()
	if err != nil {
		return err
	}
	return printJSON(infos)
}

func runCheckpointCleanup(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	return app.checkpoints.CleanupCheckpoint(args[0])
}
