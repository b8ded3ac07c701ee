package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/crossarch/internal/pack"
)

var (
	packageOut            string
	unpackOut             string
	transferTargetHost    string
	transferTargetPath    string
	transferVerify        bool
	transferCleanupSource bool
)

// packageCmd groups standalone package operations.
var packageCmd = &cobra.Command{
	Use:   "package",
	Short: "Create, verify, transfer, and manage checkpoint packages",
}

var packageCreateCmd = &cobra.Command{
	Use:   "create <checkpoint-path>",
	Short: "Archive a checkpoint directory into a checksummed package",
	Long: `Archive a checkpoint directory into a gzip-compressed tarball with a
sidecar record carrying its SHA-256 checksum.

Examples:
  crossarch package create /var/lib/crossarch/checkpoints/web1
  crossarch package create /tmp/ckpt/web1 --out /tmp/web1.tar.gz`,
	Args: cobra.ExactArgs(1),
	RunE: runPackageCreate,
}

var packageVerifyCmd = &cobra.Command{
	Use:   "verify <package-path>",
	Short: "Verify a package against its sidecar checksum",
	Args:  cobra.ExactArgs(1),
	RunE:  runPackageVerify,
}

var packageUnpackCmd = &cobra.Command{
	Use:   "unpack <package-path>",
	Short: "Verify and extract a package",
	Args:  cobra.ExactArgs(1),
	RunE:  runPackageUnpack,
}

var packageTransferCmd = &cobra.Command{
	Use:   "transfer <package-path>",
	Short: "Transfer a package to a target host",
	Long: `Transfer a package to a target host over ssh/scp or adb, optionally
verifying the remote checksum after the push.

Examples:
  crossarch package transfer /var/lib/crossarch/migration/web1_checkpoint.tar.gz \
    --target-host arm-target.local --target-path /srv/migration/web1_checkpoint.tar.gz

  crossarch package transfer web1_checkpoint.tar.gz --target-host adb:emulator-5554 \
    --target-path /data/local/tmp/web1_checkpoint.tar.gz --cleanup-source`,
	Args: cobra.ExactArgs(1),
	RunE: runPackageTransfer,
}

var packageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List packages under the configured work directory",
	RunE:  runPackageList,
}

var packageCleanupCmd = &cobra.Command{
	Use:   "cleanup <package-path>",
	Short: "Remove a package and its sidecar",
	Args:  cobra.ExactArgs(1),
	RunE:  runPackageCleanup,
}

func init() {
	packageCreateCmd.Flags().StringVar(&packageOut, "out", "", "archive output path (default: work dir)")
	packageUnpackCmd.Flags().StringVar(&unpackOut, "out", "", "extraction directory (default: beside the archive)")
	packageTransferCmd.Flags().StringVar(&transferTargetHost, "target-host", "", "target host (hostname, user@host, or adb:<device>)")
	packageTransferCmd.Flags().StringVar(&transferTargetPath, "target-path", "", "destination path on the target")
	packageTransferCmd.Flags().BoolVar(&transferVerify, "verify", true, "verify the remote checksum after the push")
	packageTransferCmd.Flags().BoolVar(&transferCleanupSource, "cleanup-source", false, "remove the local package after a verified transfer")
	_ = packageTransferCmd.MarkFlagRequired("target-host")
	_ = packageTransferCmd.MarkFlagRequired("target-path")

	packageCmd.AddCommand(packageCreateCmd)
	packageCmd.AddCommand(packageVerifyCmd)
	packageCmd.AddCommand(packageUnpackCmd)
	packageCmd.AddCommand(packageTransferCmd)
	packageCmd.AddCommand(packageListCmd)
	packageCmd.AddCommand(packageCleanupCmd)
}

func runPackageCreate(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	pkg, err := app.packages.Package(cmd.Context(), args[0], packageOut)
	if err != nil {
		return err
	}
	return printJSON(pkg)
}

func runPackageVerify(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.packages.VerifyIntegrity(args[0]); err != nil {
		return err
	}
	fmt.Printf("package %s verified\n", args[0])
	return nil
}

func runPackageUnpack(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	outDir, err := app.packages.Unpack(cmd.Context(), args[0], unpackOut)
	if err != nil {
		return err
	}
	fmt.Printf("package extracted to %s\n", outDir)
	return nil
}

func runPackageTransfer(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	warnings, err := app.packages.Transfer(cmd.Context(), pack.TransferConfig{
		SourcePath:     args[0],
		TargetHost:     transferTargetHost,
		TargetPath:     transferTargetPath,
		VerifyChecksum: transferVerify,
		CleanupSource:  transferCleanupSource,
	})
	for _, w := range warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}
	if err != nil {
		return err
	}
	fmt.Printf("package transferred to %s:%s\n", transferTargetHost, transferTargetPath)
	return nil
}

func runPackageList(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	pkgs, err := app.packages.ListPackages()
	if err != nil {
		return err
	}
	return printJSON(pkgs)
}

func runPackageCleanup(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.close()

	return app.packages.CleanupPackage(args[0])
}
