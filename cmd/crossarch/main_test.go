package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistration(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"migrate", "checkpoint", "package", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestMigrateCommandFlags(t *testing.T) {
	for _, name := range []string{"target-host", "target-arch", "rollback", "timeout", "check-only"} {
		assert.NotNil(t, migrateCmd.Flags().Lookup(name), "missing flag %s", name)
	}
}

func TestCheckpointSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range checkpointCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"create", "validate", "restore", "list", "cleanup"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestPackageSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range packageCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"create", "verify", "unpack", "transfer", "list", "cleanup"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}

	verify := packageTransferCmd.Flags().Lookup("verify")
	require.NotNil(t, verify)
	assert.Equal(t, "true", verify.DefValue)
}
