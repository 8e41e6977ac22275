package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := NewRootCommand()

	want := []string{
		"status", "health", "sync", "pull", "queue", "reset-failed",
		"config", "enable", "disable", "test-connection", "daemon",
	}
	got := map[string]bool{}
	for _, cmd := range root.Commands() {
		got[cmd.Name()] = true
	}
	for _, name := range want {
		require.True(t, got[name], "missing subcommand %s", name)
	}
}

func TestQueueSubcommands(t *testing.T) {
	root := NewRootCommand()
	queue, _, err := root.Find([]string{"queue"})
	require.NoError(t, err)

	names := map[string]bool{}
	for _, cmd := range queue.Commands() {
		names[cmd.Name()] = true
	}
	require.True(t, names["list"])
	require.True(t, names["clear"])
}
