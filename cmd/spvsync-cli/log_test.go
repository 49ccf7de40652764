package main

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSupportedSubsystemsListsEveryRegisteredLogger(t *testing.T) {
	names := leveledLoggers{}.SupportedSubsystems()
	sort.Strings(names)
	require.Equal(t, []string{"CLIB", "PEER", "PGRP", "STOR", "SYNC"}, names)
}

func TestSetLogLevelIgnoresUnknownSubsystem(t *testing.T) {
	// Must not panic on a subsystem id that isn't registered.
	leveledLoggers{}.SetLogLevel("NOPE", "debug")
}
