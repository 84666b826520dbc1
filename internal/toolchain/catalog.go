// Package toolchain describes the build-tool subcommands the engine
// knows how to run: their timeout budgets and whether they are likely
// to ask for interactive input.
package toolchain

import (
	"sort"
	"time"
)

// CommandSpec captures the execution profile of one subcommand.
type CommandSpec struct {
	// Name is the subcommand, e.g. "build" or "test".
	Name string

	// Timeout caps total run duration for this subcommand.
	Timeout time.Duration

	// Interactive marks subcommands that routinely read from stdin,
	// such as "run". Interactive jobs get prompt detection enabled
	// from the start instead of only after a pattern match.
	Interactive bool
}

// DefaultTimeout applies to subcommands without a specific budget.
const DefaultTimeout = 30 * time.Second

// catalog lists the cargo subcommands with non-default profiles.
// Anything not listed runs with DefaultTimeout and no interactive hint.
var catalog = map[string]CommandSpec{
	"run":   {Name: "run", Timeout: 60 * time.Second, Interactive: true},
	"test":  {Name: "test", Timeout: 60 * time.Second},
	"bench": {Name: "bench", Timeout: 120 * time.Second},
}

// knownCommands is the full set of supported subcommands. Used for
// validation at the API boundary so typos fail fast instead of
// spawning a subprocess that prints usage and exits.
var knownCommands = map[string]bool{
	"bench": true, "build": true, "clean": true, "doc": true,
	"fmt": true, "help": true, "new": true, "run": true,
	"test": true, "update": true, "check": true, "init": true,
	"add": true, "remove": true, "clippy": true, "fix": true,
	"publish": true, "install": true, "uninstall": true,
	"search": true, "tree": true, "vendor": true, "audit": true,
	"outdated": true,
}

// Lookup returns the execution profile for a subcommand. Unknown or
// unprofiled subcommands get the default profile.
func Lookup(command string) CommandSpec {
	if spec, ok := catalog[command]; ok {
		return spec
	}
	return CommandSpec{Name: command, Timeout: DefaultTimeout}
}

// IsKnown reports whether the subcommand is in the supported set.
func IsKnown(command string) bool {
	return knownCommands[command]
}

// Known returns the supported subcommands in sorted order.
func Known() []string {
	names := make([]string, 0, len(knownCommands))
	for name := range knownCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
